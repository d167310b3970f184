package domain

import (
	"time"
)

type Status string

const (
	StatusWaiting    Status = "WAITING"
	StatusStarting   Status = "STARTING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusFinished   Status = "FINISHED"
)

// Session represents one trivia lobby, from creation to cleanup.
// Players keeps join order, which decides host succession and leaderboard ties.
type Session struct {
	ID                string     `json:"id"`
	HostID            string     `json:"hostId"`
	Status            Status     `json:"status"`
	Players           []*Player  `json:"players"`
	CurrentRound      int        `json:"currentRound"`
	TotalRounds       int        `json:"totalRounds"`
	CurrentQuestion   *Question  `json:"currentQuestion,omitempty"`
	QuestionStartTime *time.Time `json:"questionStartTime,omitempty"`
	AskedQuestionIDs  []string   `json:"askedQuestionIds,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// Player finds the member with the given id, nil if absent.
func (s *Session) Player(id string) *Player {
	for _, p := range s.Players {
		if p.ID == id {
			return p
		}
	}

	return nil
}

func (s *Session) PlayerByUsername(username string) *Player {
	for _, p := range s.Players {
		if p.Username == username {
			return p
		}
	}

	return nil
}

// RemovePlayer drops the member with the given id and reports whether it was present.
func (s *Session) RemovePlayer(id string) bool {
	for i, p := range s.Players {
		if p.ID == id {
			s.Players = append(s.Players[:i], s.Players[i+1:]...)
			return true
		}
	}

	return false
}

func (s *Session) RoundOpen() bool {
	return s.Status == StatusInProgress && s.CurrentQuestion != nil
}

type Player struct {
	ID             string     `json:"id"`
	ConnectionID   string     `json:"connectionId"`
	Username       string     `json:"username"`
	Score          int64      `json:"score"`
	CurrentStreak  int        `json:"currentStreak"`
	IsReady        bool       `json:"isReady"`
	IsDisconnected bool       `json:"isDisconnected"`
	DisconnectedAt *time.Time `json:"disconnectedAt,omitempty"`
	IsActive       bool       `json:"isActive"`
	LastActiveAt   *time.Time `json:"lastActiveAt,omitempty"`
	JoinedAt       time.Time  `json:"joinedAt"`
}

type Question struct {
	ID                 string   `json:"id" yaml:"id"`
	Text               string   `json:"text" yaml:"text"`
	Options            []string `json:"options" yaml:"options"`
	CorrectOptionIndex int      `json:"correctOptionIndex" yaml:"correct"`
	Points             int      `json:"points" yaml:"points"`
	Category           string   `json:"category,omitempty" yaml:"category"`
}

// ClientQuestion is the question as shown to players, without the answer.
type ClientQuestion struct {
	ID        string   `json:"id"`
	Text      string   `json:"text"`
	Options   []string `json:"options"`
	Points    int      `json:"points"`
	Category  string   `json:"category,omitempty"`
	TimeLimit int64    `json:"timeLimit"`
}

func (q Question) ForClient(timeLimit time.Duration) ClientQuestion {
	return ClientQuestion{
		ID:        q.ID,
		Text:      q.Text,
		Options:   q.Options,
		Points:    q.Points,
		Category:  q.Category,
		TimeLimit: timeLimit.Milliseconds(),
	}
}

type LeaderboardEntry struct {
	PlayerID string `json:"playerId"`
	Username string `json:"username"`
	Score    int64  `json:"score"`
	Streak   int    `json:"streak"`
	Rank     int    `json:"rank"`
}

// PlayerView is the public part of a Player.
type PlayerView struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	Score          int64  `json:"score"`
	Streak         int    `json:"streak"`
	IsReady        bool   `json:"isReady"`
	IsDisconnected bool   `json:"isDisconnected"`
	IsActive       bool   `json:"isActive"`
	IsHost         bool   `json:"isHost"`
}

// GameState is the live projection broadcast on every lobby change.
type GameState struct {
	SessionID    string             `json:"sessionId"`
	Status       Status             `json:"status"`
	HostID       string             `json:"hostId"`
	CurrentRound int                `json:"currentRound"`
	TotalRounds  int                `json:"totalRounds"`
	Players      []PlayerView       `json:"players"`
	Leaderboard  []LeaderboardEntry `json:"leaderboard"`
}

// StateSync is sent to a single connection after rejoin or on request.
type StateSync struct {
	GameState       GameState          `json:"gameState"`
	CurrentQuestion *ClientQuestion    `json:"currentQuestion,omitempty"`
	RoundNumber     int                `json:"roundNumber"`
	TotalRounds     int                `json:"totalRounds"`
	RemainingTime   int64              `json:"remainingTime"`
	Leaderboard     []LeaderboardEntry `json:"leaderboard"`
}
