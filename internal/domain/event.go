package domain

const (
	EventNameNotification   = "notification"
	EventNameSessionDeleted = "session.deleted"
)

// Client facing event names.
const (
	ClientEventSessionCreated     = "sessionCreated"
	ClientEventSessionUpdated     = "sessionUpdated"
	ClientEventPlayerJoined       = "playerJoined"
	ClientEventPlayerLeft         = "playerLeft"
	ClientEventPlayerDisconnected = "playerDisconnected"
	ClientEventPlayerRejoined     = "playerRejoined"
	ClientEventGameStarting       = "gameStarting"
	ClientEventQuestionStart      = "questionStart"
	ClientEventRoundEnd           = "roundEnd"
	ClientEventGameEnd            = "gameEnd"
	ClientEventErrorNotice        = "errorNotice"
	ClientEventAnswerAcknowledged = "answerAcknowledged"
	ClientEventStateSync          = "stateSync"
)

// EventNotification carries one outbound client event. It targets a single
// connection when ConnectionID is set, otherwise every member of SessionID.
type EventNotification struct {
	Event        string
	SessionID    string
	ConnectionID string
	Data         any
}

func (EventNotification) Name() string { return EventNameNotification }

// Key orders notifications of the same session (or connection) on one lane.
func (e EventNotification) Key() string {
	if e.SessionID != "" {
		return e.SessionID
	}

	return e.ConnectionID
}

type EventSessionDeleted struct {
	SessionID string
}

func (EventSessionDeleted) Name() string { return EventNameSessionDeleted }

func (e EventSessionDeleted) Key() string { return e.SessionID }

type (
	SessionCreatedData struct {
		SessionID string    `json:"sessionId"`
		PlayerID  string    `json:"playerId"`
		GameState GameState `json:"gameState"`
	}

	PlayerJoinedData struct {
		PlayerID string `json:"playerId"`
		Username string `json:"username"`
	}

	PlayerLeftData struct {
		PlayerID  string `json:"playerId"`
		Username  string `json:"username"`
		NewHostID string `json:"newHostId,omitempty"`
	}

	PlayerPresenceData struct {
		PlayerID string `json:"playerId"`
		Username string `json:"username"`
	}

	GameStartingData struct {
		Countdown int `json:"countdown"`
	}

	QuestionStartData struct {
		Question    ClientQuestion `json:"question"`
		RoundNumber int            `json:"roundNumber"`
		TotalRounds int            `json:"totalRounds"`
	}

	RoundEndData struct {
		QuestionID    string             `json:"questionId"`
		CorrectAnswer int                `json:"correctAnswer"`
		Leaderboard   []LeaderboardEntry `json:"leaderboard"`
		RoundNumber   int                `json:"roundNumber"`
	}

	Winner struct {
		PlayerID string `json:"playerId"`
		Username string `json:"username"`
		Score    int64  `json:"score"`
	}

	GameEndData struct {
		FinalLeaderboard []LeaderboardEntry `json:"finalLeaderboard"`
		Winner           *Winner            `json:"winner,omitempty"`
		Message          string             `json:"message"`
	}

	ErrorNoticeData struct {
		Command string `json:"command,omitempty"`
		Reason  string `json:"reason,omitempty"`
		Message string `json:"message"`
	}

	// AnswerAcknowledgedData does not reveal correctness, which is only shown at round end.
	AnswerAcknowledgedData struct {
		QuestionID string `json:"questionId"`
		Duplicate  bool   `json:"duplicate"`
	}
)
