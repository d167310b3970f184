package game

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/triviarena/internal/catalog"
	"github.com/victornm/triviarena/internal/domain"
	"github.com/victornm/triviarena/internal/errors"
	"github.com/victornm/triviarena/internal/event"
	"github.com/victornm/triviarena/internal/leaderboard"
	"github.com/victornm/triviarena/internal/score"
	"github.com/victornm/triviarena/internal/session"
	"github.com/victornm/triviarena/internal/store"
	"github.com/victornm/triviarena/internal/telemetry"
	"github.com/victornm/triviarena/internal/timer"
)

const timerActionTimeout = 10 * time.Second

type Config struct {
	Sessions *session.Service
	Store    store.Store
	Catalog  *catalog.Catalog
	EventBus *event.Bus
	Metrics  *telemetry.Metrics
	Clock    clockwork.Clock

	QuestionTimeLimit time.Duration
	InterRoundDelay   time.Duration
	StartDelay        time.Duration
	CleanupDelay      time.Duration
	AnswerTTL         time.Duration
}

// Service drives rounds: question selection, round timers, scoring and game end.
// Each session has at most one pending timer, whether countdown, round end, next round or cleanup.
type Service struct {
	sessions *session.Service
	store    store.Store
	catalog  *catalog.Catalog
	eb       *event.Bus
	metrics  *telemetry.Metrics
	clock    clockwork.Clock
	timers   *timer.Registry

	timeLimit    time.Duration
	roundDelay   time.Duration
	startDelay   time.Duration
	cleanupDelay time.Duration
	answerTTL    time.Duration
}

func NewService(c Config) *Service {
	g := &Service{
		sessions:     c.Sessions,
		store:        c.Store,
		catalog:      c.Catalog,
		eb:           c.EventBus,
		metrics:      c.Metrics,
		clock:        c.Clock,
		timeLimit:    c.QuestionTimeLimit,
		roundDelay:   c.InterRoundDelay,
		startDelay:   c.StartDelay,
		cleanupDelay: c.CleanupDelay,
		answerTTL:    c.AnswerTTL,
	}

	if g.clock == nil {
		g.clock = clockwork.NewRealClock()
	}
	g.timers = timer.NewRegistry("round", g.clock)

	g.eb.Subscribe(domain.EventNameSessionDeleted, func(ctx context.Context, e event.Event) error {
		g.timers.Cancel(e.(domain.EventSessionDeleted).SessionID)
		return nil
	})

	return g
}

// Stop disarms every round timer.
func (g *Service) Stop() {
	g.timers.Stop()
}

// BeginCountdown moves a startable WAITING session to STARTING and starts the game after the start delay.
// It reports whether the countdown began.
func (g *Service) BeginCountdown(ctx context.Context, sid string) (bool, error) {
	unlock := g.sessions.Lock(sid)
	defer unlock()

	var begun bool
	ss, err := g.sessions.UpdateLocked(ctx, sid, func(ss *domain.Session) error {
		begun = false
		if ss.Status != domain.StatusWaiting || !g.sessions.CanStart(ss) {
			return session.ErrNoChange
		}

		ss.Status = domain.StatusStarting
		begun = true
		return nil
	})
	if err != nil || !begun {
		return false, err
	}

	g.timers.Schedule(sid, g.startDelay, g.fire(sid, "start game", func(ctx context.Context) error {
		return g.StartGame(ctx, sid)
	}))

	slog.InfoContext(ctx, "game: countdown started", "session", sid, "delay", g.startDelay)

	g.notifyRoom(ctx, sid, domain.ClientEventGameStarting, domain.GameStartingData{
		Countdown: int(g.startDelay / time.Second),
	})
	g.sessions.NotifyUpdated(ctx, ss)

	return true, nil
}

// StartGame puts the session in progress and opens round 1.
// A countdown that lost players below the minimum puts the session back to WAITING instead.
func (g *Service) StartGame(ctx context.Context, sid string) error {
	unlock := g.sessions.Lock(sid)
	defer unlock()

	var reverted bool
	ss, err := g.sessions.UpdateLocked(ctx, sid, func(ss *domain.Session) error {
		reverted = false

		if ss.Status != domain.StatusWaiting && ss.Status != domain.StatusStarting {
			return errors.Newf(errors.ReasonInvalidState, "session %s is %s", ss.ID, ss.Status)
		}
		if need := g.sessions.MinPlayers(); len(ss.Players) < need {
			if ss.Status == domain.StatusWaiting {
				return errors.Newf(errors.ReasonInvalidState, "session %s needs %d players to start", ss.ID, need)
			}

			ss.Status = domain.StatusWaiting
			reverted = true
			return nil
		}

		ss.Status = domain.StatusInProgress
		ss.CurrentRound = 1
		g.openRound(ss)
		return nil
	})
	if err != nil {
		return err
	}

	if reverted {
		slog.InfoContext(ctx, "game: start cancelled", "session", sid, "players", len(ss.Players))
		g.sessions.NotifyUpdated(ctx, ss)
		return nil
	}

	slog.InfoContext(ctx, "game: started", "session", sid, "players", len(ss.Players))

	g.sessions.NotifyUpdated(ctx, ss)
	g.roundOpened(ctx, ss)
	return nil
}

// openRound picks the question of the current round and stamps its start time.
func (g *Service) openRound(ss *domain.Session) {
	q := g.catalog.Pick(ss.AskedQuestionIDs)
	now := g.clock.Now()

	ss.CurrentQuestion = &q
	ss.QuestionStartTime = &now
	ss.AskedQuestionIDs = append(ss.AskedQuestionIDs, q.ID)
}

// roundOpened arms the round timer and announces the question. The session lock must be held.
func (g *Service) roundOpened(ctx context.Context, ss *domain.Session) {
	sid, round := ss.ID, ss.CurrentRound

	g.timers.Schedule(sid, g.timeLimit, g.fire(sid, "end round", func(ctx context.Context) error {
		return g.endRound(ctx, sid, round)
	}))

	slog.InfoContext(ctx, "game: round started", "session", sid, "round", round, "question", ss.CurrentQuestion.ID)

	g.notifyRoom(ctx, sid, domain.ClientEventQuestionStart, domain.QuestionStartData{
		Question:    ss.CurrentQuestion.ForClient(g.timeLimit),
		RoundNumber: round,
		TotalRounds: ss.TotalRounds,
	})
}

// nextRound opens round if the session is still waiting for it.
func (g *Service) nextRound(ctx context.Context, sid string, round int) error {
	unlock := g.sessions.Lock(sid)
	defer unlock()

	var opened bool
	ss, err := g.sessions.UpdateLocked(ctx, sid, func(ss *domain.Session) error {
		opened = false
		if ss.Status != domain.StatusInProgress || ss.CurrentQuestion != nil || ss.CurrentRound != round {
			return session.ErrNoChange
		}

		g.openRound(ss)
		opened = true
		return nil
	})
	if err != nil || !opened {
		return err
	}

	g.roundOpened(ctx, ss)
	return nil
}

type SubmitAnswerRequest struct {
	// SessionID is resolved from the player when empty.
	SessionID    string
	PlayerID     string
	ConnectionID string
	// QuestionID, when set, must name the open question.
	QuestionID     string
	SelectedOption int
	SubmittedAt    time.Time
}

type SubmitAnswerResponse struct {
	QuestionID string
	Duplicate  bool
	Correct    bool
	Points     int64
	TotalScore int64
}

// SubmitAnswer scores at most one answer per player and question. A repeated
// submission is acknowledged without changing the score.
func (g *Service) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) (*SubmitAnswerResponse, error) {
	sid := req.SessionID
	if sid == "" {
		var err error
		if sid, err = g.sessions.SessionOf(ctx, req.PlayerID); err != nil {
			return nil, err
		}
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = g.clock.Now()
	}

	unlock := g.sessions.Lock(sid)
	defer unlock()

	ss, err := g.sessions.GetSession(ctx, sid)
	if err != nil {
		return nil, err
	}
	if err := checkAnswer(ss, req); err != nil {
		return nil, err
	}

	qid := ss.CurrentQuestion.ID
	key := answerKey(sid, req.PlayerID, ss.CurrentRound, qid)
	resp := &SubmitAnswerResponse{QuestionID: qid}

	claimed, err := g.store.Create(ctx, key, []byte("1"), g.answerTTL)
	if err != nil {
		return nil, fmt.Errorf("claim answer: %w", err)
	}
	if !claimed {
		slog.WarnContext(ctx, "game: duplicate answer", "session", sid, "player", req.PlayerID, "question", qid)
		g.metrics.Answer("duplicate")

		resp.Duplicate = true
		g.acknowledge(ctx, sid, req.ConnectionID, resp)
		return resp, nil
	}

	_, err = g.sessions.UpdateLocked(ctx, sid, func(ss *domain.Session) error {
		if err := checkAnswer(ss, req); err != nil {
			return err
		}

		p := ss.Player(req.PlayerID)
		q := ss.CurrentQuestion
		rt := req.SubmittedAt.Sub(*ss.QuestionStartTime).Milliseconds()

		resp.Correct = req.SelectedOption == q.CorrectOptionIndex
		resp.Points = score.Points(resp.Correct, rt, int64(p.CurrentStreak), g.timeLimit.Milliseconds())

		p.Score += resp.Points
		if resp.Correct {
			p.CurrentStreak++
		} else {
			p.CurrentStreak = 0
		}
		resp.TotalScore = p.Score
		return nil
	})
	if err != nil {
		if derr := g.store.Delete(ctx, key); derr != nil {
			slog.ErrorContext(ctx, "game: release answer claim failed", "session", sid, "error", derr)
		}
		return nil, err
	}

	result := "wrong"
	if resp.Correct {
		result = "correct"
	}
	g.metrics.Answer(result)

	slog.InfoContext(ctx, "game: answer scored",
		"session", sid,
		"player", req.PlayerID,
		"question", qid,
		"correct", resp.Correct,
		"points", resp.Points,
	)

	g.acknowledge(ctx, sid, req.ConnectionID, resp)
	return resp, nil
}

func checkAnswer(ss *domain.Session, req SubmitAnswerRequest) error {
	if !ss.RoundOpen() {
		return errors.Newf(errors.ReasonNoActiveQuestion, "no active question in session %s", ss.ID)
	}
	if ss.Player(req.PlayerID) == nil {
		return errors.Newf(errors.ReasonNotInSession, "player %s is not in session %s", req.PlayerID, ss.ID)
	}
	if req.QuestionID != "" && req.QuestionID != ss.CurrentQuestion.ID {
		return errors.Newf(errors.ReasonNoActiveQuestion, "question %s is not open", req.QuestionID)
	}

	return nil
}

func (g *Service) acknowledge(ctx context.Context, sid, connID string, resp *SubmitAnswerResponse) {
	if connID == "" {
		return
	}

	g.eb.Publish(ctx, domain.EventNotification{
		Event:        domain.ClientEventAnswerAcknowledged,
		SessionID:    sid,
		ConnectionID: connID,
		Data: domain.AnswerAcknowledgedData{
			QuestionID: resp.QuestionID,
			Duplicate:  resp.Duplicate,
		},
	})
}

// EndRound closes the open round right away, whatever its number.
func (g *Service) EndRound(ctx context.Context, sid string) error {
	return g.endRound(ctx, sid, 0)
}

// endRound closes the open round when it is round, or any round when round is 0.
func (g *Service) endRound(ctx context.Context, sid string, round int) error {
	unlock := g.sessions.Lock(sid)
	defer unlock()

	var (
		ended    bool
		finished bool
		res      domain.RoundEndData
	)
	ss, err := g.sessions.UpdateLocked(ctx, sid, func(ss *domain.Session) error {
		ended, finished = false, false
		if !ss.RoundOpen() || (round > 0 && ss.CurrentRound != round) {
			return session.ErrNoChange
		}

		res = domain.RoundEndData{
			QuestionID:    ss.CurrentQuestion.ID,
			CorrectAnswer: ss.CurrentQuestion.CorrectOptionIndex,
			Leaderboard:   leaderboard.Build(ss.Players),
			RoundNumber:   ss.CurrentRound,
		}

		ss.CurrentQuestion = nil
		ss.QuestionStartTime = nil
		if ss.CurrentRound >= ss.TotalRounds {
			ss.Status = domain.StatusFinished
			finished = true
		} else {
			ss.CurrentRound++
		}

		ended = true
		return nil
	})
	if err != nil || !ended {
		return err
	}

	g.timers.Cancel(sid)
	g.metrics.RoundCompleted()

	slog.InfoContext(ctx, "game: round ended", "session", sid, "round", res.RoundNumber)
	g.notifyRoom(ctx, sid, domain.ClientEventRoundEnd, res)

	if finished {
		g.finish(ctx, ss, res.Leaderboard)
		return nil
	}

	next := ss.CurrentRound
	g.timers.Schedule(sid, g.roundDelay, g.fire(sid, "next round", func(ctx context.Context) error {
		return g.nextRound(ctx, sid, next)
	}))

	return nil
}

// finish announces the winner and schedules the session cleanup. The session lock must be held.
func (g *Service) finish(ctx context.Context, ss *domain.Session, board []domain.LeaderboardEntry) {
	sid := ss.ID
	winner := leaderboard.Winner(board)

	data := domain.GameEndData{
		FinalLeaderboard: board,
		Winner:           winner,
		Message:          "Game over",
	}
	if winner != nil {
		data.Message = fmt.Sprintf("%s wins with %d points!", winner.Username, winner.Score)
	}

	g.metrics.GameFinished()
	slog.InfoContext(ctx, "game: finished", "session", sid, "winner", data.Winner)

	g.notifyRoom(ctx, sid, domain.ClientEventGameEnd, data)
	g.sessions.NotifyUpdated(ctx, ss)

	g.scheduleCleanup(sid)
}

func (g *Service) scheduleCleanup(sid string) {
	g.timers.Schedule(sid, g.cleanupDelay, g.fire(sid, "cleanup", func(ctx context.Context) error {
		return g.sessions.DeleteSession(ctx, sid)
	}))
}

// RemainingTime is the time left in the open round, computed from the stored start time.
func (g *Service) RemainingTime(ss *domain.Session) time.Duration {
	if !ss.RoundOpen() || ss.QuestionStartTime == nil {
		return 0
	}

	return max(0, ss.QuestionStartTime.Add(g.timeLimit).Sub(g.clock.Now()))
}

// StateSync builds the full view a (re)connecting player needs.
func (g *Service) StateSync(ctx context.Context, sid string) (*domain.StateSync, error) {
	ss, err := g.sessions.GetSession(ctx, sid)
	if err != nil {
		return nil, err
	}

	return g.Sync(ss), nil
}

func (g *Service) Sync(ss *domain.Session) *domain.StateSync {
	st := session.State(ss)

	sync := &domain.StateSync{
		GameState:     st,
		RoundNumber:   ss.CurrentRound,
		TotalRounds:   ss.TotalRounds,
		RemainingTime: g.RemainingTime(ss).Milliseconds(),
		Leaderboard:   st.Leaderboard,
	}
	if ss.RoundOpen() {
		q := ss.CurrentQuestion.ForClient(g.timeLimit)
		sync.CurrentQuestion = &q
	}

	return sync
}

// Resume re-arms the timer a session needs from its stored state, e.g. after a restart.
func (g *Service) Resume(ctx context.Context, sid string) error {
	unlock := g.sessions.Lock(sid)
	defer unlock()

	ss, err := g.sessions.GetSession(ctx, sid)
	if err != nil {
		return err
	}

	switch {
	case ss.Status == domain.StatusStarting:
		g.timers.Schedule(sid, g.startDelay, g.fire(sid, "start game", func(ctx context.Context) error {
			return g.StartGame(ctx, sid)
		}))

	case ss.RoundOpen():
		round := ss.CurrentRound
		g.timers.Schedule(sid, g.RemainingTime(ss), g.fire(sid, "end round", func(ctx context.Context) error {
			return g.endRound(ctx, sid, round)
		}))

	case ss.Status == domain.StatusInProgress:
		round := ss.CurrentRound
		g.timers.Schedule(sid, g.roundDelay, g.fire(sid, "next round", func(ctx context.Context) error {
			return g.nextRound(ctx, sid, round)
		}))

	case ss.Status == domain.StatusFinished:
		g.scheduleCleanup(sid)

	default:
		return nil
	}

	slog.InfoContext(ctx, "game: resumed", "session", sid, "status", ss.Status, "round", ss.CurrentRound)
	return nil
}

// RecoverAll resumes every session found in the store and returns how many were resumed.
func (g *Service) RecoverAll(ctx context.Context) (int, error) {
	ids, err := g.sessions.ListSessionIDs(ctx)
	if err != nil {
		return 0, err
	}

	if _, err := g.sessions.RecountActive(ctx); err != nil {
		slog.ErrorContext(ctx, "game: recount active sessions failed", "error", err)
	}

	var n int
	for _, id := range ids {
		if err := g.Resume(ctx, id); err != nil {
			slog.ErrorContext(ctx, "game: resume failed", "session", id, "error", err)
			continue
		}
		n++
	}

	return n, nil
}

// Pending reports whether the session has an armed timer.
func (g *Service) Pending(sid string) bool {
	return g.timers.Pending(sid)
}

func (g *Service) fire(sid, action string, fn func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), timerActionTimeout)
		defer cancel()

		err := fn(ctx)
		if err == nil || errors.HasReason(err, errors.ReasonNotFound) {
			return
		}

		slog.ErrorContext(ctx, "game: timer action failed", "session", sid, "action", action, "error", err)
	}
}

func (g *Service) notifyRoom(ctx context.Context, sid, event string, data any) {
	g.eb.Publish(ctx, domain.EventNotification{
		Event:     event,
		SessionID: sid,
		Data:      data,
	})
}

// answerKey includes the round since a question may be asked again later in the game.
func answerKey(sid, playerID string, round int, questionID string) string {
	return fmt.Sprintf("answer:%s:%s:%d:%s", sid, playerID, round, questionID)
}
