package presence

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/triviarena/internal/domain"
	"github.com/victornm/triviarena/internal/errors"
	"github.com/victornm/triviarena/internal/event"
	"github.com/victornm/triviarena/internal/game"
	"github.com/victornm/triviarena/internal/session"
	"github.com/victornm/triviarena/internal/telemetry"
	"github.com/victornm/triviarena/internal/timer"
)

const graceActionTimeout = 10 * time.Second

type Config struct {
	Sessions *session.Service
	Game     *game.Service
	EventBus *event.Bus
	Metrics  *telemetry.Metrics
	Clock    clockwork.Clock

	GracePeriod time.Duration
}

// Service holds the slot of a disconnected player open for a grace period,
// keyed by the connection the player was last seen on.
type Service struct {
	sessions *session.Service
	game     *game.Service
	eb       *event.Bus
	metrics  *telemetry.Metrics
	clock    clockwork.Clock
	timers   *timer.Registry

	grace time.Duration
}

func NewService(c Config) *Service {
	m := &Service{
		sessions: c.Sessions,
		game:     c.Game,
		eb:       c.EventBus,
		metrics:  c.Metrics,
		clock:    c.Clock,
		grace:    c.GracePeriod,
	}

	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	m.timers = timer.NewRegistry("grace", m.clock)

	return m
}

func (m *Service) Stop() {
	m.timers.Stop()
}

// Disconnect marks the player as gone from connID and arms its grace timer.
// It does nothing when the player has already moved to another connection.
func (m *Service) Disconnect(ctx context.Context, playerID, connID string) error {
	sid, err := m.sessions.SessionOf(ctx, playerID)
	if errors.HasReason(err, errors.ReasonNotInSession) {
		return nil
	}
	if err != nil {
		return err
	}

	unlock := m.sessions.Lock(sid)
	defer unlock()

	var marked *domain.Player
	ss, err := m.sessions.UpdateLocked(ctx, sid, func(ss *domain.Session) error {
		marked = nil

		p := ss.Player(playerID)
		if p == nil || p.ConnectionID != connID || p.IsDisconnected {
			return session.ErrNoChange
		}

		now := m.clock.Now()
		p.IsDisconnected = true
		p.DisconnectedAt = &now
		marked = p
		return nil
	})
	if errors.HasReason(err, errors.ReasonNotFound) {
		return nil
	}
	if err != nil || marked == nil {
		return err
	}

	m.arm(playerID, connID, m.grace)

	slog.InfoContext(ctx, "presence: player disconnected", "session", sid, "player", playerID, "grace", m.grace)

	m.notifyRoom(ctx, sid, domain.ClientEventPlayerDisconnected, domain.PlayerPresenceData{
		PlayerID: playerID,
		Username: marked.Username,
	})
	m.sessions.NotifyUpdated(ctx, ss)

	return nil
}

func (m *Service) arm(playerID, connID string, d time.Duration) {
	m.timers.Schedule(connID, d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), graceActionTimeout)
		defer cancel()

		m.expire(ctx, playerID, connID)
	})
}

// Resume re-arms the grace timers of the disconnected players of a stored session,
// each for what is left of its grace period. It returns how many were armed.
func (m *Service) Resume(ctx context.Context, sid string) (int, error) {
	unlock := m.sessions.Lock(sid)
	defer unlock()

	ss, err := m.sessions.GetSession(ctx, sid)
	if err != nil {
		return 0, err
	}

	now := m.clock.Now()

	var n int
	for _, p := range ss.Players {
		if !p.IsDisconnected {
			continue
		}

		left := m.grace
		if p.DisconnectedAt != nil {
			left = max(0, m.grace-now.Sub(*p.DisconnectedAt))
		}

		m.arm(p.ID, p.ConnectionID, left)
		n++

		slog.InfoContext(ctx, "presence: grace resumed", "session", sid, "player", p.ID, "left", left)
	}

	return n, nil
}

// RecoverAll resumes the grace timers of every stored session and returns how many were armed.
func (m *Service) RecoverAll(ctx context.Context) (int, error) {
	ids, err := m.sessions.ListSessionIDs(ctx)
	if err != nil {
		return 0, err
	}

	var n int
	for _, id := range ids {
		k, err := m.Resume(ctx, id)
		if errors.HasReason(err, errors.ReasonNotFound) {
			continue
		}
		if err != nil {
			slog.ErrorContext(ctx, "presence: resume failed", "session", id, "error", err)
			continue
		}
		n += k
	}

	return n, nil
}

// expire removes a player whose grace period ran out while still disconnected from connID.
func (m *Service) expire(ctx context.Context, playerID, connID string) {
	resp, err := m.sessions.LeaveSession(ctx, session.LeaveSessionRequest{
		PlayerID:         playerID,
		DisconnectedFrom: connID,
	})
	if errors.HasReason(err, errors.ReasonNotInSession) {
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "presence: remove expired player failed", "player", playerID, "error", err)
		return
	}
	if !resp.Removed {
		return
	}

	m.metrics.GraceExpired()
	slog.InfoContext(ctx, "presence: grace period expired",
		"session", resp.SessionID,
		"player", playerID,
		"new_host", resp.NewHostID,
		"deleted", resp.Deleted,
	)
}

type RejoinRequest struct {
	SessionID string
	Username  string
	// PlayerID is the player the caller currently acts as. It must not hold a seat in any session
	// other than the one of Username, and becomes the new player's id when no member has Username.
	PlayerID     string
	ConnectionID string
}

type RejoinResponse struct {
	// Rejoined is false when the caller joined as a new player.
	Rejoined bool
	Player   *domain.Player
	Session  *domain.Session
	Sync     *domain.StateSync
}

// Rejoin hands the member named Username over to a new connection and restores its slot.
// Without such a member it behaves as a join.
func (m *Service) Rejoin(ctx context.Context, req RejoinRequest) (*RejoinResponse, error) {
	username := strings.TrimSpace(req.Username)

	if resp, err := m.rejoin(ctx, req.SessionID, username, req.PlayerID, req.ConnectionID); err != nil || resp != nil {
		return resp, err
	}

	ss, err := m.sessions.JoinSession(ctx, session.JoinSessionRequest{
		SessionID:    req.SessionID,
		PlayerID:     req.PlayerID,
		ConnectionID: req.ConnectionID,
		Username:     username,
	})
	if err != nil {
		return nil, err
	}

	resp := &RejoinResponse{
		Player:  ss.Player(req.PlayerID),
		Session: ss,
		Sync:    m.game.Sync(ss),
	}
	m.syncConn(ctx, ss.ID, req.ConnectionID, resp.Sync)

	return resp, nil
}

// rejoin returns nil without error when the session has no member named username.
func (m *Service) rejoin(ctx context.Context, sid, username, callerID, connID string) (*RejoinResponse, error) {
	unlock := m.sessions.Lock(sid)
	defer unlock()

	if err := m.ensureCallerFree(ctx, sid, username, callerID); err != nil {
		return nil, err
	}

	var (
		p       *domain.Player
		oldConn string
	)
	ss, err := m.sessions.UpdateLocked(ctx, sid, func(ss *domain.Session) error {
		p = ss.PlayerByUsername(username)
		if p == nil {
			return session.ErrNoChange
		}

		now := m.clock.Now()
		oldConn = p.ConnectionID
		p.ConnectionID = connID
		p.IsDisconnected = false
		p.DisconnectedAt = nil
		p.IsActive = true
		p.LastActiveAt = &now
		return nil
	})
	if err != nil || p == nil {
		return nil, err
	}

	if oldConn != connID {
		m.timers.Cancel(oldConn)
	}

	resp := &RejoinResponse{
		Rejoined: true,
		Player:   p,
		Session:  ss,
		Sync:     m.game.Sync(ss),
	}

	slog.InfoContext(ctx, "presence: player rejoined", "session", sid, "player", p.ID, "connection", connID)

	m.notifyRoom(ctx, sid, domain.ClientEventPlayerRejoined, domain.PlayerPresenceData{
		PlayerID: p.ID,
		Username: p.Username,
	})
	m.sessions.NotifyUpdated(ctx, ss)
	m.syncConn(ctx, sid, connID, resp.Sync)

	return resp, nil
}

// ensureCallerFree rejects a caller seated as another player, since taking over username
// would leave that seat without a connection to release it. The session lock must be held.
func (m *Service) ensureCallerFree(ctx context.Context, sid, username, callerID string) error {
	ss, err := m.sessions.GetSession(ctx, sid)
	if err != nil {
		return err
	}

	p := ss.PlayerByUsername(username)
	if p == nil || p.ID == callerID {
		return nil
	}

	return m.sessions.EnsureFree(ctx, callerID)
}

// SetActive records a foreground/background switch. It never affects scoring or membership.
// Becoming active returns the state the client missed while in the background.
func (m *Service) SetActive(ctx context.Context, playerID string, active bool) (*domain.StateSync, error) {
	sid, err := m.sessions.SessionOf(ctx, playerID)
	if err != nil {
		return nil, err
	}

	var changed bool
	ss, err := m.sessions.Update(ctx, sid, func(ss *domain.Session) error {
		p := ss.Player(playerID)
		if p == nil {
			return errors.Newf(errors.ReasonNotInSession, "player %s is not in session %s", playerID, sid)
		}

		now := m.clock.Now()
		changed = p.IsActive != active
		p.IsActive = active
		p.LastActiveAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		m.sessions.NotifyUpdated(ctx, ss)
	}
	if !active {
		return nil, nil
	}

	return m.game.Sync(ss), nil
}

// Pending reports whether a grace timer runs for connID.
func (m *Service) Pending(connID string) bool {
	return m.timers.Pending(connID)
}

func (m *Service) notifyRoom(ctx context.Context, sid, event string, data any) {
	m.eb.Publish(ctx, domain.EventNotification{
		Event:     event,
		SessionID: sid,
		Data:      data,
	})
}

func (m *Service) syncConn(ctx context.Context, sid, connID string, st *domain.StateSync) {
	m.eb.Publish(ctx, domain.EventNotification{
		Event:        domain.ClientEventStateSync,
		SessionID:    sid,
		ConnectionID: connID,
		Data:         st,
	})
}
