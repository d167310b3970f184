package session

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/triviarena/internal/domain"
	"github.com/victornm/triviarena/internal/errors"
	"github.com/victornm/triviarena/internal/event"
	"github.com/victornm/triviarena/internal/leaderboard"
	"github.com/victornm/triviarena/internal/store"
	"github.com/victornm/triviarena/internal/telemetry"
)

const (
	codeAlphabet      = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength        = 6
	maxUsernameLength = 32

	keyActiveSessions = "stats:sessions:active"
)

// ErrNoChange returned from an update function leaves the session untouched.
var ErrNoChange = stderrors.New("session: no change")

type Config struct {
	Store    store.Store
	EventBus *event.Bus
	Metrics  *telemetry.Metrics
	Clock    clockwork.Clock

	MaxPlayers   int
	MinPlayers   int
	TotalRounds  int
	SessionTTL   time.Duration
	CodeAttempts int

	// NewCode generates session codes, random when nil.
	NewCode func() string
}

type Service struct {
	store   store.Store
	eb      *event.Bus
	metrics *telemetry.Metrics
	clock   clockwork.Clock
	locks   *keyedMutex
	newCode func() string

	maxPlayers   int
	minPlayers   int
	totalRounds  int
	ttl          time.Duration
	codeAttempts int
}

func NewService(c Config) *Service {
	s := &Service{
		store:        c.Store,
		eb:           c.EventBus,
		metrics:      c.Metrics,
		clock:        c.Clock,
		locks:        newKeyedMutex(),
		newCode:      c.NewCode,
		maxPlayers:   c.MaxPlayers,
		minPlayers:   c.MinPlayers,
		totalRounds:  c.TotalRounds,
		ttl:          c.SessionTTL,
		codeAttempts: c.CodeAttempts,
	}

	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.newCode == nil {
		s.newCode = randomCode
	}
	if s.codeAttempts <= 0 {
		s.codeAttempts = 1
	}

	return s
}

func randomCode() string {
	b := make([]byte, codeLength)
	for i := range b {
		b[i] = codeAlphabet[rand.IntN(len(codeAlphabet))]
	}
	return string(b)
}

type CreateSessionRequest struct {
	PlayerID     string
	ConnectionID string
	Username     string
}

// CreateSession opens a new lobby hosted by the caller. The host is ready from the start.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*domain.Session, error) {
	username, err := validateUsername(req.Username)
	if err != nil {
		return nil, err
	}

	if err := s.EnsureFree(ctx, req.PlayerID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	ss := &domain.Session{
		HostID: req.PlayerID,
		Status: domain.StatusWaiting,
		Players: []*domain.Player{{
			ID:           req.PlayerID,
			ConnectionID: req.ConnectionID,
			Username:     username,
			IsReady:      true,
			IsActive:     true,
			JoinedAt:     now,
		}},
		TotalRounds: s.totalRounds,
		CreatedAt:   now,
	}

	if err := s.insertSession(ctx, ss); err != nil {
		return nil, err
	}

	if err := s.setPlayerSession(ctx, req.PlayerID, ss.ID); err != nil {
		return nil, err
	}

	s.metrics.SessionCreated()
	s.countActive(ctx, s.store.Incr)

	slog.InfoContext(ctx, "session: created", "session", ss.ID, "host", req.PlayerID)

	s.notifyConn(ctx, ss.ID, req.ConnectionID, domain.ClientEventSessionCreated, domain.SessionCreatedData{
		SessionID: ss.ID,
		PlayerID:  req.PlayerID,
		GameState: State(ss),
	})

	return ss, nil
}

// insertSession reserves a fresh code, regenerating it on collision.
func (s *Service) insertSession(ctx context.Context, ss *domain.Session) error {
	for i := 0; i < s.codeAttempts; i++ {
		ss.ID = s.newCode()

		b, err := json.Marshal(ss)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}

		ok, err := s.store.Create(ctx, sessionKey(ss.ID), b, s.ttl)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if ok {
			return nil
		}

		slog.WarnContext(ctx, "session: code collision", "code", ss.ID, "attempt", i+1)
	}

	return errors.New(errors.CodeInternal,
		errors.WithMessagef("no free session code after %d attempts", s.codeAttempts))
}

type JoinSessionRequest struct {
	SessionID    string
	PlayerID     string
	ConnectionID string
	Username     string
}

func (s *Service) JoinSession(ctx context.Context, req JoinSessionRequest) (*domain.Session, error) {
	username, err := validateUsername(req.Username)
	if err != nil {
		return nil, err
	}

	if err := s.EnsureFree(ctx, req.PlayerID); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(req.SessionID)
	defer unlock()

	ss, err := s.UpdateLocked(ctx, req.SessionID, func(ss *domain.Session) error {
		switch {
		case ss.Status != domain.StatusWaiting:
			return errors.Newf(errors.ReasonInvalidState, "session %s is %s", ss.ID, ss.Status)
		case len(ss.Players) >= s.maxPlayers:
			return errors.Newf(errors.ReasonCapacity, "session %s is full", ss.ID)
		case ss.PlayerByUsername(username) != nil:
			return errors.Newf(errors.ReasonNameConflict, "username %q is taken", username)
		case ss.Player(req.PlayerID) != nil:
			return errors.Newf(errors.ReasonInvalidState, "already in session %s", ss.ID)
		}

		ss.Players = append(ss.Players, &domain.Player{
			ID:           req.PlayerID,
			ConnectionID: req.ConnectionID,
			Username:     username,
			IsActive:     true,
			JoinedAt:     s.clock.Now(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.setPlayerSession(ctx, req.PlayerID, ss.ID); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "session: player joined", "session", ss.ID, "player", req.PlayerID)

	s.notifyRoom(ctx, ss.ID, domain.ClientEventPlayerJoined, domain.PlayerJoinedData{
		PlayerID: req.PlayerID,
		Username: username,
	})
	s.NotifyUpdated(ctx, ss)

	return ss, nil
}

type LeaveSessionRequest struct {
	PlayerID string
	// DisconnectedFrom, when set, removes the player only if it is still
	// disconnected on that connection.
	DisconnectedFrom string
}

// LeaveSessionResponse tells whether the session survived the departure.
type LeaveSessionResponse struct {
	SessionID string
	Username  string
	// Removed is false when DisconnectedFrom no longer matched.
	Removed bool
	// Deleted is set when the last member left. Session is nil then.
	Deleted   bool
	NewHostID string
	Session   *domain.Session
}

// LeaveSession removes a player from its current session. A departing host hands over
// to the earliest remaining joiner, and an emptied session is deleted.
func (s *Service) LeaveSession(ctx context.Context, req LeaveSessionRequest) (*LeaveSessionResponse, error) {
	sid, err := s.SessionOf(ctx, req.PlayerID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(sid)
	defer unlock()

	resp := &LeaveSessionResponse{SessionID: sid}
	ss, err := s.UpdateLocked(ctx, sid, func(ss *domain.Session) error {
		resp.Removed, resp.NewHostID = false, ""

		p := ss.Player(req.PlayerID)
		if p == nil {
			return errors.Newf(errors.ReasonNotInSession, "player %s is not in session %s", req.PlayerID, sid)
		}
		if req.DisconnectedFrom != "" && (!p.IsDisconnected || p.ConnectionID != req.DisconnectedFrom) {
			return ErrNoChange
		}

		ss.RemovePlayer(p.ID)
		resp.Removed = true
		resp.Username = p.Username

		if len(ss.Players) > 0 && ss.HostID == p.ID {
			ss.HostID = ss.Players[0].ID
			resp.NewHostID = ss.HostID
		}
		return nil
	})
	if errors.HasReason(err, errors.ReasonNotFound) || errors.HasReason(err, errors.ReasonNotInSession) {
		s.clearPlayerSession(ctx, req.PlayerID, sid)
		return nil, errors.Newf(errors.ReasonNotInSession, "player %s is not in a session", req.PlayerID)
	}
	if err != nil {
		return nil, err
	}
	if !resp.Removed {
		return resp, nil
	}

	s.clearPlayerSession(ctx, req.PlayerID, sid)

	if len(ss.Players) == 0 {
		if err := s.deleteLocked(ctx, sid); err != nil {
			return nil, err
		}
		resp.Deleted = true

		slog.InfoContext(ctx, "session: last player left", "session", sid, "player", req.PlayerID)
		return resp, nil
	}

	resp.Session = ss
	slog.InfoContext(ctx, "session: player left", "session", sid, "player", req.PlayerID, "new_host", resp.NewHostID)

	s.notifyRoom(ctx, sid, domain.ClientEventPlayerLeft, domain.PlayerLeftData{
		PlayerID:  req.PlayerID,
		Username:  resp.Username,
		NewHostID: resp.NewHostID,
	})
	s.NotifyUpdated(ctx, ss)

	return resp, nil
}

type SetReadyRequest struct {
	PlayerID string
	Ready    bool
}

// SetReady records a readiness toggle. Readiness only matters before the game starts.
func (s *Service) SetReady(ctx context.Context, req SetReadyRequest) (*domain.Session, error) {
	sid, err := s.SessionOf(ctx, req.PlayerID)
	if err != nil {
		return nil, err
	}

	ss, err := s.Update(ctx, sid, func(ss *domain.Session) error {
		p := ss.Player(req.PlayerID)
		if p == nil {
			return errors.Newf(errors.ReasonNotInSession, "player %s is not in session %s", req.PlayerID, sid)
		}
		if ss.Status != domain.StatusWaiting && ss.Status != domain.StatusStarting {
			return errors.Newf(errors.ReasonInvalidState, "session %s is %s", ss.ID, ss.Status)
		}
		if p.IsReady == req.Ready {
			return ErrNoChange
		}

		p.IsReady = req.Ready
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.NotifyUpdated(ctx, ss)
	return ss, nil
}

// CanStart reports whether the lobby has enough members and all of them are ready.
// MinPlayers is how many members a game needs to start.
func (s *Service) MinPlayers() int {
	return s.minPlayers
}

func (s *Service) CanStart(ss *domain.Session) bool {
	return CanStart(ss, s.minPlayers)
}

func CanStart(ss *domain.Session, minPlayers int) bool {
	if len(ss.Players) < minPlayers {
		return false
	}

	for _, p := range ss.Players {
		if !p.IsReady {
			return false
		}
	}

	return true
}

func (s *Service) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	b, err := s.store.Get(ctx, sessionKey(id))
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.Newf(errors.ReasonNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	return decode(b)
}

// SessionOf resolves the session a player currently belongs to.
func (s *Service) SessionOf(ctx context.Context, playerID string) (string, error) {
	b, err := s.store.Get(ctx, playerKey(playerID))
	if stderrors.Is(err, store.ErrNotFound) {
		return "", errors.Newf(errors.ReasonNotInSession, "player %s is not in a session", playerID)
	}
	if err != nil {
		return "", fmt.Errorf("get player session: %w", err)
	}

	return string(b), nil
}

// ListSessionIDs returns the id of every session in the store.
func (s *Service) ListSessionIDs(ctx context.Context) ([]string, error) {
	keys, err := s.store.ScanPrefix(ctx, sessionKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, sessionKeyPrefix))
	}
	return ids, nil
}

// RecountActive resets the active-session counter to the number of stored sessions.
// Sessions that lapse through their TTL never decrement the counter, so it drifts until recounted.
func (s *Service) RecountActive(ctx context.Context) (int, error) {
	ids, err := s.ListSessionIDs(ctx)
	if err != nil {
		return 0, err
	}

	if err := s.store.SetWithExpiry(ctx, keyActiveSessions, []byte(strconv.Itoa(len(ids))), 0); err != nil {
		return 0, fmt.Errorf("recount active sessions: %w", err)
	}

	s.metrics.SetActiveSessions(int64(len(ids)))
	return len(ids), nil
}

// Lock takes the per-session lock. Use UpdateLocked and DeleteLocked while holding it.
func (s *Service) Lock(id string) (unlock func()) {
	return s.locks.Lock(id)
}

// Update applies fn to the stored session under the session lock.
func (s *Service) Update(ctx context.Context, id string, fn func(*domain.Session) error) (*domain.Session, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	return s.UpdateLocked(ctx, id, fn)
}

// UpdateLocked applies fn to the stored session. The caller must hold the session lock.
// fn may run more than once when another process writes the session concurrently.
func (s *Service) UpdateLocked(ctx context.Context, id string, fn func(*domain.Session) error) (*domain.Session, error) {
	var out *domain.Session
	err := s.store.Update(ctx, sessionKey(id), s.ttl, func(old []byte) ([]byte, error) {
		if old == nil {
			return nil, errors.Newf(errors.ReasonNotFound, "session %s not found", id)
		}

		ss, err := decode(old)
		if err != nil {
			return nil, err
		}

		if err := fn(ss); err != nil {
			if stderrors.Is(err, ErrNoChange) {
				out = ss
			}
			return nil, err
		}

		out = ss
		return json.Marshal(ss)
	})
	if stderrors.Is(err, ErrNoChange) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	for _, p := range out.Players {
		if err := s.store.SetWithExpiry(ctx, playerKey(p.ID), []byte(id), s.ttl); err != nil {
			return nil, fmt.Errorf("refresh player index: %w", err)
		}
	}

	return out, nil
}

// DeleteSession removes a session and the index of its members.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	return s.DeleteLocked(ctx, id)
}

// DeleteLocked is DeleteSession for callers holding the session lock.
func (s *Service) DeleteLocked(ctx context.Context, id string) error {
	ss, err := s.GetSession(ctx, id)
	if errors.HasReason(err, errors.ReasonNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, p := range ss.Players {
		s.clearPlayerSession(ctx, p.ID, id)
	}

	return s.deleteLocked(ctx, id)
}

func (s *Service) deleteLocked(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, sessionKey(id)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	s.countActive(ctx, s.store.Decr)
	slog.InfoContext(ctx, "session: deleted", "session", id)

	s.eb.Publish(ctx, domain.EventSessionDeleted{SessionID: id})
	return nil
}

// NotifyUpdated broadcasts the live state of ss to its members.
func (s *Service) NotifyUpdated(ctx context.Context, ss *domain.Session) {
	s.notifyRoom(ctx, ss.ID, domain.ClientEventSessionUpdated, State(ss))
}

func (s *Service) notifyRoom(ctx context.Context, sid, event string, data any) {
	s.eb.Publish(ctx, domain.EventNotification{
		Event:     event,
		SessionID: sid,
		Data:      data,
	})
}

func (s *Service) notifyConn(ctx context.Context, sid, connID, event string, data any) {
	s.eb.Publish(ctx, domain.EventNotification{
		Event:        event,
		SessionID:    sid,
		ConnectionID: connID,
		Data:         data,
	})
}

// EnsureFree rejects players that still belong to a live session.
func (s *Service) EnsureFree(ctx context.Context, playerID string) error {
	sid, err := s.SessionOf(ctx, playerID)
	if errors.HasReason(err, errors.ReasonNotInSession) {
		return nil
	}
	if err != nil {
		return err
	}

	ss, err := s.GetSession(ctx, sid)
	if errors.HasReason(err, errors.ReasonNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if ss.Player(playerID) != nil {
		return errors.Newf(errors.ReasonInvalidState, "player %s is already in session %s", playerID, sid)
	}

	return nil
}

func (s *Service) setPlayerSession(ctx context.Context, playerID, sid string) error {
	if err := s.store.SetWithExpiry(ctx, playerKey(playerID), []byte(sid), s.ttl); err != nil {
		return fmt.Errorf("set player session: %w", err)
	}

	return nil
}

// clearPlayerSession drops the index entry if it still points to sid.
func (s *Service) clearPlayerSession(ctx context.Context, playerID, sid string) {
	cur, err := s.SessionOf(ctx, playerID)
	if err != nil || cur != sid {
		return
	}

	if err := s.store.Delete(ctx, playerKey(playerID)); err != nil {
		slog.ErrorContext(ctx, "session: clear player index failed", "player", playerID, "error", err)
	}
}

func (s *Service) countActive(ctx context.Context, op func(context.Context, string) (int64, error)) {
	n, err := op(ctx, keyActiveSessions)
	if err != nil {
		slog.ErrorContext(ctx, "session: update active counter failed", "error", err)
		return
	}

	s.metrics.SetActiveSessions(n)
}

// State projects the live view of a session.
func State(ss *domain.Session) domain.GameState {
	players := make([]domain.PlayerView, 0, len(ss.Players))
	for _, p := range ss.Players {
		players = append(players, domain.PlayerView{
			ID:             p.ID,
			Username:       p.Username,
			Score:          p.Score,
			Streak:         p.CurrentStreak,
			IsReady:        p.IsReady,
			IsDisconnected: p.IsDisconnected,
			IsActive:       p.IsActive,
			IsHost:         p.ID == ss.HostID,
		})
	}

	return domain.GameState{
		SessionID:    ss.ID,
		Status:       ss.Status,
		HostID:       ss.HostID,
		CurrentRound: ss.CurrentRound,
		TotalRounds:  ss.TotalRounds,
		Players:      players,
		Leaderboard:  leaderboard.Build(ss.Players),
	}
}

func validateUsername(u string) (string, error) {
	u = strings.TrimSpace(u)
	if u == "" {
		return "", errors.New(errors.CodeInvalidArgument, errors.WithMessagef("username is required"))
	}
	if len(u) > maxUsernameLength {
		return "", errors.New(errors.CodeInvalidArgument, errors.WithMessagef("username is longer than %d characters", maxUsernameLength))
	}

	return u, nil
}

func decode(b []byte) (*domain.Session, error) {
	var ss domain.Session
	if err := json.Unmarshal(b, &ss); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}

	return &ss, nil
}

const sessionKeyPrefix = "session:"

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func playerKey(id string) string {
	return fmt.Sprintf("player:%s:session", id)
}
