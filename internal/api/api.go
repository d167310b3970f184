package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/victornm/triviarena/internal/domain"
	"github.com/victornm/triviarena/internal/errors"
	"github.com/victornm/triviarena/internal/event"
	"github.com/victornm/triviarena/internal/game"
	"github.com/victornm/triviarena/internal/presence"
	"github.com/victornm/triviarena/internal/session"
	"github.com/victornm/triviarena/internal/telemetry"
)

const commandTimeout = 10 * time.Second

// Inbound client commands.
const (
	CommandCreateSession    = "createSession"
	CommandJoinSession      = "joinSession"
	CommandLeaveSession     = "leaveSession"
	CommandSetReady         = "setReady"
	CommandSubmitAnswer     = "submitAnswer"
	CommandRejoin           = "rejoin"
	CommandRequestStateSync = "requestStateSync"
	CommandSetActive        = "setActive"
)

type Config struct {
	GRPC         *grpc.Server
	EventBus     *event.Bus
	Sessions     *session.Service
	Game         *game.Service
	Presence     *presence.Service
	Metrics      *telemetry.Metrics
	Redis        Redis
	PubsubPrefix string
	WS           WSConfig
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
}

type API struct {
	sessions *session.Service
	game     *game.Service
	presence *presence.Service
	metrics  *telemetry.Metrics

	hub      *Hub
	ws       WSConfig
	upgrader websocket.Upgrader

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		sessions: c.Sessions,
		game:     c.Game,
		presence: c.Presence,
		metrics:  c.Metrics,
		hub:      NewHub(),
		ws:       c.WS,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
	}
	if a.ws == (WSConfig{}) {
		a.ws = DefaultWSConfig()
	}

	// gRPC APIs
	if c.GRPC != nil {
		RegisterAdminServer(c.GRPC, &admin{sessions: c.Sessions, game: c.Game})
	}

	// Register event handlers
	c.EventBus.Subscribe(domain.EventNameNotification, func(ctx context.Context, e event.Event) error {
		return a.PublishNotification(ctx, e.(domain.EventNotification))
	})

	return a
}

// Hub returns the clients served by this instance.
func (a *API) Hub() *Hub {
	return a.hub
}

type (
	Command struct {
		Command string          `json:"command"`
		Data    json.RawMessage `json:"data,omitempty"`
	}

	CreateSessionPayload struct {
		Username string `json:"username"`
	}

	JoinSessionPayload struct {
		SessionID string `json:"sessionId"`
		Username  string `json:"username"`
	}

	SetReadyPayload struct {
		// Ready defaults to true.
		Ready *bool `json:"ready,omitempty"`
	}

	SubmitAnswerPayload struct {
		QuestionID string `json:"questionId"`
		Answer     int    `json:"answer"`
	}

	RejoinPayload struct {
		SessionID string `json:"sessionId"`
		Username  string `json:"username"`
	}

	SetActivePayload struct {
		Active bool `json:"active"`
	}
)

// Handle runs one raw command of c. A failed command is logged and reported to c alone.
func (a *API) Handle(ctx context.Context, c *Client, raw []byte) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		a.reject(ctx, c, "", errors.New(errors.CodeInvalidArgument, errors.WithMessagef("malformed command"), errors.WithCause(err)))
		a.metrics.Command("unknown", "error")
		return
	}

	err := a.dispatch(ctx, c, cmd)

	name, result := cmd.Command, "ok"
	if !knownCommand(name) {
		name = "unknown"
	}
	if err != nil {
		result = "error"
		a.reject(ctx, c, cmd.Command, err)
	}
	a.metrics.Command(name, result)
}

func (a *API) dispatch(ctx context.Context, c *Client, cmd Command) error {
	switch cmd.Command {
	case CommandCreateSession:
		var p CreateSessionPayload
		if err := decode(cmd, &p); err != nil {
			return err
		}
		return a.createSession(ctx, c, p)

	case CommandJoinSession:
		var p JoinSessionPayload
		if err := decode(cmd, &p); err != nil {
			return err
		}
		return a.joinSession(ctx, c, p)

	case CommandLeaveSession:
		return a.leaveSession(ctx, c)

	case CommandSetReady:
		var p SetReadyPayload
		if err := decode(cmd, &p); err != nil {
			return err
		}
		return a.setReady(ctx, c, p)

	case CommandSubmitAnswer:
		var p SubmitAnswerPayload
		if err := decode(cmd, &p); err != nil {
			return err
		}
		_, err := a.game.SubmitAnswer(ctx, game.SubmitAnswerRequest{
			SessionID:      c.SessionID(),
			PlayerID:       c.PlayerID(),
			ConnectionID:   c.ID,
			QuestionID:     p.QuestionID,
			SelectedOption: p.Answer,
		})
		return err

	case CommandRejoin:
		var p RejoinPayload
		if err := decode(cmd, &p); err != nil {
			return err
		}
		return a.rejoin(ctx, c, p)

	case CommandRequestStateSync:
		return a.requestStateSync(ctx, c)

	case CommandSetActive:
		var p SetActivePayload
		if err := decode(cmd, &p); err != nil {
			return err
		}
		st, err := a.presence.SetActive(ctx, c.PlayerID(), p.Active)
		if err != nil || st == nil {
			return err
		}
		a.reply(ctx, c, domain.ClientEventStateSync, st)
		return nil

	default:
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown command %q", cmd.Command))
	}
}

func (a *API) createSession(ctx context.Context, c *Client, p CreateSessionPayload) error {
	ss, err := a.sessions.CreateSession(ctx, session.CreateSessionRequest{
		PlayerID:     c.PlayerID(),
		ConnectionID: c.ID,
		Username:     p.Username,
	})
	if err != nil {
		return err
	}

	a.hub.Join(c, ss.ID)
	return nil
}

// joinSession enters the room first so the client sees its own join broadcast.
func (a *API) joinSession(ctx context.Context, c *Client, p JoinSessionPayload) error {
	prev := a.hub.Join(c, p.SessionID)

	_, err := a.sessions.JoinSession(ctx, session.JoinSessionRequest{
		SessionID:    p.SessionID,
		PlayerID:     c.PlayerID(),
		ConnectionID: c.ID,
		Username:     p.Username,
	})
	if err != nil {
		a.hub.Join(c, prev)
		return err
	}

	return nil
}

func (a *API) leaveSession(ctx context.Context, c *Client) error {
	if _, err := a.sessions.LeaveSession(ctx, session.LeaveSessionRequest{PlayerID: c.PlayerID()}); err != nil {
		return err
	}

	a.hub.Join(c, "")
	return nil
}

func (a *API) setReady(ctx context.Context, c *Client, p SetReadyPayload) error {
	ready := p.Ready == nil || *p.Ready

	ss, err := a.sessions.SetReady(ctx, session.SetReadyRequest{PlayerID: c.PlayerID(), Ready: ready})
	if err != nil {
		return err
	}
	if !ready {
		return nil
	}

	_, err = a.game.BeginCountdown(ctx, ss.ID)
	return err
}

func (a *API) rejoin(ctx context.Context, c *Client, p RejoinPayload) error {
	prev := a.hub.Join(c, p.SessionID)

	resp, err := a.presence.Rejoin(ctx, presence.RejoinRequest{
		SessionID:    p.SessionID,
		Username:     p.Username,
		PlayerID:     c.PlayerID(),
		ConnectionID: c.ID,
	})
	if err != nil {
		a.hub.Join(c, prev)
		return err
	}

	c.setPlayerID(resp.Player.ID)
	return nil
}

func (a *API) requestStateSync(ctx context.Context, c *Client) error {
	sid := c.SessionID()
	if sid == "" {
		var err error
		if sid, err = a.sessions.SessionOf(ctx, c.PlayerID()); err != nil {
			return err
		}
	}

	st, err := a.game.StateSync(ctx, sid)
	if err != nil {
		return err
	}

	a.reply(ctx, c, domain.ClientEventStateSync, st)
	return nil
}

// Disconnect starts the grace period of the player c was serving.
func (a *API) Disconnect(ctx context.Context, c *Client) {
	a.hub.Unregister(c)

	if err := a.presence.Disconnect(ctx, c.PlayerID(), c.ID); err != nil {
		slog.ErrorContext(ctx, "api: handle disconnect failed", "connection", c.ID, "error", err)
	}
}

func (a *API) reject(ctx context.Context, c *Client, command string, err error) {
	e := errors.Convert(err)

	slog.ErrorContext(ctx, "api: command failed",
		"command", command,
		"connection", c.ID,
		"player", c.PlayerID(),
		"error", err,
	)

	a.reply(ctx, c, domain.ClientEventErrorNotice, domain.ErrorNoticeData{
		Command: command,
		Reason:  string(e.Reason),
		Message: e.Message,
	})
}

// reply sends an event straight to c, skipping pub/sub since c is local.
func (a *API) reply(ctx context.Context, c *Client, event string, data any) {
	b, err := encode(event, data)
	if err != nil {
		slog.ErrorContext(ctx, "api: encode reply failed", "event", event, "error", err)
		return
	}

	a.hub.send(c, b)
}

func decode(cmd Command, v any) error {
	if len(cmd.Data) == 0 {
		return nil
	}

	if err := json.Unmarshal(cmd.Data, v); err != nil {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("malformed %s payload", cmd.Command),
			errors.WithCause(err),
		)
	}

	return nil
}

func knownCommand(name string) bool {
	switch name {
	case CommandCreateSession, CommandJoinSession, CommandLeaveSession, CommandSetReady,
		CommandSubmitAnswer, CommandRejoin, CommandRequestStateSync, CommandSetActive:
		return true
	}

	return false
}
