package api

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/triviarena/internal/catalog"
	"github.com/victornm/triviarena/internal/domain"
	"github.com/victornm/triviarena/internal/event"
	"github.com/victornm/triviarena/internal/game"
	"github.com/victornm/triviarena/internal/presence"
	"github.com/victornm/triviarena/internal/session"
	"github.com/victornm/triviarena/internal/store"
	"github.com/victornm/triviarena/internal/telemetry"
)

const waitFor = 2 * time.Second

func TestAPI_CreateAndJoin(t *testing.T) {
	f := makeAPI(t)
	alice, bob := f.connect("c-alice"), f.connect("c-bob")

	f.send(alice, CommandCreateSession, CreateSessionPayload{Username: "alice"})

	var created domain.SessionCreatedData
	f.next(t, alice, domain.ClientEventSessionCreated, &created)
	assert.Equal(t, "c-alice", created.PlayerID)
	assert.Equal(t, created.SessionID, alice.SessionID())

	f.send(bob, CommandJoinSession, JoinSessionPayload{SessionID: created.SessionID, Username: "bob"})

	var joined domain.PlayerJoinedData
	f.next(t, alice, domain.ClientEventPlayerJoined, &joined)
	assert.Equal(t, domain.PlayerJoinedData{PlayerID: "c-bob", Username: "bob"}, joined)
	f.next(t, bob, domain.ClientEventPlayerJoined, &joined)

	var st domain.GameState
	f.next(t, bob, domain.ClientEventSessionUpdated, &st)
	assert.Len(t, st.Players, 2)
	assert.Equal(t, "c-alice", st.HostID)
}

func TestAPI_CommandErrors(t *testing.T) {
	tests := map[string]struct {
		arrange func(t *testing.T, f *fixture, c *Client) []byte
		assert  func(t *testing.T, f *fixture, c *Client, notice domain.ErrorNoticeData)
	}{
		"malformed command": {
			arrange: func(t *testing.T, f *fixture, c *Client) []byte {
				return []byte(`{"command":`)
			},
			assert: func(t *testing.T, f *fixture, c *Client, notice domain.ErrorNoticeData) {
				assert.Empty(t, notice.Command)
				assert.Equal(t, "malformed command", notice.Message)
			},
		},

		"unknown command": {
			arrange: func(t *testing.T, f *fixture, c *Client) []byte {
				return command(t, "fly", nil)
			},
			assert: func(t *testing.T, f *fixture, c *Client, notice domain.ErrorNoticeData) {
				assert.Equal(t, "fly", notice.Command)
				assert.Equal(t, `unknown command "fly"`, notice.Message)
			},
		},

		"join of an unknown session": {
			arrange: func(t *testing.T, f *fixture, c *Client) []byte {
				return command(t, CommandJoinSession, JoinSessionPayload{SessionID: "NOPE00", Username: "bob"})
			},
			assert: func(t *testing.T, f *fixture, c *Client, notice domain.ErrorNoticeData) {
				assert.Equal(t, CommandJoinSession, notice.Command)
				assert.Equal(t, "NOT_FOUND", notice.Reason)
				assert.Empty(t, c.SessionID(), "failed join should leave the room")
			},
		},

		"answer outside a game": {
			arrange: func(t *testing.T, f *fixture, c *Client) []byte {
				return command(t, CommandSubmitAnswer, SubmitAnswerPayload{Answer: 1})
			},
			assert: func(t *testing.T, f *fixture, c *Client, notice domain.ErrorNoticeData) {
				assert.Equal(t, "NOT_IN_SESSION", notice.Reason)
			},
		},

		"ready outside a session": {
			arrange: func(t *testing.T, f *fixture, c *Client) []byte {
				return command(t, CommandSetReady, nil)
			},
			assert: func(t *testing.T, f *fixture, c *Client, notice domain.ErrorNoticeData) {
				assert.Equal(t, "NOT_IN_SESSION", notice.Reason)
			},
		},

		"empty username": {
			arrange: func(t *testing.T, f *fixture, c *Client) []byte {
				return command(t, CommandCreateSession, CreateSessionPayload{Username: "  "})
			},
			assert: func(t *testing.T, f *fixture, c *Client, notice domain.ErrorNoticeData) {
				assert.Equal(t, "username is required", notice.Message)
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := makeAPI(t)
			c := f.connect("c-1")

			f.api.Handle(context.Background(), c, tt.arrange(t, f, c))

			var notice domain.ErrorNoticeData
			f.next(t, c, domain.ClientEventErrorNotice, &notice)
			tt.assert(t, f, c, notice)
		})
	}
}

func TestAPI_ReadyStartsCountdown(t *testing.T) {
	f := makeAPI(t)
	alice, bob := f.connect("c-alice"), f.connect("c-bob")
	sid := f.lobby(t, alice, bob)

	f.send(bob, CommandSetReady, SetReadyPayload{})

	var starting domain.GameStartingData
	f.next(t, alice, domain.ClientEventGameStarting, &starting)
	assert.Equal(t, 3, starting.Countdown)
	f.next(t, bob, domain.ClientEventGameStarting, &starting)

	ss, err := f.sessions.GetSession(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStarting, ss.Status)
}

func TestAPI_SubmitAnswer(t *testing.T) {
	ctx := context.Background()
	f := makeAPI(t)
	alice, bob := f.connect("c-alice"), f.connect("c-bob")
	sid := f.lobby(t, alice, bob)

	require.NoError(t, f.game.StartGame(ctx, sid))

	var q domain.QuestionStartData
	f.next(t, bob, domain.ClientEventQuestionStart, &q)

	f.send(bob, CommandSubmitAnswer, SubmitAnswerPayload{QuestionID: q.Question.ID, Answer: 0})
	f.send(bob, CommandSubmitAnswer, SubmitAnswerPayload{QuestionID: q.Question.ID, Answer: 0})

	var ack domain.AnswerAcknowledgedData
	f.next(t, bob, domain.ClientEventAnswerAcknowledged, &ack)
	assert.Equal(t, domain.AnswerAcknowledgedData{QuestionID: "q1"}, ack)
	f.next(t, bob, domain.ClientEventAnswerAcknowledged, &ack)
	assert.True(t, ack.Duplicate)

	ss, err := f.sessions.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, int64(150), ss.Player("c-bob").Score)
}

func TestAPI_DisconnectAndRejoin(t *testing.T) {
	ctx := context.Background()
	f := makeAPI(t)
	alice, bob := f.connect("c-alice"), f.connect("c-bob")
	sid := f.lobby(t, alice, bob)

	f.api.Disconnect(ctx, bob)
	assert.Equal(t, 1, f.api.Hub().Len())

	var presenceData domain.PlayerPresenceData
	f.next(t, alice, domain.ClientEventPlayerDisconnected, &presenceData)
	assert.Equal(t, "c-bob", presenceData.PlayerID)

	bob2 := f.connect("c-bob-2")
	f.send(bob2, CommandRejoin, RejoinPayload{SessionID: sid, Username: "bob"})

	var st domain.StateSync
	f.next(t, bob2, domain.ClientEventStateSync, &st)
	assert.Equal(t, sid, st.GameState.SessionID)
	assert.Equal(t, "c-bob", bob2.PlayerID(), "rejoined client should act as the original player")
	assert.Equal(t, sid, bob2.SessionID())

	f.next(t, alice, domain.ClientEventPlayerRejoined, &presenceData)
	assert.Equal(t, "bob", presenceData.Username)

	// later commands act on the original player
	f.send(bob2, CommandRequestStateSync, nil)
	f.next(t, bob2, domain.ClientEventStateSync, &st)
	require.Len(t, st.GameState.Players, 2)
	assert.False(t, st.GameState.Players[1].IsDisconnected)
}

func TestAPI_RejoinWhileSeatedElsewhere(t *testing.T) {
	ctx := context.Background()
	f := makeAPI(t)
	alice, bob := f.connect("c-alice"), f.connect("c-bob")
	carol, dave := f.connect("c-carol"), f.connect("c-dave")
	sidX := f.lobby(t, alice, bob)
	sidY := f.lobby(t, carol, dave)

	f.send(bob, CommandRejoin, RejoinPayload{SessionID: sidY, Username: "carol"})

	var notice domain.ErrorNoticeData
	f.next(t, bob, domain.ClientEventErrorNotice, &notice)
	assert.Equal(t, CommandRejoin, notice.Command)
	assert.Equal(t, "INVALID_STATE", notice.Reason)

	assert.Equal(t, "c-bob", bob.PlayerID())
	assert.Equal(t, sidX, bob.SessionID(), "failed rejoin should restore the room")

	ssY, err := f.sessions.GetSession(ctx, sidY)
	require.NoError(t, err)
	assert.Equal(t, "c-carol", ssY.Player("c-carol").ConnectionID)
	assert.Nil(t, ssY.Player("c-bob"))

	// the seat in X is still released when the connection goes away
	f.api.Disconnect(ctx, bob)
	ssX, err := f.sessions.GetSession(ctx, sidX)
	require.NoError(t, err)
	assert.True(t, ssX.Player("c-bob").IsDisconnected)
	assert.True(t, f.presence.Pending("c-bob"))
}

func TestAPI_SetActive(t *testing.T) {
	f := makeAPI(t)
	alice, bob := f.connect("c-alice"), f.connect("c-bob")
	f.lobby(t, alice, bob)

	f.send(bob, CommandSetActive, SetActivePayload{Active: false})
	var st domain.GameState
	f.next(t, alice, domain.ClientEventSessionUpdated, &st)

	f.send(bob, CommandSetActive, SetActivePayload{Active: true})
	var sync domain.StateSync
	f.next(t, bob, domain.ClientEventStateSync, &sync)
	assert.True(t, sync.GameState.Players[1].IsActive)
}

func TestAPI_LeaveSession(t *testing.T) {
	f := makeAPI(t)
	alice, bob := f.connect("c-alice"), f.connect("c-bob")
	f.lobby(t, alice, bob)

	f.send(alice, CommandLeaveSession, nil)

	var left domain.PlayerLeftData
	f.next(t, bob, domain.ClientEventPlayerLeft, &left)
	assert.Equal(t, domain.PlayerLeftData{PlayerID: "c-alice", Username: "alice", NewHostID: "c-bob"}, left)
	assert.Empty(t, alice.SessionID())
}

type fixture struct {
	api      *API
	sessions *session.Service
	game     *game.Service
	presence *presence.Service
	fc       *clockwork.FakeClock
}

// connect registers a local client that is not backed by a websocket.
func (f *fixture) connect(id string) *Client {
	c := newClient(id, nil)
	f.api.Hub().Register(c)
	return c
}

func (f *fixture) send(c *Client, name string, data any) {
	b, _ := json.Marshal(Command{Command: name, Data: mustRaw(data)})
	f.api.Handle(context.Background(), c, b)
}

// next skips events of c until one named event arrives and decodes its data into v.
func (f *fixture) next(t *testing.T, c *Client, event string, v any) {
	t.Helper()

	timeout := time.After(waitFor)
	for {
		select {
		case b := <-c.send:
			var n struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			require.NoError(t, json.Unmarshal(b, &n))
			if n.Event == event {
				require.NoError(t, json.Unmarshal(n.Data, v))
				return
			}
		case <-timeout:
			require.FailNow(t, "event not received", "%s for %s", event, c.ID)
		}
	}
}

// lobby has host create a session and the others join it.
func (f *fixture) lobby(t *testing.T, host *Client, others ...*Client) string {
	f.send(host, CommandCreateSession, CreateSessionPayload{Username: host.ID[2:]})

	var created domain.SessionCreatedData
	f.next(t, host, domain.ClientEventSessionCreated, &created)

	for _, c := range others {
		f.send(c, CommandJoinSession, JoinSessionPayload{SessionID: created.SessionID, Username: c.ID[2:]})

		var joined domain.PlayerJoinedData
		f.next(t, c, domain.ClientEventPlayerJoined, &joined)
	}

	return created.SessionID
}

func command(t *testing.T, name string, data any) []byte {
	b, err := json.Marshal(Command{Command: name, Data: mustRaw(data)})
	require.NoError(t, err)
	return b
}

func mustRaw(data any) json.RawMessage {
	if data == nil {
		return nil
	}

	b, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	return b
}

func makeAPI(t *testing.T) *fixture {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mr := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	t.Cleanup(func() { rc.Close() })
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	cat, err := catalog.New([]domain.Question{{
		ID:                 "q1",
		Text:               "What is 1 + 1?",
		Options:            []string{"2", "3", "4", "5"},
		CorrectOptionIndex: 0,
		Points:             100,
	}}, catalog.Config{})
	require.NoError(t, err)

	var (
		eb      = event.NewBus()
		fc      = clockwork.NewFakeClock()
		metrics = telemetry.NewMetrics(prometheus.NewRegistry())
		st      = store.NewRedis(store.Config{Redis: rc, Prefix: "test"})
		f       = &fixture{fc: fc}
	)
	t.Cleanup(eb.Stop)

	f.sessions = session.NewService(session.Config{
		Store:        st,
		EventBus:     eb,
		Metrics:      metrics,
		Clock:        fc,
		MaxPlayers:   10,
		MinPlayers:   2,
		TotalRounds:  5,
		SessionTTL:   time.Hour,
		CodeAttempts: 8,
	})

	f.game = game.NewService(game.Config{
		Sessions:          f.sessions,
		Store:             st,
		Catalog:           cat,
		EventBus:          eb,
		Metrics:           metrics,
		Clock:             fc,
		QuestionTimeLimit: 15 * time.Second,
		InterRoundDelay:   3 * time.Second,
		StartDelay:        3 * time.Second,
		CleanupDelay:      30 * time.Second,
		AnswerTTL:         time.Minute,
	})
	t.Cleanup(f.game.Stop)

	f.presence = presence.NewService(presence.Config{
		Sessions:    f.sessions,
		Game:        f.game,
		EventBus:    eb,
		Metrics:     metrics,
		Clock:       fc,
		GracePeriod: 30 * time.Second,
	})
	t.Cleanup(f.presence.Stop)

	f.api = New(Config{
		EventBus:     eb,
		Sessions:     f.sessions,
		Game:         f.game,
		Presence:     f.presence,
		Metrics:      metrics,
		Redis:        rc,
		PubsubPrefix: "test:pubsub",
	})

	ps, err := f.api.Subscribe(ctx)
	require.NoError(t, err)
	go f.api.Relay(ctx, ps)

	return f
}
