package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/triviarena/internal/domain"
)

const (
	scopeSession = "session"
	scopeConn    = "conn"
)

type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// PublishNotification fans n out to every instance: to the room of its session,
// or to its connection when one is named.
func (a *API) PublishNotification(ctx context.Context, n domain.EventNotification) error {
	b, err := encode(n.Event, n.Data)
	if err != nil {
		return err
	}

	ch := a.channel(scopeSession, n.SessionID)
	if n.ConnectionID != "" {
		ch = a.channel(scopeConn, n.ConnectionID)
	}

	if err := a.redis.Publish(ctx, ch, b).Err(); err != nil {
		return fmt.Errorf("pubsub: publish %s: %w", n.Event, err)
	}

	return nil
}

// Subscribe listens to the notifications of every session and connection.
// Relay must consume the returned subscription.
func (a *API) Subscribe(ctx context.Context) (*redis.PubSub, error) {
	ps := a.redis.PSubscribe(ctx, a.channel(scopeSession, "*"), a.channel(scopeConn, "*"))

	// wait for the confirmation so nothing published afterwards is missed
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("pubsub: subscribe: %w", err)
	}

	return ps, nil
}

// Relay hands published notifications to the local clients until ctx is done.
func (a *API) Relay(ctx context.Context, ps *redis.PubSub) error {
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			a.relay(m.Channel, []byte(m.Payload))
		}
	}
}

func (a *API) relay(channel string, payload []byte) {
	scope, id, ok := strings.Cut(strings.TrimPrefix(channel, a.prefix+":"), ":")
	if !ok {
		slog.Warn("pubsub: unexpected channel", "channel", channel)
		return
	}

	switch scope {
	case scopeSession:
		a.hub.SendToSession(id, payload)
	case scopeConn:
		a.hub.SendToConn(id, payload)
	}
}

func (a *API) channel(scope, id string) string {
	return fmt.Sprintf("%s:%s:%s", a.prefix, scope, id)
}

func encode(event string, data any) ([]byte, error) {
	b, err := json.Marshal(Notification{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return b, nil
}
