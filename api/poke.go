package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisPoker publishes pokes so every server instance can wake the
// account's streams, not just the one that handled the push.
type RedisPoker struct {
	client  *redis.Client
	channel string
}

func NewRedisPoker(client *redis.Client, channel string) *RedisPoker {
	return &RedisPoker{client: client, channel: channel}
}

// Poke publishes the account id on the poke channel.
func (r *RedisPoker) Poke(ctx context.Context, accountID string) error {
	return r.client.Publish(ctx, r.channel, accountID).Err()
}

// PokeBroker fans pokes out to the in-process SSE streams, keyed by
// account.
type PokeBroker struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewPokeBroker() *PokeBroker {
	return &PokeBroker{subs: map[string]map[chan struct{}]struct{}{}}
}

func (b *PokeBroker) Subscribe(accountID string) chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if b.subs[accountID] == nil {
		b.subs[accountID] = map[chan struct{}]struct{}{}
	}
	b.subs[accountID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *PokeBroker) Unsubscribe(accountID string, ch chan struct{}) {
	b.mu.Lock()
	delete(b.subs[accountID], ch)
	if len(b.subs[accountID]) == 0 {
		delete(b.subs, accountID)
	}
	b.mu.Unlock()
}

func (b *PokeBroker) Notify(accountID string) {
	b.mu.Lock()
	for ch := range b.subs[accountID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

// SubscribePokes listens on the redis poke channel and forwards pokes to
// the broker. It reconnects on channel closure until ctx is done.
func SubscribePokes(ctx context.Context, logger *log.Logger, rc *redis.Client, channel string, broker *PokeBroker) {
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				broker.Notify(msg.Payload)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("poke pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}

// handlePokeStream holds an SSE stream open and emits a poke event
// whenever the account's state changes, telling the replica to pull.
func handlePokeStream(auth Authenticator, broker *PokeBroker) echo.HandlerFunc {
	return func(c echo.Context) error {
		// EventSource cannot set headers; accept the token as a query
		// parameter too.
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if authHeader == "" {
			if token := c.QueryParam("token"); token != "" {
				authHeader = "Bearer " + token
			}
		}
		accountID, err := auth.AccountIDFromAuthHeader(authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		ctx := c.Request().Context()
		ch := broker.Subscribe(accountID)
		defer broker.Unsubscribe(accountID, ch)

		for {
			if _, err := c.Response().Write([]byte("event: poke\ndata: {}\n\n")); err != nil {
				c.Logger().Error(err)
				return err
			}
			flusher.Flush()
			select {
			case <-ctx.Done():
				return nil
			case <-ch:
			}
		}
	}
}
