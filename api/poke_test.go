package api

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestPokeBrokerNotifiesSubscriber(t *testing.T) {
	broker := NewPokeBroker()
	ch := broker.Subscribe("acct1")
	defer broker.Unsubscribe("acct1", ch)

	broker.Notify("acct1")
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("subscriber was not notified")
	}
}

func TestPokeBrokerIsolatesAccounts(t *testing.T) {
	broker := NewPokeBroker()
	ch := broker.Subscribe("acct1")
	defer broker.Unsubscribe("acct1", ch)

	broker.Notify("acct2")
	select {
	case <-ch:
		t.Fatal("unexpected notification for foreign account")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPokeBrokerNonBlocking(t *testing.T) {
	broker := NewPokeBroker()
	ch := broker.Subscribe("acct1")
	defer broker.Unsubscribe("acct1", ch)

	// A slow subscriber must not stall the broker.
	for i := 0; i < 10; i++ {
		broker.Notify("acct1")
	}
}

func TestRedisPokeRoundTrip(t *testing.T) {
	srv := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer rc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewPokeBroker()
	ch := broker.Subscribe("acct1")
	defer broker.Unsubscribe("acct1", ch)

	go SubscribePokes(ctx, testLogger(), rc, "pokes", broker)

	poker := NewRedisPoker(rc, "pokes")
	deadline := time.After(2 * time.Second)
	for {
		// Publish until the subscriber loop is attached; miniredis
		// drops messages published before SUBSCRIBE lands.
		if err := poker.Poke(ctx, "acct1"); err != nil {
			t.Fatalf("poke: %v", err)
		}
		select {
		case <-ch:
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("poke never reached subscriber")
		}
	}
}
