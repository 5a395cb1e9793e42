package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/smsgate/internal/core"
)

type collector struct {
	mu  sync.Mutex
	got []Event
}

func (c *collector) Handle(_ context.Context, ev Event) error {
	c.mu.Lock()
	c.got = append(c.got, ev)
	c.mu.Unlock()
	return nil
}

func TestBus_DeliversInOrderToEverySubscriber(t *testing.T) {
	b := NewBus(nil)
	a, c := &collector{}, &collector{}
	b.Subscribe(context.Background(), "a", a)
	b.Subscribe(context.Background(), "c", c)

	for i := 0; i < 100; i++ {
		b.Publish(Ping{At: time.Unix(int64(i), 0)})
	}
	b.Close()

	for _, col := range []*collector{a, c} {
		require.Len(t, col.got, 100)
		for i, ev := range col.got {
			require.Equal(t, time.Unix(int64(i), 0), ev.(Ping).At)
		}
	}
}

func TestBus_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := NewBus(nil)
	release := make(chan struct{})
	fast := &collector{}
	b.Subscribe(context.Background(), "slow", SubscriberFunc(func(context.Context, Event) error {
		<-release
		return nil
	}))
	b.Subscribe(context.Background(), "fast", fast)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(Ping{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	close(release)
	b.Close()
	require.Len(t, fast.got, 1000)
}

func TestBus_FailingSubscriberIsIsolated(t *testing.T) {
	b := NewBus(nil)
	ok := &collector{}
	b.Subscribe(context.Background(), "err", SubscriberFunc(func(context.Context, Event) error {
		return errors.New("boom")
	}))
	b.Subscribe(context.Background(), "panic", SubscriberFunc(func(context.Context, Event) error {
		panic("boom")
	}))
	b.Subscribe(context.Background(), "ok", ok)

	b.Publish(Ping{})
	b.Publish(Ping{})
	b.Close()
	require.Len(t, ok.got, 2)

	// after close publish is a no-op
	b.Publish(Ping{})
	require.Len(t, ok.got, 2)
}

func TestFromUpdate(t *testing.T) {
	parts := 2
	at := time.Unix(100, 0)
	evs := FromUpdate(&core.Update{
		MessageID: "m",
		Transitions: []core.Transition{
			{MessageID: "m", PhoneNumber: "+1", State: core.StateSent, PartsCount: &parts, At: at},
			{MessageID: "m", PhoneNumber: "+2", State: core.StateFailed, Error: "x", At: at},
		},
	})
	require.Equal(t, []Event{
		MessageStateChanged{MessageID: "m", PhoneNumber: "+1", State: core.StateSent, PartsCount: &parts, At: at},
		MessageStateChanged{MessageID: "m", PhoneNumber: "+2", State: core.StateFailed, Error: "x", At: at},
	}, evs)
	require.Nil(t, FromUpdate(nil))
}
