package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	b := New()
	b.Publish("s1", KindThought, map[string]any{"text": "hello"})
	assert.Equal(t, 0, b.SubscriberCount("s1"))
}

func TestFanOutToAllSubscribers(t *testing.T) {
	b := New()
	a := b.Subscribe("s1")
	c := b.Subscribe("s1")
	other := b.Subscribe("s2")
	defer a.Close()
	defer c.Close()
	defer other.Close()

	b.Publish("s1", KindToolCall, map[string]any{"tool": "list_files"})

	ea := receive(t, a)
	ec := receive(t, c)
	assert.Equal(t, KindToolCall, ea.Kind)
	assert.Equal(t, ea.Seq, ec.Seq)
	assert.Equal(t, "s1", ea.SessionID)

	select {
	case ev := <-other.C:
		t.Fatalf("session s2 received s1 event: %+v", ev)
	default:
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	b := New()
	sub := b.SubscribeBuffered("s1", 200)
	defer sub.Close()

	for i := 0; i < 100; i++ {
		b.Publish("s1", KindToken, map[string]any{"i": i})
	}
	for i := 0; i < 100; i++ {
		ev := receive(t, sub)
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, i, ev.Data["i"])
	}
}

func TestSlowSubscriberDropsOldestWithoutBlocking(t *testing.T) {
	var drops atomic.Int64
	b := New(WithDropHook(func(string) { drops.Add(1) }))
	slow := b.SubscribeBuffered("s1", 4)
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish("s1", KindToken, map[string]any{"i": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	assert.Equal(t, int64(6), drops.Load())
	assert.Equal(t, uint64(6), slow.Dropped())

	// The newest four survive, still in order.
	for want := 6; want < 10; want++ {
		ev := receive(t, slow)
		assert.Equal(t, want, ev.Data["i"])
	}
}

func TestCloseIsIdempotentAndClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("s1")
	sub.Close()
	sub.Close()

	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount("s1"))

	// Publishing after the last subscriber left must not panic.
	b.Publish("s1", KindStatus, nil)
}

func TestRemoveClosesSessionSubscriptions(t *testing.T) {
	b := New()
	sub := b.Subscribe("s1")
	b.Remove("s1")

	_, ok := <-sub.C
	assert.False(t, ok)
	sub.Close()
}

func TestBroadcasterCloseDiscardsLaterPublishes(t *testing.T) {
	b := New()
	sub := b.Subscribe("s1")
	b.Close()

	_, ok := <-sub.C
	assert.False(t, ok)

	b.Publish("s1", KindThought, nil)
	late := b.Subscribe("s1")
	_, ok = <-late.C
	assert.False(t, ok)
}

func TestNilBroadcasterIsSafe(t *testing.T) {
	var b *Broadcaster
	b.Publish("s1", KindThought, nil)
	sub := b.Subscribe("s1")
	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount("s1"))
	b.Remove("s1")
	b.Close()
}

func TestConcurrentSessionsAreIsolated(t *testing.T) {
	b := New()
	const sessions = 20
	subs := make([]*Subscription, sessions)
	for i := range subs {
		subs[i] = b.SubscribeBuffered(fmt.Sprintf("s%d", i), 100)
	}

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			for j := 0; j < 50; j++ {
				b.Publish(id, KindToken, map[string]any{"session": id, "j": j})
			}
		}(i)
	}
	wg.Wait()

	for i, sub := range subs {
		id := fmt.Sprintf("s%d", i)
		for j := 0; j < 50; j++ {
			ev := receive(t, sub)
			assert.Equal(t, id, ev.Data["session"])
			assert.Equal(t, j, ev.Data["j"])
		}
		sub.Close()
	}
}
