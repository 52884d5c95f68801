// bus/bus_test.go
package bus

import (
	"context"
	"sort"
	"testing"
	"time"
)

func TestBasicPubSub(t *testing.T) {
	b := NewBus(4)
	conn := b.NewConnection("test")

	sub := conn.Subscribe(T("dev", "flash0", "state"))
	conn.Publish(conn.NewMessage(T("dev", "flash0", "state"), "ready", false))

	expectOneOf(t, sub, "ready")
}

func TestRetainedReplacedAndCleared(t *testing.T) {
	b := NewBus(4)
	c := b.NewConnection("test")

	c.Publish(b.NewMessage(T("dev", "fram0", "state"), "identified", true))
	c.Publish(b.NewMessage(T("dev", "fram0", "state"), "ready", true))
	c.Publish(b.NewMessage(T("dev", "accel0", "state"), "faulted", true))

	s := c.Subscribe(T("dev", "fram0", "state"))
	expectOneOf(t, s, "ready")
	expectNoMessage(t, s)

	c.Publish(b.NewMessage(T("dev", "fram0", "state"), nil, true))
	all := c.Subscribe(T("dev", "#"))
	got := drainPayloads(t, all, 1)
	if got[0] != "faulted" {
		t.Fatalf("expected only the accel state after clear, got %v", got)
	}
}

func TestWildcardSingleLevel(t *testing.T) {
	b := NewBus(16)
	c := b.NewConnection("test")

	state := c.Subscribe(T("dev", "+", "state"))
	any2 := c.Subscribe(T("dev", "+", "+"))
	flash := c.Subscribe(T("dev", "flash0", "+"))
	never := c.Subscribe(T("dev", "+", "report"))

	c.Publish(b.NewMessage(T("dev", "flash0", "state"), "m1", false))
	expectOneOf(t, state, "m1")
	expectOneOf(t, any2, "m1")
	expectOneOf(t, flash, "m1")
	expectNoMessage(t, never)

	c.Publish(b.NewMessage(T("dev", "accel0", "sample"), "m2", false))
	expectOneOf(t, any2, "m2")
	expectNoMessage(t, state)
	expectNoMessage(t, flash)

	// Too short for any of the three-level patterns.
	c.Publish(b.NewMessage(T("dev", "state"), "m3", false))
	expectNoMessage(t, state)
	expectNoMessage(t, any2)
}

func TestWildcardMultiLevel(t *testing.T) {
	b := NewBus(16)
	c := b.NewConnection("test")

	devAll := c.Subscribe(T("dev", "#"))
	all := c.Subscribe(T("#"))
	flashAll := c.Subscribe(T("dev", "flash0", "#"))
	devOnly := c.Subscribe(T("dev"))

	c.Publish(b.NewMessage(T("dev"), "p1", false))
	expectOneOf(t, devAll, "p1")
	expectOneOf(t, all, "p1")
	expectOneOf(t, devOnly, "p1")
	expectNoMessage(t, flashAll)

	c.Publish(b.NewMessage(T("dev", "flash0", "report"), "p2", false))
	expectOneOf(t, devAll, "p2")
	expectOneOf(t, all, "p2")
	expectOneOf(t, flashAll, "p2")
	expectNoMessage(t, devOnly)
}

func TestWildcardRetainedDelivery(t *testing.T) {
	b := NewBus(32)
	c := b.NewConnection("test")

	c.Publish(b.NewMessage(T("dev"), "r0", true))
	c.Publish(b.NewMessage(T("dev", "flash0"), "r1", true))
	c.Publish(b.NewMessage(T("dev", "flash0", "state"), "r2", true))
	c.Publish(b.NewMessage(T("dev", "fram0"), "r3", true))

	assertUnorderedEqual(t, drainPayloads(t, c.Subscribe(T("dev", "#")), 4), []string{"r0", "r1", "r2", "r3"})
	assertUnorderedEqual(t, drainPayloads(t, c.Subscribe(T("dev", "+", "#")), 3), []string{"r1", "r2", "r3"})
	assertUnorderedEqual(t, drainPayloads(t, c.Subscribe(T("dev", "+")), 2), []string{"r1", "r3"})
}

func TestUnsubscribeClosesAndPrunes(t *testing.T) {
	b := NewBus(4)
	c := b.NewConnection("test")
	s := c.Subscribe(T("accel", "accel0", "sample"))
	s.Unsubscribe()
	if _, ok := <-s.Channel(); ok {
		t.Fatal("channel not closed")
	}
	s.Unsubscribe() // no panic on second call
	if len(b.root.children) != 0 {
		t.Fatalf("trie not pruned: %d children", len(b.root.children))
	}
}

func TestQueueDropsOldest(t *testing.T) {
	b := NewBus(2)
	c := b.NewConnection("test")
	s := c.Subscribe(T("accel", "accel0", "sample"))
	for _, p := range []string{"s1", "s2", "s3"} {
		c.Publish(b.NewMessage(T("accel", "accel0", "sample"), p, false))
	}
	assertUnorderedEqual(t, drainPayloads(t, s, 2), []string{"s2", "s3"})
}

func TestRequestWait(t *testing.T) {
	b := NewBus(8)
	reqConn := b.NewConnection("cli")
	respConn := b.NewConnection("flash")

	reqTopic := T("dev", "flash0", "control", "selftest")
	respSub := respConn.Subscribe(reqTopic)
	defer respConn.Unsubscribe(respSub)

	go func() {
		if msg, ok := <-respSub.Channel(); ok {
			respConn.Reply(msg, "pass", false)
		}
	}()

	req := b.NewMessage(reqTopic, nil, false)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	reply, err := reqConn.RequestWait(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error waiting for reply: %v", err)
	}
	if got, ok := reply.Payload.(string); !ok || got != "pass" {
		t.Fatalf("unexpected reply payload: %#v", reply.Payload)
	}
	if len(req.ReplyTo) == 0 || !topicsEqual(reply.Topic, req.ReplyTo) {
		t.Fatalf("reply topic %v != request ReplyTo %v", reply.Topic, req.ReplyTo)
	}
}

func TestRequestWaitTimeout(t *testing.T) {
	b := NewBus(8)
	reqConn := b.NewConnection("cli")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := reqConn.RequestWait(ctx, b.NewMessage(T("dev", "nobody", "control"), nil, false)); err == nil {
		t.Fatal("expected timeout error, got nil")
	}
}

func TestTopicInvalidTokenPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for non-comparable token, got none")
		}
	}()
	_ = T([]byte{1, 2, 3})
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

func topicsEqual(a, b Topic) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func expectOneOf(t *testing.T, sub *Subscription, want string) {
	t.Helper()
	select {
	case got := <-sub.Channel():
		s, ok := got.Payload.(string)
		if !ok || s != want {
			t.Fatalf("unexpected payload: %v (want %q)", got.Payload, want)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timeout waiting for %q", want)
	}
}

func expectNoMessage(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case got := <-sub.Channel():
		t.Fatalf("unexpected message: %#v", got)
	case <-time.After(30 * time.Millisecond):
	}
}

func drainPayloads(t *testing.T, sub *Subscription, n int) []string {
	t.Helper()
	var out []string
	deadline := time.Now().Add(300 * time.Millisecond)
	for len(out) < n && time.Now().Before(deadline) {
		select {
		case m := <-sub.Channel():
			if s, ok := m.Payload.(string); ok {
				out = append(out, s)
			} else {
				t.Fatalf("non-string payload in drain: %#v", m.Payload)
			}
		case <-time.After(10 * time.Millisecond):
		}
	}
	if len(out) != n {
		t.Fatalf("drainPayloads: expected %d messages, got %d (%v)", n, len(out), out)
	}
	return out
}

func assertUnorderedEqual(t *testing.T, got, want []string) {
	t.Helper()
	sort.Strings(got)
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d (%v vs %v)", len(got), len(want), got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("mismatch at %d: got %q, want %q", i, got[i], want[i])
		}
	}
}
