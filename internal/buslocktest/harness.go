// Package buslocktest provides an in-process bus+lock harness for manager
// tests, mirroring the teacher's websockettest-style test helper package:
// a small constructor that wires up real collaborators against a temp
// directory so tests exercise actual delivery semantics without a live
// multi-process deployment.
package buslocktest

import (
	"testing"
	"time"

	"hostfleet/internal/bus"
	"hostfleet/internal/lock"
	"hostfleet/internal/logging"
)

// Harness bundles a Bus and a lock Service rooted at sibling temp
// directories, both torn down via t.Cleanup.
type Harness struct {
	Bus   *bus.Bus
	Locks *lock.Service
}

// New constructs a Harness for t, using log if non-nil or a test logger
// otherwise.
func New(t *testing.T, log *logging.Logger) *Harness {
	t.Helper()
	if log == nil {
		log = logging.NewTestLogger()
	}

	b, err := bus.New(t.TempDir(), log)
	if err != nil {
		t.Fatalf("bus.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	locks, err := lock.New(t.TempDir(), log)
	if err != nil {
		t.Fatalf("lock.New: %v", err)
	}
	t.Cleanup(func() { _ = locks.Close() })

	return &Harness{Bus: b, Locks: locks}
}

// RespondOnce subscribes to topic and, on the first delivery, publishes
// reply to the request envelope's replyTo + "." + subTopic, then stops the
// subscription — a minimal fake module for exercising a single
// request/reply round-trip.
func RespondOnce(h *Harness, topic, subTopic string, reply any) {
	var sub *bus.Subscription
	sub = h.Bus.Subscribe(topic, func(msg bus.Message) {
		var env bus.Envelope
		if err := bus.Decode(msg, &env); err != nil {
			return
		}
		_ = h.Bus.Publish(bus.ReplyTopic(env.ReplyTo, subTopic), reply)
		sub.Stop()
	})
}

// WaitShort is a small default timeout for harness-driven request/reply
// exchanges. Harness buses keep bus.New's default 1s poll cadence, so
// prompt delivery within it relies on the bus's fsnotify watch.
const WaitShort = 2 * time.Second
