package task

import (
	"context"
	"testing"
	"time"

	"hostfleet/internal/bus"
	"hostfleet/internal/lock"
)

type harness struct {
	b     *bus.Bus
	locks *lock.Service
	sup   *Supervisor
}

func newHarness(t *testing.T, module string) *harness {
	t.Helper()
	b, err := bus.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("bus.New: %v", err)
	}
	l, err := lock.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("lock.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(); _ = l.Close() })
	return &harness{b: b, locks: l, sup: NewSupervisor(module, b, l, nil)}
}

func waitForTopic(t *testing.T, b *bus.Bus, topic string) bus.Envelope {
	t.Helper()
	resultCh := make(chan bus.Envelope, 1)
	sub := b.Subscribe(topic, func(msg bus.Message) {
		var env bus.Envelope
		if err := bus.Decode(msg, &env); err == nil {
			select {
			case resultCh <- env:
			default:
			}
		}
	})
	defer sub.Stop()
	select {
	case env := <-resultCh:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", topic)
		return bus.Envelope{}
	}
}

func TestExecuteCompletesSuccessfully(t *testing.T) {
	h := newHarness(t, "downloadManager")

	env := bus.NewEnvelope("lifecycle", map[string]any{"gameId": "csgo"})
	go h.sup.Execute(context.Background(), Params{
		Key:               "csgo",
		Env:               env,
		GlobalLock:        "downloadGame-csgo",
		GlobalLockTimeout: time.Second,
		Work: func(ctx context.Context, rec *Record) *Failure {
			rec.EmitProgress(Progress{Stage: "game-download", Percent: 50})
			return nil
		},
	})

	ack := waitForTopic(t, h.b, bus.ReplyTopic(env.ReplyTo, bus.SubAck))
	if ack.GetString("subscribeTo") != env.ReplyTo {
		t.Fatalf("unexpected ack: %+v", ack.Fields)
	}

	final := waitForTopic(t, h.b, bus.ReplyTopic(env.ReplyTo, bus.SubFinalStatus))
	if final.GetString("reason") != "completed" {
		t.Fatalf("expected completed, got %+v", final.Fields)
	}

	if _, ok := h.sup.Lookup("csgo"); ok {
		t.Fatal("record should be removed after completion")
	}
	held, err := h.locks.IsHeld("^downloadGame-csgo$", true)
	if err != nil {
		t.Fatalf("IsHeld: %v", err)
	}
	if held {
		t.Fatal("global lock should be released on success")
	}
}

func TestExecuteDeflectsDuplicate(t *testing.T) {
	h := newHarness(t, "downloadManager")

	started := make(chan struct{})
	release := make(chan struct{})
	env1 := bus.NewEnvelope("lifecycle", map[string]any{"gameId": "csgo"})
	go h.sup.Execute(context.Background(), Params{
		Key:               "csgo",
		Env:               env1,
		GlobalLock:        "downloadGame-csgo",
		GlobalLockTimeout: time.Second,
		Work: func(ctx context.Context, rec *Record) *Failure {
			close(started)
			<-release
			return nil
		},
	})
	<-started

	env2 := bus.NewEnvelope("lifecycle", map[string]any{"gameId": "csgo"})
	go h.sup.Execute(context.Background(), Params{
		Key:               "csgo",
		Env:               env2,
		GlobalLock:        "downloadGame-csgo",
		GlobalLockTimeout: time.Second,
		Work: func(ctx context.Context, rec *Record) *Failure {
			t.Error("duplicate request's Work must not run")
			return nil
		},
	})

	nack := waitForTopic(t, h.b, bus.ReplyTopic(env2.ReplyTo, bus.SubNack))
	if nack.GetBool("alreadyRequested") != true {
		t.Fatalf("expected alreadyRequested=true, got %+v", nack.Fields)
	}
	if nack.GetString("subscribeTo") != env1.ReplyTo {
		t.Fatalf("expected subscribeTo=%s, got %+v", env1.ReplyTo, nack.Fields)
	}
	close(release)
	waitForTopic(t, h.b, bus.ReplyTopic(env1.ReplyTo, bus.SubFinalStatus))
}

func TestExecuteCancellation(t *testing.T) {
	h := newHarness(t, "downloadManager")

	env := bus.NewEnvelope("lifecycle", map[string]any{"gameId": "csgo"})
	go h.sup.Execute(context.Background(), Params{
		Key:               "csgo",
		Env:               env,
		GlobalLock:        "downloadGame-csgo",
		GlobalLockTimeout: time.Second,
		Work: func(ctx context.Context, rec *Record) *Failure {
			<-ctx.Done()
			return NewFailure(KindCanceled, "canceled by operator", nil)
		},
	})

	waitForTopic(t, h.b, bus.ReplyTopic(env.ReplyTo, bus.SubAck))

	deadline := time.Now().Add(time.Second)
	for {
		if h.sup.Cancel("csgo") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("record never appeared for cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}

	final := waitForTopic(t, h.b, bus.ReplyTopic(env.ReplyTo, bus.SubFinalStatus))
	if final.GetString("reason") != "canceled" {
		t.Fatalf("expected canceled, got %+v", final.Fields)
	}
}

func TestExecuteRetainsLockOnPatternWaitTimeout(t *testing.T) {
	h := newHarness(t, "overlayManager")

	// Hold the pattern lock forever so the wait times out.
	if _, err := h.locks.Acquire("baseMount-csgo-alpha"); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	env := bus.NewEnvelope("lifecycle", map[string]any{"gameId": "csgo"})
	h.sup.Execute(context.Background(), Params{
		Key:               "csgo-alpha",
		Env:               env,
		GlobalLock:        "configMount-csgo-alpha",
		GlobalLockTimeout: time.Second,
		WaitFor: []WaitSpec{
			{Pattern: "^baseMount-csgo-.*$", Timeout: 50 * time.Millisecond},
		},
		Work: func(ctx context.Context, rec *Record) *Failure {
			t.Error("Work must not run when a pattern wait times out")
			return nil
		},
	})

	held, err := h.locks.IsHeld("^configMount-csgo-alpha$", true)
	if err != nil {
		t.Fatalf("IsHeld: %v", err)
	}
	if !held {
		t.Fatal("global lock must be retained when a pattern wait times out")
	}
}

func TestValidationErrorSkipsLocksEntirely(t *testing.T) {
	h := newHarness(t, "downloadManager")

	env := bus.NewEnvelope("lifecycle", map[string]any{})
	h.sup.ValidationError(env, "gameId is required")

	errEnv := waitForTopic(t, h.b, bus.ReplyTopic(env.ReplyTo, bus.SubError))
	if errEnv.GetString("kind") != string(KindValidationError) {
		t.Fatalf("expected ValidationError, got %+v", errEnv.Fields)
	}
}
