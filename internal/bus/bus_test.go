package bus

import (
	"context"
	"testing"
	"time"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.pollEvery = 10 * time.Millisecond
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	b := newTestBus(t)

	received := make(chan Message, 1)
	sub := b.Subscribe("downloadManager.progress", func(msg Message) {
		received <- msg
	})
	defer sub.Stop()

	if err := b.Publish("downloadManager.progress", map[string]any{"percent": 42}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-received:
		var body struct {
			Percent int `json:"percent"`
		}
		if err := Decode(msg, &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Percent != 42 {
			t.Fatalf("expected percent 42, got %d", body.Percent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestSubscribeWildcard(t *testing.T) {
	b := newTestBus(t)

	received := make(chan string, 4)
	sub := b.Subscribe("downloadManager.#", func(msg Message) {
		received <- msg.Topic
	})
	defer sub.Stop()

	topics := []string{
		"downloadManager.progress.csgo",
		"downloadManager.output.csgo",
		"configManager.progress.csgo", // must not match
	}
	for _, topic := range topics {
		if err := b.Publish(topic, map[string]any{}); err != nil {
			t.Fatalf("Publish(%s): %v", topic, err)
		}
	}

	seen := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case topic := <-received:
			seen[topic] = true
		case <-timeout:
			t.Fatalf("timed out, only saw: %v", seen)
		}
	}
	if seen["configManager.progress.csgo"] {
		t.Fatal("wildcard subscription matched an unrelated module topic")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)

	received := make(chan Message, 4)
	sub := b.Subscribe("gameManager.status", func(msg Message) {
		received <- msg
	})
	sub.Stop()

	if err := b.Publish("gameManager.status", map[string]any{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-received:
		t.Fatal("received a message after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFreshSubscriberDoesNotReplayHistory(t *testing.T) {
	dir := t.TempDir()
	b1, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b1.pollEvery = 10 * time.Millisecond
	defer b1.Close()

	if err := b1.Publish("lifecycle.status", map[string]any{"stage": "before"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	b2, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New second bus: %v", err)
	}
	b2.pollEvery = 10 * time.Millisecond
	defer b2.Close()

	received := make(chan Message, 1)
	sub := b2.Subscribe("lifecycle.status", func(msg Message) { received <- msg })
	defer sub.Stop()

	if err := b1.Publish("lifecycle.status", map[string]any{"stage": "after"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-received:
		var body struct {
			Stage string `json:"stage"`
		}
		_ = Decode(msg, &body)
		if body.Stage != "after" {
			t.Fatalf("expected only the post-subscribe message, got stage=%q", body.Stage)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	select {
	case msg := <-received:
		t.Fatalf("received unexpected extra message: %+v", msg)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestServePingAndWaitForModule(t *testing.T) {
	b := newTestBus(t)

	started := time.Now().Add(-10 * time.Second) // already past the ready threshold
	sub := ServePing(b, "downloadManager", started)
	defer sub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	reply, err := WaitForModule(ctx, b, "lifecycle", "downloadManager")
	if err != nil {
		t.Fatalf("WaitForModule: %v", err)
	}
	if !reply.Ready || reply.Module != "downloadManager" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestSendRequestFinalStatusPath(t *testing.T) {
	b := newTestBus(t)

	sub := b.Subscribe("configManager.downloadGameConfig", func(msg Message) {
		var env Envelope
		if err := Decode(msg, &env); err != nil {
			return
		}
		_ = b.Publish(ReplyTopic(env.ReplyTo, SubFinalStatus), map[string]any{
			"requestId": env.RequestID,
			"replyTo":   env.ReplyTo,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"status":    "applied",
		})
	})
	defer sub.Stop()

	req := NewEnvelope("lifecycle", map[string]any{"gameID": "csgo"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := SendRequest(ctx, b, "configManager.downloadGameConfig", req)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if reply.GetString("status") != "applied" {
		t.Fatalf("unexpected reply fields: %+v", reply.Fields)
	}
}

func TestSendRequestErrorPath(t *testing.T) {
	b := newTestBus(t)

	sub := b.Subscribe("downloadManager.downloadGame", func(msg Message) {
		var env Envelope
		if err := Decode(msg, &env); err != nil {
			return
		}
		_ = b.Publish(ReplyTopic(env.ReplyTo, SubError), map[string]any{
			"requestId": env.RequestID,
			"replyTo":   env.ReplyTo,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"message":   "lock busy",
		})
	})
	defer sub.Stop()

	req := NewEnvelope("lifecycle", map[string]any{"gameID": "csgo"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := SendRequest(ctx, b, "downloadManager.downloadGame", req)
	if err == nil {
		t.Fatal("expected error from SendRequest on error reply")
	}
}
