package lifecycle

import (
	"context"
	"testing"
	"time"

	"hostfleet/internal/bus"
	"hostfleet/internal/buslocktest"
)

func TestRunReadinessTimeoutWhenDownloadManagerNeverAnswers(t *testing.T) {
	h := buslocktest.New(t, nil)
	c := NewCoordinator(h.Bus, h.Locks, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	code := c.Run(ctx, Request{GameID: "csgo", InstanceID: "srv1"})
	if code != ExitReadinessTimeout {
		t.Fatalf("exit code = %d, want %d", code, ExitReadinessTimeout)
	}
}

func TestRunFullHappyPath(t *testing.T) {
	h := buslocktest.New(t, nil)

	h.Bus.Subscribe("downloadManager.ping", func(msg bus.Message) {
		var env bus.Envelope
		if err := bus.Decode(msg, &env); err != nil {
			return
		}
		_ = h.Bus.Publish(bus.ReplyTopic(env.ReplyTo, bus.SubAck), bus.PingReply{
			Module: "downloadManager", Ready: true, UptimeMS: 10000,
		})
	})
	h.Bus.Subscribe("configManager.ping", func(msg bus.Message) {
		var env bus.Envelope
		if err := bus.Decode(msg, &env); err != nil {
			return
		}
		_ = h.Bus.Publish(bus.ReplyTopic(env.ReplyTo, bus.SubAck), bus.PingReply{
			Module: "configManager", Ready: true, UptimeMS: 10000,
		})
	})
	buslocktest.RespondOnce(h, "downloadManager.downloadGame", bus.SubFinalStatus, map[string]any{"reason": "completed"})
	buslocktest.RespondOnce(h, "configManager.downloadUpdateRepo", bus.SubFinalStatus, map[string]any{"reason": "completed"})
	buslocktest.RespondOnce(h, "overlayManager.setupMount", bus.SubFinalStatus, map[string]any{"reason": "completed"})
	buslocktest.RespondOnce(h, "gameManager.start", bus.SubFinalStatus, map[string]any{"reason": "completed"})

	c := NewCoordinator(h.Bus, h.Locks, nil)

	ctx, cancel := context.WithTimeout(context.Background(), buslocktest.WaitShort)
	defer cancel()

	code := c.Run(ctx, Request{GameID: "csgo", InstanceID: "srv1", RepoURL: "https://example.com/repo.git", RepoDir: t.TempDir()})
	if code != ExitSuccess {
		t.Fatalf("exit code = %d, want %d", code, ExitSuccess)
	}
}
