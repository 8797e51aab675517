package bus

import (
	"context"
	"fmt"
	"os"
	"time"
)

// PingReply is the payload a module publishes in answer to a "<module>.ping"
// request, per spec.md §4.3.
type PingReply struct {
	Module   string `json:"module"`
	PID      int    `json:"pid"`
	UptimeMS int64  `json:"uptimeMs"`
	Ready    bool   `json:"ready"`
}

// readyThreshold is the uptime a module must have accrued before it reports
// Ready in its ping replies, per spec.md §4.3.
const readyThreshold = 5 * time.Second

// broadcastPingTopic is the shared topic every module answers alongside its
// own "<module>.ping", per spec.md §4.3.
const broadcastPingTopic = "_broadcast.ping"

// PingSubscription groups the subscriptions ServePing registers so callers
// can stop both with one call.
type PingSubscription struct {
	subs []*Subscription
}

// Stop unregisters every subscription ServePing registered. Safe to call
// more than once.
func (p *PingSubscription) Stop() {
	for _, sub := range p.subs {
		sub.Stop()
	}
}

// ServePing subscribes module to its own "<module>.ping" topic and to the
// shared "_broadcast.ping" topic, answering every ping with a PingReply on
// the request's replyTo.
func ServePing(b *Bus, module string, startedAt time.Time) *PingSubscription {
	handler := func(msg Message) {
		var env Envelope
		if err := Decode(msg, &env); err != nil {
			return
		}
		if env.ReplyTo == "" {
			return
		}
		uptime := time.Since(startedAt)
		reply := PingReply{
			Module:   module,
			PID:      os.Getpid(),
			UptimeMS: uptime.Milliseconds(),
			Ready:    uptime >= readyThreshold,
		}
		_ = b.Publish(ReplyTopic(env.ReplyTo, SubAck), reply)
	}
	return &PingSubscription{subs: []*Subscription{
		b.Subscribe(module+".ping", handler),
		b.Subscribe(broadcastPingTopic, handler),
	}}
}

// WaitForModule pings module repeatedly (1s cadence, per spec.md §4.3) until
// it answers Ready, or ctx is done.
func WaitForModule(ctx context.Context, b *Bus, selfModule, targetModule string) (PingReply, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		reply, err := pingOnce(ctx, b, selfModule, targetModule)
		if err == nil && reply.Ready {
			return reply, nil
		}
		select {
		case <-ctx.Done():
			return PingReply{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func pingOnce(ctx context.Context, b *Bus, selfModule, targetModule string) (PingReply, error) {
	env := NewEnvelope(selfModule, nil)
	replyCh := make(chan PingReply, 1)
	sub := b.Subscribe(ReplyTopic(env.ReplyTo, SubAck), func(msg Message) {
		var reply PingReply
		if err := Decode(msg, &reply); err == nil {
			select {
			case replyCh <- reply:
			default:
			}
		}
	})
	defer sub.Stop()

	if err := b.Publish(targetModule+".ping", env); err != nil {
		return PingReply{}, fmt.Errorf("publish ping: %w", err)
	}

	// The reply can take up to one poll cadence to be scanned on the target
	// side and another on this side when fsnotify isn't available (see
	// bus.go's pollEvery fallback); the wait must cover both legs or every
	// attempt under pure polling would time out before its own reply is ever
	// noticed, regardless of how many times WaitForModule retries.
	timeout := time.NewTimer(2500 * time.Millisecond)
	defer timeout.Stop()
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timeout.C:
		return PingReply{}, fmt.Errorf("ping to %s timed out", targetModule)
	case <-ctx.Done():
		return PingReply{}, ctx.Err()
	}
}
