package bus

import (
	"context"
	"fmt"
)

// Reply is one sub-topic delivery observed during an Exchange: its Kind is
// the sub-topic name (SubAck, SubProgress, SubOutput, ...) and Envelope
// carries the decoded payload.
type Reply struct {
	Kind     string
	Envelope Envelope
}

// Exchange publishes a request envelope to targetTopic and streams every
// reply observed on env.ReplyTo's sub-topics to onReply, until one of
// SubFinalStatus, SubError, or SubNack arrives (terminal per spec.md §3), or
// ctx is done. Callers that only need a single ack/nack can ignore
// intermediate SubProgress/SubOutput deliveries inside onReply.
func Exchange(ctx context.Context, b *Bus, targetTopic string, env Envelope, onReply func(Reply)) error {
	done := make(chan error, 1)
	terminal := map[string]bool{SubFinalStatus: true, SubError: true, SubNack: true}

	sub := b.Subscribe(env.ReplyTo+".#", func(msg Message) {
		kind := subKindOf(env.ReplyTo, msg.Topic)
		var reply Envelope
		if err := Decode(msg, &reply); err != nil {
			return
		}
		onReply(Reply{Kind: kind, Envelope: reply})
		if terminal[kind] {
			select {
			case done <- nil:
			default:
			}
		}
	})
	defer sub.Stop()

	if err := b.Publish(targetTopic, env); err != nil {
		return fmt.Errorf("publish request: %w", err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// subKindOf strips the "<replyTo>." prefix from topic to recover the
// sub-topic name (SubAck, SubProgress, ...).
func subKindOf(replyTo, topic string) string {
	prefix := replyTo + "."
	if len(topic) > len(prefix) && topic[:len(prefix)] == prefix {
		return topic[len(prefix):]
	}
	return topic
}

// SendRequest is a convenience wrapper over Exchange for callers that only
// care about the terminal reply. It returns the last ack or finalStatus
// envelope handled (normally the finalStatus; the two are not merged), or
// the error/nack envelope verbatim together with an error carrying its
// "message" field.
func SendRequest(ctx context.Context, b *Bus, targetTopic string, env Envelope) (Envelope, error) {
	var final Envelope
	var failed error
	err := Exchange(ctx, b, targetTopic, env, func(r Reply) {
		switch r.Kind {
		case SubFinalStatus, SubAck:
			final = r.Envelope
		case SubError, SubNack:
			final = r.Envelope
			failed = fmt.Errorf("request failed: %s", r.Envelope.GetString("message"))
		}
	})
	if err != nil {
		return Envelope{}, err
	}
	if failed != nil {
		return final, failed
	}
	return final, nil
}
