package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the request/reply envelope from SPEC_FULL.md §3: a fixed
// requestId/replyTo/timestamp header plus arbitrary payload fields inlined
// at the top level of the JSON object, matching the shape spec.md §3
// describes (`{requestId, replyTo, timestamp, <payload fields>}`).
type Envelope struct {
	RequestID string
	ReplyTo   string
	Timestamp time.Time
	Fields    map[string]any
}

// NewEnvelope builds a request envelope whose replyTo is
// "<selfModule>.<requestId>", per spec.md §3.
func NewEnvelope(selfModule string, fields map[string]any) Envelope {
	id := uuid.NewString()
	return Envelope{
		RequestID: id,
		ReplyTo:   selfModule + "." + id,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}
}

// Get returns a payload field, or nil if absent.
func (e Envelope) Get(key string) any {
	if e.Fields == nil {
		return nil
	}
	return e.Fields[key]
}

// GetString returns a string payload field, or "" if absent/wrong type.
func (e Envelope) GetString(key string) string {
	v, _ := e.Get(key).(string)
	return v
}

// GetBool returns a bool payload field.
func (e Envelope) GetBool(key string) bool {
	v, _ := e.Get(key).(bool)
	return v
}

// MarshalJSON inlines Fields alongside the fixed requestId/replyTo/timestamp
// keys so the wire shape matches spec.md §3 exactly.
func (e Envelope) MarshalJSON() ([]byte, error) {
	merged := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		merged[k] = v
	}
	merged["requestId"] = e.RequestID
	merged["replyTo"] = e.ReplyTo
	merged["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)
	return json.Marshal(merged)
}

// UnmarshalJSON splits the fixed header keys back out of the flat object,
// leaving the remainder as Fields.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var merged map[string]any
	if err := json.Unmarshal(data, &merged); err != nil {
		return err
	}
	if v, ok := merged["requestId"].(string); ok {
		e.RequestID = v
		delete(merged, "requestId")
	}
	if v, ok := merged["replyTo"].(string); ok {
		e.ReplyTo = v
		delete(merged, "replyTo")
	}
	if v, ok := merged["timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			e.Timestamp = ts
		}
		delete(merged, "timestamp")
	}
	e.Fields = merged
	return nil
}

// Sub-topics, appended to a replyTo prefix, per spec.md §3 and §4.3.
const (
	SubAck         = "ack"
	SubNack        = "nack"
	SubError       = "error"
	SubProgress    = "progress"
	SubOutput      = "output"
	SubStatus      = "status"
	SubFinalStatus = "finalStatus"
)

// ReplyTopic joins a replyTo prefix with a sub-topic, e.g.
// ReplyTopic("downloadManager.<uuid>", SubProgress).
func ReplyTopic(replyTo, sub string) string {
	return replyTo + "." + sub
}
