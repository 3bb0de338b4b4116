package runs

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedEvent marks an envelope that can never be processed. Transports
// ack it instead of redelivering.
var ErrMalformedEvent = errors.New("malformed weblog event")

// Engine event types carried in Envelope.Event.
const (
	EventStarted          = "started"
	EventProcessSubmitted = "process_submitted"
	EventProcessStarted   = "process_started"
	EventProcessCompleted = "process_completed"
	EventCompleted        = "completed"
	EventError            = "error"
)

// Envelope is what the receiver forwards for one engine callback.
type Envelope struct {
	ArcRunID string          `json:"arc_run_id"`
	Event    json.RawMessage `json:"event"`
}

// EngineEvent is the engine's weblog payload. Trace and Metadata keep every
// field the engine sent; numbers decode as json.Number.
type EngineEvent struct {
	Event    string         `json:"event"`
	UTCTime  string         `json:"utcTime"`
	RunID    string         `json:"runId,omitempty"`
	RunName  string         `json:"runName,omitempty"`
	Trace    map[string]any `json:"trace,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DecodedEvent is a validated envelope.
type DecodedEvent struct {
	RunID string
	Event EngineEvent
	Raw   json.RawMessage
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, args...))
}

// EncodeEnvelope builds the base64 payload published to the event stream.
func EncodeEnvelope(runID string, event json.RawMessage) (string, error) {
	if strings.TrimSpace(runID) == "" {
		return "", malformed("arc_run_id is required")
	}
	if !json.Valid(event) {
		return "", malformed("event is not valid JSON")
	}
	b, err := json.Marshal(Envelope{ArcRunID: runID, Event: event})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodeEnvelopeData decodes a base64 envelope as carried in a push message
// or a stream entry.
func DecodeEnvelopeData(data string) (*DecodedEvent, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, malformed("empty data")
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(data)
		if err != nil {
			return nil, malformed("data is not base64: %v", err)
		}
	}
	return DecodeEnvelope(raw)
}

// DecodeEnvelope parses and validates an envelope's JSON.
func DecodeEnvelope(raw []byte) (*DecodedEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, malformed("envelope is not JSON: %v", err)
	}
	runID := strings.TrimSpace(env.ArcRunID)
	if runID == "" {
		return nil, malformed("arc_run_id is required")
	}
	if len(env.Event) == 0 || string(env.Event) == "null" {
		return nil, malformed("event is required")
	}
	dec := json.NewDecoder(bytes.NewReader(env.Event))
	dec.UseNumber()
	var ev EngineEvent
	if err := dec.Decode(&ev); err != nil {
		return nil, malformed("event is not an object: %v", err)
	}
	ev.Event = strings.TrimSpace(ev.Event)
	if ev.Event == "" {
		return nil, malformed("event.event is required")
	}
	for _, k := range []string{"task_id", "attempt"} {
		if v, ok := ev.Trace[k]; ok && v != nil && Int64Field(ev.Trace, k) == nil {
			return nil, malformed("trace.%s is not an integer: %v", k, v)
		}
	}
	if a := Int64Field(ev.Trace, "attempt"); a != nil && *a > math.MaxInt32 {
		return nil, malformed("trace.attempt out of range: %d", *a)
	}
	return &DecodedEvent{RunID: runID, Event: ev, Raw: env.Event}, nil
}

// DedupKey derives the event's idempotency key. Run-level events (no trace)
// use task 0 / attempt 0; task events default attempt to 1.
func (d *DecodedEvent) DedupKey() DedupKey {
	key := DedupKey{RunID: d.RunID, EventType: d.Event.Event}
	if d.Event.Trace == nil {
		return key
	}
	if id := Int64Field(d.Event.Trace, "task_id"); id != nil {
		key.TaskID = *id
	}
	key.Attempt = 1
	if a := Int64Field(d.Event.Trace, "attempt"); a != nil && *a > 0 {
		key.Attempt = int(*a)
	}
	return key
}

// Time parses utcTime. A missing or unparseable value yields nil.
func (e EngineEvent) Time() *time.Time {
	s := strings.TrimSpace(e.UTCTime)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z0700", "2006-01-02T15:04:05Z0700"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// Workflow returns metadata.workflow or an empty map.
func (e EngineEvent) Workflow() map[string]any {
	return MapField(e.Metadata, "workflow")
}

// MapField returns m[key] as an object, or an empty map.
func MapField(m map[string]any, key string) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

// StringField returns m[key] as a non-empty string, or nil.
func StringField(m map[string]any, key string) *string {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	default:
		s = fmt.Sprint(t)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// Int64Field returns m[key] as an integer. Numeric strings are accepted;
// fractional values are truncated. Values outside the int64 range yield nil.
func Int64Field(m map[string]any, key string) *int64 {
	if n, ok := m[key].(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return &i
		}
	}
	f := Float64Field(m, key)
	if f == nil {
		return nil
	}
	t := math.Trunc(*f)
	if t < math.MinInt64 || t >= math.MaxInt64 {
		return nil
	}
	i := int64(t)
	return &i
}

// Float64Field returns m[key] as a float. Strings like "87.5%" are accepted.
func Float64Field(m map[string]any, key string) *float64 {
	if m == nil {
		return nil
	}
	var f float64
	switch t := m[key].(type) {
	case json.Number:
		v, err := t.Float64()
		if err != nil {
			return nil
		}
		f = v
	case float64:
		f = t
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case string:
		v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(t), "%"), 64)
		if err != nil {
			return nil
		}
		f = v
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// BoolField returns m[key] as a bool; anything else is false.
func BoolField(m map[string]any, key string) bool {
	switch t := m[key].(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(strings.TrimSpace(t), "true")
	default:
		return false
	}
}
