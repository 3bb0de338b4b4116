package runs

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestEnvelopeRoundTripAndDedupKey(t *testing.T) {
	event := json.RawMessage(`{"event":"process_completed","utcTime":"2024-05-01T10:00:00Z","trace":{"task_id":7,"attempt":2,"%cpu":"87.5%","exit":0,"rchar":12345678901}}`)
	data, err := EncodeEnvelope("run-abc", event)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	dec, err := DecodeEnvelopeData(data)
	if err != nil {
		t.Fatalf("DecodeEnvelopeData: %v", err)
	}
	key := dec.DedupKey()
	if key != (DedupKey{RunID: "run-abc", EventType: "process_completed", TaskID: 7, Attempt: 2}) {
		t.Fatalf("unexpected key %+v", key)
	}
	if cpu := Float64Field(dec.Event.Trace, "%cpu"); cpu == nil || *cpu != 87.5 {
		t.Fatalf("%%cpu: %v", cpu)
	}
	if rchar := Int64Field(dec.Event.Trace, "rchar"); rchar == nil || *rchar != 12345678901 {
		t.Fatalf("rchar: %v", rchar)
	}
	if ts := dec.Event.Time(); ts == nil || ts.Hour() != 10 {
		t.Fatalf("utcTime: %v", ts)
	}
}

func TestDedupKeyDefaults(t *testing.T) {
	runLevel, err := DecodeEnvelope([]byte(`{"arc_run_id":"run-1","event":{"event":"started","utcTime":"2024-05-01T10:00:00.123Z"}}`))
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if k := runLevel.DedupKey(); k.TaskID != 0 || k.Attempt != 0 || k.IsTaskLevel() {
		t.Fatalf("run-level key should use sentinels, got %+v", k)
	}

	task, err := DecodeEnvelope([]byte(`{"arc_run_id":"run-1","event":{"event":"process_submitted","trace":{"task_id":3}}}`))
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if k := task.DedupKey(); k.TaskID != 3 || k.Attempt != 1 {
		t.Fatalf("task key should default attempt to 1, got %+v", k)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"not base64":   "%%%not-base64%%%",
		"not json":     base64.StdEncoding.EncodeToString([]byte("nope")),
		"no run id":    base64.StdEncoding.EncodeToString([]byte(`{"event":{"event":"started"}}`)),
		"no event":     base64.StdEncoding.EncodeToString([]byte(`{"arc_run_id":"run-1"}`)),
		"no type":      base64.StdEncoding.EncodeToString([]byte(`{"arc_run_id":"run-1","event":{"utcTime":"x"}}`)),
		"event scalar": base64.StdEncoding.EncodeToString([]byte(`{"arc_run_id":"run-1","event":"started"}`)),
		"empty":        "",
		"huge task id": base64.StdEncoding.EncodeToString([]byte(`{"arc_run_id":"run-1","event":{"event":"process_started","trace":{"task_id":1e30}}}`)),
		"text attempt": base64.StdEncoding.EncodeToString([]byte(`{"arc_run_id":"run-1","event":{"event":"process_started","trace":{"task_id":1,"attempt":"NaN"}}}`)),
		"huge attempt": base64.StdEncoding.EncodeToString([]byte(`{"arc_run_id":"run-1","event":{"event":"process_started","trace":{"task_id":1,"attempt":4294967296}}}`)),
	}
	for name, data := range cases {
		if _, err := DecodeEnvelopeData(data); !errors.Is(err, ErrMalformedEvent) {
			t.Errorf("%s: expected ErrMalformedEvent, got %v", name, err)
		}
	}
}

func TestNumericFieldRange(t *testing.T) {
	m := map[string]any{
		"max":      json.Number("9223372036854775807"),
		"overflow": json.Number("9223372036854775808"),
		"huge":     json.Number("1e300"),
		"nan":      "NaN",
		"inf":      "+Inf",
		"frac":     json.Number("41.9"),
		"neg":      float64(-3.5),
	}
	if v := Int64Field(m, "max"); v == nil || *v != math.MaxInt64 {
		t.Fatalf("max: %v", v)
	}
	for _, k := range []string{"overflow", "huge", "nan", "inf"} {
		if v := Int64Field(m, k); v != nil {
			t.Fatalf("%s should be rejected, got %d", k, *v)
		}
	}
	if v := Float64Field(m, "nan"); v != nil {
		t.Fatalf("NaN float should be rejected, got %v", *v)
	}
	if v := Int64Field(m, "frac"); v == nil || *v != 41 {
		t.Fatalf("frac: %v", v)
	}
	if v := Int64Field(m, "neg"); v == nil || *v != -3 {
		t.Fatalf("neg: %v", v)
	}
}
