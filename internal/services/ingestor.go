package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/yungbote/arc-reactor/internal/data/aggregates"
	"github.com/yungbote/arc-reactor/internal/data/repos"
	domainagg "github.com/yungbote/arc-reactor/internal/domain/aggregates"
	types "github.com/yungbote/arc-reactor/internal/domain/runs"
	"github.com/yungbote/arc-reactor/internal/observability"
	"github.com/yungbote/arc-reactor/internal/platform/dbctx"
	"github.com/yungbote/arc-reactor/internal/platform/logger"
)

type IngestOutcome string

const (
	OutcomeApplied   IngestOutcome = "applied"
	OutcomeDuplicate IngestOutcome = "duplicate"
	OutcomeSkipped   IngestOutcome = "skipped"
)

// Skip reasons reported in IngestResult.Reason.
const (
	ReasonInvalidTransition = "invalid_transition"
	ReasonRunNotFound       = "run_not_found"
	ReasonUnknownEvent      = "unknown_event_type"
)

type IngestResult struct {
	Outcome   IngestOutcome  `json:"status"`
	RunID     string         `json:"run_id,omitempty"`
	EventType string         `json:"event_type,omitempty"`
	Key       types.DedupKey `json:"key"`
	Reason    string         `json:"reason,omitempty"`
}

// Ingestor applies engine events exactly once per dedup key. Errors wrapping
// types.ErrMalformedEvent are permanent; any other error is a store failure
// the transport should retry.
type Ingestor interface {
	// Ingest takes the decoded envelope JSON.
	Ingest(ctx context.Context, raw []byte) (IngestResult, error)
	// IngestData takes the base64 envelope carried by a stream entry.
	IngestData(ctx context.Context, data string) (IngestResult, error)
	// IngestPush takes a Pub/Sub push body.
	IngestPush(ctx context.Context, body []byte) (IngestResult, error)
}

type IngestorDeps struct {
	DB      *gorm.DB
	Log     *logger.Logger
	Runner  aggregates.TxRunner
	RunRepo repos.RunRepo
	Runs    RunStore
	Tasks   TaskStore
	Events  repos.EventLogRepo
	Metrics *observability.Metrics
}

type ingestor struct {
	log     *logger.Logger
	runner  aggregates.TxRunner
	runRepo repos.RunRepo
	runs    RunStore
	tasks   TaskStore
	events  repos.EventLogRepo
	metrics *observability.Metrics
	now     func() time.Time
}

func NewIngestor(deps IngestorDeps) Ingestor {
	runner := deps.Runner
	if runner == nil {
		runner = aggregates.NewGormTxRunner(deps.DB)
	}
	return &ingestor{
		log:     deps.Log.With("service", "Ingestor"),
		runner:  runner,
		runRepo: deps.RunRepo,
		runs:    deps.Runs,
		tasks:   deps.Tasks,
		events:  deps.Events,
		metrics: deps.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// skipError aborts the ingest transaction and turns into a Skipped result.
type skipError struct{ reason string }

func (e *skipError) Error() string { return "skip: " + e.reason }

var errDuplicateEvent = errors.New("duplicate event")

type pushBody struct {
	Message *struct {
		Data       string            `json:"data"`
		MessageID  string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Data         string `json:"data"`
	Subscription string `json:"subscription"`
}

// PushData extracts the base64 payload from a push body, accepting both the
// Pub/Sub shape and a bare {"data": ...} object.
func PushData(body []byte) (string, error) {
	var pb pushBody
	if err := json.Unmarshal(body, &pb); err != nil {
		return "", fmt.Errorf("%w: push body is not JSON: %v", types.ErrMalformedEvent, err)
	}
	if pb.Message != nil && strings.TrimSpace(pb.Message.Data) != "" {
		return pb.Message.Data, nil
	}
	if strings.TrimSpace(pb.Data) != "" {
		return pb.Data, nil
	}
	return "", fmt.Errorf("%w: push body has no data", types.ErrMalformedEvent)
}

func (s *ingestor) IngestPush(ctx context.Context, body []byte) (IngestResult, error) {
	data, err := PushData(body)
	if err != nil {
		s.observe("malformed", "rejected", 0)
		return IngestResult{}, err
	}
	return s.IngestData(ctx, data)
}

func (s *ingestor) IngestData(ctx context.Context, data string) (IngestResult, error) {
	dec, err := types.DecodeEnvelopeData(data)
	if err != nil {
		s.observe("malformed", "rejected", 0)
		return IngestResult{}, err
	}
	return s.apply(ctx, dec)
}

func (s *ingestor) Ingest(ctx context.Context, raw []byte) (IngestResult, error) {
	dec, err := types.DecodeEnvelope(raw)
	if err != nil {
		s.observe("malformed", "rejected", 0)
		return IngestResult{}, err
	}
	return s.apply(ctx, dec)
}

func (s *ingestor) apply(ctx context.Context, dec *types.DecodedEvent) (IngestResult, error) {
	start := time.Now()
	key := dec.DedupKey()
	res := IngestResult{RunID: dec.RunID, EventType: dec.Event.Event, Key: key}

	ctx, span := observability.StartSpan(ctx, "weblog.ingest",
		attribute.String("arc.run_id", dec.RunID),
		attribute.String("arc.event_type", dec.Event.Event),
		attribute.Int64("arc.task_id", key.TaskID),
	)
	defer span.End()

	err := s.runner.InTx(ctx, func(dbc dbctx.Context) error {
		dup, err := s.events.Exists(dbc, key)
		if err != nil {
			return err
		}
		if dup {
			return errDuplicateEvent
		}

		reason, err := s.dispatch(dbc, dec)
		if err != nil {
			return err
		}
		res.Reason = reason

		if err := s.runs.TouchLastEvent(dbc, dec.RunID, s.now()); err != nil {
			return err
		}
		if err := s.events.Insert(dbc, key, dec.Event.Time(), s.now()); err != nil {
			if aggregates.IsUniqueViolation(err) {
				return errDuplicateEvent
			}
			return err
		}
		return nil
	})

	var skip *skipError
	switch {
	case err == nil:
		res.Outcome = OutcomeApplied
		if res.Reason != "" {
			res.Outcome = OutcomeSkipped
		}
	case errors.Is(err, errDuplicateEvent):
		res.Outcome = OutcomeDuplicate
		s.log.Info("Skipping duplicate event", "run_id", key.RunID, "event_type", key.EventType, "task_id", key.TaskID, "attempt", key.Attempt)
	case errors.As(err, &skip):
		res.Outcome = OutcomeSkipped
		res.Reason = skip.reason
	default:
		mapped := aggregates.MapError("weblog.ingest", err)
		observability.RecordError(span, mapped)
		s.observe(dec.Event.Event, "error", time.Since(start))
		s.log.Error("Weblog ingest failed", "run_id", dec.RunID, "event_type", dec.Event.Event, "error", mapped)
		return res, mapped
	}

	span.SetAttributes(attribute.String("arc.outcome", string(res.Outcome)))
	s.observe(dec.Event.Event, string(res.Outcome), time.Since(start))
	return res, nil
}

func (s *ingestor) observe(eventType, outcome string, dur time.Duration) {
	switch eventType {
	case types.EventStarted, types.EventProcessSubmitted, types.EventProcessStarted,
		types.EventProcessCompleted, types.EventCompleted, types.EventError, "malformed":
	default:
		eventType = "unknown"
	}
	s.metrics.ObserveIngest(eventType, outcome, dur)
}

// dispatch returns a non-empty reason when the event is recorded but has no
// effect, or a *skipError when nothing should be recorded.
func (s *ingestor) dispatch(dbc dbctx.Context, dec *types.DecodedEvent) (string, error) {
	run, err := s.runRepo.GetByID(dbc, dec.RunID)
	if err != nil {
		return "", err
	}
	if run == nil {
		s.log.Warn("Weblog event for unknown run", "run_id", dec.RunID, "event_type", dec.Event.Event)
		return "", &skipError{reason: ReasonRunNotFound}
	}

	ev := dec.Event
	switch ev.Event {
	case types.EventStarted:
		return "", s.transition(dbc, run, ev.Event, StatusUpdate{
			Status:        types.StatusRunning,
			Timestamp:     ev.Time(),
			EngineRunID:   optString(ev.RunID),
			EngineRunName: optString(ev.RunName),
		})
	case types.EventCompleted:
		return "", s.transition(dbc, run, ev.Event, completedUpdate(ev))
	case types.EventError:
		msg := "Unknown error"
		if m := types.StringField(ev.Workflow(), "errorMessage"); m != nil {
			msg = *m
		}
		return "", s.transition(dbc, run, ev.Event, StatusUpdate{
			Status:       types.StatusFailed,
			Timestamp:    ev.Time(),
			ErrorMessage: &msg,
		})
	case types.EventProcessSubmitted:
		return "", s.taskSubmitted(dbc, dec)
	case types.EventProcessStarted:
		return "", s.taskStarted(dbc, dec)
	case types.EventProcessCompleted:
		return "", s.taskCompleted(dbc, dec)
	default:
		s.log.Warn("Unknown weblog event type", "run_id", dec.RunID, "event_type", ev.Event)
		return ReasonUnknownEvent, nil
	}
}

func (s *ingestor) transition(dbc dbctx.Context, run *types.Run, eventType string, upd StatusUpdate) error {
	if run.Status.IsTerminal() {
		s.logInvalid(run.RunID, eventType, run.Status, upd.Status)
		return &skipError{reason: ReasonInvalidTransition}
	}
	_, err := s.runs.UpdateRunStatusInTx(dbc, run.RunID, upd)
	if err == nil {
		return nil
	}
	if domainagg.IsCode(err, domainagg.CodeInvalidTransition) {
		current := run.Status
		if it, ok := types.AsInvalidTransition(err); ok {
			current = it.Current
		}
		s.logInvalid(run.RunID, eventType, current, upd.Status)
		return &skipError{reason: ReasonInvalidTransition}
	}
	if domainagg.IsCode(err, domainagg.CodeNotFound) {
		return &skipError{reason: ReasonRunNotFound}
	}
	return err
}

func (s *ingestor) logInvalid(runID, eventType string, current, requested types.RunStatus) {
	s.log.Error("Illegal run transition from weblog event",
		"run_id", runID,
		"event_type", eventType,
		"current", current,
		"requested", requested,
	)
}

func completedUpdate(ev types.EngineEvent) StatusUpdate {
	wf := ev.Workflow()
	success := types.BoolField(wf, "success")
	upd := StatusUpdate{Status: types.StatusFailed, Timestamp: ev.Time()}
	if success {
		upd.Status = types.StatusCompleted
	} else if m := types.StringField(wf, "errorMessage"); m != nil {
		upd.ErrorMessage = m
	}
	if code := types.Int64Field(wf, "exitStatus"); code != nil {
		c := int(*code)
		upd.ExitCode = &c
	}

	stats := types.MapField(wf, "stats")
	if len(stats) == 0 {
		stats = types.MapField(ev.Metadata, "stats")
	}
	count := func(k string) int64 {
		if v := types.Int64Field(stats, k); v != nil {
			return *v
		}
		return 0
	}
	durationMs := 0.0
	if d := types.Float64Field(wf, "duration"); d != nil {
		durationMs = *d
	}
	succeeded, failed, cached := count("succeedCount"), count("failedCount"), count("cachedCount")
	upd.Metrics = map[string]any{
		"duration_seconds": durationMs / 1000,
		"tasks_total":      succeeded + failed + cached,
		"tasks_succeeded":  succeeded,
		"tasks_failed":     failed,
		"tasks_cached":     cached,
	}
	return upd
}

func (s *ingestor) taskSubmitted(dbc dbctx.Context, dec *types.DecodedEvent) error {
	tr := dec.Event.Trace
	sub := TaskSubmission{
		Key:        dec.DedupKey().TaskKey(),
		SubmitTime: types.Int64Field(tr, "submit"),
		NativeID:   types.StringField(tr, "native_id"),
		Workdir:    types.StringField(tr, "workdir"),
		Container:  types.StringField(tr, "container"),
		TraceData:  traceJSON(tr),
	}
	if v := types.StringField(tr, "hash"); v != nil {
		sub.Hash = *v
	}
	if v := types.StringField(tr, "name"); v != nil {
		sub.Name = *v
	}
	if v := types.StringField(tr, "process"); v != nil {
		sub.Process = *v
	}
	created, err := s.tasks.RecordSubmitted(dbc, sub)
	if err != nil {
		return err
	}
	if !created {
		s.log.Debug("Task already recorded", "run_id", sub.Key.RunID, "task_id", sub.Key.TaskID, "attempt", sub.Key.Attempt)
	}
	return nil
}

func (s *ingestor) taskStarted(dbc dbctx.Context, dec *types.DecodedEvent) error {
	tr := dec.Event.Trace
	key := dec.DedupKey().TaskKey()
	ok, err := s.tasks.MarkStarted(dbc, key, TaskStart{
		NativeID:  types.StringField(tr, "native_id"),
		StartTime: types.Int64Field(tr, "start"),
		Workdir:   types.StringField(tr, "workdir"),
	})
	if err != nil {
		return err
	}
	if !ok {
		s.log.Debug("Task start before submit, ignoring", "run_id", key.RunID, "task_id", key.TaskID, "attempt", key.Attempt)
	}
	return nil
}

func (s *ingestor) taskCompleted(dbc dbctx.Context, dec *types.DecodedEvent) error {
	tr := dec.Event.Trace
	key := dec.DedupKey().TaskKey()
	c := TaskCompletion{
		CompleteTime: types.Int64Field(tr, "complete"),
		DurationMs:   types.Int64Field(tr, "duration"),
		RealtimeMs:   types.Int64Field(tr, "realtime"),
		CPUPercent:   types.Float64Field(tr, "%cpu"),
		PeakRSS:      types.Int64Field(tr, "peak_rss"),
		PeakVmem:     types.Int64Field(tr, "peak_vmem"),
		ReadBytes:    types.Int64Field(tr, "rchar"),
		WriteBytes:   types.Int64Field(tr, "wchar"),
		ErrorAction:  types.StringField(tr, "error_action"),
		TraceData:    traceJSON(tr),
	}
	if st := types.StringField(tr, "status"); st != nil && strings.EqualFold(*st, types.TaskCached) {
		c.Cached = true
	}
	if code := types.Int64Field(tr, "exit"); code != nil {
		e := int(*code)
		c.ExitCode = &e
	}
	ok, err := s.tasks.MarkCompleted(dbc, key, c)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Debug("Task completion for unknown task, ignoring", "run_id", key.RunID, "task_id", key.TaskID, "attempt", key.Attempt)
	}
	return nil
}

func traceJSON(tr map[string]any) json.RawMessage {
	if len(tr) == 0 {
		return nil
	}
	b, err := json.Marshal(tr)
	if err != nil {
		return nil
	}
	return b
}
