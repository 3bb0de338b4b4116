package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	domainagg "github.com/yungbote/arc-reactor/internal/domain/aggregates"
	types "github.com/yungbote/arc-reactor/internal/domain/runs"
)

func startedEvent() map[string]any {
	return map[string]any{
		"event":   "started",
		"utcTime": "2024-05-01T10:00:00Z",
		"runId":   "engine-uuid",
		"runName": "happy_turing",
	}
}

func taskEvent(kind string, taskID int64, trace map[string]any) map[string]any {
	tr := map[string]any{"task_id": taskID, "attempt": 1}
	for k, v := range trace {
		tr[k] = v
	}
	return map[string]any{"event": kind, "utcTime": "2024-05-01T10:01:00Z", "trace": tr}
}

func completedEvent(success bool) map[string]any {
	wf := map[string]any{
		"success":    success,
		"exitStatus": 0,
		"duration":   90500,
		"stats":      map[string]any{"succeedCount": 4, "failedCount": 1, "cachedCount": 2},
	}
	if !success {
		wf["exitStatus"] = 1
		wf["errorMessage"] = "Process FASTQC terminated"
	}
	return map[string]any{"event": "completed", "utcTime": "2024-05-01T11:00:00Z", "metadata": map[string]any{"workflow": wf}}
}

func mustIngest(t *testing.T, h *harness, runID string, event map[string]any) IngestResult {
	t.Helper()
	res, err := h.ingest.Ingest(context.Background(), envelope(t, runID, event))
	if err != nil {
		t.Fatalf("Ingest %v: %v", event["event"], err)
	}
	return res
}

// Create, submit, run one task, complete; then redeliver.
func TestIngest_EndToEndLifecycle(t *testing.T) {
	h := newHarness(t)
	run := h.createRun(t)
	if run.Status != types.StatusPending {
		t.Fatalf("new run status = %s", run.Status)
	}
	h.submit(t, run.RunID, "job-1")
	got := h.getRun(t, run.RunID)
	if got.Status != types.StatusSubmitted || got.SubmittedAt == nil || got.BatchJobName == nil || *got.BatchJobName != "job-1" {
		t.Fatalf("after submit: status=%s submitted_at=%v job=%v", got.Status, got.SubmittedAt, got.BatchJobName)
	}

	if res := mustIngest(t, h, run.RunID, startedEvent()); res.Outcome != OutcomeApplied {
		t.Fatalf("started outcome = %s (%s)", res.Outcome, res.Reason)
	}
	got = h.getRun(t, run.RunID)
	if got.Status != types.StatusRunning || got.StartedAt == nil {
		t.Fatalf("after started: status=%s started_at=%v", got.Status, got.StartedAt)
	}
	if got.StartedAt.UTC().Hour() != 10 {
		t.Fatalf("started_at should come from utcTime, got %v", got.StartedAt)
	}
	if got.EngineRunName == nil || *got.EngineRunName != "happy_turing" || got.LastEventAt == nil {
		t.Fatalf("engine ids/last_event_at not recorded: %+v", got)
	}

	mustIngest(t, h, run.RunID, taskEvent("process_submitted", 1, map[string]any{"hash": "ab/123456", "name": "FASTQC (s1)", "process": "FASTQC", "native_id": "job-x"}))
	task := h.task(t, run.RunID, 1, 1)
	if task == nil || task.Status != types.TaskSubmitted || task.Process != "FASTQC" {
		t.Fatalf("after process_submitted: %+v", task)
	}

	completedTask := taskEvent("process_completed", 1, map[string]any{"exit": 0, "%cpu": "87.5%", "rchar": 1024, "wchar": 2048, "status": "COMPLETED"})
	mustIngest(t, h, run.RunID, completedTask)
	task = h.task(t, run.RunID, 1, 1)
	if task.Status != types.TaskCompleted || task.ExitCode == nil || *task.ExitCode != 0 {
		t.Fatalf("after process_completed: status=%s exit=%v", task.Status, task.ExitCode)
	}
	if task.CPUPercent == nil || *task.CPUPercent != 87.5 || task.ReadBytes == nil || *task.ReadBytes != 1024 {
		t.Fatalf("resource fields not recorded: cpu=%v read=%v", task.CPUPercent, task.ReadBytes)
	}

	if res := mustIngest(t, h, run.RunID, completedEvent(true)); res.Outcome != OutcomeApplied {
		t.Fatalf("completed outcome = %s (%s)", res.Outcome, res.Reason)
	}
	got = h.getRun(t, run.RunID)
	if got.Status != types.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("after completed: status=%s completed_at=%v", got.Status, got.CompletedAt)
	}
	var metrics map[string]any
	if err := json.Unmarshal(got.Metrics, &metrics); err != nil {
		t.Fatalf("metrics json: %v", err)
	}
	if metrics["tasks_total"] != float64(7) || metrics["duration_seconds"] != 90.5 {
		t.Fatalf("unexpected metrics %v", metrics)
	}

	// Redelivery of the exact task message is a duplicate and changes nothing.
	before := h.eventCount(t, run.RunID)
	res := mustIngest(t, h, run.RunID, completedTask)
	if res.Outcome != OutcomeDuplicate {
		t.Fatalf("redelivery outcome = %s", res.Outcome)
	}
	after := h.task(t, run.RunID, 1, 1)
	if !after.UpdatedAt.Equal(task.UpdatedAt) {
		t.Fatalf("duplicate touched task: %v -> %v", task.UpdatedAt, after.UpdatedAt)
	}
	if n := h.eventCount(t, run.RunID); n != before {
		t.Fatalf("duplicate added event log rows: %d -> %d", before, n)
	}
	if h.metrics.IngestCount("process_completed", string(OutcomeDuplicate)) != 1 {
		t.Fatalf("duplicate not counted")
	}
}

func TestIngest_StartedBeforeSubmittedIsNoop(t *testing.T) {
	h := newHarness(t)
	run := h.createRun(t)
	h.submit(t, run.RunID, "job-1")

	res := mustIngest(t, h, run.RunID, taskEvent("process_started", 5, map[string]any{"native_id": "n-5"}))
	if res.Outcome != OutcomeApplied {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if task := h.task(t, run.RunID, 5, 1); task != nil {
		t.Fatalf("process_started must not create a task, got %+v", task)
	}

	mustIngest(t, h, run.RunID, taskEvent("process_submitted", 5, nil))
	if task := h.task(t, run.RunID, 5, 1); task == nil || task.Status != types.TaskSubmitted {
		t.Fatalf("submitted after started: %+v", task)
	}
}

func TestIngest_LateStartDoesNotReopenCompletedTask(t *testing.T) {
	h := newHarness(t)
	run := h.createRun(t)
	h.submit(t, run.RunID, "job-1")

	mustIngest(t, h, run.RunID, taskEvent("process_submitted", 3, nil))
	mustIngest(t, h, run.RunID, taskEvent("process_completed", 3, map[string]any{"exit": 0}))
	res := mustIngest(t, h, run.RunID, taskEvent("process_started", 3, map[string]any{"native_id": "n-3", "start": 1714557600000}))
	if res.Outcome != OutcomeApplied {
		t.Fatalf("late start outcome = %s", res.Outcome)
	}

	task := h.task(t, run.RunID, 3, 1)
	if task == nil || task.Status != types.TaskCompleted {
		t.Fatalf("late start must keep COMPLETED, got %+v", task)
	}
	if task.StartTime == nil || *task.StartTime != 1714557600000 {
		t.Fatalf("start_time should still be stamped: %v", task.StartTime)
	}

	mustIngest(t, h, run.RunID, taskEvent("process_submitted", 4, nil))
	mustIngest(t, h, run.RunID, taskEvent("process_started", 4, nil))
	if task := h.task(t, run.RunID, 4, 1); task == nil || task.Status != types.TaskRunning {
		t.Fatalf("in-order start should mark RUNNING, got %+v", task)
	}
}

func TestIngest_FailedTaskRecordsErrorAction(t *testing.T) {
	h := newHarness(t)
	run := h.createRun(t)
	h.submit(t, run.RunID, "job-1")
	mustIngest(t, h, run.RunID, taskEvent("process_submitted", 2, nil))
	mustIngest(t, h, run.RunID, taskEvent("process_completed", 2, map[string]any{"exit": 137, "error_action": "TERMINATE"}))

	task := h.task(t, run.RunID, 2, 1)
	if task.Status != types.TaskFailed || task.ErrorMessage == nil || *task.ErrorMessage != "TERMINATE" {
		t.Fatalf("failed task: status=%s err=%v", task.Status, task.ErrorMessage)
	}
}

func TestIngest_CompletedOnSubmittedRunIsSkipped(t *testing.T) {
	h := newHarness(t)
	run := h.createRun(t)
	h.submit(t, run.RunID, "job-1")

	res := mustIngest(t, h, run.RunID, completedEvent(true))
	if res.Outcome != OutcomeSkipped || res.Reason != ReasonInvalidTransition {
		t.Fatalf("expected skipped invalid_transition, got %s/%s", res.Outcome, res.Reason)
	}
	got := h.getRun(t, run.RunID)
	if got.Status != types.StatusSubmitted || got.CompletedAt != nil || got.LastEventAt != nil {
		t.Fatalf("run changed by illegal event: %+v", got)
	}
	if n := h.eventCount(t, run.RunID); n != 0 {
		t.Fatalf("illegal event was recorded (%d rows)", n)
	}
}

func TestIngest_EventOnTerminalRunIsSkipped(t *testing.T) {
	h := newHarness(t)
	run := h.createRun(t)
	h.submit(t, run.RunID, "job-1")
	mustIngest(t, h, run.RunID, startedEvent())
	mustIngest(t, h, run.RunID, completedEvent(false))

	got := h.getRun(t, run.RunID)
	if got.Status != types.StatusFailed || got.ErrorMessage == nil || *got.ErrorMessage != "Process FASTQC terminated" {
		t.Fatalf("failed completion: status=%s err=%v", got.Status, got.ErrorMessage)
	}
	if got.ExitCode == nil || *got.ExitCode != 1 {
		t.Fatalf("exit code = %v", got.ExitCode)
	}

	res := mustIngest(t, h, run.RunID, map[string]any{"event": "error", "metadata": map[string]any{"workflow": map[string]any{"errorMessage": "late"}}})
	if res.Outcome != OutcomeSkipped || res.Reason != ReasonInvalidTransition {
		t.Fatalf("error on terminal run: %s/%s", res.Outcome, res.Reason)
	}
	if after := h.getRun(t, run.RunID); *after.ErrorMessage != "Process FASTQC terminated" {
		t.Fatalf("terminal run was modified: %v", *after.ErrorMessage)
	}
}

func TestIngest_ErrorEventDefaultsMessage(t *testing.T) {
	h := newHarness(t)
	run := h.createRun(t)
	h.submit(t, run.RunID, "job-1")
	mustIngest(t, h, run.RunID, map[string]any{"event": "error"})

	got := h.getRun(t, run.RunID)
	if got.Status != types.StatusFailed || got.FailedAt == nil || got.ErrorMessage == nil || *got.ErrorMessage != "Unknown error" {
		t.Fatalf("error event: status=%s err=%v", got.Status, got.ErrorMessage)
	}
}

func TestIngest_UnknownTypeRecordedOnce(t *testing.T) {
	h := newHarness(t)
	run := h.createRun(t)
	ev := map[string]any{"event": "heartbeat"}

	res := mustIngest(t, h, run.RunID, ev)
	if res.Outcome != OutcomeSkipped || res.Reason != ReasonUnknownEvent {
		t.Fatalf("unknown type: %s/%s", res.Outcome, res.Reason)
	}
	if res := mustIngest(t, h, run.RunID, ev); res.Outcome != OutcomeDuplicate {
		t.Fatalf("unknown type redelivery: %s", res.Outcome)
	}
	if got := h.getRun(t, run.RunID); got.Status != types.StatusPending || got.LastEventAt == nil {
		t.Fatalf("unknown type should only touch last_event_at: %+v", got)
	}
}

func TestIngest_UnknownRunIsSkipped(t *testing.T) {
	h := newHarness(t)
	res := mustIngest(t, h, "run-missing", startedEvent())
	if res.Outcome != OutcomeSkipped || res.Reason != ReasonRunNotFound {
		t.Fatalf("unknown run: %s/%s", res.Outcome, res.Reason)
	}
}

func TestIngest_MalformedIsPermanent(t *testing.T) {
	h := newHarness(t)
	cases := map[string]func() error{
		"raw not json": func() error { _, err := h.ingest.Ingest(context.Background(), []byte("{")); return err },
		"data not base64": func() error {
			_, err := h.ingest.IngestData(context.Background(), "%%%")
			return err
		},
		"push without data": func() error {
			_, err := h.ingest.IngestPush(context.Background(), []byte(`{"message":{"messageId":"1"}}`))
			return err
		},
		"missing run id": func() error {
			_, err := h.ingest.Ingest(context.Background(), []byte(`{"event":{"event":"started"}}`))
			return err
		},
	}
	for name, fn := range cases {
		if err := fn(); !errors.Is(err, types.ErrMalformedEvent) {
			t.Errorf("%s: expected ErrMalformedEvent, got %v", name, err)
		}
	}
}

func TestIngestPush_DecodesPubSubBody(t *testing.T) {
	h := newHarness(t)
	run := h.createRun(t)
	h.submit(t, run.RunID, "job-1")

	data := base64.StdEncoding.EncodeToString(envelope(t, run.RunID, startedEvent()))
	body, _ := json.Marshal(map[string]any{
		"message":      map[string]any{"data": data, "messageId": "m-1"},
		"subscription": "projects/p/subscriptions/weblog",
	})
	res, err := h.ingest.IngestPush(context.Background(), body)
	if err != nil || res.Outcome != OutcomeApplied {
		t.Fatalf("IngestPush: res=%+v err=%v", res, err)
	}
	if got := h.getRun(t, run.RunID); got.Status != types.StatusRunning {
		t.Fatalf("push did not apply: %s", got.Status)
	}
}

func TestUpdateRunStatus_IllegalFromPending(t *testing.T) {
	h := newHarness(t)
	run := h.createRun(t)

	_, err := h.runs.UpdateRunStatus(context.Background(), run.RunID, StatusUpdate{Status: types.StatusCompleted})
	if !domainagg.IsCode(err, domainagg.CodeInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	it, ok := types.AsInvalidTransition(err)
	if !ok || it.Current != types.StatusPending || it.Requested != types.StatusCompleted {
		t.Fatalf("transition error detail: %+v ok=%v", it, ok)
	}
	if got := h.getRun(t, run.RunID); got.Status != types.StatusPending || got.CompletedAt != nil {
		t.Fatalf("illegal transition changed the row: %+v", got)
	}
}
