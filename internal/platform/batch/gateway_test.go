package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/batch/apiv1/batchpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yungbote/arc-reactor/internal/domain/runs"
	"github.com/yungbote/arc-reactor/internal/platform/logger"
)

type fakeJobAPI struct {
	mu sync.Mutex

	createErrs []error
	getErrs    []error
	deleteErr  error
	states     []batchpb.JobStatus_State

	createCalls int
	getCalls    int
	lastCreate  *batchpb.CreateJobRequest
}

func (f *fakeJobAPI) CreateJob(_ context.Context, req *batchpb.CreateJobRequest) (*batchpb.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.lastCreate = req
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &batchpb.Job{Name: req.GetParent() + "/jobs/" + req.GetJobId()}, nil
}

func (f *fakeJobAPI) GetJob(_ context.Context, req *batchpb.GetJobRequest) (*batchpb.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if len(f.getErrs) > 0 {
		err := f.getErrs[0]
		f.getErrs = f.getErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	state := batchpb.JobStatus_QUEUED
	if len(f.states) > 0 {
		state = f.states[0]
		if len(f.states) > 1 {
			f.states = f.states[1:]
		}
	}
	return &batchpb.Job{Name: req.GetName(), Status: &batchpb.JobStatus{State: state}}, nil
}

func (f *fakeJobAPI) DeleteJob(context.Context, *batchpb.DeleteJobRequest) error {
	return f.deleteErr
}

func (f *fakeJobAPI) Close() error { return nil }

func testGateway(api jobAPI) *GCPGateway {
	return newGateway(api, Config{
		Project:           "proj",
		Region:            "us-central1",
		OrchestratorImage: "gcr.io/proj/orchestrator:latest",
		ReceiverURL:       "https://relay.example.com/",
		ServiceAccount:    "runner@proj.iam.gserviceaccount.com",
		RetryBackoff:      time.Millisecond,
	}, logger.Nop(), nil)
}

func TestSubmitJobBuildsRequest(t *testing.T) {
	api := &fakeJobAPI{}
	g := testGateway(api)
	name, err := g.SubmitJob(context.Background(), JobRequest{
		RunID:         "run-0011223344556677",
		Pipeline:      "nf-core/scrnaseq",
		Version:       "2.7.1",
		WorkDir:       "gs://b/runs/run-0011223344556677/work/",
		WebhookSecret: "s3cret",
		UserEmail:     "Jane.Doe@Lab.org",
	})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if name != "projects/proj/locations/us-central1/jobs/nf-run-0011223344556677" {
		t.Fatalf("job name: %s", name)
	}
	req := api.lastCreate
	if req.GetJobId() != "nf-run-0011223344556677" {
		t.Fatalf("job id: %s", req.GetJobId())
	}
	spec := req.GetJob().GetTaskGroups()[0].GetTaskSpec()
	if spec.GetComputeResource().GetCpuMilli() != 2000 || spec.GetComputeResource().GetMemoryMib() != 4096 {
		t.Fatalf("resources: %+v", spec.GetComputeResource())
	}
	if spec.GetMaxRunDuration().AsDuration() != 7*24*time.Hour || spec.GetMaxRetryCount() != 2 {
		t.Fatalf("limits: %v %d", spec.GetMaxRunDuration().AsDuration(), spec.GetMaxRetryCount())
	}
	env := spec.GetEnvironment().GetVariables()
	if env["WEBLOG_URL"] != "https://relay.example.com/weblog/run-0011223344556677/s3cret" {
		t.Fatalf("WEBLOG_URL: %s", env["WEBLOG_URL"])
	}
	if env["IS_RECOVERY"] != "false" || env["PIPELINE"] != "nf-core/scrnaseq" {
		t.Fatalf("env: %+v", env)
	}
	labels := req.GetJob().GetLabels()
	if labels["app"] != "arc-reactor" || labels["pipeline"] != "nf-core-scrnaseq" || labels["user-email"] != "jane-doe-lab-org" {
		t.Fatalf("labels: %+v", labels)
	}
	policy := req.GetJob().GetAllocationPolicy()
	if policy.GetServiceAccount().GetEmail() == "" {
		t.Fatalf("service account not set")
	}
	inst := policy.GetInstances()[0].GetPolicy()
	if inst.GetProvisioningModel() != batchpb.AllocationPolicy_SPOT || inst.GetMachineType() != "e2-standard-2" {
		t.Fatalf("instance policy: %+v", inst)
	}
}

func TestSubmitJobRetriesTransientThenSucceeds(t *testing.T) {
	api := &fakeJobAPI{createErrs: []error{
		status.Error(codes.Unavailable, "backend unavailable"),
		status.Error(codes.ResourceExhausted, "rate limited"),
	}}
	g := testGateway(api)
	if _, err := g.SubmitJob(context.Background(), JobRequest{RunID: "run-1"}); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if api.createCalls != 3 {
		t.Fatalf("create calls: want=3 got=%d", api.createCalls)
	}
}

func TestSubmitJobGivesUpAfterThreeAttempts(t *testing.T) {
	unavailable := status.Error(codes.Unavailable, "down")
	api := &fakeJobAPI{createErrs: []error{unavailable, unavailable, unavailable, unavailable}}
	g := testGateway(api)
	_, err := g.SubmitJob(context.Background(), JobRequest{RunID: "run-1"})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient, got %v", err)
	}
	if api.createCalls != 3 {
		t.Fatalf("create calls: want=3 got=%d", api.createCalls)
	}
}

func TestSubmitJobPermanentErrorsAreNotRetried(t *testing.T) {
	cases := []struct {
		err  error
		kind error
	}{
		{status.Error(codes.ResourceExhausted, "Quota 'CPUS' exceeded"), ErrQuotaExceeded},
		{status.Error(codes.PermissionDenied, "denied"), ErrPermissionDenied},
		{status.Error(codes.InvalidArgument, "bad"), ErrBatch},
	}
	for _, tc := range cases {
		api := &fakeJobAPI{createErrs: []error{tc.err}}
		_, err := testGateway(api).SubmitJob(context.Background(), JobRequest{RunID: "run-1"})
		if !errors.Is(err, tc.kind) {
			t.Fatalf("%v: expected %v, got %v", tc.err, tc.kind, err)
		}
		var be *Error
		if !errors.As(err, &be) || be.Op != "submit" {
			t.Fatalf("expected *Error with op submit, got %T", err)
		}
		if api.createCalls != 1 {
			t.Fatalf("%v: create calls: want=1 got=%d", tc.err, api.createCalls)
		}
	}
}

func TestGetJobStatusMapsStates(t *testing.T) {
	cases := []struct {
		state    batchpb.JobStatus_State
		want     runs.RunStatus
		terminal bool
	}{
		{batchpb.JobStatus_QUEUED, runs.StatusSubmitted, false},
		{batchpb.JobStatus_SCHEDULED, runs.StatusSubmitted, false},
		{batchpb.JobStatus_RUNNING, runs.StatusRunning, false},
		{batchpb.JobStatus_SUCCEEDED, runs.StatusCompleted, true},
		{batchpb.JobStatus_FAILED, runs.StatusFailed, true},
		{batchpb.JobStatus_DELETION_IN_PROGRESS, runs.StatusCancelled, true},
		{batchpb.JobStatus_STATE_UNSPECIFIED, runs.StatusSubmitted, false},
	}
	for _, tc := range cases {
		api := &fakeJobAPI{states: []batchpb.JobStatus_State{tc.state}}
		st, err := testGateway(api).GetJobStatus(context.Background(), "jobs/x")
		if err != nil {
			t.Fatalf("GetJobStatus(%s): %v", tc.state, err)
		}
		if st.RunStatus != tc.want || st.Terminal != tc.terminal {
			t.Fatalf("%s: got %s terminal=%v", tc.state, st.RunStatus, st.Terminal)
		}
	}
	if s, term := MapState("CANCELLED"); s != runs.StatusCancelled || !term {
		t.Fatalf("CANCELLED mapping: %s %v", s, term)
	}
}

func TestGetJobStatusNotFound(t *testing.T) {
	api := &fakeJobAPI{getErrs: []error{status.Error(codes.NotFound, "no such job")}}
	_, err := testGateway(api).GetJobStatus(context.Background(), "jobs/x")
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelJob(t *testing.T) {
	ok, err := testGateway(&fakeJobAPI{}).CancelJob(context.Background(), "jobs/x")
	if err != nil || !ok {
		t.Fatalf("cancel existing: ok=%v err=%v", ok, err)
	}
	ok, err = testGateway(&fakeJobAPI{deleteErr: status.Error(codes.NotFound, "gone")}).CancelJob(context.Background(), "jobs/x")
	if err != nil || ok {
		t.Fatalf("cancel missing: ok=%v err=%v", ok, err)
	}
	_, err = testGateway(&fakeJobAPI{deleteErr: status.Error(codes.PermissionDenied, "no")}).CancelJob(context.Background(), "jobs/x")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("cancel denied: %v", err)
	}
}

func TestPollUntilTerminal(t *testing.T) {
	api := &fakeJobAPI{states: []batchpb.JobStatus_State{batchpb.JobStatus_QUEUED, batchpb.JobStatus_RUNNING, batchpb.JobStatus_SUCCEEDED}}
	st, err := testGateway(api).PollUntilTerminal(context.Background(), "jobs/x", time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("PollUntilTerminal: %v", err)
	}
	if st.RunStatus != runs.StatusCompleted || api.getCalls != 3 {
		t.Fatalf("status=%s calls=%d", st.RunStatus, api.getCalls)
	}
}

func TestPollUntilTerminalTimesOut(t *testing.T) {
	api := &fakeJobAPI{states: []batchpb.JobStatus_State{batchpb.JobStatus_RUNNING}}
	_, err := testGateway(api).PollUntilTerminal(context.Background(), "jobs/x", 5*time.Millisecond, 30*time.Millisecond)
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("expected poll timeout, got %v", err)
	}
	if errors.Is(err, ErrBatch) {
		t.Fatalf("timeout must be distinct from other kinds")
	}
}

func TestSanitizeLabel(t *testing.T) {
	cases := map[string]string{
		"nf-core/scrnaseq":      "nf-core-scrnaseq",
		"Jane.Doe@Lab.org":      "jane-doe-lab-org",
		"__--":                  "unknown",
		"123-run":               "x123-run",
		strings.Repeat("a", 80): strings.Repeat("a", 63),
	}
	for in, want := range cases {
		if got := SanitizeLabel(in); got != want {
			t.Fatalf("SanitizeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{Project: "proj"}.withDefaults()
	if c.MaxRetryCount != 2 || c.MaxAttempts != 3 {
		t.Fatalf("retry defaults: retry_count=%d attempts=%d", c.MaxRetryCount, c.MaxAttempts)
	}
	if c.MachineType != "e2-standard-2" || c.CPUMilli != 2000 || c.MemoryMiB != 4096 {
		t.Fatalf("machine defaults: %+v", c)
	}
	if c.MaxRunDuration != 7*24*time.Hour || c.RetryBackoff != time.Second {
		t.Fatalf("duration defaults: %+v", c)
	}

	c = Config{MaxRetryCount: 5}.withDefaults()
	if c.MaxRetryCount != 5 {
		t.Fatalf("explicit retry count overwritten: %d", c.MaxRetryCount)
	}
}
