package batch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	batchapi "cloud.google.com/go/batch/apiv1"
	"cloud.google.com/go/batch/apiv1/batchpb"
	"github.com/cenkalti/backoff/v5"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/yungbote/arc-reactor/internal/domain/runs"
	"github.com/yungbote/arc-reactor/internal/observability"
	"github.com/yungbote/arc-reactor/internal/platform/logger"
)

// JobRequest describes one pipeline run to execute.
type JobRequest struct {
	RunID         string
	Pipeline      string
	Version       string
	ConfigPath    string
	ParamsPath    string
	WorkDir       string
	IsRecovery    bool
	WebhookSecret string
	UserEmail     string
}

type StatusEvent struct {
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Time        time.Time `json:"time"`
}

// JobStatus is the backend's view of a job mapped onto run statuses.
type JobStatus struct {
	Name         string         `json:"name"`
	NativeState  string         `json:"native_state"`
	RunStatus    runs.RunStatus `json:"run_status"`
	Terminal     bool           `json:"terminal"`
	StatusEvents []StatusEvent  `json:"status_events,omitempty"`
}

type Gateway interface {
	SubmitJob(ctx context.Context, req JobRequest) (string, error)
	GetJobStatus(ctx context.Context, jobName string) (*JobStatus, error)
	CancelJob(ctx context.Context, jobName string) (bool, error)
	PollUntilTerminal(ctx context.Context, jobName string, interval, timeout time.Duration) (*JobStatus, error)
}

// jobAPI is the subset of the Batch client the gateway uses.
type jobAPI interface {
	CreateJob(ctx context.Context, req *batchpb.CreateJobRequest) (*batchpb.Job, error)
	GetJob(ctx context.Context, req *batchpb.GetJobRequest) (*batchpb.Job, error)
	DeleteJob(ctx context.Context, req *batchpb.DeleteJobRequest) error
	Close() error
}

type clientAdapter struct {
	c *batchapi.Client
}

func (a clientAdapter) CreateJob(ctx context.Context, req *batchpb.CreateJobRequest) (*batchpb.Job, error) {
	return a.c.CreateJob(ctx, req)
}

func (a clientAdapter) GetJob(ctx context.Context, req *batchpb.GetJobRequest) (*batchpb.Job, error) {
	return a.c.GetJob(ctx, req)
}

// DeleteJob starts the long-running delete and does not wait for it.
func (a clientAdapter) DeleteJob(ctx context.Context, req *batchpb.DeleteJobRequest) error {
	_, err := a.c.DeleteJob(ctx, req)
	return err
}

func (a clientAdapter) Close() error { return a.c.Close() }

type GCPGateway struct {
	api     jobAPI
	cfg     Config
	log     *logger.Logger
	metrics *observability.Metrics
}

func NewGateway(ctx context.Context, log *logger.Logger, cfg Config, metrics *observability.Metrics, opts ...option.ClientOption) (*GCPGateway, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("batch gateway: GCP_PROJECT is required")
	}
	c, err := batchapi.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("batch gateway: init client: %w", err)
	}
	return newGateway(clientAdapter{c: c}, cfg, log, metrics), nil
}

func newGateway(api jobAPI, cfg Config, log *logger.Logger, metrics *observability.Metrics) *GCPGateway {
	if log == nil {
		log = logger.Nop()
	}
	return &GCPGateway{
		api:     api,
		cfg:     cfg.withDefaults(),
		log:     log.With("service", "BatchGateway"),
		metrics: metrics,
	}
}

func (g *GCPGateway) Close() error {
	if g == nil || g.api == nil {
		return nil
	}
	return g.api.Close()
}

func (g *GCPGateway) parent() string {
	return fmt.Sprintf("projects/%s/locations/%s", g.cfg.Project, g.cfg.Region)
}

// JobID is the Batch job id used for a run.
func JobID(runID string) string {
	return "nf-" + runID
}

func (g *GCPGateway) SubmitJob(ctx context.Context, req JobRequest) (string, error) {
	if strings.TrimSpace(req.RunID) == "" {
		return "", &Error{Kind: ErrBatch, Op: "submit", Err: errors.New("run id is required")}
	}
	jobID := JobID(req.RunID)
	job := g.buildJob(req)
	return withRetry(ctx, g, "submit", func(ctx context.Context) (string, error) {
		created, err := g.api.CreateJob(ctx, &batchpb.CreateJobRequest{
			Parent: g.parent(),
			JobId:  jobID,
			Job:    job,
		})
		if status.Code(err) == codes.AlreadyExists {
			// An earlier attempt reached the backend before failing locally.
			existing, getErr := g.api.GetJob(ctx, &batchpb.GetJobRequest{Name: g.parent() + "/jobs/" + jobID})
			if getErr != nil {
				return "", getErr
			}
			created, err = existing, nil
		}
		if err != nil {
			return "", err
		}
		name := created.GetName()
		if name == "" {
			name = g.parent() + "/jobs/" + jobID
		}
		g.log.Info("batch job submitted", "run_id", req.RunID, "job_name", name, "recovery", req.IsRecovery)
		return name, nil
	})
}

func (g *GCPGateway) buildJob(req JobRequest) *batchpb.Job {
	env := map[string]string{
		"RUN_ID":           req.RunID,
		"PIPELINE":         req.Pipeline,
		"PIPELINE_VERSION": req.Version,
		"CONFIG_GCS_PATH":  req.ConfigPath,
		"PARAMS_GCS_PATH":  req.ParamsPath,
		"WORK_DIR":         req.WorkDir,
		"IS_RECOVERY":      strconv.FormatBool(req.IsRecovery),
		"WEBLOG_URL":       WebhookURL(g.cfg.ReceiverURL, req.RunID, req.WebhookSecret),
		"WEBLOG_SECRET":    req.WebhookSecret,
	}

	alloc := &batchpb.AllocationPolicy{
		Instances: []*batchpb.AllocationPolicy_InstancePolicyOrTemplate{{
			PolicyTemplate: &batchpb.AllocationPolicy_InstancePolicyOrTemplate_Policy{
				Policy: &batchpb.AllocationPolicy_InstancePolicy{
					MachineType:       g.cfg.MachineType,
					ProvisioningModel: batchpb.AllocationPolicy_SPOT,
				},
			},
		}},
	}
	if sa := strings.TrimSpace(g.cfg.ServiceAccount); sa != "" {
		alloc.ServiceAccount = &batchpb.ServiceAccount{Email: sa}
	}

	return &batchpb.Job{
		TaskGroups: []*batchpb.TaskGroup{{
			TaskCount: 1,
			TaskSpec: &batchpb.TaskSpec{
				Runnables: []*batchpb.Runnable{{
					Executable: &batchpb.Runnable_Container_{
						Container: &batchpb.Runnable_Container{ImageUri: g.cfg.OrchestratorImage},
					},
				}},
				ComputeResource: &batchpb.ComputeResource{
					CpuMilli:  g.cfg.CPUMilli,
					MemoryMib: g.cfg.MemoryMiB,
				},
				MaxRunDuration: durationpb.New(g.cfg.MaxRunDuration),
				MaxRetryCount:  g.cfg.MaxRetryCount,
				Environment:    &batchpb.Environment{Variables: env},
			},
		}},
		AllocationPolicy: alloc,
		Labels:           jobLabels(req),
		LogsPolicy:       &batchpb.LogsPolicy{Destination: batchpb.LogsPolicy_CLOUD_LOGGING},
	}
}

// WebhookURL is the callback the engine posts events to.
func WebhookURL(receiverURL, runID, secret string) string {
	return strings.TrimRight(receiverURL, "/") + "/weblog/" + runID + "/" + secret
}

func (g *GCPGateway) GetJobStatus(ctx context.Context, jobName string) (*JobStatus, error) {
	return withRetry(ctx, g, "get", func(ctx context.Context) (*JobStatus, error) {
		job, err := g.api.GetJob(ctx, &batchpb.GetJobRequest{Name: jobName})
		if err != nil {
			return nil, err
		}
		return toJobStatus(job), nil
	})
}

func toJobStatus(job *batchpb.Job) *JobStatus {
	native := job.GetStatus().GetState().String()
	runStatus, terminal := MapState(native)
	out := &JobStatus{
		Name:        job.GetName(),
		NativeState: native,
		RunStatus:   runStatus,
		Terminal:    terminal,
	}
	for _, ev := range job.GetStatus().GetStatusEvents() {
		se := StatusEvent{Type: ev.GetType(), Description: ev.GetDescription()}
		if ts := ev.GetEventTime(); ts != nil {
			se.Time = ts.AsTime()
		}
		out.StatusEvents = append(out.StatusEvents, se)
	}
	return out
}

// MapState maps a Batch job state name onto a run status. Unknown states
// count as SUBMITTED and not terminal.
func MapState(native string) (runs.RunStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(native)) {
	case "QUEUED", "SCHEDULED":
		return runs.StatusSubmitted, false
	case "RUNNING":
		return runs.StatusRunning, false
	case "SUCCEEDED":
		return runs.StatusCompleted, true
	case "FAILED":
		return runs.StatusFailed, true
	case "CANCELLED", "DELETION_IN_PROGRESS":
		return runs.StatusCancelled, true
	default:
		return runs.StatusSubmitted, false
	}
}

// CancelJob deletes the job. A job that no longer exists yields false, nil.
func (g *GCPGateway) CancelJob(ctx context.Context, jobName string) (bool, error) {
	ok, err := withRetry(ctx, g, "cancel", func(ctx context.Context) (bool, error) {
		err := g.api.DeleteJob(ctx, &batchpb.DeleteJobRequest{
			Name:   jobName,
			Reason: "cancelled by user",
		})
		if err != nil {
			return false, err
		}
		return true, nil
	})
	if errors.Is(err, ErrJobNotFound) {
		g.log.Info("batch job already gone", "job_name", jobName)
		return false, nil
	}
	return ok, err
}

// PollUntilTerminal re-reads the job every interval until it reaches a
// terminal state. Hitting timeout returns ErrPollTimeout.
func (g *GCPGateway) PollUntilTerminal(ctx context.Context, jobName string, interval, timeout time.Duration) (*JobStatus, error) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	pollCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		pollCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := g.GetJobStatus(pollCtx, jobName)
		if err == nil && st.Terminal {
			return st, nil
		}
		if err != nil && !IsRetryable(err) && pollCtx.Err() == nil {
			return nil, err
		}
		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &Error{Kind: ErrPollTimeout, Op: "poll", Err: fmt.Errorf("job %s not terminal after %s", jobName, timeout)}
		case <-ticker.C:
		}
	}
}

func withRetry[T any](ctx context.Context, g *GCPGateway, op string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.RetryBackoff
	b.Multiplier = 2

	attempt := 0
	out, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		cerr := classify(op, err)
		if !IsRetryable(cerr) {
			return v, backoff.Permanent(cerr)
		}
		g.log.Warn("batch call failed; retrying", "op", op, "attempt", attempt, "error", err)
		return v, cerr
	}, backoff.WithBackOff(b), backoff.WithMaxTries(g.cfg.MaxAttempts))
	if err != nil {
		err = classify(op, err)
	}
	g.metrics.ObserveBatchCall(op, outcomeLabel(err), time.Since(start))
	return out, err
}
