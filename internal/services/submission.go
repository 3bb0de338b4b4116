package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	types "github.com/yungbote/arc-reactor/internal/domain/runs"
	"github.com/yungbote/arc-reactor/internal/observability"
	"github.com/yungbote/arc-reactor/internal/platform/batch"
	"github.com/yungbote/arc-reactor/internal/platform/logger"
	"github.com/yungbote/arc-reactor/internal/platform/objectstore"
)

// Input object names under runs/{id}/inputs/.
const (
	SamplesheetFile = "samplesheet.csv"
	ConfigFile      = "nextflow.config"
	ParamsFile      = "params.yaml"
)

type Submission struct {
	Owner          string
	OwnerName      string
	Pipeline       string
	Version        string
	SamplesheetCSV string
	ConfigContent  string
	Params         map[string]any
	SourceNGSRuns  []string
	SourceProject  string
}

type RecoveryRequest struct {
	ParentRunID    string
	Owner          string
	OwnerName      string
	Notes          string
	OverrideParams map[string]any
	ReuseWorkDir   bool
}

type SubmissionService interface {
	SubmitRun(ctx context.Context, sub Submission) (*types.Run, error)
	CancelRun(ctx context.Context, runID string) (*types.Run, error)
	RecoverRun(ctx context.Context, req RecoveryRequest) (*types.Run, error)
}

type SubmissionDeps struct {
	Log     *logger.Logger
	Runs    RunStore
	Catalog *Catalog
	Files   objectstore.Store
	Batch   batch.Gateway
	Metrics *observability.Metrics
}

type submissionService struct {
	log     *logger.Logger
	runs    RunStore
	catalog *Catalog
	files   objectstore.Store
	batch   batch.Gateway
	metrics *observability.Metrics
}

func NewSubmissionService(deps SubmissionDeps) SubmissionService {
	return &submissionService{
		log:     deps.Log.With("service", "SubmissionService"),
		runs:    deps.Runs,
		catalog: deps.Catalog,
		files:   deps.Files,
		batch:   deps.Batch,
		metrics: deps.Metrics,
	}
}

func (s *submissionService) SubmitRun(ctx context.Context, sub Submission) (*types.Run, error) {
	const op = "submission.submit"
	version, err := s.catalog.ResolveVersion(sub.Pipeline, sub.Version)
	if err != nil {
		s.metrics.IncSubmission(sub.Pipeline, "rejected")
		return nil, err
	}
	samples := CountSamples(sub.SamplesheetCSV)
	if samples <= 0 {
		s.metrics.IncSubmission(sub.Pipeline, "rejected")
		return nil, validationErr(op, "samplesheet must contain a header and at least one sample")
	}
	params := sub.Params
	if params == nil {
		params = ExtractConfigParams(sub.ConfigContent)
	}
	if err := s.catalog.Validate(sub.Pipeline, version, params); err != nil {
		s.metrics.IncSubmission(sub.Pipeline, "rejected")
		return nil, err
	}
	config := sub.ConfigContent
	if strings.TrimSpace(config) == "" {
		config = RenderConfig(params)
	}

	run, secret, err := s.runs.CreateRun(ctx, CreateRunInput{
		Pipeline:        sub.Pipeline,
		PipelineVersion: version,
		UserEmail:       sub.Owner,
		UserName:        sub.OwnerName,
		Params:          params,
		SampleCount:     samples,
		SourceNGSRuns:   sub.SourceNGSRuns,
		SourceProject:   sub.SourceProject,
	})
	if err != nil {
		s.metrics.IncSubmission(sub.Pipeline, "error")
		return nil, err
	}

	err = s.uploadInputs(ctx, run, map[string]string{
		SamplesheetFile: sub.SamplesheetCSV,
		ConfigFile:      config,
	}, params)
	if err == nil {
		err = s.submit(ctx, run, secret, run.WorkDir())
	}
	if err != nil {
		return nil, s.fail(ctx, run, err)
	}
	s.metrics.IncSubmission(run.Pipeline, "submitted")
	return s.runs.GetRun(ctx, run.RunID)
}

// uploadInputs writes the given text inputs and the rendered params.yaml in
// parallel.
func (s *submissionService) uploadInputs(ctx context.Context, run *types.Run, texts map[string]string, params map[string]any) error {
	paramsYAML, err := RenderParamsYAML(params)
	if err != nil {
		return err
	}
	all := map[string]string{ParamsFile: paramsYAML}
	for name, body := range texts {
		all[name] = body
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, body := range all {
		name, body := name, body
		g.Go(func() error {
			key := objectstore.InputKey(run.RunID, name)
			meta := map[string]string{
				"run-id":      run.RunID,
				"user-email":  run.UserEmail,
				"pipeline":    run.Pipeline,
				"upload-type": strings.TrimSuffix(name, "."+fileExt(name)),
				"created-at":  run.CreatedAt.UTC().Format(time.RFC3339),
			}
			if err := s.files.Upload(gctx, key, "", strings.NewReader(body), meta); err != nil {
				return fmt.Errorf("upload %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func fileExt(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return ""
}

func (s *submissionService) submit(ctx context.Context, run *types.Run, secret, workDir string) error {
	jobName, err := s.batch.SubmitJob(ctx, batch.JobRequest{
		RunID:         run.RunID,
		Pipeline:      run.Pipeline,
		Version:       run.PipelineVersion,
		ConfigPath:    objectstore.URI(s.files, objectstore.InputKey(run.RunID, ConfigFile)),
		ParamsPath:    objectstore.URI(s.files, objectstore.InputKey(run.RunID, ParamsFile)),
		WorkDir:       workDir,
		IsRecovery:    run.IsRecovery,
		WebhookSecret: secret,
		UserEmail:     run.UserEmail,
	})
	if err != nil {
		return err
	}
	_, err = s.runs.UpdateRunStatus(ctx, run.RunID, StatusUpdate{
		Status:       types.StatusSubmitted,
		BatchJobName: &jobName,
	})
	if err != nil {
		return err
	}
	s.log.Info("Run submitted", "run_id", run.RunID, "job", jobName, "recovery", run.IsRecovery)
	return nil
}

// fail rolls a created run forward to FAILED and returns the original error.
func (s *submissionService) fail(ctx context.Context, run *types.Run, cause error) error {
	s.metrics.IncSubmission(run.Pipeline, "failed")
	msg := "Submission failed: " + cause.Error()
	if _, err := s.runs.UpdateRunStatus(context.WithoutCancel(ctx), run.RunID, StatusUpdate{
		Status:       types.StatusFailed,
		ErrorMessage: &msg,
	}); err != nil {
		s.log.Error("Could not mark run failed after submission error", "run_id", run.RunID, "error", err)
	}
	s.log.Error("Run submission failed", "run_id", run.RunID, "error", cause)
	return fmt.Errorf("submit run %s: %w", run.RunID, cause)
}

func (s *submissionService) CancelRun(ctx context.Context, runID string) (*types.Run, error) {
	const op = "submission.cancel"
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.IsTerminal() {
		return nil, validationErr(op, fmt.Sprintf("run %s is already %s", run.RunID, run.Status))
	}
	if run.BatchJobName != nil && *run.BatchJobName != "" {
		deleted, err := s.batch.CancelJob(ctx, *run.BatchJobName)
		if err != nil {
			return nil, err
		}
		if !deleted {
			s.log.Warn("Batch job already gone on cancel", "run_id", run.RunID, "job", *run.BatchJobName)
		}
	}
	if _, err := s.runs.UpdateRunStatus(ctx, run.RunID, StatusUpdate{Status: types.StatusCancelled}); err != nil {
		return nil, err
	}
	s.log.Info("Run cancelled", "run_id", run.RunID)
	return s.runs.GetRun(ctx, run.RunID)
}

func (s *submissionService) RecoverRun(ctx context.Context, req RecoveryRequest) (*types.Run, error) {
	const op = "submission.recover"
	parent, err := s.runs.GetRun(ctx, req.ParentRunID)
	if err != nil {
		return nil, err
	}
	if parent.Status != types.StatusFailed && parent.Status != types.StatusCancelled {
		return nil, validationErr(op, fmt.Sprintf("only failed or cancelled runs can be recovered (run %s is %s)", parent.RunID, parent.Status))
	}
	params := parent.ParamsMap()
	if req.OverrideParams != nil {
		params = req.OverrideParams
		if err := s.catalog.Validate(parent.Pipeline, parent.PipelineVersion, params); err != nil {
			return nil, err
		}
	}

	run, secret, err := s.runs.CreateRecoveryRun(ctx, RecoveryInput{
		ParentRunID:    parent.RunID,
		UserEmail:      req.Owner,
		UserName:       req.OwnerName,
		Notes:          req.Notes,
		OverrideParams: req.OverrideParams,
		ReuseWorkDir:   req.ReuseWorkDir,
	})
	if err != nil {
		return nil, err
	}

	workDir := run.WorkDir()
	if run.ReusedWorkDir != nil {
		workDir = *run.ReusedWorkDir
	}
	err = s.copyParentInputs(ctx, parent.RunID, run.RunID)
	if err == nil {
		err = s.uploadInputs(ctx, run, nil, params)
	}
	if err == nil {
		err = s.submit(ctx, run, secret, workDir)
	}
	if err != nil {
		return nil, s.fail(ctx, run, err)
	}
	s.metrics.IncSubmission(run.Pipeline, "recovered")
	return s.runs.GetRun(ctx, run.RunID)
}

func (s *submissionService) copyParentInputs(ctx context.Context, parentID, runID string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range []string{SamplesheetFile, ConfigFile} {
		name := name
		g.Go(func() error {
			if err := s.files.Copy(gctx, objectstore.InputKey(parentID, name), objectstore.InputKey(runID, name)); err != nil {
				return fmt.Errorf("copy %s from %s: %w", name, parentID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RenderConfig builds a minimal engine config holding only a params block.
func RenderConfig(params map[string]any) string {
	var b strings.Builder
	b.WriteString("params {\n")
	for _, k := range sortedKeys(params) {
		fmt.Fprintf(&b, "  %s = %s\n", k, configLiteral(params[k]))
	}
	b.WriteString("}\n")
	return b.String()
}

func configLiteral(v any) string {
	switch t := v.(type) {
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int, int32, int64, float32, float64:
		return fmt.Sprint(t)
	default:
		return fmt.Sprintf("%q", fmt.Sprint(t))
	}
}
