package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/yungbote/arc-reactor/internal/data/repos/testutil"
	domainagg "github.com/yungbote/arc-reactor/internal/domain/aggregates"
	types "github.com/yungbote/arc-reactor/internal/domain/runs"
	"github.com/yungbote/arc-reactor/internal/platform/batch"
	"github.com/yungbote/arc-reactor/internal/platform/objectstore"
)

const testSamplesheet = "sample,fastq_1,fastq_2\ns1,gs://b/s1_R1.fq.gz,gs://b/s1_R2.fq.gz\ns2,gs://b/s2_R1.fq.gz,gs://b/s2_R2.fq.gz\n"

const testConfig = `// generated
params {
  genome = 'GRCh38'
  protocol = "10XV3"
  expected_cells = 5000
}
`

type submissionFixture struct {
	h     *harness
	gw    *fakeGateway
	files *objectstore.MemoryStore
	svc   SubmissionService
}

func newSubmissionFixture(t *testing.T) *submissionFixture {
	t.Helper()
	h := newHarness(t)
	catalog, err := ParseCatalog(embeddedCatalog)
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	f := &submissionFixture{h: h, gw: newFakeGateway(), files: objectstore.NewMemoryStore("arc-test")}
	f.svc = NewSubmissionService(SubmissionDeps{
		Log:     testutil.Logger(t),
		Runs:    h.runs,
		Catalog: catalog,
		Files:   f.files,
		Batch:   f.gw,
		Metrics: h.metrics,
	})
	return f
}

func (f *submissionFixture) read(t *testing.T, runID, name string) string {
	t.Helper()
	b, err := f.files.Read(context.Background(), objectstore.InputKey(runID, name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(b)
}

func TestSubmitRun_UploadsAndSubmits(t *testing.T) {
	f := newSubmissionFixture(t)
	run, err := f.svc.SubmitRun(context.Background(), Submission{
		Owner:          "a@x.com",
		Pipeline:       "nf-core/scrnaseq",
		SamplesheetCSV: testSamplesheet,
		ConfigContent:  testConfig,
	})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}
	if run.Status != types.StatusSubmitted || run.PipelineVersion != "2.7.1" || run.SampleCount != 2 {
		t.Fatalf("submitted run: status=%s version=%s samples=%d", run.Status, run.PipelineVersion, run.SampleCount)
	}
	if run.BatchJobName == nil || !strings.HasSuffix(*run.BatchJobName, "nf-"+run.RunID) {
		t.Fatalf("batch job name = %v", run.BatchJobName)
	}
	if params := run.ParamsMap(); params["genome"] != "GRCh38" || params["expected_cells"] != float64(5000) {
		t.Fatalf("params extracted from config: %v", params)
	}

	if got := f.read(t, run.RunID, SamplesheetFile); got != testSamplesheet {
		t.Fatalf("samplesheet = %q", got)
	}
	if got := f.read(t, run.RunID, ConfigFile); got != testConfig {
		t.Fatalf("config = %q", got)
	}
	if got := f.read(t, run.RunID, ParamsFile); !strings.Contains(got, `genome: "GRCh38"`) || !strings.Contains(got, "expected_cells: 5000") {
		t.Fatalf("params.yaml = %q", got)
	}
	meta, _ := f.files.Metadata(objectstore.InputKey(run.RunID, SamplesheetFile))
	if meta["run-id"] != run.RunID || meta["user-email"] != "a@x.com" || meta["upload-type"] != "samplesheet" {
		t.Fatalf("object metadata = %v", meta)
	}

	if len(f.gw.submitted) != 1 {
		t.Fatalf("expected one job, got %d", len(f.gw.submitted))
	}
	req := f.gw.submitted[0]
	if req.ConfigPath != "gs://arc-test/runs/"+run.RunID+"/inputs/nextflow.config" || req.WorkDir != run.WorkDir() || req.IsRecovery {
		t.Fatalf("job request = %+v", req)
	}
	if !types.SecretMatches(req.WebhookSecret, run.WeblogSecretHash) {
		t.Fatalf("job carries a secret that does not match the run")
	}
}

func TestSubmitRun_RejectsBadInput(t *testing.T) {
	f := newSubmissionFixture(t)
	cases := map[string]Submission{
		"unknown pipeline": {Owner: "a@x.com", Pipeline: "nf-core/nope", SamplesheetCSV: testSamplesheet, ConfigContent: testConfig},
		"bad version":      {Owner: "a@x.com", Pipeline: "nf-core/scrnaseq", Version: "9.9.9", SamplesheetCSV: testSamplesheet, ConfigContent: testConfig},
		"header only":      {Owner: "a@x.com", Pipeline: "nf-core/scrnaseq", SamplesheetCSV: "sample,fastq_1,fastq_2\n", ConfigContent: testConfig},
		"missing param":    {Owner: "a@x.com", Pipeline: "nf-core/scrnaseq", SamplesheetCSV: testSamplesheet, Params: map[string]any{"genome": "GRCh38"}},
	}
	for name, sub := range cases {
		if _, err := f.svc.SubmitRun(context.Background(), sub); !domainagg.IsCode(err, domainagg.CodeValidation) {
			t.Errorf("%s: expected validation error, got %v", name, err)
		}
	}
	if len(f.gw.submitted) != 0 {
		t.Fatalf("rejected submissions reached the backend")
	}
}

func TestSubmitRun_BackendFailureRollsForward(t *testing.T) {
	f := newSubmissionFixture(t)
	f.gw.submitErr = &batch.Error{Kind: batch.ErrQuotaExceeded, Op: "submit", Err: errors.New("CPUS quota")}
	owner := types.NewRunID() + "@x.com"

	_, err := f.svc.SubmitRun(context.Background(), Submission{
		Owner:          owner,
		Pipeline:       "nf-core/scrnaseq",
		SamplesheetCSV: testSamplesheet,
		Params:         map[string]any{"genome": "GRCm39", "protocol": "10XV2"},
	})
	if !errors.Is(err, batch.ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}

	page, lerr := f.h.runs.ListRuns(context.Background(), types.RunFilter{UserEmail: owner}, 1, 10)
	if lerr != nil || len(page.Runs) == 0 {
		t.Fatalf("ListRuns: %+v err=%v", page, lerr)
	}
	run := page.Runs[0]
	if run.Status != types.StatusFailed || run.ErrorMessage == nil || !strings.HasPrefix(*run.ErrorMessage, "Submission failed: ") {
		t.Fatalf("run after failed submit: status=%s err=%v", run.Status, run.ErrorMessage)
	}
	if got := f.read(t, run.RunID, ConfigFile); !strings.Contains(got, `genome = "GRCm39"`) {
		t.Fatalf("rendered config = %q", got)
	}
}

func TestCancelRun(t *testing.T) {
	f := newSubmissionFixture(t)
	run := f.h.createRun(t)
	f.h.submit(t, run.RunID, "job-cancel")

	got, err := f.svc.CancelRun(context.Background(), run.RunID)
	if err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	if got.Status != types.StatusCancelled || got.CancelledAt == nil {
		t.Fatalf("cancelled run: %+v", got)
	}
	if len(f.gw.cancelled) != 1 || f.gw.cancelled[0] != "job-cancel" {
		t.Fatalf("cancel calls = %v", f.gw.cancelled)
	}
	if _, err := f.svc.CancelRun(context.Background(), run.RunID); !domainagg.IsCode(err, domainagg.CodeValidation) {
		t.Fatalf("cancelling a terminal run: %v", err)
	}
}

func TestRecoverRun(t *testing.T) {
	f := newSubmissionFixture(t)
	ctx := context.Background()
	parent, err := f.svc.SubmitRun(ctx, Submission{
		Owner:          "a@x.com",
		Pipeline:       "nf-core/scrnaseq",
		SamplesheetCSV: testSamplesheet,
		ConfigContent:  testConfig,
	})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}

	if _, err := f.svc.RecoverRun(ctx, RecoveryRequest{ParentRunID: parent.RunID, Owner: "a@x.com"}); !domainagg.IsCode(err, domainagg.CodeValidation) {
		t.Fatalf("recovering a live run should be rejected, got %v", err)
	}

	msg := "out of memory"
	if _, err := f.h.runs.UpdateRunStatus(ctx, parent.RunID, StatusUpdate{Status: types.StatusFailed, ErrorMessage: &msg}); err != nil {
		t.Fatalf("fail parent: %v", err)
	}
	child, err := f.svc.RecoverRun(ctx, RecoveryRequest{
		ParentRunID:    parent.RunID,
		Owner:          "a@x.com",
		Notes:          "more memory",
		ReuseWorkDir:   true,
		OverrideParams: map[string]any{"genome": "GRCh38", "protocol": "10XV4"},
	})
	if err != nil {
		t.Fatalf("RecoverRun: %v", err)
	}
	if child.Status != types.StatusSubmitted || !child.IsRecovery || child.ParentRunID == nil || *child.ParentRunID != parent.RunID {
		t.Fatalf("recovery run: %+v", child)
	}
	if got := f.read(t, child.RunID, SamplesheetFile); got != testSamplesheet {
		t.Fatalf("samplesheet not copied: %q", got)
	}
	if got := f.read(t, child.RunID, ParamsFile); !strings.Contains(got, `protocol: "10XV4"`) {
		t.Fatalf("override params not written: %q", got)
	}
	req := f.gw.submitted[len(f.gw.submitted)-1]
	if !req.IsRecovery || req.WorkDir != parent.WorkDir() {
		t.Fatalf("recovery job request = %+v", req)
	}
}
