package objectstore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func put(t *testing.T, s Store, key, body string) {
	t.Helper()
	if err := s.Upload(context.Background(), key, "text/plain", strings.NewReader(body), nil); err != nil {
		t.Fatalf("Upload %s: %v", key, err)
	}
}

func TestListRunFilesGroupsByDirectory(t *testing.T) {
	s := NewMemoryStore("arc-runs")
	put(t, s, InputKey("run-1", "samplesheet.csv"), "sample,fastq_1\n")
	put(t, s, InputKey("run-1", "nextflow.config"), "params {}")
	put(t, s, RunKey("run-1", DirResults, "multiqc/report.html"), "<html/>")
	put(t, s, RunKey("run-1", DirLogs, "nextflow.log"), "log")
	put(t, s, RunKey("run-1", DirWork, "ab/cdef/.command.sh"), "#!/bin/bash")
	put(t, s, RunKey("run-1", "stray.txt"), "x")
	put(t, s, InputKey("run-10", "samplesheet.csv"), "other run")

	files, err := ListRunFiles(context.Background(), s, "run-1", time.Hour)
	if err != nil {
		t.Fatalf("ListRunFiles: %v", err)
	}
	if len(files.Inputs) != 2 || len(files.Results) != 1 || len(files.Logs) != 1 {
		t.Fatalf("unexpected grouping: inputs=%d results=%d logs=%d", len(files.Inputs), len(files.Results), len(files.Logs))
	}
	if files.Inputs[0].Name != "inputs/nextflow.config" {
		t.Fatalf("inputs should be sorted by key, got %s", files.Inputs[0].Name)
	}
	if files.Results[0].Path != "gs://arc-runs/runs/run-1/results/multiqc/report.html" {
		t.Fatalf("path: %s", files.Results[0].Path)
	}
	if files.Logs[0].URL == "" {
		t.Fatalf("expected signed url")
	}

	unsigned, err := ListRunFiles(context.Background(), s, "run-1", 0)
	if err != nil {
		t.Fatalf("ListRunFiles unsigned: %v", err)
	}
	if unsigned.Logs[0].URL != "" {
		t.Fatalf("expected no url without ttl")
	}
}

func TestListRunFilesEmptyRun(t *testing.T) {
	files, err := ListRunFiles(context.Background(), NewMemoryStore("b"), "run-none", time.Hour)
	if err != nil {
		t.Fatalf("ListRunFiles: %v", err)
	}
	if files.Inputs == nil || files.Results == nil || files.Logs == nil {
		t.Fatalf("groups should be empty slices, not nil")
	}
}

func TestMemoryStoreCopyAndNotFound(t *testing.T) {
	s := NewMemoryStore("b")
	ctx := context.Background()
	if _, err := s.Read(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Copy(ctx, "missing", "dst"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on copy, got %v", err)
	}
	if err := s.Upload(ctx, "src", "text/csv", strings.NewReader("a,b"), map[string]string{"run-id": "run-1"}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := s.Copy(ctx, "src", "dst"); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	data, err := s.Read(ctx, "dst")
	if err != nil || string(data) != "a,b" {
		t.Fatalf("Read copy: %q %v", data, err)
	}
	md, ok := s.Metadata("dst")
	if !ok || md["run-id"] != "run-1" {
		t.Fatalf("metadata not carried: %v", md)
	}
}

func TestRunKey(t *testing.T) {
	if got := RunKey("run-1", "/inputs/", "", "a.csv"); got != "runs/run-1/inputs/a.csv" {
		t.Fatalf("RunKey: %s", got)
	}
	if got := RunKey("run-1"); got != "runs/run-1" {
		t.Fatalf("RunKey bare: %s", got)
	}
}
