package gcp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/yungbote/arc-reactor/internal/platform/objectstore"
)

func TestResolvePublicBaseURL(t *testing.T) {
	cases := []struct {
		name       string
		env        string
		cfg        objectstore.Config
		wantURL    string
		wantSource string
		wantErr    bool
	}{
		{
			name:       "gcs default",
			cfg:        objectstore.Config{Mode: objectstore.ModeGCS},
			wantSource: "gcs_default",
		},
		{
			name:       "emulator fallback",
			cfg:        objectstore.Config{Mode: objectstore.ModeGCSEmulator, EmulatorHost: "http://fake-gcs:4443"},
			wantURL:    "http://fake-gcs:4443",
			wantSource: "storage_emulator_host",
		},
		{
			name:       "env override",
			env:        "http://localhost:4443/",
			cfg:        objectstore.Config{Mode: objectstore.ModeGCSEmulator, EmulatorHost: "http://fake-gcs:4443"},
			wantURL:    "http://localhost:4443",
			wantSource: "object_storage_public_base_url",
		},
		{
			name:    "invalid env",
			env:     "localhost:4443",
			cfg:     objectstore.Config{Mode: objectstore.ModeGCS},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("OBJECT_STORAGE_PUBLIC_BASE_URL", tc.env)
			got, source, err := resolvePublicBaseURL(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("resolvePublicBaseURL: %v", err)
			}
			if got != tc.wantURL || source != tc.wantSource {
				t.Fatalf("got (%q, %q), want (%q, %q)", got, source, tc.wantURL, tc.wantSource)
			}
		})
	}
}

func TestEmulatorReadAndSignedURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") != "media" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if strings.HasSuffix(r.URL.EscapedPath(), "/o/"+strings.ReplaceAll("runs/run-1/inputs/samplesheet.csv", "/", "%2F")) {
			_, _ = w.Write([]byte("sample,fastq_1\n"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	s := &RunFileStore{
		bucket:       "arc-runs",
		mode:         objectstore.ModeGCSEmulator,
		emulatorHost: srv.URL,
		httpClient:   srv.Client(),
	}

	data, err := s.Read(context.Background(), "runs/run-1/inputs/samplesheet.csv")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "sample,fastq_1\n" {
		t.Fatalf("unexpected body %q", data)
	}
	if _, err := s.Read(context.Background(), "runs/run-1/inputs/missing.csv"); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	u, err := s.SignedURL(context.Background(), "runs/run-1/logs/nextflow.log", time.Hour)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	want := srv.URL + "/storage/v1/b/arc-runs/o/runs%2Frun-1%2Flogs%2Fnextflow.log?alt=media"
	if u != want {
		t.Fatalf("SignedURL: got %s want %s", u, want)
	}
}

func TestContentTypeForKey(t *testing.T) {
	cases := map[string]string{
		"runs/r/inputs/samplesheet.csv": "text/csv",
		"runs/r/inputs/params.yaml":     "application/x-yaml",
		"runs/r/inputs/nextflow.config": "text/plain",
		"runs/r/results/report.html":    "text/html",
		"runs/r/results/data.bam":       "application/octet-stream",
	}
	for key, want := range cases {
		if got := contentTypeForKey(key); got != want {
			t.Errorf("%s: got %s want %s", key, got, want)
		}
	}
}
