package objectstore

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned by Read and Copy when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is object storage scoped to the run bucket. Keys are bucket-relative.
type Store interface {
	Bucket() string
	Upload(ctx context.Context, key, contentType string, body io.Reader, metadata map[string]string) error
	Read(ctx context.Context, key string) ([]byte, error)
	Copy(ctx context.Context, srcKey, dstKey string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	Updated     time.Time
}

// FileInfo is a run file as exposed to API callers.
type FileInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	Updated time.Time `json:"updated_at"`
	URL     string    `json:"download_url,omitempty"`
}

type RunFiles struct {
	Inputs  []FileInfo `json:"inputs"`
	Results []FileInfo `json:"results"`
	Logs    []FileInfo `json:"logs"`
}

const (
	DirInputs  = "inputs"
	DirResults = "results"
	DirLogs    = "logs"
	DirWork    = "work"
)

// RunKey joins parts under runs/{runID}/.
func RunKey(runID string, parts ...string) string {
	b := strings.Builder{}
	b.WriteString("runs/")
	b.WriteString(runID)
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(p)
	}
	return b.String()
}

// InputKey is the key of a named input file of a run.
func InputKey(runID, filename string) string { return RunKey(runID, DirInputs, filename) }

// URI renders key as a gs:// style location in the store's bucket.
func URI(s Store, key string) string {
	return "gs://" + s.Bucket() + "/" + strings.TrimLeft(key, "/")
}

// ListRunFiles groups the objects under runs/{runID}/ by top-level directory.
// Objects directly under the run prefix or under other directories (work/)
// are left out. A zero signTTL skips URL signing.
func ListRunFiles(ctx context.Context, s Store, runID string, signTTL time.Duration) (RunFiles, error) {
	out := RunFiles{Inputs: []FileInfo{}, Results: []FileInfo{}, Logs: []FileInfo{}}
	prefix := RunKey(runID) + "/"
	for _, dir := range []string{DirInputs, DirResults, DirLogs} {
		objs, err := s.List(ctx, prefix+dir+"/")
		if err != nil {
			return RunFiles{}, err
		}
		sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })
		for _, o := range objs {
			rel := strings.TrimPrefix(o.Key, prefix)
			if rel == o.Key || strings.HasSuffix(rel, "/") {
				continue
			}
			fi := FileInfo{Name: rel, Path: URI(s, o.Key), Size: o.Size, Updated: o.Updated}
			if signTTL > 0 {
				u, err := s.SignedURL(ctx, o.Key, signTTL)
				if err != nil {
					return RunFiles{}, err
				}
				fi.URL = u
			}
			switch dir {
			case DirInputs:
				out.Inputs = append(out.Inputs, fi)
			case DirResults:
				out.Results = append(out.Results, fi)
			case DirLogs:
				out.Logs = append(out.Logs, fi)
			}
		}
	}
	return out, nil
}
