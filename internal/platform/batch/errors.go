package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error kinds. errors.Is(err, ErrTransient) etc. match any *Error of that kind.
var (
	ErrBatch            = errors.New("batch api error")
	ErrTransient        = errors.New("batch transient error")
	ErrQuotaExceeded    = errors.New("batch quota exceeded")
	ErrPermissionDenied = errors.New("batch permission denied")
	ErrJobNotFound      = errors.New("batch job not found")
	ErrPollTimeout      = errors.New("batch poll timed out")
)

// Error is a classified Batch API failure.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("batch %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("batch %s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind }

// classify maps a gRPC failure onto an error kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}
	kind := ErrBatch
	if s, ok := status.FromError(err); ok {
		kind = kindForStatus(s.Code(), s.Message())
	} else if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrTransient
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func kindForStatus(code codes.Code, msg string) error {
	switch code {
	case codes.NotFound:
		return ErrJobNotFound
	case codes.PermissionDenied, codes.Unauthenticated:
		return ErrPermissionDenied
	case codes.ResourceExhausted:
		if strings.Contains(strings.ToLower(msg), "quota") {
			return ErrQuotaExceeded
		}
		return ErrTransient
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
		return ErrTransient
	default:
		return ErrBatch
	}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota"
	case errors.Is(err, ErrPermissionDenied):
		return "permission"
	case errors.Is(err, ErrJobNotFound):
		return "not_found"
	default:
		return "error"
	}
}
