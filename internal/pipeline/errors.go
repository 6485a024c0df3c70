package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across stores and stages.
var (
	ErrNotFound      = errors.New("not found")
	ErrQueueClosed   = errors.New("queue closed")
	ErrRunCancelled  = errors.New("run cancelled")
	ErrDenylistDown  = errors.New("denylist store unavailable")
	ErrIndexDown     = errors.New("search index unavailable")
	ErrBreakerOpen   = errors.New("circuit breaker open")
	ErrNoJobs        = errors.New("no jobs available")
	ErrDuplicateJob  = errors.New("duplicate idempotency key")
	ErrStaleVersion  = errors.New("stale record version")
	ErrShardUnknown  = errors.New("unknown checkpoint shard")
	ErrPurgeOverdue  = errors.New("purge past SLA window")
	ErrRunTerminated = errors.New("run already terminal")
)

// TransientError marks a failure worth retrying with backoff, such as a
// source site timeout or rate limit.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// PermanentError marks a failure that retrying cannot fix, such as a
// malformed source page. It is logged and skipped.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(op string, err error) error {
	return &PermanentError{Op: op, Err: err}
}

// GovernanceViolation reports an attempted write for a denylisted
// artist. The write is hard-stopped and the violation surfaced.
type GovernanceViolation struct {
	ArtistID string
	Stage    string
}

func (e *GovernanceViolation) Error() string {
	return fmt.Sprintf("governance violation: denylisted artist blocked at %s", e.Stage)
}

// SyncApplyError reports a single-record index write failure. The item
// is isolated from the rest of its batch, retried a bounded number of
// times, then parked.
type SyncApplyError struct {
	ArtistID string
	Sequence int64
	Err      error
}

func (e *SyncApplyError) Error() string {
	return fmt.Sprintf("sync apply seq=%d: %v", e.Sequence, e.Err)
}

func (e *SyncApplyError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is a non-retryable extraction or
// parse failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
