// Package ingesterr defines the ingestion pipeline's error taxonomy: errors
// are classified by Kind, not by Go type, so every layer from the parser up
// to the orchestrator can decide retry/fail/skip policy from the same
// vocabulary.
package ingesterr

import "fmt"

// Kind classifies an ingestion error by the policy it demands, mirroring
// the taxonomy every component (C2-C9) reports through.
type Kind string

const (
	// KindInputValidation covers missing content_path, unsupported format,
	// JSON-Schema violations, bad path syntax. Fails the job immediately.
	KindInputValidation Kind = "input_validation"
	// KindStructural covers an unreadable file or truncated JSON array.
	// Fails the job; never retried.
	KindStructural Kind = "structural"
	// KindItemSoft covers an unresolved metadata path, empty content, or an
	// NDJSON line parse error. Absorbed locally: skip item, count, continue.
	KindItemSoft Kind = "item_soft"
	// KindEmbeddingTransient covers rate limits, timeouts, 5xx, connection
	// resets. Retried at C4, then at C9 with a checkpoint.
	KindEmbeddingTransient Kind = "embedding_transient"
	// KindEmbeddingFatal covers auth failures, permanent quota exhaustion,
	// malformed requests. Saves a FailedBatch and fails the job.
	KindEmbeddingFatal Kind = "embedding_fatal"
	// KindBatchInvariantViolation means an emitted batch exceeded the hard
	// chunk/token limits. Always a bug; fails the job.
	KindBatchInvariantViolation Kind = "batch_invariant_violation"
	// KindStorageTransient covers a momentarily unavailable collection or a
	// partial insert. Retried once; partial inserts are warnings.
	KindStorageTransient Kind = "storage_transient"
	// KindStorageFatal covers a schema or dimension mismatch. Fails the job.
	KindStorageFatal Kind = "storage_fatal"
	// KindCancelled means a cancellation token tripped. Exits cleanly.
	KindCancelled Kind = "cancelled"
	// KindEmbeddingInvariant means a provider call returned a vector count
	// or dimension that violates the embed contract. Always a bug; fails
	// the job without retry.
	KindEmbeddingInvariant Kind = "embedding_invariant"
)

// recoverableKinds lists which kinds are, by default, recoverable via retry
// or a checkpointed resume rather than a terminal job failure.
var recoverableKinds = map[Kind]bool{
	KindEmbeddingTransient: true,
	KindStorageTransient:   true,
	KindCancelled:          true,
}

// Error is a kinded ingestion error: Kind drives policy, Message is
// human-readable, Recoverable tells the orchestrator whether a retry path
// exists. Wrapped, if present, supports errors.Is/As over the root cause.
type Error struct {
	Kind        Kind
	Message     string
	Recoverable bool
	Wrapped     error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds an Error of the given kind, deriving Recoverable from the
// kind's default policy unless overridden by WithRecoverable.
func New(kind Kind, message string, wrapped error) *Error {
	return &Error{
		Kind:        kind,
		Message:     message,
		Recoverable: recoverableKinds[kind],
		Wrapped:     wrapped,
	}
}

// WithRecoverable returns a copy of e with Recoverable overridden. Used for
// cases like embedding_transient that has exhausted retries and must be
// reported as terminal even though the kind defaults to recoverable.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	cp := *e
	cp.Recoverable = recoverable
	return &cp
}

// Is reports whether err is an *Error of the given kind, unwrapping as
// errors.Is would.
func Is(err error, kind Kind) bool {
	for err != nil {
		if ie, ok := err.(*Error); ok {
			return ie.Kind == kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// As extracts the *Error from err, if any exists in its chain.
func As(err error) (*Error, bool) {
	for err != nil {
		if ie, ok := err.(*Error); ok {
			return ie, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
