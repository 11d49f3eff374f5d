// Package decrypt wraps the opaque cryptographic collaborator that performs
// the actual ratchet decryption. The adapter performs no persistence: it is a
// pure transform from envelope to typed payload, normalizing the
// collaborator's failure modes into a small outcome set the pipeline can
// dispatch on.
package decrypt

import (
	"context"
	"errors"
	"time"

	"github.com/snehjoshi/envelopeq/internal/types"
)

// Sentinel errors a Decryptor implementation wraps to signal a specific
// failure mode. Anything else is classified as malformed.
var (
	// ErrStaleSession means the ratchet session needs a refresh before this
	// envelope can decrypt. Surfaced to the session layer, never retried here.
	ErrStaleSession = errors.New("decrypt: stale session")

	// ErrDuplicateMessage means the ratchet already consumed this message.
	// Treated as a successful no-op by the caller; it short-circuits before
	// the dedup ledger is consulted.
	ErrDuplicateMessage = errors.New("decrypt: duplicate message")

	// ErrUntrustedIdentity means the sender's identity key changed and is not
	// yet trusted. Fatal for this envelope; surfaced to the safety-number flow.
	ErrUntrustedIdentity = errors.New("decrypt: untrusted identity")

	// ErrMalformed means the ciphertext or its plaintext cannot be parsed.
	// Dropped and logged, never retried.
	ErrMalformed = errors.New("decrypt: malformed")
)

// Decryptor is the opaque crypto collaborator. Implementations may block on
// CPU-bound ratchet work; the adapter bounds every call with a timeout.
type Decryptor interface {
	Decrypt(ctx context.Context, env types.Envelope) (*types.DecryptedPayload, error)
}

// Outcome classifies one decryption attempt.
type Outcome uint8

const (
	OutcomeOK Outcome = iota
	OutcomeStaleSession
	OutcomeDuplicate
	OutcomeUntrusted
	OutcomeMalformed
	OutcomeTimeout
)

// String returns a human-readable representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeStaleSession:
		return "stale_session"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeUntrusted:
		return "untrusted_identity"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Retryable reports whether the envelope should be re-enqueued for another
// attempt. Only timeouts qualify: stale sessions wait for an external session
// refresh, and the rest are terminal for the envelope.
func (o Outcome) Retryable() bool { return o == OutcomeTimeout }

// Result bundles the payload (on success) with the classified outcome.
type Result struct {
	Payload *types.DecryptedPayload
	Outcome Outcome
	Err     error
}

// Adapter normalizes Decryptor calls.
type Adapter struct {
	dec     Decryptor
	timeout time.Duration
}

// NewAdapter wraps dec. Every Decrypt call is bounded by timeout.
func NewAdapter(dec Decryptor, timeout time.Duration) *Adapter {
	return &Adapter{dec: dec, timeout: timeout}
}

// Decrypt runs one bounded decryption attempt and classifies the result.
func (a *Adapter) Decrypt(ctx context.Context, env types.Envelope) Result {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	payload, err := a.dec.Decrypt(ctx, env)
	if err == nil {
		if payload == nil {
			return Result{Outcome: OutcomeMalformed, Err: ErrMalformed}
		}
		return Result{Payload: payload, Outcome: OutcomeOK}
	}

	switch {
	case errors.Is(err, ErrDuplicateMessage):
		return Result{Outcome: OutcomeDuplicate, Err: err}
	case errors.Is(err, ErrStaleSession):
		return Result{Outcome: OutcomeStaleSession, Err: err}
	case errors.Is(err, ErrUntrustedIdentity):
		return Result{Outcome: OutcomeUntrusted, Err: err}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return Result{Outcome: OutcomeTimeout, Err: err}
	default:
		return Result{Outcome: OutcomeMalformed, Err: err}
	}
}
