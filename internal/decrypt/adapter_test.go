package decrypt_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/snehjoshi/envelopeq/internal/decrypt"
	"github.com/snehjoshi/envelopeq/internal/types"
)

// decryptorFunc adapts a function to the Decryptor interface.
type decryptorFunc func(ctx context.Context, env types.Envelope) (*types.DecryptedPayload, error)

func (f decryptorFunc) Decrypt(ctx context.Context, env types.Envelope) (*types.DecryptedPayload, error) {
	return f(ctx, env)
}

func testEnv(ciphertext string) types.Envelope {
	return types.Envelope{
		Identity: types.EnvelopeIdentity{
			SourceServiceID: "svc-a",
			SourceDeviceID:  1,
			ClientTimestamp: 100,
		},
		ConversationID: "conv-1",
		Ciphertext:     []byte(ciphertext),
	}
}

// ─── Adapter classification ──────────────────────────────────────────────────

func TestAdapter_ClassifiesErrors(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		want      decrypt.Outcome
		retryable bool
	}{
		{"stale session", decrypt.ErrStaleSession, decrypt.OutcomeStaleSession, false},
		{"duplicate", decrypt.ErrDuplicateMessage, decrypt.OutcomeDuplicate, false},
		{"untrusted", decrypt.ErrUntrustedIdentity, decrypt.OutcomeUntrusted, false},
		{"malformed", decrypt.ErrMalformed, decrypt.OutcomeMalformed, false},
		{"unknown error", errors.New("garbage"), decrypt.OutcomeMalformed, false},
		{"deadline", context.DeadlineExceeded, decrypt.OutcomeTimeout, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := decrypt.NewAdapter(decryptorFunc(func(context.Context, types.Envelope) (*types.DecryptedPayload, error) {
				return nil, tc.err
			}), time.Second)

			res := a.Decrypt(context.Background(), testEnv(""))
			if res.Outcome != tc.want {
				t.Errorf("outcome: want %v, got %v", tc.want, res.Outcome)
			}
			if res.Outcome.Retryable() != tc.retryable {
				t.Errorf("retryable: want %v", tc.retryable)
			}
		})
	}
}

func TestAdapter_NilPayloadWithoutErrorIsMalformed(t *testing.T) {
	a := decrypt.NewAdapter(decryptorFunc(func(context.Context, types.Envelope) (*types.DecryptedPayload, error) {
		return nil, nil
	}), time.Second)

	res := a.Decrypt(context.Background(), testEnv(""))
	if res.Outcome != decrypt.OutcomeMalformed {
		t.Fatalf("want OutcomeMalformed, got %v", res.Outcome)
	}
}

func TestAdapter_BoundsSlowDecryptor(t *testing.T) {
	a := decrypt.NewAdapter(decryptorFunc(func(ctx context.Context, _ types.Envelope) (*types.DecryptedPayload, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), 20*time.Millisecond)

	start := time.Now()
	res := a.Decrypt(context.Background(), testEnv(""))
	if res.Outcome != decrypt.OutcomeTimeout {
		t.Fatalf("want OutcomeTimeout, got %v", res.Outcome)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("adapter did not bound the call: took %v", elapsed)
	}
}

// ─── Plaintext decryptor ─────────────────────────────────────────────────────

func TestPlaintext_DataMessage(t *testing.T) {
	ct, _ := json.Marshal(map[string]any{"kind": "data", "body": "hello"})
	a := decrypt.NewAdapter(decrypt.Plaintext{}, time.Second)

	res := a.Decrypt(context.Background(), testEnv(string(ct)))
	if res.Outcome != decrypt.OutcomeOK {
		t.Fatalf("want OK, got %v (%v)", res.Outcome, res.Err)
	}
	p := res.Payload
	if p.Kind != types.KindDataMessage || p.Body != "hello" {
		t.Errorf("payload mismatch: %+v", p)
	}
	if p.Identity.ClientTimestamp != 100 || p.ConversationID != "conv-1" {
		t.Errorf("envelope fields not carried through: %+v", p)
	}
}

func TestPlaintext_ControlMessage(t *testing.T) {
	ct, _ := json.Marshal(map[string]any{
		"kind":              "sync",
		"control":           "view_sync",
		"target_service_id": "svc-alice",
		"target_sent_at":    12345,
	})
	a := decrypt.NewAdapter(decrypt.Plaintext{}, time.Second)

	res := a.Decrypt(context.Background(), testEnv(string(ct)))
	if res.Outcome != decrypt.OutcomeOK {
		t.Fatalf("want OK, got %v (%v)", res.Outcome, res.Err)
	}
	p := res.Payload
	if p.Control != types.ControlViewSync || p.TargetServiceID != "svc-alice" || p.TargetSentAt != 12345 {
		t.Errorf("control fields mismatch: %+v", p)
	}
	if !p.IsControl() {
		t.Error("IsControl: want true")
	}
}

func TestPlaintext_Rejects(t *testing.T) {
	cases := []struct {
		name string
		ct   string
	}{
		{"not json", "{{{"},
		{"unknown kind", `{"kind":"smoke_signal"}`},
		{"receipt without tier", `{"kind":"receipt","control":"receipt"}`},
	}
	a := decrypt.NewAdapter(decrypt.Plaintext{}, time.Second)

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := a.Decrypt(context.Background(), testEnv(tc.ct))
			if res.Outcome != decrypt.OutcomeMalformed {
				t.Errorf("want OutcomeMalformed, got %v", res.Outcome)
			}
			if !errors.Is(res.Err, decrypt.ErrMalformed) {
				t.Errorf("want ErrMalformed, got %v", res.Err)
			}
		})
	}
}
