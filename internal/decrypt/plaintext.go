package decrypt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/snehjoshi/envelopeq/internal/types"
)

// plaintextBody is the JSON shape Plaintext expects inside the "ciphertext".
type plaintextBody struct {
	Kind            string `json:"kind"`
	Control         string `json:"control,omitempty"`
	Receipt         string `json:"receipt,omitempty"`
	Body            string `json:"body,omitempty"`
	TargetSentAt    int64  `json:"target_sent_at,omitempty"`
	TargetServiceID string `json:"target_service_id,omitempty"`
	TargetPhone     string `json:"target_phone,omitempty"`
}

// Plaintext is a Decryptor that treats the envelope ciphertext as a JSON
// payload description. Used by the soak daemon and by end-to-end tests; real
// deployments plug in the ratchet collaborator instead.
type Plaintext struct{}

// Decrypt parses the envelope body as JSON.
func (Plaintext) Decrypt(_ context.Context, env types.Envelope) (*types.DecryptedPayload, error) {
	var body plaintextBody
	if err := json.Unmarshal(env.Ciphertext, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	kind, ok := payloadKinds[body.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, body.Kind)
	}
	control := controlKinds[body.Control]
	receipt := receiptKinds[body.Receipt]
	if control == types.ControlReceipt && receipt == 0 {
		return nil, fmt.Errorf("%w: receipt control without receipt tier", ErrMalformed)
	}

	return &types.DecryptedPayload{
		Identity:        env.Identity,
		SourcePhone:     env.SourcePhone,
		Kind:            kind,
		Control:         control,
		Receipt:         receipt,
		ConversationID:  env.ConversationID,
		Body:            body.Body,
		TargetSentAt:    body.TargetSentAt,
		TargetServiceID: body.TargetServiceID,
		TargetPhone:     body.TargetPhone,
		ServerTimestamp: env.ServerTimestamp,
	}, nil
}

var payloadKinds = map[string]types.PayloadKind{
	"data":    types.KindDataMessage,
	"sync":    types.KindSyncMessage,
	"receipt": types.KindReceiptMessage,
	"typing":  types.KindTypingMessage,
	"call":    types.KindCallMessage,
	"null":    types.KindNullMessage,
}

var controlKinds = map[string]types.ControlKind{
	"":                    types.ControlNone,
	"delete_for_everyone": types.ControlDeleteForEveryone,
	"view_sync":           types.ControlViewSync,
	"reaction":            types.ControlReaction,
	"poll_terminate":      types.ControlPollTerminate,
	"pin_notification":    types.ControlPinNotification,
	"call_link_update":    types.ControlCallLinkUpdate,
	"receipt":             types.ControlReceipt,
}

var receiptKinds = map[string]types.ReceiptKind{
	"delivery": types.ReceiptDelivery,
	"read":     types.ReceiptRead,
	"view":     types.ReceiptView,
}
