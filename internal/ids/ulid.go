// Package ids generates the ULID identifiers used for locally created
// message records and stub contacts. ULIDs are time-sortable, so record IDs
// double as a stable creation-order tiebreaker after restart.
package ids

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// monoEntropy is a package-level monotone entropy source shared across all
// New calls. Using a single shared source ensures that ULIDs remain
// lexicographically ordered even when generated within the same millisecond.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// New generates a fresh time-ordered ULID string.
func New() (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNew is like New but panics on error. The only failure mode is the
// system entropy source failing, which is unrecoverable anyway.
func MustNew() string {
	id, err := New()
	if err != nil {
		panic(fmt.Sprintf("ids.MustNew: %v", err))
	}
	return id
}

// Validate returns an error if s is not a well-formed ULID string.
func Validate(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}
