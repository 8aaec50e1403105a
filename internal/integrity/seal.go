// Package integrity seals the persisted control state so that out-of-band
// edits to the control record (mode flips done directly in the database) are
// detected on load and force a HOLD rather than being silently trusted.
package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/crypto/pbkdf2"

	"github.com/openquant/hedgebot/internal/domain"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	keyLen           = 32
)

// sealSalt is a fixed application salt: the seal key must be reproducible
// across restarts from the passphrase alone, so a random per-record salt
// cannot be used here. The passphrase itself is the secret.
var sealSalt = []byte("hedgebot-control-seal-v1")

// Sealer computes and verifies the HMAC seal over control-state records.
type Sealer struct {
	key []byte
}

// NewSealer derives the seal key from the operator passphrase.
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("integrity: passphrase must not be empty")
	}
	key := pbkdf2.Key([]byte(passphrase), sealSalt, pbkdf2Iterations, keyLen, sha256.New)
	return &Sealer{key: key}, nil
}

// Seal returns the base64 HMAC-SHA256 over the integrity-relevant fields of
// the control state. The version counter is included so a replayed older
// record fails verification too.
func (s *Sealer) Seal(state domain.ControlState) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(sealMessage(state)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks the seal carried by a loaded control state. It returns
// domain.ErrTamperDetected on mismatch.
func (s *Sealer) Verify(state domain.ControlState) error {
	want := s.Seal(state)
	if !hmac.Equal([]byte(want), []byte(state.Seal)) {
		return fmt.Errorf("integrity: control state v%d: %w", state.Version, domain.ErrTamperDetected)
	}
	return nil
}

// sealMessage serializes the fields covered by the seal. Approvals are
// covered so a forged second approval cannot satisfy the two-man rule.
func sealMessage(state domain.ControlState) string {
	msg := string(state.Mode) +
		"|" + strconv.FormatBool(state.SafeMode) +
		"|" + state.HoldReason +
		"|" + state.HoldIncidentID +
		"|" + strconv.FormatInt(state.Version, 10)
	if state.ResumeRequest != nil {
		msg += "|req:" + state.ResumeRequest.Operator + ":" + state.ResumeRequest.Token
	}
	for _, a := range state.Approvals {
		msg += "|appr:" + a.Operator + ":" + a.Token
	}
	return msg
}
