package envelope

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Signer computes and verifies the integrity signature carried by every
// message. All agents in a deployment share one secret, so a signature proves
// the envelope was produced by a peer holding it and was not altered in
// transit through the shared queue directories.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer from a shared secret.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("signing secret cannot be empty")
	}
	return &Signer{secret: secret}, nil
}

// canonical returns the fixed-order projection of the fields covered by the
// signature. Routing bookkeeping (status, retry counters, delivery stamps) is
// deliberately outside it so the broker can mutate those without re-signing.
func canonical(m *Message) []byte {
	parts := []string{
		m.ID,
		strconv.FormatInt(m.CreatedAt.UTC().UnixNano(), 10),
		m.Sender,
		m.Recipient,
		string(m.Kind),
		string(m.Payload),
	}
	return []byte(strings.Join(parts, "\n"))
}

// Sign returns the hex-encoded HMAC-SHA256 over the message's canonical
// projection.
func (s *Signer) Sign(m *Message) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical(m))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares it in constant time.
func (s *Signer) Verify(m *Message) bool {
	expected, err := hex.DecodeString(m.Signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical(m))
	return hmac.Equal(mac.Sum(nil), expected)
}

// LoadOrCreateSecret reads the shared secret at path, generating and
// persisting a random one on first use so that every Messenger and the broker
// converge on the same value without manual provisioning.
func LoadOrCreateSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		secret := []byte(strings.TrimSpace(string(data)))
		if len(secret) == 0 {
			return nil, fmt.Errorf("secret file %s is empty", path)
		}
		return secret, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read secret file %s: %w", path, err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	secret := []byte(hex.EncodeToString(raw))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create secret directory: %w", err)
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write secret file %s: %w", path, err)
	}
	return secret, nil
}
