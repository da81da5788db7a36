package envelope_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/illmade-knight/go-a2a/pkg/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner_SignAndVerify(t *testing.T) {
	signer, err := envelope.NewSigner([]byte("shared-deployment-secret"))
	require.NoError(t, err)

	m := sampleMessage(envelope.KindRequest)
	m.Signature = signer.Sign(m)

	assert.True(t, signer.Verify(m))
}

func TestSigner_DetectsTampering(t *testing.T) {
	signer, err := envelope.NewSigner([]byte("shared-deployment-secret"))
	require.NoError(t, err)

	m := sampleMessage(envelope.KindRequest)
	m.Signature = signer.Sign(m)

	t.Run("payload altered", func(t *testing.T) {
		tampered := *m
		tampered.Payload = json.RawMessage(`{"invoice_id":"INV-42","amount":9129.50}`)
		assert.False(t, signer.Verify(&tampered))
	})

	t.Run("sender altered", func(t *testing.T) {
		tampered := *m
		tampered.Sender = "impostor"
		assert.False(t, signer.Verify(&tampered))
	})

	t.Run("signature not hex", func(t *testing.T) {
		tampered := *m
		tampered.Signature = "not-hex!"
		assert.False(t, signer.Verify(&tampered))
	})

	t.Run("different secret", func(t *testing.T) {
		other, err := envelope.NewSigner([]byte("some-other-secret"))
		require.NoError(t, err)
		assert.False(t, other.Verify(m))
	})
}

func TestSigner_BookkeepingMutationsDoNotBreakSignature(t *testing.T) {
	signer, err := envelope.NewSigner([]byte("shared-deployment-secret"))
	require.NoError(t, err)

	m := sampleMessage(envelope.KindRequest)
	m.Signature = signer.Sign(m)

	// The broker mutates these during routing without re-signing.
	m.Status = envelope.StatusFailed
	m.RetryCount = 3
	m.Error = "recipient offline"

	assert.True(t, signer.Verify(m))
}

func TestNewSigner_RejectsEmptySecret(t *testing.T) {
	_, err := envelope.NewSigner(nil)
	assert.Error(t, err)
}

func TestLoadOrCreateSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets", "a2a.key")

	first, err := envelope.LoadOrCreateSecret(path)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := envelope.LoadOrCreateSecret(path)
	require.NoError(t, err)
	assert.Equal(t, first, second, "second load must return the persisted secret")
}
