package sync

import (
	"context"
	"encoding/base64"
	"strings"
)

// PlainCrypto is a Crypto for local and offline mode: payloads are
// base64-encoded and split at a fixed chunk size, with no actual
// encryption. Real deployments plug in the platform crypto collaborator.
type PlainCrypto struct {
	chunkBytes int
}

// NewPlainCrypto creates a PlainCrypto splitting ciphertext at chunkBytes.
func NewPlainCrypto(chunkBytes int) *PlainCrypto {
	if chunkBytes <= 0 {
		chunkBytes = 900 * 1024
	}
	return &PlainCrypto{chunkBytes: chunkBytes}
}

func (c *PlainCrypto) Encrypt(ctx context.Context, payload []byte, userID, groupID string) ([]string, error) {
	encoded := base64.StdEncoding.EncodeToString(payload)
	var chunks []string
	for len(encoded) > c.chunkBytes {
		chunks = append(chunks, encoded[:c.chunkBytes])
		encoded = encoded[c.chunkBytes:]
	}
	return append(chunks, encoded), nil
}

func (c *PlainCrypto) Decrypt(ctx context.Context, encryptedAt int64, chunks []string, userID, groupID string) ([]byte, bool) {
	payload, err := base64.StdEncoding.DecodeString(strings.Join(chunks, ""))
	if err != nil {
		return nil, false
	}
	return payload, true
}
