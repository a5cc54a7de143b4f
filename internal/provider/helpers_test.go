// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

package provider

import (
	"testing"

	"golang.org/x/crypto/blowfish"

	"github.com/quaverhq/quaver/internal/models"
)

func testTrackTarget(id string) models.Target {
	return models.Target{Type: models.TargetTrack, ID: id, Quality: "mp3_320"}
}

// encryptTestStripe applies the provider's stripe cipher in the encrypt
// direction so tests can produce realistic payloads.
func encryptTestStripe(t *testing.T, trackID string, stripe []byte) {
	t.Helper()
	cipher, err := blowfish.NewCipher(stripeKey(trackID))
	if err != nil {
		t.Fatalf("blowfish cipher: %v", err)
	}

	prev := make([]byte, blowfish.BlockSize)
	copy(prev, stripeIV)
	for off := 0; off+blowfish.BlockSize <= len(stripe); off += blowfish.BlockSize {
		block := stripe[off : off+blowfish.BlockSize]
		for i := range block {
			block[i] ^= prev[i]
		}
		cipher.Encrypt(block, block)
		copy(prev, block)
	}
}
