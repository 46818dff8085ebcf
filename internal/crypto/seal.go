package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cliprelay/cliprelay/internal/ids"
	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the XChaCha20-Poly1305 nonce size in bytes.
const NonceSize = chacha20poly1305.NonceSizeX

// ErrAuthFailed is returned when the AEAD tag does not verify, or when
// the cleartext sender_device_id does not match the identity bound into
// the AEAD's associated data (spec.md §4.2 "Identity binding").
var ErrAuthFailed = errors.New("crypto: authentication failed")

// BuildNonce constructs the 24-byte XChaCha20-Poly1305 nonce for a
// message from senderDeviceID at the given counter value, per spec.md
// §4.2: SHA256(sender_device_id)[0:16] || counter_le_u64.
func BuildNonce(senderDeviceID ids.DeviceID, counter uint64) [NonceSize]byte {
	var nonce [NonceSize]byte
	digest := sha256.Sum256(senderDeviceID[:])
	copy(nonce[:16], digest[:16])
	binary.LittleEndian.PutUint64(nonce[16:24], counter)
	return nonce
}

// buildAAD constructs the associated data binding a ciphertext to its
// room, sender, and MIME tag: room_id || sender_device_id || mime.
func buildAAD(roomID ids.RoomID, senderDeviceID ids.DeviceID, mime string) []byte {
	aad := make([]byte, 0, ids.RoomIDSize+ids.DeviceIDSize+len(mime))
	aad = append(aad, roomID[:]...)
	aad = append(aad, senderDeviceID[:]...)
	aad = append(aad, mime...)
	return aad
}

// Seal encrypts plaintext under key, producing ciphertext_with_tag as
// specified: XChaCha20-Poly1305-Seal(room_key, nonce, plaintext,
// aad=room_id||sender_device_id||mime).
func Seal(key RoomKey, roomID ids.RoomID, senderDeviceID ids.DeviceID, counter uint64, mime string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: create AEAD: %w", err)
	}

	nonce := BuildNonce(senderDeviceID, counter)
	aad := buildAAD(roomID, senderDeviceID, mime)

	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// Open decrypts ciphertext under key and verifies that claimedSenderID
// (the cleartext sender_device_id carried alongside the ciphertext)
// matches the identity used to reconstruct the AAD. A mismatch, a
// tampered ciphertext, or a tampered AAD all yield ErrAuthFailed — the
// caller cannot distinguish them, by design.
func Open(key RoomKey, roomID ids.RoomID, claimedSenderID ids.DeviceID, counter uint64, mime string, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: create AEAD: %w", err)
	}

	nonce := BuildNonce(claimedSenderID, counter)
	aad := buildAAD(roomID, claimedSenderID, mime)

	plaintext, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}
