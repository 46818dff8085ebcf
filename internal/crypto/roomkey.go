// Package crypto implements the client-side cryptographic protocol core
// (C2 in spec.md): room-key derivation from the shared room code and the
// active device-id set, nonce construction, and authenticated seal/open.
// The relay never imports this package — it is oblivious to plaintext.
package crypto

import (
	"crypto/sha256"
	"io"

	"github.com/cliprelay/cliprelay/internal/ids"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of a room key in bytes.
	KeySize = 32

	// hkdfInfo is the context string mixed into room-key derivation,
	// matching spec.md §4.2.
	hkdfInfo = "cliprelay v1 room key"
)

// RoomKey is the 32-byte AEAD key shared by every member of a room for
// the current device-id set. It changes whenever that set changes.
type RoomKey [KeySize]byte

// DeriveRoomID computes the relay's opaque grouping key from the shared
// room code: RoomID = SHA256(room_code).
func DeriveRoomID(roomCode string) ids.RoomID {
	return ids.RoomID(sha256.Sum256([]byte(roomCode)))
}

// DeriveRoomKey computes the room key from the room code and the
// authoritative device-id set, per spec.md §3/§4.2:
//
//	IKM  = SHA256(room_code)
//	salt = SHA256(concat(sort_lex(device_ids)))
//	key  = HKDF-SHA256(salt, IKM, info="cliprelay v1 room key", L=32)
//
// Any change to the device-id set must trigger a fresh call to this
// function; the caller is responsible for recomputing on every
// SaltExchange/PeerList update that mutates membership (spec.md §9).
func DeriveRoomKey(roomCode string, deviceIDs []ids.DeviceID) RoomKey {
	ikm := sha256.Sum256([]byte(roomCode))
	saltInput := ids.ConcatSorted(deviceIDs)
	salt := sha256.Sum256(saltInput)

	reader := hkdf.New(sha256.New, ikm[:], salt[:], []byte(hkdfInfo))

	var key RoomKey
	// hkdf.New's Reader never returns a short read or error for valid
	// SHA256-sized output; ReadFull defends against API misuse only.
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		panic("crypto: HKDF failed: " + err.Error())
	}
	return key
}

// Zero clears the room key from memory. Call this once a key is
// superseded by a fresh SaltExchange and no longer needed by KeyRing.
func (k *RoomKey) Zero() {
	for i := range k {
		k[i] = 0
	}
}
