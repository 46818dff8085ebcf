package crypto

import (
	"sync"

	"github.com/cliprelay/cliprelay/internal/ids"
)

// KeyRing holds the active room key plus, briefly, the key it replaced.
// A SaltExchange rotates the key whenever room membership changes; a
// message encrypted under the outgoing key may still be in flight when
// that happens, so Open tries the active key first and falls back to
// the previous one for a short grace window (spec.md §9 resolves the
// open question on mid-flight messages this way: keep the old key
// around for exactly one rotation, not a time-based window). Safe for
// concurrent use.
type KeyRing struct {
	mu       sync.Mutex
	active   RoomKey
	previous *RoomKey
}

// NewKeyRing creates a ring with a single active key and no previous
// key, the state after a fresh room join.
func NewKeyRing(key RoomKey) *KeyRing {
	return &KeyRing{active: key}
}

// Rotate installs a new active key, demoting the current one to
// previous. The key it displaces from previous (if any) is zeroed.
func (r *KeyRing) Rotate(next RoomKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.previous != nil {
		r.previous.Zero()
	}
	prev := r.active
	r.previous = &prev
	r.active = next
}

// Active returns the current room key.
func (r *KeyRing) Active() RoomKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Seal encrypts under the active key only; outgoing messages always
// use the newest key.
func (r *KeyRing) Seal(roomID ids.RoomID, senderDeviceID ids.DeviceID, counter uint64, mime string, plaintext []byte) ([]byte, error) {
	r.mu.Lock()
	key := r.active
	r.mu.Unlock()
	return Seal(key, roomID, senderDeviceID, counter, mime, plaintext)
}

// Open tries the active key, then the previous key if one is held and
// the active key fails to authenticate. This absorbs the race where a
// peer's SaltExchange update outruns a message it sealed moments
// earlier under the key it is about to retire.
func (r *KeyRing) Open(roomID ids.RoomID, claimedSenderID ids.DeviceID, counter uint64, mime string, ciphertext []byte) ([]byte, error) {
	r.mu.Lock()
	active := r.active
	var previous *RoomKey
	if r.previous != nil {
		prev := *r.previous
		previous = &prev
	}
	r.mu.Unlock()

	plaintext, err := Open(active, roomID, claimedSenderID, counter, mime, ciphertext)
	if err == nil {
		return plaintext, nil
	}
	if previous == nil {
		return nil, err
	}
	return Open(*previous, roomID, claimedSenderID, counter, mime, ciphertext)
}

// Zero clears both held keys from memory.
func (r *KeyRing) Zero() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active.Zero()
	if r.previous != nil {
		r.previous.Zero()
	}
}
