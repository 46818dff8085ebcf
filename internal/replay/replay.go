// Package replay implements per-sender replay protection (C3 in
// spec.md): each peer's EncryptedMessage counter must strictly
// increase within a room session. The guard lives entirely on clients;
// the relay forwards ciphertext without ever consulting it.
package replay

import (
	"sync"

	"github.com/cliprelay/cliprelay/internal/ids"
)

// Guard tracks the highest counter accepted per device within a single
// room session. It is safe for concurrent use.
type Guard struct {
	mu   sync.Mutex
	seen map[ids.DeviceID]uint64
}

// NewGuard returns a guard with no recorded counters, the state for a
// freshly joined room.
func NewGuard() *Guard {
	return &Guard{seen: make(map[ids.DeviceID]uint64)}
}

// Check reports whether counter is acceptable for device: strictly
// greater than every counter previously accepted from that device in
// this room session. With no entry yet the high-water mark is zero, so
// the first acceptable counter is 1, matching the sender-side counter
// initialization. On acceptance the counter is recorded as the new
// high-water mark; the check and the record happen atomically so
// concurrent frames from the same device cannot both pass.
//
// A device's entry survives a PeerLeft notification: a device that
// rejoins the same room (same device id) must not be able to replay a
// counter it used before leaving.
func (g *Guard) Check(device ids.DeviceID, counter uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if counter <= g.seen[device] {
		return false
	}
	g.seen[device] = counter
	return true
}
