package replay

import (
	"sync"
	"testing"

	"github.com/cliprelay/cliprelay/internal/ids"
)

func mustDeviceID(b byte) ids.DeviceID {
	var id ids.DeviceID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestGuardAcceptsStrictlyIncreasing(t *testing.T) {
	g := NewGuard()
	dev := mustDeviceID(0x01)

	if !g.Check(dev, 1) {
		t.Fatal("first counter should be accepted")
	}
	if !g.Check(dev, 2) {
		t.Fatal("strictly increasing counter should be accepted")
	}
	if !g.Check(dev, 100) {
		t.Fatal("a large jump forward should be accepted")
	}
}

func TestGuardRejectsReplay(t *testing.T) {
	g := NewGuard()
	dev := mustDeviceID(0x01)

	g.Check(dev, 5)
	if g.Check(dev, 5) {
		t.Fatal("exact replay must be rejected")
	}
	if g.Check(dev, 3) {
		t.Fatal("counter below high-water mark must be rejected")
	}
}

func TestGuardFirstCounterCanBeNonzero(t *testing.T) {
	g := NewGuard()
	dev := mustDeviceID(0x01)
	if !g.Check(dev, 1000) {
		t.Fatal("a device's first observed counter need not be 1")
	}
}

func TestGuardRejectsCounterZero(t *testing.T) {
	// Sender counters start at 1, so zero is never valid — even as the
	// first counter observed from a device.
	g := NewGuard()
	if g.Check(mustDeviceID(0x01), 0) {
		t.Fatal("counter 0 must be rejected")
	}
}

func TestGuardIndependentPerDevice(t *testing.T) {
	g := NewGuard()
	a := mustDeviceID(0x01)
	b := mustDeviceID(0x02)

	g.Check(a, 50)
	if !g.Check(b, 1) {
		t.Fatal("a different device's counters are independent")
	}
}

func TestGuardRetainsHistoryAcrossPeerLeft(t *testing.T) {
	// Simulates a device leaving and rejoining the same room: nothing
	// resets the entry on PeerLeft, so a replayed counter is still
	// rejected after the simulated rejoin.
	g := NewGuard()
	dev := mustDeviceID(0x01)

	g.Check(dev, 10)
	if g.Check(dev, 10) {
		t.Fatal("rejoining device must not be able to replay a prior counter")
	}
}

func TestGuardConcurrentSameCounterOnlyOneWins(t *testing.T) {
	g := NewGuard()
	dev := mustDeviceID(0x01)
	g.Check(dev, 1)

	const attempts = 50
	var wg sync.WaitGroup
	results := make([]bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = g.Check(dev, 2)
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, ok := range results {
		if ok {
			accepted++
		}
	}
	if accepted != 1 {
		t.Fatalf("expected exactly one concurrent acceptance of the same counter, got %d", accepted)
	}
}
