package room

import (
	"errors"
	"testing"

	"github.com/cliprelay/cliprelay/internal/ids"
	"github.com/cliprelay/cliprelay/internal/relayerr"
)

func mustDeviceID(b byte) ids.DeviceID {
	var id ids.DeviceID
	for i := range id {
		id[i] = b
	}
	return id
}

func mustRoomID(b byte) ids.RoomID {
	var id ids.RoomID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestAdmitFirstMemberSeesNoExisting(t *testing.T) {
	reg := NewRegistry(0, Observer{})
	roomID := mustRoomID(0x01)

	_, existing, err := reg.Admit(roomID, mustDeviceID(0x01), "alice")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if len(existing) != 0 {
		t.Fatalf("expected no existing members, got %v", existing)
	}
}

func TestAdmitSecondMemberSeesFirst(t *testing.T) {
	reg := NewRegistry(0, Observer{})
	roomID := mustRoomID(0x01)

	reg.Admit(roomID, mustDeviceID(0x01), "alice")
	_, existing, err := reg.Admit(roomID, mustDeviceID(0x02), "bob")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if len(existing) != 1 || existing[0].DeviceName != "alice" {
		t.Fatalf("expected [alice], got %v", existing)
	}
}

func TestAdmitRejectsDuplicateDevice(t *testing.T) {
	reg := NewRegistry(0, Observer{})
	roomID := mustRoomID(0x01)
	dev := mustDeviceID(0x01)

	reg.Admit(roomID, dev, "alice")
	_, _, err := reg.Admit(roomID, dev, "alice-again")

	var relayErr *relayerr.Error
	if !errors.As(err, &relayErr) || relayErr.Kind != relayerr.KindDuplicateDeviceID {
		t.Fatalf("expected DuplicateDeviceId, got %v", err)
	}
}

func TestAdmitRejectsOverCapacity(t *testing.T) {
	reg := NewRegistry(0, Observer{})
	roomID := mustRoomID(0x01)

	for i := 0; i < maxMembers; i++ {
		if _, _, err := reg.Admit(roomID, mustDeviceID(byte(i+1)), "dev"); err != nil {
			t.Fatalf("Admit %d: %v", i, err)
		}
	}

	_, _, err := reg.Admit(roomID, mustDeviceID(99), "overflow")
	var relayErr *relayerr.Error
	if !errors.As(err, &relayErr) || relayErr.Kind != relayerr.KindRoomFull {
		t.Fatalf("expected RoomFull, got %v", err)
	}
}

func TestRemoveFreesCapacity(t *testing.T) {
	reg := NewRegistry(0, Observer{})
	roomID := mustRoomID(0x01)
	dev := mustDeviceID(0x01)

	reg.Admit(roomID, dev, "alice")
	reg.Remove(roomID, dev)

	if _, _, err := reg.Admit(roomID, dev, "alice-rejoined"); err != nil {
		t.Fatalf("rejoin after remove: %v", err)
	}
}

func TestRemoveEmptyRoomIsDeleted(t *testing.T) {
	reg := NewRegistry(0, Observer{})
	roomID := mustRoomID(0x01)
	dev := mustDeviceID(0x01)

	reg.Admit(roomID, dev, "alice")
	reg.Remove(roomID, dev)

	if members := reg.Members(roomID); len(members) != 0 {
		t.Fatalf("expected empty room, got %v", members)
	}
}

func TestFanoutExcludesSender(t *testing.T) {
	reg := NewRegistry(0, Observer{})
	roomID := mustRoomID(0x01)
	alice := mustDeviceID(0x01)
	bob := mustDeviceID(0x02)

	sinkAlice, _, _ := reg.Admit(roomID, alice, "alice")
	sinkBob, _, _ := reg.Admit(roomID, bob, "bob")

	reg.Fanout(roomID, alice, []byte("hello"))

	select {
	case got := <-sinkBob.Recv():
		if string(got) != "hello" {
			t.Fatalf("got %q", got)
		}
	default:
		t.Fatal("expected bob to receive the fanned-out frame")
	}

	select {
	case got := <-sinkAlice.Recv():
		t.Fatalf("sender should not receive its own frame, got %q", got)
	default:
	}
}

func TestFanoutBackpressureDropsOldest(t *testing.T) {
	var drops int
	reg := NewRegistry(0, Observer{OnBackpressureDrop: func() { drops++ }})
	roomID := mustRoomID(0x01)
	alice := mustDeviceID(0x01)
	bob := mustDeviceID(0x02)

	reg.Admit(roomID, alice, "alice")
	sinkBob, _, _ := reg.Admit(roomID, bob, "bob")

	for i := 0; i < defaultSinkQueueDepth+5; i++ {
		reg.Fanout(roomID, alice, []byte{byte(i)})
	}

	if drops == 0 {
		t.Fatal("expected backpressure drops to be recorded")
	}

	first := <-sinkBob.Recv()
	if first[0] == 0 {
		t.Fatal("expected the oldest frames to have been dropped, not retained")
	}
}

func TestMembersSortedByDeviceID(t *testing.T) {
	reg := NewRegistry(0, Observer{})
	roomID := mustRoomID(0x01)

	reg.Admit(roomID, mustDeviceID(0x02), "bob")
	reg.Admit(roomID, mustDeviceID(0x01), "alice")

	members := reg.Members(roomID)
	if len(members) != 2 || members[0].DeviceName != "alice" || members[1].DeviceName != "bob" {
		t.Fatalf("expected sorted [alice, bob], got %v", members)
	}
}

func TestRoomLifecycleObserved(t *testing.T) {
	var created, deleted int
	reg := NewRegistry(0, Observer{
		OnRoomCreated: func() { created++ },
		OnRoomDeleted: func() { deleted++ },
	})
	roomID := mustRoomID(0x01)
	dev := mustDeviceID(0x01)

	reg.Admit(roomID, dev, "alice")
	if created != 1 {
		t.Fatalf("expected 1 room created, got %d", created)
	}
	reg.Remove(roomID, dev)
	if deleted != 1 {
		t.Fatalf("expected 1 room deleted, got %d", deleted)
	}
}

func TestFanoutOnDeletedRoomDoesNotResurrectIt(t *testing.T) {
	var created int
	reg := NewRegistry(0, Observer{OnRoomCreated: func() { created++ }})
	roomID := mustRoomID(0x01)
	dev := mustDeviceID(0x01)

	reg.Admit(roomID, dev, "alice")
	reg.Remove(roomID, dev)

	reg.Fanout(roomID, dev, []byte("late"))
	reg.Broadcast(roomID, []byte("late"))
	if members := reg.Members(roomID); members != nil {
		t.Fatalf("expected no members for a deleted room, got %v", members)
	}
	if created != 1 {
		t.Fatalf("late delivery must not recreate the room, created=%d", created)
	}
}
