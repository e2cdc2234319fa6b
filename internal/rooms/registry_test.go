package rooms

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestJoinCreatesRoomAndStampsCallConnected(t *testing.T) {
	reg := NewRegistry()
	base := time.Unix(1_700_000_000, 0)

	first := reg.Join("r1", "x", "c-x", base)
	if !first.Created {
		t.Fatalf("expected room to be created on first join")
	}
	if len(first.Others) != 0 {
		t.Fatalf("expected no other participants, got %+v", first.Others)
	}
	if first.Room.CallConnected() {
		t.Fatalf("callConnectedAt must stay unset with a single participant")
	}

	second := reg.Join("r1", "y", "c-y", base.Add(time.Second))
	if second.Created {
		t.Fatalf("second join must not recreate the room")
	}
	if !second.CallConnected || !second.Room.CallConnectedAt.Equal(base.Add(time.Second)) {
		t.Fatalf("expected callConnectedAt stamped at second join, got %v", second.Room.CallConnectedAt)
	}
	if len(second.Others) != 1 || second.Others[0].UserID != "x" {
		t.Fatalf("expected x as the other participant, got %+v", second.Others)
	}

	third := reg.Join("r1", "z", "c-z", base.Add(2*time.Second))
	if third.CallConnected {
		t.Fatalf("callConnectedAt is immutable once set")
	}
	if !third.Room.CallConnectedAt.Equal(base.Add(time.Second)) {
		t.Fatalf("callConnectedAt changed to %v", third.Room.CallConnectedAt)
	}
	if !third.Room.CreatedAt.Equal(base) {
		t.Fatalf("createdAt changed to %v", third.Room.CreatedAt)
	}
}

func TestJoinEvictsSameUser(t *testing.T) {
	reg := NewRegistry()
	base := time.Unix(1_700_100_000, 0)

	reg.Join("r1", "x", "c-x", base)
	reg.Join("r1", "y", "c-y1", base.Add(time.Second))
	res := reg.Join("r1", "y", "c-y2", base.Add(2*time.Second))

	if res.Evicted == nil || res.Evicted.ConnectionID != "c-y1" {
		t.Fatalf("expected stale connection c-y1 evicted, got %+v", res.Evicted)
	}
	room, err := reg.Get("r1")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if room.ParticipantsCount() != 2 {
		t.Fatalf("expected 2 participants, got %d", room.ParticipantsCount())
	}
	if _, ok := room.Participants["c-y1"]; ok {
		t.Fatalf("stale connection still present")
	}
	if got := reg.RoomsWithConnection("c-y1"); len(got) != 0 {
		t.Fatalf("stale connection still indexed in %v", got)
	}
}

func TestRemoveDeletesEmptyRoom(t *testing.T) {
	reg := NewRegistry()
	base := time.Unix(1_700_200_000, 0)

	reg.Join("r1", "x", "c-x", base)
	reg.Join("r1", "y", "c-y", base.Add(time.Second))

	res, err := reg.Remove("r1", "c-y")
	if err != nil {
		t.Fatalf("remove y: %v", err)
	}
	if res.RoomDeleted {
		t.Fatalf("room must survive while x is present")
	}
	if len(res.Remaining) != 1 || res.Remaining[0].UserID != "x" {
		t.Fatalf("unexpected remaining %+v", res.Remaining)
	}

	res, err = reg.Remove("r1", "c-x")
	if err != nil {
		t.Fatalf("remove x: %v", err)
	}
	if !res.RoomDeleted {
		t.Fatalf("expected room deleted after last leaver")
	}
	if _, err := reg.Get("r1"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
	if _, err := reg.Remove("r1", "c-x"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound on second remove, got %v", err)
	}
}

func TestRemoveUnknownConnection(t *testing.T) {
	reg := NewRegistry()
	reg.Join("r1", "x", "c-x", time.Unix(1_700_300_000, 0))

	if _, err := reg.Remove("r1", "nope"); !errors.Is(err, ErrParticipantNotFound) {
		t.Fatalf("expected ErrParticipantNotFound, got %v", err)
	}
	if s := reg.Stats(); s.TotalRooms != 1 || s.TotalParticipants != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestConcurrentJoinLeaveKeepsInvariants(t *testing.T) {
	reg := NewRegistry()
	base := time.Unix(1_700_400_000, 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", i%5)
			conn := fmt.Sprintf("c%d", i)
			reg.Join("r1", user, conn, base)
			if i%2 == 0 {
				_, _ = reg.Remove("r1", conn)
			}
		}(i)
	}
	wg.Wait()

	room, err := reg.Get("r1")
	if errors.Is(err, ErrRoomNotFound) {
		return
	}
	if room.ParticipantsCount() == 0 {
		t.Fatalf("registry holds an empty room")
	}
	seen := map[string]bool{}
	for _, p := range room.Participants {
		if seen[p.UserID] {
			t.Fatalf("user %s present twice", p.UserID)
		}
		seen[p.UserID] = true
	}
}
