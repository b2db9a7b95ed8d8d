package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"

	"meshmeet/model"
)

func newTestRegistry(maxP int) *Registry {
	logger := zerolog.Nop()
	return New(Config{Logger: &logger, MaxParticipants: maxP})
}

func TestCreateRoom(t *testing.T) {
	r := newTestRegistry(0)

	id, err := r.CreateRoom("abc123")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != "abc123" {
		t.Errorf("got id %q, want abc123", id)
	}

	if _, err = r.CreateRoom("abc123"); !errors.Is(err, ErrRoomExists) {
		t.Errorf("duplicate create: got %v, want ErrRoomExists", err)
	}

	generated, err := r.CreateRoom("")
	if err != nil {
		t.Fatalf("create with generated id: %v", err)
	}
	if generated == "" {
		t.Error("generated room id is empty")
	}
}

func TestAddParticipantCapacity(t *testing.T) {
	r := newTestRegistry(2)
	_, _ = r.CreateRoom("room")

	for i := 0; i < 2; i++ {
		id := fmt.Sprintf("user-%d", i)
		if _, err := r.AddParticipant("room", id, model.Participant{Name: id}); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}

	_, err := r.AddParticipant("room", "user-2", model.Participant{Name: "user-2"})
	if !errors.Is(err, ErrRoomFull) {
		t.Fatalf("over-capacity join: got %v, want ErrRoomFull", err)
	}
	if got := len(r.Participants("room")); got != 2 {
		t.Errorf("membership changed by rejected join: %d participants", got)
	}
}

func TestAddParticipantRoomNotFound(t *testing.T) {
	r := newTestRegistry(0)
	if _, err := r.AddParticipant("nope", "u1", model.Participant{}); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("got %v, want ErrRoomNotFound", err)
	}
}

func TestEmptyRoomIsDeleted(t *testing.T) {
	r := newTestRegistry(0)
	_, _ = r.CreateRoom("room")
	_, _ = r.AddParticipant("room", "u1", model.Participant{})

	if !r.RemoveParticipant("room", "u1") {
		t.Fatal("remove reported no membership")
	}
	if _, err := r.Stats("room"); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("empty room still present: %v", err)
	}

	// second removal is a no-op
	if r.RemoveParticipant("room", "u1") {
		t.Error("second remove reported membership")
	}
}

func TestParticipantsJoinOrder(t *testing.T) {
	r := newTestRegistry(0)
	_, _ = r.CreateRoom("room")
	for _, id := range []string{"a", "b", "c"} {
		_, _ = r.AddParticipant("room", id, model.Participant{Name: id})
	}
	r.RemoveParticipant("room", "b")
	_, _ = r.AddParticipant("room", "d", model.Participant{Name: "d"})

	got := r.Participants("room")
	want := []string{"a", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("unexpected roster:\n%s", spew.Sdump(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("roster out of join order:\n%s", spew.Sdump(got))
		}
	}
}

func TestUpdateParticipant(t *testing.T) {
	r := newTestRegistry(0)
	_, _ = r.CreateRoom("room")
	_, _ = r.AddParticipant("room", "u1", model.Participant{Audio: true, Video: true})

	off := false
	on := true
	p, err := r.UpdateParticipant("room", "u1", ParticipantUpdate{Video: &off, ScreenSharing: &on})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if p.Video || !p.Audio || !p.ScreenSharing {
		t.Errorf("unexpected flags after update: %+v", p)
	}

	if _, err = r.UpdateParticipant("room", "ghost", ParticipantUpdate{}); !errors.Is(err, ErrParticipantNotFound) {
		t.Errorf("got %v, want ErrParticipantNotFound", err)
	}
}

func TestStats(t *testing.T) {
	r := newTestRegistry(5)
	_, _ = r.CreateRoom("room")
	_, _ = r.AddParticipant("room", "u1", model.Participant{Name: "alice"})

	st, err := r.Stats("room")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.ParticipantCount != 1 || st.MaxParticipants != 5 || len(st.Participants) != 1 {
		t.Errorf("unexpected stats:\n%s", spew.Sdump(st))
	}
}

func TestConcurrentJoinsRespectCapacity(t *testing.T) {
	const maxP = 4
	r := newTestRegistry(maxP)
	_, _ = r.CreateRoom("room")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _ = r.AddParticipant("room", fmt.Sprintf("user-%d", n), model.Participant{})
		}(i)
	}
	wg.Wait()

	if got := len(r.Participants("room")); got != maxP {
		t.Errorf("got %d participants, want %d", got, maxP)
	}
}
