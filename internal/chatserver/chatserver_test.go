package chatserver

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeSink struct {
	frames chan string
	accept bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{frames: make(chan string, 16), accept: true}
}

func (f *fakeSink) TrySend(frame string) bool {
	if !f.accept {
		return false
	}
	select {
	case f.frames <- frame:
		return true
	default:
		return false
	}
}

func (f *fakeSink) expect(t *testing.T, contains string) {
	t.Helper()
	select {
	case frame := <-f.frames:
		if !strings.Contains(frame, contains) {
			t.Errorf("got frame %q, want it to contain %q", frame, contains)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for a frame containing %q", contains)
	}
}

func (f *fakeSink) drain() []string {
	var out []string
	for {
		select {
		case frame := <-f.frames:
			out = append(out, frame)
		default:
			return out
		}
	}
}

func startServer(t *testing.T) (*ChatServer, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	cs := New(time.Hour, nil)
	go cs.Run(ctx)
	return cs, ctx
}

func TestJoinBroadcastsMembersAndRooms(t *testing.T) {
	cs, ctx := startServer(t)
	sid := uuid.New()

	aliceSink := newFakeSink()
	id := cs.Join(ctx, sid, MainRoom, "Alice", aliceSink, 0)
	if id == 0 {
		t.Fatal("expected a non-zero client id")
	}
	aliceSink.expect(t, "Alice [SystemJoin] main")
	aliceSink.expect(t, "[SystemMembers] Alice")
	aliceSink.expect(t, "[SystemRooms] main")

	bobSink := newFakeSink()
	cs.Join(ctx, sid, MainRoom, "Bob", bobSink, 0)

	// Alice sees Bob join and the updated roster.
	aliceSink.expect(t, "Bob [SystemJoin] main")
	aliceSink.expect(t, "[SystemMembers] Alice, Bob")
	aliceSink.expect(t, "[SystemRooms] main")

	bobSink.expect(t, "Bob [SystemJoin] main")
	bobSink.expect(t, "[SystemMembers] Alice, Bob")
	bobSink.expect(t, "[SystemRooms] main")
}

func TestLeaveRemovesNonMainRoomWhenEmpty(t *testing.T) {
	cs, ctx := startServer(t)
	sid := uuid.New()

	sink := newFakeSink()
	id := cs.Join(ctx, sid, "room1", "Alice", sink, 0)
	sink.drain()

	cs.Leave(ctx, sid, "room1", id)

	rooms := cs.ListRooms(ctx, sid)
	if len(rooms) != 0 {
		t.Errorf("expected session to have been fully removed, got rooms %v", rooms)
	}
}

func TestMainRoomPersistsWhenEmpty(t *testing.T) {
	cs, ctx := startServer(t)
	sid := uuid.New()

	sink := newFakeSink()
	id := cs.Join(ctx, sid, MainRoom, "Alice", sink, 0)
	sink.drain()

	// Also join a second room so the session is not fully removed when
	// main empties out.
	sink2 := newFakeSink()
	cs.Join(ctx, sid, "room1", "Alice", sink2, id)
	sink.drain()
	sink2.drain()

	cs.Leave(ctx, sid, MainRoom, id)

	rooms := cs.ListRooms(ctx, sid)
	found := false
	for _, r := range rooms {
		if r == MainRoom {
			found = true
		}
	}
	if !found {
		t.Errorf("expected main to persist while session is live, got %v", rooms)
	}
}

func TestValidateAndRelaySignalRequiresSharedRoom(t *testing.T) {
	cs, ctx := startServer(t)
	sid := uuid.New()

	aliceSink := newFakeSink()
	cs.Join(ctx, sid, MainRoom, "Alice", aliceSink, 0)
	aliceSink.drain()

	bobSink := newFakeSink()
	cs.Join(ctx, sid, MainRoom, "Bob", bobSink, 0)
	aliceSink.drain()
	bobSink.drain()

	cs.ValidateAndRelaySignal(ctx, sid, "Alice", "Bob", `{"to":"Bob","kind":"offer"}`)
	bobSink.expect(t, `[SignalMessage] {"to":"Bob","kind":"offer"}`)
	if frames := aliceSink.drain(); len(frames) != 0 {
		t.Errorf("sender should receive nothing, got %v", frames)
	}
}

func TestValidateAndRelaySignalRejectsSelfToSelf(t *testing.T) {
	cs, ctx := startServer(t)
	sid := uuid.New()

	aliceSink := newFakeSink()
	cs.Join(ctx, sid, MainRoom, "Alice", aliceSink, 0)
	aliceSink.drain()

	cs.ValidateAndRelaySignal(ctx, sid, "Alice", "Alice", `{"to":"Alice"}`)
	if frames := aliceSink.drain(); len(frames) != 0 {
		t.Errorf("self-to-self should be dropped, got %v", frames)
	}
}

func TestValidateAndRelaySignalDropsWhenNotSharingRoom(t *testing.T) {
	cs, ctx := startServer(t)
	sid := uuid.New()

	aliceSink := newFakeSink()
	cs.Join(ctx, sid, MainRoom, "Alice", aliceSink, 0)
	aliceSink.drain()

	carolSink := newFakeSink()
	cs.Join(ctx, sid, "other-room", "Carol", carolSink, 0)
	carolSink.drain()

	cs.ValidateAndRelaySignal(ctx, sid, "Alice", "Carol", `{"to":"Carol"}`)
	if frames := carolSink.drain(); len(frames) != 0 {
		t.Errorf("cross-room target should not receive anything, got %v", frames)
	}
}

func TestRelaySignalEvictsUnresponsiveSink(t *testing.T) {
	cs, ctx := startServer(t)
	sid := uuid.New()

	deadSink := newFakeSink()
	cs.Join(ctx, sid, MainRoom, "Ghost", deadSink, 0)
	deadSink.drain()

	otherSink := newFakeSink()
	cs.Join(ctx, sid, MainRoom, "Observer", otherSink, 0)
	otherSink.drain()
	deadSink.drain()

	// Ghost's connection has gone away; its sink now refuses sends.
	deadSink.accept = false

	cs.RelaySignal(ctx, "Someone", "Ghost", "hello")

	// Eviction should trigger a fresh roster broadcast without Ghost.
	otherSink.expect(t, "[SystemMembers] Observer")
}

func TestBroadcastExceptSkipsSenderReachesOthers(t *testing.T) {
	cs, ctx := startServer(t)
	sid := uuid.New()

	uploaderSink := newFakeSink()
	uploaderID := cs.Join(ctx, sid, MainRoom, "Uploader", uploaderSink, 0)
	uploaderSink.drain()

	otherSink := newFakeSink()
	cs.Join(ctx, sid, MainRoom, "Observer", otherSink, 0)
	uploaderSink.drain()
	otherSink.drain()

	cs.BroadcastExcept(ctx, sid, MainRoom, uploaderID, "[SystemFile]:a.txt:text/plain:aGVsbG8=")

	otherSink.expect(t, "[SystemFile]:a.txt")
	if frames := uploaderSink.drain(); len(frames) != 0 {
		t.Errorf("uploader should not receive its own file broadcast, got %v", frames)
	}
}

func TestListRoomsEmptySession(t *testing.T) {
	cs, ctx := startServer(t)
	if rooms := cs.ListRooms(ctx, uuid.New()); rooms != nil {
		t.Errorf("expected nil for an unknown session, got %v", rooms)
	}
}
