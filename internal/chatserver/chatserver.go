// Package chatserver implements the single-writer coordinator that owns
// the session → room → client tree. It runs as one goroutine processing
// commands from a channel, so every mutation is serialized without locks,
// matching the "single cooperative task" design of the protocol it
// implements.
package chatserver

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"pastepoint/internal/wire"
)

// DefaultCleanupInterval is CLEANUP_INTERVAL.
const DefaultCleanupInterval = time.Hour

// MainRoom is the reserved anchor room that is never removed by emptiness.
const MainRoom = "main"

// Sink is the one-way handle a ChatServer uses to deliver a text frame to
// the Connection that owns it. TrySend must not block; a sink backed by a
// bounded queue should report failure instead of waiting.
type Sink interface {
	TrySend(frame string) bool
}

type clientMeta struct {
	id   uint64
	name string
	sink Sink
}

type room struct {
	name    string
	clients map[uint64]clientMeta
}

func newRoom(name string) *room {
	return &room{name: name, clients: make(map[uint64]clientMeta)}
}

type session struct {
	rooms map[string]*room
}

func newSession() *session {
	return &session{rooms: make(map[string]*room)}
}

// allEmpty reports whether every room in the session currently has zero
// clients.
func (s *session) allEmpty() bool {
	for _, r := range s.rooms {
		if len(r.clients) > 0 {
			return false
		}
	}
	return true
}

// ChatServer is the coordinator actor described by the package doc.
// The zero value is not usable; construct with New.
type ChatServer struct {
	sessions        map[uuid.UUID]*session
	cmds            chan func()
	cleanupInterval time.Duration
	log             *slog.Logger
}

// New creates a ChatServer. Call Run in its own goroutine to start
// processing commands.
func New(cleanupInterval time.Duration, log *slog.Logger) *ChatServer {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &ChatServer{
		sessions:        make(map[uuid.UUID]*session),
		cmds:            make(chan func()),
		cleanupInterval: cleanupInterval,
		log:             log,
	}
}

// Run processes commands until ctx is cancelled. It must run on its own
// goroutine; all tree mutations happen here, so no other goroutine ever
// touches the tree directly.
func (c *ChatServer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.cmds:
			cmd()
		case <-ticker.C:
			c.sweep()
		}
	}
}

// submit enqueues fn to run on the coordinator goroutine and blocks until
// it has (or ctx is done). fn must not block.
func (c *ChatServer) submit(ctx context.Context, fn func()) {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case c.cmds <- wrapped:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Join inserts a client under (session, room). If id is 0 a fresh random
// non-zero client id is allocated; a non-zero id re-adds idempotently.
// It broadcasts [SystemJoin] to every client in the room, then the updated
// roster and room list.
func (c *ChatServer) Join(ctx context.Context, sessionID uuid.UUID, roomName, name string, sink Sink, id uint64) uint64 {
	var assigned uint64
	c.submit(ctx, func() {
		sess, ok := c.sessions[sessionID]
		if !ok {
			sess = newSession()
			c.sessions[sessionID] = sess
		}
		rm, ok := sess.rooms[roomName]
		if !ok {
			rm = newRoom(roomName)
			sess.rooms[roomName] = rm
		}

		assigned = id
		if assigned == 0 {
			assigned = randomClientID()
		}
		if _, exists := rm.clients[assigned]; !exists {
			rm.clients[assigned] = clientMeta{id: assigned, name: name, sink: sink}
			c.log.Info("client joined", "session", sessionID, "room", roomName, "name", name, "client", assigned)
		}

		c.broadcastToRoomLocked(sess, sessionID, roomName, wire.SystemJoin(name, roomName))
		c.broadcastMembersLocked(sess, sessionID, roomName)
		c.broadcastRoomsLocked(sess, sessionID)
	})
	return assigned
}

// Leave removes a client from (session, room) and runs the room/session
// removal and broadcast invariants.
func (c *ChatServer) Leave(ctx context.Context, sessionID uuid.UUID, roomName string, id uint64) {
	c.submit(ctx, func() {
		sess, ok := c.sessions[sessionID]
		if !ok {
			return
		}
		rm, ok := sess.rooms[roomName]
		if !ok {
			return
		}
		if _, ok := rm.clients[id]; !ok {
			return
		}
		delete(rm.clients, id)
		c.log.Info("client left", "session", sessionID, "room", roomName, "client", id)
		c.afterMembershipChangeLocked(sess, sessionID, roomName)
	})
}

// ListRooms returns the room names that currently exist under session.
func (c *ChatServer) ListRooms(ctx context.Context, sessionID uuid.UUID) []string {
	var names []string
	c.submit(ctx, func() {
		sess, ok := c.sessions[sessionID]
		if !ok {
			return
		}
		for name := range sess.rooms {
			names = append(names, name)
		}
		sort.Strings(names)
	})
	return names
}

// RelaySignal is the legacy relay path: it searches every session and room
// for a client named to and delivers message directly, without checking
// that from and to share a room. Self-to-self is always rejected.
func (c *ChatServer) RelaySignal(ctx context.Context, from, to, message string) {
	c.submit(ctx, func() {
		if from == to {
			c.log.Warn("skipping self-to-self signal", "name", from)
			return
		}
		for sid, sess := range c.sessions {
			for roomName, rm := range sess.rooms {
				for id, cl := range rm.clients {
					if cl.name != to {
						continue
					}
					c.sendToClientLocked(sess, sid, roomName, id, message)
					return
				}
			}
		}
		c.log.Warn("signal relay target not found", "to", to)
	})
}

// ValidateAndRelaySignal verifies from and to share a room within session,
// then delivers "[SignalMessage] payload" to to. Self-to-self and
// cross-room targets are dropped with a warning.
func (c *ChatServer) ValidateAndRelaySignal(ctx context.Context, sessionID uuid.UUID, from, to, payload string) {
	c.submit(ctx, func() {
		if from == to {
			c.log.Warn("skipping self-to-self signal", "session", sessionID, "name", from)
			return
		}
		sess, ok := c.sessions[sessionID]
		if !ok {
			c.log.Warn("signal relay: unknown session", "session", sessionID)
			return
		}
		for roomName, rm := range sess.rooms {
			var fromPresent bool
			var toID uint64
			var toPresent bool
			for id, cl := range rm.clients {
				if cl.name == from {
					fromPresent = true
				}
				if cl.name == to {
					toID, toPresent = id, true
				}
			}
			if fromPresent && toPresent {
				c.sendToClientLocked(sess, sessionID, roomName, toID, wire.SignalMessage(payload))
				return
			}
		}
		c.log.Warn("signal relay: sender and target do not share a room", "session", sessionID, "from", from, "to", to)
	})
}

// BroadcastExcept sends frame to every client in (sessionID, roomName)
// except exceptID. It is used for file fan-out, which excludes the
// uploader.
func (c *ChatServer) BroadcastExcept(ctx context.Context, sessionID uuid.UUID, roomName string, exceptID uint64, frame string) {
	c.submit(ctx, func() {
		sess, ok := c.sessions[sessionID]
		if !ok {
			return
		}
		rm, ok := sess.rooms[roomName]
		if !ok {
			return
		}
		var evicted []uint64
		for id, cl := range rm.clients {
			if id == exceptID {
				continue
			}
			if !cl.sink.TrySend(frame) {
				evicted = append(evicted, id)
			}
		}
		if len(evicted) == 0 {
			return
		}
		for _, id := range evicted {
			delete(rm.clients, id)
		}
		c.log.Warn("evicted unresponsive clients during file fan-out", "session", sessionID, "room", roomName, "count", len(evicted))
		c.afterMembershipChangeLocked(sess, sessionID, roomName)
	})
}

// CleanupSession drops the entire subtree for session.
func (c *ChatServer) CleanupSession(ctx context.Context, sessionID uuid.UUID) {
	c.submit(ctx, func() {
		if _, ok := c.sessions[sessionID]; ok {
			delete(c.sessions, sessionID)
			c.log.Info("session cleaned up", "session", sessionID)
		}
	})
}

// Stats returns the current number of live sessions and the total number
// of distinct clients connected across all of them, for periodic
// operational logging.
func (c *ChatServer) Stats(ctx context.Context) (sessions, clients int) {
	c.submit(ctx, func() {
		sessions = len(c.sessions)
		seen := make(map[uint64]struct{})
		for _, sess := range c.sessions {
			for _, rm := range sess.rooms {
				for id := range rm.clients {
					seen[id] = struct{}{}
				}
			}
		}
		clients = len(seen)
	})
	return
}

// sweep deletes every session whose rooms are all empty. It runs on the
// coordinator goroutine already, so it touches the tree directly.
func (c *ChatServer) sweep() {
	var removed int
	for sid, sess := range c.sessions {
		if sess.allEmpty() {
			delete(c.sessions, sid)
			removed++
		}
	}
	if removed > 0 {
		c.log.Debug("cleanup sweep removed empty sessions", "count", removed, "interval", humanize.Time(time.Now().Add(-c.cleanupInterval)))
	}
}

// afterMembershipChangeLocked applies the room/session removal invariants
// following a membership change and broadcasts the results. Must run on
// the coordinator goroutine.
func (c *ChatServer) afterMembershipChangeLocked(sess *session, sessionID uuid.UUID, roomName string) {
	if rm, ok := sess.rooms[roomName]; ok && len(rm.clients) == 0 && roomName != MainRoom {
		delete(sess.rooms, roomName)
	}
	if sess.allEmpty() {
		delete(c.sessions, sessionID)
		return
	}
	if _, ok := sess.rooms[roomName]; ok {
		c.broadcastMembersLocked(sess, sessionID, roomName)
	}
	c.broadcastRoomsLocked(sess, sessionID)
}

// sendToClientLocked delivers frame to one client, evicting it on
// non-blocking send failure and re-running the membership-change
// invariants for the room it was evicted from. Must run on the
// coordinator goroutine.
func (c *ChatServer) sendToClientLocked(sess *session, sessionID uuid.UUID, roomName string, id uint64, frame string) {
	rm, ok := sess.rooms[roomName]
	if !ok {
		return
	}
	cl, ok := rm.clients[id]
	if !ok {
		return
	}
	if cl.sink.TrySend(frame) {
		return
	}
	delete(rm.clients, id)
	c.log.Warn("evicted unresponsive client", "session", sessionID, "room", roomName, "client", id)
	c.afterMembershipChangeLocked(sess, sessionID, roomName)
}

// broadcastToRoomLocked sends frame to every client currently in
// (sessionID, roomName), evicting any that fail the non-blocking send.
// Must run on the coordinator goroutine.
func (c *ChatServer) broadcastToRoomLocked(sess *session, sessionID uuid.UUID, roomName, frame string) {
	rm, ok := sess.rooms[roomName]
	if !ok {
		return
	}
	var evicted []uint64
	for id, cl := range rm.clients {
		if !cl.sink.TrySend(frame) {
			evicted = append(evicted, id)
		}
	}
	if len(evicted) == 0 {
		return
	}
	for _, id := range evicted {
		delete(rm.clients, id)
	}
	c.log.Warn("evicted unresponsive clients during broadcast", "session", sessionID, "room", roomName, "count", len(evicted))
	c.afterMembershipChangeLocked(sess, sessionID, roomName)
}

// broadcastMembersLocked sends [SystemMembers] to every client currently in
// (sessionID, roomName). Must run on the coordinator goroutine.
func (c *ChatServer) broadcastMembersLocked(sess *session, sessionID uuid.UUID, roomName string) {
	rm, ok := sess.rooms[roomName]
	if !ok {
		return
	}
	names := make([]string, 0, len(rm.clients))
	for _, cl := range rm.clients {
		names = append(names, cl.name)
	}
	sort.Strings(names)
	frame := wire.SystemMembers(names)

	var evicted []uint64
	for id, cl := range rm.clients {
		if !cl.sink.TrySend(frame) {
			evicted = append(evicted, id)
		}
	}
	if len(evicted) == 0 {
		return
	}
	for _, id := range evicted {
		delete(rm.clients, id)
	}
	c.log.Warn("evicted unresponsive clients during broadcast", "session", sessionID, "room", roomName, "count", len(evicted))
	c.afterMembershipChangeLocked(sess, sessionID, roomName)
}

// broadcastRoomsLocked sends [SystemRooms] to every client in every room of
// sessionID. Must run on the coordinator goroutine.
func (c *ChatServer) broadcastRoomsLocked(sess *session, sessionID uuid.UUID) {
	names := make([]string, 0, len(sess.rooms))
	for name := range sess.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	frame := wire.SystemRooms(names)

	type target struct {
		room string
		id   uint64
	}
	var evicted []target
	for roomName, rm := range sess.rooms {
		for id, cl := range rm.clients {
			if !cl.sink.TrySend(frame) {
				evicted = append(evicted, target{roomName, id})
			}
		}
	}
	if len(evicted) == 0 {
		return
	}
	for _, t := range evicted {
		if rm, ok := sess.rooms[t.room]; ok {
			delete(rm.clients, t.id)
		}
	}
	c.log.Warn("evicted unresponsive clients during room-list broadcast", "session", sessionID, "count", len(evicted))
	for _, t := range evicted {
		c.afterMembershipChangeLocked(sess, sessionID, t.room)
	}
}

// randomClientID returns a uniformly random non-zero 64-bit id.
func randomClientID() uint64 {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			continue
		}
		id := binary.BigEndian.Uint64(buf[:])
		if id != 0 {
			return id
		}
	}
}
