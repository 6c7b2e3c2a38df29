// Package connection implements the per-socket state machine: it parses
// the tag-prefixed text protocol and the chunked binary upload protocol,
// enforces heartbeats, and drives Join/Leave/Signal traffic against the
// ChatServer coordinator.
package connection

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pastepoint/internal/apperr"
	"pastepoint/internal/chatserver"
	"pastepoint/internal/fileup"
	"pastepoint/internal/namegen"
	"pastepoint/internal/session"
	"pastepoint/internal/wire"
)

const (
	textMessage   = websocket.TextMessage
	binaryMessage = websocket.BinaryMessage
	pingMessage   = websocket.PingMessage
	pongMessage   = websocket.PongMessage
)

// Numeric constants from the wire protocol.
const (
	MaxFrameSize      = 64 * 1024
	MaxSignalSize     = 1024 * 1024
	HeartbeatInterval = 120 * time.Second
	HeartbeatTimeout  = 300 * time.Second
)

// state is the Connection's lifecycle state.
type state int

const (
	stateCreated state = iota
	stateRunning
	stateStopped
)

// transport is the subset of *websocket.Conn the Connection drives. It is
// narrowed to an interface so the frame-dispatch logic can be tested
// without a live socket.
type transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	SetPingHandler(h func(appData string) error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Connection is one per-socket state machine.
type Connection struct {
	sessionID uuid.UUID
	clientID  uint64
	autoJoin  bool

	store *session.Store
	chat  *chatserver.ChatServer
	log   *slog.Logger

	tr transport

	mu            sync.Mutex
	room          string
	name          string
	lastHeartbeat time.Time
	reassemblers  map[string]*fileup.Reassembler
	st            state

	outbound chan string
}

// New creates a Connection bound to sessionID. Call Run to start it.
func New(sessionID uuid.UUID, autoJoin bool, store *session.Store, chat *chatserver.ChatServer, tr transport, log *slog.Logger) *Connection {
	if log == nil {
		log = slog.Default()
	}
	return &Connection{
		sessionID:     sessionID,
		clientID:      randomNonZeroID(),
		autoJoin:      autoJoin,
		store:         store,
		chat:          chat,
		tr:            tr,
		log:           log,
		name:          namegen.Generate(),
		reassemblers:  make(map[string]*fileup.Reassembler),
		lastHeartbeat: time.Now(),
		outbound:      make(chan string, 64),
		st:            stateCreated,
	}
}

// TrySend implements chatserver.Sink: a non-blocking enqueue onto the
// outbound buffer. The writer goroutine drains it onto the socket.
func (c *Connection) TrySend(frame string) bool {
	select {
	case c.outbound <- frame:
		return true
	default:
		return false
	}
}

// Run drives the Connection until the transport closes, ctx is cancelled,
// or the heartbeat times out. It blocks until the Connection has fully
// stopped (Leave emitted, session released).
func (c *Connection) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.st = stateRunning
	c.mu.Unlock()

	c.tr.SetPongHandler(func(string) error {
		c.touchHeartbeat()
		return nil
	})
	// Overriding the default ping handler drops gorilla's automatic pong
	// reply, so replicate it here alongside the heartbeat touch.
	c.tr.SetPingHandler(func(appData string) error {
		c.touchHeartbeat()
		err := c.tr.WriteControl(pongMessage, []byte(appData), time.Now().Add(10*time.Second))
		if err != nil {
			c.log.Debug("pong write failed", "client", c.clientID, "error", err)
		}
		return nil
	})
	c.touchHeartbeat()

	if c.autoJoin {
		c.joinRoom(ctx, chatserver.MainRoom)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		c.readLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		c.writeLoop(ctx)
	}()

	go func() {
		defer cancel()
		c.heartbeatLoop(ctx)
	}()

	// The read loop blocks in ReadMessage with no way to observe ctx
	// itself; whichever path cancels ctx first (write failure, heartbeat
	// timeout, or the caller) must close the transport to unblock it.
	go func() {
		<-ctx.Done()
		_ = c.tr.Close()
	}()

	<-ctx.Done()
	wg.Wait()
	c.stop(context.Background())
}

// touchHeartbeat records the most recent heartbeat activity and pushes the
// transport's read deadline out by HeartbeatTimeout, so a silent peer makes
// ReadMessage fail on its own rather than relying solely on heartbeatLoop's
// ticker to notice.
func (c *Connection) touchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
	if err := c.tr.SetReadDeadline(time.Now().Add(HeartbeatTimeout)); err != nil {
		c.log.Debug("set read deadline failed", "client", c.clientID, "error", err)
	}
}

func (c *Connection) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := time.Since(c.lastHeartbeat)
			c.mu.Unlock()
			if idle > HeartbeatTimeout {
				c.log.Info("heartbeat timeout, closing connection", "client", c.clientID, "idle", idle)
				return
			}
			if err := c.tr.WriteControl(pingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				c.log.Debug("ping write failed", "client", c.clientID, "error", err)
				return
			}
		}
	}
}

func (c *Connection) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.outbound:
			if err := c.tr.WriteMessage(textMessage, []byte(frame)); err != nil {
				c.log.Debug("write failed", "client", c.clientID, "error", err)
				return
			}
		}
	}
}

func (c *Connection) readLoop(ctx context.Context) {
	for {
		msgType, data, err := c.tr.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case textMessage:
			c.handleText(ctx, string(data))
		case binaryMessage:
			c.handleBinary(ctx, data)
		}
	}
}

// handleText dispatches one inbound text frame.
func (c *Connection) handleText(ctx context.Context, text string) {
	trimmed := strings.TrimSpace(text)

	switch {
	case strings.HasPrefix(trimmed, wire.TagUserCommand):
		c.handleCommand(ctx, strings.TrimSpace(strings.TrimPrefix(trimmed, wire.TagUserCommand)))
	case strings.HasPrefix(trimmed, wire.TagSignalMessage):
		c.handleSignal(ctx, strings.TrimSpace(strings.TrimPrefix(trimmed, wire.TagSignalMessage)))
	case trimmed == wire.TagUserDisconnected:
		c.requestStop()
	default:
		c.TrySend(wire.SystemError("Error Unknown command: Not Found"))
	}
}

func (c *Connection) requestStop() {
	// A client-initiated disconnect closes the transport; the read loop's
	// next ReadMessage call returns an error and the normal stop path runs.
	_ = c.tr.Close()
}

// handleCommand implements /list, /join <room>, and /name.
func (c *Connection) handleCommand(ctx context.Context, cmd string) {
	if !strings.HasPrefix(cmd, "/") {
		c.TrySend(wire.SystemError(fmt.Sprintf("Unknown command: %s", cmd)))
		return
	}
	parts := strings.SplitN(cmd, " ", 2)
	name := parts[0]
	var arg string
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}

	switch name {
	case "/list":
		rooms := c.chat.ListRooms(ctx, c.sessionID)
		c.TrySend(wire.SystemRooms(rooms))
	case "/join":
		if arg == "" {
			c.TrySend(wire.SystemError("Room name is required"))
			return
		}
		c.joinRoom(ctx, arg)
	case "/name":
		c.mu.Lock()
		current := c.name
		c.mu.Unlock()
		c.TrySend(wire.SystemName(current))
	default:
		c.TrySend(wire.SystemError(fmt.Sprintf("Unknown command: %s", cmd)))
	}
}

// joinRoom leaves the current room (if any) and joins target, a no-op if
// already there.
func (c *Connection) joinRoom(ctx context.Context, target string) {
	c.mu.Lock()
	current := c.room
	name := c.name
	c.mu.Unlock()

	if current == target {
		return
	}
	if current != "" {
		c.chat.Leave(ctx, c.sessionID, current, c.clientID)
	}
	c.chat.Join(ctx, c.sessionID, target, name, c, c.clientID)

	c.mu.Lock()
	c.room = target
	c.mu.Unlock()
}

// handleSignal implements the signal relay path from the wire protocol.
func (c *Connection) handleSignal(ctx context.Context, raw string) {
	if len(raw) > MaxSignalSize {
		c.TrySend(wire.SystemError("Signal message too large"))
		return
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		c.TrySend(wire.SystemError("Invalid signaling message format"))
		return
	}

	to, ok := payload["to"].(string)
	if !ok || to == "" {
		c.TrySend(wire.SystemError("Signaling message missing 'to' field"))
		return
	}

	c.mu.Lock()
	from := c.name
	c.mu.Unlock()

	c.chat.ValidateAndRelaySignal(ctx, c.sessionID, from, to, raw)
}

// handleBinary implements the chunked file upload protocol.
func (c *Connection) handleBinary(ctx context.Context, frame []byte) {
	metaRaw, chunk, ok := wire.SplitBinaryFrame(frame)
	if !ok {
		c.TrySend(wire.SystemError("Invalid File"))
		return
	}

	meta, err := wire.ParseChunkMetadata(metaRaw)
	if err != nil {
		c.TrySend(wire.SystemError("Metadata Parsing Error"))
		return
	}

	c.mu.Lock()
	r, ok := c.reassemblers[meta.FileName]
	if !ok {
		r = fileup.New(meta.TotalChunks)
		c.reassemblers[meta.FileName] = r
	}
	c.mu.Unlock()

	if err := r.Add(meta.CurrentChunk, chunk); err != nil {
		if errors.Is(err, apperr.ErrIndexOutOfBounds) {
			c.TrySend(wire.SystemError("IndexOutOfBounds"))
		}
		return
	}

	if !r.Complete() {
		return
	}

	c.mu.Lock()
	delete(c.reassemblers, meta.FileName)
	room := c.room
	c.mu.Unlock()

	data, err := r.Reassemble()
	if err != nil {
		c.log.Error("reassembly failed despite complete() == true", "file", meta.FileName, "error", err)
		return
	}

	c.chat.BroadcastExcept(ctx, c.sessionID, room, c.clientID, wire.SystemFile(meta.FileName, meta.MimeType, data))
	c.TrySend(wire.SystemAck(meta.FileName))
	c.log.Info("file reassembled", "client", c.clientID, "file", meta.FileName, "size", humanize.Bytes(uint64(len(data))))
}

// stop runs the Stopped transition: Leave if in a room, release the
// session reference, close the transport.
func (c *Connection) stop(ctx context.Context) {
	c.mu.Lock()
	if c.st == stateStopped {
		c.mu.Unlock()
		return
	}
	c.st = stateStopped
	room := c.room
	c.mu.Unlock()

	if room != "" {
		c.chat.Leave(ctx, c.sessionID, room, c.clientID)
	}
	c.store.Release(c.sessionID)
	_ = c.tr.Close()
	c.log.Info("connection stopped", "client", c.clientID, "session", c.sessionID)
}

// randomNonZeroID allocates the Connection's client id up front so the id
// is stable across the auto-join Join call and any later /join calls.
func randomNonZeroID() uint64 {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			continue
		}
		if v := binary.BigEndian.Uint64(buf[:]); v != 0 {
			return v
		}
	}
}
