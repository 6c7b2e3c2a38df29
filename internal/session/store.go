// Package session implements the key→session registry: it maps a
// connection key (client IP for public sessions, a random code for private
// ones) to a session UUID, tracks how many live Connections reference each
// session, and schedules deferred expiration for private sessions that
// empty out.
package session

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"pastepoint/internal/apperr"
)

// codeAlphabet is the 57-character ambiguity-free alphabet used for private
// session codes (excludes the easily-confused glyphs I, O, l, 0 and 1).
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789"

// DefaultExpiration is SESSION_EXPIRATION_TIME: the grace period an empty
// private session survives before its code is permanently retired.
const DefaultExpiration = 60 * time.Second

// DefaultCodeLength is SESSION_CODE_LENGTH.
const DefaultCodeLength = 10

type entry struct {
	id      uuid.UUID
	private bool
}

// OnSessionEmpty is invoked, outside any lock, when a session's refcount
// drops to zero — the ChatServer uses it to drop the corresponding subtree.
type OnSessionEmpty func(id uuid.UUID)

// Store is the concurrency-safe key→session registry described in the
// SessionStore design. All four maps are guarded by a single mutex: they
// are always mutated together atomically (an insert always pairs with a
// refcount set, a removal always pairs with scheduling or deleting), so a
// single critical section gives the same atomicity as an ordered chain of
// per-map locks without the ordering discipline that chain would require.
type Store struct {
	mu         sync.Mutex
	keyToID    map[string]entry
	refcounts  map[uuid.UUID]int
	expired    map[string]bool
	scheduled  map[string]*time.Timer
	expiration time.Duration
	onEmpty    OnSessionEmpty
	log        *slog.Logger
}

// New creates an empty store. onEmpty may be nil.
func New(expiration time.Duration, onEmpty OnSessionEmpty, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		keyToID:    make(map[string]entry),
		refcounts:  make(map[uuid.UUID]int),
		expired:    make(map[string]bool),
		scheduled:  make(map[string]*time.Timer),
		expiration: expiration,
		onEmpty:    onEmpty,
		log:        log,
	}
}

// Resolve looks up (or, unless strict, creates) the session for key.
func (s *Store) Resolve(key string, strict, private bool) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if private && s.expired[key] {
		return uuid.Nil, apperr.ErrExpired
	}

	if private {
		if t, ok := s.scheduled[key]; ok {
			t.Stop()
			delete(s.scheduled, key)
		}
	}

	if e, ok := s.keyToID[key]; ok {
		s.refcounts[e.id]++
		s.log.Debug("session resolved", "key", key, "session", e.id, "refcount", s.refcounts[e.id])
		return e.id, nil
	}

	if strict {
		return uuid.Nil, apperr.ErrNotFound
	}

	id := uuid.New()
	s.keyToID[key] = entry{id: id, private: private}
	s.refcounts[id] = 1
	s.log.Info("session created", "key", key, "session", id, "private", private)
	return id, nil
}

// CreatePrivateCode allocates a fresh private session with refcount 0 and
// returns its code. The session is not yet referenced by any Connection;
// the first Resolve(code, ...) increments its refcount to 1.
func (s *Store) CreatePrivateCode(length int) (string, error) {
	if length <= 0 {
		length = DefaultCodeLength
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	code, err := s.freshCodeLocked(length)
	if err != nil {
		return "", fmt.Errorf("generate session code: %w", apperr.ErrInternal)
	}

	id := uuid.New()
	s.keyToID[code] = entry{id: id, private: true}
	s.refcounts[id] = 0
	s.log.Info("private session created", "code", code, "session", id)
	return code, nil
}

func (s *Store) freshCodeLocked(length int) (string, error) {
	for attempt := 0; attempt < 100; attempt++ {
		code, err := randomCode(length)
		if err != nil {
			return "", err
		}
		if _, taken := s.keyToID[code]; taken {
			continue
		}
		if s.expired[code] {
			continue
		}
		return code, nil
	}
	return "", fmt.Errorf("no unused session code found after 100 attempts")
}

func randomCode(length int) (string, error) {
	buf := make([]byte, length)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// Release decrements id's refcount. When it reaches zero, every key mapped
// to id is retired: public keys are deleted immediately, private keys are
// scheduled for expiration after s.expiration. onEmpty is invoked after the
// lock is released.
func (s *Store) Release(id uuid.UUID) {
	s.mu.Lock()

	count, ok := s.refcounts[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	count--
	if count > 0 {
		s.refcounts[id] = count
		s.mu.Unlock()
		return
	}
	delete(s.refcounts, id)

	for key, e := range s.keyToID {
		if e.id != id {
			continue
		}
		if !e.private {
			delete(s.keyToID, key)
			continue
		}
		s.scheduleExpirationLocked(key)
	}
	s.mu.Unlock()

	if s.onEmpty != nil {
		s.onEmpty(id)
	}
}

// scheduleExpirationLocked must be called with s.mu held.
func (s *Store) scheduleExpirationLocked(key string) {
	var timer *time.Timer
	timer = time.AfterFunc(s.expiration, func() { s.fireExpiration(key, timer) })
	s.scheduled[key] = timer
}

// fireExpiration re-checks that self is still the scheduled timer for key
// before acting, so a reconnect-then-release cycle that installed a new
// timer on the same key cannot be pre-empted by a stale firing.
func (s *Store) fireExpiration(key string, self *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scheduled[key] != self {
		return
	}
	delete(s.scheduled, key)
	delete(s.keyToID, key)
	s.expired[key] = true
	s.log.Info("private session expired", "code", key)
}
