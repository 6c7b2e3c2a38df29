// Package apperr defines the abstract error kinds shared by the session
// store, chat coordinator, and connection state machine. Callers compare
// against the sentinels with errors.Is; the HTTP layer maps them to status
// codes.
package apperr

import "errors"

var (
	// ErrNotFound means a key, session, room, or client id has no entry.
	ErrNotFound = errors.New("not found")

	// ErrExpired means a private session code was resolved after its grace
	// period elapsed.
	ErrExpired = errors.New("expired")

	// ErrBadRequest wraps a caller input error (empty code, malformed header).
	ErrBadRequest = errors.New("bad request")

	// ErrIndexOutOfBounds means a chunk index was >= total_chunks.
	ErrIndexOutOfBounds = errors.New("index out of bounds")

	// ErrChunkMissing means reassembly was attempted with a gap in the chunk
	// sequence.
	ErrChunkMissing = errors.New("chunk missing")

	// ErrInvalidFile means a binary frame could not be split into metadata
	// and payload.
	ErrInvalidFile = errors.New("invalid file")

	// ErrMetadataParsing means the JSON chunk metadata failed to parse.
	ErrMetadataParsing = errors.New("metadata parsing error")

	// ErrInternal is a catch-all for failures that should never surface
	// details to the client (lock poisoning, allocator exhaustion).
	ErrInternal = errors.New("internal server error")
)
