// Package wire implements the tag-prefixed text protocol and the
// null-delimited binary chunk protocol carried over the WebSocket.
package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"pastepoint/internal/apperr"
)

// Inbound and outbound tag literals. Every text frame begins with one of
// these, except [SystemJoin] which is suffixed onto the sender's name.
const (
	TagUserCommand      = "[UserCommand]"
	TagSignalMessage    = "[SignalMessage]"
	TagUserDisconnected = "[UserDisconnected]"
	TagSystemRooms      = "[SystemRooms]"
	TagSystemJoin       = "[SystemJoin]"
	TagSystemMembers    = "[SystemMembers]"
	TagSystemName       = "[SystemName]"
	TagSystemError      = "[SystemError]"
	TagSystemFile       = "[SystemFile]"
	TagSystemAck        = "[SystemAck]"
)

// ChunkMetadata is the JSON header preceding each binary chunk frame.
type ChunkMetadata struct {
	FileName     string `json:"file_name"`
	MimeType     string `json:"mime_type"`
	TotalChunks  int    `json:"total_chunks"`
	CurrentChunk int    `json:"current_chunk"`
}

// SplitBinaryFrame splits a binary frame into its JSON metadata header and
// chunk payload at the first zero byte. ok is false when no zero byte is
// present.
func SplitBinaryFrame(frame []byte) (metadata, data []byte, ok bool) {
	pos := bytes.IndexByte(frame, 0x00)
	if pos < 0 {
		return nil, nil, false
	}
	return frame[:pos], frame[pos+1:], true
}

// ParseChunkMetadata unmarshals a binary frame's metadata header.
func ParseChunkMetadata(raw []byte) (ChunkMetadata, error) {
	var meta ChunkMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ChunkMetadata{}, fmt.Errorf("%w: %v", apperr.ErrMetadataParsing, err)
	}
	return meta, nil
}

// SystemJoin renders the join notification: "<name> [SystemJoin] <room>".
func SystemJoin(name, room string) string {
	return fmt.Sprintf("%s %s %s", name, TagSystemJoin, room)
}

// SystemRooms renders the room list broadcast.
func SystemRooms(rooms []string) string {
	return fmt.Sprintf("%s %s", TagSystemRooms, strings.Join(rooms, ", "))
}

// SystemMembers renders the roster broadcast for one room.
func SystemMembers(names []string) string {
	return fmt.Sprintf("%s %s", TagSystemMembers, strings.Join(names, ", "))
}

// SystemName renders the reply to a /name command.
func SystemName(name string) string {
	return fmt.Sprintf("%s %s", TagSystemName, name)
}

// SystemError renders a user-visible error frame.
func SystemError(msg string) string {
	return fmt.Sprintf("%s %s", TagSystemError, msg)
}

// SignalMessage renders a relayed signaling payload.
func SignalMessage(payload string) string {
	return fmt.Sprintf("%s %s", TagSignalMessage, payload)
}

// SystemFile renders the completed-upload fan-out frame:
// "[SystemFile]:<file_name>:<mime_type>:<base64(data)>".
func SystemFile(fileName, mimeType string, data []byte) string {
	return fmt.Sprintf("%s:%s:%s:%s", TagSystemFile, fileName, mimeType, base64.StdEncoding.EncodeToString(data))
}

// SystemAck renders the sender's own upload confirmation.
func SystemAck(fileName string) string {
	return fmt.Sprintf("%s: File '%s' sent successfully.", TagSystemAck, fileName)
}
