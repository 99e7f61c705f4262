package transfer

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/MikeSquared-Agency/archivist/internal/archerr"
)

// session accumulates one in-flight chunked transfer. The buffer is
// byte-oriented: chunk boundaries can split a multi-byte rune, so the
// payload is only a valid string again once fully reassembled.
type session struct {
	buffer         bytes.Buffer
	expectedChunks int
	receivedChunks int
	targetURL      string
}

// SessionTable holds reassembly sessions keyed by transfer ID. Keying by
// ID (rather than a single process-wide buffer) lets two transfers
// interleave safely even though the orchestrator currently sends one at
// a time.
type SessionTable struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: make(map[string]*session)}
}

// Init opens (or resets) the session for a transfer ID.
func (t *SessionTable) Init(id, url string, totalChunks int) error {
	if id == "" {
		return &archerr.TransferError{Msg: "transfer init: missing transfer id"}
	}
	if totalChunks <= 0 {
		return &archerr.TransferError{Msg: "transfer init: total chunks must be positive"}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[id] = &session{expectedChunks: totalChunks, targetURL: url}
	return nil
}

// Append adds one chunk to a session. Chunks are sent and acknowledged
// strictly in order, so an index that does not match the count received
// so far means the protocol was violated.
func (t *SessionTable) Append(id string, index int, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return &archerr.TransferError{Msg: "transfer chunk: unknown transfer id " + id}
	}
	if index != s.receivedChunks {
		return &archerr.TransferError{Msg: "transfer chunk: out-of-order chunk"}
	}
	if s.receivedChunks >= s.expectedChunks {
		return &archerr.TransferError{Msg: "transfer chunk: more chunks than declared"}
	}
	s.buffer.Write(data)
	s.receivedChunks++
	return nil
}

// Complete verifies chunk completeness, consumes the session, and
// returns the reassembled payload with its target URL. On a count
// mismatch the session is still discarded: a partial buffer is never
// parsed.
func (t *SessionTable) Complete(id string) (html, url string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return "", "", &archerr.TransferError{Msg: "transfer complete: unknown transfer id " + id}
	}
	delete(t.sessions, id)

	if s.receivedChunks != s.expectedChunks {
		return "", "", &archerr.TransferError{
			Msg:        fmt.Sprintf("incomplete transfer: expected %d chunks, received %d", s.expectedChunks, s.receivedChunks),
			Incomplete: true,
		}
	}
	return s.buffer.String(), s.targetURL, nil
}

// Len reports the number of in-flight sessions.
func (t *SessionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
