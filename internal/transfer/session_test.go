package transfer

import (
	"errors"
	"strings"
	"testing"

	"github.com/MikeSquared-Agency/archivist/internal/archerr"
)

// sliceChunks splits a payload the same way the sender does: fixed byte
// offsets, no regard for rune boundaries.
func sliceChunks(payload []byte) [][]byte {
	var chunks [][]byte
	for start := 0; start < len(payload); start += ChunkSize {
		end := start + ChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[start:end])
	}
	return chunks
}

func TestSessionTable_RoundTrip(t *testing.T) {
	// Two full slices plus a short final slice.
	payload := strings.Repeat("x", 2*ChunkSize) + "tail-bytes"
	chunks := sliceChunks([]byte(payload))
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}

	table := NewSessionTable()
	if err := table.Init("t-1", "https://host/c/a", len(chunks)); err != nil {
		t.Fatalf("Init: %v", err)
	}
	for i, c := range chunks {
		if err := table.Append("t-1", i, c); err != nil {
			t.Fatalf("Append chunk %d: %v", i, err)
		}
	}

	got, url, err := table.Complete("t-1")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != payload {
		t.Errorf("reassembled payload differs from original (len %d vs %d)", len(got), len(payload))
	}
	if url != "https://host/c/a" {
		t.Errorf("url = %q", url)
	}
	if table.Len() != 0 {
		t.Errorf("session not cleared, %d remaining", table.Len())
	}
}

func TestSessionTable_RuneSplitAcrossChunks(t *testing.T) {
	// The boundary falls between the two bytes of "é"; reassembly must
	// still be byte-identical.
	payload := []byte("caf\xc3\xa9 latte")
	table := NewSessionTable()
	if err := table.Init("t-r", "u", 2); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := table.Append("t-r", 0, payload[:4]); err != nil {
		t.Fatalf("Append 0: %v", err)
	}
	if err := table.Append("t-r", 1, payload[4:]); err != nil {
		t.Fatalf("Append 1: %v", err)
	}

	got, _, err := table.Complete("t-r")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != string(payload) {
		t.Errorf("got % x, want % x", got, payload)
	}
}

func TestSessionTable_IncompleteTransfer(t *testing.T) {
	table := NewSessionTable()
	if err := table.Init("t-1", "u", 3); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := table.Append("t-1", 0, []byte("a")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	_, _, err := table.Complete("t-1")
	if err == nil {
		t.Fatal("expected incomplete-transfer error")
	}
	var terr *archerr.TransferError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransferError, got %T", err)
	}
	if !terr.Incomplete {
		t.Error("expected Incomplete flag")
	}
	if !strings.Contains(terr.Msg, "incomplete transfer") {
		t.Errorf("error message = %q", terr.Msg)
	}
	// The partial session is consumed either way.
	if table.Len() != 0 {
		t.Errorf("partial session not discarded, %d remaining", table.Len())
	}
}

func TestSessionTable_ProtocolViolations(t *testing.T) {
	tests := []struct {
		name string
		run  func(table *SessionTable) error
	}{
		{
			"append to unknown session",
			func(table *SessionTable) error { return table.Append("nope", 0, []byte("a")) },
		},
		{
			"out-of-order chunk",
			func(table *SessionTable) error {
				_ = table.Init("t", "u", 2)
				return table.Append("t", 1, []byte("a"))
			},
		},
		{
			"more chunks than declared",
			func(table *SessionTable) error {
				_ = table.Init("t", "u", 1)
				if err := table.Append("t", 0, []byte("a")); err != nil {
					return err
				}
				return table.Append("t", 1, []byte("b"))
			},
		},
		{
			"complete unknown session",
			func(table *SessionTable) error {
				_, _, err := table.Complete("nope")
				return err
			},
		},
		{
			"init with zero chunks",
			func(table *SessionTable) error { return table.Init("t", "u", 0) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run(NewSessionTable())
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			var terr *archerr.TransferError
			if !errors.As(err, &terr) {
				t.Errorf("expected TransferError, got %T", err)
			}
		})
	}
}

func TestSessionTable_InterleavedSessions(t *testing.T) {
	table := NewSessionTable()
	if err := table.Init("a", "url-a", 2); err != nil {
		t.Fatalf("Init a: %v", err)
	}
	if err := table.Init("b", "url-b", 2); err != nil {
		t.Fatalf("Init b: %v", err)
	}

	// Interleave chunk arrival across the two sessions.
	steps := []struct {
		id    string
		index int
		data  string
	}{
		{"a", 0, "a0."}, {"b", 0, "b0."}, {"b", 1, "b1."}, {"a", 1, "a1."},
	}
	for _, s := range steps {
		if err := table.Append(s.id, s.index, []byte(s.data)); err != nil {
			t.Fatalf("Append %s[%d]: %v", s.id, s.index, err)
		}
	}

	gotA, urlA, err := table.Complete("a")
	if err != nil {
		t.Fatalf("Complete a: %v", err)
	}
	gotB, urlB, err := table.Complete("b")
	if err != nil {
		t.Fatalf("Complete b: %v", err)
	}
	if gotA != "a0.a1." || urlA != "url-a" {
		t.Errorf("session a = %q / %q", gotA, urlA)
	}
	if gotB != "b0.b1." || urlB != "url-b" {
		t.Errorf("session b = %q / %q", gotB, urlB)
	}
}

func TestSessionTable_InitResetsExisting(t *testing.T) {
	table := NewSessionTable()
	_ = table.Init("t", "u", 2)
	_ = table.Append("t", 0, []byte("stale"))

	// Re-init replaces the stale session entirely.
	if err := table.Init("t", "u2", 1); err != nil {
		t.Fatalf("re-Init: %v", err)
	}
	if err := table.Append("t", 0, []byte("fresh")); err != nil {
		t.Fatalf("Append after re-Init: %v", err)
	}
	got, url, err := table.Complete("t")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "fresh" || url != "u2" {
		t.Errorf("got %q / %q", got, url)
	}
}
