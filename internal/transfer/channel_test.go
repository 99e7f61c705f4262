package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"testing"

	"github.com/MikeSquared-Agency/archivist/internal/archerr"
	"github.com/MikeSquared-Agency/archivist/internal/extract"
)

// fakeBus scripts the parsing context's side of the handshake.
type fakeBus struct {
	subjects []string
	table    *SessionTable
	// failOn, when set, rejects the nth request to that subject.
	failOn     string
	failAtCall int
	calls      map[string]int
	lastRecord *extract.ConversationRecord
}

func newFakeBus() *fakeBus {
	return &fakeBus{table: NewSessionTable(), calls: make(map[string]int)}
}

func (f *fakeBus) Request(_ context.Context, subject string, payload, out any) error {
	f.subjects = append(f.subjects, subject)
	f.calls[subject]++

	if subject == f.failOn && f.calls[subject] == f.failAtCall {
		if ack, ok := out.(*Ack); ok {
			*ack = Ack{OK: false, Error: "receiving context rejected step", ErrorKind: ErrKindTransfer}
			return nil
		}
		return errors.New("receiving context not ready")
	}

	switch subject {
	case SubjectTransferInit:
		req := payload.(InitRequest)
		err := f.table.Init(req.TransferID, req.URL, req.TotalChunks)
		*out.(*Ack) = ackFor(err)
	case SubjectTransferChunk:
		req := payload.(ChunkRequest)
		err := f.table.Append(req.TransferID, req.Index, req.Data)
		*out.(*Ack) = ackFor(err)
	case SubjectTransferComplete:
		req := payload.(CompleteRequest)
		html, url, err := f.table.Complete(req.TransferID)
		if err != nil {
			var terr *archerr.TransferError
			incomplete := errors.As(err, &terr) && terr.Incomplete
			*out.(*ParseReply) = ParseReply{Error: err.Error(), ErrorKind: ErrKindTransfer, Incomplete: incomplete}
			return nil
		}
		f.lastRecord = &extract.ConversationRecord{SourceURL: url, Title: "len:" + lenMarker(len(html))}
		*out.(*ParseReply) = ParseReply{Record: f.lastRecord}
	case SubjectDirectParse:
		req := payload.(DirectParseRequest)
		f.lastRecord = &extract.ConversationRecord{SourceURL: req.URL, Title: "len:" + lenMarker(len(req.HTML))}
		*out.(*ParseReply) = ParseReply{Record: f.lastRecord}
	case SubjectRender:
		*out.(*RenderReply) = RenderReply{Content: []byte("rendered"), Filename: "f.md", MimeType: "text/markdown"}
	}
	return nil
}

func ackFor(err error) Ack {
	if err != nil {
		return Ack{OK: false, Error: err.Error(), ErrorKind: ErrKindTransfer}
	}
	return Ack{OK: true}
}

func lenMarker(n int) string {
	return strconv.Itoa(n)
}

func TestChannel_DirectBelowThreshold(t *testing.T) {
	bus := newFakeBus()
	ch := NewChannel(bus, slog.Default())

	rec, err := ch.Send(context.Background(), "<html><body>small</body></html>", "https://host/c/a")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rec.SourceURL != "https://host/c/a" {
		t.Errorf("source url = %q", rec.SourceURL)
	}
	if len(bus.subjects) != 1 || bus.subjects[0] != SubjectDirectParse {
		t.Errorf("subjects = %v, want single direct parse", bus.subjects)
	}
}

func TestChannel_ChunkedAtThreshold(t *testing.T) {
	payload := strings.Repeat("a", DirectThreshold) // exactly at threshold: must chunk
	bus := newFakeBus()
	ch := NewChannel(bus, slog.Default())

	rec, err := ch.Send(context.Background(), payload, "https://host/c/big")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// init + 5 chunks + complete, strictly in order.
	want := []string{SubjectTransferInit}
	for i := 0; i < 5; i++ {
		want = append(want, SubjectTransferChunk)
	}
	want = append(want, SubjectTransferComplete)
	if len(bus.subjects) != len(want) {
		t.Fatalf("subjects = %v", bus.subjects)
	}
	for i := range want {
		if bus.subjects[i] != want[i] {
			t.Errorf("step %d = %s, want %s", i, bus.subjects[i], want[i])
		}
	}

	// Byte-identical reassembly is visible through the fake's length marker.
	if rec.Title != "len:"+lenMarker(len(payload)) {
		t.Errorf("reassembled length marker = %q", rec.Title)
	}
}

func TestChannel_ChunkRejectionStopsTransfer(t *testing.T) {
	payload := strings.Repeat("b", DirectThreshold+100)
	bus := newFakeBus()
	bus.failOn = SubjectTransferChunk
	bus.failAtCall = 2
	ch := NewChannel(bus, slog.Default())

	_, err := ch.Send(context.Background(), payload, "https://host/c/big")
	if err == nil {
		t.Fatal("expected transfer error")
	}
	var terr *archerr.TransferError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransferError, got %T: %v", err, err)
	}
	for _, s := range bus.subjects {
		if s == SubjectTransferComplete {
			t.Error("complete must not be sent after a rejected chunk")
		}
	}
}

func TestChannel_IncompleteCompleteSurfacesFlag(t *testing.T) {
	bus := newFakeBus()

	// Drive the protocol by hand: declare 2 chunks, deliver 1, complete.
	_ = bus.table.Init("manual", "u", 2)
	_ = bus.table.Append("manual", 0, []byte("only"))
	var reply ParseReply
	_ = bus.Request(context.Background(), SubjectTransferComplete, CompleteRequest{TransferID: "manual"}, &reply)

	_, err := parseReplyResult(&reply)
	if err == nil {
		t.Fatal("expected error")
	}
	var terr *archerr.TransferError
	if !errors.As(err, &terr) || !terr.Incomplete {
		t.Errorf("expected incomplete TransferError, got %v", err)
	}
}

// jsonBus applies the same JSON encode/decode framing the real bus
// does, so payloads reach the session table exactly as they would over
// the wire.
type jsonBus struct {
	table    *SessionTable
	received []byte
}

func (b *jsonBus) Request(_ context.Context, subject string, payload, out any) error {
	reframe := func(in, target any) error {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, target)
	}

	switch subject {
	case SubjectTransferInit:
		var req InitRequest
		if err := reframe(payload, &req); err != nil {
			return err
		}
		return reframe(ackFor(b.table.Init(req.TransferID, req.URL, req.TotalChunks)), out)
	case SubjectTransferChunk:
		var req ChunkRequest
		if err := reframe(payload, &req); err != nil {
			return err
		}
		return reframe(ackFor(b.table.Append(req.TransferID, req.Index, req.Data)), out)
	case SubjectTransferComplete:
		var req CompleteRequest
		if err := reframe(payload, &req); err != nil {
			return err
		}
		html, url, err := b.table.Complete(req.TransferID)
		if err != nil {
			return reframe(ParseReply{Error: err.Error(), ErrorKind: ErrKindTransfer}, out)
		}
		b.received = []byte(html)
		return reframe(ParseReply{Record: &extract.ConversationRecord{SourceURL: url}}, out)
	case SubjectDirectParse:
		var req DirectParseRequest
		if err := reframe(payload, &req); err != nil {
			return err
		}
		b.received = req.HTML
		return reframe(ParseReply{Record: &extract.ConversationRecord{SourceURL: req.URL}}, out)
	}
	return nil
}

func firstDiff(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

func TestChannel_ChunkedSurvivesFramingWithSplitRunes(t *testing.T) {
	// "é" is two bytes in UTF-8; a run of them ending just past the
	// first chunk boundary guarantees the boundary lands mid-rune. A
	// string-typed wire field would have the invalid halves rewritten
	// to U+FFFD by the JSON encoder on both sides of the split.
	var sb strings.Builder
	sb.WriteString(strings.Repeat("a", ChunkSize-1))
	sb.WriteString(strings.Repeat("é", 4))
	sb.WriteString(strings.Repeat("b", 4*ChunkSize))
	payload := sb.String()
	if len(payload) < DirectThreshold {
		t.Fatalf("payload must be large enough to chunk, got %d bytes", len(payload))
	}

	bus := &jsonBus{table: NewSessionTable()}
	ch := NewChannel(bus, slog.Default())

	if _, err := ch.Send(context.Background(), payload, "https://host/c/utf8"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !bytes.Equal(bus.received, []byte(payload)) {
		i := firstDiff(bus.received, []byte(payload))
		t.Errorf("reassembled payload differs from original: len got=%d want=%d, first diff at byte %d",
			len(bus.received), len(payload), i)
	}
}

func TestChannel_DirectSurvivesFramingWithLegacyEncoding(t *testing.T) {
	// Latin-1 "é" is the lone byte 0xE9, invalid as UTF-8; pages in
	// legacy encodings must cross the bus byte-identical.
	payload := "<html><body>caf\xe9</body></html>"

	bus := &jsonBus{table: NewSessionTable()}
	ch := NewChannel(bus, slog.Default())

	if _, err := ch.Send(context.Background(), payload, "https://host/c/latin1"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !bytes.Equal(bus.received, []byte(payload)) {
		t.Errorf("payload mangled in transit:\ngot  % x\nwant % x", bus.received, []byte(payload))
	}
}

func TestChannel_RenderRoundTrip(t *testing.T) {
	bus := newFakeBus()
	ch := NewChannel(bus, slog.Default())

	reply, err := ch.Render(context.Background(), &extract.ConversationRecord{}, "markdown", nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if string(reply.Content) != "rendered" || reply.MimeType != "text/markdown" {
		t.Errorf("reply = %+v", reply)
	}
}
