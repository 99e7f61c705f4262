package transfer

import (
	"errors"

	"github.com/MikeSquared-Agency/archivist/internal/archerr"
	"github.com/MikeSquared-Agency/archivist/internal/extract"
)

// Subjects for the parsing-context bus surface.
const (
	SubjectPing             = "archivist.parse.ping"
	SubjectTransferInit     = "archivist.parse.transfer.init"
	SubjectTransferChunk    = "archivist.parse.transfer.chunk"
	SubjectTransferComplete = "archivist.parse.transfer.complete"
	SubjectDirectParse      = "archivist.parse.direct"
	SubjectRender           = "archivist.parse.render"
)

// Error kinds carried on the wire so the sender can rebuild a typed
// error on its side of the bus.
const (
	ErrKindValidation = "validation"
	ErrKindTransfer   = "transfer"
	ErrKindExtraction = "extraction"
	ErrKindExport     = "export"
)

// PingReply is the readiness-probe response.
type PingReply struct {
	Ready bool `json:"ready"`
}

// Ack acknowledges one protocol step. The sender never proceeds to the
// next step until it has a positive Ack in hand.
type Ack struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Incomplete bool   `json:"incomplete,omitempty"`
}

// InitRequest opens a reassembly session in the parsing context.
type InitRequest struct {
	TransferID  string `json:"transfer_id"`
	TotalChunks int    `json:"total_chunks"`
	URL         string `json:"url"`
}

// ChunkRequest carries one ordered slice of the payload. Data is raw
// bytes (base64 in the JSON framing): slices are cut at fixed byte
// offsets, so a boundary can fall mid-rune, and a string field would
// have its invalid UTF-8 rewritten to U+FFFD by the JSON encoder.
type ChunkRequest struct {
	TransferID string `json:"transfer_id"`
	Index      int    `json:"index"`
	Data       []byte `json:"data"`
}

// CompleteRequest closes a session and triggers parse + extraction.
type CompleteRequest struct {
	TransferID string `json:"transfer_id"`
}

// DirectParseRequest carries a payload small enough to skip chunking.
// HTML is raw bytes for the same reason as ChunkRequest.Data: fetched
// pages in legacy encodings are not valid UTF-8 and must cross the bus
// unmodified.
type DirectParseRequest struct {
	HTML []byte `json:"html"`
	URL  string `json:"url"`
}

// ParseReply returns the extraction result, or an error with its kind.
type ParseReply struct {
	Record     *extract.ConversationRecord `json:"record,omitempty"`
	Error      string                      `json:"error,omitempty"`
	ErrorKind  string                      `json:"error_kind,omitempty"`
	Incomplete bool                        `json:"incomplete,omitempty"`
}

// RenderRequest asks the parsing context to render a record.
type RenderRequest struct {
	Record  *extract.ConversationRecord `json:"record"`
	Format  string                      `json:"format"`
	Options map[string]string           `json:"options,omitempty"`
}

// RenderReply carries the rendered artifact back to the orchestrator.
type RenderReply struct {
	Content   []byte `json:"content,omitempty"`
	Filename  string `json:"filename,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// wireError rebuilds a typed error from its wire representation.
func wireError(kind, msg string, incomplete bool) error {
	switch kind {
	case ErrKindValidation:
		return &archerr.ValidationError{Msg: msg}
	case ErrKindExtraction:
		return &archerr.ExtractionError{Msg: msg}
	case ErrKindExport:
		return &archerr.ExportError{Err: errors.New(msg)}
	default:
		return &archerr.TransferError{Msg: msg, Incomplete: incomplete}
	}
}

// ErrorKindOf classifies an error for the wire.
func ErrorKindOf(err error) string {
	var (
		verr *archerr.ValidationError
		xerr *archerr.ExtractionError
		terr *archerr.TransferError
		eerr *archerr.ExportError
	)
	switch {
	case errors.As(err, &verr):
		return ErrKindValidation
	case errors.As(err, &terr):
		return ErrKindTransfer
	case errors.As(err, &eerr):
		return ErrKindExport
	case errors.As(err, &xerr):
		return ErrKindExtraction
	default:
		return ErrKindExtraction
	}
}
