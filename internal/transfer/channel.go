package transfer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/archivist/internal/archerr"
	"github.com/MikeSquared-Agency/archivist/internal/extract"
)

const (
	// ChunkSize is the fixed slice size for chunked transfers. The bus
	// must be configured with a max payload comfortably above this
	// (JSON framing adds overhead on top of the raw slice).
	ChunkSize = 1 << 20 // 1 MiB

	// DirectThreshold is the payload size at which the sender switches
	// from a single direct message to the chunked handshake.
	DirectThreshold = 5 * ChunkSize
)

// Requester is the sending side's view of the bus.
type Requester interface {
	Request(ctx context.Context, subject string, payload, out any) error
}

// Channel moves HTML payloads from the orchestrating context to the
// parsing context. Small payloads go as one message; large ones use the
// init/chunk/complete handshake, every step acknowledged before the
// next is sent. Throughput is deliberately traded for reliability: the
// bus has no built-in flow control.
type Channel struct {
	bus    Requester
	logger *slog.Logger
}

func NewChannel(bus Requester, logger *slog.Logger) *Channel {
	return &Channel{bus: bus, logger: logger}
}

// Send routes the payload through the appropriate strategy and returns
// the extraction result produced in the parsing context.
func (c *Channel) Send(ctx context.Context, html, url string) (*extract.ConversationRecord, error) {
	if len(html) < DirectThreshold {
		return c.sendDirect(ctx, html, url)
	}
	return c.sendChunked(ctx, html, url)
}

func (c *Channel) sendDirect(ctx context.Context, html, url string) (*extract.ConversationRecord, error) {
	var reply ParseReply
	if err := c.bus.Request(ctx, SubjectDirectParse, DirectParseRequest{HTML: []byte(html), URL: url}, &reply); err != nil {
		return nil, &archerr.TransferError{Msg: fmt.Sprintf("direct parse: %v", err)}
	}
	return parseReplyResult(&reply)
}

func (c *Channel) sendChunked(ctx context.Context, html, url string) (*extract.ConversationRecord, error) {
	id := uuid.NewString()
	payload := []byte(html)
	total := (len(payload) + ChunkSize - 1) / ChunkSize

	c.logger.Info("starting chunked transfer",
		"transfer_id", id,
		"bytes", len(html),
		"chunks", total,
	)

	if err := c.requestAck(ctx, SubjectTransferInit, InitRequest{TransferID: id, TotalChunks: total, URL: url}); err != nil {
		return nil, err
	}

	// Slices are cut at byte offsets, not rune boundaries; the wire
	// carries them as raw bytes so a split rune survives the trip.
	for i := 0; i < total; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		if err := c.requestAck(ctx, SubjectTransferChunk, ChunkRequest{TransferID: id, Index: i, Data: payload[start:end]}); err != nil {
			return nil, err
		}
	}

	var reply ParseReply
	if err := c.bus.Request(ctx, SubjectTransferComplete, CompleteRequest{TransferID: id}, &reply); err != nil {
		return nil, &archerr.TransferError{Msg: fmt.Sprintf("complete transfer %s: %v", id, err)}
	}
	return parseReplyResult(&reply)
}

// Render asks the parsing context to render a record into the requested
// format. Rendering lives on the far side of the bus with the rest of
// the document machinery.
func (c *Channel) Render(ctx context.Context, rec *extract.ConversationRecord, format string, options map[string]string) (*RenderReply, error) {
	var reply RenderReply
	if err := c.bus.Request(ctx, SubjectRender, RenderRequest{Record: rec, Format: format, Options: options}, &reply); err != nil {
		return nil, &archerr.TransferError{Msg: fmt.Sprintf("render request: %v", err)}
	}
	if reply.Error != "" {
		return nil, wireError(reply.ErrorKind, reply.Error, false)
	}
	return &reply, nil
}

func (c *Channel) requestAck(ctx context.Context, subject string, payload any) error {
	var ack Ack
	if err := c.bus.Request(ctx, subject, payload, &ack); err != nil {
		return &archerr.TransferError{Msg: fmt.Sprintf("%s: %v", subject, err)}
	}
	if !ack.OK {
		return wireError(ack.ErrorKind, ack.Error, ack.Incomplete)
	}
	return nil
}

func parseReplyResult(reply *ParseReply) (*extract.ConversationRecord, error) {
	if reply.Error != "" {
		return nil, wireError(reply.ErrorKind, reply.Error, reply.Incomplete)
	}
	if reply.Record == nil {
		return nil, &archerr.TransferError{Msg: "parsing context returned neither record nor error"}
	}
	return reply.Record, nil
}
