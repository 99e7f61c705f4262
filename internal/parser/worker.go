package parser

import (
	"encoding/json"
	"log/slog"
	"strings"

	"golang.org/x/net/html"

	"github.com/MikeSquared-Agency/archivist/internal/archerr"
	"github.com/MikeSquared-Agency/archivist/internal/export"
	"github.com/MikeSquared-Agency/archivist/internal/extract"
	"github.com/MikeSquared-Agency/archivist/internal/transfer"
)

// Bus is the worker's view of the message channel: it only ever answers
// requests.
type Bus interface {
	HandleRequest(subject string, handler func(data []byte) any) error
}

// Worker is the parsing context: it owns the chunk-reassembly sessions,
// constructs documents from transferred payloads, runs the Extraction
// Engine in static mode, and renders records on request. It holds no
// state shared with the orchestrating context beyond what crosses the
// bus.
type Worker struct {
	bus      Bus
	sessions *transfer.SessionTable
	renderer *export.Renderer
	logger   *slog.Logger
}

func New(bus Bus, renderer *export.Renderer, logger *slog.Logger) *Worker {
	return &Worker{
		bus:      bus,
		sessions: transfer.NewSessionTable(),
		renderer: renderer,
		logger:   logger,
	}
}

// Start registers all request handlers. Once Start returns nil the
// worker answers pings, which is what the lifecycle manager's readiness
// handshake waits for.
func (w *Worker) Start() error {
	handlers := map[string]func(data []byte) any{
		transfer.SubjectPing:             w.handlePing,
		transfer.SubjectTransferInit:     w.handleInit,
		transfer.SubjectTransferChunk:    w.handleChunk,
		transfer.SubjectTransferComplete: w.handleComplete,
		transfer.SubjectDirectParse:      w.handleDirect,
		transfer.SubjectRender:           w.handleRender,
	}
	for subject, h := range handlers {
		if err := w.bus.HandleRequest(subject, h); err != nil {
			return err
		}
	}
	w.logger.Info("parsing worker listening")
	return nil
}

func (w *Worker) handlePing(_ []byte) any {
	return transfer.PingReply{Ready: true}
}

func (w *Worker) handleInit(data []byte) any {
	var req transfer.InitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nackDecode(err)
	}
	if err := w.sessions.Init(req.TransferID, req.URL, req.TotalChunks); err != nil {
		return nack(err)
	}
	w.logger.Info("transfer session opened",
		"transfer_id", req.TransferID,
		"total_chunks", req.TotalChunks,
	)
	return transfer.Ack{OK: true}
}

func (w *Worker) handleChunk(data []byte) any {
	var req transfer.ChunkRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nackDecode(err)
	}
	if err := w.sessions.Append(req.TransferID, req.Index, req.Data); err != nil {
		return nack(err)
	}
	return transfer.Ack{OK: true}
}

func (w *Worker) handleComplete(data []byte) any {
	var req transfer.CompleteRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return transfer.ParseReply{Error: "decode complete request: " + err.Error(), ErrorKind: transfer.ErrKindTransfer}
	}

	payload, url, err := w.sessions.Complete(req.TransferID)
	if err != nil {
		return parseReplyError(err)
	}
	w.logger.Info("transfer reassembled", "transfer_id", req.TransferID, "bytes", len(payload))
	return w.parseAndExtract(payload, url)
}

func (w *Worker) handleDirect(data []byte) any {
	var req transfer.DirectParseRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return transfer.ParseReply{Error: "decode direct parse request: " + err.Error(), ErrorKind: transfer.ErrKindTransfer}
	}
	return w.parseAndExtract(string(req.HTML), req.URL)
}

func (w *Worker) handleRender(data []byte) any {
	var req transfer.RenderRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return transfer.RenderReply{Error: "decode render request: " + err.Error(), ErrorKind: transfer.ErrKindTransfer}
	}

	res, err := w.renderer.Render(req.Record, req.Format, req.Options)
	if err != nil {
		return transfer.RenderReply{Error: err.Error(), ErrorKind: transfer.ErrorKindOf(err)}
	}
	return transfer.RenderReply{
		Content:  res.Content,
		Filename: res.Filename,
		MimeType: res.MimeType,
	}
}

// parseAndExtract builds a document from a raw payload and runs the
// engine in static mode. The HTML plausibility check is advisory: the
// parser accepts arbitrary text as body content, so a missing doctype
// marker is only worth a log line, not a rejection.
func (w *Worker) parseAndExtract(payload, url string) transfer.ParseReply {
	if !looksLikeHTML(payload) {
		w.logger.Warn("payload lacks an html marker, parsing anyway", "url", url, "bytes", len(payload))
	}

	root, err := html.Parse(strings.NewReader(payload))
	if err != nil {
		return parseReplyError(&archerr.ExtractionError{Msg: "parse document", Err: err})
	}

	engine, err := extract.NewEngine(root, true)
	if err != nil {
		return parseReplyError(err)
	}
	rec, err := engine.ExtractConversation(url)
	if err != nil {
		return parseReplyError(err)
	}

	w.logger.Info("static extraction complete",
		"url", url,
		"messages", len(rec.Messages),
		"confidence", rec.Metadata.Confidence,
		"reliable", rec.Metadata.IsReliable,
	)
	return transfer.ParseReply{Record: rec}
}

func looksLikeHTML(payload string) bool {
	head := payload
	if len(head) > 512 {
		head = head[:512]
	}
	head = strings.ToLower(head)
	return strings.Contains(head, "<!doctype") || strings.Contains(head, "<html")
}

func nack(err error) transfer.Ack {
	incomplete := false
	if terr, ok := err.(*archerr.TransferError); ok {
		incomplete = terr.Incomplete
	}
	return transfer.Ack{OK: false, Error: err.Error(), ErrorKind: transfer.ErrorKindOf(err), Incomplete: incomplete}
}

func nackDecode(err error) transfer.Ack {
	return transfer.Ack{OK: false, Error: "decode request: " + err.Error(), ErrorKind: transfer.ErrKindTransfer}
}

func parseReplyError(err error) transfer.ParseReply {
	incomplete := false
	if terr, ok := err.(*archerr.TransferError); ok {
		incomplete = terr.Incomplete
	}
	return transfer.ParseReply{Error: err.Error(), ErrorKind: transfer.ErrorKindOf(err), Incomplete: incomplete}
}
