package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/archivist/internal/archerr"
	"github.com/MikeSquared-Agency/archivist/internal/export"
	"github.com/MikeSquared-Agency/archivist/internal/extract"
	"github.com/MikeSquared-Agency/archivist/internal/store"
	"github.com/MikeSquared-Agency/archivist/internal/transfer"
)

// Fetcher retrieves conversation pages with the user's credentials.
type Fetcher interface {
	ConversationURL(id string) string
	FetchHTML(ctx context.Context, url string) (string, error)
}

// WorkerManager guarantees the parsing context is provisioned and
// listening before anything is sent to it.
type WorkerManager interface {
	EnsureReady(ctx context.Context) error
}

// Pipeline is the transfer channel into the parsing context.
type Pipeline interface {
	Send(ctx context.Context, html, url string) (*extract.ConversationRecord, error)
	Render(ctx context.Context, rec *extract.ConversationRecord, format string, options map[string]string) (*transfer.RenderReply, error)
}

// LiveExtractor is the expensive fallback path against a rendered page.
type LiveExtractor interface {
	ExtractLive(ctx context.Context, url string) (*extract.ConversationRecord, error)
}

// Sink persists rendered artifacts.
type Sink interface {
	Save(res *export.Result) (string, error)
}

// JobStore records batch history. Optional.
type JobStore interface {
	CreateJob(ctx context.Context, id uuid.UUID, format string, totalItems int) error
	WriteItem(ctx context.Context, jobID uuid.UUID, item store.JobItem) error
	FinishJob(ctx context.Context, id uuid.UUID, succeeded, failed int) error
}

// Notifier posts batch summaries. Optional.
type Notifier interface {
	PostSummary(ctx context.Context, text string) error
}

// Config tunes the batch loop.
type Config struct {
	// ItemDelay is the courtesy pause between items so the batch does
	// not hammer the upstream service.
	ItemDelay time.Duration
	// SkipArchived skips conversations already recorded in the archive
	// state file.
	SkipArchived bool
}

// Runner processes conversation identifiers end to end, isolating
// per-item failures: one bad item is recorded and the batch moves on.
type Runner struct {
	cfg      Config
	fetcher  Fetcher
	workers  WorkerManager
	pipe     Pipeline
	live     LiveExtractor
	sink     Sink
	jobs     JobStore
	notifier Notifier
	state    *ArchiveState
	logger   *slog.Logger
}

func NewRunner(cfg Config, fetcher Fetcher, workers WorkerManager, pipe Pipeline, live LiveExtractor, sink Sink, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:     cfg,
		fetcher: fetcher,
		workers: workers,
		pipe:    pipe,
		live:    live,
		sink:    sink,
		logger:  logger,
	}
}

// WithJobStore attaches optional batch-history persistence.
func (r *Runner) WithJobStore(jobs JobStore) *Runner {
	r.jobs = jobs
	return r
}

// WithNotifier attaches an optional summary webhook.
func (r *Runner) WithNotifier(n Notifier) *Runner {
	r.notifier = n
	return r
}

// WithArchiveState attaches resumable-batch tracking.
func (r *Runner) WithArchiveState(s *ArchiveState) *Runner {
	r.state = s
	return r
}

// ItemFailure retains why a single conversation failed; silent item
// loss would undermine trust in archival completeness.
type ItemFailure struct {
	ConversationID string `json:"conversation_id"`
	Stage          string `json:"stage"`
	Reason         string `json:"reason"`
}

// Tally is the aggregate outcome of a batch.
type Tally struct {
	JobID     uuid.UUID     `json:"job_id"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Failures  []ItemFailure `json:"failures,omitempty"`
}

// itemOutcome is the result of one item's pipeline pass.
type itemOutcome struct {
	Path         string
	Record       *extract.ConversationRecord
	Confidence   float64
	FallbackUsed bool
	Stage        string
	Err          error
}

// ExportBatch runs the full pipeline for each identifier in input
// order. Items execute strictly sequentially: the upstream service is
// rate-limit sensitive and the parsing context's reassembly sessions
// are simplest to reason about one at a time.
func (r *Runner) ExportBatch(ctx context.Context, ids []string, format string, options map[string]string) (*Tally, error) {
	tally := &Tally{JobID: uuid.New()}

	ids = dedupe(ids)
	tally.Total = len(ids)

	if r.jobs != nil {
		if err := r.jobs.CreateJob(ctx, tally.JobID, format, len(ids)); err != nil {
			// History is diagnostics, not a precondition.
			r.logger.Warn("failed to create job record", "error", err)
		}
	}

	for i, id := range ids {
		select {
		case <-ctx.Done():
			r.logger.Info("batch interrupted", "processed", i, "total", len(ids))
			r.finishBatch(ctx, tally)
			return tally, ctx.Err()
		default:
		}

		if r.cfg.SkipArchived && r.state != nil && r.state.IsArchived(id) {
			r.logger.Info("already archived, skipping", "conversation_id", id)
			tally.Skipped++
			continue
		}

		out := r.exportOne(ctx, id, format, options)
		r.recordItem(ctx, tally, id, out)

		// Courtesy delay between items, not after the last one.
		if i < len(ids)-1 && r.cfg.ItemDelay > 0 {
			select {
			case <-ctx.Done():
				r.finishBatch(ctx, tally)
				return tally, ctx.Err()
			case <-time.After(r.cfg.ItemDelay):
			}
		}
	}

	r.finishBatch(ctx, tally)
	return tally, nil
}

// ExportOne is the single-item entry point. Unlike the batch loop it
// surfaces the failure directly to the caller.
func (r *Runner) ExportOne(ctx context.Context, id, format string, options map[string]string) (string, *extract.ConversationRecord, error) {
	out := r.exportOne(ctx, id, format, options)
	if out.Err != nil {
		return "", nil, fmt.Errorf("%s: %w", out.Stage, out.Err)
	}
	if r.state != nil {
		if err := r.state.MarkArchived(id); err != nil {
			r.logger.Warn("failed to update archive state", "error", err)
		}
	}
	return out.Path, out.Record, nil
}

// exportOne walks one identifier through the item state machine:
// fetch -> transfer -> extract -> (confidence check) -> optional live
// fallback -> render -> save.
func (r *Runner) exportOne(ctx context.Context, id, format string, options map[string]string) itemOutcome {
	url := r.fetcher.ConversationURL(id)

	page, err := r.fetcher.FetchHTML(ctx, url)
	if err != nil {
		return itemOutcome{Stage: "fetch", Err: err}
	}

	if err := r.workers.EnsureReady(ctx); err != nil {
		return itemOutcome{Stage: "transfer", Err: err}
	}

	rec, err := r.pipe.Send(ctx, page, url)
	if err != nil {
		stage := "extract"
		var terr *archerr.TransferError
		if errors.As(err, &terr) {
			stage = "transfer"
		}
		return itemOutcome{Stage: stage, Err: err}
	}

	out := itemOutcome{Record: rec, Confidence: rec.Metadata.Confidence}

	if rec.Metadata.Confidence < extract.ReliableThreshold {
		// Low confidence is a designed signal, not an error: the static
		// record is discarded and rebuilt from the rendered page.
		r.logger.Warn("static extraction unreliable, using live fallback",
			"conversation_id", id,
			"confidence", rec.Metadata.Confidence,
			"warnings", strings.Join(rec.Metadata.Warnings, "; "),
		)
		liveRec, err := r.live.ExtractLive(ctx, url)
		if err != nil {
			out.Stage = "fallback"
			out.Err = err
			return out
		}
		out.Record = liveRec
		out.Confidence = liveRec.Metadata.Confidence
		out.FallbackUsed = true
	}

	reply, err := r.pipe.Render(ctx, out.Record, format, options)
	if err != nil {
		out.Stage = "export"
		out.Err = err
		return out
	}

	path, err := r.sink.Save(&export.Result{
		Content:  reply.Content,
		Filename: reply.Filename,
		MimeType: reply.MimeType,
	})
	if err != nil {
		out.Stage = "export"
		out.Err = err
		return out
	}

	out.Path = path
	return out
}

func (r *Runner) recordItem(ctx context.Context, tally *Tally, id string, out itemOutcome) {
	item := store.JobItem{
		ConversationID: id,
		Confidence:     out.Confidence,
		FallbackUsed:   out.FallbackUsed,
	}

	if out.Err != nil {
		tally.Failed++
		tally.Failures = append(tally.Failures, ItemFailure{
			ConversationID: id,
			Stage:          out.Stage,
			Reason:         out.Err.Error(),
		})
		item.Status = "failed"
		item.FailureStage = out.Stage
		item.FailureReason = out.Err.Error()
		r.logger.Error("item failed",
			"conversation_id", id,
			"stage", out.Stage,
			"error", out.Err,
		)
	} else {
		tally.Succeeded++
		item.Status = "succeeded"
		r.logger.Info("item archived",
			"conversation_id", id,
			"path", out.Path,
			"confidence", out.Confidence,
			"fallback_used", out.FallbackUsed,
		)
		if r.state != nil {
			if err := r.state.MarkArchived(id); err != nil {
				r.logger.Warn("failed to update archive state", "error", err)
			}
		}
	}

	if r.jobs != nil {
		if err := r.jobs.WriteItem(ctx, tally.JobID, item); err != nil {
			r.logger.Warn("failed to record item outcome", "error", err)
		}
	}
}

func (r *Runner) finishBatch(ctx context.Context, tally *Tally) {
	if r.jobs != nil {
		if err := r.jobs.FinishJob(ctx, tally.JobID, tally.Succeeded, tally.Failed); err != nil {
			r.logger.Warn("failed to finish job record", "error", err)
		}
	}

	summary := FormatSummary(tally)
	if r.notifier != nil {
		if err := r.notifier.PostSummary(ctx, summary); err != nil {
			r.logger.Warn("failed to post batch summary, logging instead",
				"error", err,
				"summary", summary,
			)
		}
	}

	r.logger.Info("batch complete",
		"job_id", tally.JobID,
		"total", tally.Total,
		"succeeded", tally.Succeeded,
		"failed", tally.Failed,
		"skipped", tally.Skipped,
	)
}

// FormatSummary renders a human-readable batch summary.
func FormatSummary(tally *Tally) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*Archive Batch Summary* (job %s)\n", tally.JobID)
	fmt.Fprintf(&sb, "Total: %d | Succeeded: %d | Failed: %d", tally.Total, tally.Succeeded, tally.Failed)
	if tally.Skipped > 0 {
		fmt.Fprintf(&sb, " | Skipped: %d", tally.Skipped)
	}
	sb.WriteString("\n")
	for _, f := range tally.Failures {
		fmt.Fprintf(&sb, "  - %s [%s]: %s\n", f.ConversationID, f.Stage, f.Reason)
	}
	return sb.String()
}

// dedupe drops repeated identifiers while preserving first-seen order.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
