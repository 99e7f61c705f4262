package export

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/MikeSquared-Agency/archivist/internal/archerr"
	"github.com/MikeSquared-Agency/archivist/internal/extract"
)

// Result is the rendered artifact handed to the download sink.
type Result struct {
	Content  []byte
	Filename string
	MimeType string
}

// Supported format identifiers.
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
	FormatText     = "text"
)

// Option keys understood by the renderers.
const (
	OptIncludeMetadata   = "include_metadata"   // "false" to drop the warnings/confidence block
	OptIncludeTimestamps = "include_timestamps" // "false" to drop per-message timestamps
)

var filenameStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Renderer turns a ConversationRecord into an archival document. It is
// stateless; the record is read, never mutated.
type Renderer struct{}

func NewRenderer() *Renderer { return &Renderer{} }

func (r *Renderer) Render(rec *extract.ConversationRecord, format string, opts map[string]string) (*Result, error) {
	if rec == nil {
		return nil, &archerr.ExportError{Format: format, Err: fmt.Errorf("record is required")}
	}

	switch format {
	case FormatJSON:
		return renderJSON(rec)
	case FormatMarkdown, "md":
		return renderMarkdown(rec, opts), nil
	case FormatText, "txt":
		return renderText(rec, opts), nil
	default:
		return nil, &archerr.ExportError{Format: format, Err: fmt.Errorf("unsupported format %q", format)}
	}
}

func renderJSON(rec *extract.ConversationRecord) (*Result, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, &archerr.ExportError{Format: FormatJSON, Err: err}
	}
	return &Result{
		Content:  data,
		Filename: baseFilename(rec) + ".json",
		MimeType: "application/json",
	}, nil
}

func renderMarkdown(rec *extract.ConversationRecord, opts map[string]string) *Result {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", rec.Title)
	fmt.Fprintf(&sb, "- Source: %s\n", rec.SourceURL)
	fmt.Fprintf(&sb, "- Conversation: %s\n", rec.ConversationID)
	fmt.Fprintf(&sb, "- Archived: %s\n", rec.TimestampCreated)

	if opts[OptIncludeMetadata] != "false" {
		fmt.Fprintf(&sb, "- Extraction: %s (confidence %.2f)\n", rec.Metadata.ExtractionMethod, rec.Metadata.Confidence)
		for _, w := range rec.Metadata.Warnings {
			fmt.Fprintf(&sb, "- Warning: %s\n", w)
		}
	}
	sb.WriteString("\n")

	for _, m := range rec.Messages {
		fmt.Fprintf(&sb, "## %s\n\n", roleHeading(m.Role))
		if opts[OptIncludeTimestamps] != "false" && m.Timestamp != nil {
			fmt.Fprintf(&sb, "_%s_\n\n", *m.Timestamp)
		}
		sb.WriteString(m.Content.Text)
		sb.WriteString("\n\n")
	}

	return &Result{
		Content:  []byte(sb.String()),
		Filename: baseFilename(rec) + ".md",
		MimeType: "text/markdown",
	}
}

func renderText(rec *extract.ConversationRecord, opts map[string]string) *Result {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n%s\n\n", rec.Title, rec.SourceURL)

	for _, m := range rec.Messages {
		fmt.Fprintf(&sb, "[%s]", roleHeading(m.Role))
		if opts[OptIncludeTimestamps] != "false" && m.Timestamp != nil {
			fmt.Fprintf(&sb, " %s", *m.Timestamp)
		}
		sb.WriteString("\n")
		sb.WriteString(m.Content.Text)
		sb.WriteString("\n\n")
	}

	return &Result{
		Content:  []byte(sb.String()),
		Filename: baseFilename(rec) + ".txt",
		MimeType: "text/plain",
	}
}

func roleHeading(role extract.Role) string {
	switch role {
	case extract.RoleUser:
		return "User"
	case extract.RoleAssistant:
		return "Assistant"
	default:
		return "Unknown"
	}
}

// baseFilename derives a filesystem-safe name from the record's title
// and conversation id.
func baseFilename(rec *extract.ConversationRecord) string {
	slug := filenameStrip.ReplaceAllString(strings.ToLower(rec.Title), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 60 {
		slug = strings.Trim(slug[:60], "-")
	}
	if slug == "" {
		slug = "conversation"
	}
	if rec.ConversationID != "" && rec.ConversationID != "unknown" {
		return slug + "-" + rec.ConversationID
	}
	return slug
}
