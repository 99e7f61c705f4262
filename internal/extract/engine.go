package extract

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/MikeSquared-Agency/archivist/internal/archerr"
)

// DefaultTitle is returned when no title candidate matches.
const DefaultTitle = "Untitled Conversation"

// Selector cascades, most to least specific. The page family drifts
// between releases, so every lookup tries newer markup first.
var titleSelectors = []string{
	`[data-testid="conversation-title"]`,
	"header h1",
	"title",
}

// TurnSelector matches one conversation turn in current markup. The
// live-fallback driver reuses it as its content-readiness probe.
const TurnSelector = `[data-testid^="conversation-turn"]`

const (
	// fallbackTurnSelector is the coarser grouping used when the primary
	// selector matches nothing (older markup revisions).
	fallbackTurnSelector = "main article, div.text-base"

	roleAttr = "data-message-author-role"
)

var conversationIDPattern = regexp.MustCompile(`^/c/([A-Za-z0-9_-]+)`)

// Engine transforms a parsed DOM into a ConversationRecord. It performs
// no I/O; the same engine serves both the static-snapshot path (document
// parsed from a fetched string) and the live path (document captured
// from a rendered page).
type Engine struct {
	doc    *goquery.Document
	static bool
}

// NewEngine validates the root node and builds an engine. The engine is
// invoked from two different contexts — one hands it a whole document,
// the other an element subtree — so anything else (nil, a text node, a
// worker-global lookalike) is rejected up front rather than silently
// misbehaving during traversal.
func NewEngine(root *html.Node, static bool) (*Engine, error) {
	if root == nil {
		return nil, archerr.Validationf("extract: root node is required")
	}
	if root.Type != html.DocumentNode && root.Type != html.ElementNode {
		return nil, archerr.Validationf("extract: root must be a document or element node, got node type %d", root.Type)
	}
	return &Engine{doc: goquery.NewDocumentFromNode(root), static: static}, nil
}

// ExtractConversation produces the full record for the page rooted at
// the engine's node. The URL must be passed in explicitly: in the
// static-snapshot context there is no ambient current-page URL to fall
// back on, so defaulting would silently produce wrong source URLs.
func (e *Engine) ExtractConversation(rawURL string) (*ConversationRecord, error) {
	if rawURL == "" {
		return nil, archerr.Validationf("extract: url is required")
	}

	rec := &ConversationRecord{
		Title:            e.extractTitle(),
		TimestampCreated: time.Now().UTC().Format(time.RFC3339),
		SourceURL:        rawURL,
		ConversationID:   ConversationID(rawURL),
	}

	msgs := e.extractTurns()
	if len(msgs) == 0 {
		msgs = e.extractFallbackTurns()
	}
	rec.Messages = msgs

	if e.static {
		score, warnings := e.assessCompleteness(msgs)
		rec.Metadata = ExtractionMetadata{
			ExtractionMethod: MethodStatic,
			Confidence:       score,
			Warnings:         warnings,
			IsReliable:       score >= ReliableThreshold,
		}
	} else {
		// The live page is authoritative: it has finished hydrating by the
		// time extraction runs, so no completeness heuristics apply.
		rec.Metadata = ExtractionMetadata{
			ExtractionMethod: MethodLive,
			Confidence:       1.0,
			Warnings:         []string{},
			IsReliable:       true,
		}
	}

	return rec, nil
}

// ConversationID parses the conversation identifier from a source URL
// path, e.g. "https://host/c/abc-123" -> "abc-123". Returns "unknown"
// when the path does not follow the known pattern.
func ConversationID(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "unknown"
	}
	m := conversationIDPattern.FindStringSubmatch(u.Path)
	if m == nil {
		return "unknown"
	}
	return m[1]
}

func (e *Engine) extractTitle() string {
	for _, sel := range titleSelectors {
		if text := strings.TrimSpace(e.doc.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return DefaultTitle
}

func (e *Engine) extractTurns() []MessageRecord {
	var msgs []MessageRecord
	e.doc.Find(TurnSelector).Each(func(i int, turn *goquery.Selection) {
		msgs = append(msgs, MessageRecord{
			Index:     i,
			Role:      detectRole(turn),
			Content:   extractContent(turn),
			Timestamp: extractTimestamp(turn),
		})
	})
	return msgs
}

// extractFallbackTurns handles documents where the primary turn selector
// matches nothing. The grouping is too coarse to attribute roles, and
// guessing from position is wrong for conversations with consecutive
// same-role turns, so every message is emitted as unknown with no
// timestamp.
func (e *Engine) extractFallbackTurns() []MessageRecord {
	var msgs []MessageRecord
	e.doc.Find(fallbackTurnSelector).Each(func(i int, group *goquery.Selection) {
		msgs = append(msgs, MessageRecord{
			Index:     i,
			Role:      RoleUnknown,
			Content:   extractContent(group),
			Timestamp: nil,
		})
	})
	return msgs
}

func detectRole(turn *goquery.Selection) Role {
	if v, ok := turn.Attr(roleAttr); ok {
		return normalizeRole(v)
	}
	if n := turn.Find("[" + roleAttr + "]").First(); n.Length() > 0 {
		if v, ok := n.Attr(roleAttr); ok {
			return normalizeRole(v)
		}
	}

	class, _ := turn.Attr("class")
	class = strings.ToLower(class)
	switch {
	case strings.Contains(class, "agent-turn") || strings.Contains(class, "assistant"):
		return RoleAssistant
	case strings.Contains(class, "user"):
		return RoleUser
	}

	// Avatar alt text is the last resort before giving up.
	role := RoleUnknown
	turn.Find("img[alt]").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		alt, _ := img.Attr("alt")
		alt = strings.ToLower(alt)
		switch {
		case strings.Contains(alt, "user"):
			role = RoleUser
			return false
		case strings.Contains(alt, "assistant") || strings.Contains(alt, "chatgpt"):
			role = RoleAssistant
			return false
		}
		return true
	})
	return role
}

func normalizeRole(v string) Role {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "user":
		return RoleUser
	case "assistant":
		return RoleAssistant
	default:
		return RoleUnknown
	}
}

// extractContent finds the most specific text-bearing container inside a
// turn and captures its text and raw markup. Text comes from the
// content-only accessor in both modes: the rendered-text accessor is
// unavailable outside a live page and the two are not equivalent anyway,
// so visually hidden text may be included. Known fidelity tradeoff.
func extractContent(turn *goquery.Selection) MessageContent {
	container := turn.Find(".markdown").First()
	if container.Length() == 0 {
		container = turn.Find(".whitespace-pre-wrap").First()
	}
	if container.Length() == 0 {
		container = turn.Find("[" + roleAttr + "]").First()
	}
	if container.Length() == 0 {
		container = turn
	}

	frag, _ := container.Html()
	return MessageContent{
		Text:         strings.TrimSpace(container.Text()),
		HTMLFragment: frag,
		HasCode:      container.Find("pre, code").Length() > 0,
	}
}

// extractTimestamp reads the first time-semantic descendant: the
// machine-readable datetime attribute wins, then the displayed text.
// Returns nil when nothing is found; timestamps are never fabricated.
func extractTimestamp(turn *goquery.Selection) *string {
	t := turn.Find("time").First()
	if t.Length() == 0 {
		return nil
	}
	if dt, ok := t.Attr("datetime"); ok && strings.TrimSpace(dt) != "" {
		dt = strings.TrimSpace(dt)
		return &dt
	}
	if text := strings.TrimSpace(t.Text()); text != "" {
		return &text
	}
	return nil
}
