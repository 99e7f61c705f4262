package extract

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleUnknown   Role = "unknown"
)

// Method identifies which extraction mode produced a record.
type Method string

const (
	MethodLive   Method = "live-interactive"
	MethodStatic Method = "static-snapshot"
)

// ConversationRecord is the structured output of one extraction. It is
// built fresh per extraction call and never mutated after being returned.
type ConversationRecord struct {
	Title            string             `json:"title"`
	TimestampCreated string             `json:"timestamp_created"` // RFC 3339, extraction wall-clock time
	SourceURL        string             `json:"source_url"`
	ConversationID   string             `json:"conversation_id"`
	Messages         []MessageRecord    `json:"messages"`
	Metadata         ExtractionMetadata `json:"metadata"`
}

// MessageRecord is a single conversation turn. Index always matches the
// position in ConversationRecord.Messages; document order is turn order
// and is never re-sorted.
type MessageRecord struct {
	Index     int            `json:"index"`
	Role      Role           `json:"role"`
	Content   MessageContent `json:"content"`
	Timestamp *string        `json:"timestamp"` // nil when no time marker was found
}

// MessageContent carries both the plain text and the raw inner markup of
// a turn, so renderers can choose fidelity.
type MessageContent struct {
	Text         string `json:"text"`
	HTMLFragment string `json:"html_fragment"`
	HasCode      bool   `json:"has_code"`
}

// ExtractionMetadata annotates a record with the completeness assessment.
type ExtractionMetadata struct {
	ExtractionMethod Method   `json:"extraction_method"`
	Confidence       float64  `json:"confidence"`
	Warnings         []string `json:"warnings"`
	IsReliable       bool     `json:"is_reliable"`
}
