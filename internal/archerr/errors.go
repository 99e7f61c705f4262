package archerr

import "fmt"

// ValidationError reports malformed arguments (missing URL, invalid root node).
// It is never retried; the caller gets it back immediately.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError with a formatted message.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// TransferError reports a failure in the chunked transfer protocol:
// chunk-count mismatch, unknown session, or a receiving context that
// rejected a step. Distinct from extraction failures so callers can
// decide whether to retry the transfer or abandon the item.
type TransferError struct {
	Msg        string
	Incomplete bool // true when complete() saw fewer chunks than declared
}

func (e *TransferError) Error() string { return e.Msg }

// ExtractionError wraps an unexpected failure during DOM traversal.
type ExtractionError struct {
	Msg string
	Err error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// FetchError reports a non-success HTTP response or an authentication
// failure signature (redirect to a login page, explicit 401/403).
type FetchError struct {
	URL         string
	StatusCode  int
	AuthFailure bool
	Err         error
}

func (e *FetchError) Error() string {
	if e.AuthFailure {
		return fmt.Sprintf("fetch %s: authentication required (status %d)", e.URL, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ExportError reports a renderer or download-sink failure after
// extraction already succeeded.
type ExportError struct {
	Format string
	Err    error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export as %s: %v", e.Format, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }
