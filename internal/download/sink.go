package download

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/MikeSquared-Agency/archivist/internal/archerr"
	"github.com/MikeSquared-Agency/archivist/internal/export"
)

// Sink persists rendered artifacts under the archive directory.
type Sink struct {
	dir    string
	logger *slog.Logger
}

func NewSink(dir string, logger *slog.Logger) *Sink {
	return &Sink{dir: dir, logger: logger}
}

// Save writes the artifact and returns its path. An existing file with
// the same name is never overwritten; a numeric suffix is appended
// instead, since silently replacing a previous archive would defeat the
// point of archiving.
func (s *Sink) Save(res *export.Result) (string, error) {
	if res == nil || res.Filename == "" {
		return "", &archerr.ExportError{Err: fmt.Errorf("nothing to save")}
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", &archerr.ExportError{Err: fmt.Errorf("create archive dir: %w", err)}
	}

	path := filepath.Join(s.dir, filepath.Base(res.Filename))
	path = uniquePath(path)

	if err := os.WriteFile(path, res.Content, 0o644); err != nil {
		return "", &archerr.ExportError{Err: fmt.Errorf("write %s: %w", path, err)}
	}
	s.logger.Info("archive written", "path", path, "bytes", len(res.Content))
	return path, nil
}

func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
