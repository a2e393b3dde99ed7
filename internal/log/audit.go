package log

import (
	"fmt"
	"os"
	"path/filepath"
)

// OpenAudit opens the append-only diagnostics journal. Every record written
// through the global logger is mirrored there as one JSON line; nothing in
// the process reads it back.
func OpenAudit(path string) (*os.File, error) {
	if path == "" {
		return nil, fmt.Errorf("audit path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	return f, nil
}
