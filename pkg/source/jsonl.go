package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/sentrill/sentrill/pkg/models"
)

// maxLineBytes bounds a single JSONL record. Windows event messages can
// carry whole script blocks, so the default scanner limit is too small.
const maxLineBytes = 1 << 20

// JSONL reads log events from a newline-delimited JSON file, one event
// per line. Malformed lines are skipped with a warning rather than
// aborting the scan.
type JSONL struct {
	name    string
	file    *os.File
	scanner *bufio.Scanner
	logger  *slog.Logger

	line    int
	skipped int
}

// NewJSONL opens a JSONL event file.
func NewJSONL(path string) (*JSONL, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening event file: %w", err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &JSONL{
		name:    filepath.Base(path),
		file:    f,
		scanner: scanner,
		logger:  slog.With("component", "jsonl-source", "file", path),
	}, nil
}

func (j *JSONL) Next(ctx context.Context) (models.LogEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.LogEvent{}, err
		}
		if !j.scanner.Scan() {
			if err := j.scanner.Err(); err != nil {
				return models.LogEvent{}, fmt.Errorf("reading event file: %w", err)
			}
			return models.LogEvent{}, io.EOF
		}
		j.line++

		text := strings.TrimSpace(j.scanner.Text())
		if text == "" {
			continue
		}
		var ev models.LogEvent
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			j.skipped++
			j.logger.Warn("Skipping malformed event line", "line", j.line, "error", err)
			continue
		}
		return ev, nil
	}
}

func (j *JSONL) Close() error { return j.file.Close() }

func (j *JSONL) Name() string { return j.name }

// Skipped returns the number of malformed lines passed over so far.
func (j *JSONL) Skipped() int { return j.skipped }
