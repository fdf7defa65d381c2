package source

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Bookmark persists the last processed event time per channel, so a
// restarted scan resumes where the previous one stopped instead of
// reprocessing the whole source.
type Bookmark struct {
	mu        sync.Mutex
	path      string
	positions map[string]time.Time
}

// LoadBookmark reads the bookmark file, or starts empty when the file
// does not exist yet.
func LoadBookmark(path string) (*Bookmark, error) {
	b := &Bookmark{path: path, positions: make(map[string]time.Time)}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading bookmark %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &b.positions); err != nil {
		return nil, fmt.Errorf("parsing bookmark %s: %w", path, err)
	}
	return b, nil
}

// Position returns the last processed time for a channel, zero when the
// channel was never seen.
func (b *Bookmark) Position(channel string) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positions[channel]
}

// Advance moves a channel's position forward. Older timestamps are
// ignored, so out-of-order completions cannot rewind the bookmark.
func (b *Bookmark) Advance(channel string, t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.After(b.positions[channel]) {
		b.positions[channel] = t
	}
}

// Save writes the bookmark atomically: a temp file in the same
// directory is renamed over the target.
func (b *Bookmark) Save() error {
	b.mu.Lock()
	raw, err := json.MarshalIndent(b.positions, "", "  ")
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encoding bookmark: %w", err)
	}

	dir := filepath.Dir(b.path)
	tmp, err := os.CreateTemp(dir, ".bookmark-*.json")
	if err != nil {
		return fmt.Errorf("creating bookmark temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing bookmark: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing bookmark temp file: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing bookmark %s: %w", b.path, err)
	}
	return nil
}
