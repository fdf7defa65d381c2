// Package source provides event sources feeding the ingest pipeline.
// A source yields log events in time order; the pipeline owns all
// processing beyond that.
package source

import (
	"context"
	"io"
	"sort"

	"github.com/sentrill/sentrill/pkg/models"
)

// EventSource is a cursor over log events in ascending time order.
// Next returns io.EOF when the source is exhausted.
type EventSource interface {
	Next(ctx context.Context) (models.LogEvent, error)
	Close() error
	Name() string
}

// Sized is implemented by sources that know their total event count,
// enabling progress reporting.
type Sized interface {
	Len() int
}

// Memory is an in-memory, replayable source. Events are sorted by time
// at construction; Reset rewinds the cursor for another pass.
type Memory struct {
	name   string
	events []models.LogEvent
	pos    int
}

// NewMemory creates a replayable source over a copy of events.
func NewMemory(name string, events []models.LogEvent) *Memory {
	copied := make([]models.LogEvent, len(events))
	copy(copied, events)
	sort.SliceStable(copied, func(i, j int) bool {
		return copied[i].Time.Before(copied[j].Time)
	})
	return &Memory{name: name, events: copied}
}

func (m *Memory) Next(ctx context.Context) (models.LogEvent, error) {
	if err := ctx.Err(); err != nil {
		return models.LogEvent{}, err
	}
	if m.pos >= len(m.events) {
		return models.LogEvent{}, io.EOF
	}
	ev := m.events[m.pos]
	m.pos++
	return ev, nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Name() string { return m.name }

// Len returns the total number of events in the source.
func (m *Memory) Len() int { return len(m.events) }

// Reset rewinds the cursor to the first event.
func (m *Memory) Reset() { m.pos = 0 }

// Resume wraps a source so events at or before the bookmarked position
// of their channel are skipped. Advancing the bookmark as events are
// processed is the caller's job.
func Resume(src EventSource, bookmark *Bookmark) EventSource {
	if bookmark == nil {
		return src
	}
	return &resumed{src: src, bookmark: bookmark}
}

type resumed struct {
	src      EventSource
	bookmark *Bookmark
}

func (r *resumed) Next(ctx context.Context) (models.LogEvent, error) {
	for {
		ev, err := r.src.Next(ctx)
		if err != nil {
			return models.LogEvent{}, err
		}
		if ev.Time.After(r.bookmark.Position(ev.Channel)) {
			return ev, nil
		}
	}
}

func (r *resumed) Close() error { return r.src.Close() }

func (r *resumed) Name() string { return r.src.Name() }
