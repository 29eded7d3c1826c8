package projector

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rbaliyan/inbox/retry"
)

// Source reads domain events in Sequence order.
type Source interface {
	// FetchSince returns up to limit events with Sequence > after.
	FetchSince(ctx context.Context, after int64, limit int) ([]Event, error)
}

// Compile-time checks
var (
	_ Source = (*MemorySource)(nil)
	_ Source = (*JSONLSource)(nil)
)

// MemorySource is an in-process append-only event log.
type MemorySource struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemorySource creates a log holding events.
func NewMemorySource(events ...Event) *MemorySource {
	s := &MemorySource{}
	s.Append(events...)
	return s
}

// Append adds events, keeping the log ordered by Sequence.
func (s *MemorySource) Append(events ...Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	sort.SliceStable(s.events, func(i, j int) bool { return s.events[i].Sequence < s.events[j].Sequence })
}

// FetchSince returns up to limit events with Sequence > after.
func (s *MemorySource) FetchSince(ctx context.Context, after int64, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return since(s.events, after, limit), nil
}

// JSONLSource reads events from a file holding one JSON event per line.
// The file is re-read on every fetch so appended lines are picked up. A line
// that does not decode fails the fetch with an error marked not retryable.
type JSONLSource struct {
	path string
}

// NewJSONLSource creates a source reading path.
func NewJSONLSource(path string) *JSONLSource {
	return &JSONLSource{path: path}
}

// FetchSince returns up to limit events with Sequence > after.
func (s *JSONLSource) FetchSince(ctx context.Context, after int64, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(b, &ev); err != nil {
			// Retrying cannot fix a malformed line.
			return nil, retry.MarkNotRetryable(fmt.Errorf("%s:%d: %w", s.path, line, err))
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })
	return since(events, after, limit), nil
}

func since(events []Event, after int64, limit int) []Event {
	i := sort.Search(len(events), func(i int) bool { return events[i].Sequence > after })
	end := len(events)
	if limit > 0 && i+limit < end {
		end = i + limit
	}
	if i >= end {
		return nil
	}
	out := make([]Event, end-i)
	copy(out, events[i:end])
	return out
}
