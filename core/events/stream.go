package events

import (
	"strconv"
	"strings"
	"sync"

	"flashpool/core/types"
)

const streamHistoryLimit = 2048

// StreamUpdate is a committed event tagged with its position in the stream.
type StreamUpdate struct {
	Sequence uint64      `json:"sequence"`
	Cursor   string      `json:"cursor"`
	Event    types.Event `json:"event"`
}

// Stream fans committed events out to live subscribers and keeps a bounded
// history so late subscribers can resume from a cursor.
type Stream struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	subs    map[uint64]chan StreamUpdate
	history []StreamUpdate
}

// NewStream constructs an empty stream.
func NewStream() *Stream {
	return &Stream{subs: make(map[uint64]chan StreamUpdate)}
}

// Emit implements Emitter. Slow subscribers drop updates rather than block
// the publisher.
func (s *Stream) Emit(evt Event) {
	if s == nil || evt == nil || evt.Event() == nil {
		return
	}
	s.mu.Lock()
	s.seq++
	update := StreamUpdate{
		Sequence: s.seq,
		Cursor:   strconv.FormatUint(s.seq, 10),
		Event:    *evt.Event().Clone(),
	}
	s.history = append(s.history, update)
	if len(s.history) > streamHistoryLimit {
		excess := len(s.history) - streamHistoryLimit
		trimmed := make([]StreamUpdate, streamHistoryLimit)
		copy(trimmed, s.history[excess:])
		s.history = trimmed
	}
	for _, ch := range s.subs {
		select {
		case ch <- update:
		default:
		}
	}
	s.mu.Unlock()
}

// Subscribe registers a subscriber and returns the retained updates after
// cursor. The returned cancel function must be called to release the
// subscription.
func (s *Stream) Subscribe(cursor string) (<-chan StreamUpdate, func(), []StreamUpdate) {
	updates := make(chan StreamUpdate, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = updates
	backlog := make([]StreamUpdate, 0, len(s.history))
	for _, update := range s.history {
		if update.Sequence > since {
			backlog = append(backlog, update)
		}
	}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(updates)
		})
	}
	return updates, cancel, backlog
}
