package router

import (
	"sort"
	"sync"
	"time"

	"haltbot/internal/transport"
)

// Sessions remembers every chat that has talked to the bot recently. These
// are the targets of a wall broadcast.
type Sessions struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	now   func() time.Time
	chats map[transport.ChatTarget]time.Time
}

// NewSessions keeps at most max chats, each for ttl after its last message.
// ttl <= 0 keeps chats for the life of the process.
func NewSessions(ttl time.Duration, max int) *Sessions {
	if max <= 0 {
		max = 1024
	}
	return &Sessions{ttl: ttl, max: max, now: time.Now, chats: map[transport.ChatTarget]time.Time{}}
}

func (s *Sessions) Touch(t transport.ChatTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if _, ok := s.chats[t]; !ok && len(s.chats) >= s.max {
		s.evictOldest()
	}
	s.chats[t] = now
}

func (s *Sessions) evictOldest() {
	var (
		oldest transport.ChatTarget
		at     time.Time
		first  = true
	)
	for k, v := range s.chats {
		if first || v.Before(at) {
			oldest, at, first = k, v, false
		}
	}
	if !first {
		delete(s.chats, oldest)
	}
}

// Targets returns the live sessions ordered by chat and thread id.
func (s *Sessions) Targets() []transport.ChatTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]transport.ChatTarget, 0, len(s.chats))
	for k, seen := range s.chats {
		if s.ttl > 0 && now.Sub(seen) > s.ttl {
			delete(s.chats, k)
			continue
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChatID != out[j].ChatID {
			return out[i].ChatID < out[j].ChatID
		}
		return out[i].ThreadID < out[j].ThreadID
	})
	return out
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chats)
}
