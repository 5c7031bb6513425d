package session

import (
	"sync"
	"time"
)

// Upload is a photo waiting for its question.
type Upload struct {
	FileID    string
	MessageID int
	UserID    int64
	At        time.Time
}

type Options struct {
	MaxAge time.Duration
	Now    func() time.Time
}

// Store keeps at most one pending upload per chat. An upload is handed out
// once by Take and then forgotten.
type Store struct {
	mu      sync.Mutex
	pending map[int64]Upload
	maxAge  time.Duration
	now     func() time.Time
}

func NewStore(opts Options) *Store {
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Store{
		pending: make(map[int64]Upload),
		maxAge:  maxAge,
		now:     now,
	}
}

// Put replaces the chat's pending upload.
func (s *Store) Put(chatID int64, up Upload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if up.At.IsZero() {
		up.At = s.now()
	}
	s.pending[chatID] = up
	s.pruneLocked()
}

// Take returns and removes the chat's pending upload.
func (s *Store) Take(chatID int64) (Upload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	up, ok := s.pending[chatID]
	if !ok {
		return Upload{}, false
	}
	delete(s.pending, chatID)
	if s.expiredLocked(up) {
		return Upload{}, false
	}
	return up, true
}

func (s *Store) Clear(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.pending[chatID]
	delete(s.pending, chatID)
	return ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Store) pruneLocked() {
	for chatID, up := range s.pending {
		if s.expiredLocked(up) {
			delete(s.pending, chatID)
		}
	}
}

func (s *Store) expiredLocked(up Upload) bool {
	return s.now().Sub(up.At) > s.maxAge
}
