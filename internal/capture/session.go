package capture

import (
	"sync"
	"time"
)

// session holds the chunks of one start/stop cycle. The recorder delivers
// events to the session it was started with, so late events of an old
// session never reach a newer one.
type session struct {
	started   time.Time
	finalized chan struct{}
	stopOnce  sync.Once
	onError   func(error)

	mu     sync.Mutex
	chunks [][]byte
	size   int
	err    error
}

func newSession(started time.Time, onError func(error)) *session {
	return &session{
		started:   started,
		finalized: make(chan struct{}),
		onError:   onError,
	}
}

func (s *session) OnData(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.finalized:
		return
	default:
	}
	s.chunks = append(s.chunks, append([]byte(nil), chunk...))
	s.size += len(chunk)
}

func (s *session) OnError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	if s.onError != nil {
		s.onError(err)
	}
}

func (s *session) OnStop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.finalized)
		s.mu.Unlock()
	})
}

func (s *session) isFinalized() bool {
	select {
	case <-s.finalized:
		return true
	default:
		return false
	}
}

func (s *session) payload() ([]byte, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, 0, s.size)
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	return out, len(s.chunks)
}

func (s *session) discard() {
	s.mu.Lock()
	s.chunks = nil
	s.size = 0
	s.mu.Unlock()
}
