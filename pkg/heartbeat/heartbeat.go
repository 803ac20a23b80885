// Package heartbeat sends a keep-alive at a fixed interval while a
// connection is open.
package heartbeat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lightforgemedia/go-resilientws/pkg/clock"
)

// DefaultInterval is used by the client when no interval is configured.
const DefaultInterval = 30 * time.Second

// Scheduler calls beat once per interval between Start and Stop.
type Scheduler struct {
	clock    clock.Clock
	interval time.Duration
	beat     func() error
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	gen     uint64
	timer   *clock.Timer
}

// New returns a stopped Scheduler. An interval <= 0 disables it.
func New(clk clock.Clock, interval time.Duration, beat func() error, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{clock: clk, interval: interval, beat: beat, logger: logger}
}

// Start arms the first beat one interval from now. Starting a running
// scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.interval <= 0 || s.beat == nil {
		return
	}
	s.running = true
	s.gen++
	s.armLocked(s.gen)
}

// Stop cancels the pending beat.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.gen++
	s.timer.Stop()
	s.timer = nil
}

// Running reports whether beats are scheduled.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) armLocked(gen uint64) {
	s.timer = s.clock.AfterFunc(s.interval, func() { s.tick(gen) })
}

func (s *Scheduler) tick(gen uint64) {
	s.mu.Lock()
	if !s.running || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.armLocked(gen)
	s.mu.Unlock()

	if err := s.beat(); err != nil {
		s.logger.Warn("heartbeat failed", "error", err)
	}
}
