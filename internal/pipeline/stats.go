package pipeline

import (
	"sync"
	"time"
)

// RunSummary is what every extraction call hands back, on success and on
// every failure path alike. EndedAt is always set and Duration is never
// negative, so MessagesPerSecond is always computable.
type RunSummary struct {
	RequestedLimit    int64
	Processed         int
	Stored            int
	Failed            int
	AttachmentsSaved  int
	StartedAt         time.Time
	EndedAt           time.Time
	Duration          time.Duration
	MessagesPerSecond float64
}

// runStats is the accumulator for one run. It is owned by the issuing call;
// increments are synchronized because persistence work for a page may be
// issued concurrently, and the summary is only read after finalize.
type runStats struct {
	mu sync.Mutex

	requestedLimit int64
	startedAt      time.Time
	endedAt        time.Time
	processed      int
	stored         int
	failed         int
	attachments    int
	finalized      bool
}

func newRunStats(requestedLimit int64) *runStats {
	return &runStats{requestedLimit: requestedLimit, startedAt: time.Now()}
}

func (s *runStats) addProcessed() {
	s.mu.Lock()
	s.processed++
	s.mu.Unlock()
}

func (s *runStats) addStored() {
	s.mu.Lock()
	s.stored++
	s.mu.Unlock()
}

func (s *runStats) addFailed() {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
}

func (s *runStats) addAttachments(n int) {
	s.mu.Lock()
	s.attachments += n
	s.mu.Unlock()
}

// finalize sets the end timestamp exactly once. It runs deferred on every
// exit path of the public methods.
func (s *runStats) finalize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finalized {
		s.endedAt = time.Now()
		s.finalized = true
	}
}

func (s *runStats) summary() RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	duration := s.endedAt.Sub(s.startedAt)
	if duration < 0 {
		duration = 0
	}
	mps := 0.0
	if secs := duration.Seconds(); secs > 0 {
		mps = float64(s.stored) / secs
	}
	return RunSummary{
		RequestedLimit:    s.requestedLimit,
		Processed:         s.processed,
		Stored:            s.stored,
		Failed:            s.failed,
		AttachmentsSaved:  s.attachments,
		StartedAt:         s.startedAt,
		EndedAt:           s.endedAt,
		Duration:          duration,
		MessagesPerSecond: mps,
	}
}
