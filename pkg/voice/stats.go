package voice

import (
	"sync"
	"time"
)

// SessionStats accumulates counters for a single voice session: what was
// sent upstream, what came back, and loudness aggregates for the capture
// path. Written from the audio and socket goroutines, read by consumers
// through Snapshot.
type SessionStats struct {
	mu sync.Mutex

	startedAt      time.Time
	framesSent     int64
	bytesSent      int64
	chunksReceived int64
	bytesReceived  int64
	turns          int
	loudnessSum    float64
	loudnessCount  int64
	maxLoudness    float64
}

// StatsSnapshot is an immutable copy of the counters at one instant.
type StatsSnapshot struct {
	Duration        time.Duration
	FramesSent      int64
	BytesSent       int64
	ChunksReceived  int64
	BytesReceived   int64
	Turns           int
	AverageLoudness float64
	MaxLoudness     float64
}

func NewSessionStats() *SessionStats {
	return &SessionStats{startedAt: time.Now()}
}

func (s *SessionStats) recordFrameSent(sampleCount int) {
	s.mu.Lock()
	s.framesSent++
	s.bytesSent += int64(sampleCount * 2) // PCM16
	s.mu.Unlock()
}

func (s *SessionStats) recordChunkReceived(sampleCount int) {
	s.mu.Lock()
	s.chunksReceived++
	s.bytesReceived += int64(sampleCount * 2)
	s.mu.Unlock()
}

func (s *SessionStats) recordLoudness(level float64) {
	s.mu.Lock()
	s.loudnessSum += level
	s.loudnessCount++
	if level > s.maxLoudness {
		s.maxLoudness = level
	}
	s.mu.Unlock()
}

func (s *SessionStats) recordTurn() {
	s.mu.Lock()
	s.turns++
	s.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (s *SessionStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	avg := 0.0
	if s.loudnessCount > 0 {
		avg = s.loudnessSum / float64(s.loudnessCount)
	}
	return StatsSnapshot{
		Duration:        time.Since(s.startedAt),
		FramesSent:      s.framesSent,
		BytesSent:       s.bytesSent,
		ChunksReceived:  s.chunksReceived,
		BytesReceived:   s.bytesReceived,
		Turns:           s.turns,
		AverageLoudness: avg,
		MaxLoudness:     s.maxLoudness,
	}
}
