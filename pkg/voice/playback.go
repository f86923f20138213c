package voice

import (
	"sync"

	"github.com/gordonklaus/portaudio"
)

// playbackUnit is one scheduled buffer: its samples and the timeline offset
// (in samples since queue start) where it begins.
type playbackUnit struct {
	samples []float32
	start   int64
}

func (u *playbackUnit) end() int64 {
	return u.start + int64(len(u.samples))
}

// PlaybackQueue schedules decoded frames for gapless output. Each buffer
// starts at max(playhead, cursor), where cursor is the running
// end-of-schedule time, so back-to-back frames render without gaps no
// matter how bursty their arrival is. The playhead only moves forward;
// Clear snaps the cursor back to it.
//
// Rendering is pull-based: the host output callback drains scheduled units
// through render, which also makes the scheduler fully testable without
// audio hardware.
type PlaybackQueue struct {
	sampleRate int
	onDrained  func()
	log        *Logger

	mu          sync.Mutex
	units       []*playbackUnit
	playhead    int64
	cursor      int64
	genComplete bool

	stream   *portaudio.Stream
	hostHeld bool
	started  bool
	closed   bool
}

// NewPlaybackQueue creates a queue for the given sample rate. onDrained
// fires once per turn: after MarkGenerationComplete, when the last tracked
// unit finishes rendering. No audio device is opened until Resume.
func NewPlaybackQueue(sampleRate int, onDrained func()) *PlaybackQueue {
	return &PlaybackQueue{
		sampleRate: sampleRate,
		onDrained:  onDrained,
		log:        GetGlobalLogger().WithComponent("playback"),
	}
}

// AddBuffer schedules a frame at max(playhead, cursor) and advances the
// cursor by the frame's duration. The queue takes ownership of the slice.
func (q *PlaybackQueue) AddBuffer(frame []float32) {
	if len(frame) == 0 {
		return
	}

	q.mu.Lock()
	start := q.cursor
	if q.playhead > start {
		start = q.playhead
	}
	q.units = append(q.units, &playbackUnit{samples: frame, start: start})
	q.cursor = start + int64(len(frame))
	q.mu.Unlock()
}

// Clear drops every tracked unit and snaps the cursor to the playhead, so
// the next AddBuffer schedules at "now". Safe when nothing is scheduled.
func (q *PlaybackQueue) Clear() {
	q.mu.Lock()
	q.units = nil
	q.cursor = q.playhead
	q.genComplete = false
	q.mu.Unlock()
}

// MarkGenerationComplete records that no more frames are expected this
// turn. If the queue is already empty the drained notification fires
// immediately; otherwise it fires when the tracked set empties.
func (q *PlaybackQueue) MarkGenerationComplete() {
	q.mu.Lock()
	fire := len(q.units) == 0
	q.genComplete = !fire
	q.mu.Unlock()

	if fire && q.onDrained != nil {
		q.onDrained()
	}
}

// ResetGenerationComplete disarms a pending drained notification; used when
// the server starts a new turn before the previous one finished draining.
func (q *PlaybackQueue) ResetGenerationComplete() {
	q.mu.Lock()
	q.genComplete = false
	q.mu.Unlock()
}

// IsPlaying reports whether any scheduled audio is still tracked.
func (q *PlaybackQueue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.units) > 0
}

// render fills out with scheduled audio and advances the playhead. Called
// by the host output callback on its real-time thread; drained callbacks
// run after the queue lock is released.
func (q *PlaybackQueue) render(out []float32) {
	for i := range out {
		out[i] = 0
	}

	q.mu.Lock()
	windowStart := q.playhead
	windowEnd := windowStart + int64(len(out))

	for _, u := range q.units {
		if u.start >= windowEnd || u.end() <= windowStart {
			continue
		}
		srcOff := int64(0)
		dstOff := u.start - windowStart
		if dstOff < 0 {
			srcOff = -dstOff
			dstOff = 0
		}
		copy(out[dstOff:], u.samples[srcOff:])
	}

	q.playhead = windowEnd

	// Drop naturally completed units.
	live := q.units[:0]
	for _, u := range q.units {
		if u.end() > q.playhead {
			live = append(live, u)
		}
	}
	q.units = live

	fire := q.genComplete && len(q.units) == 0
	if fire {
		q.genComplete = false
	}
	q.mu.Unlock()

	if fire && q.onDrained != nil {
		q.onDrained()
	}
}

// Resume opens and starts the output stream if needed. Hosts that suspend
// audio output until an explicit user action call this again to unlock it.
func (q *PlaybackQueue) Resume() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return NewPlaybackError("playback queue closed")
	}
	if q.started {
		return nil
	}

	if !q.hostHeld {
		if err := acquireHost(); err != nil {
			return err
		}
		q.hostHeld = true
	}

	if q.stream == nil {
		stream, err := portaudio.OpenDefaultStream(0, 1, float64(q.sampleRate), lowLatencyFrames, q.render)
		if err != nil {
			return WrapError(err, ErrCodePlayback)
		}
		q.stream = stream
	}

	if err := q.stream.Start(); err != nil {
		return WrapError(err, ErrCodePlayback)
	}
	q.started = true
	return nil
}

// Close clears the schedule and releases the output stream. Idempotent.
func (q *PlaybackQueue) Close() {
	q.Clear()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	stream := q.stream
	q.stream = nil
	hostHeld := q.hostHeld
	q.hostHeld = false
	q.started = false
	q.mu.Unlock()

	if stream != nil {
		if err := stream.Stop(); err != nil {
			q.log.WithError(err).Warn("Playback stream stop failed")
		}
		stream.Close()
	}
	if hostHeld {
		releaseHost()
	}
}
