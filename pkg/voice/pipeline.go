package voice

import (
	"sync"

	"github.com/gordonklaus/portaudio"
)

// Frame sizing for the two capture strategies. At 24 kHz, 2048 samples is
// ~85 ms of audio and 4096 is ~170 ms.
const (
	lowLatencyFrames   = 2048
	legacyWindowFrames = 4096
)

type frameHandler func(frame []float32)
type loudnessHandler func(level float64)

// captureStrategy is one way of pulling mono frames off the microphone.
// Exactly one strategy is selected at pipeline construction.
type captureStrategy interface {
	start() error
	stop() error
}

// capturePipeline turns the acquired input device into a stream of
// fixed-size sample frames plus a per-frame loudness scalar. It prefers the
// low-latency callback strategy and falls back to a blocking-read window
// when the callback stream cannot be opened on this host.
type capturePipeline struct {
	device   *inputDevice
	strategy captureStrategy
	log      *Logger

	mu      sync.Mutex
	stopped bool
}

func newCapturePipeline(device *inputDevice, onFrame frameHandler, onLoudness loudnessHandler) (*capturePipeline, error) {
	p := &capturePipeline{
		device: device,
		log:    GetGlobalLogger().WithComponent("capture"),
	}

	emit := func(frame []float32) {
		if onLoudness != nil {
			onLoudness(Loudness(frame))
		}
		if onFrame != nil {
			onFrame(frame)
		}
	}

	cb := &callbackCapture{device: device, emit: emit}
	if err := cb.start(); err != nil {
		p.log.WithError(err).Warn("Low-latency capture unavailable, using buffered fallback")
		legacy := &bufferedCapture{device: device, emit: emit}
		if lerr := legacy.start(); lerr != nil {
			return nil, mapCaptureError(lerr)
		}
		p.strategy = legacy
	} else {
		p.strategy = cb
	}

	return p, nil
}

// Stop disconnects the stream and releases the device. Idempotent.
func (p *capturePipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	if err := p.strategy.stop(); err != nil {
		p.log.WithError(err).Warn("Capture stream stop failed")
	}
	p.device.release()
}

// callbackCapture is the low-latency path: the host invokes us with each
// buffer on its real-time thread and we hand a copy off immediately.
type callbackCapture struct {
	device *inputDevice
	emit   frameHandler
	stream *portaudio.Stream
}

func (c *callbackCapture) start() error {
	params := portaudio.LowLatencyParameters(c.device.info, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(c.device.sampleRate)
	params.FramesPerBuffer = lowLatencyFrames

	stream, err := portaudio.OpenStream(params, func(in []float32) {
		// The host reuses the buffer between callbacks.
		frame := make([]float32, len(in))
		copy(frame, in)
		c.emit(frame)
	})
	if err != nil {
		return err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return err
	}
	c.stream = stream
	return nil
}

func (c *callbackCapture) stop() error {
	if c.stream == nil {
		return nil
	}
	err := c.stream.Stop()
	if cerr := c.stream.Close(); err == nil {
		err = cerr
	}
	c.stream = nil
	return err
}

// bufferedCapture is the compatibility path: a fixed 4096-sample window
// filled by blocking reads on a background goroutine. Higher latency, works
// on hosts where callback streams fail to open.
type bufferedCapture struct {
	device *inputDevice
	emit   frameHandler
	stream *portaudio.Stream
	buf    []float32
	done   chan struct{}
	wg     sync.WaitGroup
}

func (b *bufferedCapture) start() error {
	b.buf = make([]float32, legacyWindowFrames)
	b.done = make(chan struct{})

	params := portaudio.HighLatencyParameters(b.device.info, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(b.device.sampleRate)
	params.FramesPerBuffer = legacyWindowFrames

	stream, err := portaudio.OpenStream(params, b.buf)
	if err != nil {
		return err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return err
	}
	b.stream = stream

	b.wg.Add(1)
	go b.readLoop()
	return nil
}

func (b *bufferedCapture) readLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		default:
		}

		if err := b.stream.Read(); err != nil {
			select {
			case <-b.done:
			default:
				GetGlobalLogger().WithComponent("capture").WithError(err).Warn("Capture read failed")
			}
			return
		}

		frame := make([]float32, len(b.buf))
		copy(frame, b.buf)
		b.emit(frame)
	}
}

func (b *bufferedCapture) stop() error {
	close(b.done)
	var err error
	if b.stream != nil {
		// Stop unblocks any in-flight Read before the goroutine is joined.
		err = b.stream.Stop()
	}
	b.wg.Wait()
	if b.stream != nil {
		if cerr := b.stream.Close(); err == nil {
			err = cerr
		}
		b.stream = nil
	}
	return err
}
