package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/micbooth/internal/device"
)

// Loopback is an in-process backend implementing both the device provider and
// the capture opener. It emits synthetic segments at the timeslice interval
// and is used by the simulate command and the test suite; no real audio
// hardware is touched.
type Loopback struct {
	mu sync.Mutex

	// DenyAcquire, when set, makes every acquisition fail with this error.
	DenyAcquire error
	// RejectEncodings lists encodings refused at capture-creation time.
	RejectEncodings map[string]bool
	// ChunkSize is the synthetic segment payload size in bytes.
	ChunkSize int

	acquired int
	streams  []*loopbackStream
}

// NewLoopback creates a loopback backend with a 4 KiB synthetic chunk size.
func NewLoopback() *Loopback {
	return &Loopback{ChunkSize: 4096}
}

// Acquire returns a synthetic active stream with one live audio track.
func (l *Loopback) Acquire(ctx context.Context, c device.Constraints) (device.Stream, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.DenyAcquire != nil {
		return nil, l.DenyAcquire
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.acquired++
	stream := &loopbackStream{id: l.acquired}
	stream.tracks = []*loopbackTrack{{live: true, enabled: true}}
	l.streams = append(l.streams, stream)

	slog.Debug("Loopback stream acquired", "id", stream.id, "sample_rate", c.SampleRate)
	return stream, nil
}

// AcquiredCount reports how many streams have ever been acquired.
func (l *Loopback) AcquiredCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired
}

// LiveStreams reports how many acquired streams still have a live track.
func (l *Loopback) LiveStreams() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	live := 0
	for _, s := range l.streams {
		if s.Active() {
			live++
		}
	}
	return live
}

// Supports reports whether this backend can record the given encoding. It is
// the predicate handed to capability negotiation.
func (l *Loopback) Supports(encoding string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.RejectEncodings[encoding], nil
}

// Open creates a capture session emitting synthetic segments every timeslice.
func (l *Loopback) Open(stream device.Stream, encoding string, timeslice time.Duration) (Session, error) {
	l.mu.Lock()
	reject := l.RejectEncodings[encoding]
	chunkSize := l.ChunkSize
	l.mu.Unlock()

	if reject {
		return nil, fmt.Errorf("open capture with %q: %w", encoding, ErrEncodingRejected)
	}
	if err := device.Validate(stream); err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	if timeslice <= 0 {
		timeslice = 100 * time.Millisecond
	}
	if chunkSize <= 0 {
		chunkSize = 4096
	}

	session := &loopbackSession{
		encoding: encoding,
		events:   make(chan Event, 16),
		done:     make(chan struct{}),
	}
	go session.run(timeslice, chunkSize)
	return session, nil
}

type loopbackTrack struct {
	mu      sync.Mutex
	live    bool
	enabled bool
}

func (t *loopbackTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *loopbackTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *loopbackTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live = false
}

type loopbackStream struct {
	id     int
	tracks []*loopbackTrack
}

func (s *loopbackStream) Active() bool {
	for _, t := range s.tracks {
		if t.Live() {
			return true
		}
	}
	return false
}

func (s *loopbackStream) AudioTracks() []device.Track {
	tracks := make([]device.Track, len(s.tracks))
	for i, t := range s.tracks {
		tracks[i] = t
	}
	return tracks
}

type loopbackSession struct {
	encoding string
	events   chan Event

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

func (s *loopbackSession) Events() <-chan Event { return s.events }
func (s *loopbackSession) Encoding() string    { return s.encoding }

func (s *loopbackSession) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}

func (s *loopbackSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	return nil
}

func (s *loopbackSession) run(timeslice time.Duration, chunkSize int) {
	defer close(s.events)

	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()

	seq := byte(0)
	for {
		select {
		case <-s.done:
			s.events <- Event{Kind: EventStopped}
			return
		case <-ticker.C:
			chunk := make([]byte, chunkSize)
			for i := range chunk {
				chunk[i] = seq
			}
			seq++
			select {
			case s.events <- Event{Kind: EventData, Chunk: chunk}:
			case <-s.done:
				s.events <- Event{Kind: EventStopped}
				return
			}
		}
	}
}
