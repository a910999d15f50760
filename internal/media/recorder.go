package media

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loqalabs/habla/internal/capture"
	"github.com/loqalabs/habla/internal/wavstream"
)

var errRecorderActive = errors.New("recorder is already recording")

// Recorders produces streaming WAV recorders for *Stream inputs. Compressed
// encodings are reported unsupported.
type Recorders struct {
	log *slog.Logger
}

func NewRecorders(logger *slog.Logger) *Recorders {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorders{log: logger.With(slog.String("component", "wav-recorder"))}
}

func (r *Recorders) IsTypeSupported(mimeType string) bool {
	switch mimeType {
	case "audio/wav", "audio/wave", "audio/x-wav":
		return true
	}
	return false
}

func (r *Recorders) NewRecorder(stream capture.Stream, mimeType string) (capture.MediaRecorder, error) {
	if !r.IsTypeSupported(mimeType) {
		return nil, fmt.Errorf("mime type %q not supported", mimeType)
	}
	s, ok := stream.(*Stream)
	if !ok {
		return nil, fmt.Errorf("unsupported stream type %T", stream)
	}
	settings := s.Settings()
	if settings.SampleRate <= 0 || settings.ChannelCount <= 0 {
		return nil, fmt.Errorf("stream has no usable format: %+v", settings)
	}
	return &wavRecorder{
		stream:     s,
		mimeType:   mimeType,
		sampleRate: settings.SampleRate,
		channels:   settings.ChannelCount,
		log:        r.log,
	}, nil
}

type wavRecorder struct {
	stream     *Stream
	mimeType   string
	sampleRate int
	channels   int
	log        *slog.Logger

	mu    sync.Mutex
	state capture.RecorderState
	stop  chan struct{}
	done  chan struct{}
}

func (r *wavRecorder) MimeType() string { return r.mimeType }

func (r *wavRecorder) State() capture.RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *wavRecorder) Start(timeslice time.Duration, sink capture.Sink) error {
	if timeslice <= 0 {
		timeslice = capture.ChunkInterval
	}
	r.mu.Lock()
	if r.state == capture.StateRecording {
		r.mu.Unlock()
		return errRecorderActive
	}
	prev := r.done
	r.mu.Unlock()

	// The previous session may still be flushing its final chunk.
	if prev != nil {
		<-prev
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == capture.StateRecording {
		return errRecorderActive
	}
	r.state = capture.StateRecording
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.run(timeslice, sink, r.stop, r.done)
	return nil
}

func (r *wavRecorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != capture.StateRecording {
		return
	}
	r.state = capture.StateInactive
	close(r.stop)
}

func (r *wavRecorder) markInactive(stop chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop == stop && r.state == capture.StateRecording {
		r.state = capture.StateInactive
	}
}

func (r *wavRecorder) frameBytes() int { return 2 * r.channels }

// bytesFor rounds the PCM length of d down to whole frames.
func (r *wavRecorder) bytesFor(d time.Duration) int {
	frames := int(int64(r.sampleRate) * int64(d) / int64(time.Second))
	return frames * r.frameBytes()
}

func (r *wavRecorder) run(timeslice time.Duration, sink capture.Sink, stop, done chan struct{}) {
	defer close(done)
	defer sink.OnStop()

	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()

	header := wavstream.Header(r.sampleRate, r.channels, 16)
	buf := make([]byte, r.bytesFor(timeslice))
	lastTick := time.Now()

	emit := func(n int) bool {
		data, err := r.read(buf[:n])
		if len(data) > 0 {
			if header != nil {
				data = append(append([]byte(nil), header...), data...)
				header = nil
			}
			sink.OnData(data)
		}
		if err != nil {
			if !isEndOfStream(err) {
				sink.OnError(err)
			}
			r.log.Debug("input stream ended", slog.String("reason", err.Error()))
			r.markInactive(stop)
			return false
		}
		return true
	}

	for {
		select {
		case <-stop:
			// Flush the partial interval since the last tick.
			if n := r.bytesFor(time.Since(lastTick)); n > 0 {
				if n > len(buf) {
					n = len(buf)
				}
				emit(n)
			}
			return
		case now := <-ticker.C:
			lastTick = now
			if !emit(len(buf)) {
				return
			}
		}
	}
}

func (r *wavRecorder) read(p []byte) ([]byte, error) {
	n, err := io.ReadFull(r.stream, p)
	n -= n % r.frameBytes()
	return p[:n], err
}

func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed)
}
