package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/companion/pkg/errorsx"
	"github.com/harunnryd/companion/pkg/logging"
)

// pcmBlock is the decode granularity: 1152 frames of stereo PCM.
const pcmBlock = 1152 * 4

type SessionConfig struct {
	Output  Output
	Decoder Decoder
	// Quota bounds compressed bytes queued ahead of the decoder.
	Quota int
	// Window is the analyser size in samples.
	Window int
	Logger *slog.Logger
}

// Session owns the playback resources of one utterance: the source buffer,
// the output sink and the analyser tap. Close stops the sink and returns only
// after the decode loop has exited.
type Session struct {
	buf      *Buffer
	out      Output
	dec      Decoder
	analyser *Ring
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	err     error
	closing bool
	once    sync.Once
	started chan struct{}
}

// OpenSession starts the decode loop. Playback begins with the first
// decodable frames.
func OpenSession(cfg SessionConfig) (*Session, error) {
	if cfg.Output == nil {
		return nil, errors.New("media: session requires an output")
	}
	if cfg.Decoder == nil {
		cfg.Decoder = MP3
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		buf:      NewBuffer(cfg.Quota),
		out:      cfg.Output,
		dec:      cfg.Decoder,
		analyser: NewRing(cfg.Window),
		log:      logging.NewComponentLogger(cfg.Logger, "media"),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		started:  make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *Session) Append(chunk []byte) (<-chan error, error) {
	return s.buf.Append(chunk)
}

func (s *Session) EndOfStream() error {
	return s.buf.EndOfStream()
}

// Analyser returns the session's signal tap.
func (s *Session) Analyser() Analyser {
	return s.analyser
}

// Started is closed once audio reaches the output.
func (s *Session) Started() <-chan struct{} {
	return s.started
}

// Done is closed when playback drained, failed or the session was closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the sink fault that ended playback, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the sink immediately and waits for the decode loop to exit.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		s.cancel()
		_ = s.buf.Close()
		_ = s.out.Close()
	})
	<-s.done
	return nil
}

func (s *Session) run() {
	defer close(s.done)
	defer s.cancel()

	pcmIn, format, err := s.dec.Decode(s.buf)
	if err != nil {
		if endOfInput(err) && !s.isClosing() {
			// Stream ended before any audio.
			return
		}
		s.fail("decode_init", err)
		return
	}
	if err := s.out.Start(format); err != nil {
		s.fail("output_start", err)
		return
	}
	if s.isClosing() {
		// Close ran while the sink was starting and found nothing to stop.
		_ = s.out.Close()
		return
	}

	block := make([]byte, pcmBlock)
	var startOnce sync.Once
	for {
		n, err := pcmIn.Read(block)
		if n > 0 {
			s.analyser.WritePCM16(block[:n], format.Channels)
			startOnce.Do(func() { close(s.started) })
			if _, werr := s.out.Write(block[:n]); werr != nil {
				s.fail("output_write", werr)
				return
			}
		}
		if err != nil {
			if endOfInput(err) {
				break
			}
			s.fail("decode", err)
			return
		}
	}
	if err := s.out.Drain(s.ctx); err != nil && !s.isClosing() {
		s.fail("output_drain", err)
	}
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// fail records a sink fault unless the session is being closed.
func (s *Session) fail(stage string, err error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	if !errors.Is(err, errorsx.ErrMediaSinkFault) {
		err = fmt.Errorf("%w: %s: %v", errorsx.ErrMediaSinkFault, stage, err)
	}
	s.err = err
	s.mu.Unlock()
	s.buf.Fail(err)
	s.log.Warn("media_sink_fault", slog.String("stage", stage), slog.String("error", err.Error()))
}
