package speech

import (
	"bufio"
	"context"
	"io"
	"sync"
)

// LineRecognizer treats every input line as a final transcript. It stands in
// for a microphone when running from a terminal.
type LineRecognizer struct {
	r    io.Reader
	out  chan Transcript
	once sync.Once
	stop chan struct{}
}

func NewLineRecognizer(r io.Reader) *LineRecognizer {
	return &LineRecognizer{r: r, out: make(chan Transcript, 16), stop: make(chan struct{})}
}

func (l *LineRecognizer) Name() string { return "stdin" }

func (l *LineRecognizer) Start(ctx context.Context) error {
	go func() {
		defer close(l.out)
		scanner := bufio.NewScanner(l.r)
		for scanner.Scan() {
			select {
			case l.out <- Transcript{Text: scanner.Text(), Final: true}:
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			}
		}
	}()
	return nil
}

// Close stops delivery. A blocked read on the underlying reader is left to
// finish on its own.
func (l *LineRecognizer) Close() error {
	l.once.Do(func() { close(l.stop) })
	return nil
}

func (l *LineRecognizer) Results() <-chan Transcript { return l.out }
