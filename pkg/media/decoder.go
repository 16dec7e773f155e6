package media

import (
	"errors"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// Decoder turns a compressed byte stream into PCM. Decode may block until
// enough input has arrived to learn the format.
type Decoder interface {
	Decode(r io.Reader) (io.Reader, Format, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(r io.Reader) (io.Reader, Format, error)

func (f DecoderFunc) Decode(r io.Reader) (io.Reader, Format, error) { return f(r) }

// MP3 decodes audio/mpeg to 16-bit stereo PCM.
var MP3 Decoder = DecoderFunc(func(r io.Reader) (io.Reader, Format, error) {
	d, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, Format{}, err
	}
	return d, Format{SampleRate: d.SampleRate(), Channels: 2}, nil
})

// PCM passes input through unchanged as the given format.
func PCM(f Format) Decoder {
	return DecoderFunc(func(r io.Reader) (io.Reader, Format, error) {
		return r, f, nil
	})
}

// endOfInput reports errors that mean the compressed input simply ran out.
// A truncated final frame still counts as a clean end.
func endOfInput(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
