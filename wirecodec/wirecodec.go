// Package wirecodec frames packets over a byte stream (TCP). The default
// codec is a 2-byte big-endian length prefix; callers needing a different
// on-wire framing can supply their own Encoder/Decoder.
package wirecodec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/overlaynet/overlaynode/errs"
)

// MaxFrameSize is the hard limit a 2-byte length prefix can express.
const MaxFrameSize = 65535

const prefixSize = 2

// Decoder reads framed messages off a stream.
type Decoder interface {
	// Decode reads the next frame into a freshly allocated slice.
	Decode(r *bufio.Reader) ([]byte, error)
}

// Encoder writes a framed message to a stream.
type Encoder interface {
	// Encode writes one frame (length prefix plus payload) to w.
	Encode(w io.Writer, payload []byte) error
}

// LengthPrefixed is the default codec: 2-byte big-endian length, then that
// many payload bytes. It rejects frames over MaxFrameSize.
type LengthPrefixed struct{}

// Decode implements Decoder.
func (LengthPrefixed) Decode(r *bufio.Reader) ([]byte, error) {
	var lenBuf [prefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if int(n) > MaxFrameSize {
		return nil, errs.Wrap(fmt.Errorf("%w: frame size %d", errs.ErrPayloadTooLarge, n))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Encode implements Encoder. It writes the length prefix and payload as two
// successive writes; callers needing a single syscall should wrap w in a
// buffered writer and Flush after Encode.
func (LengthPrefixed) Encode(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return errs.Wrap(fmt.Errorf("%w: frame size %d", errs.ErrPayloadTooLarge, len(payload)))
	}
	var lenBuf [prefixSize]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Default is the codec used when none is configured.
var Default Encoder = LengthPrefixed{}

// DefaultDecoder is the decoder used when none is configured.
var DefaultDecoder Decoder = LengthPrefixed{}
