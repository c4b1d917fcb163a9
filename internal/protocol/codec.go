// ABOUTME: Newline-delimited JSON framing over any byte stream.
// ABOUTME: Buffers partial reads and splits coalesced frames so one read never equals one message.

package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the largest accepted single frame, delimiter included.
// A peer exceeding it has desynchronized framing and cannot be recovered.
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge indicates a frame exceeded MaxFrameSize before its
// delimiter arrived. The stream is no longer in sync; callers should close it.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// ErrMalformed indicates a complete frame that was not a valid JSON object.
// Unlike ErrFrameTooLarge the stream itself is still in sync.
var ErrMalformed = errors.New("malformed message")

// Envelope is one decoded frame: its dispatch type plus the raw bytes,
// so handlers can bind the frame into its concrete shape.
type Envelope struct {
	Type string
	raw  []byte
}

// Bind unmarshals the envelope's frame into v.
func (e *Envelope) Bind(v any) error {
	if err := json.Unmarshal(e.raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Decoder reads newline-delimited JSON frames from a stream. A partial frame
// interrupted by a read deadline is retained and completed on the next call,
// so Decode is safe to use with per-read timeouts.
type Decoder struct {
	r       *bufio.Reader
	partial []byte
}

// NewDecoder returns a Decoder reading frames from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 4096)}
}

// Decode returns the next complete frame. Blank lines are skipped.
// On io.EOF any incomplete trailing frame is discarded.
func (d *Decoder) Decode() (*Envelope, error) {
	for {
		chunk, err := d.r.ReadSlice('\n')
		d.partial = append(d.partial, chunk...)
		if len(d.partial) > MaxFrameSize {
			d.partial = nil
			return nil, ErrFrameTooLarge
		}
		switch {
		case err == nil:
			line := bytes.TrimSpace(d.partial)
			d.partial = nil
			if len(line) == 0 {
				continue
			}
			return parseEnvelope(line)
		case errors.Is(err, bufio.ErrBufferFull):
			// Frame longer than the reader's buffer; keep accumulating.
			continue
		default:
			return nil, err
		}
	}
}

func parseEnvelope(line []byte) (*Envelope, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	raw := make([]byte, len(line))
	copy(raw, line)
	return &Envelope{Type: probe.Type, raw: raw}, nil
}

// Encoder writes values as newline-delimited JSON frames. Each frame is
// written with a single Write call; callers serialize concurrent use.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder writing frames to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals v and writes it as one frame.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if len(data)+1 > MaxFrameSize {
		return ErrFrameTooLarge
	}
	data = append(data, '\n')
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}
