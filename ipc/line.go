// Package ipc implements newline-delimited JSON message framing for the
// platform RPC socket and the worker control stream.
//
// Every message is one UTF-8 JSON object terminated by '\n'. json.Marshal
// never emits raw newlines, so an encoded message is always a single line.
package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Line size constants.
const (
	// MaxLineSize is the maximum encoded line size (16 MiB), including
	// the trailing newline.
	MaxLineSize = 16 * 1024 * 1024
	// MaxPayloadSize is the maximum JSON payload size (MaxLineSize - 1).
	MaxPayloadSize = MaxLineSize - 1

	readBufferSize = 64 * 1024
)

// LineErrorKind classifies line decoding errors.
type LineErrorKind int

const (
	// LineErrorPartial indicates a stream that ended mid-line.
	LineErrorPartial LineErrorKind = iota
	// LineErrorTooLarge indicates a line exceeding MaxLineSize.
	LineErrorTooLarge
	// LineErrorDecode indicates a JSON decoding error.
	LineErrorDecode
)

// LineError represents a line framing or decoding error.
type LineError struct {
	Kind LineErrorKind
	Msg  string
	Err  error
}

func (e *LineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if this error must terminate the connection.
// Partial and oversized lines are fatal; a single undecodable line is not.
func (e *LineError) IsFatal() bool {
	return e.Kind == LineErrorPartial || e.Kind == LineErrorTooLarge
}

// IsFatalLineError returns true if the error is a fatal line error.
func IsFatalLineError(err error) bool {
	var lineErr *LineError
	if errors.As(err, &lineErr) {
		return lineErr.IsFatal()
	}
	return false
}

// Decoder reads newline-delimited JSON messages from a stream.
// Not safe for concurrent use; a stream has one reader.
type Decoder struct {
	reader *bufio.Reader
}

// NewDecoder creates a new line decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: bufio.NewReaderSize(r, readBufferSize)}
}

// ReadLine reads a single non-empty line from the stream, without the
// trailing newline. Blank lines are skipped.
//
// Errors:
//   - io.EOF: stream ended cleanly at a line boundary
//   - *LineError with Kind=LineErrorPartial: stream ended mid-line (fatal)
//   - *LineError with Kind=LineErrorTooLarge: line exceeds limit (fatal)
func (d *Decoder) ReadLine() ([]byte, error) {
	for {
		line, err := d.readRaw()
		if err != nil {
			return nil, err
		}
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

func (d *Decoder) readRaw() ([]byte, error) {
	var buf []byte
	for {
		frag, err := d.reader.ReadSlice('\n')
		if len(buf)+len(frag) > MaxLineSize {
			return nil, &LineError{
				Kind: LineErrorTooLarge,
				Msg:  fmt.Sprintf("line exceeds maximum %d bytes", MaxLineSize),
			}
		}
		buf = append(buf, frag...)

		switch {
		case err == nil:
			return buf[:len(buf)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(buf) == 0 {
				return nil, io.EOF
			}
			return nil, &LineError{
				Kind: LineErrorPartial,
				Msg:  "stream ended mid-line",
			}
		default:
			return nil, &LineError{
				Kind: LineErrorPartial,
				Msg:  "failed to read line",
				Err:  err,
			}
		}
	}
}

// Decode reads the next line and unmarshals it into v.
func (d *Decoder) Decode(v any) error {
	line, err := d.ReadLine()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(line, v); err != nil {
		return &LineError{
			Kind: LineErrorDecode,
			Msg:  "failed to decode message",
			Err:  err,
		}
	}
	return nil
}

// typeProbe is used to peek at the type field without a full decode.
type typeProbe struct {
	Type string `json:"type"`
}

// PeekType returns the type discriminant of an encoded message.
func PeekType(line []byte) (string, error) {
	var probe typeProbe
	if err := json.Unmarshal(line, &probe); err != nil {
		return "", &LineError{
			Kind: LineErrorDecode,
			Msg:  "failed to decode message type",
			Err:  err,
		}
	}
	return probe.Type, nil
}

// Encoder writes newline-delimited JSON messages to a stream.
// Safe for concurrent use; each message is written with a single Write
// call under an internal mutex.
type Encoder struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewEncoder creates a new line encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{writer: w}
}

// Encode marshals v and writes it as one line.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if len(data) > MaxPayloadSize {
		return &LineError{
			Kind: LineErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(data), MaxPayloadSize),
		}
	}

	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}
