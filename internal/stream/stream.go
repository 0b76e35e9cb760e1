// Package stream frames propagation output for delivery over a byte stream.
//
// Two encodings are supported. The JSON encoding writes each message followed
// by the literal "frameseparator", which is what existing browser clients
// split on. The msgpack encoding prefixes every message with its length as a
// 4-byte big-endian integer.
package stream

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"video-segmentation/internal/models"
	"video-segmentation/internal/service"
)

// Separator terminates every JSON message.
const Separator = "frameseparator"

// Content types of the two encodings.
const (
	ContentTypeJSON    = "multipart/x-savi-stream; boundary=frame"
	ContentTypeMsgpack = "application/x-msgpack"
)

// Message types. Frame messages carry no type so they stay identical to the
// frames older clients expect.
const (
	TypeDone  = "done"
	TypeError = "error"
)

const maxMessage = 64 << 20

// Format selects an encoding.
type Format int

const (
	JSON Format = iota
	Msgpack
)

// Negotiate picks the encoding from an Accept header.
func Negotiate(accept string) Format {
	for _, part := range strings.Split(accept, ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mt == ContentTypeMsgpack {
			return Msgpack
		}
	}
	return JSON
}

// ContentType returns the media type written for f.
func (f Format) ContentType() string {
	if f == Msgpack {
		return ContentTypeMsgpack
	}
	return ContentTypeJSON
}

type doneMessage struct {
	Type    string                     `json:"type"`
	Summary service.PropagationSummary `json:"summary"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Writer is a service.Sink that encodes messages onto w, flushing after
// each one when w supports it.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	format Format
	buf    bytes.Buffer
}

// NewWriter returns a Writer producing format.
func NewWriter(w io.Writer, format Format) *Writer {
	return &Writer{w: w, format: format}
}

func (w *Writer) ContentType() string { return w.format.ContentType() }

func (w *Writer) Frame(result models.FrameResult) error {
	if result.Results == nil {
		result.Results = []models.ObjectMask{}
	}
	return w.write(result)
}

func (w *Writer) Done(summary service.PropagationSummary) error {
	return w.write(doneMessage{Type: TypeDone, Summary: summary})
}

func (w *Writer) Fail(code, message string) error {
	return w.write(errorMessage{Type: TypeError, Code: code, Message: message})
}

func (w *Writer) write(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Reset()
	switch w.format {
	case Msgpack:
		w.buf.Write([]byte{0, 0, 0, 0})
		enc := msgpack.NewEncoder(&w.buf)
		enc.SetCustomStructTag("json")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		binary.BigEndian.PutUint32(w.buf.Bytes()[:4], uint32(w.buf.Len()-4))
	default:
		if err := json.NewEncoder(&w.buf).Encode(v); err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		// Encode appends a newline the legacy framing does not have
		w.buf.Truncate(w.buf.Len() - 1)
		w.buf.WriteString(Separator)
	}

	if _, err := w.w.Write(w.buf.Bytes()); err != nil {
		return err
	}
	if f, ok := w.w.(interface{ Flush() }); ok {
		f.Flush()
	}
	return nil
}

// Message is one decoded stream message. Type is empty for frames.
type Message struct {
	Type       string                      `json:"type,omitempty"`
	FrameIndex int                         `json:"frameIndex"`
	Results    []models.ObjectMask         `json:"results,omitempty"`
	Summary    *service.PropagationSummary `json:"summary,omitempty"`
	Code       string                      `json:"code,omitempty"`
	Message    string                      `json:"message,omitempty"`
}

// Frame returns the frame carried by m.
func (m Message) Frame() models.FrameResult {
	return models.FrameResult{FrameIndex: m.FrameIndex, Results: m.Results}
}

// Reader decodes a stream produced by Writer.
type Reader struct {
	format  Format
	r       *bufio.Reader
	scanner *bufio.Scanner
}

// NewReader returns a Reader for format.
func NewReader(r io.Reader, format Format) *Reader {
	rd := &Reader{format: format, r: bufio.NewReader(r)}
	if format == JSON {
		rd.scanner = bufio.NewScanner(rd.r)
		rd.scanner.Buffer(make([]byte, 64*1024), maxMessage)
		rd.scanner.Split(splitSeparator)
	}
	return rd
}

// Next returns the next message or io.EOF at a clean end of stream.
func (r *Reader) Next() (Message, error) {
	var m Message
	if r.format == Msgpack {
		var size [4]byte
		if _, err := io.ReadFull(r.r, size[:]); err != nil {
			return m, err
		}
		n := binary.BigEndian.Uint32(size[:])
		if n > maxMessage {
			return m, fmt.Errorf("message of %d bytes exceeds limit", n)
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r.r, body); err != nil {
			return m, fmt.Errorf("read message: %w", err)
		}
		dec := msgpack.NewDecoder(bytes.NewReader(body))
		dec.SetCustomStructTag("json")
		err := dec.Decode(&m)
		return m, err
	}

	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return m, err
		}
		return m, io.EOF
	}
	err := json.Unmarshal(r.scanner.Bytes(), &m)
	return m, err
}

var errTruncated = errors.New("stream ended inside a message")

func splitSeparator(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.Index(data, []byte(Separator)); i >= 0 {
		return i + len(Separator), data[:i], nil
	}
	if atEOF {
		if len(bytes.TrimSpace(data)) > 0 {
			return 0, nil, errTruncated
		}
		return len(data), nil, nil
	}
	return 0, nil, nil
}
