package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxMessageBytes bounds a single encoded message, newline excluded.
const MaxMessageBytes = 32 * 1024 * 1024

// ErrMessageTooLarge is returned for a line longer than MaxMessageBytes.
var ErrMessageTooLarge = errors.New("protocol message too large")

// Encoder writes one JSON message per line. Messages get increasing
// sequence numbers starting at 1. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	w   *bufio.Writer
	buf bytes.Buffer
	seq uint64
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode frames payload as a msgType message and flushes it.
func (e *Encoder) Encode(msgType MessageType, payload interface{}) error {
	if err := msgType.Validate(); err != nil {
		return err
	}

	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		data = raw
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	e.buf.Reset()
	enc := json.NewEncoder(&e.buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(Message{Type: msgType, Seq: e.seq, Timestamp: time.Now().UTC(), Data: data}); err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msgType, err)
	}
	if e.buf.Len()-1 > MaxMessageBytes {
		return fmt.Errorf("%s message: %w", msgType, ErrMessageTooLarge)
	}
	if _, err := e.w.Write(e.buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write %s message: %w", msgType, err)
	}
	return e.w.Flush()
}

// EncodeReady sends the runner's READY announcement.
func (e *Encoder) EncodeReady(ready *ReadyMessage) error {
	return e.Encode(MessageTypeReady, ready)
}

// EncodeExec sends a task. Malformed tasks are rejected before they reach
// the wire.
func (e *Encoder) EncodeExec(exec *ExecMessage) error {
	if err := exec.Validate(); err != nil {
		return fmt.Errorf("invalid exec: %w", err)
	}
	return e.Encode(MessageTypeExec, exec)
}

// EncodeDone reports a finished task.
func (e *Encoder) EncodeDone(done *DoneMessage) error {
	return e.Encode(MessageTypeDone, done)
}

// EncodeError reports a failed task.
func (e *Encoder) EncodeError(msg *ErrorMessage) error {
	return e.Encode(MessageTypeError, msg)
}

// EncodeExit announces that the runner is terminating.
func (e *Encoder) EncodeExit(exit *ExitMessage) error {
	return e.Encode(MessageTypeExit, exit)
}

// Decoder reads messages written by an Encoder. Sequenced messages must
// arrive in increasing order; a message without a sequence number is
// accepted anywhere.
type Decoder struct {
	r       *bufio.Reader
	lastSeq uint64
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Decode reads the next message. It returns io.EOF when the stream ends on
// a message boundary.
func (d *Decoder) Decode() (*Message, error) {
	line, err := d.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, errors.New("empty protocol line")
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("malformed protocol message: %w", err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, err
	}
	if msg.Seq != 0 {
		if msg.Seq <= d.lastSeq {
			return nil, fmt.Errorf("%s message out of order: seq %d after %d", msg.Type, msg.Seq, d.lastSeq)
		}
		d.lastSeq = msg.Seq
	}
	return &msg, nil
}

// readLine returns the next line without its terminator.
func (d *Decoder) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		if len(line)+len(chunk) > MaxMessageBytes+1 {
			return nil, ErrMessageTooLarge
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			return bytes.TrimRight(line, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) == 0:
			return nil, io.EOF
		case errors.Is(err, io.EOF):
			return nil, fmt.Errorf("truncated protocol message: %w", io.ErrUnexpectedEOF)
		default:
			return nil, fmt.Errorf("failed to read protocol message: %w", err)
		}
	}
}

// DecodeExec reads the next message, which must be a valid EXEC.
func (d *Decoder) DecodeExec() (*ExecMessage, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if msg.Type != MessageTypeExec {
		return nil, fmt.Errorf("expected %s message, got %s", MessageTypeExec, msg.Type)
	}
	var exec ExecMessage
	if err := ParseData(msg.Data, &exec); err != nil {
		return nil, err
	}
	if err := exec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid exec: %w", err)
	}
	return &exec, nil
}

// ParseData decodes a message payload into target. An absent payload is
// an error.
func ParseData(data json.RawMessage, target interface{}) error {
	if len(data) == 0 {
		return errors.New("message has no payload")
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("malformed message payload: %w", err)
	}
	return nil
}
