package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/plugind/pkg/engine"
)

func testTask() *engine.Task {
	return &engine.Task{
		RequestID: "req-1",
		Unit: &engine.ExecutableUnit{
			PluginID: "echo",
			Version:  "1.0.0",
			Runtime:  engine.RuntimeStarlark,
			Code:     []byte("def run(p, c):\n    return p\n"),
		},
		Action:  "run",
		Params:  map[string]interface{}{"a": "b"},
		Secrets: map[string]string{"token": "t"},
		Timeout: time.Second,
	}
}

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "encode ready message",
			msgType: MessageTypeReady,
			data:    &ReadyMessage{Version: "1.0.0", PID: 1234, Runtimes: []string{"starlark"}},
		},
		{
			name:    "encode exec message",
			msgType: MessageTypeExec,
			data:    &ExecMessage{ID: "1", Task: testTask()},
		},
		{
			name:    "encode done message",
			msgType: MessageTypeDone,
			data:    &DoneMessage{ID: "1", Output: json.RawMessage(`{"x":1}`), DurationMs: 3},
		},
		{
			name:    "encode error message",
			msgType: MessageTypeError,
			data:    &ErrorMessage{ID: "1", Kind: engine.KindExecution, Message: "boom"},
		},
		{
			name:    "encode exit message",
			msgType: MessageTypeExit,
			data:    &ExitMessage{Reason: "stdin_closed", TasksTotal: 5},
		},
		{
			name:    "invalid message type",
			msgType: MessageType("INVALID"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := NewEncoder(&buf)

			err := enc.Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("Encode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				line := strings.TrimSpace(buf.String())
				var msg Message
				if err := json.Unmarshal([]byte(line), &msg); err != nil {
					t.Errorf("Output is not valid JSON: %v", err)
				}
				if msg.Type != tt.msgType {
					t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
				}
			}
		})
	}
}

func TestEncodeExecValidates(t *testing.T) {
	enc := NewEncoder(io.Discard)

	if err := enc.EncodeExec(&ExecMessage{Task: testTask()}); err == nil {
		t.Error("Expected missing ID to be rejected")
	}
	task := testTask()
	task.Timeout = 0
	if err := enc.EncodeExec(&ExecMessage{ID: "1", Task: task}); err == nil {
		t.Error("Expected zero timeout to be rejected")
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		msgType MessageType
	}{
		{
			name:    "decode ready message",
			input:   `{"type":"READY","timestamp":"2024-01-01T00:00:00Z","data":{"version":"1.0.0","pid":1234}}`,
			msgType: MessageTypeReady,
		},
		{
			name:    "decode done message",
			input:   `{"type":"DONE","timestamp":"2024-01-01T00:00:00Z","data":{"id":"1","output":42}}`,
			msgType: MessageTypeDone,
		},
		{
			name:    "unknown type",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z"}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			input:   `{invalid json`,
			wantErr: true,
		},
		{
			name:    "empty line",
			input:   ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))
			msg, err := dec.Decode()

			if (err != nil) != tt.wantErr {
				t.Errorf("Decode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && msg.Type != tt.msgType {
				t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
			}
		})
	}

	t.Run("eof", func(t *testing.T) {
		_, err := NewDecoder(strings.NewReader("")).Decode()
		if !errors.Is(err, io.EOF) {
			t.Errorf("Expected io.EOF, got %v", err)
		}
	})
}

func TestSequenceNumbers(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for i := 0; i < 3; i++ {
		if err := enc.EncodeExit(&ExitMessage{Reason: "test"}); err != nil {
			t.Fatal(err)
		}
	}

	dec := NewDecoder(&buf)
	for want := uint64(1); want <= 3; want++ {
		msg, err := dec.Decode()
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if msg.Seq != want {
			t.Errorf("Seq = %d, want %d", msg.Seq, want)
		}
	}

	line := `{"type":"DONE","seq":2,"timestamp":"2024-01-01T00:00:00Z","data":{}}` + "\n"
	dec = NewDecoder(strings.NewReader(line + line))
	if _, err := dec.Decode(); err != nil {
		t.Fatalf("first message rejected: %v", err)
	}
	if _, err := dec.Decode(); err == nil {
		t.Error("Expected a repeated sequence number to be rejected")
	}
}

func TestDecodeTruncated(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"type":"READY"`))
	if _, err := dec.Decode(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestParseDataRequiresPayload(t *testing.T) {
	var exit ExitMessage
	if err := ParseData(nil, &exit); err == nil {
		t.Error("Expected a missing payload to be rejected")
	}
}

func TestExecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeExec(&ExecMessage{ID: "7", Task: testTask()}); err != nil {
		t.Fatalf("EncodeExec failed: %v", err)
	}

	exec, err := NewDecoder(&buf).DecodeExec()
	if err != nil {
		t.Fatalf("DecodeExec failed: %v", err)
	}
	if exec.ID != "7" || exec.Task.Action != "run" || exec.Task.Timeout != time.Second {
		t.Errorf("Unexpected exec %+v", exec)
	}
	if string(exec.Task.Unit.Code) != string(testTask().Unit.Code) {
		t.Error("Expected code bytes to survive encoding")
	}
	if exec.Task.Secrets["token"] != "t" {
		t.Error("Expected secrets to reach the runner")
	}
}

func TestErrorMessage(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		src := engine.NewExecutionError("denied", nil).WithCode(engine.ErrCodeNetworkDenied)
		got := NewErrorMessage("1", src).Err()
		if got.Kind != engine.KindExecution || got.Code != engine.ErrCodeNetworkDenied || got.Message != "denied" {
			t.Errorf("Unexpected error %+v", got)
		}
	})

	t.Run("Unclassified", func(t *testing.T) {
		msg := NewErrorMessage("1", errors.New("plain"))
		if msg.Kind != engine.KindInternal {
			t.Errorf("Expected InternalError, got %s", msg.Kind)
		}
	})

	t.Run("ForbiddenKind", func(t *testing.T) {
		msg := &ErrorMessage{ID: "1", Kind: engine.KindQuotaExceeded, Message: "x"}
		if got := msg.Err(); got.Kind != engine.KindInternal {
			t.Errorf("Expected runner to be unable to claim quota errors, got %s", got.Kind)
		}
	})
}
