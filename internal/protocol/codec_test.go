// ABOUTME: Tests for the newline-delimited JSON codec and message round-trips.
// ABOUTME: Covers partial reads, coalesced frames, oversized frames, and malformed input.

package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

// chunkReader returns its data in fixed-size pieces to simulate a TCP stream
// delivering frames split across reads.
type chunkReader struct {
	data []byte
	size int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.size
	if n > len(r.data) {
		n = len(r.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func encodeAll(t *testing.T, values ...any) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, v := range values {
		if err := enc.Encode(v); err != nil {
			t.Fatalf("encoding %v: %v", v, err)
		}
	}
	return buf.Bytes()
}

func TestDecoderSplitsCoalescedFrames(t *testing.T) {
	data := encodeAll(t,
		Heartbeat{Type: TypeHeartbeat, Timestamp: 1},
		Heartbeat{Type: TypeHeartbeat, Timestamp: 2},
		ErrorReport{Type: TypeError, Error: "boom"},
	)

	// All three frames arrive in a single read.
	dec := NewDecoder(bytes.NewReader(data))
	for i, want := range []string{TypeHeartbeat, TypeHeartbeat, TypeError} {
		env, err := dec.Decode()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if env.Type != want {
			t.Errorf("frame %d: type = %q, want %q", i, env.Type, want)
		}
	}
	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Errorf("after last frame: err = %v, want EOF", err)
	}
}

func TestDecoderReassemblesPartialReads(t *testing.T) {
	data := encodeAll(t, StatusUpdate{Type: TypeStatus, Data: map[string]string{"cpu": "93%", "ram": "2.1G"}})

	// One byte per read: every frame crosses many read boundaries.
	dec := NewDecoder(&chunkReader{data: data, size: 1})
	env, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var upd StatusUpdate
	if err := env.Bind(&upd); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if upd.Data["cpu"] != "93%" {
		t.Errorf("cpu = %q, want 93%%", upd.Data["cpu"])
	}
}

func TestDecoderSkipsBlankLines(t *testing.T) {
	input := "\n\r\n" + `{"type":"heartbeat","timestamp":5}` + "\n"
	dec := NewDecoder(strings.NewReader(input))
	env, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != TypeHeartbeat {
		t.Errorf("type = %q, want heartbeat", env.Type)
	}
}

func TestDecoderMalformedFrame(t *testing.T) {
	input := "this is not json\n" + `{"type":"heartbeat","timestamp":5}` + "\n"
	dec := NewDecoder(strings.NewReader(input))

	_, err := dec.Decode()
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}

	// Framing stays in sync: the next frame decodes fine.
	env, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode after malformed: %v", err)
	}
	if env.Type != TypeHeartbeat {
		t.Errorf("type = %q, want heartbeat", env.Type)
	}
}

func TestDecoderFrameTooLarge(t *testing.T) {
	huge := `{"type":"status","data":{"k":"` + strings.Repeat("x", MaxFrameSize) + `"}}` + "\n"
	dec := NewDecoder(strings.NewReader(huge))
	if _, err := dec.Decode(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestEncoderRejectsOversizedValue(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	err := enc.Encode(ErrorReport{Type: TypeError, Error: strings.Repeat("x", MaxFrameSize)})
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
	if buf.Len() != 0 {
		t.Errorf("encoder wrote %d bytes for rejected frame", buf.Len())
	}
}

// TestMessageRoundTrips encodes each wire shape, decodes it back through the
// envelope, and checks both the dispatch type and the payload survive.
func TestMessageRoundTrips(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		wantType string
		check    func(t *testing.T, env *Envelope)
	}{
		{
			name:     "auth challenge",
			value:    AuthChallenge{Type: TypeAuth, Challenge: "abc123"},
			wantType: TypeAuth,
			check: func(t *testing.T, env *Envelope) {
				var v AuthChallenge
				mustBind(t, env, &v)
				if v.Challenge != "abc123" {
					t.Errorf("challenge = %q", v.Challenge)
				}
			},
		},
		{
			name:     "auth reply",
			value:    AuthReply{Response: "deadbeef"},
			wantType: "",
			check: func(t *testing.T, env *Envelope) {
				var v AuthReply
				mustBind(t, env, &v)
				if v.Response != "deadbeef" {
					t.Errorf("response = %q", v.Response)
				}
			},
		},
		{
			name:     "auth result",
			value:    AuthResult{Status: StatusError, Message: "authentication failed"},
			wantType: "",
			check: func(t *testing.T, env *Envelope) {
				var v AuthResult
				mustBind(t, env, &v)
				if v.Status != StatusError || v.Message != "authentication failed" {
					t.Errorf("got %+v", v)
				}
			},
		},
		{
			name:     "registration",
			value:    Registration{Hostname: "web01", OS: "linux", Username: "svc"},
			wantType: "",
			check: func(t *testing.T, env *Envelope) {
				var v Registration
				mustBind(t, env, &v)
				if v.Hostname != "web01" || v.OS != "linux" || v.Username != "svc" {
					t.Errorf("got %+v", v)
				}
			},
		},
		{
			name:     "register ack",
			value:    RegisterAck{Type: TypeRegister, BotID: "BOT-001", Status: StatusOK},
			wantType: TypeRegister,
			check: func(t *testing.T, env *Envelope) {
				var v RegisterAck
				mustBind(t, env, &v)
				if v.BotID != "BOT-001" || v.Status != StatusOK {
					t.Errorf("got %+v", v)
				}
			},
		},
		{
			name:     "heartbeat",
			value:    Heartbeat{Type: TypeHeartbeat, Timestamp: 1700000000.25},
			wantType: TypeHeartbeat,
			check: func(t *testing.T, env *Envelope) {
				var v Heartbeat
				mustBind(t, env, &v)
				if v.Timestamp != 1700000000.25 {
					t.Errorf("timestamp = %v", v.Timestamp)
				}
			},
		},
		{
			name:     "result",
			value:    Result{Type: TypeResult, CmdID: "cmd-9", Result: "uid=0(root)"},
			wantType: TypeResult,
			check: func(t *testing.T, env *Envelope) {
				var v Result
				mustBind(t, env, &v)
				if v.CmdID != "cmd-9" || v.Result != "uid=0(root)" {
					t.Errorf("got %+v", v)
				}
			},
		},
		{
			name:     "status update",
			value:    StatusUpdate{Type: TypeStatus, Data: map[string]string{"hostname": "db02"}},
			wantType: TypeStatus,
			check: func(t *testing.T, env *Envelope) {
				var v StatusUpdate
				mustBind(t, env, &v)
				if v.Data["hostname"] != "db02" {
					t.Errorf("got %+v", v)
				}
			},
		},
		{
			name:     "error report",
			value:    ErrorReport{Type: TypeError, Error: "exec failed"},
			wantType: TypeError,
			check: func(t *testing.T, env *Envelope) {
				var v ErrorReport
				mustBind(t, env, &v)
				if v.Error != "exec failed" {
					t.Errorf("got %+v", v)
				}
			},
		},
		{
			name:     "command",
			value:    Command{Type: TypeCommand, CmdID: "cmd-1", Command: "sysinfo", Data: map[string]any{"deep": true}, Timestamp: 1700000001},
			wantType: TypeCommand,
			check: func(t *testing.T, env *Envelope) {
				var v Command
				mustBind(t, env, &v)
				if v.Command != "sysinfo" || v.CmdID != "cmd-1" {
					t.Errorf("got %+v", v)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(bytes.NewReader(encodeAll(t, tt.value)))
			env, err := dec.Decode()
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if env.Type != tt.wantType {
				t.Errorf("type = %q, want %q", env.Type, tt.wantType)
			}
			tt.check(t, env)
		})
	}
}

func mustBind(t *testing.T, env *Envelope, v any) {
	t.Helper()
	if err := env.Bind(v); err != nil {
		t.Fatalf("bind: %v", err)
	}
}
