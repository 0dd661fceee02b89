package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Codec errors.
var (
	ErrNilMessage    = errors.New("nil message")
	ErrMissingName   = errors.New("message has no name")
	ErrInvalidUTF8   = errors.New("frame is not valid utf-8")
	ErrInvalidJSON   = errors.New("frame is not valid json")
	ErrNotObject     = errors.New("frame is not a json object")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// maxQuoted bounds how much of a bad frame is kept for diagnostics.
const maxQuoted = 128

// FrameError reports a frame that could not be decoded.
type FrameError struct {
	Frame string
	Err   error
}

func newFrameError(frame []byte, err error) *FrameError {
	quoted := frame
	if len(quoted) > maxQuoted {
		quoted = quoted[:maxQuoted]
	}
	return &FrameError{Frame: string(quoted), Err: err}
}

// Error implements the error interface.
func (e *FrameError) Error() string {
	return fmt.Sprintf("bad frame %q: %v", e.Frame, e.Err)
}

// Unwrap returns the underlying error.
func (e *FrameError) Unwrap() error {
	return e.Err
}

// Envelope is a decoded inbound frame.
type Envelope struct {
	Msg Message

	// ResID is the request this message answers, zero if none.
	ResID uint64
}

// Encode serializes m as one newline-terminated frame. A non-zero reqID is
// written as the frame's req_id.
func Encode(m Message, reqID uint64) ([]byte, error) {
	if m == nil {
		return nil, ErrNilMessage
	}
	name := m.MessageName()
	if name == "" {
		return nil, ErrMissingName
	}

	var data []byte
	if u, ok := m.(*Unknown); ok {
		data = []byte("{}")
		if len(u.Raw) > 0 {
			data = append([]byte(nil), u.Raw...)
		}
	} else {
		var err error
		data, err = json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", name, err)
		}
	}

	data, err := sjson.SetBytes(data, "name", name)
	if err != nil {
		return nil, fmt.Errorf("set name on %s: %w", name, err)
	}
	if reqID > 0 {
		data, err = sjson.SetBytes(data, "req_id", int64(reqID))
		if err != nil {
			return nil, fmt.Errorf("set req_id on %s: %w", name, err)
		}
	}

	return append(data, '\n'), nil
}

// Decode parses one frame (without its trailing newline).
func Decode(frame []byte) (Envelope, error) {
	if !utf8.Valid(frame) {
		return Envelope{}, newFrameError(frame, ErrInvalidUTF8)
	}
	if !gjson.ValidBytes(frame) {
		return Envelope{}, newFrameError(frame, ErrInvalidJSON)
	}

	root := gjson.ParseBytes(frame)
	if !root.IsObject() {
		return Envelope{}, newFrameError(frame, ErrNotObject)
	}

	name := root.Get("name")
	if name.Type != gjson.String || name.Str == "" {
		return Envelope{}, newFrameError(frame, ErrMissingName)
	}

	env := Envelope{ResID: root.Get("res_id").Uint()}

	ctor, ok := registry[name.Str]
	if !ok {
		env.Msg = &Unknown{Name: name.Str, Raw: append(json.RawMessage(nil), frame...)}
		return env, nil
	}

	msg := ctor()
	if err := json.Unmarshal(frame, msg); err != nil {
		return Envelope{}, newFrameError(frame, err)
	}
	env.Msg = msg
	return env, nil
}
