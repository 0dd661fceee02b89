package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tidwall/gjson"
)

func TestEncode_StampsNameAndReqID(t *testing.T) {
	data, err := Encode(&GetBuf{ID: 7}, 42)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !bytes.HasSuffix(data, []byte("\n")) {
		t.Fatalf("frame not newline terminated: %q", data)
	}
	if bytes.Count(data, []byte("\n")) != 1 {
		t.Errorf("frame has embedded newlines: %q", data)
	}

	body := data[:len(data)-1]
	if got := gjson.GetBytes(body, "name").String(); got != NameGetBuf {
		t.Errorf("name = %q, want %q", got, NameGetBuf)
	}
	if got := gjson.GetBytes(body, "req_id").Uint(); got != 42 {
		t.Errorf("req_id = %d, want 42", got)
	}
	if got := gjson.GetBytes(body, "id").Int(); got != 7 {
		t.Errorf("id = %d, want 7", got)
	}
}

func TestEncode_NoReqID(t *testing.T) {
	data, err := Encode(&Pong{}, 0)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if gjson.GetBytes(data[:len(data)-1], "req_id").Exists() {
		t.Errorf("req_id present in %q", data)
	}
}

func TestEncode_EscapesNewlines(t *testing.T) {
	data, err := Encode(&SetBuf{ID: 1, Buf: "a\nb\n", Encoding: "utf8"}, 1)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if bytes.IndexByte(data, '\n') != len(data)-1 {
		t.Errorf("raw newline inside frame: %q", data)
	}
}

func TestEncode_Invalid(t *testing.T) {
	if _, err := Encode(nil, 1); !errors.Is(err, ErrNilMessage) {
		t.Errorf("Encode(nil) error = %v, want ErrNilMessage", err)
	}
	if _, err := Encode(&Unknown{}, 1); !errors.Is(err, ErrMissingName) {
		t.Errorf("Encode(unnamed) error = %v, want ErrMissingName", err)
	}
}

func TestDecode_Patch(t *testing.T) {
	frame := []byte(`{"name":"patch","id":3,"path":"a.txt","md5_before":"x","md5_after":"y","patch":"@@ -1 +1 @@","res_id":9}`)

	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if env.ResID != 9 {
		t.Errorf("ResID = %d, want 9", env.ResID)
	}
	p, ok := env.Msg.(*Patch)
	if !ok {
		t.Fatalf("Msg = %T, want *Patch", env.Msg)
	}
	want := &Patch{ID: 3, Path: "a.txt", MD5Before: "x", MD5After: "y", Patch: "@@ -1 +1 @@"}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("patch mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_RoomInfoBuffers(t *testing.T) {
	frame := []byte(`{"name":"room_info","user_id":4,"perms":["patch"],` +
		`"bufs":{"2":{"path":"b","md5":"h2","encoding":"utf8"},"1":{"id":1,"path":"a","md5":"h1","encoding":"utf8"}},` +
		`"users":{"4":{"user_id":4,"username":"me"}}}`)

	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	ri, ok := env.Msg.(*RoomInfo)
	if !ok {
		t.Fatalf("Msg = %T, want *RoomInfo", env.Msg)
	}
	want := []BufInfo{
		{ID: 1, Path: "a", MD5: "h1", Encoding: "utf8"},
		{ID: 2, Path: "b", MD5: "h2", Encoding: "utf8"},
	}
	if diff := cmp.Diff(want, ri.Buffers()); diff != "" {
		t.Errorf("Buffers() mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_Unknown(t *testing.T) {
	env, err := Decode([]byte(`{"name":"msg","data":"hi"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	u, ok := env.Msg.(*Unknown)
	if !ok {
		t.Fatalf("Msg = %T, want *Unknown", env.Msg)
	}
	if u.Name != "msg" {
		t.Errorf("Name = %q, want msg", u.Name)
	}
	if gjson.GetBytes(u.Raw, "data").String() != "hi" {
		t.Errorf("Raw = %s", u.Raw)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"not json", []byte(`{"name":`), ErrInvalidJSON},
		{"array", []byte(`[1,2]`), ErrNotObject},
		{"no name", []byte(`{"id":1}`), ErrMissingName},
		{"numeric name", []byte(`{"name":5}`), ErrMissingName},
		{"bad utf8", []byte("{\"name\":\"\xff\"}"), ErrInvalidUTF8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Decode() error = %v, want %v", err, tt.want)
			}
			var fe *FrameError
			if !errors.As(err, &fe) {
				t.Errorf("error %T is not a *FrameError", err)
			}
		})
	}
}

func TestDecode_TypeMismatch(t *testing.T) {
	_, err := Decode([]byte(`{"name":"patch","id":"three"}`))
	var fe *FrameError
	if !errors.As(err, &fe) {
		t.Fatalf("Decode() error = %v, want *FrameError", err)
	}
}

func TestEncodeDecode_Patch(t *testing.T) {
	in := &Patch{ID: 1, Path: "src/main.go", MD5Before: "a", MD5After: "b", Patch: "@@ -1,3 +1,3 @@\n"}
	data, err := Encode(in, 5)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	env, err := Decode(bytes.TrimSuffix(data, []byte("\n")))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if diff := cmp.Diff(Message(in), env.Msg); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
