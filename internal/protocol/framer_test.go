package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestFramer_RetainsPartial(t *testing.T) {
	f := NewFramer(0)

	frames, err := f.Feed([]byte(`{"name":"a"}` + "\n" + `{"nam`))
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(frames) != 1 || string(frames[0]) != `{"name":"a"}` {
		t.Fatalf("frames = %q, want one {\"name\":\"a\"}", frames)
	}
	if f.Buffered() != len(`{"nam`) {
		t.Errorf("Buffered() = %d, want %d", f.Buffered(), len(`{"nam`))
	}

	frames, err = f.Feed([]byte(`e":"b"}` + "\n"))
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(frames) != 1 || string(frames[0]) != `{"name":"b"}` {
		t.Fatalf("frames = %q, want one {\"name\":\"b\"}", frames)
	}
	if f.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", f.Buffered())
	}
}

func TestFramer_SkipsBlankLines(t *testing.T) {
	f := NewFramer(0)
	frames, err := f.Feed([]byte("\n\r\n{\"name\":\"a\"}\r\n\n{\"name\":\"b\"}\n"))
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2: %q", len(frames), frames)
	}
	if string(frames[0]) != `{"name":"a"}` {
		t.Errorf("frames[0] = %q", frames[0])
	}
}

func TestFramer_FramesAreCopies(t *testing.T) {
	f := NewFramer(0)
	frames, _ := f.Feed([]byte("one\ntw"))
	first := string(frames[0])
	f.Feed([]byte("o\nthree\n"))
	if string(frames[0]) != first {
		t.Errorf("frame mutated by later Feed: %q", frames[0])
	}
}

func TestFramer_ByteAtATime(t *testing.T) {
	f := NewFramer(0)
	input := `{"name":"a"}` + "\n" + `{"name":"b"}` + "\n"

	var got []string
	for i := 0; i < len(input); i++ {
		frames, err := f.Feed([]byte{input[i]})
		if err != nil {
			t.Fatalf("Feed() error = %v", err)
		}
		for _, fr := range frames {
			got = append(got, string(fr))
		}
	}
	if strings.Join(got, "|") != `{"name":"a"}|{"name":"b"}` {
		t.Errorf("frames = %q", got)
	}
}

func TestFramer_TooLarge(t *testing.T) {
	f := NewFramer(8)
	frames, err := f.Feed([]byte("ok\n0123456789"))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Feed() error = %v, want ErrFrameTooLarge", err)
	}
	if len(frames) != 1 || string(frames[0]) != "ok" {
		t.Errorf("frames = %q, want [ok]", frames)
	}
	if f.Buffered() != 0 {
		t.Errorf("Buffered() = %d after overflow, want 0", f.Buffered())
	}

	f.Feed([]byte("partial"))
	f.Reset()
	if f.Buffered() != 0 {
		t.Errorf("Buffered() = %d after Reset, want 0", f.Buffered())
	}
}

func TestFramer_LargeFrameInChunks(t *testing.T) {
	f := NewFramer(0)
	chunk := []byte(strings.Repeat("x", 1024))

	for i := 0; i < 512; i++ {
		frames, err := f.Feed(chunk)
		if err != nil {
			t.Fatalf("Feed() chunk %d error = %v", i, err)
		}
		if len(frames) != 0 {
			t.Fatalf("chunk %d produced %d frames, want 0", i, len(frames))
		}
		if f.scanned != f.Buffered() {
			t.Fatalf("chunk %d: scanned = %d, want %d", i, f.scanned, f.Buffered())
		}
	}

	frames, err := f.Feed([]byte("\r\nnext"))
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(frames) != 1 || len(frames[0]) != 512*1024 {
		t.Fatalf("got %d frames, want one of %d bytes", len(frames), 512*1024)
	}
	if f.Buffered() != len("next") || f.scanned != len("next") {
		t.Errorf("Buffered() = %d scanned = %d, want %d", f.Buffered(), f.scanned, len("next"))
	}

	frames, _ = f.Feed([]byte("\n"))
	if len(frames) != 1 || string(frames[0]) != "next" {
		t.Errorf("frames = %q, want [next]", frames)
	}
}

func BenchmarkFramer_LargeFrame(b *testing.B) {
	chunk := []byte(strings.Repeat("x", 4096))
	for i := 0; i < b.N; i++ {
		f := NewFramer(0)
		for j := 0; j < 1024; j++ {
			f.Feed(chunk)
		}
		f.Feed([]byte("\n"))
	}
}
