package view

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name string
		old  string
		new  string
		want Edit
	}{
		{"suffix word", "hello world", "hello there", Edit{Start: 6, End: 11, Text: "there"}},
		{"insert middle", "abcdef", "abcXYZdef", Edit{Start: 3, End: 3, Text: "XYZ"}},
		{"delete middle", "abcXYZdef", "abcdef", Edit{Start: 3, End: 6, Text: ""}},
		{"from empty", "", "new", Edit{Start: 0, End: 0, Text: "new"}},
		{"to empty", "old", "", Edit{Start: 0, End: 3, Text: ""}},
		{"repeated chars", "aaa", "aaaa", Edit{Start: 3, End: 3, Text: "a"}},
		{"multibyte", "café!", "cafè!", Edit{Start: 3, End: 5, Text: "è"}},
		{"identical", "same", "same", Edit{Start: 4, End: 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.old, tt.new, 0)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Compute(%q, %q) mismatch (-want +got):\n%s", tt.old, tt.new, diff)
			}
			applied := tt.old[:got.Start] + got.Text + tt.old[got.End:]
			if applied != tt.new {
				t.Errorf("applying edit gives %q, want %q", applied, tt.new)
			}
		})
	}
}

func TestCompute_OverThreshold(t *testing.T) {
	old := strings.Repeat("x", 50)
	new := old + "y"
	got := Compute(old, new, 20)
	want := Edit{Start: 0, End: len(old), Text: new}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestShift(t *testing.T) {
	e := Edit{Start: 6, End: 11, Text: "there, friend"} // delta +8
	sels := []Selection{{0, 2}, {6, 6}, {8, 11}, {12, 12}}

	got := Shift(sels, e, 30)
	want := []Selection{{0, 2}, {6, 6}, {16, 19}, {20, 20}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Shift() mismatch (-want +got):\n%s", diff)
	}
}

func TestShift_ClampsIntoDeletedRange(t *testing.T) {
	e := Edit{Start: 2, End: 8, Text: ""} // delta -6
	got := Shift([]Selection{{4, 9}}, e, 4)
	want := []Selection{{2, 3}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Shift() mismatch (-want +got):\n%s", diff)
	}
}

func TestSplice_Memory(t *testing.T) {
	v := NewMemory("hello world")
	v.SetSelections([]Selection{{0, 5}, {11, 11}})

	e, err := Splice(v, "hello there!", 0)
	if err != nil {
		t.Fatalf("Splice() error = %v", err)
	}
	if e.Start != 6 {
		t.Errorf("edit start = %d, want 6", e.Start)
	}

	text, _ := v.Text()
	if text != "hello there!" {
		t.Errorf("Text() = %q", text)
	}
	want := []Selection{{0, 5}, {12, 12}}
	if diff := cmp.Diff(want, v.Selections()); diff != "" {
		t.Errorf("selections mismatch (-want +got):\n%s", diff)
	}
}

func TestSplice_NoopLeavesView(t *testing.T) {
	v := NewMemory("same")
	if _, err := Splice(v, "same", 0); err != nil {
		t.Fatalf("Splice() error = %v", err)
	}
	if v.Replaces() != 0 {
		t.Errorf("Replaces() = %d, want 0", v.Replaces())
	}
}

func TestMemory_ReplaceOutOfRange(t *testing.T) {
	v := NewMemory("abc")
	if err := v.Replace(2, 10, "x"); err == nil {
		t.Error("expected error for out of range replace")
	}
}

func TestDisk_SpliceAndReadOnly(t *testing.T) {
	dir := t.TempDir()
	reg := NewDiskRegistry(dir)

	v, ok := reg.Lookup("sub/file.txt")
	if !ok {
		t.Fatal("Lookup() = false")
	}

	if _, err := Splice(v, "hello world", 0); err != nil {
		t.Fatalf("Splice() into missing file error = %v", err)
	}
	if _, err := Splice(v, "hello there", 0); err != nil {
		t.Fatalf("Splice() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "sub", "file.txt"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "hello there" {
		t.Errorf("file = %q, want %q", data, "hello there")
	}

	v.SetReadOnly(true, LockedStatus)
	if !reg.Locked("sub/file.txt") {
		t.Error("Locked() = false after SetReadOnly(true)")
	}
	again, _ := reg.Lookup("sub/file.txt")
	if again != v {
		t.Error("Lookup() returned a different view")
	}
	v.SetReadOnly(false, "")
	if reg.Locked("sub/file.txt") {
		t.Error("Locked() = true after unlock")
	}
}

func TestMemoryRegistry(t *testing.T) {
	reg := NewMemoryRegistry()
	reg.Register("b.txt", NewMemory(""))
	reg.Register("a.txt", NewMemory(""))

	if diff := cmp.Diff([]string{"a.txt", "b.txt"}, reg.Paths()); diff != "" {
		t.Errorf("Paths() mismatch (-want +got):\n%s", diff)
	}
	reg.Unregister("a.txt")
	if _, ok := reg.Lookup("a.txt"); ok {
		t.Error("Lookup() found unregistered view")
	}
}
