package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dshills/cosync/internal/buffer"
	"github.com/dshills/cosync/internal/ignore"
	"github.com/dshills/cosync/internal/prompt"
	"github.com/dshills/cosync/internal/protocol"
	"github.com/dshills/cosync/internal/reactor"
	"github.com/dshills/cosync/internal/view"
)

// inlineRunner runs prompt work synchronously.
type inlineRunner struct{}

func (inlineRunner) Async(work func(), done func()) {
	work()
	done()
}

type joinFixture struct {
	joiner *Joiner
	engine *Engine
	conn   *fakeConn
	loop   *reactor.Reactor
	prompt *prompt.Static

	synced  int
	aborted error
}

// newJoinFixture lays out a directory diverging from a three-buffer
// manifest: a.txt unchanged, b.txt missing, c.txt changed, n.txt new.
func newJoinFixture(t *testing.T, p *prompt.Static, config JoinConfig) *joinFixture {
	t.Helper()
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.txt": "same",
		"c.txt": "local version",
		"n.txt": "new file",
	})

	clock := &fakeClock{now: time.Unix(0, 0)}
	f := &joinFixture{
		conn:   &fakeConn{},
		loop:   reactor.New(reactor.WithClock(clock.Now)),
		prompt: p,
	}

	dir := buffer.NewDirectory()
	dir.Add(buffer.New(1, "a.txt", buffer.EncodingUTF8, buffer.Hash("same")))
	dir.Add(buffer.New(2, "b.txt", buffer.EncodingUTF8, buffer.Hash("gone")))
	dir.Add(buffer.New(3, "c.txt", buffer.EncodingUTF8, buffer.Hash("remote version")))

	cfg := DefaultConfig()
	cfg.Root = root
	f.engine = NewEngine(dir, view.NewDiskRegistry(root), nil, f.conn, f.loop, nil, cfg, nil)

	hasher, err := NewHasher(root, 0)
	if err != nil {
		t.Fatal(err)
	}
	scanner := ignore.NewScannerWithMatcher(root, ignore.NewMatcher(), nil)
	f.joiner = NewJoiner(context.Background(), scanner, hasher, f.engine, f.conn, f.loop, inlineRunner{}, p, nil, config, nil)
	f.joiner.SetHooks(JoinHooks{
		OnSynced: func() { f.synced++ },
		OnAbort:  func(err error) { f.aborted = err },
	})
	return f
}

func (f *joinFixture) run(t *testing.T) {
	t.Helper()
	if err := f.joiner.Join(); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	f.loop.Tick(0)
}

func (f *joinFixture) sentSummary() []string {
	var out []string
	for _, m := range f.conn.sent {
		switch m := m.(type) {
		case *protocol.GetBuf:
			out = append(out, "get_buf "+f.pathOf(m.ID))
		case *protocol.DeleteBuf:
			out = append(out, "delete_buf "+m.Path)
		case *protocol.SetBuf:
			out = append(out, "set_buf "+m.Path)
		case *protocol.CreateBuf:
			out = append(out, "create_buf "+m.Path)
		default:
			out = append(out, m.MessageName())
		}
	}
	sort.Strings(out)
	return out
}

func (f *joinFixture) pathOf(id int) string {
	if b, ok := f.engine.Directory().Get(id); ok {
		return b.Path()
	}
	return "?"
}

func TestJoiner_KeepRemote(t *testing.T) {
	f := newJoinFixture(t, &prompt.Static{Choice: prompt.ChoiceKeepRemote}, JoinConfig{Workspace: "team/ws"})
	f.run(t)

	want := []string{"get_buf b.txt", "get_buf c.txt"}
	if diff := cmp.Diff(want, f.sentSummary()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}

	conflicts := f.prompt.Conflicts()
	if len(conflicts) != 1 {
		t.Fatalf("prompted %d times, want 1", len(conflicts))
	}
	wantConflict := prompt.Conflict{
		Workspace: "team/ws",
		Changed:   []string{"c.txt"},
		Missing:   []string{"b.txt"},
		New:       []string{"n.txt"},
	}
	if diff := cmp.Diff(wantConflict, conflicts[0]); diff != "" {
		t.Errorf("conflict mismatch (-want +got):\n%s", diff)
	}

	a, _ := f.engine.Directory().Get(1)
	if content, ok := a.Content(); !ok || content != "same" {
		t.Errorf("unchanged buffer content = %q, %v", content, ok)
	}
	c, _ := f.engine.Directory().Get(3)
	if c.Loaded() || !c.PendingResync {
		t.Error("changed buffer should be unloaded and awaiting refetch")
	}
	if f.synced != 1 {
		t.Errorf("synced = %d, want 1", f.synced)
	}
}

func TestJoiner_KeepLocal(t *testing.T) {
	f := newJoinFixture(t, &prompt.Static{Choice: prompt.ChoiceKeepLocal}, JoinConfig{})
	f.run(t)

	want := []string{"create_buf n.txt", "delete_buf b.txt", "set_buf c.txt"}
	if diff := cmp.Diff(want, f.sentSummary()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
	if _, ok := f.engine.Directory().Get(2); ok {
		t.Error("missing buffer still registered")
	}
	if f.synced != 1 {
		t.Errorf("synced = %d, want 1", f.synced)
	}
}

func TestJoiner_UploaderSkipsPrompt(t *testing.T) {
	f := newJoinFixture(t, &prompt.Static{}, JoinConfig{Uploader: true})
	f.run(t)

	if n := len(f.prompt.Conflicts()); n != 0 {
		t.Errorf("uploader prompted %d times", n)
	}
	want := []string{"create_buf n.txt", "delete_buf b.txt", "set_buf c.txt"}
	if diff := cmp.Diff(want, f.sentSummary()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestJoiner_AbortedPrompt(t *testing.T) {
	f := newJoinFixture(t, &prompt.Static{}, JoinConfig{})
	f.run(t)

	if !errors.Is(f.aborted, prompt.ErrAborted) {
		t.Errorf("aborted = %v, want ErrAborted", f.aborted)
	}
	if len(f.conn.sent) != 0 {
		t.Errorf("sent %v after abort", f.sentSummary())
	}
}

func TestJoiner_OversizeDeclined(t *testing.T) {
	f := newJoinFixture(t, &prompt.Static{Proceed: false}, JoinConfig{Uploader: true, MaxWorkspaceSize: 10})
	f.run(t)

	if !errors.Is(f.aborted, ErrWorkspaceTooLarge) {
		t.Fatalf("aborted = %v, want ErrWorkspaceTooLarge", f.aborted)
	}
	over := f.prompt.Oversizes()
	if len(over) != 1 {
		t.Fatalf("size prompts = %d, want 1", len(over))
	}
	if over[0].Remaining > 10 {
		t.Errorf("Remaining = %d exceeds limit", over[0].Remaining)
	}
	for _, s := range f.sentSummary() {
		if s != "delete_buf b.txt" {
			t.Errorf("unexpected upload after decline: %s", s)
		}
	}
}

func TestJoiner_OversizeAccepted(t *testing.T) {
	f := newJoinFixture(t, &prompt.Static{Proceed: true}, JoinConfig{Uploader: true, MaxWorkspaceSize: 10})
	f.run(t)

	if f.aborted != nil {
		t.Fatalf("aborted = %v", f.aborted)
	}
	// c.txt (13 bytes) is trimmed; n.txt (8 bytes) fits.
	want := []string{"create_buf n.txt", "delete_buf b.txt"}
	if diff := cmp.Diff(want, f.sentSummary()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestJoiner_InSync(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "same"})
	dir := buffer.NewDirectory()
	dir.Add(buffer.New(1, "a.txt", buffer.EncodingUTF8, buffer.Hash("same")))

	clock := &fakeClock{now: time.Unix(0, 0)}
	loop := reactor.New(reactor.WithClock(clock.Now))
	conn := &fakeConn{}
	cfg := DefaultConfig()
	cfg.Root = root
	engine := NewEngine(dir, view.NewDiskRegistry(root), nil, conn, loop, nil, cfg, nil)
	hasher, _ := NewHasher(root, 0)
	p := &prompt.Static{}
	j := NewJoiner(context.Background(), ignore.NewScannerWithMatcher(root, ignore.NewMatcher(), nil), hasher, engine, conn, loop, inlineRunner{}, p, nil, JoinConfig{}, nil)

	synced := false
	j.SetHooks(JoinHooks{OnSynced: func() { synced = true }})
	if err := j.Join(); err != nil {
		t.Fatal(err)
	}
	if !synced {
		t.Error("OnSynced not called")
	}
	if len(p.Conflicts()) != 0 || len(conn.sent) != 0 {
		t.Error("in-sync join prompted or sent")
	}
}

func TestJoiner_ScanFailureAborts(t *testing.T) {
	f := newJoinFixture(t, &prompt.Static{Choice: prompt.ChoiceKeepRemote}, JoinConfig{})
	if err := os.RemoveAll(f.joiner.scanner.Root()); err != nil {
		t.Fatal(err)
	}

	err := f.joiner.Join()
	if err == nil {
		t.Fatal("Join() error = nil, want scan failure")
	}
	if f.aborted == nil || !errors.Is(f.aborted, err) {
		t.Errorf("aborted = %v, want %v", f.aborted, err)
	}
	if n := len(f.prompt.Conflicts()); n != 0 {
		t.Errorf("prompted %d times after scan failure", n)
	}
	if f.synced != 0 || len(f.conn.sent) != 0 {
		t.Errorf("synced = %d, sent = %v after scan failure", f.synced, f.sentSummary())
	}
}

func TestJoiner_UnreadableFileIsChanged(t *testing.T) {
	f := newJoinFixture(t, &prompt.Static{Choice: prompt.ChoiceKeepRemote}, JoinConfig{Workspace: "team/ws"})
	hash := f.joiner.hash
	f.joiner.hash = func(file ignore.File) (string, error) {
		if file.Path == "a.txt" {
			return "", fmt.Errorf("open %s: permission denied", file.Path)
		}
		return hash(file)
	}
	f.run(t)

	if f.aborted != nil {
		t.Fatalf("aborted = %v", f.aborted)
	}
	conflicts := f.prompt.Conflicts()
	if len(conflicts) != 1 {
		t.Fatalf("prompted %d times, want 1", len(conflicts))
	}
	if diff := cmp.Diff([]string{"a.txt", "c.txt"}, conflicts[0].Changed); diff != "" {
		t.Errorf("changed mismatch (-want +got):\n%s", diff)
	}
	want := []string{"get_buf a.txt", "get_buf b.txt", "get_buf c.txt"}
	if diff := cmp.Diff(want, f.sentSummary()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
	if f.synced != 1 {
		t.Errorf("synced = %d, want 1", f.synced)
	}
}
