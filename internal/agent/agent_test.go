package agent

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/dshills/cosync/internal/api"
	"github.com/dshills/cosync/internal/buffer"
	"github.com/dshills/cosync/internal/config"
	"github.com/dshills/cosync/internal/diff"
	"github.com/dshills/cosync/internal/protocol"
	"github.com/dshills/cosync/internal/session"
)

// fakeServer accepts one connection and hands every decoded frame to frames.
type fakeServer struct {
	ln     net.Listener
	frames chan protocol.Envelope

	mu   sync.Mutex
	sock net.Conn
}

func startServer(t *testing.T) (*fakeServer, api.WorkspaceURL) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{ln: ln, frames: make(chan protocol.Envelope, 64)}
	t.Cleanup(func() {
		ln.Close()
		s.mu.Lock()
		if s.sock != nil {
			s.sock.Close()
		}
		s.mu.Unlock()
	})

	go func() {
		sock, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.sock = sock
		s.mu.Unlock()

		r := bufio.NewReader(sock)
		for {
			line, err := r.ReadBytes('\n')
			if err != nil {
				return
			}
			env, err := protocol.Decode(line[:len(line)-1])
			if err != nil {
				continue
			}
			s.frames <- env
		}
	}()

	ws := api.WorkspaceURL{
		Host:  "127.0.0.1",
		Port:  ln.Addr().(*net.TCPAddr).Port,
		Owner: "alice",
		Name:  "notes",
	}
	return s, ws
}

func (s *fakeServer) send(t *testing.T, msgs ...protocol.Message) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		data, err := protocol.Encode(m, 0)
		if err != nil {
			t.Errorf("encode %s: %v", m.MessageName(), err)
			return
		}
		if _, err := s.sock.Write(data); err != nil {
			t.Errorf("write %s: %v", m.MessageName(), err)
			return
		}
	}
}

// next returns the next frame named name, skipping others.
func (s *fakeServer) next(t *testing.T, name string) protocol.Envelope {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case env := <-s.frames:
			if env.Msg.MessageName() == name {
				return env
			}
		case <-timeout:
			t.Fatalf("no %s frame before deadline", name)
			return protocol.Envelope{}
		}
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Reactor.TickInterval = config.Duration(10 * time.Millisecond)
	cfg.Sync.Debounce = config.Duration(10 * time.Millisecond)
	cfg.Transport.BackoffInitial = config.Duration(5 * time.Millisecond)
	cfg.Transport.BackoffMax = config.Duration(20 * time.Millisecond)
	return cfg
}

func roomInfo(path, content string) *protocol.RoomInfo {
	return &protocol.RoomInfo{
		UserID: 2,
		Perms:  []string{"get_buf", "patch", "create_buf", "delete_buf"},
		Bufs: map[string]protocol.BufInfo{
			"1": {ID: 1, Path: path, MD5: buffer.Hash(content), Encoding: string(buffer.EncodingUTF8)},
		},
		Users: map[string]protocol.User{
			"2": {UserID: 2, Username: "bob"},
		},
	}
}

type runResult struct {
	done chan error
}

func start(t *testing.T, a *Agent) (context.CancelFunc, runResult) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	res := runResult{done: make(chan error, 1)}
	go func() { res.done <- a.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, res
}

func (r runResult) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return before deadline")
		return nil
	}
}

func waitFile(t *testing.T, path, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		data, err := os.ReadFile(path)
		if err == nil && string(data) == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s = %q (err %v), want %q", path, data, err, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New(Options{Root: t.TempDir()}); !errors.Is(err, ErrNoWorkspace) {
		t.Errorf("New(no workspace) error = %v, want ErrNoWorkspace", err)
	}

	_, err := New(Options{
		Root:      filepath.Join(t.TempDir(), "missing"),
		Workspace: api.WorkspaceURL{Host: "localhost", Port: 1, Owner: "o", Name: "n"},
	})
	var ie *InitError
	if !errors.As(err, &ie) {
		t.Fatalf("New(missing root) error = %v, want *InitError", err)
	}
}

func TestAgent_JoinAndSync(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.txt")
	if err := os.WriteFile(path, []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	srv, ws := startServer(t)

	synced := make(chan struct{}, 1)
	a, err := New(Options{
		Root:        root,
		Workspace:   ws,
		Credentials: session.Credentials{Username: "alice", Secret: "s3cret"},
		Config:      testConfig(),
		Logger:      zaptest.NewLogger(t),
		Hooks: Hooks{
			OnSynced: func() { synced <- struct{}{} },
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	cancel, res := start(t, a)

	env := srv.next(t, protocol.NameAuth)
	auth := env.Msg.(*protocol.Auth)
	if auth.Username != "alice" || auth.RoomOwner != "alice" || auth.Room != "notes" {
		t.Errorf("auth = %+v", auth)
	}

	d := diff.NewDefault()
	srv.send(t,
		roomInfo("a.txt", "hello\n"),
		&protocol.Patch{
			ID:        1,
			Path:      "a.txt",
			MD5Before: buffer.Hash("hello\n"),
			MD5After:  buffer.Hash("hello world\n"),
			Patch:     d.Serialize(d.Make("hello\n", "hello world\n")),
		},
	)

	select {
	case <-synced:
	case <-time.After(5 * time.Second):
		t.Fatal("workspace never synced")
	}
	waitFile(t, path, "hello world\n")

	// A local edit goes out as a patch against the synced content.
	if err := os.WriteFile(path, []byte("hello there\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	env = srv.next(t, protocol.NamePatch)
	p := env.Msg.(*protocol.Patch)
	if p.ID != 1 || p.MD5Before != buffer.Hash("hello world\n") || p.MD5After != buffer.Hash("hello there\n") {
		t.Errorf("outbound patch = %+v", p)
	}

	cancel()
	if err := res.wait(t); err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}
}

func TestAgent_AuthFailure(t *testing.T) {
	srv, ws := startServer(t)
	a, err := New(Options{
		Root:        t.TempDir(),
		Workspace:   ws,
		Credentials: session.Credentials{Username: "alice", Secret: "wrong"},
		Config:      testConfig(),
		Logger:      zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, res := start(t, a)

	srv.next(t, protocol.NameAuth)
	srv.send(t, &protocol.Error{Msg: "bad credentials"})

	err = res.wait(t)
	if !errors.Is(err, session.ErrAuthFailed) {
		t.Fatalf("Run() error = %v, want ErrAuthFailed", err)
	}
	var serr *session.ServerError
	if !errors.As(err, &serr) || serr.Msg != "bad credentials" {
		t.Errorf("Run() error = %v, want server message", err)
	}
}

func TestAgent_Shutdown(t *testing.T) {
	srv, ws := startServer(t)
	a, err := New(Options{
		Root:        t.TempDir(),
		Workspace:   ws,
		Credentials: session.Credentials{Username: "alice", APIKey: "key"},
		Config:      testConfig(),
		Logger:      zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, res := start(t, a)

	srv.next(t, protocol.NameAuth)
	a.Shutdown()

	if err := res.wait(t); err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}
	if err := a.Run(context.Background()); err == nil {
		t.Error("second Run() error = nil, want error")
	}
}
