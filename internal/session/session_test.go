package session

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dshills/cosync/internal/buffer"
	"github.com/dshills/cosync/internal/protocol"
)

type fakeTransport struct {
	sent     []protocol.Message
	connects int
	stopped  bool
}

func (t *fakeTransport) Connect() error { t.connects++; return nil }

func (t *fakeTransport) Send(msg protocol.Message) (uint64, error) {
	t.sent = append(t.sent, msg)
	return uint64(len(t.sent)), nil
}

func (t *fakeTransport) Pending() int { return 0 }
func (t *fakeTransport) Stop()        { t.stopped = true }

func (t *fakeTransport) last() protocol.Message {
	if len(t.sent) == 0 {
		return nil
	}
	return t.sent[len(t.sent)-1]
}

type fakeReconciler struct {
	dir       *buffer.Directory
	joins     int
	cancels   int
	resets    int
	patches   []*protocol.Patch
	refreshes []int
	creates   []string
	deletes   []int
	renames   []string
}

func newFakeReconciler() *fakeReconciler {
	return &fakeReconciler{dir: buffer.NewDirectory()}
}

func (r *fakeReconciler) Directory() *buffer.Directory { return r.dir }
func (r *fakeReconciler) Join() error                  { r.joins++; return nil }
func (r *fakeReconciler) Cancel()                      { r.cancels++ }
func (r *fakeReconciler) Reset()                       { r.resets++ }
func (r *fakeReconciler) ApplyPatch(p *protocol.Patch) { r.patches = append(r.patches, p) }

func (r *fakeReconciler) Refresh(id int, body, enc, md5 string) error {
	r.refreshes = append(r.refreshes, id)
	return nil
}

func (r *fakeReconciler) CreateFromRemote(m *protocol.CreateBuf) error {
	r.creates = append(r.creates, m.Path)
	return nil
}

func (r *fakeReconciler) RemoteDelete(m *protocol.DeleteBuf) error {
	r.deletes = append(r.deletes, m.ID)
	return nil
}

func (r *fakeReconciler) RemoteRename(m *protocol.RenameBuf) error {
	r.renames = append(r.renames, m.Path)
	return nil
}

type fixture struct {
	s     *Session
	t     *fakeTransport
	r     *fakeReconciler
	logs  *observer.ObservedLogs
	ended []error
	ends  int
}

func newFixture(t *testing.T, creds Credentials) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	f := &fixture{t: &fakeTransport{}, r: newFakeReconciler(), logs: logs}
	f.s = New(Config{Owner: "alice", Workspace: "proj", Credentials: creds, ClientID: "client-1"},
		WithLogger(zap.New(core)),
		WithHooks(Hooks{OnTerminated: func(err error) {
			f.ends++
			f.ended = append(f.ended, err)
		}}),
	)
	f.s.Attach(f.t, f.r)
	return f
}

var testCreds = Credentials{Username: "bob", Secret: "s3cret"}

func roomInfo() *protocol.RoomInfo {
	return &protocol.RoomInfo{
		UserID: 5,
		Perms:  []string{"patch", "get_buf"},
		Bufs: map[string]protocol.BufInfo{
			"1": {ID: 1, Path: "a.txt", MD5: "aa", Encoding: "utf8"},
			"2": {ID: 2, Path: "dir/b.bin", MD5: "bb", Encoding: "base64"},
		},
		Users: map[string]protocol.User{
			"5": {UserID: 5, Username: "bob", Perms: []string{"patch", "get_buf"}},
			"6": {UserID: 6, Username: "carol"},
		},
	}
}

func (f *fixture) join(t *testing.T) {
	t.Helper()
	if err := f.s.Connect(); err != nil {
		t.Fatal(err)
	}
	f.s.OnConnected()
	f.s.OnMessage(protocol.Envelope{Msg: roomInfo()})
	if f.s.State() != StateJoined {
		t.Fatalf("State() = %v, want joined", f.s.State())
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateAuthenticating, "authenticating"},
		{StateJoined, "joined"},
		{StateReconnecting, "reconnecting"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestSession_Auth(t *testing.T) {
	f := newFixture(t, testCreds)
	if err := f.s.Connect(); err != nil {
		t.Fatal(err)
	}
	if f.s.State() != StateConnecting || f.t.connects != 1 {
		t.Fatalf("after Connect: state %v, connects %d", f.s.State(), f.t.connects)
	}

	f.s.OnConnected()
	if f.s.State() != StateAuthenticating {
		t.Errorf("State() = %v, want authenticating", f.s.State())
	}
	auth, ok := f.t.last().(*protocol.Auth)
	if !ok {
		t.Fatalf("sent %T, want *protocol.Auth", f.t.last())
	}
	want := &protocol.Auth{
		Username:           "bob",
		Secret:             "s3cret",
		RoomOwner:          "alice",
		Room:               "proj",
		Client:             ClientName,
		Platform:           auth.Platform,
		Version:            ProtocolVersion,
		SupportedEncodings: []string{"utf8", "base64"},
		ClientID:           "client-1",
	}
	if diff := cmp.Diff(want, auth); diff != "" {
		t.Errorf("auth mismatch (-want +got):\n%s", diff)
	}
}

func TestSession_GeneratesClientID(t *testing.T) {
	a := New(Config{})
	b := New(Config{})
	if a.ClientID() == "" || a.ClientID() == b.ClientID() {
		t.Errorf("client ids %q and %q should be distinct and non-empty", a.ClientID(), b.ClientID())
	}
}

func TestSession_CreateUser(t *testing.T) {
	f := newFixture(t, Credentials{})
	var got Credentials
	f.s.SetHooks(Hooks{OnCredentials: func(c Credentials) { got = c }})
	f.s.Connect()
	f.s.OnConnected()

	if _, ok := f.t.last().(*protocol.CreateUser); !ok {
		t.Fatalf("sent %T, want *protocol.CreateUser", f.t.last())
	}

	f.s.OnMessage(protocol.Envelope{Msg: &protocol.Credentials{Username: "anon-1", Secret: "xyz"}})
	if got.Username != "anon-1" || got.Secret != "xyz" {
		t.Errorf("OnCredentials got %+v", got)
	}
	auth, ok := f.t.last().(*protocol.Auth)
	if !ok {
		t.Fatalf("sent %T after credentials, want *protocol.Auth", f.t.last())
	}
	if auth.Username != "anon-1" || auth.Secret != "xyz" {
		t.Errorf("auth used %q/%q", auth.Username, auth.Secret)
	}
}

func TestSession_RoomInfo(t *testing.T) {
	f := newFixture(t, testCreds)
	f.join(t)

	if got := f.r.dir.Paths(); !cmp.Equal(got, []string{"a.txt", "dir/b.bin"}) {
		t.Errorf("directory paths = %v", got)
	}
	b, ok := f.r.dir.Get(2)
	if !ok || !b.Binary() || b.MD5 != "bb" {
		t.Errorf("buffer 2 = %+v", b)
	}
	if f.r.joins != 1 {
		t.Errorf("Join called %d times, want 1", f.r.joins)
	}
	if !f.s.HasPerm("patch") || f.s.HasPerm("delete_buf") {
		t.Errorf("Perms() = %v", f.s.Perms())
	}
	if f.s.UserID() != 5 || len(f.s.Users()) != 2 {
		t.Errorf("user id %d, users %d", f.s.UserID(), len(f.s.Users()))
	}
}

func TestSession_BufferMessagesBeforeJoinIgnored(t *testing.T) {
	f := newFixture(t, testCreds)
	f.s.Connect()
	f.s.OnConnected()
	f.s.OnMessage(protocol.Envelope{Msg: &protocol.Patch{ID: 1}})
	if len(f.r.patches) != 0 {
		t.Error("patch dispatched before room_info")
	}
}

func TestSession_Dispatch(t *testing.T) {
	f := newFixture(t, testCreds)
	f.join(t)

	msgs := []protocol.Message{
		&protocol.Patch{ID: 1},
		&protocol.GetBuf{ID: 1, Buf: "x"},
		&protocol.SetBuf{ID: 2, Buf: "y"},
		&protocol.CreateBuf{ID: 3, Path: "c.txt"},
		&protocol.RenameBuf{ID: 3, Path: "d.txt"},
		&protocol.DeleteBuf{ID: 3},
		&protocol.Saved{ID: 1},
		&protocol.Unknown{Name: "term_stdout"},
	}
	for _, m := range msgs {
		f.s.OnMessage(protocol.Envelope{Msg: m})
	}

	if len(f.r.patches) != 1 {
		t.Errorf("patches = %d, want 1", len(f.r.patches))
	}
	if !cmp.Equal(f.r.refreshes, []int{1, 2}) {
		t.Errorf("refreshes = %v", f.r.refreshes)
	}
	if !cmp.Equal(f.r.creates, []string{"c.txt"}) || !cmp.Equal(f.r.renames, []string{"d.txt"}) || !cmp.Equal(f.r.deletes, []int{3}) {
		t.Errorf("creates %v renames %v deletes %v", f.r.creates, f.r.renames, f.r.deletes)
	}
	if n := f.logs.FilterMessage("unknown message").Len(); n != 1 {
		t.Errorf("unknown message logged %d times, want 1", n)
	}
	if f.s.State() != StateJoined {
		t.Errorf("unknown message changed state to %v", f.s.State())
	}
}

func TestSession_PingPong(t *testing.T) {
	f := newFixture(t, testCreds)
	f.join(t)
	f.s.OnMessage(protocol.Envelope{Msg: &protocol.Ping{}})
	if _, ok := f.t.last().(*protocol.Pong); !ok {
		t.Errorf("sent %T, want *protocol.Pong", f.t.last())
	}
}

func TestSession_PendingRequests(t *testing.T) {
	f := newFixture(t, testCreds)
	now := time.Unix(100, 0)
	f.s.now = func() time.Time { return now }
	f.join(t)

	var reply protocol.Envelope
	id, err := f.s.Request(&protocol.GetBuf{ID: 1}, func(env protocol.Envelope) { reply = env })
	if err != nil {
		t.Fatal(err)
	}
	before := f.s.PendingRequests()

	now = now.Add(20 * time.Millisecond)
	f.s.OnMessage(protocol.Envelope{Msg: &protocol.Ack{}, ResID: id})
	if f.s.PendingRequests() != before-1 {
		t.Errorf("PendingRequests() = %d, want %d", f.s.PendingRequests(), before-1)
	}
	if reply.ResID != id {
		t.Errorf("callback got res_id %d, want %d", reply.ResID, id)
	}

	f.s.OnMessage(protocol.Envelope{Msg: &protocol.Ack{}, ResID: 999})
	if n := f.logs.FilterMessage("reply to unknown request").Len(); n != 1 {
		t.Errorf("unknown res_id warnings = %d, want 1", n)
	}
}

func TestSession_AuthFailureIsTerminal(t *testing.T) {
	f := newFixture(t, testCreds)
	f.s.Connect()
	f.s.OnConnected()
	f.s.OnMessage(protocol.Envelope{Msg: &protocol.Error{Msg: "bad secret"}})

	if f.ends != 1 || !errors.Is(f.ended[0], ErrAuthFailed) {
		t.Fatalf("terminated %d times with %v, want ErrAuthFailed", f.ends, f.ended)
	}
	var serr *ServerError
	if !errors.As(f.ended[0], &serr) || serr.Msg != "bad secret" {
		t.Errorf("error %v does not carry the server message", f.ended[0])
	}
	if !f.t.stopped || f.s.State() != StateDisconnected {
		t.Errorf("stopped %v, state %v", f.t.stopped, f.s.State())
	}
	if err := f.s.Connect(); err == nil {
		t.Error("Connect() after termination succeeded")
	}
}

func TestSession_ServerErrorWhileJoined(t *testing.T) {
	f := newFixture(t, testCreds)
	var got *ServerError
	f.s.SetHooks(Hooks{OnServerError: func(e *ServerError) { got = e }})
	f.join(t)

	f.s.OnMessage(protocol.Envelope{Msg: &protocol.Error{Msg: "slow down", Flash: true}})
	if got == nil || got.Msg != "slow down" || !got.Flash {
		t.Errorf("OnServerError got %+v", got)
	}
	if f.s.State() != StateJoined {
		t.Errorf("State() = %v, want joined", f.s.State())
	}
}

func TestSession_Disconnect(t *testing.T) {
	f := newFixture(t, testCreds)
	f.join(t)
	f.s.OnMessage(protocol.Envelope{Msg: &protocol.Disconnect{Reason: "kicked"}})

	if f.ends != 1 || !errors.Is(f.ended[0], ErrDisconnected) {
		t.Fatalf("terminated with %v, want ErrDisconnected", f.ended)
	}
	if f.r.dir.Len() != 0 {
		t.Errorf("directory not cleared: %d buffers", f.r.dir.Len())
	}

	f.s.Stop()
	if f.ends != 1 {
		t.Errorf("OnTerminated called %d times, want 1", f.ends)
	}
}

func TestSession_ConnectionLost(t *testing.T) {
	f := newFixture(t, testCreds)
	f.join(t)
	f.s.Send(&protocol.GetBuf{ID: 1})
	f.s.Send(&protocol.GetBuf{ID: 2})
	pending := f.s.PendingRequests()

	f.s.OnDisconnected(errors.New("reset by peer"))

	if f.s.State() != StateReconnecting {
		t.Errorf("State() = %v, want reconnecting", f.s.State())
	}
	if f.s.PendingRequests() != 0 {
		t.Errorf("PendingRequests() = %d after teardown", f.s.PendingRequests())
	}
	if n := f.logs.FilterMessage("discarding pending request").Len(); n != pending {
		t.Errorf("discard logs = %d, want %d", n, pending)
	}
	if f.r.cancels != 1 || f.r.resets != 1 || f.r.dir.Len() != 0 {
		t.Errorf("cancels %d resets %d buffers %d", f.r.cancels, f.r.resets, f.r.dir.Len())
	}
	if f.ends != 0 {
		t.Error("connection loss terminated the session")
	}

	f.s.OnConnected()
	if _, ok := f.t.last().(*protocol.Auth); !ok {
		t.Errorf("reconnect sent %T, want auth", f.t.last())
	}
}

func TestSession_GaveUp(t *testing.T) {
	f := newFixture(t, testCreds)
	f.s.Connect()
	cause := errors.New("gave up")
	f.s.OnGaveUp(cause)
	if f.ends != 1 || !errors.Is(f.ended[0], cause) || f.s.State() != StateDisconnected {
		t.Errorf("ended %v, state %v", f.ended, f.s.State())
	}
}

func TestSession_Presence(t *testing.T) {
	f := newFixture(t, testCreds)
	var joined, left []string
	f.s.SetHooks(Hooks{
		OnUserJoined: func(u protocol.User) { joined = append(joined, u.Username) },
		OnUserLeft:   func(u protocol.User) { left = append(left, u.Username) },
	})
	f.join(t)

	f.s.OnMessage(protocol.Envelope{Msg: &protocol.Join{User: protocol.User{UserID: 7, Username: "dave"}}})
	f.s.OnMessage(protocol.Envelope{Msg: &protocol.Part{UserID: 6}})

	if !cmp.Equal(joined, []string{"dave"}) || !cmp.Equal(left, []string{"carol"}) {
		t.Errorf("joined %v left %v", joined, left)
	}
	if len(f.s.Users()) != 2 {
		t.Errorf("Users() = %v", f.s.Users())
	}
}

func TestSession_Perms(t *testing.T) {
	f := newFixture(t, testCreds)
	f.join(t)

	f.s.OnMessage(protocol.Envelope{Msg: &protocol.Perms{UserID: 5, Action: "add", Perms: []string{"delete_buf"}}})
	if !f.s.HasPerm("delete_buf") {
		t.Error("add did not grant delete_buf")
	}
	f.s.OnMessage(protocol.Envelope{Msg: &protocol.Perms{UserID: 5, Action: "remove", Perms: []string{"patch"}}})
	if f.s.HasPerm("patch") {
		t.Error("remove did not revoke patch")
	}
	f.s.OnMessage(protocol.Envelope{Msg: &protocol.Perms{UserID: 5, Action: "set", Perms: []string{"get_buf"}}})
	if got := f.s.Perms(); !cmp.Equal(got, []string{"get_buf"}) {
		t.Errorf("Perms() after set = %v", got)
	}
}
