// Package session runs the workspace protocol on top of a transport
// connection: authentication, message dispatch, request tracking, presence
// and permissions.
//
// A Session is a transport.Listener. Every method runs on the event loop.
package session

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/cosync/internal/buffer"
	"github.com/dshills/cosync/internal/metrics"
	"github.com/dshills/cosync/internal/protocol"
)

// ProtocolVersion is sent in auth.
const ProtocolVersion = "0.11"

// ClientName identifies this client to the server.
const ClientName = "cosync"

// Errors reported through Hooks.OnTerminated.
var (
	ErrAuthFailed   = errors.New("authentication failed")
	ErrDisconnected = errors.New("disconnected by server")
	ErrNoTransport  = errors.New("no transport attached")
)

// ServerError is an error message sent by the server.
type ServerError struct {
	Msg   string
	Flash bool
}

func (e *ServerError) Error() string {
	return "server error: " + e.Msg
}

// State is the session state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateJoined
	StateReconnecting
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateJoined:
		return "joined"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Transport is the connection a session drives.
type Transport interface {
	Connect() error
	Send(msg protocol.Message) (uint64, error)
	Pending() int
	Stop()
}

// Reconciler applies workspace changes to local buffers.
type Reconciler interface {
	Directory() *buffer.Directory
	Join() error
	Cancel()
	Reset()
	ApplyPatch(p *protocol.Patch)
	Refresh(id int, body, enc, md5 string) error
	CreateFromRemote(m *protocol.CreateBuf) error
	RemoteDelete(m *protocol.DeleteBuf) error
	RemoteRename(m *protocol.RenameBuf) error
}

// Credentials authenticate the user. Either Secret or APIKey is used.
type Credentials struct {
	Username string
	Secret   string
	APIKey   string
}

// Empty reports whether no credentials are configured.
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Secret == "" && c.APIKey == ""
}

// Config identifies the workspace and the user.
type Config struct {
	Owner       string
	Workspace   string
	Credentials Credentials

	// ClientID identifies this process. Default: a random UUID.
	ClientID string

	Client   string
	Platform string
	Version  string
}

// Hooks observe the session. All hooks run on the loop and may be nil.
type Hooks struct {
	OnState       func(State)
	OnJoined      func(*protocol.RoomInfo)
	OnCredentials func(Credentials)
	OnUserJoined  func(protocol.User)
	OnUserLeft    func(protocol.User)
	OnHighlight   func(*protocol.Highlight)
	OnPermRequest func(*protocol.RequestPerms)
	OnServerError func(*ServerError)

	// OnTerminated is called once when the session ends for good. err is
	// nil after Stop.
	OnTerminated func(err error)
}

type pending struct {
	name string
	sent time.Time
	done func(protocol.Envelope)
}

// Session is the protocol state machine of one workspace connection.
type Session struct {
	config Config
	hooks  Hooks
	logger *zap.Logger
	now    func() time.Time

	transport Transport
	recon     Reconciler

	state       State
	userID      int
	perms       map[string]bool
	users       map[int]protocol.User
	pending     map[uint64]pending
	createdUser bool
	terminated  bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock sets the time source used for request latency.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// WithHooks sets the hooks.
func WithHooks(h Hooks) Option {
	return func(s *Session) {
		s.hooks = h
	}
}

// New creates a disconnected session. Attach must be called before Connect.
func New(config Config, opts ...Option) *Session {
	if config.ClientID == "" {
		config.ClientID = uuid.NewString()
	}
	if config.Client == "" {
		config.Client = ClientName
	}
	if config.Platform == "" {
		config.Platform = runtime.GOOS
	}
	if config.Version == "" {
		config.Version = ProtocolVersion
	}

	s := &Session{
		config:  config,
		logger:  zap.NewNop(),
		now:     time.Now,
		perms:   make(map[string]bool),
		users:   make(map[int]protocol.User),
		pending: make(map[uint64]pending),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("workspace", config.Owner+"/"+config.Workspace))
	return s
}

// Attach sets the transport and the reconciler.
func (s *Session) Attach(t Transport, r Reconciler) {
	s.transport = t
	s.recon = r
}

// SetHooks replaces the hooks.
func (s *Session) SetHooks(h Hooks) {
	s.hooks = h
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// ClientID returns the per-process client id.
func (s *Session) ClientID() string {
	return s.config.ClientID
}

// UserID returns the id the server assigned in room_info.
func (s *Session) UserID() int {
	return s.userID
}

// Credentials returns the credentials in use.
func (s *Session) Credentials() Credentials {
	return s.config.Credentials
}

// HasPerm reports whether the user holds perm.
func (s *Session) HasPerm(perm string) bool {
	return s.perms[perm]
}

// Perms returns the user's permissions, sorted.
func (s *Session) Perms() []string {
	out := make([]string, 0, len(s.perms))
	for p := range s.perms {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Users returns the workspace members ordered by id.
func (s *Session) Users() []protocol.User {
	out := make([]protocol.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// PendingRequests returns the number of requests awaiting a reply.
func (s *Session) PendingRequests() int {
	return len(s.pending)
}

// Connect opens the transport.
func (s *Session) Connect() error {
	if s.transport == nil {
		return ErrNoTransport
	}
	if s.terminated {
		return fmt.Errorf("session already terminated")
	}
	s.setState(StateConnecting)
	return s.transport.Connect()
}

// Stop ends the session.
func (s *Session) Stop() {
	s.terminate(nil)
}

// Send queues msg and tracks it as a pending request.
func (s *Session) Send(msg protocol.Message) (uint64, error) {
	return s.Request(msg, nil)
}

// Request queues msg and calls done when a reply carrying its id arrives.
func (s *Session) Request(msg protocol.Message, done func(protocol.Envelope)) (uint64, error) {
	if s.transport == nil {
		return 0, ErrNoTransport
	}
	id, err := s.transport.Send(msg)
	if err != nil {
		return 0, err
	}
	s.pending[id] = pending{name: msg.MessageName(), sent: s.now(), done: done}
	return id, nil
}

// Pending returns the number of unsent outbound frames.
func (s *Session) Pending() int {
	if s.transport == nil {
		return 0
	}
	return s.transport.Pending()
}

// OnConnected implements transport.Listener.
func (s *Session) OnConnected() {
	s.setState(StateAuthenticating)
	if s.config.Credentials.Empty() {
		s.createUser()
		return
	}
	s.auth()
}

func (s *Session) auth() {
	c := s.config.Credentials
	msg := &protocol.Auth{
		Username:           c.Username,
		Secret:             c.Secret,
		APIKey:             c.APIKey,
		RoomOwner:          s.config.Owner,
		Room:               s.config.Workspace,
		Client:             s.config.Client,
		Platform:           s.config.Platform,
		Version:            s.config.Version,
		SupportedEncodings: []string{string(buffer.EncodingUTF8), string(buffer.EncodingBase64)},
		ClientID:           s.config.ClientID,
	}
	if _, err := s.Send(msg); err != nil {
		s.logger.Error("send auth", zap.Error(err))
	}
}

func (s *Session) createUser() {
	s.createdUser = true
	msg := &protocol.CreateUser{
		Client:   s.config.Client,
		Platform: s.config.Platform,
		Version:  s.config.Version,
	}
	if _, err := s.Send(msg); err != nil {
		s.logger.Error("send create_user", zap.Error(err))
	}
}

// OnDisconnected implements transport.Listener.
func (s *Session) OnDisconnected(err error) {
	if s.terminated {
		return
	}
	s.logger.Warn("connection lost", zap.Error(err))
	s.teardown()
	s.setState(StateReconnecting)
}

// OnGaveUp implements transport.Listener.
func (s *Session) OnGaveUp(err error) {
	s.terminate(err)
}

// OnMessage implements transport.Listener.
func (s *Session) OnMessage(env protocol.Envelope) {
	if s.terminated || env.Msg == nil {
		return
	}
	if env.ResID > 0 {
		s.complete(env)
	}

	switch m := env.Msg.(type) {
	case *protocol.RoomInfo:
		s.onRoomInfo(m)
	case *protocol.Credentials:
		s.onCredentials(m)
	case *protocol.Error:
		s.onError(m)
	case *protocol.Disconnect:
		s.logger.Warn("disconnected by server", zap.String("reason", m.Reason))
		s.terminate(fmt.Errorf("%w: %s", ErrDisconnected, m.Reason))
	case *protocol.Ping:
		if _, err := s.transport.Send(&protocol.Pong{}); err != nil {
			s.logger.Warn("send pong", zap.Error(err))
		}
	case *protocol.Pong, *protocol.Ack:
	case *protocol.Patch:
		if s.joined() {
			s.recon.ApplyPatch(m)
		}
	case *protocol.GetBuf:
		if s.joined() {
			s.refresh(m.ID, m.Buf, m.Encoding, m.MD5)
		}
	case *protocol.SetBuf:
		if s.joined() {
			s.refresh(m.ID, m.Buf, m.Encoding, m.MD5)
		}
	case *protocol.CreateBuf:
		if s.joined() {
			if err := s.recon.CreateFromRemote(m); err != nil {
				s.logger.Error("create buffer", zap.String("path", m.Path), zap.Error(err))
			}
		}
	case *protocol.RenameBuf:
		if s.joined() {
			if err := s.recon.RemoteRename(m); err != nil {
				s.logger.Error("rename buffer", zap.Int("buf", m.ID), zap.String("path", m.Path), zap.Error(err))
			}
		}
	case *protocol.DeleteBuf:
		if s.joined() {
			if err := s.recon.RemoteDelete(m); err != nil {
				s.logger.Error("delete buffer", zap.Int("buf", m.ID), zap.Error(err))
			}
		}
	case *protocol.Join:
		s.users[m.UserID] = m.User
		s.logger.Info("user joined", zap.String("user", m.Username), zap.Int("user_id", m.UserID))
		if s.hooks.OnUserJoined != nil {
			s.hooks.OnUserJoined(m.User)
		}
	case *protocol.Part:
		u, ok := s.users[m.UserID]
		if !ok {
			u = protocol.User{UserID: m.UserID, Username: m.Username}
		}
		delete(s.users, m.UserID)
		s.logger.Info("user left", zap.String("user", u.Username), zap.Int("user_id", m.UserID))
		if s.hooks.OnUserLeft != nil {
			s.hooks.OnUserLeft(u)
		}
	case *protocol.Perms:
		s.onPerms(m)
	case *protocol.RequestPerms:
		s.logger.Info("permission request", zap.Int("user_id", m.UserID), zap.Strings("perms", m.Perms))
		if s.hooks.OnPermRequest != nil {
			s.hooks.OnPermRequest(m)
		}
	case *protocol.Highlight:
		if s.hooks.OnHighlight != nil {
			s.hooks.OnHighlight(m)
		}
	case *protocol.Saved:
		s.logger.Debug("buffer saved", zap.Int("buf", m.ID), zap.Int("user_id", m.UserID))
	case *protocol.Unknown:
		s.logger.Warn("unknown message", zap.String("name", m.Name))
	default:
		s.logger.Debug("unhandled message", zap.String("name", env.Msg.MessageName()))
	}
}

func (s *Session) joined() bool {
	if s.state != StateJoined {
		s.logger.Debug("buffer message before room_info ignored")
		return false
	}
	return true
}

func (s *Session) complete(env protocol.Envelope) {
	p, ok := s.pending[env.ResID]
	if !ok {
		s.logger.Warn("reply to unknown request", zap.Uint64("res_id", env.ResID), zap.String("name", env.Msg.MessageName()))
		return
	}
	delete(s.pending, env.ResID)
	metrics.RecordRequest(p.name, s.now().Sub(p.sent))
	if p.done != nil {
		p.done(env)
	}
}

func (s *Session) refresh(id int, body, enc, md5 string) {
	if err := s.recon.Refresh(id, body, enc, md5); err != nil {
		s.logger.Error("refresh buffer", zap.Int("buf", id), zap.Error(err))
	}
}

func (s *Session) onRoomInfo(m *protocol.RoomInfo) {
	s.userID = m.UserID
	s.perms = make(map[string]bool, len(m.Perms))
	for _, p := range m.Perms {
		s.perms[p] = true
	}
	s.users = make(map[int]protocol.User, len(m.Users))
	for _, u := range m.Users {
		s.users[u.UserID] = u
	}

	dir := s.recon.Directory()
	dir.Reset()
	for _, info := range m.Buffers() {
		b := buffer.New(info.ID, info.Path, buffer.Encoding(info.Encoding), info.MD5)
		if err := dir.Add(b); err != nil {
			s.logger.Warn("skipping manifest entry", zap.Int("buf", info.ID), zap.String("path", info.Path), zap.Error(err))
		}
	}
	metrics.SetBuffers(dir.Len())

	s.setState(StateJoined)
	s.logger.Info("joined workspace",
		zap.Int("user_id", m.UserID),
		zap.Int("buffers", dir.Len()),
		zap.Int("users", len(s.users)),
		zap.Strings("perms", s.Perms()),
	)
	if s.hooks.OnJoined != nil {
		s.hooks.OnJoined(m)
	}

	if err := s.recon.Join(); err != nil {
		s.logger.Error("join reconciliation failed", zap.Error(err))
	}
}

func (s *Session) onCredentials(m *protocol.Credentials) {
	creds := Credentials{Username: m.Username, Secret: m.Secret, APIKey: m.APIKey}
	s.config.Credentials = creds
	s.logger.Info("received credentials", zap.String("username", m.Username))
	if s.hooks.OnCredentials != nil {
		s.hooks.OnCredentials(creds)
	}
	if s.state == StateAuthenticating && s.createdUser {
		s.createdUser = false
		s.auth()
	}
}

func (s *Session) onError(m *protocol.Error) {
	serr := &ServerError{Msg: m.Msg, Flash: m.Flash}
	if s.state == StateAuthenticating {
		s.logger.Error("authentication rejected", zap.String("msg", m.Msg))
		s.terminate(fmt.Errorf("%w: %w", ErrAuthFailed, serr))
		return
	}
	s.logger.Warn("server error", zap.String("msg", m.Msg), zap.Bool("flash", m.Flash))
	if s.hooks.OnServerError != nil {
		s.hooks.OnServerError(serr)
	}
}

func (s *Session) onPerms(m *protocol.Perms) {
	u := s.users[m.UserID]
	current := make(map[string]bool)
	for _, p := range u.Perms {
		current[p] = true
	}
	if m.UserID == s.userID {
		current = s.perms
	}

	switch m.Action {
	case "add":
		for _, p := range m.Perms {
			current[p] = true
		}
	case "remove":
		for _, p := range m.Perms {
			delete(current, p)
		}
	default:
		for p := range current {
			delete(current, p)
		}
		for _, p := range m.Perms {
			current[p] = true
		}
	}

	if m.UserID == s.userID {
		s.logger.Info("permissions changed", zap.String("action", m.Action), zap.Strings("perms", s.Perms()))
	}
	if _, ok := s.users[m.UserID]; ok {
		u.Perms = make([]string, 0, len(current))
		for p := range current {
			u.Perms = append(u.Perms, p)
		}
		sort.Strings(u.Perms)
		s.users[m.UserID] = u
	}
}

// teardown drops everything tied to the current connection.
func (s *Session) teardown() {
	for id, p := range s.pending {
		s.logger.Info("discarding pending request", zap.Uint64("req_id", id), zap.String("name", p.name))
		delete(s.pending, id)
	}
	if s.recon != nil {
		s.recon.Cancel()
		s.recon.Reset()
		s.recon.Directory().Reset()
		metrics.SetBuffers(0)
	}
	s.createdUser = false
}

func (s *Session) terminate(err error) {
	if s.terminated {
		return
	}
	s.terminated = true
	if s.transport != nil {
		s.transport.Stop()
	}
	s.teardown()
	s.setState(StateDisconnected)
	if err != nil {
		s.logger.Error("session ended", zap.Error(err))
	} else {
		s.logger.Info("session stopped")
	}
	if s.hooks.OnTerminated != nil {
		s.hooks.OnTerminated(err)
	}
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	s.logger.Debug("session state", zap.Stringer("from", s.state), zap.Stringer("to", st))
	s.state = st
	if s.hooks.OnState != nil {
		s.hooks.OnState(st)
	}
}
