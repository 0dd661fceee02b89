// Package transport maintains the auto-reconnecting connection to the
// workspace server.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/cosync/internal/metrics"
	"github.com/dshills/cosync/internal/protocol"
	"github.com/dshills/cosync/internal/reactor"
)

// Errors returned by Conn.
var (
	ErrStopped   = errors.New("connection stopped")
	ErrGaveUp    = errors.New("gave up reconnecting")
	ErrEmptyRead = errors.New("too many empty reads")
)

// State is the connection state.
type State int

const (
	// StateIdle means Connect has not been called.
	StateIdle State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateConnected means the socket is up.
	StateConnected
	// StateWaiting means a reconnect is scheduled.
	StateWaiting
	// StateGaveUp means retries are exhausted.
	StateGaveUp
	// StateStopped means Stop was called.
	StateStopped
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateWaiting:
		return "waiting"
	case StateGaveUp:
		return "gave-up"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Listener receives connection callbacks on the reactor loop.
type Listener interface {
	// OnConnected is called once the socket (and TLS handshake) is up.
	OnConnected()

	// OnMessage is called for every decoded inbound message.
	OnMessage(env protocol.Envelope)

	// OnDisconnected is called when an established connection drops.
	OnDisconnected(err error)

	// OnGaveUp is called once when retries are exhausted.
	OnGaveUp(err error)
}

// DialFunc opens the raw network connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config configures a Conn.
type Config struct {
	Host   string
	Port   int
	Secure bool

	// TLS overrides the client TLS configuration when Secure is set.
	TLS *tls.Config

	// DialTimeout bounds a single dial including the TLS handshake.
	// Default: 15s
	DialTimeout time.Duration

	Backoff Backoff

	// MaxRetries is the number of consecutive failures tolerated before
	// giving up. Zero retries forever.
	// Default: 20
	MaxRetries int

	// MaxEmptyReads is the number of consecutive zero-byte reads treated
	// as a dead connection.
	// Default: 10
	MaxEmptyReads int

	// ReadBufferSize is the size of each socket read.
	// Default: 64KiB
	ReadBufferSize int

	// MaxFrameSize bounds a single inbound frame.
	MaxFrameSize int
}

// DefaultConfig returns a configuration with default timings.
func DefaultConfig() Config {
	return Config{
		DialTimeout:    15 * time.Second,
		Backoff:        DefaultBackoff(),
		MaxRetries:     20,
		MaxEmptyReads:  10,
		ReadBufferSize: 64 << 10,
		MaxFrameSize:   protocol.DefaultMaxFrame,
	}
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Conn is a newline-delimited JSON connection driven by a reactor. All
// methods must be called on the reactor loop.
type Conn struct {
	cfg      Config
	r        *reactor.Reactor
	listener Listener
	logger   *zap.Logger
	dial     DialFunc

	state      State
	gen        uint64
	link       *link
	cancelDial context.CancelFunc
	timer      reactor.TimerID

	framer     *protocol.Framer
	queue      [][]byte
	inflight   int
	seq        uint64
	retries    int
	emptyReads int
	lastErr    error
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the connection's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDialer overrides how the raw connection is opened.
func WithDialer(d DialFunc) Option {
	return func(c *Conn) {
		if d != nil {
			c.dial = d
		}
	}
}

// New creates a connection. Nothing happens until Connect.
func New(r *reactor.Reactor, cfg Config, listener Listener, opts ...Option) *Conn {
	def := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.MaxEmptyReads <= 0 {
		cfg.MaxEmptyReads = def.MaxEmptyReads
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}

	var d net.Dialer
	c := &Conn{
		cfg:      cfg,
		r:        r,
		listener: listener,
		logger:   zap.NewNop(),
		dial:     d.DialContext,
		framer:   protocol.NewFramer(cfg.MaxFrameSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("addr", cfg.Addr()))
	return c
}

// State returns the current state.
func (c *Conn) State() State {
	return c.state
}

// Connected reports whether the socket is up.
func (c *Conn) Connected() bool {
	return c.state == StateConnected
}

// Retries returns the number of consecutive failures.
func (c *Conn) Retries() int {
	return c.retries
}

// Pending returns the number of frames queued or being written.
func (c *Conn) Pending() int {
	return len(c.queue) + c.inflight
}

// Connect starts the first dial.
func (c *Conn) Connect() error {
	switch c.state {
	case StateStopped:
		return ErrStopped
	case StateGaveUp:
		return ErrGaveUp
	case StateConnecting, StateConnected:
		return nil
	}
	c.r.Cancel(c.timer)
	c.startDial()
	return nil
}

// Send encodes msg and queues it. The returned sequence number is the frame's
// req_id.
func (c *Conn) Send(msg protocol.Message) (uint64, error) {
	switch c.state {
	case StateStopped:
		return 0, ErrStopped
	case StateGaveUp:
		return 0, ErrGaveUp
	}

	data, err := protocol.Encode(msg, c.seq+1)
	if err != nil {
		return 0, fmt.Errorf("encode: %w", err)
	}
	c.seq++
	c.queue = append(c.queue, data)
	metrics.RecordFrameSent(msg.MessageName(), len(data))
	return c.seq, nil
}

// Reconnect drops the current connection and schedules a new attempt.
func (c *Conn) Reconnect() {
	c.fail(nil)
}

// Stop closes the connection and disables reconnection permanently.
func (c *Conn) Stop() {
	if c.state == StateStopped {
		return
	}
	c.teardown(ErrStopped)
	c.r.Cancel(c.timer)
	c.timer = 0
	c.state = StateStopped
}

func (c *Conn) startDial() {
	c.gen++
	gen := c.gen
	c.state = StateConnecting

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	c.cancelDial = cancel

	addr := c.cfg.Addr()
	c.logger.Debug("dialing", zap.Bool("secure", c.cfg.Secure), zap.Int("attempt", c.retries+1))

	go func() {
		defer cancel()
		sock, err := c.open(ctx, addr)
		c.r.Post(func() { c.dialDone(gen, sock, err) })
	}()
}

func (c *Conn) open(ctx context.Context, addr string) (net.Conn, error) {
	raw, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !c.cfg.Secure {
		return raw, nil
	}

	tlsCfg := c.cfg.TLS
	if tlsCfg == nil {
		tlsCfg = &tls.Config{ServerName: c.cfg.Host, MinVersion: tls.VersionTLS12}
	}
	tc := tls.Client(raw, tlsCfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tc, nil
}

func (c *Conn) dialDone(gen uint64, sock net.Conn, err error) {
	if gen != c.gen || c.state != StateConnecting {
		if sock != nil {
			sock.Close()
		}
		return
	}
	c.cancelDial = nil

	if err != nil {
		c.logger.Warn("connect failed", zap.Error(err))
		c.scheduleReconnect(err)
		return
	}

	c.state = StateConnected
	c.retries = 0
	c.emptyReads = 0
	c.framer.Reset()

	l := &link{conn: c, sock: sock}
	c.link = l
	c.r.Add(l)
	go l.readPump(c.cfg.ReadBufferSize)

	metrics.SetConnected(true)
	c.logger.Info("connected")
	c.listener.OnConnected()
}

// fail tears down and schedules a reconnect unless the connection is done.
func (c *Conn) fail(err error) {
	if c.state == StateStopped || c.state == StateGaveUp {
		return
	}
	c.teardown(err)
	c.scheduleReconnect(err)
}

func (c *Conn) teardown(err error) {
	wasConnected := c.state == StateConnected

	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.link != nil {
		c.r.Remove(c.link)
		c.link.sock.Close()
		c.link = nil
	}
	// Stale frames must not be replayed into a new session.
	if n := len(c.queue) + c.inflight; n > 0 {
		c.logger.Debug("dropping outbound queue", zap.Int("frames", n))
	}
	c.queue = nil
	c.inflight = 0
	c.framer.Reset()
	c.gen++
	c.state = StateIdle

	if wasConnected {
		metrics.SetConnected(false)
		c.logger.Info("disconnected", zap.Error(err))
		c.listener.OnDisconnected(err)
	}
}

func (c *Conn) scheduleReconnect(err error) {
	// A listener callback may have stopped the connection.
	if c.state == StateStopped || c.state == StateGaveUp {
		return
	}

	c.retries++
	if c.cfg.MaxRetries > 0 && c.retries >= c.cfg.MaxRetries {
		c.state = StateGaveUp
		metrics.RecordGaveUp()
		if err == nil {
			err = ErrGaveUp
		}
		c.logger.Error("giving up", zap.Int("retries", c.retries), zap.Error(err))
		c.listener.OnGaveUp(err)
		return
	}

	delay := c.cfg.Backoff.Delay(c.retries)
	c.state = StateWaiting
	metrics.RecordReconnect()
	c.logger.Info("reconnecting", zap.Duration("delay", delay), zap.Int("attempt", c.retries))
	c.timer = c.r.After(delay, func() {
		c.timer = 0
		if c.state == StateWaiting {
			c.startDial()
		}
	})
}

func (c *Conn) handleRead(data []byte) {
	if len(data) == 0 {
		c.emptyReads++
		if c.emptyReads >= c.cfg.MaxEmptyReads {
			c.fail(ErrEmptyRead)
		}
		return
	}
	c.emptyReads = 0
	metrics.RecordBytesReceived(len(data))

	frames, err := c.framer.Feed(data)
	if err != nil {
		metrics.RecordFrameDropped()
		c.logger.Warn("dropping oversized frame", zap.Error(err))
	}

	l := c.link
	for _, f := range frames {
		env, err := protocol.Decode(f)
		if err != nil {
			metrics.RecordFrameDropped()
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		metrics.RecordFrameReceived(env.Msg.MessageName())
		c.listener.OnMessage(env)
		if c.link != l {
			// The listener tore the connection down.
			return
		}
	}
}

func (c *Conn) flush() {
	if c.link == nil || c.inflight > 0 || len(c.queue) == 0 {
		return
	}

	var size int
	for _, f := range c.queue {
		size += len(f)
	}
	buf := make([]byte, 0, size)
	for _, f := range c.queue {
		buf = append(buf, f...)
	}
	c.inflight = len(c.queue)
	c.queue = nil

	go c.link.write(buf)
}

// isTemporary reports whether err is a timeout that does not end the
// connection.
func isTemporary(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// link is one live socket. It is the reactor source for that socket so
// events from a torn-down socket are dropped by the reactor.
type link struct {
	conn *Conn
	sock net.Conn
}

func (l *link) readPump(size int) {
	buf := make([]byte, size)
	for {
		n, err := l.sock.Read(buf)
		if n > 0 || err == nil {
			data := append([]byte(nil), buf[:n]...)
			l.conn.r.Emit(reactor.Event{Source: l, Kind: reactor.EventRead, Data: data})
		}
		if err == nil || isTemporary(err) {
			continue
		}
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		l.conn.r.Emit(reactor.Event{Source: l, Kind: reactor.EventError, Err: err})
		return
	}
}

func (l *link) write(buf []byte) {
	for len(buf) > 0 {
		n, err := l.sock.Write(buf)
		buf = buf[n:]
		if err != nil && !isTemporary(err) {
			if !errors.Is(err, net.ErrClosed) {
				l.conn.r.Emit(reactor.Event{Source: l, Kind: reactor.EventError, Err: err})
			}
			return
		}
	}
	l.conn.r.Emit(reactor.Event{Source: l, Kind: reactor.EventWrite})
}

func (l *link) Interest() reactor.Interest {
	in := reactor.Readable
	if len(l.conn.queue) > 0 && l.conn.inflight == 0 {
		in |= reactor.Writable
	}
	return in
}

func (l *link) Tick(time.Time) {}

func (l *link) Flush() {
	l.conn.flush()
}

func (l *link) HandleRead(data []byte) {
	l.conn.handleRead(data)
}

func (l *link) HandleWrite() {
	l.conn.inflight = 0
}

func (l *link) HandleError(err error) {
	l.conn.logger.Warn("connection error", zap.Error(err))
	l.conn.lastErr = err
	l.conn.teardown(err)
}

func (l *link) Reconnect() {
	c := l.conn
	if c.state == StateStopped || c.state == StateGaveUp {
		return
	}
	err := c.lastErr
	c.lastErr = nil
	c.scheduleReconnect(err)
}

func (l *link) Stop() {
	l.conn.Stop()
}
