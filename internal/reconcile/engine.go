package reconcile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/cosync/internal/buffer"
	"github.com/dshills/cosync/internal/diff"
	"github.com/dshills/cosync/internal/metrics"
	"github.com/dshills/cosync/internal/protocol"
	"github.com/dshills/cosync/internal/reactor"
	"github.com/dshills/cosync/internal/view"
)

// Permission names checked before sending.
const (
	PermPatch     = "patch"
	PermCreateBuf = "create_buf"
	PermDeleteBuf = "delete_buf"
)

// ErrPermission is returned when the user lacks the permission an action needs.
var ErrPermission = errors.New("permission denied")

// Sender queues an outbound message.
type Sender interface {
	Send(msg protocol.Message) (uint64, error)
}

// Scheduler runs delayed work on the event loop.
type Scheduler interface {
	After(d time.Duration, fn func()) reactor.TimerID
	Cancel(id reactor.TimerID) bool
}

// Permissions answers whether the current user holds a permission.
type Permissions interface {
	HasPerm(perm string) bool
}

// AllPerms grants everything.
type AllPerms struct{}

// HasPerm implements Permissions.
func (AllPerms) HasPerm(string) bool { return true }

// Config configures an Engine.
type Config struct {
	// Root is the local directory the workspace is mirrored into.
	Root string

	// ResyncDelay is how long a clean patch with a wrong md5_after waits
	// before the buffer is refetched.
	// Default: 2s
	ResyncDelay time.Duration

	// SpliceThreshold is the size above which views are replaced wholesale.
	// Default: 10000
	SpliceThreshold int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		ResyncDelay:     2 * time.Second,
		SpliceThreshold: view.DefaultThreshold,
	}
}

// Engine applies remote changes to local buffers and turns local edits into
// outgoing messages. It must only be used from the event loop.
type Engine struct {
	dir    *buffer.Directory
	views  view.Registry
	diff   *diff.Engine
	send   Sender
	sched  Scheduler
	perms  Permissions
	config Config
	logger *zap.Logger

	resyncs map[int]reactor.TimerID
}

// NewEngine creates an engine over dir.
func NewEngine(dir *buffer.Directory, views view.Registry, d *diff.Engine, send Sender, sched Scheduler, perms Permissions, config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if d == nil {
		d = diff.NewDefault()
	}
	if perms == nil {
		perms = AllPerms{}
	}
	def := DefaultConfig()
	if config.ResyncDelay <= 0 {
		config.ResyncDelay = def.ResyncDelay
	}
	if config.SpliceThreshold <= 0 {
		config.SpliceThreshold = def.SpliceThreshold
	}
	return &Engine{
		dir:     dir,
		views:   views,
		diff:    d,
		send:    send,
		sched:   sched,
		perms:   perms,
		config:  config,
		logger:  logger,
		resyncs: make(map[int]reactor.TimerID),
	}
}

// Directory returns the buffer directory.
func (e *Engine) Directory() *buffer.Directory {
	return e.dir
}

// ScheduledResyncs returns the number of pending delayed refetches.
func (e *Engine) ScheduledResyncs() int {
	return len(e.resyncs)
}

// Reset cancels every delayed refetch. Called on session teardown.
func (e *Engine) Reset() {
	for id, timer := range e.resyncs {
		e.sched.Cancel(timer)
		delete(e.resyncs, id)
	}
}

// ApplyPatch applies an incoming patch.
//
// The patch is ignored when the buffer content is not loaded and triggers a
// refetch for binary buffers. When the live view has diverged from the
// buffer, the local difference is sent first as a forced patch. A patch that
// does not apply cleanly leaves the content alone, refetches the buffer and
// locks its view. A clean patch whose result does not hash to md5_after
// schedules a delayed refetch.
func (e *Engine) ApplyPatch(p *protocol.Patch) {
	b, ok := e.dir.Get(p.ID)
	if !ok {
		e.logger.Warn("patch for unknown buffer", zap.Int("buf", p.ID), zap.String("path", p.Path))
		return
	}
	e.cancelResync(b.ID)

	content, loaded := b.Content()
	if !loaded {
		e.logger.Debug("ignoring patch for unloaded buffer", zap.Stringer("buf", b))
		metrics.RecordPatch("in", "ignored")
		return
	}
	if b.Binary() {
		e.requestBuf(b, "binary")
		return
	}

	base := content
	v, hasView := e.views.Lookup(b.Path())
	if hasView {
		text, err := v.Text()
		switch {
		case err != nil:
			e.logger.Warn("read view", zap.Stringer("buf", b), zap.Error(err))
		case text == content:
			b.ForcedPatch = false
		case !b.ForcedPatch:
			e.logger.Debug("forcing patch", zap.Stringer("buf", b))
			if err := e.sendPatch(b, content, text); err != nil {
				e.logger.Warn("forced patch", zap.Stringer("buf", b), zap.Error(err))
			}
			b.SetContent(text)
			b.ForcedPatch = true
			base = text
			metrics.RecordPatch("out", "forced")
		default:
			e.logger.Debug("forced patch already sent", zap.Stringer("buf", b))
		}
	}

	if before := buffer.Hash(base); before != p.MD5Before {
		e.logger.Warn("md5_before mismatch",
			zap.Stringer("buf", b),
			zap.String("local", before),
			zap.String("remote", p.MD5Before),
		)
	}

	patch, err := e.diff.Parse(p.Patch)
	if err != nil {
		e.logger.Warn("malformed patch", zap.Stringer("buf", b), zap.Error(err))
		e.requestBuf(b, "malformed")
		return
	}

	res := e.diff.Apply(patch, base)
	if !res.Clean() {
		e.logger.Info("patch did not apply cleanly, refetching",
			zap.Stringer("buf", b),
			zap.Int("failed", res.Failed()),
			zap.Int("hunks", patch.Len()),
		)
		metrics.RecordPatch("in", "dirty")
		e.requestBuf(b, "dirty")
		return
	}

	b.SetContent(res.Text)
	metrics.RecordPatch("in", "clean")
	if b.MD5 != p.MD5After {
		e.logger.Debug("md5_after mismatch, scheduling resync",
			zap.Stringer("buf", b),
			zap.String("local", b.MD5),
			zap.String("remote", p.MD5After),
		)
		e.scheduleResync(b)
	}

	if hasView {
		if _, err := view.Splice(v, res.Text, e.config.SpliceThreshold); err != nil {
			e.logger.Warn("update view", zap.Stringer("buf", b), zap.Error(err))
		}
	}
}

// Refresh installs a full buffer body received through get_buf or set_buf.
func (e *Engine) Refresh(id int, body string, enc string, md5 string) error {
	b, ok := e.dir.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", buffer.ErrUnknownBuf, id)
	}

	encoding := buffer.Encoding(enc)
	content, err := buffer.DecodeBody(body, encoding)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", b, err)
	}

	if err := e.write(b.Path(), content); err != nil {
		return fmt.Errorf("refresh %s: %w", b, err)
	}

	if encoding != "" {
		b.Encoding = encoding
	}
	b.SetContent(content)
	b.PendingResync = false
	b.ForcedPatch = false
	e.cancelResync(id)
	if md5 != "" && md5 != b.MD5 {
		e.logger.Warn("refreshed content hash mismatch", zap.Stringer("buf", b), zap.String("remote", md5))
	}
	e.unlock(b.Path())
	return nil
}

// CreateFromRemote registers a buffer announced by the server. The content
// is written locally before the buffer is registered, so a write failure
// leaves no partial state behind.
func (e *Engine) CreateFromRemote(m *protocol.CreateBuf) error {
	p, err := buffer.CleanPath(m.Path)
	if err != nil {
		return err
	}
	enc := buffer.Encoding(m.Encoding)
	content, err := buffer.DecodeBody(m.Buf, enc)
	if err != nil {
		return fmt.Errorf("create %s: %w", p, err)
	}

	if existing, ok := e.dir.Lookup(p); ok && existing.ID != m.ID {
		e.logger.Info("path re-created with new id", zap.String("path", p), zap.Int("old", existing.ID), zap.Int("new", m.ID))
		e.cancelResync(existing.ID)
		e.dir.Remove(existing.ID)
	}
	if _, ok := e.dir.Get(m.ID); ok {
		return e.Refresh(m.ID, m.Buf, m.Encoding, m.MD5)
	}

	if err := e.write(p, content); err != nil {
		return fmt.Errorf("create %s: %w", p, err)
	}

	b := buffer.New(m.ID, p, enc, "")
	b.SetContent(content)
	if err := e.dir.Add(b); err != nil {
		return err
	}
	metrics.SetBuffers(e.dir.Len())
	return nil
}

// LocalChange handles a local create or write of a workspace file. Unknown
// paths become new buffers; known ones go through LocalEdit.
func (e *Engine) LocalChange(rel string) error {
	b, ok := e.dir.Lookup(rel)
	if ok {
		return e.LocalEdit(b)
	}

	if !e.perms.HasPerm(PermCreateBuf) {
		e.logger.Warn("cannot create buffer", zap.String("path", rel), zap.String("perm", PermCreateBuf))
		return fmt.Errorf("%w: %s", ErrPermission, PermCreateBuf)
	}
	data, err := os.ReadFile(e.abs(rel))
	if err != nil {
		return err
	}
	enc := buffer.DetectEncoding(data)
	content := string(data)
	_, err = e.send.Send(&protocol.CreateBuf{
		Path:     rel,
		Buf:      buffer.EncodeBody(content, enc),
		MD5:      buffer.Hash(content),
		Encoding: string(enc),
	})
	return err
}

// LocalEdit sends the difference between b's last known content and its
// live view. Nothing is sent when the text is unchanged or the diff is empty.
func (e *Engine) LocalEdit(b *buffer.Buffer) error {
	if b.PendingResync {
		e.logger.Debug("buffer locked until synced", zap.Stringer("buf", b))
		return nil
	}
	v, ok := e.views.Lookup(b.Path())
	if !ok {
		return nil
	}
	text, err := v.Text()
	if err != nil {
		return err
	}
	hash := buffer.Hash(text)
	if hash == b.MD5 {
		return nil
	}

	if b.Binary() || buffer.DetectEncoding([]byte(text)) == buffer.EncodingBase64 {
		return e.sendSetBuf(b, text)
	}

	content, loaded := b.Content()
	if !loaded {
		e.logger.Debug("edit to unloaded buffer", zap.Stringer("buf", b))
		return nil
	}
	if err := e.sendPatch(b, content, text); err != nil {
		return err
	}
	b.SetContent(text)
	return nil
}

func (e *Engine) sendPatch(b *buffer.Buffer, from, to string) error {
	patch := e.diff.Make(from, to)
	if patch.Empty() {
		return nil
	}
	if !e.perms.HasPerm(PermPatch) {
		e.logger.Warn("cannot send patch", zap.Stringer("buf", b), zap.String("perm", PermPatch))
		return fmt.Errorf("%w: %s", ErrPermission, PermPatch)
	}
	_, err := e.send.Send(&protocol.Patch{
		ID:        b.ID,
		Path:      b.Path(),
		MD5Before: buffer.Hash(from),
		MD5After:  buffer.Hash(to),
		Patch:     e.diff.Serialize(patch),
	})
	if err == nil {
		metrics.RecordPatch("out", "sent")
	}
	return err
}

func (e *Engine) sendSetBuf(b *buffer.Buffer, content string) error {
	if !e.perms.HasPerm(PermPatch) {
		e.logger.Warn("cannot replace buffer", zap.Stringer("buf", b), zap.String("perm", PermPatch))
		return fmt.Errorf("%w: %s", ErrPermission, PermPatch)
	}
	enc := buffer.DetectEncoding([]byte(content))
	b.Encoding = enc
	b.SetContent(content)
	_, err := e.send.Send(&protocol.SetBuf{
		ID:       b.ID,
		Path:     b.Path(),
		Buf:      buffer.EncodeBody(content, enc),
		MD5:      b.MD5,
		Encoding: string(enc),
	})
	return err
}

// LocalDelete removes the buffer at rel from the workspace.
func (e *Engine) LocalDelete(rel string) error {
	b, ok := e.dir.Lookup(rel)
	if !ok {
		return nil
	}
	if !e.perms.HasPerm(PermDeleteBuf) {
		e.logger.Warn("cannot delete buffer", zap.Stringer("buf", b), zap.String("perm", PermDeleteBuf))
		return fmt.Errorf("%w: %s", ErrPermission, PermDeleteBuf)
	}
	if _, err := e.send.Send(&protocol.DeleteBuf{ID: b.ID, Path: b.Path(), Unlink: true}); err != nil {
		return err
	}
	e.forget(b.ID)
	return nil
}

// RemoteDelete drops a buffer deleted by another client, removing the local
// file when unlink is set.
func (e *Engine) RemoteDelete(m *protocol.DeleteBuf) error {
	b, ok := e.forget(m.ID)
	if !ok {
		e.logger.Debug("delete for unknown buffer", zap.Int("buf", m.ID))
		return nil
	}
	if !m.Unlink {
		return nil
	}
	if err := os.Remove(e.abs(b.Path())); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("unlink %s: %w", b.Path(), err)
	}
	return nil
}

// RemoteRename moves a buffer renamed by another client.
func (e *Engine) RemoteRename(m *protocol.RenameBuf) error {
	b, ok := e.dir.Get(m.ID)
	if !ok {
		return fmt.Errorf("%w: %d", buffer.ErrUnknownBuf, m.ID)
	}
	oldPath := b.Path()
	newPath, err := buffer.CleanPath(m.Path)
	if err != nil {
		return err
	}
	if newPath == oldPath {
		return nil
	}

	if other, ok := e.dir.Lookup(newPath); ok {
		return fmt.Errorf("%w: %s (buf %d)", buffer.ErrPathTaken, newPath, other.ID)
	}

	// Directory first; a failed disk rename rolls it back.
	if _, err := e.dir.Rename(m.ID, newPath); err != nil {
		return err
	}
	from, to := e.abs(oldPath), e.abs(newPath)
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		e.dir.Rename(m.ID, oldPath)
		return fmt.Errorf("rename %s: %w", oldPath, err)
	}
	if err := os.Rename(from, to); err != nil && !errors.Is(err, fs.ErrNotExist) {
		e.dir.Rename(m.ID, oldPath)
		return fmt.Errorf("rename %s: %w", oldPath, err)
	}
	return nil
}

// Fetch unloads b and requests its full body. The content is replaced
// when the reply arrives; patches in between are ignored.
func (e *Engine) Fetch(b *buffer.Buffer, reason string) {
	b.Unload()
	e.requestBuf(b, reason)
}

func (e *Engine) forget(id int) (*buffer.Buffer, bool) {
	e.cancelResync(id)
	b, ok := e.dir.Remove(id)
	if ok {
		metrics.SetBuffers(e.dir.Len())
	}
	return b, ok
}

// requestBuf sends get_buf for b unless one is already outstanding, and
// locks b's view until the reply arrives.
func (e *Engine) requestBuf(b *buffer.Buffer, reason string) {
	if b.PendingResync {
		return
	}
	if _, err := e.send.Send(&protocol.GetBuf{ID: b.ID}); err != nil {
		e.logger.Warn("request buffer", zap.Stringer("buf", b), zap.Error(err))
		return
	}
	b.PendingResync = true
	metrics.RecordResync(reason)
	if v, ok := e.views.Lookup(b.Path()); ok {
		v.SetReadOnly(true, view.LockedStatus)
	}
}

func (e *Engine) scheduleResync(b *buffer.Buffer) {
	id := b.ID
	e.cancelResync(id)
	e.resyncs[id] = e.sched.After(e.config.ResyncDelay, func() {
		delete(e.resyncs, id)
		if b, ok := e.dir.Get(id); ok {
			e.requestBuf(b, "md5_after")
		}
	})
}

func (e *Engine) cancelResync(id int) {
	if timer, ok := e.resyncs[id]; ok {
		e.sched.Cancel(timer)
		delete(e.resyncs, id)
	}
}

func (e *Engine) write(p string, content string) error {
	v, ok := e.views.Lookup(p)
	if !ok {
		return view.WriteFile(e.abs(p), []byte(content))
	}
	_, err := view.Splice(v, content, e.config.SpliceThreshold)
	return err
}

func (e *Engine) unlock(p string) {
	if v, ok := e.views.Lookup(p); ok {
		v.SetReadOnly(false, "")
	}
}

func (e *Engine) abs(rel string) string {
	return filepath.Join(e.config.Root, filepath.FromSlash(rel))
}
