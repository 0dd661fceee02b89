package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dshills/cosync/internal/buffer"
	"github.com/dshills/cosync/internal/ignore"
	"github.com/dshills/cosync/internal/prompt"
	"github.com/dshills/cosync/internal/protocol"
	"github.com/dshills/cosync/internal/upload"
)

// Conn is the outbound side of the connection as the joiner sees it.
type Conn interface {
	Sender
	upload.Queue
}

// Runner runs blocking work off the loop and resumes on it.
type Runner interface {
	Async(work func(), done func())
}

// JoinConfig configures a Joiner.
type JoinConfig struct {
	// Workspace names the workspace in prompts.
	Workspace string

	// Uploader is set when this client created the workspace from its local
	// directory. The local side then always wins without asking.
	Uploader bool

	// MaxWorkspaceSize caps the bytes uploaded on join.
	// Default: 100MB
	MaxWorkspaceSize int64

	Upload upload.Config
}

// JoinHooks observe a join. All hooks run on the loop and may be nil.
type JoinHooks struct {
	OnClassified func(*Classification)
	OnProgress   upload.ProgressFunc
	OnSynced     func()
	OnAbort      func(error)
}

// Joiner reconciles the local directory with a fresh workspace manifest.
type Joiner struct {
	scanner  *ignore.Scanner
	hasher   *Hasher
	hash     HashFunc
	engine   *Engine
	conn     Conn
	sched    Scheduler
	runner   Runner
	prompter prompt.Prompter
	perms    Permissions
	config   JoinConfig
	hooks    JoinHooks
	logger   *zap.Logger

	ctx   context.Context
	gen   int
	pacer *upload.Pacer
}

// NewJoiner creates a joiner. ctx bounds user prompts.
func NewJoiner(ctx context.Context, scanner *ignore.Scanner, hasher *Hasher, engine *Engine, conn Conn, sched Scheduler, runner Runner, p prompt.Prompter, perms Permissions, config JoinConfig, logger *zap.Logger) *Joiner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if perms == nil {
		perms = AllPerms{}
	}
	if config.MaxWorkspaceSize <= 0 {
		config.MaxWorkspaceSize = DefaultMaxWorkspaceSize
	}
	return &Joiner{
		scanner:  scanner,
		hasher:   hasher,
		hash:     hasher.Hash,
		engine:   engine,
		conn:     conn,
		sched:    sched,
		runner:   runner,
		prompter: p,
		perms:    perms,
		config:   config,
		logger:   logger,
		ctx:      ctx,
	}
}

// SetHooks replaces the join hooks.
func (j *Joiner) SetHooks(h JoinHooks) {
	j.hooks = h
}

// Uploading reports whether an upload is in progress.
func (j *Joiner) Uploading() bool {
	return j.pacer != nil && !j.pacer.Done()
}

// Cancel abandons the current join: outstanding prompts are ignored when
// they return and a running upload stops.
func (j *Joiner) Cancel() {
	j.gen++
	if j.pacer != nil {
		j.pacer.Cancel()
		j.pacer = nil
	}
}

// Join classifies the directory's buffers against the local tree and starts
// whichever flow applies. A scan failure aborts the join through OnAbort and
// is also returned.
func (j *Joiner) Join() error {
	j.Cancel()
	dir := j.engine.Directory()

	scan, err := j.scanner.Scan()
	if err != nil {
		err = fmt.Errorf("join: %w", err)
		j.abort(err)
		return err
	}
	c := Classify(dir.All(), scan, j.scanner.Ignored, j.hash)
	for p, err := range c.Unreadable {
		j.logger.Warn("unreadable local file treated as changed", zap.String("path", p), zap.Error(err))
	}

	j.logger.Info("classified workspace",
		zap.Int("unchanged", len(c.Unchanged)),
		zap.Int("changed", len(c.Changed)),
		zap.Int("missing", len(c.Missing)),
		zap.Int("new", len(c.New)),
		zap.Int("ignored", len(c.Ignored)),
	)
	if len(c.Ignored) > 0 {
		j.logger.Info("workspace buffers excluded by ignore rules", zap.Strings("paths", paths(c.Ignored)))
	}

	for _, b := range c.Unchanged {
		content, err := j.hasher.Read(b.Path())
		if err != nil {
			j.logger.Warn("load unchanged buffer", zap.Stringer("buf", b), zap.Error(err))
			continue
		}
		b.SetContent(content)
	}

	if j.hooks.OnClassified != nil {
		j.hooks.OnClassified(c)
	}

	switch {
	case j.config.Uploader:
		j.keepLocal(c)
	case c.Diverged():
		j.resolve(c)
	default:
		j.synced()
	}
	return nil
}

// resolve asks the user which side wins.
func (j *Joiner) resolve(c *Classification) {
	conflict := prompt.Conflict{
		Workspace: j.config.Workspace,
		Changed:   paths(c.Changed),
		Missing:   paths(c.Missing),
		New:       filePaths(c.New),
		Ignored:   paths(c.Ignored),
	}

	gen := j.gen
	var choice prompt.Choice
	var err error
	j.runner.Async(func() {
		choice, err = j.prompter.ResolveConflict(j.ctx, conflict)
	}, func() {
		if gen != j.gen {
			return
		}
		if err != nil {
			j.abort(fmt.Errorf("resolve conflict: %w", err))
			return
		}
		j.logger.Info("conflict resolved", zap.Stringer("choice", choice))
		switch choice {
		case prompt.ChoiceKeepLocal:
			j.keepLocal(c)
		case prompt.ChoiceKeepRemote:
			j.keepRemote(c)
		default:
			j.abort(prompt.ErrAborted)
		}
	})
}

// keepRemote refetches every changed and missing buffer. New local files
// are left alone.
func (j *Joiner) keepRemote(c *Classification) {
	for _, b := range c.Changed {
		j.engine.Fetch(b, "join")
	}
	for _, b := range c.Missing {
		j.engine.Fetch(b, "join")
	}
	j.synced()
}

// keepLocal deletes buffers whose file vanished and uploads changed and new
// files, subject to the size ceiling.
func (j *Joiner) keepLocal(c *Classification) {
	if len(c.Missing) > 0 {
		if j.perms.HasPerm(PermDeleteBuf) {
			for _, b := range c.Missing {
				j.deleteMissing(b)
			}
		} else {
			j.logger.Warn("cannot delete missing buffers", zap.String("perm", PermDeleteBuf), zap.Int("buffers", len(c.Missing)))
		}
	}

	files := c.UploadSet()
	if len(files) == 0 {
		j.synced()
		return
	}
	if !j.perms.HasPerm(PermCreateBuf) {
		j.logger.Warn("cannot upload", zap.String("perm", PermCreateBuf), zap.Int("files", len(files)))
		j.synced()
		return
	}

	trim := TrimToLimit(files, j.config.MaxWorkspaceSize)
	if !trim.Trimmed() {
		j.upload(trim.Kept)
		return
	}

	j.logger.Warn("upload exceeds size limit",
		zap.Int64("limit", trim.Limit),
		zap.Int64("total", trim.Total),
		zap.Strings("removed", trim.Removed),
	)
	over := prompt.Oversize{
		Limit:     trim.Limit,
		Total:     trim.Total,
		Removed:   trim.Removed,
		Remaining: trim.Remaining,
		Files:     len(trim.Kept),
	}
	gen := j.gen
	var proceed bool
	var err error
	j.runner.Async(func() {
		proceed, err = j.prompter.ConfirmOversize(j.ctx, over)
	}, func() {
		if gen != j.gen {
			return
		}
		switch {
		case err != nil:
			j.abort(fmt.Errorf("confirm upload: %w", err))
		case !proceed:
			j.abort(fmt.Errorf("%w: %d bytes over %d", ErrWorkspaceTooLarge, trim.Total, trim.Limit))
		default:
			j.upload(trim.Kept)
		}
	})
}

func (j *Joiner) deleteMissing(b *buffer.Buffer) {
	if _, err := j.conn.Send(&protocol.DeleteBuf{ID: b.ID, Path: b.Path()}); err != nil {
		j.logger.Warn("delete missing buffer", zap.Stringer("buf", b), zap.Error(err))
		return
	}
	j.engine.forget(b.ID)
}

func (j *Joiner) upload(files []ignore.File) {
	p := upload.New(j.scanner.Root(), files, j.engine.Directory(), j.conn, j.conn, j.sched, j.config.Upload, j.logger)
	p.OnProgress(j.hooks.OnProgress)
	p.OnDone(func(upload.Progress) {
		j.synced()
	})
	j.pacer = p
	p.Start()
}

func (j *Joiner) synced() {
	j.logger.Info("workspace in sync", zap.Int("buffers", j.engine.Directory().Len()))
	if j.hooks.OnSynced != nil {
		j.hooks.OnSynced()
	}
}

func (j *Joiner) abort(err error) {
	j.logger.Error("join aborted", zap.Error(err))
	if j.hooks.OnAbort != nil {
		j.hooks.OnAbort(err)
	}
}
