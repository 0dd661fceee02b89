// Package upload pushes a set of local files to the workspace without
// flooding the outbound queue.
package upload

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/cosync/internal/buffer"
	"github.com/dshills/cosync/internal/ignore"
	"github.com/dshills/cosync/internal/metrics"
	"github.com/dshills/cosync/internal/protocol"
	"github.com/dshills/cosync/internal/reactor"
)

// Queue reports unsent outbound frames.
type Queue interface {
	Pending() int
}

// Sender queues an outbound message.
type Sender interface {
	Send(msg protocol.Message) (uint64, error)
}

// Scheduler runs delayed work on the event loop.
type Scheduler interface {
	After(d time.Duration, fn func()) reactor.TimerID
	Cancel(id reactor.TimerID) bool
}

// Progress is a snapshot of an upload.
type Progress struct {
	Current    string
	Files      int
	FilesTotal int
	Bytes      int64
	BytesTotal int64
}

// Percent returns completion from 0 to 100.
func (p Progress) Percent() int {
	if p.BytesTotal <= 0 {
		if p.FilesTotal == 0 || p.Files >= p.FilesTotal {
			return 100
		}
		return p.Files * 100 / p.FilesTotal
	}
	pct := int(p.Bytes * 100 / p.BytesTotal)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Bar renders the progress as a fixed-width bar such as "[=====     ] 50%".
func (p Progress) Bar(width int) string {
	if width <= 0 {
		width = 20
	}
	pct := p.Percent()
	filled := pct * width / 100
	return fmt.Sprintf("[%s%s] %d%%", strings.Repeat("=", filled), strings.Repeat(" ", width-filled), pct)
}

// ProgressFunc is called after each uploaded file.
type ProgressFunc func(Progress)

// Config configures a Pacer.
type Config struct {
	// Delay is how long a step waits when the outbound queue is busy.
	// Default: 50ms
	Delay time.Duration
}

// DefaultConfig returns the default pacing.
func DefaultConfig() Config {
	return Config{Delay: 50 * time.Millisecond}
}

// Pacer uploads files one at a time, waiting for the outbound queue to drain
// between files. All methods must be called on the event loop.
type Pacer struct {
	root  string
	files []ignore.File
	next  int

	dir    *buffer.Directory
	queue  Queue
	send   Sender
	sched  Scheduler
	config Config

	onProgress ProgressFunc
	onDone     func(Progress)
	logger     *zap.Logger

	progress  Progress
	timer     reactor.TimerID
	started   bool
	cancelled bool
	done      bool
}

// New creates a pacer for files under root. Files whose path already has a
// buffer are sent with set_buf, everything else with create_buf.
func New(root string, files []ignore.File, dir *buffer.Directory, q Queue, send Sender, sched Scheduler, config Config, logger *zap.Logger) *Pacer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Delay <= 0 {
		config.Delay = DefaultConfig().Delay
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}

	return &Pacer{
		root:   root,
		files:  files,
		dir:    dir,
		queue:  q,
		send:   send,
		sched:  sched,
		config: config,
		logger: logger,
		progress: Progress{
			FilesTotal: len(files),
			BytesTotal: total,
		},
	}
}

// OnProgress sets the progress callback.
func (p *Pacer) OnProgress(fn ProgressFunc) {
	p.onProgress = fn
}

// OnDone sets the completion callback. It is not called on Cancel.
func (p *Pacer) OnDone(fn func(Progress)) {
	p.onDone = fn
}

// Start schedules the first step.
func (p *Pacer) Start() {
	if p.started || p.cancelled {
		return
	}
	p.started = true
	p.logger.Info("uploading", zap.Int("files", len(p.files)), zap.Int64("bytes", p.progress.BytesTotal))
	p.schedule(0)
}

// Cancel stops the upload.
func (p *Pacer) Cancel() {
	if p.cancelled || p.done {
		return
	}
	p.cancelled = true
	p.sched.Cancel(p.timer)
	p.logger.Info("upload cancelled", zap.Int("uploaded", p.progress.Files), zap.Int("files", len(p.files)))
}

// Done reports whether every file has been handled.
func (p *Pacer) Done() bool {
	return p.done
}

// Progress returns the current progress.
func (p *Pacer) Progress() Progress {
	return p.progress
}

func (p *Pacer) schedule(d time.Duration) {
	p.timer = p.sched.After(d, p.step)
}

func (p *Pacer) step() {
	p.timer = 0
	if p.cancelled {
		return
	}

	if p.queue.Pending() > 0 {
		p.schedule(p.config.Delay)
		return
	}

	if p.next >= len(p.files) {
		p.finish()
		return
	}

	f := p.files[p.next]
	p.next++
	p.progress.Current = f.Path

	if err := p.upload(f); err != nil {
		p.logger.Warn("upload failed", zap.String("path", f.Path), zap.Error(err))
	} else {
		metrics.RecordUpload(f.Size)
	}

	p.progress.Files++
	p.progress.Bytes += f.Size
	p.report()

	p.schedule(0)
}

func (p *Pacer) upload(f ignore.File) error {
	data, err := os.ReadFile(filepath.Join(p.root, filepath.FromSlash(f.Path)))
	if err != nil {
		return err
	}
	content := string(data)
	enc := buffer.DetectEncoding(data)
	body := buffer.EncodeBody(content, enc)
	hash := buffer.Hash(content)

	if b, ok := p.dir.Lookup(f.Path); ok {
		if b.MD5 == hash {
			if _, loaded := b.Content(); !loaded {
				b.SetContent(content)
			}
			return nil
		}
		b.Encoding = enc
		b.SetContent(content)
		_, err = p.send.Send(&protocol.SetBuf{ID: b.ID, Path: b.Path(), Buf: body, MD5: hash, Encoding: string(enc)})
		return err
	}

	_, err = p.send.Send(&protocol.CreateBuf{Path: f.Path, Buf: body, MD5: hash, Encoding: string(enc)})
	return err
}

func (p *Pacer) report() {
	if p.onProgress != nil {
		p.onProgress(p.progress)
	}
}

func (p *Pacer) finish() {
	p.done = true
	p.progress.Current = ""
	p.progress.Bytes = p.progress.BytesTotal
	p.report()
	p.logger.Info("upload complete", zap.Int("files", p.progress.Files), zap.Int64("bytes", p.progress.Bytes))
	if p.onDone != nil {
		p.onDone(p.progress)
	}
}
