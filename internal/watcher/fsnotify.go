package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/dshills/cosync/internal/ignore"
)

// Watcher watches a directory tree with fsnotify.
type Watcher struct {
	root    string
	config  Config
	matcher *ignore.Matcher
	handler Handler
	logger  *zap.Logger
	fsw     *fsnotify.Watcher

	mu        sync.Mutex
	dirs      map[string]bool
	pending   map[string]*pendingChange
	closed    bool
	lastError error

	totalEvents int64
	totalErrors int64
	startTime   time.Time

	closeCh  chan struct{}
	closedWg sync.WaitGroup
}

type pendingChange struct {
	change Change
	timer  *time.Timer
}

// New creates a watcher for root. Paths matched by m are never reported.
// Nothing is watched until Start.
func New(root string, m *ignore.Matcher, handler Handler, config Config, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = ignore.NewDefaultMatcher()
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultConfig().Debounce
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPathNotExist
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, ErrNotDirectory
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		root:    abs,
		config:  config,
		matcher: m,
		handler: handler,
		logger:  logger,
		fsw:     fsw,
		dirs:    make(map[string]bool),
		pending: make(map[string]*pendingChange),
		closeCh: make(chan struct{}),
	}, nil
}

// Start watches the tree and begins delivering changes.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWatcherClosed
	}
	w.startTime = time.Now()
	w.mu.Unlock()

	if err := w.watchTree(w.root, false); err != nil {
		return err
	}

	w.closedWg.Add(1)
	go w.processLoop()
	return nil
}

// Close stops the watcher. Pending changes are discarded.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	w.closedWg.Wait()
	return w.fsw.Close()
}

// Flush delivers every pending change immediately.
func (w *Watcher) Flush() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for path, p := range w.pending {
		p.timer.Stop()
		paths = append(paths, path)
	}
	w.mu.Unlock()

	for _, path := range paths {
		w.fire(path)
	}
}

// Stats returns watcher statistics.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		WatchedDirs:   len(w.dirs),
		PendingEvents: len(w.pending),
		TotalEvents:   atomic.LoadInt64(&w.totalEvents),
		Errors:        atomic.LoadInt64(&w.totalErrors),
		LastError:     w.lastError,
		StartTime:     w.startTime,
	}
}

// watchTree adds abs and every non-ignored directory below it. With report
// set, files found on the way are delivered as created; that covers files
// written into a new directory before its watch was in place.
func (w *Watcher) watchTree(abs string, report bool) error {
	return filepath.WalkDir(abs, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			w.recordError(err)
			return nil
		}
		rel, ok := w.rel(p)
		if d.IsDir() {
			if ok && w.matcher.Match(rel, true) {
				return filepath.SkipDir
			}
			w.addDir(p)
			return nil
		}
		if report && ok && d.Type().IsRegular() && !w.matcher.MatchPath(rel) {
			atomic.AddInt64(&w.totalEvents, 1)
			w.debounce(Change{Path: rel, Op: OpCreate, Time: time.Now()})
		}
		return nil
	})
}

func (w *Watcher) addDir(p string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.dirs[p] {
		return
	}
	if err := w.fsw.Add(p); err != nil {
		w.logger.Warn("cannot watch directory", zap.String("path", p), zap.Error(err))
		atomic.AddInt64(&w.totalErrors, 1)
		w.lastError = err
		return
	}
	w.dirs[p] = true
}

func (w *Watcher) rel(p string) (string, bool) {
	rel, err := filepath.Rel(w.root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (w *Watcher) processLoop() {
	defer w.closedWg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFSEvent(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.recordError(err)
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleFSEvent(ev fsnotify.Event) {
	op := convertOp(ev.Op)
	if op == 0 || (w.config.IgnoreChmod && op == OpChmod) {
		return
	}

	rel, ok := w.rel(ev.Name)
	if !ok {
		return
	}

	if op.Has(OpCreate) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !w.matcher.MatchDir(rel) {
				w.watchTree(ev.Name, true)
			}
			return
		}
	}
	if op.Has(OpRemove) || op.Has(OpRename) {
		w.mu.Lock()
		delete(w.dirs, ev.Name)
		w.mu.Unlock()
	}

	if w.matcher.MatchPath(rel) {
		return
	}

	atomic.AddInt64(&w.totalEvents, 1)
	w.debounce(Change{Path: rel, Op: op, Time: time.Now()})
}

func (w *Watcher) debounce(c Change) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	if p, ok := w.pending[c.Path]; ok {
		p.change.Op |= c.Op
		p.change.Time = c.Time
		p.timer.Reset(w.config.Debounce)
		return
	}

	path := c.Path
	w.pending[path] = &pendingChange{
		change: c,
		timer:  time.AfterFunc(w.config.Debounce, func() { w.fire(path) }),
	}
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	p, ok := w.pending[path]
	if !ok || w.closed {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.mu.Unlock()

	if w.handler != nil {
		w.handler(p.change)
	}
}

func (w *Watcher) recordError(err error) {
	atomic.AddInt64(&w.totalErrors, 1)
	w.mu.Lock()
	w.lastError = err
	w.mu.Unlock()
}

func convertOp(fsOp fsnotify.Op) Op {
	var op Op
	if fsOp.Has(fsnotify.Create) {
		op |= OpCreate
	}
	if fsOp.Has(fsnotify.Write) {
		op |= OpWrite
	}
	if fsOp.Has(fsnotify.Remove) {
		op |= OpRemove
	}
	if fsOp.Has(fsnotify.Rename) {
		op |= OpRename
	}
	if fsOp.Has(fsnotify.Chmod) {
		op |= OpChmod
	}
	return op
}
