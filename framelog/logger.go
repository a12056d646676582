// Package framelog writes bus frames to disk from a background worker so the
// receive and transmit paths never wait on file I/O.
package framelog

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"canscope/bus"
)

const (
	DefaultQueueSize   = 50000
	DefaultRecentMax   = 5000
	DefaultPollTimeout = 250 * time.Millisecond
	DefaultStopTimeout = 2 * time.Second
)

var (
	ErrEmptyPath         = errors.New("framelog: log path is empty")
	ErrUnsupportedFormat = errors.New("framelog: unsupported log format")
)

// Writer persists frames in one file format. Write and Close are only called
// from the logger worker.
type Writer interface {
	Write(f bus.Frame) error
	Close() error
}

// Factory creates a Writer for path.
type Factory func(path string) (Writer, error)

// Status is a snapshot of the logger counters. After Stop has drained the
// queue, Written + Dropped == Enqueued.
type Status struct {
	Enqueued uint64 `json:"enqueued"`
	Written  uint64 `json:"written"`
	Dropped  uint64 `json:"dropped"`
	Running  bool   `json:"running"`
	Path     string `json:"path"`
}

type Option func(*Logger)

// WithFormat registers a writer for a file extension such as ".trc".
func WithFormat(ext string, f Factory) Option {
	return func(l *Logger) { l.formats[strings.ToLower(ext)] = f }
}

func WithQueueSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.queueSize = n
		}
	}
}

func WithRecentMax(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.recentMax = n
		}
	}
}

func WithPollTimeout(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.pollTimeout = d
		}
	}
}

func WithStopTimeout(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.stopTimeout = d
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(l *Logger) {
		if log != nil {
			l.log = log
		}
	}
}

type item struct {
	frame    bus.Frame
	sentinel bool
}

// run is the state of one Start..Stop cycle.
type run struct {
	path   string
	queue  chan item
	stop   chan struct{}
	done   chan struct{}
	writer Writer

	failures int // worker only
}

// Logger queues frames and writes them from one worker goroutine. PushFrame
// never blocks; a full queue drops the frame.
type Logger struct {
	lifeMu sync.Mutex // serializes Start and Stop

	mu  sync.RWMutex
	cur *run

	enqueued atomic.Uint64
	written  atomic.Uint64
	dropped  atomic.Uint64

	recentMu sync.Mutex
	recent   []string

	formats     map[string]Factory
	queueSize   int
	recentMax   int
	pollTimeout time.Duration
	stopTimeout time.Duration
	log         *zap.Logger
}

func New(opts ...Option) *Logger {
	l := &Logger{
		formats: map[string]Factory{
			".csv":    newCSVWriter,
			".asc":    newASCWriter,
			".blf":    newBLFWriter,
			".db":     newSQLiteWriter,
			".sqlite": newSQLiteWriter,
		},
		queueSize:   DefaultQueueSize,
		recentMax:   DefaultRecentMax,
		pollTimeout: DefaultPollTimeout,
		stopTimeout: DefaultStopTimeout,
		log:         zap.NewNop(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Formats lists the supported file extensions.
func (l *Logger) Formats() []string {
	out := make([]string, 0, len(l.formats))
	for ext := range l.formats {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Start begins logging to path, stopping any current log first. The format is
// chosen by extension; an unknown one fails before a worker starts.
func (l *Logger) Start(path string) error {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()

	l.stopLocked()
	if strings.TrimSpace(path) == "" {
		return ErrEmptyPath
	}
	ext := strings.ToLower(filepath.Ext(path))
	factory, ok := l.formats[ext]
	if !ok {
		return fmt.Errorf("%w: %q (use one of %s)", ErrUnsupportedFormat, ext, strings.Join(l.Formats(), ", "))
	}
	w, err := factory(path)
	if err != nil {
		return fmt.Errorf("framelog: create %s writer: %w", ext, err)
	}

	r := &run{
		path:   path,
		queue:  make(chan item, l.queueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		writer: w,
	}
	l.enqueued.Store(0)
	l.written.Store(0)
	l.dropped.Store(0)
	l.recentMu.Lock()
	l.recent = nil
	l.recentMu.Unlock()

	l.mu.Lock()
	l.cur = r
	l.mu.Unlock()

	go l.worker(r)
	l.log.Info("logging started", zap.String("path", path))
	return nil
}

// Stop ends the current log. The worker drains what is queued and closes the
// file; Stop waits for it up to the stop timeout.
func (l *Logger) Stop() {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()
	l.stopLocked()
}

func (l *Logger) stopLocked() {
	l.mu.Lock()
	r := l.cur
	l.cur = nil
	l.mu.Unlock()
	if r == nil {
		return
	}

	close(r.stop)
	select {
	case r.queue <- item{sentinel: true}:
	default:
	}

	select {
	case <-r.done:
		l.log.Info("logging stopped", zap.String("path", r.path),
			zap.Uint64("written", l.written.Load()), zap.Uint64("dropped", l.dropped.Load()))
	case <-time.After(l.stopTimeout):
		l.log.Warn("log worker did not finish in time", zap.String("path", r.path), zap.Duration("timeout", l.stopTimeout))
	}
}

func (l *Logger) Running() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur != nil
}

// PushFrame queues f stamped with time t. It is a no-op when not running.
func (l *Logger) PushFrame(t float64, f bus.Frame) {
	l.mu.RLock()
	r := l.cur
	if r == nil {
		l.mu.RUnlock()
		return
	}
	f.Time = t
	l.enqueued.Add(1)
	select {
	case r.queue <- item{frame: f}:
		l.mu.RUnlock()
		l.pushRecent(tailLine(f))
	default:
		l.mu.RUnlock()
		l.dropped.Add(1)
	}
}

func (l *Logger) Status() Status {
	l.mu.RLock()
	r := l.cur
	l.mu.RUnlock()
	s := Status{
		Enqueued: l.enqueued.Load(),
		Written:  l.written.Load(),
		Dropped:  l.dropped.Load(),
		Running:  r != nil,
	}
	if r != nil {
		s.Path = r.path
	}
	return s
}

// Tail returns up to n of the most recent log lines, oldest first.
func (l *Logger) Tail(n int) []string {
	n = max(1, n)
	l.recentMu.Lock()
	defer l.recentMu.Unlock()
	start := max(0, len(l.recent)-n)
	return append([]string(nil), l.recent[start:]...)
}

func (l *Logger) pushRecent(line string) {
	l.recentMu.Lock()
	defer l.recentMu.Unlock()
	l.recent = append(l.recent, line)
	if len(l.recent) > l.recentMax {
		trim := max(1, l.recentMax/10)
		l.recent = append(l.recent[:0:0], l.recent[trim:]...)
	}
}

func (l *Logger) worker(r *run) {
	defer close(r.done)
	for {
		select {
		case it := <-r.queue:
			if it.sentinel {
				l.drain(r)
				return
			}
			l.write(r, it.frame)
		case <-r.stop:
			l.drain(r)
			return
		case <-time.After(l.pollTimeout):
		}
	}
}

// drain writes everything still queued, then closes the writer. Stop has
// already detached the run, so no new frames arrive.
func (l *Logger) drain(r *run) {
	for {
		select {
		case it := <-r.queue:
			if !it.sentinel {
				l.write(r, it.frame)
			}
		default:
			if err := r.writer.Close(); err != nil {
				l.log.Warn("closing log file", zap.String("path", r.path), zap.Error(err))
			}
			return
		}
	}
}

func (l *Logger) write(r *run, f bus.Frame) {
	if err := r.writer.Write(f); err != nil {
		l.dropped.Add(1)
		if r.failures++; r.failures == 1 {
			l.log.Warn("log write failed", zap.String("path", r.path), zap.Error(err))
		}
		return
	}
	l.written.Add(1)
}

// tailLine formats a frame for the log viewer.
func tailLine(f bus.Frame) string {
	idBits := "11"
	if f.Extended {
		idBits = "29"
	}
	return fmt.Sprintf("%10.6f  %s  0x%X  DLC=%d  %s", f.Time, idBits, f.ID, f.DLC(), f.HexData())
}
