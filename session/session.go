package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"canscope/bus"
	"canscope/candb"
	"canscope/errs"
	"canscope/filter"
	"canscope/framelog"
	"canscope/metrics"
	"canscope/trace"
)

var ErrNotConnected = errors.New("session: not connected")

// Transmitter is the transmit surface of a connected session.
type Transmitter interface {
	SendRaw(f bus.Frame) error
	SendEncoded(dbKey, message string, values map[string]float64) error
	StartPeriodic(jobID string, f bus.Frame, periodMS int) error
	StartPeriodicEncoded(jobID, dbKey, message string, values map[string]float64, periodMS int) error
	StopPeriodic(jobID string) error
	StopAllPeriodic() error
}

// FilterConfigurer edits the per-database receive filters of a session.
type FilterConfigurer interface {
	ConfigureFilter(dbKey string, enabled bool, mode string, ids []uint32, affectsLogging bool) error
	FilterSnapshot(dbKey string) (filter.Snapshot, bool)
}

var (
	_ Transmitter      = (*Session)(nil)
	_ FilterConfigurer = (*Session)(nil)
)

// Info is a point-in-time view of a session.
type Info struct {
	ID         string                     `json:"id"`
	Name       string                     `json:"name"`
	Bus        bus.Config                 `json:"bus"`
	Connected  bool                       `json:"connected"`
	Databases  []string                   `json:"databases"`
	Collisions map[uint32][]string        `json:"collisions"`
	Filters    map[string]filter.Snapshot `json:"filters"`
	Log        framelog.Status            `json:"log"`
	TraceLen   int                        `json:"trace_len"`
	LastSeq    uint64                     `json:"last_seq"`
	Jobs       []JobInfo                  `json:"jobs"`
}

// Session is one bus channel with its databases, filters, trace and logger.
// While connected it owns a transport, a Receiver and a Scheduler; all three
// are created fresh on every Connect.
type Session struct {
	id   string
	name string
	cfg  bus.Config
	app  App

	registry *candb.Registry
	filters  *filter.Bank
	trace    *trace.Buffer
	logger   *framelog.Logger
	metrics  *metrics.Session
	log      *zap.Logger

	connMu sync.Mutex // serializes Connect and Disconnect

	mu        sync.Mutex
	transport bus.Transport
	rx        *Receiver
	tx        *Scheduler
}

func newSession(id, name string, cfg bus.Config, app App) *Session {
	log := app.Log.With(zap.String("session", id), zap.String("name", name))
	s := &Session{
		id:      id,
		name:    name,
		cfg:     cfg,
		app:     app,
		filters: filter.NewBank(),
		trace:   trace.New(app.Tunables.TraceCapacity, cfg.Bitrate),
		metrics: app.Metrics.ForSession(id),
		log:     log,
		logger: framelog.New(
			framelog.WithQueueSize(app.Tunables.LogQueueSize),
			framelog.WithRecentMax(app.Tunables.LogRecentMax),
			framelog.WithPollTimeout(app.Tunables.LogPollTimeout),
			framelog.WithStopTimeout(app.Tunables.LogStopTimeout),
			framelog.WithLogger(log.Named("log")),
		),
	}
	s.registry = candb.NewRegistry(candb.WithCollisionObserver(func(_ candb.Collision, msg string) {
		s.metrics.Collision.Inc()
		s.app.Observer.OnStatus(fmt.Sprintf("[%s] %s", s.name, msg))
	}))
	app.Metrics.TrackLogger(id, func() (uint64, uint64, uint64) {
		st := s.logger.Status()
		return st.Enqueued, st.Written, st.Dropped
	})
	return s
}

func (s *Session) ID() string                { return s.id }
func (s *Session) Name() string              { return s.name }
func (s *Session) BusConfig() bus.Config     { return s.cfg }
func (s *Session) Registry() *candb.Registry { return s.registry }
func (s *Session) Filters() *filter.Bank     { return s.filters }
func (s *Session) Trace() *trace.Buffer      { return s.trace }
func (s *Session) Logger() *framelog.Logger  { return s.logger }

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil
}

// AddDatabase loads a signal database and creates its (disabled) filter.
func (s *Session) AddDatabase(path string) (string, error) {
	key, err := s.registry.Add(path)
	if err != nil {
		return "", errs.Wrap(dbKind(err), err, "session", "add_database")
	}
	s.filters.Ensure(key)
	s.log.Info("database loaded", zap.String("key", key), zap.String("path", path))
	return key, nil
}

// AddDatabaseStrict loads a database only if none of its frame IDs is
// already owned.
func (s *Session) AddDatabaseStrict(path string) (string, error) {
	key, err := s.registry.AddStrict(path)
	if err != nil {
		return "", errs.Wrap(dbKind(err), err, "session", "add_database_strict")
	}
	s.filters.Ensure(key)
	return key, nil
}

func (s *Session) RemoveDatabase(key string) error {
	if err := s.registry.Remove(key); err != nil {
		return errs.Wrap(errs.Config, err, "session", "remove_database")
	}
	s.filters.Remove(key)
	return nil
}

func dbKind(err error) errs.Kind {
	switch {
	case errors.Is(err, candb.ErrCollision):
		return errs.Collision
	case errors.Is(err, candb.ErrParse):
		return errs.Codec
	default:
		return errs.Config
	}
}

func (s *Session) ConfigureFilter(dbKey string, enabled bool, mode string, ids []uint32, affectsLogging bool) error {
	if _, ok := s.registry.Get(dbKey); !ok {
		return errs.Wrap(errs.Config, fmt.Errorf("%w: %s", candb.ErrKeyNotFound, dbKey), "session", "configure_filter")
	}
	if err := s.filters.Ensure(dbKey).Configure(enabled, mode, ids, affectsLogging); err != nil {
		return errs.Wrap(errs.Config, err, "session", "configure_filter")
	}
	return nil
}

func (s *Session) FilterSnapshot(dbKey string) (filter.Snapshot, bool) {
	f, ok := s.filters.Get(dbKey)
	if !ok {
		return filter.Snapshot{}, false
	}
	return f.Snapshot(), true
}

// Connect opens the transport and starts both workers, disconnecting first
// if already connected. The trace is cleared and the session clock restarts
// at zero. A frame log started while detached keeps running.
func (s *Session) Connect() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.Connected() {
		s.disconnectLocked()
	}

	tr, err := bus.Open(s.cfg)
	if err != nil {
		return errs.Wrap(errs.Transport, fmt.Errorf("[%s] open %s: %w", s.name, s.cfg, err), "session", "connect")
	}
	s.trace.Clear()

	d := deps{
		sessionID: s.id,
		name:      s.name,
		channel:   s.name,
		registry:  s.registry,
		filters:   s.filters,
		trace:     s.trace,
		logger:    s.logger,
		store:     s.app.Store,
		observer:  s.app.Observer,
		metrics:   s.metrics,
		log:       s.log,
		tun:       s.app.Tunables,
		t0:        time.Now(),
	}
	rxd, txd := d, d
	rxd.log, txd.log = s.log.Named("rx"), s.log.Named("tx")
	rx := newReceiver(&rxd, tr)
	tx := newScheduler(&txd, tr)

	s.mu.Lock()
	s.transport, s.rx, s.tx = tr, rx, tx
	s.mu.Unlock()

	_ = rx.Start()
	_ = tx.Start()
	s.metrics.Connected.Set(1)
	s.app.Observer.OnStatus(fmt.Sprintf("[%s] Connected", s.name))
	s.log.Info("connected", zap.Stringer("bus", s.cfg))
	return nil
}

// Disconnect stops periodic jobs and the scheduler, then the receiver, then
// closes the transport and stops the logger. Worker joins are bounded by the
// join timeout; a worker that does not finish in time is abandoned.
func (s *Session) Disconnect() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.disconnectLocked()
}

func (s *Session) disconnectLocked() {
	s.mu.Lock()
	tr, rx, tx := s.transport, s.rx, s.tx
	s.transport, s.rx, s.tx = nil, nil, nil
	s.mu.Unlock()

	join := s.app.Tunables.JoinTimeout
	if tx != nil {
		_ = tx.StopAllPeriodic()
		tx.Stop()
		if !tx.Wait(join) {
			s.log.Warn("transmit worker did not stop in time", zap.Duration("timeout", join))
		}
	}
	if rx != nil {
		rx.Stop()
		if !rx.Wait(join) {
			s.log.Warn("receive worker did not stop in time", zap.Duration("timeout", join))
		}
	}
	if tr != nil {
		if err := tr.Shutdown(); err != nil {
			s.log.Warn("transport shutdown", zap.Error(err))
		}
	}
	s.logger.Stop()
	s.metrics.Connected.Set(0)
	s.app.Observer.OnStatus(fmt.Sprintf("[%s] Disconnected", s.name))
}

func (s *Session) scheduler() (*Scheduler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return nil, errs.Wrap(errs.Config, fmt.Errorf("%w: TX worker not running", ErrNotConnected), "session", "transmit")
	}
	return s.tx, nil
}

func txKind(err error) errs.Kind {
	switch {
	case errors.Is(err, ErrQueueFull):
		return errs.Resource
	case errors.Is(err, candb.ErrEncode), errors.Is(err, bus.ErrInvalidID), errors.Is(err, bus.ErrInvalidLen):
		return errs.Codec
	default:
		return errs.Config
	}
}

func (s *Session) SendRaw(f bus.Frame) error {
	tx, err := s.scheduler()
	if err != nil {
		return err
	}
	err = tx.SendRaw(f)
	return errs.Wrap(txKind(err), err, "session", "send_raw")
}

func (s *Session) SendEncoded(dbKey, message string, values map[string]float64) error {
	tx, err := s.scheduler()
	if err != nil {
		return err
	}
	err = tx.SendEncoded(dbKey, message, values)
	return errs.Wrap(txKind(err), err, "session", "send_encoded")
}

func (s *Session) StartPeriodic(jobID string, f bus.Frame, periodMS int) error {
	tx, err := s.scheduler()
	if err != nil {
		return err
	}
	err = tx.StartPeriodic(jobID, f, periodMS)
	return errs.Wrap(txKind(err), err, "session", "start_periodic")
}

func (s *Session) StartPeriodicEncoded(jobID, dbKey, message string, values map[string]float64, periodMS int) error {
	tx, err := s.scheduler()
	if err != nil {
		return err
	}
	err = tx.StartPeriodicEncoded(jobID, dbKey, message, values, periodMS)
	return errs.Wrap(txKind(err), err, "session", "start_periodic_encoded")
}

// StopPeriodic is a no-op on a disconnected session, whose jobs are already
// gone.
func (s *Session) StopPeriodic(jobID string) error {
	tx, err := s.scheduler()
	if err != nil {
		return nil
	}
	err = tx.StopPeriodic(jobID)
	return errs.Wrap(txKind(err), err, "session", "stop_periodic")
}

func (s *Session) StopAllPeriodic() error {
	tx, err := s.scheduler()
	if err != nil {
		return nil
	}
	err = tx.StopAllPeriodic()
	return errs.Wrap(txKind(err), err, "session", "stop_all_periodic")
}

// Jobs lists the active periodic jobs; none when disconnected.
func (s *Session) Jobs() []JobInfo {
	tx, err := s.scheduler()
	if err != nil {
		return []JobInfo{}
	}
	return tx.Jobs()
}

func (s *Session) StartLogging(path string) error {
	if err := s.logger.Start(path); err != nil {
		return errs.Wrap(errs.Config, err, "session", "start_logging")
	}
	return nil
}

func (s *Session) StopLogging()               { s.logger.Stop() }
func (s *Session) LogStatus() framelog.Status { return s.logger.Status() }
func (s *Session) LogTail(n int) []string     { return s.logger.Tail(n) }

func (s *Session) Info() Info {
	filters := map[string]filter.Snapshot{}
	for _, k := range s.filters.Keys() {
		if f, ok := s.filters.Get(k); ok {
			filters[k] = f.Snapshot()
		}
	}
	return Info{
		ID:         s.id,
		Name:       s.name,
		Bus:        s.cfg,
		Connected:  s.Connected(),
		Databases:  s.registry.Keys(),
		Collisions: s.registry.Collisions(),
		Filters:    filters,
		Log:        s.logger.Status(),
		TraceLen:   s.trace.Len(),
		LastSeq:    s.trace.LastSeq(),
		Jobs:       s.Jobs(),
	}
}
