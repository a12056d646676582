package session

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"canscope/bus"
	"canscope/candb"
	"canscope/filter"
	"canscope/framelog"
	"canscope/metrics"
	"canscope/series"
	"canscope/trace"
)

const (
	powertrainDBC = "../candb/testdata/powertrain.dbc"
	chassisDBC    = "../candb/testdata/chassis.dbc"
	powertrainKey = "powertrain.dbc"
)

// engineFrame carries RPM=1000, Gear=2, Torque=0.
func engineFrame() bus.Frame {
	return bus.Frame{ID: 0x100, Data: []byte{0xA0, 0x0F, 0x02, 0, 0, 0, 0, 0}}
}

type mockTransport struct {
	rx      chan bus.Frame
	recvErr chan error
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	sent    []bus.Frame
	sendErr error
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		rx:      make(chan bus.Frame, 64),
		recvErr: make(chan error, 4),
		done:    make(chan struct{}),
	}
}

func (m *mockTransport) Recv(timeout time.Duration) (bus.Frame, bool, error) {
	select {
	case <-m.done:
		return bus.Frame{}, false, bus.ErrClosed
	case err := <-m.recvErr:
		return bus.Frame{}, false, err
	case f := <-m.rx:
		return f, true, nil
	case <-time.After(timeout):
		return bus.Frame{}, false, nil
	}
}

func (m *mockTransport) Send(f bus.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, f.Clone())
	return nil
}

func (m *mockTransport) Shutdown() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

func (m *mockTransport) Sent() []bus.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bus.Frame(nil), m.sent...)
}

type recorder struct {
	mu     sync.Mutex
	errors []string
	status []string
}

func (r *recorder) OnError(title, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, title+": "+message)
}

func (r *recorder) OnStatus(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = append(r.status, message)
}

func (r *recorder) Errors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errors...)
}

func (r *recorder) Status() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.status...)
}

func (r *recorder) hasStatus(want string) bool {
	for _, s := range r.Status() {
		if s == want {
			return true
		}
	}
	return false
}

func (r *recorder) hasError(prefix string) bool {
	for _, s := range r.Errors() {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

func testTunables() Tunables {
	t := DefaultTunables()
	t.RecvTimeout = 10 * time.Millisecond
	t.TxPollTimeout = 5 * time.Millisecond
	t.LogPollTimeout = 10 * time.Millisecond
	return t
}

// newTestDeps builds worker dependencies with the powertrain database loaded.
func newTestDeps(t *testing.T) (*deps, *recorder) {
	t.Helper()
	reg := candb.NewRegistry()
	key, err := reg.Add(powertrainDBC)
	require.NoError(t, err)
	filters := filter.NewBank()
	filters.Ensure(key)

	rec := &recorder{}
	return &deps{
		sessionID: "s1",
		name:      "bench",
		channel:   "bench",
		registry:  reg,
		filters:   filters,
		trace:     trace.New(100, trace.DefaultBitrate),
		logger:    framelog.New(framelog.WithPollTimeout(10 * time.Millisecond)),
		store:     series.NewStore(100),
		observer:  rec,
		metrics:   metrics.New().ForSession("s1"),
		log:       zap.NewNop(),
		tun:       testTunables(),
		t0:        time.Now(),
	}, rec
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func testApp(rec *recorder) App {
	return App{
		Log:      zap.NewNop(),
		Observer: rec,
		Metrics:  metrics.New(),
		Store:    series.NewStore(100),
		Tunables: testTunables(),
	}
}
