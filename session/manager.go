package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"canscope/bus"
	"canscope/errs"
)

// NoSession is returned by Create when the display name is already in use.
const NoSession = ""

var ErrSessionNotFound = errors.New("session: not found")

// CreateRequest describes a new session. Databases are loaded in order;
// a failing database fails the whole request.
type CreateRequest struct {
	Name      string     `json:"name" yaml:"name"`
	Bus       bus.Config `json:"bus" yaml:"bus"`
	Databases []string   `json:"databases,omitempty" yaml:"databases"`
}

// Manager owns every session of the process.
type Manager struct {
	app App
	log *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
}

func NewManager(app App) *Manager {
	app = app.withDefaults()
	return &Manager{
		app:      app,
		log:      app.Log.Named("manager"),
		sessions: map[string]*Session{},
	}
}

func (m *Manager) App() App { return m.app }

// Create registers a disconnected session and returns its ID. A taken name
// yields NoSession with a nil error.
func (m *Manager) Create(req CreateRequest) (string, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return NoSession, errs.Wrap(errs.Config, errors.New("empty session name"), "manager", "create")
	}

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.name == name {
			m.mu.Unlock()
			m.log.Warn("session name taken", zap.String("name", name))
			return NoSession, nil
		}
	}
	id := m.newIDLocked()
	s := newSession(id, name, req.Bus, m.app)
	m.sessions[id] = s
	m.order = append(m.order, id)
	m.mu.Unlock()
	if m.app.Metrics != nil {
		m.app.Metrics.Sessions.Inc()
	}

	for _, path := range req.Databases {
		if _, err := s.AddDatabase(path); err != nil {
			_ = m.Remove(id)
			return NoSession, err
		}
	}
	m.log.Info("session created", zap.String("id", id), zap.String("name", name), zap.Stringer("bus", req.Bus))
	return id, nil
}

func (m *Manager) newIDLocked() string {
	for {
		id := uuid.NewString()[:8]
		if _, ok := m.sessions[id]; !ok {
			return id
		}
	}
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Sessions returns every session in creation order.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id])
	}
	return out
}

// Names maps session IDs to display names.
func (m *Manager) Names() map[string]string {
	out := map[string]string{}
	for _, s := range m.Sessions() {
		out[s.id] = s.name
	}
	return out
}

// Remove disconnects the session and forgets it along with its stored
// signal series and metrics.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		for i, v := range m.order {
			if v == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	s.Disconnect()
	n := m.app.Store.DeleteSession(id)
	m.app.Metrics.DeleteSession(id)
	if m.app.Metrics != nil {
		m.app.Metrics.Sessions.Dec()
	}
	m.log.Info("session removed", zap.String("id", id), zap.Int("series", n))
	return nil
}

func (m *Manager) Connect(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Connect()
}

func (m *Manager) Disconnect(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.Disconnect()
	return nil
}

// ShutdownAll disconnects every connected session concurrently and waits
// for all of them. Frame logs of detached sessions are stopped too.
func (m *Manager) ShutdownAll() {
	sessions := m.Sessions()
	var wg sync.WaitGroup
	for _, s := range sessions {
		if !s.Connected() {
			s.StopLogging()
			continue
		}
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Disconnect()
		}(s)
	}
	wg.Wait()
	m.log.Info("all sessions disconnected", zap.Int("sessions", len(sessions)))
}
