package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"canscope/bus"
)

var ErrQueueFull = errors.New("session: transmit queue full")

// minPeriod is the shortest reschedule interval of a periodic job.
const minPeriod = time.Millisecond

type cmdKind int

const (
	cmdSend cmdKind = iota
	cmdStartPeriodic
	cmdStopPeriodic
	cmdStopAll
)

type command struct {
	kind  cmdKind
	frame bus.Frame
	label string // message name for status lines, "" for raw frames
	job   *job
	jobID string
}

type job struct {
	id      string
	frame   bus.Frame
	label   string
	period  time.Duration
	nextDue time.Time
}

// JobInfo describes an active periodic job.
type JobInfo struct {
	ID       string  `json:"id"`
	FrameID  uint32  `json:"frame_id"`
	Extended bool    `json:"extended"`
	Data     []byte  `json:"data"`
	PeriodMS float64 `json:"period_ms"`
	Message  string  `json:"message,omitempty"`
}

// Scheduler sends one-shot frames and periodic jobs from one goroutine.
// Commands are applied in submission order.
type Scheduler struct {
	lifecycle
	d    *deps
	tr   bus.Transport
	cmds chan command

	mu   sync.Mutex
	jobs map[string]*job
}

func newScheduler(d *deps, tr bus.Transport) *Scheduler {
	return &Scheduler{
		lifecycle: newLifecycle(),
		d:         d,
		tr:        tr,
		cmds:      make(chan command, d.tun.TxQueueSize),
		jobs:      map[string]*job{},
	}
}

func (s *Scheduler) Start() error {
	if err := s.begin(); err != nil {
		return err
	}
	go s.run()
	return nil
}

// Stop clears every periodic job and asks the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.jobs = map[string]*job{}
	s.mu.Unlock()
	s.requestStop()
}

func (s *Scheduler) submit(c command) error {
	if s.State() == Stopped {
		return ErrInvalidState
	}
	select {
	case s.cmds <- c:
		return nil
	default:
		return ErrQueueFull
	}
}

// SendRaw queues a one-shot frame.
func (s *Scheduler) SendRaw(f bus.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	return s.submit(command{kind: cmdSend, frame: f.Clone()})
}

// SendEncoded encodes message from database dbKey now and queues it.
func (s *Scheduler) SendEncoded(dbKey, message string, values map[string]float64) error {
	f, err := s.encode(dbKey, message, values)
	if err != nil {
		return err
	}
	return s.submit(command{kind: cmdSend, frame: f, label: message})
}

// StartPeriodic sends f every periodMS milliseconds (at least 1) under
// jobID, replacing any job with that ID.
func (s *Scheduler) StartPeriodic(jobID string, f bus.Frame, periodMS int) error {
	if err := f.Validate(); err != nil {
		return err
	}
	return s.submit(command{kind: cmdStartPeriodic, job: newJob(jobID, f.Clone(), "", periodMS)})
}

// StartPeriodicEncoded is StartPeriodic with a payload encoded from a
// database message.
func (s *Scheduler) StartPeriodicEncoded(jobID, dbKey, message string, values map[string]float64, periodMS int) error {
	f, err := s.encode(dbKey, message, values)
	if err != nil {
		return err
	}
	return s.submit(command{kind: cmdStartPeriodic, job: newJob(jobID, f, message, periodMS)})
}

func (s *Scheduler) StopPeriodic(jobID string) error {
	return s.submit(command{kind: cmdStopPeriodic, jobID: jobID})
}

func (s *Scheduler) StopAllPeriodic() error {
	return s.submit(command{kind: cmdStopAll})
}

// Jobs returns the active periodic jobs ordered by ID.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobInfo{
			ID:       j.id,
			FrameID:  j.frame.ID,
			Extended: j.frame.Extended,
			Data:     append([]byte(nil), j.frame.Data...),
			PeriodMS: float64(j.period) / float64(time.Millisecond),
			Message:  j.label,
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func (s *Scheduler) encode(dbKey, message string, values map[string]float64) (bus.Frame, error) {
	payload, fd, err := s.d.registry.EncodeByName(dbKey, message, values)
	if err != nil {
		return bus.Frame{}, err
	}
	return bus.Frame{
		ID:       fd.ID,
		Extended: fd.Extended,
		FD:       len(payload) > bus.MaxClassicLen,
		Data:     payload,
	}, nil
}

func newJob(id string, f bus.Frame, label string, periodMS int) *job {
	return &job{
		id:     id,
		frame:  f,
		label:  label,
		period: time.Duration(max(1, periodMS)) * time.Millisecond,
	}
}

func (s *Scheduler) run() {
	defer close(s.done)
	d := s.d
	d.observer.OnStatus(fmt.Sprintf("[%s] TX worker started", d.name))

	timer := time.NewTimer(d.tun.TxPollTimeout)
	defer timer.Stop()
	for !s.stopping() {
		wait := s.sendDue(time.Now())

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case c := <-s.cmds:
			s.apply(c)
		case <-timer.C:
		case <-s.stop:
		}
	}

	s.mu.Lock()
	s.jobs = map[string]*job{}
	s.mu.Unlock()
	d.observer.OnStatus(fmt.Sprintf("[%s] TX worker stopped", d.name))
}

// sendDue sends every job whose due time has passed and returns how long to
// wait for the next command: the poll timeout, shortened to the next due
// time.
func (s *Scheduler) sendDue(now time.Time) time.Duration {
	wait := s.d.tun.TxPollTimeout

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !now.Before(j.nextDue) {
			due = append(due, j)
			j.nextDue = now.Add(max(minPeriod, j.period))
		}
		if until := j.nextDue.Sub(now); until < wait {
			wait = until
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		if err := s.send(j.frame); err != nil {
			s.d.observer.OnError("TX Send Error", fmt.Sprintf("[%s] %v", s.d.name, err))
		}
	}
	return max(0, wait)
}

func (s *Scheduler) send(f bus.Frame) error {
	if err := s.tr.Send(f); err != nil {
		s.d.metrics.SendErr.Inc()
		return err
	}
	s.d.metrics.Sent.Inc()
	s.d.txRecord(f)
	return nil
}

func (s *Scheduler) apply(c command) {
	d := s.d
	switch c.kind {
	case cmdSend:
		if err := s.send(c.frame); err != nil {
			d.observer.OnError("TX Worker Error", fmt.Sprintf("[%s] %v", d.name, err))
			return
		}
		if c.label != "" {
			d.observer.OnStatus(fmt.Sprintf("[%s] TX one-shot %s", d.name, c.label))
		} else {
			d.observer.OnStatus(fmt.Sprintf("[%s] TX one-shot raw 0x%X", d.name, c.frame.ID))
		}
	case cmdStartPeriodic:
		c.job.nextDue = time.Now()
		s.mu.Lock()
		s.jobs[c.job.id] = c.job
		s.mu.Unlock()
		d.observer.OnStatus(fmt.Sprintf("[%s] TX periodic started job=%s", d.name, c.job.id))
	case cmdStopPeriodic:
		s.mu.Lock()
		_, ok := s.jobs[c.jobID]
		delete(s.jobs, c.jobID)
		s.mu.Unlock()
		if ok {
			d.observer.OnStatus(fmt.Sprintf("[%s] TX periodic stopped job=%s", d.name, c.jobID))
		}
	case cmdStopAll:
		s.mu.Lock()
		s.jobs = map[string]*job{}
		s.mu.Unlock()
		d.observer.OnStatus(fmt.Sprintf("[%s] TX periodic stopped (all)", d.name))
	}
}
