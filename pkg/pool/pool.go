// Package pool composes several batching sinks into a failover pool: records
// are routed to the current sink, failure signals switch the current sink to
// the first healthy one (preferring the configured primary), and a recovery
// timer periodically fails back to the primary.
package pool

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/G-Research/streamsink/pkg/sink"
	"github.com/G-Research/streamsink/pkg/sinkerrors"
)

const DefaultRecoveryInterval = 5 * time.Minute

// State is the derived health state of a pool.
type State int

const (
	// The current sink is the preferred sink and every sink is healthy.
	Healthy State = iota
	// The current sink is healthy but either it is not the preferred sink or
	// some other sink is failing.
	Degraded
	// Every sink is failing.
	AllFailing
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case AllFailing:
		return "allFailing"
	default:
		return "unknown"
	}
}

// Config configures a Pool.
type Config struct {
	// Index of the preferred sink in the sinks slice. The preferred sink
	// receives writes whenever it is healthy and never changes automatically.
	Preferred int
	// How often the recovery timer fires. Defaults to 5 minutes.
	RecoveryInterval time.Duration
	// Called once per transition into the AllFailing state.
	OnPoolFailure func(error)
	// Optional metrics; nil disables instrumentation.
	Metrics *Metrics
	// Clock used for the recovery timer. Defaults to the real clock.
	Clock clock.Clock
}

type member struct {
	sink    *sink.BatchingSink
	failing bool
}

// Pool routes writes to the current sink. The sink list is fixed at
// construction. Pool state is mutated only by its event handlers (sink
// failure signals, recovery ticks) under the pool mutex.
type Pool struct {
	config Config
	clock  clock.Clock

	mutex   sync.Mutex
	members []*member
	current int
	// Records displaced by failover events, pending redelivery. Drained
	// opportunistically whenever the current sink is healthy.
	retryBuffer []sink.Record
	allFailing  bool

	stopOnce sync.Once
	stopChan chan struct{}
}

// New returns a started pool over the given sinks. The pool registers itself
// as the health listener of every sink.
func New(sinks []*sink.BatchingSink, config Config) (*Pool, error) {
	if len(sinks) == 0 {
		return nil, &sinkerrors.ErrInvalidConfig{Field: "sinks", Message: "at least one sink is required"}
	}
	if config.Preferred < 0 || config.Preferred >= len(sinks) {
		return nil, &sinkerrors.ErrInvalidConfig{Field: "preferred", Message: "must be an index into the sinks slice"}
	}
	if config.RecoveryInterval == 0 {
		config.RecoveryInterval = DefaultRecoveryInterval
	}
	if config.Clock == nil {
		config.Clock = clock.RealClock{}
	}
	p := &Pool{
		config:   config,
		clock:    config.Clock,
		current:  config.Preferred,
		stopChan: make(chan struct{}),
	}
	for i, s := range sinks {
		i := i
		p.members = append(p.members, &member{sink: s})
		s.RegisterHealthListener(func(records []sink.Record, err error) {
			p.onSinkFailure(i, records, err)
		})
	}
	go p.runRecovery()
	return p, nil
}

// Write delegates to the current sink.
func (p *Pool) Write(record sink.Record) error {
	return p.currentSink().Write(record)
}

// Flush forces a flush of the current sink.
func (p *Pool) Flush() {
	p.currentSink().Flush()
}

func (p *Pool) SetDestination(name string) error {
	return p.currentSink().SetDestination(name)
}

func (p *Pool) Destination() string {
	return p.currentSink().Destination()
}

// Stop cancels the recovery timer and stops every sink. Records left in the
// retry buffer are discarded.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.mutex.Lock()
	members := make([]*member, len(p.members))
	copy(members, p.members)
	p.mutex.Unlock()
	for _, m := range members {
		m.sink.Stop()
	}
}

// State returns the derived pool state.
func (p *Pool) State() State {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.allFailing {
		return AllFailing
	}
	if p.current != p.config.Preferred {
		return Degraded
	}
	for _, m := range p.members {
		if m.failing {
			return Degraded
		}
	}
	return Healthy
}

// RetryBufferSize returns the number of displaced records pending redelivery.
func (p *Pool) RetryBufferSize() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.retryBuffer)
}

func (p *Pool) currentSink() *sink.BatchingSink {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.members[p.current].sink
}

// onSinkFailure is the health signal handler: it marks the sink failing,
// buffers its failed records, reroutes the current sink and drains the retry
// buffer if a healthy sink remains.
func (p *Pool) onSinkFailure(i int, records []sink.Record, cause error) {
	p.mutex.Lock()
	p.members[i].failing = true
	p.retryBuffer = append(p.retryBuffer, records...)
	p.config.Metrics.SetRetryBufferSize(len(p.retryBuffer))

	next := p.nextHealthyLocked()
	if next == -1 {
		var notify func(error)
		var notifyErr error
		if !p.allFailing {
			p.allFailing = true
			p.config.Metrics.PoolFailure()
			notifyErr = &sinkerrors.ErrAllSinksFailing{NumSinks: len(p.members), Cause: cause}
			notify = p.config.OnPoolFailure
			log.WithError(cause).Error("all sinks are failing")
		}
		p.mutex.Unlock()
		if notify != nil {
			notify(notifyErr)
		}
		return
	}
	p.allFailing = false
	if next != p.current {
		log.WithFields(log.Fields{"from": p.current, "to": next}).
			WithError(cause).Warn("failing over")
		p.config.Metrics.Failover()
		p.current = next
	}
	p.drainLocked()
	p.mutex.Unlock()
}

// nextHealthyLocked returns the preferred sink if it is healthy, else the
// first healthy sink in configured order, else -1.
func (p *Pool) nextHealthyLocked() int {
	if !p.members[p.config.Preferred].failing {
		return p.config.Preferred
	}
	for i, m := range p.members {
		if !m.failing {
			return i
		}
	}
	return -1
}

// drainLocked resubmits buffered records through the current sink, stopping
// as soon as it is marked failing. Records not yet drained stay buffered.
func (p *Pool) drainLocked() {
	m := p.members[p.current]
	for len(p.retryBuffer) > 0 && !m.failing {
		record := p.retryBuffer[0]
		p.retryBuffer = p.retryBuffer[1:]
		if err := m.sink.Write(record); err != nil {
			// The sink was stopped; put the record back and give up for now.
			p.retryBuffer = append([]sink.Record{record}, p.retryBuffer...)
			break
		}
	}
	p.config.Metrics.SetRetryBufferSize(len(p.retryBuffer))
}

func (p *Pool) runRecovery() {
	ticker := p.clock.NewTicker(p.config.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C():
			p.recover()
		}
	}
}

// recover fires on every recovery tick. If the preferred sink is failing it
// optimistically clears the failing flag on all sinks, makes the preferred
// sink current and drains the retry buffer; otherwise it is a no-op.
func (p *Pool) recover() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if !p.members[p.config.Preferred].failing {
		return
	}
	for _, m := range p.members {
		m.failing = false
	}
	p.allFailing = false
	p.current = p.config.Preferred
	p.config.Metrics.Recovery()
	log.Info("recovery timer fired; reverting to preferred sink")
	p.drainLocked()
}
