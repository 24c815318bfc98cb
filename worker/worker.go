// Package worker runs the networking stack's single background scheduler:
// a loop that round-robins Run on every live transport endpoint and then on
// the data-link, so that all segment- and timer-driven state changes happen
// on one goroutine. The application interacts with connections exclusively
// through the transport package's socket-like API, whose Listen, Connect and
// Close make their own transitions under the endpoint's lock.
package worker

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lora-net/lnet/internal"
	"github.com/lora-net/lnet/link"
	"github.com/lora-net/lnet/transport"
)

// drainPeriod is how long Stop lets the worker keep running after closing
// every socket, so queued FINs and final ACKs get a chance on air before the
// goroutine is joined.
const drainPeriod = 250 * time.Millisecond

// Stack ties one data-link, one socket-id pool and any number of transport
// endpoints to a single networking worker goroutine. A process constructs
// exactly one Stack per radio; it is an explicit value handed to the
// application, never an ambient global.
type Stack struct {
	mu        sync.Mutex
	endpoints []*transport.Endpoint
	running   bool
	stopCh    chan struct{}

	dl      *link.DataLink
	pool    *transport.SocketIDPool
	cfg     transport.Config
	gateway bool

	wg        sync.WaitGroup
	sleepHint atomic.Int64 // time.Duration; last duty-cycle hint from the data-link.
	log       *slog.Logger
}

// NewStack returns a stopped Stack around dl. gateway selects the passive
// role for endpoints created through NewEndpoint; cfg supplies the transport
// timing parameters shared by all of them.
func NewStack(dl *link.DataLink, gateway bool, cfg transport.Config, log *slog.Logger) *Stack {
	return &Stack{
		dl:      dl,
		pool:    transport.NewSocketIDPool(),
		cfg:     cfg, // zero fields fall back to defaults inside NewEndpoint.
		gateway: gateway,
		log:     log,
	}
}

// Start launches the worker goroutine. Calling Start on a running stack is a
// no-op.
func (s *Stack) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.stopCh = make(chan struct{})
	s.running = true
	s.wg.Add(1)
	go s.loop(s.stopCh)
}

// Stop closes every socket, lets the worker drain outbound traffic briefly,
// then joins the goroutine. The stack may be started again afterwards.
func (s *Stack) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	eps := append([]*transport.Endpoint(nil), s.endpoints...)
	s.mu.Unlock()

	for _, ep := range eps {
		if err := ep.Close(); err != nil {
			internal.LogAttrs(s.log, slog.LevelWarn, "worker: close on stop failed", slog.String("err", err.Error()))
		}
	}
	time.Sleep(drainPeriod)
	close(stopCh)
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// NewEndpoint creates a transport endpoint scheduled by this stack's worker.
// It fails with transport.ErrConnectionRefused once all 16 socket-ids are in
// use.
func (s *Stack) NewEndpoint() (*transport.Endpoint, error) {
	ep, err := transport.NewEndpoint(s.dl, s.pool, s.cfg, s.gateway, s.log)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.endpoints = append(s.endpoints, ep)
	s.mu.Unlock()
	return ep, nil
}

// Endpoints returns a snapshot of every endpoint the stack schedules,
// including ones currently in CLOSED awaiting reuse. The worker loop calls
// it once per scheduling round.
func (s *Stack) Endpoints() []*transport.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*transport.Endpoint(nil), s.endpoints...)
}

// DataLink returns the data-link the stack schedules.
func (s *Stack) DataLink() *link.DataLink { return s.dl }

// SleepHint returns the most recent duty-cycle hint reported by the
// data-link: zero when transmission is unconstrained, otherwise how long the
// sensor's sleep manager should consider sleeping for. Always zero on a
// gateway.
func (s *Stack) SleepHint() time.Duration {
	return time.Duration(s.sleepHint.Load())
}

// loopWaitMax caps the sleep between scheduling rounds when nothing is
// queued. The radio's own receive poll dominates round latency, so the
// worker only needs to avoid spinning, not to wake instantly.
const loopWaitMax = 2 * time.Millisecond

func (s *Stack) loop(stopCh chan struct{}) {
	defer s.wg.Done()
	wait := internal.NewWaiter(loopWaitMax)
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		for _, ep := range s.Endpoints() {
			ep.Run()
		}
		hint := s.dl.Run()
		s.sleepHint.Store(int64(hint))

		if s.dl.TXQueueDepth() > 0 {
			wait.Busy()
		} else {
			wait.Idle()
		}
	}
}
