package tether

// asynchronous.go: bridging callback delivery and calling
// conventions.
//
// Transport callbacks fire on the connection's read goroutine.
// Application code usually wants its handlers serialized
// somewhere of its own choosing instead. A Runner is that
// choice made explicit: CallerRunner serializes inline on
// whichever goroutine delivers, WorkerRunner moves everything
// onto one dedicated goroutine so handlers can block without
// stalling the read pump.
//
// Going the other way, SendLoadAsync turns the synchronous
// request channel into a future for callers that want to fire
// several requests from one goroutine and collect later.

import (
	"sync"
	"time"

	"github.com/glycerine/idem"
	"github.com/glycerine/loquet"
)

// Runner executes functions one at a time.
type Runner interface {
	// Run schedules f. Implementations guarantee that no two
	// scheduled functions execute concurrently, and that
	// execution order matches Run order.
	Run(f func()) error

	// Close stops the runner. Already-scheduled functions
	// still execute; later Run calls return ErrShutdown.
	Close()
}

// CallerRunner executes inline on the calling goroutine, under
// a mutex. The cheapest Runner when handlers never block.
type CallerRunner struct {
	mut    sync.Mutex
	closed bool
}

func NewCallerRunner() *CallerRunner {
	return &CallerRunner{}
}

func (r *CallerRunner) Run(f func()) error {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.closed {
		return ErrShutdown
	}
	f()
	return nil
}

func (r *CallerRunner) Close() {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.closed = true
}

// WorkerRunner executes on one dedicated goroutine. Handlers
// may block; the queue absorbs bursts up to its depth and Run
// applies backpressure beyond that.
type WorkerRunner struct {
	jobs chan func()
	halt *idem.Halter

	mut    sync.Mutex
	closed bool
}

func NewWorkerRunner(depth int) *WorkerRunner {
	if depth <= 0 {
		depth = 128
	}
	r := &WorkerRunner{
		jobs: make(chan func(), depth),
		halt: idem.NewHalter(),
	}
	go r.loop()
	return r
}

func (r *WorkerRunner) loop() {
	defer r.halt.Done.Close()
	for {
		select {
		case f := <-r.jobs:
			f()
		case <-r.halt.ReqStop.Chan:
			// drain what was accepted before the stop.
			for {
				select {
				case f := <-r.jobs:
					f()
				default:
					return
				}
			}
		}
	}
}

func (r *WorkerRunner) Run(f func()) error {
	// the lock is held across the enqueue so Close cannot
	// finish its drain between our closed check and the send;
	// a job accepted here is guaranteed to execute.
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.closed {
		return ErrShutdown
	}
	select {
	case r.jobs <- f:
		return nil
	case <-r.halt.ReqStop.Chan:
		return ErrShutdown
	}
}

func (r *WorkerRunner) Close() {
	r.mut.Lock()
	if r.closed {
		r.mut.Unlock()
		return
	}
	r.closed = true
	r.mut.Unlock()
	r.halt.ReqStop.Close()
	<-r.halt.Done.Chan
}

// ReqFuture is an in-flight asynchronous request.
type ReqFuture struct {
	res *reqResult
	ch  *loquet.Chan[reqResult]
}

type reqResult struct {
	ret interface{}
	err error
}

// Wait blocks for the outcome.
func (f *ReqFuture) Wait() (interface{}, error) {
	<-f.ch.WhenClosed()
	return f.res.ret, f.res.err
}

// Done reports completion without blocking.
func (f *ReqFuture) Done() <-chan struct{} {
	return f.ch.WhenClosed()
}

// SendLoadAsync fires a sealed request in the background and
// returns its future. Requests still serialize on the channel
// in the order the goroutine scheduler admits them.
func SendLoadAsync(rc *RequestChannel, ld Load, timeout time.Duration, tries int) *ReqFuture {
	f := &ReqFuture{res: &reqResult{}}
	f.ch = loquet.NewChan(f.res)
	go func() {
		f.res.ret, f.res.err = rc.SendLoad(ld, timeout, tries)
		f.ch.Close()
	}()
	return f
}
