////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package worker runs fire-and-forget background tasks on a bounded pool of
// goroutines. Preview computation, deferred indexing, and repost retries all
// go through it; there is no cooperative cancellation, retries are idempotent
// re-invocations.
package worker

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Error messages.
const (
	duplicateTaskErr = "task %q is already registered"
	poolStoppedErr   = "pool is stopped"
	taskPanicWarn    = "[worker] Task panicked: %+v"
)

// Pool is a fixed-size background worker pool. Submitted tasks queue up and
// run in submission order across the workers; Stop drains nothing, tasks
// still queued when the quit channel closes are dropped.
type Pool struct {
	tasks chan func()
	quit  chan struct{}

	// inFlight tracks the keys registered through SubmitUnique so a second
	// registration for the same key can be refused while the first is
	// still pending.
	inFlight map[string]bool
	mux      sync.Mutex

	wg      sync.WaitGroup
	stopped bool
}

// NewPool starts size workers. The queue holds up to depth tasks; Submit
// blocks once it is full.
func NewPool(size, depth int) *Pool {
	p := &Pool{
		tasks:    make(chan func(), depth),
		quit:     make(chan struct{}),
		inFlight: make(map[string]bool),
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case task := <-p.tasks:
			p.run(task)
		}
	}
}

// run executes one task, containing panics so a misbehaving task cannot take
// the worker down with it.
func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			jww.WARN.Printf(taskPanicWarn, r)
		}
	}()
	task()
}

// Submit queues a task. Returns an error only when the pool is stopped.
func (p *Pool) Submit(task func()) error {
	p.mux.Lock()
	stopped := p.stopped
	p.mux.Unlock()
	if stopped {
		return errors.New(poolStoppedErr)
	}
	select {
	case p.tasks <- task:
		return nil
	case <-p.quit:
		return errors.New(poolStoppedErr)
	}
}

// SubmitUnique queues a task under a key, refusing the submission when a
// task with the same key is still pending or running. Callers treat the
// error as "someone else is already on it" and swallow it.
func (p *Pool) SubmitUnique(key string, task func()) error {
	p.mux.Lock()
	if p.stopped {
		p.mux.Unlock()
		return errors.New(poolStoppedErr)
	}
	if p.inFlight[key] {
		p.mux.Unlock()
		return errors.Errorf(duplicateTaskErr, key)
	}
	p.inFlight[key] = true
	p.mux.Unlock()

	err := p.Submit(func() {
		defer func() {
			p.mux.Lock()
			delete(p.inFlight, key)
			p.mux.Unlock()
		}()
		task()
	})
	if err != nil {
		p.mux.Lock()
		delete(p.inFlight, key)
		p.mux.Unlock()
	}
	return err
}

// SubmitAfter queues the task once the delay elapses. The timer is abandoned
// when the pool stops first.
func (p *Pool) SubmitAfter(delay time.Duration, task func()) {
	timer := time.NewTimer(delay)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			if err := p.Submit(task); err != nil {
				jww.DEBUG.Printf(
					"[worker] Dropped delayed task: %+v", err)
			}
		case <-p.quit:
		}
	}()
}

// Stop shuts the pool down and waits for the workers to exit. Queued tasks
// that have not started are dropped.
func (p *Pool) Stop() {
	p.mux.Lock()
	if p.stopped {
		p.mux.Unlock()
		return
	}
	p.stopped = true
	p.mux.Unlock()

	close(p.quit)
	p.wg.Wait()
}
