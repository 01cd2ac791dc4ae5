// Package scheduler runs periodic background commands for the lifetime of the
// server: the idle-session reaper, the revocation announcement reader, and
// any other fixed-interval maintenance.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"
)

// Command is one periodic unit of work. It must be safe to call repeatedly
// and should respect ctx for cancellation.
type Command func(ctx context.Context)

// Scheduler owns a set of tickers and long-running loops and stops them all
// on shutdown.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler whose commands stop when Stop is called.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{ctx: ctx, cancel: cancel}
}

// Every runs cmd on a fixed interval until the scheduler stops. The first run
// happens after one interval, not immediately.
func (s *Scheduler) Every(interval time.Duration, name string, cmd Command) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				cmd(s.ctx)
			}
		}
	}()
	log.Printf("scheduler: %s every %s", name, interval)
}

// Go runs a long-lived loop (e.g. a message reader) that blocks until the
// scheduler's context is cancelled.
func (s *Scheduler) Go(name string, loop Command) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		loop(s.ctx)
	}()
	log.Printf("scheduler: started %s", name)
}

// Stop cancels every command and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}
