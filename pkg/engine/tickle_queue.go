// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package engine

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenflow/pkg/engine/runtime"
	"github.com/pbinitiative/zenflow/pkg/handle"
)

type tickleRequest struct {
	handles []handle.Handle[runtime.ProcessInstance]
	done    chan struct{}
}

// tickleWork is the FIFO of one drain. Tickles posted while it is drained are appended to it.
type tickleWork struct {
	items []handle.Handle[runtime.ProcessInstance]
}

type drainKey struct{}

// tickleQueue serializes the processing of tickles through a single consumer goroutine.
type tickleQueue struct {
	process  func(ctx context.Context, h handle.Handle[runtime.ProcessInstance]) error
	requests chan tickleRequest
	logger   hclog.Logger

	mu      sync.RWMutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func newTickleQueue(size int, logger hclog.Logger, process func(ctx context.Context, h handle.Handle[runtime.ProcessInstance]) error) *tickleQueue {
	return &tickleQueue{
		process:  process,
		requests: make(chan tickleRequest, size),
		logger:   logger,
	}
}

// start runs the consumer until ctx is done or stop is called.
func (q *tickleQueue) start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	stop := make(chan struct{})
	q.stop = stop
	q.wg.Add(1)
	go q.consume(context.WithoutCancel(ctx), stop)
	go func() {
		select {
		case <-ctx.Done():
			q.shutdown()
		case <-stop:
		}
	}()
}

// shutdown stops the consumer after it served all accepted requests.
func (q *tickleQueue) shutdown() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stop)
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *tickleQueue) consume(ctx context.Context, stop <-chan struct{}) {
	defer q.wg.Done()
	for {
		select {
		case req := <-q.requests:
			q.serve(ctx, req)
		case <-stop:
			q.drainRequests(ctx)
			return
		}
	}
}

// drainRequests serves the requests that were accepted before the consumer stopped.
func (q *tickleQueue) drainRequests(ctx context.Context) {
	for {
		select {
		case req := <-q.requests:
			q.serve(ctx, req)
		default:
			return
		}
	}
}

func (q *tickleQueue) serve(ctx context.Context, req tickleRequest) {
	defer close(req.done)
	q.drain(ctx, &tickleWork{items: req.handles})
}

func (q *tickleQueue) drain(ctx context.Context, work *tickleWork) {
	ctx = context.WithValue(ctx, drainKey{}, work)
	for len(work.items) > 0 {
		h := work.items[0]
		work.items = work.items[1:]
		if err := q.process(ctx, h); err != nil {
			q.logger.Error("tickle failed", "instance", h, "err", err)
		}
	}
}

// submit processes handles and all tickles caused by them before it returns.
// Called from within a drain the handles are appended to that drain instead.
func (q *tickleQueue) submit(ctx context.Context, handles []handle.Handle[runtime.ProcessInstance]) error {
	if len(handles) == 0 {
		return nil
	}
	if work, ok := ctx.Value(drainKey{}).(*tickleWork); ok {
		work.items = append(work.items, handles...)
		return nil
	}

	q.mu.RLock()
	if !q.running {
		q.mu.RUnlock()
		q.drain(ctx, &tickleWork{items: handles})
		return nil
	}
	req := tickleRequest{handles: handles, done: make(chan struct{})}
	select {
	case q.requests <- req:
	case <-ctx.Done():
		q.mu.RUnlock()
		return ctx.Err()
	}
	q.mu.RUnlock()

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
