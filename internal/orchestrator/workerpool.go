// Dvmagent is a paid Nostr data vending machine agent.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"dvmagent/internal/metrics"
)

// WorkerPool bounds the concurrency of detached execution tasks (paid job
// inference calls) so a burst of paid jobs cannot overwhelm the inference
// backend: a fixed pool of goroutines draining a task channel, with tasks
// push-submitted by the orchestrator rather than claimed from a durable
// queue.
type WorkerPool struct {
	tasks     chan func(context.Context)
	log       *zap.Logger
	wg        sync.WaitGroup
	inUse     int32
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewWorkerPool starts size worker goroutines backed by a queue four times
// as deep, and returns the pool. Call Close to drain and stop it.
func NewWorkerPool(parent context.Context, size int, log *zap.Logger) *WorkerPool {
	if log == nil {
		log = zap.NewNop()
	}
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(parent)
	p := &WorkerPool{
		tasks:  make(chan func(context.Context), size*4),
		log:    log,
		cancel: cancel,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	return p
}

func (p *WorkerPool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			metrics.SetWorkerPoolQueued(len(p.tasks))
			n := atomic.AddInt32(&p.inUse, 1)
			metrics.SetWorkerPoolInUse(int(n))
			func() {
				defer func() {
					n := atomic.AddInt32(&p.inUse, -1)
					metrics.SetWorkerPoolInUse(int(n))
					if r := recover(); r != nil {
						p.log.Error("worker_task_panic", zap.Any("recover", r))
					}
				}()
				task(ctx)
			}()
		}
	}
}

// Submit enqueues a task for execution by the next free worker. It blocks
// if the queue is full, applying backpressure to the caller.
func (p *WorkerPool) Submit(task func(context.Context)) {
	metrics.SetWorkerPoolQueued(len(p.tasks) + 1)
	p.tasks <- task
}

// Close stops accepting new tasks, waits for queued and in-flight tasks to
// finish, then releases the pool's context. Safe to call more than once.
func (p *WorkerPool) Close() {
	p.closeOnce.Do(func() {
		close(p.tasks)
		p.wg.Wait()
		p.cancel()
	})
}
