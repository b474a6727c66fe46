// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package ingest

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/soothill/fleetwatch/pkg/logger"
)

// DefaultShards is the worker count used when the caller passes zero.
const DefaultShards = 8

// shardQueueDepth bounds each shard's backlog. A full queue drops the
// task rather than blocking the MQTT receive path.
const shardQueueDepth = 256

// WorkerPool serializes tasks per key while running different keys in
// parallel. All tasks for one key land on the same shard, so per-device
// consolidation and rule evaluation never interleave.
type WorkerPool struct {
	shards []chan func()
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewWorkerPool builds a pool with the given shard count.
func NewWorkerPool(shards int) *WorkerPool {
	if shards <= 0 {
		shards = DefaultShards
	}
	p := &WorkerPool{shards: make([]chan func(), shards)}
	for i := range p.shards {
		p.shards[i] = make(chan func(), shardQueueDepth)
	}
	return p
}

// Start launches the shard workers. They run until Stop is called or ctx
// is cancelled.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := range p.shards {
		p.wg.Add(1)
		go p.run(ctx, p.shards[i])
	}
}

func (p *WorkerPool) run(ctx context.Context, queue chan func()) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-queue:
			if !ok {
				return
			}
			p.invoke(task)
		}
	}
}

// invoke runs one task behind a panic guard so a bad payload cannot take
// down the shard.
func (p *WorkerPool) invoke(task func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Ingest worker panicked")
		}
	}()
	task()
}

// Submit queues the task on the key's shard. It reports false when the
// shard is saturated or the pool has stopped; the caller counts the drop.
func (p *WorkerPool) Submit(key string, task func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}

	select {
	case p.shards[p.shardFor(key)] <- task:
		return true
	default:
		return false
	}
}

func (p *WorkerPool) shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.shards)))
}

// Stop closes the queues and waits for in-flight tasks to finish.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for _, q := range p.shards {
		close(q)
	}
	p.wg.Wait()
}
