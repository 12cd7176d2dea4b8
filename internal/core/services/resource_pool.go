package services

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"voicechat/internal/core/domain"
	"voicechat/internal/core/ports"
	apperrors "voicechat/pkg/errors"

	"go.uber.org/zap"
)

// PoolMetrics receives resource pool events.
type PoolMetrics interface {
	RouterCreated(room string)
	WorkerDied(workerID string)
}

type PoolConfig struct {
	// Workers is the number of engine workers; 0 means runtime.NumCPU().
	Workers int
	Codecs  []domain.RTPCodecCapability
}

// ResourcePool owns the engine workers and the room → router bindings.
type ResourcePool struct {
	workers []ports.Worker
	next    atomic.Uint64
	codecs  []domain.RTPCodecCapability

	mu        sync.RWMutex
	routers   map[domain.RoomName]ports.Router
	roomLocks map[domain.RoomName]*sync.Mutex
	locksMu   sync.Mutex

	fatal     chan error
	fatalOnce sync.Once
	dead      atomic.Bool
	stop      chan struct{}
	closeOnce sync.Once

	metrics PoolMetrics
	logger  *zap.SugaredLogger
}

func NewResourcePool(ctx context.Context, engine ports.Engine, cfg PoolConfig, metrics PoolMetrics, logger *zap.SugaredLogger) (*ResourcePool, error) {
	size := cfg.Workers
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if len(cfg.Codecs) == 0 {
		return nil, fmt.Errorf("resource pool needs at least one codec")
	}

	p := &ResourcePool{
		workers:   make([]ports.Worker, 0, size),
		codecs:    cfg.Codecs,
		routers:   make(map[domain.RoomName]ports.Router),
		roomLocks: make(map[domain.RoomName]*sync.Mutex),
		fatal:     make(chan error, 1),
		stop:      make(chan struct{}),
		metrics:   metrics,
		logger:    logger.With("component", "resource_pool"),
	}

	for i := 0; i < size; i++ {
		w, err := engine.CreateWorker(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to create worker %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
		go p.watch(w)
	}

	p.logger.Infow("workers started", "count", size)
	return p, nil
}

func (p *ResourcePool) watch(w ports.Worker) {
	select {
	case <-w.Died():
	case <-p.stop:
		return
	}

	err := w.Err()
	if err == nil {
		err = fmt.Errorf("worker %s died", w.ID())
	}
	p.dead.Store(true)
	if p.metrics != nil {
		p.metrics.WorkerDied(w.ID())
	}
	p.logger.Errorw("worker died", "worker_id", w.ID(), "error", err)

	p.fatalOnce.Do(func() {
		p.fatal <- apperrors.NewEngineFatalError(err)
	})
}

// AcquireWorker picks the next worker round-robin.
func (p *ResourcePool) AcquireWorker() ports.Worker {
	n := p.next.Add(1) - 1
	return p.workers[n%uint64(len(p.workers))]
}

// RouterFor returns the room's router, creating it on first use. Concurrent
// first calls for the same room create exactly one router.
func (p *ResourcePool) RouterFor(ctx context.Context, room domain.RoomName) (ports.Router, error) {
	if p.dead.Load() {
		return nil, domain.ErrEngineUnavailable
	}

	p.mu.RLock()
	router, ok := p.routers[room]
	p.mu.RUnlock()
	if ok {
		return router, nil
	}

	lock := p.roomLock(room)
	lock.Lock()
	defer lock.Unlock()

	p.mu.RLock()
	router, ok = p.routers[room]
	p.mu.RUnlock()
	if ok {
		return router, nil
	}

	worker := p.AcquireWorker()
	router, err := worker.CreateRouter(ctx, p.codecs)
	if err != nil {
		return nil, apperrors.NewNegotiationError(fmt.Sprintf("create router for %s", room), err)
	}

	p.mu.Lock()
	p.routers[room] = router
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RouterCreated(string(room))
	}
	p.logger.Infow("router created", "room", room, "router_id", router.ID(), "worker_id", worker.ID())
	return router, nil
}

func (p *ResourcePool) roomLock(room domain.RoomName) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	lock, ok := p.roomLocks[room]
	if !ok {
		lock = &sync.Mutex{}
		p.roomLocks[room] = lock
	}
	return lock
}

// Fatal delivers at most one EngineFatal error.
func (p *ResourcePool) Fatal() <-chan error {
	return p.fatal
}

func (p *ResourcePool) Healthy() bool {
	return !p.dead.Load()
}

func (p *ResourcePool) WorkerCount() int {
	return len(p.workers)
}

func (p *ResourcePool) RouterCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.routers)
}

func (p *ResourcePool) Close() {
	p.closeOnce.Do(func() {
		close(p.stop)

		p.mu.Lock()
		for room, r := range p.routers {
			if err := r.Close(); err != nil {
				p.logger.Warnw("router close failed", "room", room, "error", err)
			}
		}
		p.routers = make(map[domain.RoomName]ports.Router)
		p.mu.Unlock()

		for _, w := range p.workers {
			_ = w.Close()
		}
	})
}
