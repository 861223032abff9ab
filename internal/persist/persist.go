// Package persist holds the durable vehicle-state collaborators. The in-memory store
// remains the source of truth; everything here is best effort.
package persist

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"transitbd/tracker/internal/config"
	"transitbd/tracker/internal/logging"
	"transitbd/tracker/internal/state"
)

// ErrNotFound aliases the store sentinel so adapters and callers share one value.
var ErrNotFound = state.ErrNotFound

// ErrPersistence tags every failure raised by a durable adapter.
var ErrPersistence = errors.New("persistence failure")

// Persister is the durable vehicle state contract.
type Persister interface {
	SaveVehicleState(ctx context.Context, vehicle state.VehicleState) error
	LoadVehicleState(ctx context.Context, vehicleID string) (state.VehicleState, error)
	Close() error
}

// Open selects the adapter named by the configuration. A "none" driver yields nil.
func Open(ctx context.Context, cfg config.PersistenceConfig) (Persister, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.DSN)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", cfg.Driver)
	}
}

// FailureObserver is notified whenever a queued save fails or is dropped.
type FailureObserver func(reason string)

// AsyncWriterOptions tunes the background save queue.
type AsyncWriterOptions struct {
	QueueSize   int
	Workers     int
	SaveTimeout time.Duration
	Logger      *logging.Logger
	OnFailure   FailureObserver
}

// AsyncWriter implements state.Sink by queueing saves for background workers. Submit
// never blocks: when the queue is full the save is dropped and reported. Each vehicle is
// pinned to one worker so its saves land in submission order.
type AsyncWriter struct {
	persister Persister
	queues    []chan state.VehicleState
	timeout   time.Duration
	log       *logging.Logger
	onFailure FailureObserver

	startOnce sync.Once
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
	mu        sync.RWMutex
}

// NewAsyncWriter wraps the persister with a bounded fire-and-forget queue.
func NewAsyncWriter(persister Persister, opts AsyncWriterOptions) *AsyncWriter {
	if opts.QueueSize <= 0 {
		opts.QueueSize = config.DefaultPersistQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = config.DefaultPersistWorkers
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	perWorker := max((opts.QueueSize+opts.Workers-1)/opts.Workers, 1)
	queues := make([]chan state.VehicleState, opts.Workers)
	for i := range queues {
		queues[i] = make(chan state.VehicleState, perWorker)
	}
	return &AsyncWriter{
		persister: persister,
		queues:    queues,
		timeout:   opts.SaveTimeout,
		log:       opts.Logger.With(logging.String("component", "persist")),
		onFailure: opts.OnFailure,
		closed:    make(chan struct{}),
	}
}

// Start launches the workers. They drain the queue until Close is called.
func (w *AsyncWriter) Start() {
	if w == nil {
		return
	}
	w.startOnce.Do(func() {
		for _, queue := range w.queues {
			w.wg.Add(1)
			go w.run(queue)
		}
	})
}

// Submit queues the state for saving without blocking the caller.
func (w *AsyncWriter) Submit(vehicle state.VehicleState) {
	if w == nil || w.persister == nil {
		return
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	select {
	case <-w.closed:
		return
	default:
	}
	select {
	case w.queueFor(vehicle.VehicleID) <- vehicle:
	default:
		w.log.Warn("persistence queue full, dropping save", logging.String("vehicle_id", vehicle.VehicleID))
		w.reportFailure("queue_full")
	}
}

// Close stops accepting saves, drains what is queued and waits for workers.
func (w *AsyncWriter) Close() {
	if w == nil {
		return
	}
	w.closeOnce.Do(func() {
		w.mu.Lock()
		close(w.closed)
		for _, queue := range w.queues {
			close(queue)
		}
		w.mu.Unlock()
	})
	w.wg.Wait()
}

func (w *AsyncWriter) queueFor(vehicleID string) chan state.VehicleState {
	h := fnv.New32a()
	_, _ = h.Write([]byte(vehicleID))
	return w.queues[h.Sum32()%uint32(len(w.queues))]
}

func (w *AsyncWriter) run(queue <-chan state.VehicleState) {
	defer w.wg.Done()
	for vehicle := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err := w.persister.SaveVehicleState(ctx, vehicle)
		cancel()
		if err != nil {
			w.log.Error("failed to persist vehicle state", logging.String("vehicle_id", vehicle.VehicleID), logging.Error(err))
			w.reportFailure("save_error")
		}
	}
}

func (w *AsyncWriter) reportFailure(reason string) {
	if w.onFailure != nil {
		w.onFailure(reason)
	}
}
