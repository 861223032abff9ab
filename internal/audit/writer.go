package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"

	"transitbd/tracker/internal/ingest"
	"transitbd/tracker/internal/logging"
	"transitbd/tracker/internal/state"
)

const (
	segmentPrefix  = "segment-"
	eventsFile     = "events.jsonl.sz"
	manifestFile   = "manifest.json"
	segmentLayout  = "20060102T150405.000000000Z"
	defaultBacklog = 4096
)

// Event is one accepted position update as written to the audit log.
type Event struct {
	Seq        uint64                `json:"seq"`
	RecordedAt time.Time             `json:"recordedAt"`
	Update     ingest.PositionUpdate `json:"update"`
	State      state.VehicleState    `json:"state"`
}

// Manifest describes one audit segment so tooling can locate its artefacts.
type Manifest struct {
	Version    int    `json:"version"`
	OpenedAt   string `json:"opened_at"`
	EventsPath string `json:"events_path"`
}

// Writer appends accepted updates to snappy-framed JSONL segments. Recording never
// blocks the caller: events are queued and written by a single goroutine.
type Writer struct {
	root string
	now  func() time.Time
	log  *logging.Logger

	queue   chan Event
	dropped func()

	mu      sync.Mutex
	seq     uint64
	dir     string
	file    *os.File
	stream  *snappy.Writer
	written int
	opened  int

	closeOnce sync.Once
	closed    chan struct{}
	gate      sync.RWMutex
	done      chan struct{}
}

// WriterOptions configures a Writer.
type WriterOptions struct {
	Backlog int
	Now     func() time.Time
	Logger  *logging.Logger
	// OnDrop is called when the backlog is full and an event is discarded.
	OnDrop func()
}

// NewWriter prepares root and opens the first segment.
func NewWriter(root string, opts WriterOptions) (*Writer, error) {
	if root == "" {
		return nil, fmt.Errorf("audit directory must be provided")
	}
	if opts.Backlog <= 0 {
		opts.Backlog = defaultBacklog
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	w := &Writer{
		root:    root,
		now:     opts.Now,
		log:     opts.Logger.With(logging.String("component", "audit")),
		queue:   make(chan Event, opts.Backlog),
		dropped: opts.OnDrop,
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := w.openSegmentLocked(); err != nil {
		return nil, err
	}
	go w.run()
	return w, nil
}

// RecordUpdate satisfies the ingest recorder contract.
func (w *Writer) RecordUpdate(update ingest.PositionUpdate, applied state.VehicleState) {
	if w == nil {
		return
	}
	w.gate.RLock()
	defer w.gate.RUnlock()
	select {
	case <-w.closed:
		return
	default:
	}
	select {
	case w.queue <- Event{RecordedAt: w.now().UTC(), Update: update, State: applied}:
	default:
		if w.dropped != nil {
			w.dropped()
		}
	}
}

// Directory returns the currently open segment directory.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dir
}

// Roll closes the current segment and opens a new one. It returns the finished segment
// directory, or "" when it held no events.
func (w *Writer) Roll() (string, error) {
	if w == nil {
		return "", fmt.Errorf("writer not initialised")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.written == 0 {
		return "", nil
	}
	finished := w.dir
	if err := w.closeSegmentLocked(); err != nil {
		return "", err
	}
	if err := w.openSegmentLocked(); err != nil {
		return finished, err
	}
	return finished, nil
}

// Close drains queued events and closes the open segment.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.closeOnce.Do(func() {
		w.gate.Lock()
		close(w.closed)
		close(w.queue)
		w.gate.Unlock()
	})
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stream == nil {
		return nil
	}
	return w.closeSegmentLocked()
}

func (w *Writer) run() {
	defer close(w.done)
	for event := range w.queue {
		if err := w.append(event); err != nil {
			w.log.Error("failed to append audit event", logging.String("vehicle_id", event.State.VehicleID), logging.Error(err))
		}
	}
}

func (w *Writer) append(event Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stream == nil {
		return fmt.Errorf("audit segment is closed")
	}
	//1.- Sequence numbers are assigned in write order so readers can detect gaps.
	w.seq++
	event.Seq = w.seq
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := w.stream.Write(append(line, '\n')); err != nil {
		return err
	}
	w.written++
	return w.stream.Flush()
}

func (w *Writer) openSegmentLocked() error {
	opened := w.now().UTC()
	w.opened++
	dir := filepath.Join(w.root, fmt.Sprintf("%s%s-%04d", segmentPrefix, opened.Format(segmentLayout), w.opened))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	manifest, err := json.MarshalIndent(Manifest{Version: 1, OpenedAt: opened.Format(time.RFC3339Nano), EventsPath: eventsFile}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), manifest, 0o644); err != nil {
		return err
	}
	file, err := os.Create(filepath.Join(dir, eventsFile))
	if err != nil {
		return err
	}
	w.dir = dir
	w.file = file
	w.stream = snappy.NewBufferedWriter(file)
	w.written = 0
	return nil
}

func (w *Writer) closeSegmentLocked() error {
	//1.- Attempt every close and surface the first failure.
	var firstErr error
	if err := w.stream.Close(); err != nil {
		firstErr = err
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	w.stream = nil
	w.file = nil
	return firstErr
}
