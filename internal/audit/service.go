package audit

import (
	"context"
	"errors"
	"time"

	"transitbd/tracker/internal/logging"
	"transitbd/tracker/internal/state"
)

// ServiceOptions configures the background audit loop.
type ServiceOptions struct {
	SnapshotInterval time.Duration
	SegmentInterval  time.Duration
	Uploader         Uploader
	Cleaner          *Cleaner
	Logger           *logging.Logger
	Now              func() time.Time
}

// Service periodically snapshots the fleet, rolls event segments, archives finished
// segments and applies retention.
type Service struct {
	dir    string
	writer *Writer
	fleet  func() []state.VehicleState
	opts   ServiceOptions
	log    *logging.Logger
}

// NewService wires the writer and the fleet source into a background loop.
func NewService(dir string, writer *Writer, fleet func() []state.VehicleState, opts ServiceOptions) *Service {
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{dir: dir, writer: writer, fleet: fleet, opts: opts, log: opts.Logger.With(logging.String("component", "audit"))}
}

// Restore seeds the store from the newest snapshot in dir and reports how many vehicles
// were restored. A missing snapshot is not an error.
func Restore(dir string, store *state.Store) (int, time.Time, error) {
	snap, err := LatestSnapshot(dir)
	if errors.Is(err, ErrNoSnapshot) {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	return store.Restore(snap.Vehicles), snap.TakenAt, nil
}

// SnapshotNow writes one fleet snapshot.
func (s *Service) SnapshotNow() (string, error) {
	return WriteSnapshot(s.dir, s.opts.Now(), s.fleet())
}

// RollNow closes the open segment, archives it when an uploader is configured and
// applies retention.
func (s *Service) RollNow(ctx context.Context) error {
	finished, err := s.writer.Roll()
	if err != nil {
		return err
	}
	if finished != "" && s.opts.Uploader != nil {
		n, err := ArchiveSegment(ctx, s.opts.Uploader, finished)
		if err != nil {
			s.log.Warn("audit segment archive failed", logging.String("segment", finished), logging.Error(err))
		} else {
			s.log.Info("audit segment archived", logging.String("segment", finished), logging.Int("files", n))
		}
	}
	s.opts.Cleaner.Sweep()
	return nil
}

// Run drives snapshots and segment rolls until ctx is cancelled. A final snapshot is
// written on the way out.
func (s *Service) Run(ctx context.Context) error {
	snapshotEvery := s.opts.SnapshotInterval
	if snapshotEvery <= 0 {
		snapshotEvery = 30 * time.Second
	}
	segmentEvery := s.opts.SegmentInterval
	if segmentEvery <= 0 {
		segmentEvery = time.Hour
	}
	snapshots := time.NewTicker(snapshotEvery)
	defer snapshots.Stop()
	segments := time.NewTicker(segmentEvery)
	defer segments.Stop()

	//1.- Apply retention eagerly so a restart trims whatever accumulated while down.
	s.opts.Cleaner.Sweep()
	for {
		select {
		case <-ctx.Done():
			if _, err := s.SnapshotNow(); err != nil {
				s.log.Warn("final fleet snapshot failed", logging.Error(err))
			}
			return nil
		case <-snapshots.C:
			if _, err := s.SnapshotNow(); err != nil {
				s.log.Warn("fleet snapshot failed", logging.Error(err))
			}
		case <-segments.C:
			if err := s.RollNow(ctx); err != nil {
				s.log.Warn("audit segment roll failed", logging.Error(err))
			}
		}
	}
}
