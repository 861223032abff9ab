// Package source feeds vehicle position reports from external producers into the
// ingestor. Every source converts its wire format into ingest.PositionUpdate and leaves
// validation, ordering and fan-out to the core.
package source

import (
	"context"

	"transitbd/tracker/internal/ingest"
	"transitbd/tracker/internal/logging"
	"transitbd/tracker/internal/metrics"
)

const (
	resultAccepted  = "accepted"
	resultRejected  = "rejected"
	resultMalformed = "malformed"
	resultFailed    = "failed"
)

// Ingester is the part of the ingestor a source needs.
type Ingester interface {
	Ingest(ctx context.Context, update ingest.PositionUpdate) (ingest.Decision, error)
}

// Source produces position updates until its context is cancelled.
type Source interface {
	Name() string
	Run(ctx context.Context, sink Ingester) error
}

// submit hands one update to the sink and accounts for the outcome. Rejections are
// routine for noisy feeds and never stop the source.
func submit(ctx context.Context, name string, sink Ingester, update ingest.PositionUpdate, m *metrics.Metrics, log *logging.Logger) {
	if sink == nil {
		return
	}
	_, err := sink.Ingest(ctx, update)
	switch {
	case err == nil:
		m.SourceMessage(name, resultAccepted)
	case ingest.ReasonOf(err) != ingest.ReasonNone:
		m.SourceMessage(name, resultRejected)
		if ingest.ReasonOf(err) != ingest.ReasonStaleUpdate {
			log.Debug("source update rejected",
				logging.String("vehicle_id", update.VehicleID),
				logging.String("reason", string(ingest.ReasonOf(err))),
			)
		}
	default:
		m.SourceMessage(name, resultFailed)
		log.Warn("source update failed", logging.String("vehicle_id", update.VehicleID), logging.Error(err))
	}
}

func componentLogger(logger *logging.Logger, name string) *logging.Logger {
	if logger == nil {
		logger = logging.L()
	}
	return logger.With(logging.String("component", "source"), logging.String("source", name))
}
