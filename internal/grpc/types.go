package grpc

import (
	"context"

	"transitbd/tracker/internal/ingest"
	"transitbd/tracker/internal/session"
)

// Sessions opens subscriber connections for streaming clients.
type Sessions interface {
	Open(transport session.Transport, kind string) (*session.Conn, error)
}

// Ingester accepts positions published over a client stream.
type Ingester interface {
	Ingest(ctx context.Context, update ingest.PositionUpdate) (ingest.Decision, error)
}

// PublishSummary is returned when a publisher closes its stream.
type PublishSummary struct {
	Accepted int
	Rejected int
	// Reasons counts rejections by reason code.
	Reasons map[string]int
}

func (s *PublishSummary) reject(reason string) {
	s.Rejected++
	if s.Reasons == nil {
		s.Reasons = make(map[string]int)
	}
	s.Reasons[reason]++
}

func (s PublishSummary) asMap() map[string]any {
	reasons := make(map[string]any, len(s.Reasons))
	for reason, n := range s.Reasons {
		reasons[reason] = n
	}
	return map[string]any{
		"accepted": s.Accepted,
		"rejected": s.Rejected,
		"reasons":  reasons,
	}
}
