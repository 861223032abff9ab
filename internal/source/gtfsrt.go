package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"

	"transitbd/tracker/internal/config"
	"transitbd/tracker/internal/geo"
	"transitbd/tracker/internal/ingest"
	"transitbd/tracker/internal/logging"
	"transitbd/tracker/internal/metrics"
	"transitbd/tracker/internal/state"
	"transitbd/tracker/internal/tick"
)

// GTFSRTName labels GTFS-realtime traffic in logs and metrics.
const GTFSRTName = "gtfsrt"

const maxFeedBytes = 16 << 20

// DecodeFeed converts the vehicle entities of a GTFS-realtime FeedMessage into position
// updates. Entities without a position are skipped.
func DecodeFeed(raw []byte) ([]ingest.PositionUpdate, error) {
	var feed gtfs.FeedMessage
	if err := proto.Unmarshal(raw, &feed); err != nil {
		return nil, errors.Wrap(err, "decode gtfs-realtime feed")
	}
	headerTime := time.Time{}
	if feed.GetHeader().GetTimestamp() > 0 {
		headerTime = time.Unix(int64(feed.GetHeader().GetTimestamp()), 0).UTC()
	}

	updates := make([]ingest.PositionUpdate, 0, len(feed.GetEntity()))
	for _, entity := range feed.GetEntity() {
		vp := entity.GetVehicle()
		if vp == nil || vp.GetPosition() == nil {
			continue
		}
		update := ingest.PositionUpdate{
			VehicleID: vehicleIDOf(entity, vp),
			RouteID:   vp.GetTrip().GetRouteId(),
			Location: geo.Point{
				Lat: float64(vp.GetPosition().GetLatitude()),
				Lng: float64(vp.GetPosition().GetLongitude()),
			},
			Heading:   float64(vp.GetPosition().GetBearing()),
			SpeedKmh:  float64(vp.GetPosition().GetSpeed()) * 3.6,
			Timestamp: headerTime,
		}
		if vp.GetTimestamp() > 0 {
			update.Timestamp = time.Unix(int64(vp.GetTimestamp()), 0).UTC()
		}
		if vp.OccupancyStatus != nil {
			occupancy := mapOccupancy(vp.GetOccupancyStatus())
			update.Occupancy = &occupancy
		}
		updates = append(updates, update)
	}
	return updates, nil
}

func vehicleIDOf(entity *gtfs.FeedEntity, vp *gtfs.VehiclePosition) string {
	if id := vp.GetVehicle().GetId(); id != "" {
		return id
	}
	if label := vp.GetVehicle().GetLabel(); label != "" {
		return label
	}
	return entity.GetId()
}

func mapOccupancy(status gtfs.VehiclePosition_OccupancyStatus) state.Occupancy {
	switch status {
	case gtfs.VehiclePosition_EMPTY, gtfs.VehiclePosition_MANY_SEATS_AVAILABLE:
		return state.OccupancyLow
	case gtfs.VehiclePosition_FEW_SEATS_AVAILABLE, gtfs.VehiclePosition_STANDING_ROOM_ONLY:
		return state.OccupancyMedium
	case gtfs.VehiclePosition_CRUSHED_STANDING_ROOM_ONLY, gtfs.VehiclePosition_FULL, gtfs.VehiclePosition_NOT_ACCEPTING_PASSENGERS:
		return state.OccupancyHigh
	default:
		return state.OccupancyUnknown
	}
}

// GTFSRTOptions configures a GTFSRT poller.
type GTFSRTOptions struct {
	Client  *http.Client
	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// GTFSRT polls a VehiclePositions feed and ingests the vehicles whose report changed.
type GTFSRT struct {
	url      string
	interval time.Duration
	client   *http.Client
	metrics  *metrics.Metrics
	log      *logging.Logger

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewGTFSRT builds a poller for the configured feed.
func NewGTFSRT(cfg config.GTFSRTConfig, opts GTFSRTOptions) (*GTFSRT, error) {
	if cfg.FeedURL == "" {
		return nil, fmt.Errorf("gtfs-realtime feed url is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultGTFSRTInterval
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return &GTFSRT{
		url:      cfg.FeedURL,
		interval: cfg.Interval,
		client:   opts.Client,
		metrics:  opts.Metrics,
		log:      componentLogger(opts.Logger, GTFSRTName),
		seen:     make(map[string]time.Time),
	}, nil
}

// Name implements Source.
func (g *GTFSRT) Name() string { return GTFSRTName }

// Fetch downloads and decodes the feed once.
func (g *GTFSRT) Fetch(ctx context.Context) ([]ingest.PositionUpdate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build gtfs-realtime request")
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch gtfs-realtime feed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch gtfs-realtime feed: unexpected status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read gtfs-realtime feed")
	}
	return DecodeFeed(raw)
}

// Poll fetches the feed and ingests every vehicle whose timestamp moved since the last
// poll. It returns how many updates were submitted.
func (g *GTFSRT) Poll(ctx context.Context, sink Ingester) (int, error) {
	updates, err := g.Fetch(ctx)
	if err != nil {
		g.metrics.SourceMessage(GTFSRTName, resultFailed)
		return 0, err
	}
	submitted := 0
	for _, update := range updates {
		if !g.changed(update) {
			continue
		}
		submit(ctx, GTFSRTName, sink, update, g.metrics, g.log)
		submitted++
	}
	return submitted, nil
}

// changed reports whether the update carries a timestamp not yet seen for its vehicle.
// Feeds republish the same report until the vehicle moves; those repeats are skipped.
func (g *GTFSRT) changed(update ingest.PositionUpdate) bool {
	if update.Timestamp.IsZero() {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.seen[update.VehicleID]; ok && last.Equal(update.Timestamp) {
		return false
	}
	g.seen[update.VehicleID] = update.Timestamp
	return true
}

// Run polls on the configured interval until ctx is cancelled.
func (g *GTFSRT) Run(ctx context.Context, sink Ingester) error {
	g.log.Info("gtfs-realtime source started", logging.String("url", g.url), logging.Duration("interval", g.interval))
	poll := func(ctx context.Context, _ time.Time) {
		if _, err := g.Poll(ctx, sink); err != nil && ctx.Err() == nil {
			g.log.Warn("gtfs-realtime poll failed", logging.Error(err))
		}
	}
	poll(ctx, time.Now())
	return tick.NewLoop(g.interval, poll, nil).Run(ctx)
}
