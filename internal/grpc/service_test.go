package grpc

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"transitbd/tracker/internal/geo"
	"transitbd/tracker/internal/ingest"
	"transitbd/tracker/internal/logging"
	"transitbd/tracker/internal/session"
	"transitbd/tracker/internal/state"
	"transitbd/tracker/internal/subscription"
)

type streamStub struct {
	ctx context.Context

	mu   sync.Mutex
	in   []*structpb.Struct
	sent []*structpb.Struct
}

func (s *streamStub) SetHeader(metadata.MD) error  { return nil }
func (s *streamStub) SendHeader(metadata.MD) error { return nil }
func (s *streamStub) SetTrailer(metadata.MD)       {}
func (s *streamStub) Context() context.Context     { return s.ctx }

func (s *streamStub) SendMsg(m any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m.(*structpb.Struct))
	return nil
}

func (s *streamStub) RecvMsg(m any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.in) == 0 {
		return io.EOF
	}
	next := s.in[0]
	s.in = s.in[1:]
	dst := m.(*structpb.Struct)
	proto.Reset(dst)
	proto.Merge(dst, next)
	return nil
}

func (s *streamStub) sentTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, msg := range s.sent {
		out = append(out, msg.GetFields()["type"].GetStringValue())
	}
	return out
}

func mustStruct(t *testing.T, raw string) *structpb.Struct {
	t.Helper()
	msg := new(structpb.Struct)
	if err := protojson.Unmarshal([]byte(raw), msg); err != nil {
		t.Fatalf("struct %s: %v", raw, err)
	}
	return msg
}

func newSessions(t *testing.T, store *state.Store, maxClients int) *session.Manager {
	t.Helper()
	return session.NewManager(subscription.NewRegistry(), session.Options{Store: store, MaxClients: maxClients, Logger: logging.NewTestLogger()})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStreamVehicleUpdatesSendsSnapshotAndEndsOnCancel(t *testing.T) {
	store := state.NewStore()
	store.Upsert(state.VehicleState{VehicleID: "V1", RouteID: "1", Location: geo.Point{Lat: 23.81, Lng: 90.41}, SpeedKmh: 30, Status: state.StatusOnline, LastUpdatedAt: time.Unix(1_700_000_000, 0)})
	sessions := newSessions(t, store, 0)
	svc := NewService(sessions, nil, WithLogger(logging.NewTestLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	stream := &streamStub{ctx: ctx}
	done := make(chan error, 1)
	go func() { done <- svc.StreamVehicleUpdates(mustStruct(t, `{"routeIds":["1"]}`), stream) }()

	waitFor(t, "snapshot", func() bool { return len(stream.sentTypes()) == 1 })
	if got := stream.sentTypes()[0]; got != "vehicle_positions" {
		t.Fatalf("expected vehicle_positions snapshot, got %q", got)
	}
	if sessions.Count() != 1 {
		t.Fatalf("expected one live connection, got %d", sessions.Count())
	}

	cancel()
	err := <-done
	if status.Code(err) != codes.Canceled {
		t.Fatalf("expected Canceled, got %v", err)
	}
	waitFor(t, "cleanup", func() bool { return sessions.Count() == 0 })
}

func TestStreamVehicleUpdatesValidatesRequest(t *testing.T) {
	svc := NewService(newSessions(t, state.NewStore(), 0), nil)
	cases := map[string]string{
		"no routes":         `{"routeIds":[]}`,
		"bad destination":   `{"routeIds":["1"],"destination":{"lat":120,"lng":0}}`,
		"wrong routes type": `{"routeIds":"1"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			err := svc.StreamVehicleUpdates(mustStruct(t, raw), &streamStub{ctx: context.Background()})
			if status.Code(err) != codes.InvalidArgument {
				t.Fatalf("expected InvalidArgument, got %v", err)
			}
		})
	}
}

func TestStreamVehicleUpdatesRespectsConnectionLimit(t *testing.T) {
	sessions := newSessions(t, state.NewStore(), 1)
	svc := NewService(sessions, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.StreamVehicleUpdates(mustStruct(t, `{"routeIds":["1"]}`), &streamStub{ctx: ctx}) }()
	waitFor(t, "first stream", func() bool { return sessions.Count() == 1 })

	err := svc.StreamVehicleUpdates(mustStruct(t, `{"routeIds":["1"]}`), &streamStub{ctx: context.Background()})
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
}

func TestPublishPositionsSummarisesOutcomes(t *testing.T) {
	store := state.NewStore()
	ing := ingest.New(store, ingest.Options{AutoRegister: true, Logger: logging.NewTestLogger()})
	svc := NewService(nil, ing)
	stream := &streamStub{
		ctx: context.Background(),
		in: []*structpb.Struct{
			mustStruct(t, `{"vehicleId":"V1","routeId":"1","location":{"lat":23.81,"lng":90.41},"speedKmh":30,"timestamp":"2024-01-01T08:00:00Z"}`),
			mustStruct(t, `{"vehicleId":"V1","location":{"lat":23.81,"lng":90.41},"speedKmh":-1}`),
			mustStruct(t, `{"vehicleId":"V2","location":"nowhere"}`),
			mustStruct(t, `{"vehicleId":"V3","location":{"lat":23.5,"lng":90.5},"speedKmh":12}`),
		},
	}

	if err := svc.PublishPositions(stream); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(stream.sent) != 1 {
		t.Fatalf("expected one summary, got %d", len(stream.sent))
	}
	raw, _ := protojson.Marshal(stream.sent[0])
	var summary struct {
		Accepted int            `json:"accepted"`
		Rejected int            `json:"rejected"`
		Reasons  map[string]int `json:"reasons"`
	}
	if err := json.Unmarshal(raw, &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Accepted != 2 || summary.Rejected != 2 || summary.Reasons["INVALID_SPEED"] != 1 || summary.Reasons["MALFORMED"] != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if _, ok := store.Get("V3"); !ok {
		t.Fatalf("expected V3 to be stored")
	}
}

func TestPublishPositionsUnavailableWithoutIngester(t *testing.T) {
	err := NewService(nil, nil).PublishPositions(&streamStub{ctx: context.Background()})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}
}
