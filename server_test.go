package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"transitbd/tracker/internal/config"
	"transitbd/tracker/internal/geo"
	trackergrpc "transitbd/tracker/internal/grpc"
	"transitbd/tracker/internal/ingest"
	"transitbd/tracker/internal/logging"
	"transitbd/tracker/internal/websockettest"
)

func testConfig() *config.Config {
	return &config.Config{
		Address:         "127.0.0.1:0",
		MaxPayloadBytes: config.DefaultMaxPayloadBytes,
		MaxMissedPings:  config.DefaultMaxMissedPings,
		SendQueueSize:   config.DefaultSendQueueSize,
		PositionsWindow: time.Second,
		PositionsBurst:  100,
		Tracking: config.TrackingConfig{
			AutoRegister:       true,
			FreshnessThreshold: config.DefaultFreshnessThreshold,
			OfflineThreshold:   config.DefaultOfflineThreshold,
			HeartbeatInterval:  config.DefaultHeartbeatInterval,
		},
		Persistence: config.PersistenceConfig{Driver: "none"},
	}
}

func newTestTracker(t *testing.T, mutate func(*config.Config)) (*tracker, *httptest.Server) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	tr, err := newTracker(context.Background(), cfg, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("newTracker: %v", err)
	}
	srv := httptest.NewServer(tr.httpHandler())
	t.Cleanup(func() {
		srv.Close()
		tr.sessions.CloseAll("test_done")
		tr.close()
	})
	return tr, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	return websocket.DefaultDialer.Dial(websockettest.URL(srv.URL, query), nil)
}

func mustDial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := dial(t, srv, query)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type envelope struct {
	Type     string          `json:"type"`
	Code     string          `json:"code"`
	For      string          `json:"for"`
	Accepted bool            `json:"accepted"`
	Reason   string          `json:"reason"`
	Data     json.RawMessage `json:"data"`
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func next(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return env
}

const positionFrame = `{"type":"update_position","requestId":"r1","data":{"vehicleId":"B1","routeId":"1","location":{"lat":23.8103,"lng":90.4125},"speedKmh":25}}`

func TestWebsocketSubscriberReceivesPublishedUpdates(t *testing.T) {
	_, srv := newTestTracker(t, nil)

	subscriber := mustDial(t, srv, "")
	send(t, subscriber, `{"type":"subscribe_vehicles","data":{"routeIds":["1"]}}`)
	if env := next(t, subscriber); env.Type != "vehicle_positions" || string(env.Data) != "[]" {
		t.Fatalf("expected an empty snapshot, got %+v", env)
	}

	publisher := mustDial(t, srv, "")
	send(t, publisher, positionFrame)
	if ack := next(t, publisher); ack.Type != "ack" || !ack.Accepted || ack.For != "update_position" {
		t.Fatalf("expected an accepted ack, got %+v", ack)
	}

	update := next(t, subscriber)
	var vehicle struct {
		VehicleID  string `json:"vehicleId"`
		ETAMinutes *int   `json:"etaMinutes"`
	}
	if err := json.Unmarshal(update.Data, &vehicle); err != nil {
		t.Fatalf("decode vehicle: %v", err)
	}
	if update.Type != "vehicle_update" || vehicle.VehicleID != "B1" || vehicle.ETAMinutes == nil {
		t.Fatalf("expected B1 with a route ETA, got %+v %+v", update, vehicle)
	}
}

func TestWebsocketPublisherTokenRequired(t *testing.T) {
	_, token := newTestPublisher(t)
	_, srv := newTestTracker(t, func(c *config.Config) { c.PublishSecret = "hunter2" })

	if _, resp, err := dial(t, srv, "?auth_token=forged"); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a forged token, got %v", err)
	}

	anonymous := mustDial(t, srv, "")
	send(t, anonymous, positionFrame)
	if env := next(t, anonymous); env.Type != "error" || env.Code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %+v", env)
	}

	authorised := mustDial(t, srv, "?auth_token="+token)
	send(t, authorised, positionFrame)
	if ack := next(t, authorised); ack.Type != "ack" || !ack.Accepted {
		t.Fatalf("expected accepted ack, got %+v", ack)
	}
}

func TestWebsocketConnectionLimit(t *testing.T) {
	_, srv := newTestTracker(t, func(c *config.Config) { c.MaxClients = 1 })
	first := mustDial(t, srv, "")
	send(t, first, `{"type":"ping","requestId":"p"}`)
	if env := next(t, first); env.Type != "pong" {
		t.Fatalf("expected pong, got %+v", env)
	}

	second := mustDial(t, srv, "")
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := second.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("expected try-again-later close, got %v", err)
	}
}

func TestWebsocketDropsUnresponsivePeers(t *testing.T) {
	tr, srv := newTestTracker(t, func(c *config.Config) {
		c.PingInterval = 50 * time.Millisecond
		c.MaxMissedPings = 2
	})
	conn, _, err := websockettest.DialUnresponsive(websockettest.URL(srv.URL, ""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				t.Fatalf("server kept a silent peer open")
			}
			break
		}
	}
	deadline := time.Now().Add(time.Second)
	for tr.sessions.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected the connection to be forgotten, %d left", tr.sessions.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://transit.example"})
	cases := map[string]bool{
		"":                        true,
		"https://transit.example": true,
		"HTTPS://TRANSIT.EXAMPLE": true,
		"https://evil.example":    false,
	}
	for origin, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		if got := check(r); got != want {
			t.Fatalf("origin %q: got %t want %t", origin, got, want)
		}
	}
	if !originChecker([]string{"*"})(httptest.NewRequest(http.MethodGet, "/ws", nil)) {
		t.Fatal("wildcard must allow every origin")
	}
}

func TestGRPCPublishAndStream(t *testing.T) {
	_, token := newTestPublisher(t)
	tr, _ := newTestTracker(t, func(c *config.Config) { c.PublishSecret = "hunter2" })

	server, _, err := tr.grpcServer()
	if err != nil {
		t.Fatalf("grpc server: %v", err)
	}
	listener := bufconn.Listen(1 << 20)
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	conn, err := grpclib.NewClient("passthrough:///bufnet",
		grpclib.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return listener.DialContext(ctx) }),
		grpclib.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	//1.- Subscribe first so the published position is fanned out to this stream.
	sub, err := conn.NewStream(ctx, &trackergrpc.ServiceDesc.Streams[0], trackergrpc.MethodStreamVehicleUpdates)
	if err != nil {
		t.Fatalf("open subscriber: %v", err)
	}
	if err := sub.SendMsg(structOf(t, `{"routeIds":["1"]}`)); err != nil {
		t.Fatalf("send selection: %v", err)
	}
	_ = sub.CloseSend()
	if frame := recvStruct(t, sub); frame.GetFields()["type"].GetStringValue() != "vehicle_positions" {
		t.Fatalf("expected snapshot, got %v", frame)
	}

	//2.- Without a token the publisher stream is refused.
	if _, err := publish(ctx, conn, "", `{"vehicleId":"G1","routeId":"1","location":{"lat":23.8,"lng":90.4},"speedKmh":20}`); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}

	//3.- With a token the summary counts accepted and rejected reports.
	summary, err := publish(ctx, conn, token,
		`{"vehicleId":"G1","routeId":"1","location":{"lat":23.8,"lng":90.4},"speedKmh":20}`,
		`{"vehicleId":"G2","location":{"lat":123,"lng":90.4}}`)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if summary.GetFields()["accepted"].GetNumberValue() != 1 || summary.GetFields()["rejected"].GetNumberValue() != 1 {
		t.Fatalf("unexpected summary %v", summary)
	}

	update := recvStruct(t, sub)
	if update.GetFields()["type"].GetStringValue() != "vehicle_update" {
		t.Fatalf("expected vehicle_update, got %v", update)
	}
	if id := update.GetFields()["data"].GetStructValue().GetFields()["vehicleId"].GetStringValue(); id != "G1" {
		t.Fatalf("expected G1, got %q", id)
	}
}

func structOf(t *testing.T, raw string) *structpb.Struct {
	t.Helper()
	msg := new(structpb.Struct)
	if err := protojson.Unmarshal([]byte(raw), msg); err != nil {
		t.Fatalf("struct: %v", err)
	}
	return msg
}

func recvStruct(t *testing.T, stream grpclib.ClientStream) *structpb.Struct {
	t.Helper()
	msg := new(structpb.Struct)
	if err := stream.RecvMsg(msg); err != nil {
		t.Fatalf("recv: %v", err)
	}
	return msg
}

func publish(ctx context.Context, conn *grpclib.ClientConn, token string, updates ...string) (*structpb.Struct, error) {
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, authTokenMetadataKey, token)
	}
	stream, err := conn.NewStream(ctx, &trackergrpc.ServiceDesc.Streams[1], trackergrpc.MethodPublishPositions)
	if err != nil {
		return nil, err
	}
	for _, raw := range updates {
		msg := new(structpb.Struct)
		if err := protojson.Unmarshal([]byte(raw), msg); err != nil {
			return nil, err
		}
		if err := stream.SendMsg(msg); err != nil {
			break
		}
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	summary := new(structpb.Struct)
	if err := stream.RecvMsg(summary); err != nil {
		return nil, err
	}
	return summary, nil
}

func TestStalledSubscriberDoesNotBlockIngest(t *testing.T) {
	tr, srv := newTestTracker(t, func(cfg *config.Config) { cfg.SendQueueSize = 64 })

	stalled := mustDial(t, srv, "")
	send(t, stalled, `{"type":"subscribe_vehicles","data":{"routeIds":["1"]}}`)
	if env := next(t, stalled); env.Type != "vehicle_positions" {
		t.Fatalf("expected the snapshot first, got %+v", env)
	}
	//1.- From here on the client never reads, so its socket and queue fill up.

	base := time.Now().UTC()
	deadline := time.Now().Add(20 * time.Second)
	var worst time.Duration
	for i := 1; tr.sessions.Count() > 0; i++ {
		if time.Now().After(deadline) {
			t.Fatalf("stalled subscriber was never disconnected after %d updates", i)
		}
		update := ingest.PositionUpdate{
			VehicleID: "B1",
			RouteID:   "1",
			Location:  geo.Point{Lat: 23.8103, Lng: 90.4125},
			SpeedKmh:  25,
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
		}
		started := time.Now()
		if _, err := tr.ingestor.Ingest(context.Background(), update); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
		if took := time.Since(started); took > worst {
			worst = took
		}
	}
	if worst > 250*time.Millisecond {
		t.Fatalf("ingest blocked for %s while a stalled subscriber was torn down", worst)
	}
}
