package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"transitbd/tracker/internal/geo"
	"transitbd/tracker/internal/ingest"
	"transitbd/tracker/internal/logging"
)

// Inbound envelope types.
const (
	TypeSubscribe      = "subscribe_vehicles"
	TypeUnsubscribe    = "unsubscribe_vehicles"
	TypeUpdatePosition = "update_position"
	TypePing           = "ping"
)

// Outbound control envelope types.
const (
	TypeAck   = "ack"
	TypeError = "error"
	TypePong  = "pong"
)

// ErrMalformed reports an inbound frame that could not be decoded.
var ErrMalformed = errors.New("malformed message")

// Inbound is the envelope clients send over a connection.
type Inbound struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// RouteSelection is the payload of subscribe and unsubscribe messages. A bare JSON
// array of route ids is accepted as well.
type RouteSelection struct {
	RouteIDs    []string   `json:"routeIds"`
	Destination *geo.Point `json:"destination,omitempty"`
}

// Ack acknowledges a subscribe or position update.
type Ack struct {
	Type      string        `json:"type"`
	RequestID string        `json:"requestId,omitempty"`
	For       string        `json:"for"`
	Accepted  bool          `json:"accepted"`
	Reason    ingest.Reason `json:"reason,omitempty"`
}

// ErrorFrame reports a message the server could not act on.
type ErrorFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Pong answers an application-level ping.
type Pong struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
}

// DecodeRouteSelection accepts either {"routeIds": [...]} or a bare array.
func DecodeRouteSelection(raw json.RawMessage) (RouteSelection, error) {
	var sel RouteSelection
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return sel, fmt.Errorf("%w: route ids are required", ErrMalformed)
	}
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &sel.RouteIDs); err != nil {
			return sel, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return sel, nil
	}
	if err := json.Unmarshal(trimmed, &sel); err != nil {
		return sel, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if sel.Destination != nil && !sel.Destination.Valid() {
		return sel, fmt.Errorf("%w: destination is not a valid coordinate", ErrMalformed)
	}
	return sel, nil
}

// HandleMessage decodes and applies one inbound frame. Protocol problems are answered
// with an error frame and do not close the connection; only ErrClosed and send failures
// are returned.
func (c *Conn) HandleMessage(ctx context.Context, raw []byte) error {
	c.MarkAlive()
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return c.replyError("", "MALFORMED", "message is not a JSON envelope")
	}
	return c.Handle(ctx, in)
}

// Handle applies one decoded inbound envelope.
func (c *Conn) Handle(ctx context.Context, in Inbound) error {
	switch in.Type {
	case TypeSubscribe:
		sel, err := DecodeRouteSelection(in.Data)
		if err != nil {
			return c.replyError(in.RequestID, "MALFORMED", err.Error())
		}
		if err := c.Subscribe(ctx, sel.RouteIDs, sel.Destination); err != nil {
			return err
		}
		c.log.Debug("subscribed", logging.Strings("route_ids", sel.RouteIDs))
		return nil
	case TypeUnsubscribe:
		sel, err := DecodeRouteSelection(in.Data)
		if err != nil {
			return c.replyError(in.RequestID, "MALFORMED", err.Error())
		}
		if err := c.Unsubscribe(ctx, sel.RouteIDs); err != nil {
			return err
		}
		return c.reply(Ack{Type: TypeAck, RequestID: in.RequestID, For: TypeUnsubscribe, Accepted: true})
	case TypeUpdatePosition:
		return c.handleUpdate(ctx, in)
	case TypePing:
		return c.reply(Pong{Type: TypePong, RequestID: in.RequestID})
	default:
		return c.replyError(in.RequestID, "UNKNOWN_TYPE", fmt.Sprintf("unsupported message type %q", in.Type))
	}
}

func (c *Conn) handleUpdate(ctx context.Context, in Inbound) error {
	ingester := c.manager.opts.Ingester
	if ingester == nil {
		return c.replyError(in.RequestID, "UNSUPPORTED", "position publishing is disabled")
	}
	if _, ok := c.Publisher(); c.manager.opts.RequirePublisher && !ok {
		return c.replyError(in.RequestID, "UNAUTHORIZED", "a publisher token is required to send positions")
	}
	var update ingest.PositionUpdate
	if err := json.Unmarshal(in.Data, &update); err != nil {
		return c.replyError(in.RequestID, "MALFORMED", "update is not a position report")
	}
	ingestCtx, cancel := context.WithTimeout(ctx, c.manager.opts.IngestTimeout)
	decision, err := ingester.Ingest(ingestCtx, update)
	cancel()
	if err != nil && ingest.ReasonOf(err) == ingest.ReasonNone {
		return c.replyError(in.RequestID, "INTERNAL", err.Error())
	}
	return c.reply(Ack{Type: TypeAck, RequestID: in.RequestID, For: TypeUpdatePosition, Accepted: decision.Accepted, Reason: decision.Reason})
}

func (c *Conn) reply(v any) error {
	frame, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(frame)
}

func (c *Conn) replyError(requestID, code, message string) error {
	return c.reply(ErrorFrame{Type: TypeError, RequestID: requestID, Code: code, Message: message})
}
