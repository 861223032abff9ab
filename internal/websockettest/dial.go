// Package websockettest holds websocket client helpers for tracker tests.
package websockettest

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// URL converts an httptest server URL into the tracker's websocket endpoint.
func URL(serverURL, query string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws" + query
}

// DialUnresponsive connects and then swallows liveness probes without answering, so
// tests can watch the server give up on a silent subscriber.
func DialUnresponsive(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(urlStr, header)
	if err != nil {
		return nil, resp, err
	}
	conn.SetPingHandler(func(string) error { return nil })
	conn.SetPongHandler(func(string) error { return nil })
	return conn, resp, nil
}
