package main

import "testing"

func TestListenerURL(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		address string
		tls     bool
		want    string
		wantWS  string
	}{
		"default_port_only":    {address: ":8080", want: "http://localhost:8080", wantWS: "ws://localhost:8080/ws"},
		"explicit_localhost":   {address: "localhost:8000", want: "http://localhost:8000", wantWS: "ws://localhost:8000/ws"},
		"explicit_ipv4_any":    {address: "0.0.0.0:9000", want: "http://localhost:9000", wantWS: "ws://localhost:9000/ws"},
		"explicit_ipv4_local":  {address: "127.0.0.1:8080", want: "http://127.0.0.1:8080", wantWS: "ws://127.0.0.1:8080/ws"},
		"explicit_ipv6_any":    {address: "[::]:8080", want: "http://localhost:8080", wantWS: "ws://localhost:8080/ws"},
		"explicit_ipv6_custom": {address: "[2001:db8::1]:8080", want: "http://[2001:db8::1]:8080", wantWS: "ws://[2001:db8::1]:8080/ws"},
		"tls_enabled":          {address: ":8443", tls: true, want: "https://localhost:8443", wantWS: "wss://localhost:8443/ws"},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if got := listenerURL(tc.address, tc.tls); got != tc.want {
				t.Fatalf("listenerURL(%q, %t) = %q, want %q", tc.address, tc.tls, got, tc.want)
			}
			if got := websocketURL(tc.address, tc.tls); got != tc.wantWS {
				t.Fatalf("websocketURL(%q, %t) = %q, want %q", tc.address, tc.tls, got, tc.wantWS)
			}
		})
	}
}

func TestNormaliseHostPortNoPort(t *testing.T) {
	t.Parallel()

	got := normaliseHostPort("")
	if got != "localhost" {
		t.Fatalf("expected localhost for empty address, got %q", got)
	}
}
