package transport

import "testing"

func TestWebsocketURL(t *testing.T) {
	cases := []struct {
		base, path, want string
	}{
		{"http://localhost:3001", "/ws-blueprints", "ws://localhost:3001/ws-blueprints"},
		{"https://example.com/", "/ws-blueprints", "wss://example.com/ws-blueprints"},
		{"http://example.com/rt", "/socket.io/", "ws://example.com/rt/socket.io/"},
		{"ws://127.0.0.1:9000", "/x", "ws://127.0.0.1:9000/x"},
	}
	for _, tc := range cases {
		got, err := WebsocketURL(tc.base, tc.path)
		if err != nil {
			t.Fatalf("WebsocketURL(%q) failed: %v", tc.base, err)
		}
		if got != tc.want {
			t.Errorf("WebsocketURL(%q, %q) = %q, want %q", tc.base, tc.path, got, tc.want)
		}
	}

	for _, bad := range []string{"ftp://host", "localhost:3001", "http://"} {
		if _, err := WebsocketURL(bad, "/x"); err == nil {
			t.Errorf("WebsocketURL(%q) should fail", bad)
		}
	}
}
