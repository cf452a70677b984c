package signaling_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshlink/internal/signaling"
)

// startRelay runs a relay behind an httptest server and returns its
// websocket URL.
func startRelay(t *testing.T, iceServers []webrtc.ICEServer) (*signaling.Relay, *httptest.Server, string) {
	t.Helper()

	relay := signaling.NewRelay(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go relay.Run(ctx)

	srv := httptest.NewServer(signaling.NewRouter(relay, iceServers))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	return relay, srv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// dial connects a raw websocket client and returns it with its joined frame.
func dial(t *testing.T, url string) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, readFrame(t, conn)
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return string(data)
}

// waitForIdentities polls until the relay's registry equals want.
func waitForIdentities(t *testing.T, relay *signaling.Relay, want []int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		ids, err := relay.Identities(context.Background())
		if err != nil {
			t.Fatalf("Identities: %v", err)
		}
		if slices.Equal(ids, want) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("identities: got %v, want %v", ids, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestJoinedListsOthers verifies each new client learns every other
// identity and never itself.
func TestJoinedListsOthers(t *testing.T) {
	relay, _, url := startRelay(t, nil)

	want := []string{
		`{"pType":"joined","ids":[]}`,
		`{"pType":"joined","ids":[0]}`,
		`{"pType":"joined","ids":[0,1]}`,
	}
	for i, w := range want {
		if _, joined := dial(t, url); joined != w {
			t.Errorf("client %d joined: got %s, want %s", i, joined, w)
		}
	}

	waitForIdentities(t, relay, []int{0, 1, 2})
}

// TestJoinedAfterDepartures verifies a newcomer sees exactly the identities
// still connected, here 3 and 7.
func TestJoinedAfterDepartures(t *testing.T) {
	relay, _, url := startRelay(t, nil)

	conns := make([]*websocket.Conn, 8)
	for i := range conns {
		conns[i], _ = dial(t, url)
	}
	waitForIdentities(t, relay, []int{0, 1, 2, 3, 4, 5, 6, 7})

	for i, conn := range conns {
		if i != 3 && i != 7 {
			conn.Close()
		}
	}
	waitForIdentities(t, relay, []int{3, 7})

	if _, joined := dial(t, url); joined != `{"pType":"joined","ids":[3,7]}` {
		t.Fatalf("joined: got %s", joined)
	}
	waitForIdentities(t, relay, []int{3, 7, 8})
}

// TestRelayRoutesByIdentity verifies an envelope reaches only its target,
// payload unchanged and clientId rewritten to the true sender.
func TestRelayRoutesByIdentity(t *testing.T) {
	relay, _, url := startRelay(t, nil)

	conns := make([]*websocket.Conn, 6)
	for i := range conns {
		conns[i], _ = dial(t, url)
	}
	waitForIdentities(t, relay, []int{0, 1, 2, 3, 4, 5})

	sent := `{"pType":"sdp","clientId":5,"sdp":{"type":"offer","sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\n"}}`
	if err := conns[2].WriteMessage(websocket.TextMessage, []byte(sent)); err != nil {
		t.Fatalf("write: %v", err)
	}

	var got, want map[string]any
	if err := json.Unmarshal([]byte(readFrame(t, conns[5])), &got); err != nil {
		t.Fatalf("target received invalid JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(sent), &want); err != nil {
		t.Fatal(err)
	}
	want["clientId"] = float64(2)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("relayed envelope:\n got %v\nwant %v", got, want)
	}

	// Nobody else hears it.
	for i, conn := range conns {
		if i == 5 {
			continue
		}
		conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
		if _, data, err := conn.ReadMessage(); err == nil {
			t.Errorf("client %d unexpectedly received %s", i, data)
		}
	}
}

// TestSpoofedSenderRewritten verifies a client cannot claim another origin.
func TestSpoofedSenderRewritten(t *testing.T) {
	relay, _, url := startRelay(t, nil)

	a, _ := dial(t, url)
	b, _ := dial(t, url)
	waitForIdentities(t, relay, []int{0, 1})

	// Client 1 addresses client 0; the frame carries the target, not a
	// sender, so the relay must stamp 1.
	if err := b.WriteMessage(websocket.TextMessage, []byte(`{"pType":"ice","clientId":0,"ice":{"candidate":"c"}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	var env signaling.Envelope
	if err := json.Unmarshal([]byte(readFrame(t, a)), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.ClientID != 1 || env.Type != signaling.TypeICE || env.ICE == nil || env.ICE.Candidate != "c" {
		t.Errorf("relayed envelope: %+v", env)
	}
}

// TestUnknownTargetDropped verifies envelopes to absent identities vanish
// without disturbing the sender.
func TestUnknownTargetDropped(t *testing.T) {
	relay, _, url := startRelay(t, nil)

	a, _ := dial(t, url)
	b, _ := dial(t, url)
	waitForIdentities(t, relay, []int{0, 1})

	for _, frame := range []string{
		`{"pType":"sdp","clientId":99,"sdp":{"type":"offer","sdp":"x"}}`,
		`{"pType":"ice","ice":{"candidate":"no target"}}`,
		`{"pType":"ice","clientId":"0","ice":{"candidate":"string target"}}`,
	} {
		if err := a.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"pType":"ice","clientId":1,"ice":{"candidate":"after"}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readFrame(t, b); !strings.Contains(got, `"after"`) {
		t.Fatalf("follow-up envelope: got %s", got)
	}
	waitForIdentities(t, relay, []int{0, 1})
}

// TestMalformedEnvelopeClosesConnection verifies non-JSON input is a
// protocol violation that ends only the offending client.
func TestMalformedEnvelopeClosesConnection(t *testing.T) {
	testCases := []struct {
		name  string
		frame string
	}{
		{"not json", `{"pType":`},
		{"json array", `[1,2,3]`},
		{"json null", `null`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			relay, _, url := startRelay(t, nil)

			good, _ := dial(t, url)
			bad, _ := dial(t, url)
			waitForIdentities(t, relay, []int{0, 1})

			if err := bad.WriteMessage(websocket.TextMessage, []byte(tc.frame)); err != nil {
				t.Fatalf("write: %v", err)
			}

			bad.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, _, err := bad.ReadMessage()
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
				t.Fatalf("expected policy violation close, got %v", err)
			}

			waitForIdentities(t, relay, []int{0})

			// The well-behaved client is unaffected.
			if err := good.WriteMessage(websocket.TextMessage, []byte(`{"pType":"ice","clientId":0,"ice":{"candidate":"self"}}`)); err != nil {
				t.Fatalf("write: %v", err)
			}
			if got := readFrame(t, good); !strings.Contains(got, `"self"`) {
				t.Errorf("good client: got %s", got)
			}
		})
	}
}

// TestHealthAndTurn verifies the HTTP endpoints served next to the relay.
func TestHealthAndTurn(t *testing.T) {
	turn := webrtc.ICEServer{
		URLs:       []string{"turn:turn.example.com:3478"},
		Username:   "mesh",
		Credential: "secret",
	}
	relay, srv, url := startRelay(t, []webrtc.ICEServer{turn})

	dial(t, url)
	dial(t, url)
	waitForIdentities(t, relay, []int{0, 1})

	var health struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	getJSON(t, srv.URL+"/health", &health)
	if health.Status != "ok" || health.Clients != 2 {
		t.Errorf("health: %+v", health)
	}

	var ice struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username"`
		Credential string   `json:"credential"`
	}
	getJSON(t, srv.URL+"/api/turn", &ice)
	if !slices.Equal(ice.URLs, turn.URLs) || ice.Username != "mesh" || ice.Credential != "secret" {
		t.Errorf("turn: %+v", ice)
	}

	_, empty, _ := startRelay(t, nil)
	var none map[string]any
	getJSON(t, empty.URL+"/api/turn", &none)
	if none["urls"] != "" {
		t.Errorf("turn without servers: %v", none)
	}
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("GET %s: decode: %v", url, err)
	}
}

// TestRelayStopsOnCancel verifies cancelling Run disconnects clients and
// makes queries fail.
func TestRelayStopsOnCancel(t *testing.T) {
	relay := signaling.NewRelay(nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(stopped)
	}()

	srv := httptest.NewServer(signaling.NewRouter(relay, nil))
	defer srv.Close()

	conn, _ := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws")

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection to close")
	}

	if _, err := relay.Identities(context.Background()); !errors.Is(err, signaling.ErrClosed) {
		t.Errorf("Identities after stop: got %v, want ErrClosed", err)
	}
}
