package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/checkoutguard/internal/logging"
)

func testHub() *Hub {
	return NewHub(logging.Discard(), nil)
}

func intp(v int) *int { return &v }

func runHub(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
}

func addClient(t *testing.T, h *Hub, sub Subscription) *Client {
	t.Helper()
	client := &Client{hub: h, send: make(chan []byte, 16), sub: sub}
	h.register <- client
	return client
}

func TestShouldSend(t *testing.T) {
	decisionBlock := &Event{Type: EventDecision, riskScore: intp(85), recommendation: "block"}
	decisionAllow := &Event{Type: EventDecision, riskScore: intp(10), recommendation: "allow"}
	captcha := &Event{Type: EventCaptcha}

	tests := []struct {
		name string
		sub  Subscription
		ev   *Event
		want bool
	}{
		{"all events", Subscription{AllEvents: true}, decisionAllow, true},
		{"empty subscription", Subscription{}, captcha, true},
		{"type match", Subscription{EventTypes: []EventType{EventDecision}}, decisionBlock, true},
		{"type mismatch", Subscription{EventTypes: []EventType{EventDecision}}, captcha, false},
		{"recommendation match", Subscription{Recommendations: []string{"block"}}, decisionBlock, true},
		{"recommendation mismatch", Subscription{Recommendations: []string{"block"}}, decisionAllow, false},
		{"recommendation ignores unscored", Subscription{Recommendations: []string{"block"}}, captcha, true},
		{"min score pass", Subscription{MinRiskScore: 70}, decisionBlock, true},
		{"min score skip", Subscription{MinRiskScore: 70}, decisionAllow, false},
		{"min score ignores unscored", Subscription{MinRiskScore: 70}, captcha, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldSend(&Client{sub: tt.sub}, tt.ev))
		})
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://console.shop.example"})

	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://api.shop.example/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, check(req("")), "non-browser")
	assert.True(t, check(req("http://api.shop.example")), "same host")
	assert.True(t, check(req("https://console.shop.example")), "allowed")
	assert.False(t, check(req("https://evil.example")))

	assert.True(t, originChecker([]string{"*"})(req("https://evil.example")))
}

func TestHub_PublishLiftsFilterFields(t *testing.T) {
	h := testHub()
	runHub(t, h)

	blocks := addClient(t, h, Subscription{Recommendations: []string{"block"}})
	all := addClient(t, h, Subscription{AllEvents: true})

	h.Publish("decision", map[string]any{"validationId": "val_1", "riskScore": 20, "recommendation": "allow"})
	h.Publish("decision", map[string]any{"validationId": "val_2", "riskScore": 90, "recommendation": "block"})

	for _, want := range []string{"val_1", "val_2"} {
		select {
		case msg := <-all.send:
			var ev struct {
				Type string         `json:"type"`
				Data map[string]any `json:"data"`
			}
			require.NoError(t, json.Unmarshal(msg, &ev))
			assert.Equal(t, "decision", ev.Type)
			assert.Equal(t, want, ev.Data["validationId"])
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}

	select {
	case msg := <-blocks.send:
		assert.Contains(t, string(msg), "val_2")
	case <-time.After(time.Second):
		t.Fatal("block subscriber should receive the block decision")
	}
	select {
	case msg := <-blocks.send:
		t.Fatalf("unexpected message %s", msg)
	default:
	}

	assert.Equal(t, int64(2), h.Stats()["totalEvents"])
}

func TestHub_PublishUnencodable(t *testing.T) {
	h := testHub()
	h.Publish("decision", make(chan int))
	assert.Empty(t, h.broadcast)
}

func TestHub_DropsSlowClients(t *testing.T) {
	h := testHub()
	runHub(t, h)

	slow := &Client{hub: h, send: make(chan []byte), sub: Subscription{AllEvents: true}}
	h.register <- slow

	h.Publish("captcha", map[string]any{"success": true})

	require.Eventually(t, func() bool {
		return h.Stats()["connectedClients"] == 0
	}, time.Second, 10*time.Millisecond)

	_, open := <-slow.send
	assert.False(t, open)
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	runHub(t, h)

	client := addClient(t, h, Subscription{AllEvents: true})
	require.Eventually(t, func() bool {
		return h.Stats()["connectedClients"] == 1
	}, time.Second, 10*time.Millisecond)

	h.unregister <- client
	require.Eventually(t, func() bool {
		return h.Stats()["connectedClients"] == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"])
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := testHub()
	runHub(t, h)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Subscription{EventTypes: []EventType{EventProceeded}}))
	require.Eventually(t, func() bool {
		return h.Stats()["connectedClients"] == 1
	}, time.Second, 10*time.Millisecond)
	// Let readPump apply the subscription before publishing.
	time.Sleep(50 * time.Millisecond)

	h.Publish("decision", map[string]any{"riskScore": 5})
	h.Publish("proceeded", map[string]any{"validationId": "val_9", "matched": true})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "proceeded", ev.Type)
	assert.Equal(t, "val_9", ev.Data["validationId"])
}

func TestHub_RejectsUpgradeAfterShutdown(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	cancel()
	<-h.done

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
