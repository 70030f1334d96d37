package channel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeCoordinator upgrades every request to a websocket and lets the test
// script the replies it sends back for join/push frames.
type fakeCoordinator struct {
	upgrader websocket.Upgrader
	handle   func(conn *websocket.Conn, env envelope)
}

func newFakeCoordinator(t *testing.T, handle func(conn *websocket.Conn, env envelope)) *httptest.Server {
	t.Helper()
	fc := &fakeCoordinator{handle: handle}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := fc.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		for {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			fc.handle(conn, env)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func replyOK(conn *websocket.Conn, env envelope, response any) {
	data, _ := json.Marshal(response)
	reply, _ := json.Marshal(Reply{Status: StatusOK, Payload: data})
	_ = conn.WriteJSON(envelope{JoinRef: env.JoinRef, Ref: env.Ref, Topic: env.Topic, Event: "phx_reply", Payload: reply})
}

func replyError(conn *websocket.Conn, env envelope, reason string) {
	data, _ := json.Marshal(reason)
	reply, _ := json.Marshal(Reply{Status: StatusError, Payload: data})
	_ = conn.WriteJSON(envelope{JoinRef: env.JoinRef, Ref: env.Ref, Topic: env.Topic, Event: "phx_reply", Payload: reply})
}

func TestJoinOK(t *testing.T) {
	srv := newFakeCoordinator(t, func(conn *websocket.Conn, env envelope) {
		if env.Event == "phx_join" {
			replyOK(conn, env, map[string]string{"status": "joined"})
		}
	})

	ch, err := Dial(wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	resp, err := ch.Join("attempt:123", "tok")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal(resp, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["status"] != "joined" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestJoinError(t *testing.T) {
	srv := newFakeCoordinator(t, func(conn *websocket.Conn, env envelope) {
		if env.Event == "phx_join" {
			replyError(conn, env, "invalid-token")
		}
	})

	ch, err := Dial(wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	_, err = ch.Join("attempt:123", "bad-token")
	if err == nil || !strings.Contains(err.Error(), "invalid-token") {
		t.Fatalf("expected invalid-token error, got %v", err)
	}
}

func TestGetWithReply(t *testing.T) {
	srv := newFakeCoordinator(t, func(conn *websocket.Conn, env envelope) {
		switch env.Event {
		case "phx_join":
			replyOK(conn, env, map[string]string{})
		case EventGetAttempt:
			replyOK(conn, env, map[string]any{"id": "plan-1"})
		}
	})

	ch, err := Dial(wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()
	if _, err := ch.Join("attempt:123", "tok"); err != nil {
		t.Fatalf("join: %v", err)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := ch.GetWithReply(EventGetAttempt, struct{}{}, &out); err != nil {
		t.Fatalf("get_attempt: %v", err)
	}
	if out.ID != "plan-1" {
		t.Fatalf("unexpected id: %s", out.ID)
	}
}

func TestPushAckReceivers(t *testing.T) {
	srv := newFakeCoordinator(t, func(conn *websocket.Conn, env envelope) {
		switch env.Event {
		case "phx_join":
			replyOK(conn, env, map[string]string{})
		case EventAttemptStart:
			replyOK(conn, env, map[string]string{})
		}
	})

	ch, err := Dial(wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()
	if _, err := ch.Join("attempt:123", "tok"); err != nil {
		t.Fatalf("join: %v", err)
	}

	ack, err := ch.Push(EventAttemptStart, struct{}{})
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	done := make(chan struct{})
	ack.Receive(StatusOK, func(json.RawMessage) { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
}
