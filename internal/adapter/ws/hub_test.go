package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

type statusPayload struct {
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
}

func TestHubBroadcastNoConnections(t *testing.T) {
	hub := NewHub()
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections, got %d", hub.ConnectionCount())
	}

	// Broadcasting with no connections should not panic.
	hub.Broadcast(context.Background(), Message{Type: "test", Payload: []byte(`{"key":"value"}`)})
	hub.BroadcastEvent(context.Background(), "run.status", statusPayload{ProjectID: "p1", Status: "running"})
}

func TestHubBroadcastEventMarshalError(t *testing.T) {
	hub := NewHub()

	// A channel cannot be marshaled to JSON. Should log, not panic.
	hub.BroadcastEvent(context.Background(), "bad", make(chan int))
}

func TestHubRemoveNonexistent(t *testing.T) {
	hub := NewHub()

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.remove(&conn{cancel: cancel})
}

// dialHub connects a client to the hub and waits until it is registered.
func dialHub(t *testing.T, hub *Hub, query string) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	before := hub.ConnectionCount()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+query, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })

	for hub.ConnectionCount() == before {
		select {
		case <-ctx.Done():
			t.Fatal("connection was never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	return c
}

func readMessage(t *testing.T, c *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func TestHubDeliversEvents(t *testing.T) {
	hub := NewHub()
	c := dialHub(t, hub, "")

	hub.BroadcastEvent(context.Background(), "run.status", statusPayload{ProjectID: "p1", Status: "running"})

	msg := readMessage(t, c)
	if msg.Type != "run.status" {
		t.Errorf("type = %q, want run.status", msg.Type)
	}
	var got statusPayload
	if err := json.Unmarshal(msg.Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "running" || got.ProjectID != "p1" {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestHubFiltersByProject(t *testing.T) {
	hub := NewHub()
	c := dialHub(t, hub, "?project=p1")

	ctx := context.Background()
	hub.BroadcastEvent(ctx, "run.status", statusPayload{ProjectID: "p2", Status: "running"})
	hub.BroadcastEvent(ctx, "run.status", statusPayload{ProjectID: "p1", Status: "completed"})

	var got statusPayload
	if err := json.Unmarshal(readMessage(t, c).Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.ProjectID != "p1" || got.Status != "completed" {
		t.Errorf("expected only the p1 event, got %+v", got)
	}
}

func TestHubClose(t *testing.T) {
	hub := NewHub()
	c := dialHub(t, hub, "")

	// Close waits for the close handshake, which needs the client reading.
	closed := make(chan struct{})
	go func() {
		hub.Close()
		close(closed)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := c.Read(ctx); websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("expected going-away close, got %v", err)
	}
	<-closed
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections after Close, got %d", hub.ConnectionCount())
	}
}
