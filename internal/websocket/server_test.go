package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/saveenergy/netpulse/pkg/errors"
	"github.com/saveenergy/netpulse/pkg/measure"
)

func newRunServer(t *testing.T, s *Server) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.HandleRun(w, r, strings.TrimPrefix(r.URL.Path, "/"))
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, header http.Header) *gorillaws.Conn {
	t.Helper()
	conn, _, err := gorillaws.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *gorillaws.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	return ev
}

func waitSubscribers(t *testing.T, s *Server, runID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Subscribers(runID) != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d want %d", s.Subscribers(runID), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerReplaysEarlierEvents(t *testing.T) {
	s := NewServer()
	defer s.Close()
	url := newRunServer(t, s)

	cb := s.Callbacks("run-1")
	cb.OnPhaseStart(errors.PhasePing)
	cb.OnProgress(errors.PhasePing, measure.Progress{Index: 1, Total: 2, Value: 12.5})

	conn := dial(t, url+"/run-1", nil)
	want := []string{EventConnected, EventPhaseStart, EventProgress}
	for _, typ := range want {
		if ev := readEvent(t, conn); ev.Type != typ || ev.RunID != "run-1" {
			t.Fatalf("got %s/%s want %s", ev.Type, ev.RunID, typ)
		}
	}

	waitSubscribers(t, s, "run-1", 1)
	cb.OnError(errors.New(errors.KindTimeout, errors.PhaseDownload, nil))
	ev := readEvent(t, conn)
	if ev.Type != EventError || ev.Error == nil || ev.Error.Kind != errors.KindTimeout || ev.Phase != errors.PhaseDownload {
		t.Fatalf("unexpected error event %+v", ev)
	}
}

func TestServerDropsEventsAfterTerminal(t *testing.T) {
	s := NewServer()
	defer s.Close()

	s.Publish("r", Event{Type: EventComplete})
	s.Publish("r", Event{Type: EventProgress})

	s.mu.RLock()
	n := len(s.history["r"])
	s.mu.RUnlock()
	if n != 1 {
		t.Fatalf("history = %d events, want 1", n)
	}

	s.Forget("r")
	s.mu.RLock()
	_, ok := s.history["r"]
	s.mu.RUnlock()
	if ok {
		t.Fatal("Forget should drop the replay buffer")
	}
}

func TestServerShedsProgressWhenFull(t *testing.T) {
	s := NewServer()
	defer s.Close()
	for i := 0; i < maxReplayEvents+10; i++ {
		s.Publish("r", Event{Type: EventProgress})
	}
	s.Publish("r", Event{Type: EventPhaseEnd})

	s.mu.RLock()
	hist := s.history["r"]
	s.mu.RUnlock()
	if len(hist) != maxReplayEvents+1 || hist[len(hist)-1].Type != EventPhaseEnd {
		t.Fatalf("history len = %d", len(hist))
	}
}

func TestServerRejectsForeignOrigin(t *testing.T) {
	s := NewServer()
	defer s.Close()
	s.SetAllowedOrigins([]string{"*.example.com"})
	url := newRunServer(t, s)

	header := http.Header{"Origin": {"https://evil.test"}}
	if _, resp, err := gorillaws.DefaultDialer.Dial(url+"/r", header); err == nil {
		t.Fatal("expected handshake to fail")
	} else if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unexpected response %v", resp)
	}

	dial(t, url+"/r", http.Header{"Origin": {"https://app.example.com"}})
}
