package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/saveenergy/netpulse/internal/logging"
	"github.com/saveenergy/netpulse/pkg/errors"
	"github.com/saveenergy/netpulse/pkg/measure"
	"github.com/saveenergy/netpulse/pkg/netinfo"
)

// Event types pushed to run subscribers.
const (
	EventConnected  = "connected"
	EventPhaseStart = "phase_start"
	EventProgress   = "progress"
	EventPhaseEnd   = "phase_end"
	EventComplete   = "complete"
	EventError      = "error"
)

const maxReplayEvents = 256

// Event is one message on a run's stream.
type Event struct {
	Type     string                `json:"type"`
	RunID    string                `json:"run_id"`
	Phase    errors.Phase          `json:"phase,omitempty"`
	Progress *measure.Progress     `json:"progress,omitempty"`
	Summary  *measure.PhaseSummary `json:"summary,omitempty"`
	Result   *measure.Result       `json:"result,omitempty"`
	ResultID string                `json:"result_id,omitempty"`
	Error    *ErrorPayload         `json:"error,omitempty"`
	Time     int64                 `json:"time"`
}

// ErrorPayload is the wire form of a MeasurementError.
type ErrorPayload struct {
	Kind    errors.Kind  `json:"kind"`
	Phase   errors.Phase `json:"phase,omitempty"`
	Message string       `json:"message"`
}

// Terminal reports whether no further events follow e.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// Server fans run events out to websocket subscribers. Events are buffered
// per run so a subscriber that connects late still sees the whole run.
type Server struct {
	upgrader       websocket.Upgrader
	clients        map[string]map[*websocket.Conn]*clientConn
	history        map[string][]Event
	allowedOrigins []string
	pingInterval   time.Duration
	stopCh         chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
	mu             sync.RWMutex
}

type clientConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewServer() *Server {
	server := &Server{
		clients:      make(map[string]map[*websocket.Conn]*clientConn),
		history:      make(map[string][]Event),
		pingInterval: 30 * time.Second,
		stopCh:       make(chan struct{}),
	}
	server.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			server.mu.RLock()
			allowed := server.allowedOrigins
			server.mu.RUnlock()
			return netinfo.OriginAllowed(r.Header.Get("Origin"), r.Host, allowed)
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	server.startPingLoop()
	return server
}

func (s *Server) SetAllowedOrigins(origins []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowedOrigins = origins
}

func (s *Server) SetPingInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingInterval = interval
}

// HandleRun upgrades the request and streams runID's events, replaying
// anything published before the subscriber arrived.
func (s *Server) HandleRun(w http.ResponseWriter, r *http.Request, runID string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade error",
			logging.Field{Key: "error", Value: err},
			logging.Field{Key: "run_id", Value: runID})
		return
	}
	defer conn.Close()

	// Subscribers never send anything meaningful.
	conn.SetReadLimit(4096)

	client := &clientConn{conn: conn}
	client.mu.Lock()
	s.mu.Lock()
	if s.clients[runID] == nil {
		s.clients[runID] = make(map[*websocket.Conn]*clientConn)
	}
	s.clients[runID][conn] = client
	replay := append([]Event(nil), s.history[runID]...)
	s.mu.Unlock()

	err = client.writeJSONLocked(Event{Type: EventConnected, RunID: runID, Time: time.Now().Unix()})
	for i := 0; err == nil && i < len(replay); i++ {
		err = client.writeJSONLocked(replay[i])
	}
	client.mu.Unlock()
	if err != nil {
		s.removeClient(runID, conn)
		return
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.removeClient(runID, conn)
}

// Publish records ev for replay and sends it to runID's subscribers. Events
// after a terminal one are dropped.
func (s *Server) Publish(runID string, ev Event) {
	ev.RunID = runID
	if ev.Time == 0 {
		ev.Time = time.Now().Unix()
	}

	s.mu.Lock()
	hist := s.history[runID]
	if n := len(hist); n > 0 && hist[n-1].Terminal() {
		s.mu.Unlock()
		return
	}
	// A full buffer sheds progress but keeps phase boundaries.
	if len(hist) < maxReplayEvents || ev.Type != EventProgress {
		s.history[runID] = append(hist, ev)
	}
	clientList := make([]*clientConn, 0, len(s.clients[runID]))
	for _, client := range s.clients[runID] {
		clientList = append(clientList, client)
	}
	s.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		logging.Warn("WebSocket event marshal failed",
			logging.Field{Key: "run_id", Value: runID},
			logging.Field{Key: "error", Value: err})
		return
	}
	for _, client := range clientList {
		if err := client.writeMessage(websocket.TextMessage, data); err != nil {
			s.removeClient(runID, client.conn)
			client.conn.Close()
		}
	}
}

// Callbacks returns orchestrator hooks that publish phase_start, progress,
// phase_end and error events for runID. Completion is left to the caller so
// it can attach the stored result ID.
func (s *Server) Callbacks(runID string) measure.Callbacks {
	return measure.Callbacks{
		OnPhaseStart: func(phase errors.Phase) {
			s.Publish(runID, Event{Type: EventPhaseStart, Phase: phase})
		},
		OnProgress: func(phase errors.Phase, p measure.Progress) {
			s.Publish(runID, Event{Type: EventProgress, Phase: phase, Progress: &p})
		},
		OnPhaseEnd: func(phase errors.Phase, summary measure.PhaseSummary) {
			s.Publish(runID, Event{Type: EventPhaseEnd, Phase: phase, Summary: &summary})
		},
		OnError: func(err *errors.MeasurementError) {
			s.Publish(runID, ErrorEvent(err))
		},
	}
}

// ErrorEvent converts err into an error event.
func ErrorEvent(err *errors.MeasurementError) Event {
	return Event{
		Type:  EventError,
		Phase: err.Phase,
		Error: &ErrorPayload{Kind: err.Kind, Phase: err.Phase, Message: err.Message},
	}
}

// Forget drops runID's replay buffer.
func (s *Server) Forget(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, runID)
}

// Subscribers reports how many connections follow runID.
func (s *Server) Subscribers(runID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients[runID])
}

func (s *Server) startPingLoop() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		interval := s.getPingInterval()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.pingClients()
				if next := s.getPingInterval(); next != interval {
					interval = next
					ticker.Reset(interval)
				}
			}
		}
	}()
}

// Close stops the ping loop and disconnects every subscriber.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()

	s.mu.Lock()
	var conns []*websocket.Conn
	for _, runClients := range s.clients {
		for conn := range runClients {
			conns = append(conns, conn)
		}
	}
	s.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (s *Server) getPingInterval() time.Duration {
	s.mu.RLock()
	interval := s.pingInterval
	s.mu.RUnlock()
	if interval <= 0 {
		return 30 * time.Second
	}
	return interval
}

func (s *Server) pingClients() {
	type clientRef struct {
		runID  string
		client *clientConn
	}

	var refs []clientRef
	s.mu.RLock()
	for runID, runClients := range s.clients {
		for _, client := range runClients {
			refs = append(refs, clientRef{runID: runID, client: client})
		}
	}
	s.mu.RUnlock()

	for _, ref := range refs {
		if err := ref.client.writeMessage(websocket.PingMessage, nil); err != nil {
			s.removeClient(ref.runID, ref.client.conn)
			ref.client.conn.Close()
		}
	}
}

func (s *Server) removeClient(runID string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clients[runID] == nil {
		return
	}
	delete(s.clients[runID], conn)
	if len(s.clients[runID]) == 0 {
		delete(s.clients, runID)
	}
}

// writeJSONLocked requires c.mu to be held.
func (c *clientConn) writeJSONLocked(v interface{}) error {
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *clientConn) writeMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(messageType, data)
}
