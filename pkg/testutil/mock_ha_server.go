package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) write(msg interface{}) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(msg)
}

// MockHAServer simulates the parts of the Home Assistant websocket API that
// the homeassistant driver talks to.
type MockHAServer struct {
	server       *httptest.Server
	token        string
	states       map[string]*EntityState
	statesMu     sync.RWMutex
	connections  []*connWrapper
	connsMu      sync.Mutex
	serviceCalls []ServiceCall // Track all service calls for verification
	callsMu      sync.Mutex    // Protects serviceCalls
	failServices bool
}

// EntityState represents a Home Assistant entity state
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wireMessage struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

type wireRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	AccessToken string                 `json:"access_token,omitempty"`
	Domain      string                 `json:"domain,omitempty"`
	Service     string                 `json:"service,omitempty"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

// NewMockHAServer starts a mock HA server on a loopback port.
func NewMockHAServer(token string) *MockHAServer {
	s := &MockHAServer{
		token:        token,
		states:       make(map[string]*EntityState),
		serviceCalls: make([]ServiceCall, 0),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	s.server = httptest.NewServer(mux)
	return s
}

// URL returns the websocket URL clients should dial.
func (s *MockHAServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// Close stops the mock server
func (s *MockHAServer) Close() {
	s.DropConnections()
	s.server.Close()
}

// DropConnections closes every open client socket.
func (s *MockHAServer) DropConnections() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
}

// ConnectionCount returns the number of authenticated sockets.
func (s *MockHAServer) ConnectionCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.connections)
}

// SetFailServices makes every call_service return an error result.
func (s *MockHAServer) SetFailServices(fail bool) {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.failServices = fail
}

// SetState sets an entity state
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]interface{}) {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()

	if old, ok := s.states[entityID]; ok && attributes == nil {
		attributes = old.Attributes
	}
	now := time.Now()
	s.states[entityID] = &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
}

// GetState retrieves a state
func (s *MockHAServer) GetState(entityID string) *EntityState {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[entityID]
}

// handleWebSocket handles WebSocket connections
func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wrapper := &connWrapper{conn: conn}
	defer s.removeConnection(conn)

	wrapper.write(wireMessage{Type: "auth_required"})

	var auth wireRequest
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.Type != "auth" || auth.AccessToken != s.token {
		wrapper.write(wireMessage{Type: "auth_invalid"})
		return
	}

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	wrapper.write(wireMessage{Type: "auth_ok"})

	for {
		var req wireRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		switch req.Type {
		case "get_states":
			s.handleGetStates(wrapper, req)
		case "call_service":
			s.handleCallService(wrapper, req)
		default:
			fail := false
			wrapper.write(wireMessage{
				ID:      req.ID,
				Type:    "result",
				Success: &fail,
				Error:   &wireError{Code: "unknown_command", Message: "Unknown command."},
			})
		}
	}
}

func (s *MockHAServer) removeConnection(conn *websocket.Conn) {
	s.connsMu.Lock()
	for i, w := range s.connections {
		if w.conn == conn {
			s.connections = append(s.connections[:i], s.connections[i+1:]...)
			break
		}
	}
	s.connsMu.Unlock()
	conn.Close()
}

// handleGetStates handles get_states requests
func (s *MockHAServer) handleGetStates(wrapper *connWrapper, req wireRequest) {
	s.statesMu.RLock()
	states := make([]*EntityState, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, state)
	}
	statesJSON, _ := json.Marshal(states)
	s.statesMu.RUnlock()

	success := true
	wrapper.write(wireMessage{
		ID:      req.ID,
		Type:    "result",
		Success: &success,
		Result:  statesJSON,
	})
}

// handleCallService records the call and updates the target entity.
func (s *MockHAServer) handleCallService(wrapper *connWrapper, req wireRequest) {
	s.callsMu.Lock()
	fail := s.failServices
	if !fail {
		s.serviceCalls = append(s.serviceCalls, ServiceCall{
			Timestamp:   time.Now(),
			Domain:      req.Domain,
			Service:     req.Service,
			ServiceData: req.ServiceData,
		})
	}
	s.callsMu.Unlock()

	if fail {
		success := false
		wrapper.write(wireMessage{
			ID:      req.ID,
			Type:    "result",
			Success: &success,
			Error:   &wireError{Code: "home_assistant_error", Message: "Service call failed"},
		})
		return
	}

	entityID, _ := req.ServiceData["entity_id"].(string)
	if entityID != "" && s.GetState(entityID) != nil {
		switch req.Service {
		case "turn_on":
			s.SetState(entityID, "on", nil)
		case "turn_off":
			s.SetState(entityID, "off", nil)
		case "open_cover":
			s.SetState(entityID, "open", nil)
		case "close_cover":
			s.SetState(entityID, "closed", nil)
		}
	}

	success := true
	wrapper.write(wireMessage{
		ID:      req.ID,
		Type:    "result",
		Success: &success,
	})
}

// GetServiceCalls returns all service calls since last clear
func (s *MockHAServer) GetServiceCalls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	calls := make([]ServiceCall, len(s.serviceCalls))
	copy(calls, s.serviceCalls)
	return calls
}

// ClearServiceCalls resets the service call log
func (s *MockHAServer) ClearServiceCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.serviceCalls = nil
}
