package ha

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient implements HAClient interface for testing
type MockClient struct {
	states       map[string]*State
	statesMu     sync.RWMutex
	connected    bool
	connectErr   error
	serviceErr   error
	connects     int
	connMu       sync.RWMutex
	serviceCalls []ServiceCall
	callsMu      sync.Mutex
}

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		states:       make(map[string]*State),
		serviceCalls: make([]ServiceCall, 0),
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect(ctx context.Context) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if m.connectErr != nil {
		return m.connectErr
	}
	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	m.connects++
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.connected = false
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// SetConnectError makes subsequent Connect calls fail with err.
func (m *MockClient) SetConnectError(err error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.connectErr = err
}

// SetServiceError makes subsequent CallService calls fail with err.
func (m *MockClient) SetServiceError(err error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.serviceErr = err
}

// DropConnection simulates the server closing the socket.
func (m *MockClient) DropConnection() {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.connected = false
}

// ConnectCount returns how many times Connect succeeded.
func (m *MockClient) ConnectCount() int {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connects
}

// GetState retrieves a state
func (m *MockClient) GetState(ctx context.Context, entityID string) (*State, error) {
	if !m.IsConnected() {
		return nil, ErrNotConnected
	}

	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	state, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}

	copied := *state
	return &copied, nil
}

// GetAllStates retrieves all states
func (m *MockClient) GetAllStates(ctx context.Context) ([]*State, error) {
	if !m.IsConnected() {
		return nil, ErrNotConnected
	}

	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		copied := *state
		states = append(states, &copied)
	}
	return states, nil
}

// CallService records the call and applies its effect on the target entity
// the way Home Assistant would for switch-like domains.
func (m *MockClient) CallService(ctx context.Context, domain, service string, data map[string]interface{}) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}

	m.connMu.RLock()
	serviceErr := m.serviceErr
	m.connMu.RUnlock()
	if serviceErr != nil {
		return serviceErr
	}

	m.callsMu.Lock()
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	m.callsMu.Unlock()

	entityID, _ := data["entity_id"].(string)
	if entityID == "" {
		return nil
	}

	var newState string
	switch service {
	case "turn_on":
		newState = "on"
	case "turn_off":
		newState = "off"
	case "open_cover":
		newState = "open"
	case "close_cover":
		newState = "closed"
	default:
		return nil
	}
	m.SetState(entityID, newState, nil)
	return nil
}

// SetState sets a state (for testing)
func (m *MockClient) SetState(entityID, state string, attributes map[string]interface{}) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()

	now := time.Now()
	if old, ok := m.states[entityID]; ok && attributes == nil {
		attributes = old.Attributes
	}
	m.states[entityID] = &State{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
}

// GetServiceCalls returns all service calls made (for testing)
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// ClearServiceCalls clears the service call history (for testing)
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = make([]ServiceCall, 0)
}
