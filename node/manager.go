package node

import (
	"fmt"
	"strconv"
	"sync"
)

// Manager manages multiple local nodes, mainly for the interactive TUI.
// The first node it creates becomes the seed for every later one, so a
// freshly created node converges on the whole mesh through gossip.
type Manager struct {
	nodes       []*Node // maintain order with slice
	nodeMap     map[string]int
	mu          sync.RWMutex
	portCounter int
	nextID      int
	group       string
}

// NewManager creates a new node manager
func NewManager(group string) *Manager {
	if group == "" {
		group = DefaultGroup
	}
	base, _ := strconv.Atoi(DefaultPort)
	return &Manager{
		nodes:       make([]*Node, 0),
		nodeMap:     make(map[string]int),
		portCounter: base,
		nextID:      1,
		group:       group,
	}
}

// CreateNode creates and starts a new node
func (m *Manager) CreateNode() (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	port := m.findAvailablePort()
	nodeID := fmt.Sprintf("node-%d", m.nextID)
	m.nextID++

	config := DefaultConfig(nodeID)
	config.Group = m.group
	config.Address = "127.0.0.1"
	config.Port = strconv.Itoa(port)
	if len(m.nodes) > 0 {
		config.Seeds = []string{m.nodes[0].GetConfig().ListenAddr()}
	}

	n, err := New(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}
	if err := n.Start(); err != nil {
		return nil, fmt.Errorf("failed to start node: %w", err)
	}

	m.nodes = append(m.nodes, n)
	m.nodeMap[nodeID] = len(m.nodes) - 1
	return n, nil
}

// DeleteNode stops and removes a node by its index in the list
func (m *Manager) DeleteNode(index int) error {
	m.mu.Lock()

	if index < 0 || index >= len(m.nodes) {
		m.mu.Unlock()
		return fmt.Errorf("invalid node index: %d", index)
	}

	n := m.nodes[index]
	nodeID := n.GetConfig().NodeID

	m.nodes = append(m.nodes[:index], m.nodes[index+1:]...)
	delete(m.nodeMap, nodeID)
	for i, other := range m.nodes {
		m.nodeMap[other.GetConfig().NodeID] = i
	}

	m.mu.Unlock()

	// Stop asynchronously so the caller (TUI update) is not blocked.
	go func() {
		if err := n.Stop(); err != nil {
			fmt.Printf("error stopping node %s: %v\n", nodeID, err)
		}
	}()

	return nil
}

// GetNodes returns a list of all nodes (maintains order)
func (m *Manager) GetNodes() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := make([]*Node, len(m.nodes))
	copy(nodes, m.nodes)
	return nodes
}

func (m *Manager) findAvailablePort() int {
	port := m.portCounter
	m.portCounter++
	return port
}

// StopAll stops all nodes
func (m *Manager) StopAll() error {
	m.mu.Lock()
	nodes := make([]*Node, len(m.nodes))
	copy(nodes, m.nodes)
	m.mu.Unlock()

	var errs []error
	for _, n := range nodes {
		if err := n.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors stopping nodes: %v", errs)
	}
	return nil
}
