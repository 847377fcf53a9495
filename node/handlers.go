package node

import (
	"encoding/json"
	"net/http"
	"os"
	"time"
)

// Healthz returns 200 OK to indicate the node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON snapshot of the node's mesh state.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID        int               `json:"pid"`
		Now        time.Time         `json:"now"`
		NodeID     string            `json:"node_id"`
		UUID       string            `json:"uuid"`
		Group      string            `json:"group"`
		ListenAddr string            `json:"listen_addr"`
		Peers      int               `json:"peers"`
		Topology   map[string]string `json:"topology"`
	}

	topo := make(map[string]string)
	for u, addr := range n.Topology() {
		topo[u.String()] = addr
	}

	data, _ := json.Marshal(resp{
		PID:        os.Getpid(),
		Now:        time.Now(),
		NodeID:     n.config.NodeID,
		UUID:       n.UUID().String(),
		Group:      n.config.Group,
		ListenAddr: n.ListenAddr(),
		Peers:      n.NumPeers(),
		Topology:   topo,
	})
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
