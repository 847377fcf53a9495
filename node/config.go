package node

import (
	"fmt"
	"net/url"

	"github.com/adamgarcia4/gmcast/gmcast"
)

// Default configuration constants
const (
	DefaultAddress = "127.0.0.1"
	DefaultPort    = gmcast.DefaultPort
	DefaultNodeID  = "node-1"
	DefaultGroup   = "default-group"
)

// Config holds the configuration for a node
type Config struct {
	// Node identification
	NodeID string
	Group  string

	// Listen endpoint for the mesh
	Address string
	Port    string

	// Seed node addresses (e.g. ["127.0.0.1:4567", "127.0.0.1:4568"]).
	// The first seed becomes the gmcast URL authority; the rest are added
	// to the pending book at startup.
	Seeds []string

	// Optional gRPC health endpoint (host:port); empty disables it.
	HealthAddr string
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig(nodeID string) *Config {
	return &Config{
		NodeID:  nodeID,
		Group:   DefaultGroup,
		Address: DefaultAddress,
		Port:    DefaultPort,
		Seeds:   []string{},
	}
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrNodeIDRequired
	}
	if c.Group == "" {
		return ErrGroupRequired
	}
	if c.Address == "" {
		return ErrAddressRequired
	}
	if c.Port == "" {
		return ErrPortRequired
	}
	return nil
}

// ListenAddr returns the mesh listen endpoint as host:port.
func (c *Config) ListenAddr() string {
	return c.Address + ":" + c.Port
}

// URL assembles the gmcast:// configuration URL the engine consumes. With
// no seeds the authority is the wildcard host, which puts the engine in
// pure listener mode.
func (c *Config) URL() string {
	authority := "0.0.0.0"
	if len(c.Seeds) > 0 {
		authority = c.Seeds[0]
	}
	q := url.Values{}
	q.Set(gmcast.OptGroup, c.Group)
	q.Set(gmcast.OptListenAddr,
		fmt.Sprintf("%s://%s", gmcast.TCPScheme, c.ListenAddr()))
	return fmt.Sprintf("%s://%s?%s", gmcast.Scheme, authority, q.Encode())
}
