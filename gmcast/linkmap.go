package gmcast

import "github.com/google/uuid"

// LinkMap is the set of live links a node reports: peer uuid to the peer's
// listen address. It is rebuilt from the OK protos on every address update
// and never persisted.
type LinkMap map[uuid.UUID]string

// Clone returns an independent copy.
func (lm LinkMap) Clone() LinkMap {
	out := make(LinkMap, len(lm))
	for u, addr := range lm {
		out[u] = addr
	}
	return out
}

// Equal reports whether both maps contain exactly the same links.
func (lm LinkMap) Equal(other LinkMap) bool {
	if len(lm) != len(other) {
		return false
	}
	for u, addr := range lm {
		if other[u] != addr {
			return false
		}
	}
	return true
}
