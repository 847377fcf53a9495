package gmcast

import "fmt"

// ProtoMap is the connection registry: transport fd to owning Proto. An fd
// appears at most once; removing an entry closes its transport.
type ProtoMap struct {
	m map[int]*Proto
}

func NewProtoMap() *ProtoMap {
	return &ProtoMap{m: make(map[int]*Proto)}
}

func (pm *ProtoMap) Len() int { return len(pm.m) }

// Insert registers p under fd. A duplicate fd indicates a transport-layer
// bug and is reported as an error.
func (pm *ProtoMap) Insert(fd int, p *Proto) error {
	if _, ok := pm.m[fd]; ok {
		return fmt.Errorf("duplicate proto entry for fd %d", fd)
	}
	pm.m[fd] = p
	return nil
}

func (pm *ProtoMap) Find(fd int) (*Proto, bool) {
	p, ok := pm.m[fd]
	return p, ok
}

// Remove drops the entry and closes the underlying transport.
func (pm *ProtoMap) Remove(fd int) {
	if p, ok := pm.m[fd]; ok {
		delete(pm.m, fd)
		_ = p.tp.Close()
	}
}

// Clear destroys every entry. Used on engine close.
func (pm *ProtoMap) Clear() {
	for fd, p := range pm.m {
		delete(pm.m, fd)
		_ = p.tp.Close()
	}
}
