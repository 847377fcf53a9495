package gmcast

import "github.com/google/uuid"

// ViewType classifies a membership view delivered from the layer above.
type ViewType int

const (
	ViewNonPrimary ViewType = iota
	ViewPrimary
)

func (t ViewType) String() string {
	switch t {
	case ViewPrimary:
		return "PRIMARY"
	case ViewNonPrimary:
		return "NON_PRIMARY"
	default:
		return "UNKNOWN"
	}
}

// NodeInfo carries per-member metadata in a stable view.
type NodeInfo struct {
	Name string
}

// View is an externally agreed snapshot of group membership. The engine
// acts only on PRIMARY views.
type View struct {
	Type    ViewType
	Members map[uuid.UUID]NodeInfo
}

// ProtoUpMeta tags a user datagram delivered upward with its origin.
type ProtoUpMeta struct {
	Source uuid.UUID
}

// ProtoDownMeta accompanies a user datagram on its way down. GMCast fans
// out unconditionally, so there is nothing to carry yet.
type ProtoDownMeta struct{}
