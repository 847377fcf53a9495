package gmcast

import (
	"time"

	"github.com/google/uuid"
)

/*
Address bookkeeping

The engine keeps two books keyed by canonical tcp:// address:

	pending - addresses we are trying to reach but have never completed a
	          handshake with (initial seed, gossip discoveries)
	remote  - addresses that have completed a handshake at least once

An address lives in at most one book at a time. The retry counter doubles
as a sentinel: -1 means freshly established or declared stable by a view,
a value above maxRetryCnt means the entry is erased on the next reconnect
sweep.
*/

// AddrEntry tracks reconnect state for one known peer address.
type AddrEntry struct {
	uuid          uuid.UUID
	retryCnt      int
	nextReconnect time.Time
	lastSeen      time.Time
}

func (ae *AddrEntry) UUID() uuid.UUID          { return ae.uuid }
func (ae *AddrEntry) RetryCnt() int            { return ae.retryCnt }
func (ae *AddrEntry) NextReconnect() time.Time { return ae.nextReconnect }
func (ae *AddrEntry) LastSeen() time.Time      { return ae.lastSeen }

// AddrList maps canonical addresses to their entries. Go's map semantics
// permit deleting the current element while ranging, which the reconnect
// sweep relies on.
type AddrList map[string]*AddrEntry

// FindByUUID returns the first entry carrying the given uuid.
func (al AddrList) FindByUUID(u uuid.UUID) (string, *AddrEntry, bool) {
	for addr, ae := range al {
		if ae.uuid == u {
			return addr, ae, true
		}
	}
	return "", nil, false
}

// UUIDs collects the uuids of all entries, skipping the nil uuid of
// entries whose peer identity is not yet known.
func (al AddrList) UUIDs() map[uuid.UUID]bool {
	out := make(map[uuid.UUID]bool, len(al))
	for _, ae := range al {
		if ae.uuid != uuid.Nil {
			out[ae.uuid] = true
		}
	}
	return out
}
