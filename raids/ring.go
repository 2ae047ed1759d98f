package raids

import (
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

type (
	// A RingPosition is a node's place in the ring of one chunk.
	RingPosition struct {
		Part PartKey `json:"part"`
		// LocalPath is empty until the chunk's data arrives.
		LocalPath   string  `json:"localPath,omitempty"`
		Predecessor peer.ID `json:"predecessor,omitempty"`
		Successor   peer.ID `json:"successor,omitempty"`
		// Tail is true for the last member of the ring.
		Tail bool `json:"tail"`
		// Forwarded is true once the chunk's data has been cascaded to the
		// successor.
		Forwarded bool `json:"forwarded"`
	}

	// A PositionUpdate is the result of applying a MasterList to one
	// tracked position.
	PositionUpdate struct {
		Old RingPosition
		New RingPosition
	}

	// An Inventory tracks a node's ring positions. Positions are created by
	// whichever of MasterList delivery or chunk data arrives first and
	// patched by the other.
	Inventory struct {
		mu        sync.Mutex
		positions map[PartKey]*RingPosition
	}
)

// Linked reports whether the position's ring neighbors are known.
func (rp RingPosition) Linked() bool {
	return rp.Successor != "" && rp.Predecessor != ""
}

// Neighbors returns the predecessor and successor of the member at index i of
// ring and whether that member is the ring's tail.
func Neighbors(ring []peer.ID, i int) (pred, succ peer.ID, tail bool) {
	n := len(ring)
	pred = ring[(i-1+n)%n]
	succ = ring[(i+1)%n]
	return pred, succ, i == n-1
}

// Positions returns every ring position self holds in ml.
func Positions(ml MasterList, self peer.ID) []RingPosition {
	var positions []RingPosition
	for index, ring := range ml.Parts {
		i := indexOf(ring, self)
		if i == -1 {
			continue
		}
		pred, succ, tail := Neighbors(ring, i)
		positions = append(positions, RingPosition{
			Part:        ml.PartKey(index),
			Predecessor: pred,
			Successor:   succ,
			Tail:        tail,
		})
	}
	return positions
}

// Apply merges the positions self holds in ml into the inventory. Neighbors
// are overwritten; local paths are preserved.
func (inv *Inventory) Apply(ml MasterList, self peer.ID) []PositionUpdate {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	var updates []PositionUpdate
	for _, pos := range Positions(ml, self) {
		existing, ok := inv.positions[pos.Part]
		if !ok {
			p := pos
			inv.positions[pos.Part] = &p
			updates = append(updates, PositionUpdate{New: p})
			continue
		}
		old := *existing
		existing.Predecessor = pos.Predecessor
		existing.Successor = pos.Successor
		existing.Tail = pos.Tail
		updates = append(updates, PositionUpdate{Old: old, New: *existing})
	}
	return updates
}

// SetLocalPath records the local path of a chunk's data, creating the
// position if no MasterList has been applied for it yet. It returns the
// updated position and whether data was already held.
func (inv *Inventory) SetLocalPath(pk PartKey, path string) (RingPosition, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	pos, ok := inv.positions[pk]
	if !ok {
		pos = &RingPosition{Part: pk}
		inv.positions[pk] = pos
	}
	had := pos.LocalPath != ""
	pos.LocalPath = path
	return *pos, had
}

// Restore records a chunk held before a restart. The chunk is treated as
// already forwarded.
func (inv *Inventory) Restore(pk PartKey, path string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	pos, ok := inv.positions[pk]
	if !ok {
		pos = &RingPosition{Part: pk}
		inv.positions[pk] = pos
	}
	pos.LocalPath = path
	pos.Forwarded = true
}

// MarkForwarded marks the position's data as forwarded if it is ready to be
// cascaded: data is held, the successor is known, and the position is not
// the ring's tail. It returns the position and true if the caller should
// forward the data.
func (inv *Inventory) MarkForwarded(pk PartKey) (RingPosition, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	pos, ok := inv.positions[pk]
	if !ok || pos.Forwarded || pos.Tail || pos.LocalPath == "" || pos.Successor == "" {
		return RingPosition{}, false
	}
	pos.Forwarded = true
	return *pos, true
}

// SetSuccessor replaces the successor of a tracked position. It returns the
// position before the change.
func (inv *Inventory) SetSuccessor(pk PartKey, succ peer.ID) (RingPosition, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	pos, ok := inv.positions[pk]
	if !ok {
		return RingPosition{}, false
	}
	old := *pos
	pos.Successor = succ
	return old, true
}

// SetPredecessor replaces the predecessor of a tracked position. It returns
// the position before the change.
func (inv *Inventory) SetPredecessor(pk PartKey, pred peer.ID) (RingPosition, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	pos, ok := inv.positions[pk]
	if !ok {
		return RingPosition{}, false
	}
	old := *pos
	pos.Predecessor = pred
	return old, true
}

// Position returns the position of a chunk.
func (inv *Inventory) Position(pk PartKey) (RingPosition, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	pos, ok := inv.positions[pk]
	if !ok {
		return RingPosition{}, false
	}
	return *pos, true
}

// Positions returns every tracked position ordered by PartKey.
func (inv *Inventory) Positions() []RingPosition {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	positions := make([]RingPosition, 0, len(inv.positions))
	for _, pos := range inv.positions {
		positions = append(positions, *pos)
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].Part.FileHash != positions[j].Part.FileHash {
			return positions[i].Part.FileHash < positions[j].Part.FileHash
		}
		return positions[i].Part.Index < positions[j].Part.Index
	})
	return positions
}

// WithPredecessor returns the positions whose predecessor is p.
func (inv *Inventory) WithPredecessor(p peer.ID) []RingPosition {
	var positions []RingPosition
	for _, pos := range inv.Positions() {
		if pos.Predecessor == p {
			positions = append(positions, pos)
		}
	}
	return positions
}

// WithSuccessor returns the positions whose successor is p.
func (inv *Inventory) WithSuccessor(p peer.ID) []RingPosition {
	var positions []RingPosition
	for _, pos := range inv.Positions() {
		if pos.Successor == p {
			positions = append(positions, pos)
		}
	}
	return positions
}

// NewInventory returns an empty inventory.
func NewInventory() *Inventory {
	return &Inventory{
		positions: make(map[PartKey]*RingPosition),
	}
}
