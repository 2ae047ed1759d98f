package raids

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"lukechampine.com/frand"
)

const (
	repairAttempts = 5
	repairSettle   = 100 * time.Millisecond
)

var errAlreadyRepaired = errors.New("dead peer no longer in ring")

// commitRepair replaces dead with replacement in the ring of pk and stores
// the result. Members of different rings may repair the same MasterList at
// once, so the write is read back after a short random delay and reapplied
// until it sticks.
func (n *Node) commitRepair(ctx context.Context, pk PartKey, dead, replacement peer.ID, unavailable bool) (MasterList, error) {
	for attempt := 0; attempt < repairAttempts; attempt++ {
		ml, err := n.lookupMasterList(ctx, pk.FileHash)
		if err != nil {
			return MasterList{}, err
		} else if pk.Index >= len(ml.Parts) {
			return MasterList{}, fmt.Errorf("part index %d out of range", pk.Index)
		}

		ring := ml.Parts[pk.Index]
		if indexOf(ring, replacement) != -1 && indexOf(ring, dead) == -1 {
			return ml, nil
		} else if ml.Replace(pk.Index, dead, replacement) == -1 {
			return MasterList{}, errAlreadyRepaired
		}
		if unavailable {
			ml.MarkUnavailable(pk.Index, replacement)
		}
		if err := n.insertMasterList(ctx, ml); err != nil {
			return MasterList{}, err
		}

		select {
		case <-ctx.Done():
			return MasterList{}, ctx.Err()
		case <-time.After(repairSettle + time.Duration(frand.Intn(int(repairSettle)))):
		}
	}
	return MasterList{}, fmt.Errorf("repair of %v not confirmed after %d attempts", pk, repairAttempts)
}

// retryRecovery re-arms the heartbeat timer of dead while it is still this
// node's predecessor in the ring of pk.
func (n *Node) retryRecovery(dead peer.ID, pk PartKey) {
	if n.Closed() {
		return
	} else if pos, ok := n.inventory.Position(pk); !ok || pos.Predecessor != dead {
		return
	}
	n.heart.Listen(dead)
}

// recoverPart repairs the ring of pk after its member dead, this node's
// predecessor, stopped sending heartbeats. A replacement takes the dead
// peer's slot, the dead peer's predecessor is relinked to it, and the chunk
// is pushed to it from the local copy.
//
// If no replacement can be found or the repair cannot be stored, dead is
// monitored again so the next missed heartbeat window retries the recovery.
func (n *Node) recoverPart(dead peer.ID, pk PartKey) {
	log := n.log.Named("recover").With(zap.Stringer("dead", dead), zap.Stringer("part", pk))
	ctx := n.ctx

	// recoveries on this node write the same MasterLists
	n.recoverMu.Lock()
	defer n.recoverMu.Unlock()

	// the store is authoritative; another member may already have repaired
	// the ring
	ml, err := n.lookupMasterList(ctx, pk.FileHash)
	if err != nil {
		log.Error("failed to lookup master list", zap.Error(err))
		n.retryRecovery(dead, pk)
		return
	} else if pk.Index >= len(ml.Parts) {
		log.Error("part index out of range", zap.Int("parts", len(ml.Parts)))
		return
	}
	ring := ml.Parts[pk.Index]
	deadIndex := indexOf(ring, dead)
	if deadIndex == -1 {
		log.Info("dead peer no longer in ring")
		return
	}
	prevNode, _, _ := Neighbors(ring, deadIndex)

	var size int64
	pos, _ := n.inventory.Position(pk)
	if pos.LocalPath != "" {
		fi, err := os.Stat(pos.LocalPath)
		if err != nil {
			log.Warn("failed to stat local chunk", zap.Error(err))
			pos.LocalPath = ""
		} else {
			size = fi.Size()
		}
	}

	found, err := n.discovery.RequestSpace(ctx, 1, size, ring)
	if err != nil {
		log.Error("failed to find replacement", zap.Error(err))
		n.retryRecovery(dead, pk)
		return
	}
	replacement := found[0]
	log = log.With(zap.Stringer("replacement", replacement))

	ml, err = n.commitRepair(ctx, pk, dead, replacement, pos.LocalPath == "")
	if errors.Is(err, errAlreadyRepaired) {
		log.Info("dead peer no longer in ring")
		return
	} else if err != nil {
		log.Error("failed to store repaired master list", zap.Error(err))
		n.retryRecovery(dead, pk)
		return
	}

	if err := n.send(ctx, prevNode, Recover{From: n.id, Part: pk, NewSuccessor: replacement}); err != nil {
		log.Warn("failed to relink predecessor", zap.Stringer("prevNode", prevNode), zap.Error(err))
	}
	if err := n.send(ctx, replacement, MasterListDelivery{List: ml}); err != nil {
		log.Warn("failed to deliver master list to replacement", zap.Error(err))
	}

	if old, ok := n.inventory.SetPredecessor(pk, replacement); ok {
		updated := old
		updated.Predecessor = replacement
		n.relink(old, updated)
	}

	if pos.LocalPath == "" {
		log.Warn("recovery incomplete, no local copy of part")
		return
	} else if err := n.sendChunkFile(ctx, replacement, pk, pos.LocalPath); err != nil {
		log.Error("failed to push part to replacement", zap.Error(err))
		return
	}
	log.Info("recovered part")
}
