package raids

import (
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

type (
	heartTimer struct {
		t   *time.Timer
		gen uint64
	}

	// A HeartMonitor tracks the liveness of ring predecessors and the set
	// of successors that expect heartbeats from this node.
	HeartMonitor struct {
		timeout time.Duration
		onDeath func(peer.ID)
		log     *zap.Logger

		mu         sync.Mutex // protects the fields below
		gen        uint64
		timers     map[peer.ID]*heartTimer
		recipients map[peer.ID]int
		cancelled  bool
	}
)

func (hm *HeartMonitor) arm(p peer.ID) {
	hm.gen++
	gen := hm.gen
	hm.timers[p] = &heartTimer{
		gen: gen,
		t:   time.AfterFunc(hm.timeout, func() { hm.fire(p, gen) }),
	}
}

func (hm *HeartMonitor) fire(p peer.ID, gen uint64) {
	hm.mu.Lock()
	ht, ok := hm.timers[p]
	if !ok || ht.gen != gen {
		// re-armed or stopped after this timer expired
		hm.mu.Unlock()
		return
	}
	delete(hm.timers, p)
	hm.mu.Unlock()

	hm.log.Info("missed heartbeat", zap.Stringer("peer", p), zap.Duration("timeout", hm.timeout))
	hm.onDeath(p)
}

// Listen starts monitoring heartbeats from p. It is a no-op if p is already
// monitored.
func (hm *HeartMonitor) Listen(p peer.ID) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.cancelled {
		return
	} else if _, ok := hm.timers[p]; ok {
		return
	}
	hm.arm(p)
}

// Beat records a heartbeat from p, restarting its timer. It returns false if
// p is not monitored.
func (hm *HeartMonitor) Beat(p peer.ID) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	ht, ok := hm.timers[p]
	if !ok {
		return false
	}
	ht.t.Stop()
	hm.arm(p)
	return true
}

// StopListening stops monitoring heartbeats from p.
func (hm *HeartMonitor) StopListening(p peer.ID) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if ht, ok := hm.timers[p]; ok {
		ht.t.Stop()
		delete(hm.timers, p)
	}
}

// Monitored returns the peers whose heartbeats are being monitored.
func (hm *HeartMonitor) Monitored() []peer.ID {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	peers := make([]peer.ID, 0, len(hm.timers))
	for p := range hm.timers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// SendTo adds a reference to p in the send registry.
func (hm *HeartMonitor) SendTo(p peer.ID) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.cancelled {
		return
	}
	hm.recipients[p]++
}

// StopSendingTo removes a reference to p from the send registry. p is
// removed when its last reference is dropped.
func (hm *HeartMonitor) StopSendingTo(p peer.ID) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if n, ok := hm.recipients[p]; !ok {
		return
	} else if n <= 1 {
		delete(hm.recipients, p)
	} else {
		hm.recipients[p] = n - 1
	}
}

// Remove removes p from the send registry regardless of its reference
// count.
func (hm *HeartMonitor) Remove(p peer.ID) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	delete(hm.recipients, p)
}

// Recipients returns the reference count of every peer in the send
// registry.
func (hm *HeartMonitor) Recipients() map[peer.ID]int {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	recipients := make(map[peer.ID]int, len(hm.recipients))
	for p, n := range hm.recipients {
		recipients[p] = n
	}
	return recipients
}

// CancelAll stops every timer and clears the send registry. The monitor
// ignores further Listen and SendTo calls.
func (hm *HeartMonitor) CancelAll() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	for p, ht := range hm.timers {
		ht.t.Stop()
		delete(hm.timers, p)
	}
	hm.recipients = make(map[peer.ID]int)
	hm.cancelled = true
}

// NewHeartMonitor returns a HeartMonitor that calls onDeath once for each
// monitored peer that does not send a heartbeat within timeout.
func NewHeartMonitor(timeout time.Duration, onDeath func(peer.ID), log *zap.Logger) *HeartMonitor {
	return &HeartMonitor{
		timeout:    timeout,
		onDeath:    onDeath,
		log:        log,
		timers:     make(map[peer.ID]*heartTimer),
		recipients: make(map[peer.ID]int),
	}
}
