package raids

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

type (
	inbound struct {
		from peer.ID
		msg  Message
	}

	// NodeStatus is a snapshot of a node's ring bookkeeping.
	NodeStatus struct {
		ID         peer.ID         `json:"id"`
		Username   string          `json:"username"`
		Closed     bool            `json:"closed"`
		Used       int64           `json:"used"`
		Positions  []RingPosition  `json:"positions"`
		Monitored  []peer.ID       `json:"monitored"`
		Recipients map[peer.ID]int `json:"recipients"`
	}

	// A Node is a member of the storage overlay. Inbound protocol messages
	// are handled one at a time in the order they are received.
	Node struct {
		id       peer.ID
		username string
		dir      string

		store   Store
		network Network
		chunks  ChunkStore
		log     *zap.Logger
		opts    options

		inventory *Inventory
		heart     *HeartMonitor
		discovery *Discovery
		lists     *lru.Cache[string, MasterList]

		ctx    context.Context
		cancel context.CancelFunc
		inbox  chan inbound
		wg     sync.WaitGroup

		recoverMu sync.Mutex

		mu       sync.Mutex // protects the fields below
		expected map[PartKey]chan partArrival
		used     int64
		closed   bool
	}
)

var _ Handler = (*Node)(nil)

// ID returns the node's peer ID.
func (n *Node) ID() peer.ID {
	return n.id
}

// Username returns the user the node uploads files for.
func (n *Node) Username() string {
	return n.username
}

// Closed reports whether the node has been closed.
func (n *Node) Closed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// Status returns a snapshot of the node's state.
func (n *Node) Status() NodeStatus {
	n.mu.Lock()
	closed, used := n.closed, n.used
	n.mu.Unlock()

	return NodeStatus{
		ID:         n.id,
		Username:   n.username,
		Closed:     closed,
		Used:       used,
		Positions:  n.inventory.Positions(),
		Monitored:  n.heart.Monitored(),
		Recipients: n.heart.Recipients(),
	}
}

// Close stops the node's heartbeats and timers. Messages received after
// Close are dropped.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.cancel()
	n.heart.CancelAll()
	n.wg.Wait()
	return nil
}

// HandleMessage queues a protocol message for handling.
func (n *Node) HandleMessage(from peer.ID, msg Message) {
	if n.Closed() {
		return
	}
	select {
	case n.inbox <- inbound{from: from, msg: msg}:
	case <-n.ctx.Done():
	}
}

// HandleStorageRequest answers a published storage request.
func (n *Node) HandleStorageRequest(ctx context.Context, req StorageRequest) {
	if n.Closed() {
		return
	}
	n.discovery.HandleRequest(ctx, req)
}

// HandleStorageReply collects a reply to one of the node's storage
// requests.
func (n *Node) HandleStorageReply(req StorageRequest) {
	if n.Closed() {
		return
	}
	n.discovery.HandleReply(req)
}

func (n *Node) run() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case in := <-n.inbox:
			n.dispatch(in.from, in.msg)
		}
	}
}

func (n *Node) dispatch(from peer.ID, msg Message) {
	log := n.log.Named("dispatch").With(zap.Stringer("from", from))
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic handling message", zap.String("type", fmt.Sprintf("%T", msg)), zap.Any("panic", r))
		}
	}()

	switch m := msg.(type) {
	case Heartbeat:
		if m.From != from {
			log.Debug("ignoring relayed heartbeat", zap.Stringer("claimed", m.From))
		} else if !n.heart.Beat(from) {
			log.Debug("heartbeat from unmonitored peer")
		}
	case MasterListDelivery:
		n.applyMasterList(m.List, from)
	case DownloadRequest:
		go n.serveChunk(m)
	case Recover:
		n.handleRecover(m)
	case SelfReminder:
		n.sendHeartbeats()
	default:
		log.Warn("unknown message", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// applyMasterList merges the node's positions in ml into its inventory and
// updates heartbeat relationships to match.
func (n *Node) applyMasterList(ml MasterList, from peer.ID) {
	log := n.log.Named("applyMasterList").With(zap.String("lookupKey", ml.LookupKey))
	if err := ml.Validate(); err != nil {
		log.Warn("invalid master list", zap.Stringer("from", from), zap.Error(err))
		return
	}
	n.lists.Add(ml.LookupKey, ml.Clone())

	updates := n.inventory.Apply(ml, n.id)
	for _, u := range updates {
		n.relink(u.Old, u.New)
		n.cascade(u.New.Part, "")
	}
	log.Debug("applied master list", zap.Int("positions", len(updates)))
}

// relink moves heartbeat relationships from old's neighbors to updated's.
func (n *Node) relink(old, updated RingPosition) {
	if old.Successor != updated.Successor {
		if old.Successor != "" && old.Successor != n.id {
			n.heart.StopSendingTo(old.Successor)
		}
		if updated.Successor != "" && updated.Successor != n.id {
			n.heart.SendTo(updated.Successor)
		}
	}
	if old.Predecessor != updated.Predecessor {
		if updated.Predecessor != "" && updated.Predecessor != n.id {
			n.heart.Listen(updated.Predecessor)
		}
		if old.Predecessor != "" && len(n.inventory.WithPredecessor(old.Predecessor)) == 0 {
			n.heart.StopListening(old.Predecessor)
		}
	}
}

func (n *Node) handleRecover(m Recover) {
	log := n.log.Named("handleRecover").With(zap.Stringer("part", m.Part), zap.Stringer("from", m.From), zap.Stringer("successor", m.NewSuccessor))
	old, ok := n.inventory.SetSuccessor(m.Part, m.NewSuccessor)
	if !ok {
		log.Warn("recover directive for untracked part")
		return
	}
	updated := old
	updated.Successor = m.NewSuccessor
	n.relink(old, updated)
	n.lists.Remove(m.Part.FileHash)
	log.Info("relinked successor", zap.Stringer("previous", old.Successor))
}

func (n *Node) sendHeartbeats() {
	for p := range n.heart.Recipients() {
		go func(p peer.ID) {
			ctx, cancel := context.WithTimeout(n.ctx, n.opts.HeartbeatInterval)
			defer cancel()
			if err := n.network.SendMessage(ctx, p, Heartbeat{From: n.id}); err != nil {
				n.log.Warn("failed to send heartbeat", zap.Stringer("peer", p), zap.Error(err))
				n.heart.Remove(p)
			}
		}(p)
	}
}

func (n *Node) pumpHeartbeats() {
	defer n.wg.Done()
	t := time.NewTimer(n.opts.InitialHeartbeatDelay)
	defer t.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-t.C:
		}
		n.HandleMessage(n.id, SelfReminder{})
		t.Reset(n.opts.HeartbeatInterval)
	}
}

// handleDeath is called by the heart monitor when a predecessor misses its
// heartbeat window.
func (n *Node) handleDeath(p peer.ID) {
	if n.Closed() {
		return
	}
	for range n.inventory.WithSuccessor(p) {
		n.heart.StopSendingTo(p)
	}
	for _, pos := range n.inventory.WithPredecessor(p) {
		go n.recoverPart(p, pos.Part)
	}
}

// restore reloads the MasterLists of chunks held before a restart.
func (n *Node) restore(records []ChunkRecord) {
	defer n.wg.Done()
	seen := make(map[string]bool)
	for _, r := range records {
		if seen[r.Part.FileHash] {
			continue
		}
		seen[r.Part.FileHash] = true

		ml, err := n.lookupMasterList(n.ctx, r.Part.FileHash)
		if err != nil {
			n.log.Warn("failed to restore master list", zap.String("lookupKey", r.Part.FileHash), zap.Error(err))
			continue
		}
		n.HandleMessage(n.id, MasterListDelivery{List: ml})
	}
}

func (n *Node) accept(size int64) bool {
	if n.opts.Capacity <= 0 {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.used+size <= n.opts.Capacity
}

// NewNode creates a node for the peer id that stores chunk data in dir.
// Chunks recorded in chunks are restored into the node's inventory.
func NewNode(id peer.ID, username, dir string, store Store, network Network, chunks ChunkStore, opts ...Option) (*Node, error) {
	o := options{
		Log:                   zap.NewNop(),
		Replicas:              3,
		DiscoveryRetries:      3,
		CacheSize:             256,
		HeartbeatInterval:     DefaultHeartbeatInterval,
		InitialHeartbeatDelay: DefaultInitialHeartbeatDelay,
		HeartbeatTimeout:      DefaultHeartbeatTimeout,
		DiscoveryTimeout:      DefaultDiscoveryTimeout,
		TransferTimeout:       DefaultTransferTimeout,
		StoreTimeout:          DefaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Replicas <= 0 {
		return nil, fmt.Errorf("replicas must be positive, got %d", o.Replicas)
	} else if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	lists, err := lru.New[string, MasterList](o.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create master list cache: %w", err)
	}

	records, err := chunks.Chunks()
	if err != nil {
		return nil, fmt.Errorf("failed to load chunk records: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		id:       id,
		username: username,
		dir:      dir,

		store:   store,
		network: network,
		chunks:  chunks,
		log:     o.Log,
		opts:    o,

		inventory: NewInventory(),
		lists:     lists,

		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan inbound, 64),

		expected: make(map[PartKey]chan partArrival),
	}
	n.heart = NewHeartMonitor(o.HeartbeatTimeout, n.handleDeath, o.Log.Named("heart"))
	n.discovery = NewDiscovery(id, network, o.DiscoveryTimeout, n.accept, o.Log.Named("discovery"))

	for _, r := range records {
		n.inventory.Restore(r.Part, r.Path)
		n.used += r.Size
	}

	n.wg.Add(3)
	go n.run()
	go n.pumpHeartbeats()
	go n.restore(records)
	return n, nil
}
