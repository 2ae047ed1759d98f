package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	levelds "github.com/ipfs/go-ds-leveldb"
	"github.com/libp2p/go-libp2p/core/crypto"
	"go.sia.tech/raids/config"
	"go.sia.tech/raids/p2p"
	"go.sia.tech/raids/persist/badger"
	"go.sia.tech/raids/raids"
	"go.uber.org/zap"
	"lukechampine.com/frand"
)

type (
	// A localNode is a raids node running in this process along with the
	// resources it owns.
	localNode struct {
		node *raids.Node
		host *p2p.Host
		db   *badger.Store
		ds   *levelds.Datastore
	}

	// A cluster is the set of nodes started by the launcher. API requests
	// and terminal commands operate on the active node.
	cluster struct {
		log *zap.Logger

		mu     sync.Mutex // protects the fields below
		nodes  []*localNode
		active int
	}
)

func (ln *localNode) close() {
	ln.node.Close()
	ln.host.Close()
	ln.db.Close()
	ln.ds.Close()
}

func nodeOptions(cfg config.Raids, log *zap.Logger) []raids.Option {
	opts := []raids.Option{
		raids.WithLog(log),
		raids.WithCapacity(cfg.Capacity),
		raids.WithHeartbeat(cfg.HeartbeatInterval, cfg.InitialHeartbeatDelay, cfg.HeartbeatTimeout),
		raids.WithDiscoveryTimeout(cfg.DiscoveryTimeout),
		raids.WithTransferTimeout(cfg.TransferTimeout),
		raids.WithStoreTimeout(cfg.StoreTimeout),
	}
	if cfg.Replicas > 0 {
		opts = append(opts, raids.WithReplicas(cfg.Replicas))
	}
	if cfg.DiscoveryRetries > 0 {
		opts = append(opts, raids.WithDiscoveryRetries(cfg.DiscoveryRetries))
	}
	if cfg.CacheSize > 0 {
		opts = append(opts, raids.WithCacheSize(cfg.CacheSize))
	}
	return opts
}

// startNode starts a node storing its data in dir.
func startNode(ctx context.Context, dir string, privateKey crypto.PrivKey, cfg config.Config, log *zap.Logger) (_ *localNode, err error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	ds, err := levelds.NewDatastore(filepath.Join(dir, "dht"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open dht datastore: %w", err)
	}
	defer func() {
		if err != nil {
			ds.Close()
		}
	}()

	db, err := badger.OpenDatabase(filepath.Join(dir, "raids.badgerdb"), log.Named("badger"))
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	defer func() {
		if err != nil {
			db.Close()
		}
	}()

	host, err := p2p.NewHost(ctx, privateKey, cfg.P2P, ds, cfg.Raids.TransferTimeout, log.Named("p2p"))
	if err != nil {
		return nil, fmt.Errorf("failed to start p2p host: %w", err)
	}

	node, err := raids.NewNode(host.ID(), cfg.Username, filepath.Join(dir, "chunks"), host.Store(), host, db, nodeOptions(cfg.Raids, log.Named("raids"))...)
	if err != nil {
		host.Close()
		return nil, fmt.Errorf("failed to create node: %w", err)
	}
	host.SetHandler(node)
	return &localNode{node: node, host: host, db: db, ds: ds}, nil
}

// add adds a started node to the cluster and connects it to the nodes
// already running.
func (c *cluster) add(ctx context.Context, ln *localNode) {
	c.mu.Lock()
	peers := append([]*localNode(nil), c.nodes...)
	c.nodes = append(c.nodes, ln)
	c.mu.Unlock()

	for _, p := range peers {
		if p.node.Closed() {
			continue
		} else if err := ln.host.Connect(ctx, p.host.AddrInfo()); err != nil {
			c.log.Warn("failed to connect local nodes", zap.Stringer("peer", p.node.ID()), zap.Error(err))
		}
	}
}

// activeNode returns the node API requests and commands operate on.
func (c *cluster) activeNode() *raids.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[c.active].node
}

// switchTo makes the i-th node active.
func (c *cluster) switchTo(i int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.nodes) {
		return fmt.Errorf("node %d does not exist", i)
	}
	c.active = i
	return nil
}

// kill closes the i-th node. A negative index kills a random live node. It
// returns the index of the killed node.
func (c *cluster) kill(i int) (int, error) {
	c.mu.Lock()
	if i < 0 {
		var alive []int
		for j, ln := range c.nodes {
			if !ln.node.Closed() {
				alive = append(alive, j)
			}
		}
		if len(alive) == 0 {
			c.mu.Unlock()
			return 0, errors.New("no live nodes")
		}
		i = alive[frand.Intn(len(alive))]
	} else if i >= len(c.nodes) {
		c.mu.Unlock()
		return 0, fmt.Errorf("node %d does not exist", i)
	}
	ln := c.nodes[i]
	c.mu.Unlock()

	if ln.node.Closed() {
		return i, fmt.Errorf("node %d: %w", i, raids.ErrNodeClosed)
	}
	ln.close()
	c.log.Info("killed node", zap.Int("index", i), zap.Stringer("peerID", ln.node.ID()))
	return i, nil
}

// list returns the status of every node and the index of the active one.
func (c *cluster) list() ([]raids.NodeStatus, int) {
	c.mu.Lock()
	nodes := append([]*localNode(nil), c.nodes...)
	active := c.active
	c.mu.Unlock()

	statuses := make([]raids.NodeStatus, 0, len(nodes))
	for _, ln := range nodes {
		statuses = append(statuses, ln.node.Status())
	}
	return statuses, active
}

// Status implements http.Node.
func (c *cluster) Status() raids.NodeStatus {
	return c.activeNode().Status()
}

// Files implements http.Node.
func (c *cluster) Files(ctx context.Context) ([]raids.PersonalFileInfo, error) {
	return c.activeNode().Files(ctx)
}

// Upload implements http.Node.
func (c *cluster) Upload(ctx context.Context, path string, chunks int) (raids.MasterList, error) {
	return c.activeNode().Upload(ctx, path, chunks)
}

// Download implements http.Node.
func (c *cluster) Download(ctx context.Context, filename, dst string) (raids.DownloadResult, error) {
	return c.activeNode().Download(ctx, filename, dst)
}

// close closes every live node.
func (c *cluster) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ln := range c.nodes {
		if !ln.node.Closed() {
			ln.close()
		}
	}
}
