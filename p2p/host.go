// Package p2p connects raids nodes over libp2p. Protocol messages, storage
// requests and chunk transfers are exchanged on dedicated streams and the
// shared key/value store is a Kademlia DHT.
package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	rcmgr "github.com/libp2p/go-libp2p/p2p/host/resource-manager"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
	"go.sia.tech/raids/config"
	"go.sia.tech/raids/raids"
	"go.uber.org/zap"
)

// DefaultIdleTimeout is the longest a chunk stream may go without data.
const DefaultIdleTimeout = 30 * time.Second

// A Host is a libp2p host serving the raids protocols for one node.
type Host struct {
	log         *zap.Logger
	host        host.Host
	dht         *dht.IpfsDHT
	idleTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex // protects handler
	handler raids.Handler
}

var _ raids.Network = (*Host)(nil)

// ID returns the peer ID of the host
func (h *Host) ID() peer.ID {
	return h.host.ID()
}

// AddrInfo returns the addresses other peers can dial the host on.
func (h *Host) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: h.host.ID(), Addrs: h.host.Addrs()}
}

// Peers returns the peers the host is connected to
func (h *Host) Peers() []peer.ID {
	return h.host.Network().Peers()
}

// Connect connects to a peer and refreshes the DHT routing table.
func (h *Host) Connect(ctx context.Context, info peer.AddrInfo) error {
	h.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
	if err := h.host.Connect(ctx, info); err != nil {
		return fmt.Errorf("failed to connect to %v: %w", info.ID, err)
	}
	h.dht.RefreshRoutingTable()
	return nil
}

// SetHandler sets the handler for inbound protocol traffic. Traffic received
// before a handler is set is dropped.
func (h *Host) SetHandler(handler raids.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

func (h *Host) currentHandler() raids.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handler
}

// Store returns the DHT backed key/value store.
func (h *Host) Store() *Store {
	return &Store{dht: h.dht, log: h.log.Named("store")}
}

// Close closes the host
func (h *Host) Close() error {
	h.cancel()
	h.dht.Close()
	return h.host.Close()
}

func parseBootstrap(peers []config.Peer) ([]peer.AddrInfo, error) {
	infos := make([]peer.AddrInfo, 0, len(peers))
	for _, p := range peers {
		info := peer.AddrInfo{ID: p.ID}
		for _, addr := range p.Addresses {
			maddr, err := multiaddr.NewMultiaddr(addr)
			if err != nil {
				return nil, fmt.Errorf("failed to parse multiaddr %q: %w", addr, err)
			}
			info.Addrs = append(info.Addrs, maddr)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// NewHost creates a libp2p host and DHT for a raids node. DHT records are
// persisted in ds.
func NewHost(ctx context.Context, privateKey crypto.PrivKey, cfg config.P2P, ds datastore.Batching, idleTimeout time.Duration, log *zap.Logger) (*Host, error) {
	cmgr, err := connmgr.NewConnManager(600, 900)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	limiter := rcmgr.NewFixedLimiter(rcmgr.InfiniteLimits)
	rm, err := rcmgr.NewResourceManager(limiter, rcmgr.WithMetricsDisabled())
	if err != nil {
		return nil, fmt.Errorf("failed to create resource manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(cfg.ListenAddresses...),
		libp2p.ConnectionManager(cmgr),
		libp2p.Identity(privateKey),
		libp2p.ResourceManager(rm),
		libp2p.DefaultPeerstore,
		libp2p.DefaultTransports,
	}

	if len(cfg.AnnounceAddresses) != 0 {
		var addrs []multiaddr.Multiaddr
		for _, as := range cfg.AnnounceAddresses {
			addr, err := multiaddr.NewMultiaddr(as)
			if err != nil {
				return nil, fmt.Errorf("failed to parse announce address %q: %w", as, err)
			}
			addrs = append(addrs, addr)
		}
		opts = append(opts, libp2p.AddrsFactory(func([]multiaddr.Multiaddr) []multiaddr.Multiaddr {
			return addrs
		}))
	}

	bootstrap, err := parseBootstrap(cfg.Bootstrap)
	if err != nil {
		return nil, err
	}

	lh, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	dhtOpts := []dht.Option{
		dht.Mode(dht.ModeServer),
		dht.ProtocolPrefix(protocolPrefix),
		dht.Validator(record.NamespacedValidator{storeNamespace: Validator{}}),
		dht.BucketSize(20),
		dht.Datastore(ds),
	}
	if len(bootstrap) != 0 {
		dhtOpts = append(dhtOpts, dht.BootstrapPeers(bootstrap...))
	}
	kad, err := dht.New(ctx, lh, dhtOpts...)
	if err != nil {
		lh.Close()
		return nil, fmt.Errorf("failed to create dht: %w", err)
	}

	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	hctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		log:         log,
		host:        lh,
		dht:         kad,
		idleTimeout: idleTimeout,
		ctx:         hctx,
		cancel:      cancel,
	}
	h.registerProtocols()

	for _, info := range bootstrap {
		lh.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
	}
	if err := kad.Bootstrap(ctx); err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to bootstrap dht: %w", err)
	}
	return h, nil
}
