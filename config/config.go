package config

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

type (
	// Peer contains the address of a bootstrap peer
	Peer struct {
		ID        peer.ID  `yaml:"id"`
		Addresses []string `yaml:"addresses"`
	}

	// P2P contains the configuration for the libp2p hosts
	P2P struct {
		// PrivateKey is the identity of the first node. Additional local
		// nodes always generate a fresh identity.
		PrivateKey        string   `yaml:"privateKey" split_words:"true"`
		ListenAddresses   []string `yaml:"listenAddresses" split_words:"true"`
		AnnounceAddresses []string `yaml:"announceAddresses" split_words:"true"`
		Bootstrap         []Peer   `yaml:"bootstrap" ignored:"true"`
	}

	// Raids contains the ring protocol settings
	Raids struct {
		// Nodes is the number of nodes started by the launcher.
		Nodes    int `yaml:"nodes"`
		Replicas int `yaml:"replicas"`
		// Capacity is the number of chunk bytes each node accepts. Zero
		// means unlimited.
		Capacity  int64 `yaml:"capacity"`
		CacheSize int   `yaml:"cacheSize" split_words:"true"`

		HeartbeatInterval     time.Duration `yaml:"heartbeatInterval" split_words:"true"`
		InitialHeartbeatDelay time.Duration `yaml:"initialHeartbeatDelay" split_words:"true"`
		HeartbeatTimeout      time.Duration `yaml:"heartbeatTimeout" split_words:"true"`
		DiscoveryTimeout      time.Duration `yaml:"discoveryTimeout" split_words:"true"`
		DiscoveryRetries      int           `yaml:"discoveryRetries" split_words:"true"`
		// TransferTimeout bounds the wait for a chunk and the idle time
		// between reads of a chunk stream.
		TransferTimeout time.Duration `yaml:"transferTimeout" split_words:"true"`
		StoreTimeout    time.Duration `yaml:"storeTimeout" split_words:"true"`
	}

	// API contains the listen address of the API server
	API struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
	}

	// Log contains the log settings
	Log struct {
		Level string `yaml:"level"`
	}

	// Config contains the configuration for raidsd
	Config struct {
		Username string `yaml:"username"`
		P2P      P2P    `yaml:"p2p"`
		Raids    Raids  `yaml:"raids"`
		API      API    `yaml:"api"`
		Log      Log    `yaml:"log"`
	}
)
