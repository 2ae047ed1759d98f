// Package raids replicates erasure coded file chunks across rings of peers.
// Each chunk of a file is held by an ordered ring of peers. Peers watch their
// ring predecessor with heartbeats and repair the ring when it dies.
package raids

import (
	"context"
	"errors"
	"io"

	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	// ErrNotFound is returned when a key is not present in the store.
	ErrNotFound = errors.New("not found")
	// ErrDiscoveryTimeout is returned when not enough peers accepted a
	// storage request before the discovery timeout.
	ErrDiscoveryTimeout = errors.New("storage discovery timed out")
	// ErrNodeClosed is returned when an operation is attempted on a node
	// that has been closed.
	ErrNodeClosed = errors.New("node closed")
	// ErrCorrupt is returned when a downloaded file does not match its
	// recorded content hash.
	ErrCorrupt = errors.New("file corrupted")
)

type (
	// A Store is a mutable key/value store shared by all peers. Later puts
	// for a key replace earlier ones.
	Store interface {
		Get(ctx context.Context, key string) ([]byte, error)
		Put(ctx context.Context, key string, value []byte) error
	}

	// A Network delivers protocol traffic to other peers.
	Network interface {
		// SendMessage delivers a message directly to a peer. An error means
		// delivery could not be confirmed.
		SendMessage(ctx context.Context, to peer.ID, msg Message) error
		// Publish delivers a storage request to every peer, including the
		// sender.
		Publish(ctx context.Context, req StorageRequest) error
		// ReplyStorage routes an accepted storage request back to its
		// requester.
		ReplyStorage(ctx context.Context, to peer.ID, req StorageRequest) error
		// SendChunk pushes a chunk to a peer for storage.
		SendChunk(ctx context.Context, to peer.ID, pk PartKey, r io.Reader) error
		// ReplyChunk streams a chunk to a peer that requested it. An empty
		// reader signals that the sender does not hold the chunk.
		ReplyChunk(ctx context.Context, to peer.ID, pk PartKey, r io.Reader) error
	}

	// A Handler handles traffic received from a Network.
	Handler interface {
		HandleMessage(from peer.ID, msg Message)
		HandleStorageRequest(ctx context.Context, req StorageRequest)
		HandleStorageReply(req StorageRequest)
		HandleChunk(ctx context.Context, from peer.ID, pk PartKey, r io.Reader) error
		HandleChunkReply(ctx context.Context, from peer.ID, pk PartKey, r io.Reader) error
	}

	// A ChunkRecord describes a chunk held on local disk.
	ChunkRecord struct {
		Part PartKey `json:"part"`
		Path string  `json:"path"`
		Size int64   `json:"size"`
		Hash string  `json:"hash"`
	}

	// A ChunkStore persists the chunks held by a node.
	ChunkStore interface {
		AddChunk(ChunkRecord) error
		Chunk(PartKey) (ChunkRecord, error)
		Chunks() ([]ChunkRecord, error)
	}
)
