package raids

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v4"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.sia.tech/raids/chunker"
	"go.uber.org/zap"
)

// placeChunk finds a ring of peers to hold a chunk, retrying discovery
// timeouts with exponential backoff.
func (n *Node) placeChunk(ctx context.Context, size int64) ([]peer.ID, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = n.opts.DiscoveryTimeout / 5
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(n.opts.DiscoveryRetries)), ctx)

	var ring []peer.ID
	err := backoff.Retry(func() error {
		peers, err := n.discovery.RequestSpace(ctx, n.opts.Replicas, size, nil)
		if errors.Is(err, ErrDiscoveryTimeout) {
			n.log.Debug("retrying placement", zap.Error(err))
			return err
		} else if err != nil {
			return backoff.Permanent(err)
		}
		ring = peers
		return nil
	}, b)
	return ring, err
}

// Upload splits the file at path into chunks, places each chunk on a ring of
// peers, records the placement in the store and pushes the data to the head
// of each ring.
func (n *Node) Upload(ctx context.Context, path string, chunks int) (MasterList, error) {
	if n.Closed() {
		return MasterList{}, ErrNodeClosed
	}
	log := n.log.Named("Upload").With(zap.String("path", path), zap.Int("chunks", chunks))

	staging, err := os.MkdirTemp(n.dir, "upload-*")
	if err != nil {
		return MasterList{}, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	info, err := chunker.SplitInto(path, staging, chunks)
	if err != nil {
		return MasterList{}, fmt.Errorf("failed to split file: %w", err)
	}

	name := filepath.Base(path)
	ml := MasterList{
		LookupKey: MasterListKey(n.username, name),
		Filename:  name,
		Size:      info.OriginalSize,
		Hash:      info.OriginalHash,
		Parts:     make([][]peer.ID, len(info.ChunkPaths)),
	}
	for i := range info.ChunkPaths {
		ring, err := n.placeChunk(ctx, info.MaxChunkSize)
		if err != nil {
			return MasterList{}, fmt.Errorf("failed to place chunk %d: %w", i, err)
		}
		ml.Parts[i] = ring
		log.Debug("placed chunk", zap.Int("index", i), zap.Any("ring", ring))
	}

	if err := n.insertMasterList(ctx, ml); err != nil {
		return MasterList{}, err
	} else if err := n.addFile(ctx, PersonalFileInfo{Name: name, Hash: info.OriginalHash}); err != nil {
		return MasterList{}, err
	}

	for _, p := range ml.Members() {
		if err := n.send(ctx, p, MasterListDelivery{List: ml}); err != nil {
			log.Warn("failed to deliver master list", zap.Stringer("peer", p), zap.Error(err))
		}
	}

	for i, path := range info.ChunkPaths {
		head := ml.Parts[i][0]
		if err := n.sendChunkFile(ctx, head, ml.PartKey(i), path); err != nil {
			return MasterList{}, fmt.Errorf("failed to push chunk %d to %v: %w", i, head, err)
		}
	}
	log.Info("uploaded file", zap.String("lookupKey", ml.LookupKey), zap.Int64("size", ml.Size))
	return ml, nil
}
