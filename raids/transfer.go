package raids

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.sia.tech/raids/chunker"
	"go.uber.org/zap"
)

// partArrival is delivered to a pending download. An empty path means the
// sender does not hold the chunk.
type partArrival struct {
	path string
	size int64
}

// receiveChunk copies a streamed chunk into a temporary file in the node's
// data directory.
func (n *Node) receiveChunk(r io.Reader) (string, int64, error) {
	f, err := os.CreateTemp(n.dir, "incoming-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", 0, fmt.Errorf("failed to receive chunk: %w", err)
	}
	return f.Name(), size, nil
}

// HandleChunk stores a chunk pushed by another peer and cascades it to the
// ring successor.
func (n *Node) HandleChunk(ctx context.Context, from peer.ID, pk PartKey, r io.Reader) error {
	if n.Closed() {
		return ErrNodeClosed
	} else if err := pk.Validate(); err != nil {
		return err
	}

	path, size, err := n.receiveChunk(r)
	if err != nil {
		return err
	}
	log := n.log.Named("HandleChunk").With(zap.Stringer("part", pk), zap.Stringer("from", from), zap.Int64("size", size))
	if size == 0 {
		log.Debug("ignoring empty chunk")
		os.Remove(path)
		return nil
	}

	if err := n.storeChunk(pk, path, size); err != nil {
		os.Remove(path)
		return err
	}
	log.Info("received chunk")
	n.cascade(pk, from)
	return nil
}

// HandleChunkReply hands a chunk requested by a download in progress to it.
// Replies no download is waiting for are discarded.
func (n *Node) HandleChunkReply(ctx context.Context, from peer.ID, pk PartKey, r io.Reader) error {
	if n.Closed() {
		return ErrNodeClosed
	} else if err := pk.Validate(); err != nil {
		return err
	}

	log := n.log.Named("HandleChunkReply").With(zap.Stringer("part", pk), zap.Stringer("from", from))
	ch, ok := n.expectedPart(pk)
	if !ok {
		log.Debug("discarding unexpected reply")
		_, err := io.Copy(io.Discard, r)
		return err
	}

	path, size, err := n.receiveChunk(r)
	if err != nil {
		return err
	}
	arrival := partArrival{path: path, size: size}
	if size == 0 {
		os.Remove(path)
		arrival = partArrival{}
	}
	select {
	case ch <- arrival:
	default:
		log.Debug("dropping duplicate download response")
		os.Remove(arrival.path)
	}
	return nil
}

func (n *Node) storeChunk(pk PartKey, tmp string, size int64) error {
	path := filepath.Join(n.dir, chunker.ChunkName(pk.Index, pk.FileHash))
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move chunk: %w", err)
	}
	hash, _, err := chunker.HashFile(path)
	if err != nil {
		return fmt.Errorf("failed to hash chunk: %w", err)
	}
	err = n.chunks.AddChunk(ChunkRecord{
		Part: pk,
		Path: path,
		Size: size,
		Hash: hash,
	})
	if err != nil {
		return fmt.Errorf("failed to record chunk: %w", err)
	}

	if _, had := n.inventory.SetLocalPath(pk, path); !had {
		n.mu.Lock()
		n.used += size
		n.mu.Unlock()
	}
	return nil
}

// cascade forwards a chunk's data to the ring successor once both the data
// and the successor are known. The data is not sent back to the peer it
// came from.
func (n *Node) cascade(pk PartKey, from peer.ID) {
	pos, ok := n.inventory.MarkForwarded(pk)
	if !ok || pos.Successor == n.id || pos.Successor == from {
		return
	}

	go func() {
		log := n.log.Named("cascade").With(zap.Stringer("part", pk), zap.Stringer("successor", pos.Successor))
		if err := n.sendChunkFile(n.ctx, pos.Successor, pk, pos.LocalPath); err != nil {
			log.Warn("failed to forward chunk", zap.Error(err))
			return
		}
		log.Debug("forwarded chunk")
	}()
}

// serveChunk answers a download request, sending an empty stream if the
// chunk is not held locally.
func (n *Node) serveChunk(req DownloadRequest) {
	log := n.log.Named("serveChunk").With(zap.Stringer("part", req.Part), zap.Stringer("requester", req.Requester))

	var r io.Reader = strings.NewReader("")
	if pos, ok := n.inventory.Position(req.Part); ok && pos.LocalPath != "" {
		f, err := os.Open(pos.LocalPath)
		if err != nil {
			log.Error("failed to open chunk", zap.Error(err))
		} else {
			defer f.Close()
			r = f
		}
	} else {
		log.Debug("part not held")
	}

	if err := n.replyChunk(n.ctx, req.Requester, req.Part, r); err != nil {
		log.Warn("failed to serve chunk", zap.Error(err))
	}
}

func (n *Node) replyChunk(ctx context.Context, to peer.ID, pk PartKey, r io.Reader) error {
	if to == n.id {
		return n.HandleChunkReply(ctx, n.id, pk, r)
	}
	return n.network.ReplyChunk(ctx, to, pk, r)
}

func (n *Node) sendChunk(ctx context.Context, to peer.ID, pk PartKey, r io.Reader) error {
	if to == n.id {
		return n.HandleChunk(ctx, n.id, pk, r)
	}
	return n.network.SendChunk(ctx, to, pk, r)
}

func (n *Node) sendChunkFile(ctx context.Context, to peer.ID, pk PartKey, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open chunk: %w", err)
	}
	defer f.Close()
	return n.sendChunk(ctx, to, pk, f)
}

// send delivers a message, short-circuiting messages to this node.
func (n *Node) send(ctx context.Context, to peer.ID, msg Message) error {
	if to == n.id {
		if n.Closed() {
			return ErrNodeClosed
		}
		n.HandleMessage(n.id, msg)
		return nil
	}
	return n.network.SendMessage(ctx, to, msg)
}

// expectParts registers chunks a download is waiting for.
func (n *Node) expectParts(parts []PartKey) (map[PartKey]chan partArrival, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, pk := range parts {
		if _, ok := n.expected[pk]; ok {
			return nil, fmt.Errorf("download of %v already in progress", pk)
		}
	}
	chans := make(map[PartKey]chan partArrival, len(parts))
	for _, pk := range parts {
		ch := make(chan partArrival, 1)
		n.expected[pk] = ch
		chans[pk] = ch
	}
	return chans, nil
}

// partDownloaded removes a chunk from the expected set.
func (n *Node) partDownloaded(pk PartKey) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.expected, pk)
}

func (n *Node) expectedPart(pk PartKey) (chan partArrival, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.expected[pk]
	return ch, ok
}

var errPartUnavailable = errors.New("no ring member returned the part")
