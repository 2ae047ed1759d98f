package raids

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.sia.tech/raids/chunker"
	"go.uber.org/zap"
)

// A DownloadResult describes a downloaded file.
type DownloadResult struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Hash     string `json:"hash"`
	// Missing lists the chunk indices no ring member returned.
	Missing []int `json:"missing,omitempty"`
}

// candidates returns the members of a chunk's ring in the order they should
// be asked for its data. Members flagged as lacking the data are asked last.
func candidates(ml MasterList, index int) []peer.ID {
	var first, last []peer.ID
	for _, p := range ml.Parts[index] {
		if ml.IsUnavailable(index, p) {
			last = append(last, p)
		} else {
			first = append(first, p)
		}
	}
	return append(first, last...)
}

// fetchPart asks each ring member for a chunk in turn. It returns the path
// of the chunk's data and whether the path is a temporary file.
func (n *Node) fetchPart(ctx context.Context, ml MasterList, index int, ch chan partArrival) (string, bool, error) {
	pk := ml.PartKey(index)
	if pos, ok := n.inventory.Position(pk); ok && pos.LocalPath != "" {
		return pos.LocalPath, false, nil
	}

	log := n.log.Named("fetchPart").With(zap.Stringer("part", pk))
	for _, p := range candidates(ml, index) {
		if p == n.id {
			continue
		}
		log := log.With(zap.Stringer("peer", p))
		if err := n.network.SendMessage(ctx, p, DownloadRequest{Part: pk, Requester: n.id}); err != nil {
			log.Debug("failed to request part", zap.Error(err))
			continue
		}

		timer := time.NewTimer(n.opts.TransferTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", false, ctx.Err()
		case <-timer.C:
			log.Debug("timed out waiting for part")
		case a := <-ch:
			timer.Stop()
			if a.path == "" {
				log.Debug("peer does not hold part")
				continue
			}
			return a.path, true, nil
		}
	}
	return "", false, errPartUnavailable
}

// Download fetches every chunk of one of the user's files and reassembles it
// at dst. At most one chunk may be unavailable. If the reassembled file does
// not match its recorded hash, ErrCorrupt is returned along with the result.
func (n *Node) Download(ctx context.Context, filename, dst string) (DownloadResult, error) {
	if n.Closed() {
		return DownloadResult{}, ErrNodeClosed
	}
	log := n.log.Named("Download").With(zap.String("filename", filename))

	files, err := n.fileList(ctx)
	if err != nil {
		return DownloadResult{}, err
	}
	fi, ok := files.Find(filename)
	if !ok {
		return DownloadResult{}, fmt.Errorf("file %q: %w", filename, ErrNotFound)
	}
	ml, err := n.cachedMasterList(ctx, MasterListKey(n.username, filename))
	if err != nil {
		return DownloadResult{}, err
	}

	parts := make([]PartKey, len(ml.Parts))
	for i := range ml.Parts {
		parts[i] = ml.PartKey(i)
	}
	chans, err := n.expectParts(parts)
	if err != nil {
		return DownloadResult{}, err
	}

	result := DownloadResult{Filename: filename, Path: dst}
	paths := make([]string, len(ml.Parts))
	var temps []string
	defer func() {
		for _, p := range temps {
			os.Remove(p)
		}
	}()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var fetchErr error
	for i, pk := range parts {
		wg.Add(1)
		go func(i int, pk PartKey) {
			defer wg.Done()
			defer n.partDownloaded(pk)

			path, temp, err := n.fetchPart(ctx, ml, i, chans[pk])
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, errPartUnavailable):
				log.Warn("part unavailable", zap.Int("index", i))
				result.Missing = append(result.Missing, i)
			case err != nil:
				fetchErr = err
			default:
				paths[i] = path
				if temp {
					temps = append(temps, path)
				}
			}
		}(i, pk)
	}
	wg.Wait()
	sort.Ints(result.Missing)

	if fetchErr != nil {
		return result, fmt.Errorf("failed to fetch parts: %w", fetchErr)
	} else if err := chunker.Reassemble(paths, dst, ml.Size); err != nil {
		return result, fmt.Errorf("failed to reassemble %q: %w", filename, err)
	}

	result.Hash, result.Size, err = chunker.HashFile(dst)
	if err != nil {
		return result, fmt.Errorf("failed to hash download: %w", err)
	} else if result.Hash != fi.Hash {
		log.Error("downloaded file is corrupt", zap.String("expected", fi.Hash), zap.String("actual", result.Hash))
		return result, fmt.Errorf("expected hash %v, got %v: %w", fi.Hash, result.Hash, ErrCorrupt)
	}
	log.Info("downloaded file", zap.Int64("size", result.Size), zap.Ints("missing", result.Missing))
	return result, nil
}
