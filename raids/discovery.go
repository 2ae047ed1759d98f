package raids

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

type (
	// A StorageRequest asks every peer for space to hold a chunk. Responder
	// is set by a peer accepting the request.
	StorageRequest struct {
		ID        string    `json:"id"`
		Requester peer.ID   `json:"requester"`
		Size      int64     `json:"size"`
		Excluded  []peer.ID `json:"excluded,omitempty"`
		Responder peer.ID   `json:"responder,omitempty"`
	}

	// A Publisher delivers storage requests and replies.
	Publisher interface {
		Publish(ctx context.Context, req StorageRequest) error
		ReplyStorage(ctx context.Context, to peer.ID, req StorageRequest) error
	}

	discoveryRound struct {
		want       int
		responders []peer.ID
		seen       map[peer.ID]bool
		done       chan struct{}
	}

	// Discovery finds peers willing to store chunks.
	Discovery struct {
		self    peer.ID
		pub     Publisher
		timeout time.Duration
		accept  func(size int64) bool
		log     *zap.Logger

		mu     sync.Mutex // protects rounds
		rounds map[string]*discoveryRound
	}
)

// Excludes reports whether p is excluded from answering the request.
func (req StorageRequest) Excludes(p peer.ID) bool {
	return indexOf(req.Excluded, p) != -1
}

// RequestSpace publishes a storage request and waits for n distinct peers
// outside excluded to accept it. ErrDiscoveryTimeout is returned if fewer
// than n peers accept before the discovery timeout.
func (d *Discovery) RequestSpace(ctx context.Context, n int, size int64, excluded []peer.ID) ([]peer.ID, error) {
	if n <= 0 {
		return nil, nil
	}

	req := StorageRequest{
		ID:        uuid.NewString(),
		Requester: d.self,
		Size:      size,
		Excluded:  append([]peer.ID(nil), excluded...),
	}
	round := &discoveryRound{
		want: n,
		seen: make(map[peer.ID]bool),
		done: make(chan struct{}),
	}

	d.mu.Lock()
	d.rounds[req.ID] = round
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.rounds, req.ID)
		d.mu.Unlock()
	}()

	log := d.log.Named("RequestSpace").With(zap.String("id", req.ID), zap.Int("want", n), zap.Int64("size", size))
	// the timeout starts when the request is issued
	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	if err := d.pub.Publish(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to publish storage request: %w", err)
	}
	log.Debug("published storage request")

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		d.mu.Lock()
		got := len(round.responders)
		d.mu.Unlock()
		log.Debug("storage request timed out", zap.Int("responses", got))
		return nil, fmt.Errorf("%d of %d peers responded: %w", got, n, ErrDiscoveryTimeout)
	case <-round.done:
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]peer.ID(nil), round.responders...), nil
}

// HandleRequest answers a published storage request if this peer is not
// excluded and has room for it.
func (d *Discovery) HandleRequest(ctx context.Context, req StorageRequest) {
	log := d.log.Named("HandleRequest").With(zap.String("id", req.ID), zap.Stringer("requester", req.Requester))
	if req.Excludes(d.self) {
		log.Debug("excluded from storage request")
		return
	} else if d.accept != nil && !d.accept(req.Size) {
		log.Debug("not enough space for storage request", zap.Int64("size", req.Size))
		return
	}

	req.Responder = d.self
	if err := d.pub.ReplyStorage(ctx, req.Requester, req); err != nil {
		log.Warn("failed to reply to storage request", zap.Error(err))
	}
}

// HandleReply collects a reply to a pending storage request. Replies to
// finished rounds and duplicate replies are ignored.
func (d *Discovery) HandleReply(req StorageRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()

	round, ok := d.rounds[req.ID]
	if !ok {
		d.log.Debug("ignoring reply to unknown storage request", zap.String("id", req.ID), zap.Stringer("responder", req.Responder))
		return
	} else if req.Responder == "" || round.seen[req.Responder] || len(round.responders) >= round.want {
		return
	}
	round.seen[req.Responder] = true
	round.responders = append(round.responders, req.Responder)
	if len(round.responders) == round.want {
		close(round.done)
	}
}

// NewDiscovery returns a Discovery for the peer self. accept decides whether
// this peer has room for a chunk of the given size; nil accepts everything.
func NewDiscovery(self peer.ID, pub Publisher, timeout time.Duration, accept func(int64) bool, log *zap.Logger) *Discovery {
	return &Discovery{
		self:    self,
		pub:     pub,
		timeout: timeout,
		accept:  accept,
		log:     log,
		rounds:  make(map[string]*discoveryRound),
	}
}
