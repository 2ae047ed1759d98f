package raids_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.sia.tech/raids/raids"
	"lukechampine.com/frand"
)

var errUnreachable = errors.New("peer unreachable")

type memNetwork struct {
	mu       sync.Mutex
	handlers map[peer.ID]raids.Handler
}

func (mn *memNetwork) add(id peer.ID, h raids.Handler) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.handlers[id] = h
}

func (mn *memNetwork) remove(id peer.ID) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	delete(mn.handlers, id)
}

func (mn *memNetwork) handler(id peer.ID) (raids.Handler, error) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	h, ok := mn.handlers[id]
	if !ok {
		return nil, errUnreachable
	}
	return h, nil
}

func (mn *memNetwork) endpoint(id peer.ID) *memEndpoint {
	return &memEndpoint{mn: mn, self: id}
}

// memEndpoint is one peer's view of a memNetwork. Traffic is encoded the
// same way it would be on the wire.
type memEndpoint struct {
	mn   *memNetwork
	self peer.ID
}

func (me *memEndpoint) SendMessage(ctx context.Context, to peer.ID, msg raids.Message) error {
	h, err := me.mn.handler(to)
	if err != nil {
		return err
	}
	buf, err := raids.EncodeMessage(msg)
	if err != nil {
		return err
	}
	dec, err := raids.DecodeMessage(buf)
	if err != nil {
		return err
	}
	h.HandleMessage(me.self, dec)
	return nil
}

func (me *memEndpoint) Publish(ctx context.Context, req raids.StorageRequest) error {
	me.mn.mu.Lock()
	defer me.mn.mu.Unlock()
	for _, h := range me.mn.handlers {
		go h.HandleStorageRequest(context.Background(), req)
	}
	return nil
}

func (me *memEndpoint) ReplyStorage(ctx context.Context, to peer.ID, req raids.StorageRequest) error {
	h, err := me.mn.handler(to)
	if err != nil {
		return err
	}
	buf, err := json.Marshal(req)
	if err != nil {
		return err
	}
	var dec raids.StorageRequest
	if err := json.Unmarshal(buf, &dec); err != nil {
		return err
	}
	h.HandleStorageReply(dec)
	return nil
}

func (me *memEndpoint) SendChunk(ctx context.Context, to peer.ID, pk raids.PartKey, r io.Reader) error {
	h, err := me.mn.handler(to)
	if err != nil {
		return err
	}
	dec, buf, err := frameChunk(pk, r)
	if err != nil {
		return err
	}
	return h.HandleChunk(ctx, me.self, dec, buf)
}

func (me *memEndpoint) ReplyChunk(ctx context.Context, to peer.ID, pk raids.PartKey, r io.Reader) error {
	h, err := me.mn.handler(to)
	if err != nil {
		return err
	}
	dec, buf, err := frameChunk(pk, r)
	if err != nil {
		return err
	}
	return h.HandleChunkReply(ctx, me.self, dec, buf)
}

// frameChunk encodes a chunk the way it is framed on the wire and decodes
// the part key back out of it.
func frameChunk(pk raids.PartKey, r io.Reader) (raids.PartKey, *bytes.Buffer, error) {
	var buf bytes.Buffer
	if err := pk.EncodeTo(&buf); err != nil {
		return raids.PartKey{}, nil, err
	} else if _, err := io.Copy(&buf, r); err != nil {
		return raids.PartKey{}, nil, err
	}
	var dec raids.PartKey
	if err := dec.DecodeFrom(&buf); err != nil {
		return raids.PartKey{}, nil, err
	}
	return dec, &buf, nil
}

// quietPeer is a raids.Handler that never answers. Download requests it
// receives are passed to the test.
type quietPeer struct {
	requests chan raids.DownloadRequest
}

func (qp *quietPeer) HandleMessage(from peer.ID, msg raids.Message) {
	if req, ok := msg.(raids.DownloadRequest); ok {
		select {
		case qp.requests <- req:
		default:
		}
	}
}

func (qp *quietPeer) HandleStorageRequest(context.Context, raids.StorageRequest) {}
func (qp *quietPeer) HandleStorageReply(raids.StorageRequest)                    {}

func (qp *quietPeer) HandleChunk(_ context.Context, _ peer.ID, _ raids.PartKey, r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

func (qp *quietPeer) HandleChunkReply(_ context.Context, _ peer.ID, _ raids.PartKey, r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (ms *memStore) Get(_ context.Context, key string) ([]byte, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	v, ok := ms.data[key]
	if !ok {
		return nil, raids.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (ms *memStore) Put(_ context.Context, key string, value []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.data[key] = append([]byte(nil), value...)
	return nil
}

func (ms *memStore) masterList(t *testing.T, key string) raids.MasterList {
	t.Helper()
	buf, err := ms.Get(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	var ml raids.MasterList
	if err := json.Unmarshal(buf, &ml); err != nil {
		t.Fatal(err)
	}
	return ml
}

func (ms *memStore) putJSON(t *testing.T, key string, v any) {
	t.Helper()
	buf, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	} else if err := ms.Put(context.Background(), key, buf); err != nil {
		t.Fatal(err)
	}
}

type memChunkStore struct {
	mu     sync.Mutex
	chunks map[raids.PartKey]raids.ChunkRecord
}

func (mcs *memChunkStore) AddChunk(r raids.ChunkRecord) error {
	mcs.mu.Lock()
	defer mcs.mu.Unlock()
	mcs.chunks[r.Part] = r
	return nil
}

func (mcs *memChunkStore) Chunk(pk raids.PartKey) (raids.ChunkRecord, error) {
	mcs.mu.Lock()
	defer mcs.mu.Unlock()
	r, ok := mcs.chunks[pk]
	if !ok {
		return raids.ChunkRecord{}, raids.ErrNotFound
	}
	return r, nil
}

func (mcs *memChunkStore) Chunks() ([]raids.ChunkRecord, error) {
	mcs.mu.Lock()
	defer mcs.mu.Unlock()
	records := make([]raids.ChunkRecord, 0, len(mcs.chunks))
	for _, r := range mcs.chunks {
		records = append(records, r)
	}
	return records, nil
}

func newMemNetwork() *memNetwork {
	return &memNetwork{handlers: make(map[peer.ID]raids.Handler)}
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func newMemChunkStore() *memChunkStore {
	return &memChunkStore{chunks: make(map[raids.PartKey]raids.ChunkRecord)}
}

func randomPeerID(t testing.TB) peer.ID {
	t.Helper()
	sk, _, err := crypto.GenerateEd25519Key(frand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	id, err := peer.IDFromPrivateKey(sk)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// waitFor polls fn until it returns nil or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		err := fn()
		if err == nil {
			return
		} else if time.Now().After(deadline) {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
