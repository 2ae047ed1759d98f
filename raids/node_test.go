package raids_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.sia.tech/raids/chunker"
	"go.sia.tech/raids/raids"
	"go.uber.org/zap"
	"lukechampine.com/frand"
)

type testCluster struct {
	t     *testing.T
	mn    *memNetwork
	store *memStore
	nodes map[peer.ID]*raids.Node
}

func fastOptions() []raids.Option {
	return []raids.Option{
		raids.WithLog(zap.NewNop()),
		raids.WithHeartbeat(25*time.Millisecond, 10*time.Millisecond, 500*time.Millisecond),
		raids.WithDiscoveryTimeout(300 * time.Millisecond),
		raids.WithDiscoveryRetries(1),
		raids.WithTransferTimeout(500 * time.Millisecond),
		raids.WithStoreTimeout(time.Second),
	}
}

func (tc *testCluster) addNode(opts ...raids.Option) *raids.Node {
	tc.t.Helper()
	return tc.addNodeWithChunks(newMemChunkStore(), tc.t.TempDir(), opts...)
}

func (tc *testCluster) addNodeWithChunks(chunks raids.ChunkStore, dir string, opts ...raids.Option) *raids.Node {
	tc.t.Helper()
	id := randomPeerID(tc.t)
	n, err := raids.NewNode(id, "alice", dir, tc.store, tc.mn.endpoint(id), chunks, append(fastOptions(), opts...)...)
	if err != nil {
		tc.t.Fatal(err)
	}
	tc.t.Cleanup(func() { n.Close() })
	tc.mn.add(id, n)
	tc.nodes[id] = n
	return n
}

// kill closes a node and removes it from the network.
func (tc *testCluster) kill(id peer.ID) {
	tc.mn.remove(id)
	if err := tc.nodes[id].Close(); err != nil {
		tc.t.Fatal(err)
	}
}

// position returns the ring position a node holds for pk.
func (tc *testCluster) position(id peer.ID, pk raids.PartKey) (raids.RingPosition, bool) {
	for _, pos := range tc.nodes[id].Status().Positions {
		if pos.Part == pk {
			return pos, true
		}
	}
	return raids.RingPosition{}, false
}

// waitForData waits until every member of every ring holds its chunk.
func (tc *testCluster) waitForData(ml raids.MasterList) {
	tc.t.Helper()
	waitFor(tc.t, 10*time.Second, func() error {
		for i, ring := range ml.Parts {
			for _, p := range ring {
				if pos, ok := tc.position(p, ml.PartKey(i)); !ok || pos.LocalPath == "" {
					return fmt.Errorf("%v does not hold chunk %d", p, i)
				}
			}
		}
		return nil
	})
}

func newTestCluster(t *testing.T) *testCluster {
	return &testCluster{
		t:     t,
		mn:    newMemNetwork(),
		store: newMemStore(),
		nodes: make(map[peer.ID]*raids.Node),
	}
}

func writeRandomFile(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()
	data := frand.Bytes(size)
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path, data
}

func checkFile(t *testing.T, path string, expected []byte) {
	t.Helper()
	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(buf, expected) {
		t.Fatalf("downloaded file does not match: expected %d bytes, got %d", len(expected), len(buf))
	}
}

func TestUploadDownload(t *testing.T) {
	tc := newTestCluster(t)
	// the uploader never has room for a chunk
	uploader := tc.addNode(raids.WithCapacity(1))
	for i := 0; i < 4; i++ {
		tc.addNode()
	}

	path, data := writeRandomFile(t, "photo.jpg", 4096+frand.Intn(4096))
	ml, err := uploader.Upload(context.Background(), path, 3)
	if err != nil {
		t.Fatal(err)
	} else if len(ml.Parts) != 3 {
		t.Fatalf("expected 3 rings, got %v", len(ml.Parts))
	} else if ml.Size != int64(len(data)) {
		t.Fatalf("expected size %v, got %v", len(data), ml.Size)
	} else if ml.Hash != chunker.Hash(data) {
		t.Fatalf("expected hash %v, got %v", chunker.Hash(data), ml.Hash)
	}
	for i, ring := range ml.Parts {
		if len(ring) != 3 {
			t.Fatalf("expected ring %d to have 3 members, got %v", i, len(ring))
		}
		for _, p := range ring {
			if p == uploader.ID() {
				t.Fatal("uploader should not have accepted a chunk")
			}
		}
	}

	stored := tc.store.masterList(t, raids.MasterListKey("alice", "photo.jpg"))
	if !reflect.DeepEqual(stored.Parts, ml.Parts) {
		t.Fatalf("expected stored rings %v, got %v", ml.Parts, stored.Parts)
	}
	files, err := uploader.Files(context.Background())
	if err != nil {
		t.Fatal(err)
	} else if len(files) != 1 || files[0].Name != "photo.jpg" || files[0].Hash != ml.Hash {
		t.Fatalf("unexpected file list %v", files)
	}

	tc.waitForData(ml)

	// heads forward the chunk; tails do not
	for i, ring := range ml.Parts {
		pos, _ := tc.position(ring[len(ring)-1], ml.PartKey(i))
		if !pos.Tail {
			t.Fatalf("expected %v to be the tail of ring %d", ring[len(ring)-1], i)
		} else if pos.Predecessor != ring[len(ring)-2] || pos.Successor != ring[0] {
			t.Fatalf("unexpected tail position %+v", pos)
		}
	}

	dst := filepath.Join(t.TempDir(), "photo.jpg")
	res, err := uploader.Download(context.Background(), "photo.jpg", dst)
	if err != nil {
		t.Fatal(err)
	} else if len(res.Missing) != 0 {
		t.Fatalf("expected no missing chunks, got %v", res.Missing)
	} else if res.Hash != ml.Hash || res.Size != ml.Size {
		t.Fatalf("unexpected result %+v", res)
	}
	checkFile(t, dst, data)

	if _, err := uploader.Download(context.Background(), "missing.jpg", dst); !errors.Is(err, raids.ErrNotFound) {
		t.Fatalf("expected %v, got %v", raids.ErrNotFound, err)
	}
}

func TestUploadNotEnoughPeers(t *testing.T) {
	tc := newTestCluster(t)
	uploader := tc.addNode(raids.WithCapacity(1))
	tc.addNode()

	path, _ := writeRandomFile(t, "notes.txt", 1024)
	if _, err := uploader.Upload(context.Background(), path, 2); !errors.Is(err, raids.ErrDiscoveryTimeout) {
		t.Fatalf("expected %v, got %v", raids.ErrDiscoveryTimeout, err)
	} else if files, err := uploader.Files(context.Background()); err != nil {
		t.Fatal(err)
	} else if len(files) != 0 {
		t.Fatalf("expected no files, got %v", files)
	}
}

func TestDownloadMissingChunk(t *testing.T) {
	tc := newTestCluster(t)
	uploader := tc.addNode(raids.WithCapacity(1), raids.WithReplicas(1))
	for i := 0; i < 3; i++ {
		tc.addNode(raids.WithReplicas(1))
	}

	path, data := writeRandomFile(t, "report.pdf", 3000+frand.Intn(1000))
	ml, err := uploader.Upload(context.Background(), path, 4)
	if err != nil {
		t.Fatal(err)
	}
	tc.waitForData(ml)

	// lose the only copy of chunk 2
	holder := ml.Parts[2][0]
	pos, _ := tc.position(holder, ml.PartKey(2))
	if err := os.Remove(pos.LocalPath); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(t.TempDir(), "report.pdf")
	res, err := uploader.Download(context.Background(), "report.pdf", dst)
	if err != nil {
		t.Fatal(err)
	} else if !reflect.DeepEqual(res.Missing, []int{2}) {
		t.Fatalf("expected missing chunk 2, got %v", res.Missing)
	}
	checkFile(t, dst, data)
}

func TestDownloadCorrupt(t *testing.T) {
	tc := newTestCluster(t)
	uploader := tc.addNode(raids.WithCapacity(1), raids.WithReplicas(1))
	for i := 0; i < 2; i++ {
		tc.addNode(raids.WithReplicas(1))
	}

	path, _ := writeRandomFile(t, "ledger.db", 2048)
	ml, err := uploader.Upload(context.Background(), path, 2)
	if err != nil {
		t.Fatal(err)
	}
	tc.waitForData(ml)

	// flip a byte of chunk 0 without changing its length
	pos, _ := tc.position(ml.Parts[0][0], ml.PartKey(0))
	buf, err := os.ReadFile(pos.LocalPath)
	if err != nil {
		t.Fatal(err)
	}
	buf[0] ^= 0xFF
	if err := os.WriteFile(pos.LocalPath, buf, 0600); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(t.TempDir(), "ledger.db")
	if _, err := uploader.Download(context.Background(), "ledger.db", dst); !errors.Is(err, raids.ErrCorrupt) {
		t.Fatalf("expected %v, got %v", raids.ErrCorrupt, err)
	}
}

func TestRecovery(t *testing.T) {
	tc := newTestCluster(t)
	uploader := tc.addNode(raids.WithCapacity(1))
	var storage []peer.ID
	for i := 0; i < 4; i++ {
		storage = append(storage, tc.addNode().ID())
	}

	path, data := writeRandomFile(t, "archive.tar", 5000)
	ml, err := uploader.Upload(context.Background(), path, 2)
	if err != nil {
		t.Fatal(err)
	}
	tc.waitForData(ml)

	ring := ml.Parts[0]
	a, b, c := ring[0], ring[1], ring[2]
	var d peer.ID
	for _, p := range storage {
		if p != a && p != b && p != c {
			d = p
		}
	}
	pk := ml.PartKey(0)

	tc.kill(b)

	// c notices b's missed heartbeats and replaces it with the only peer
	// outside the ring
	waitFor(t, 10*time.Second, func() error {
		stored := tc.store.masterList(t, ml.LookupKey)
		if expected := []peer.ID{a, d, c}; !reflect.DeepEqual(stored.Parts[0], expected) {
			return fmt.Errorf("expected ring %v, got %v", expected, stored.Parts[0])
		} else if stored.IsUnavailable(0, d) {
			return errors.New("replacement should hold the chunk")
		}
		return nil
	})

	waitFor(t, 10*time.Second, func() error {
		if pos, _ := tc.position(a, pk); pos.Successor != d {
			return fmt.Errorf("expected %v to follow %v, got %v", d, a, pos.Successor)
		} else if pos, _ := tc.position(c, pk); pos.Predecessor != d {
			return fmt.Errorf("expected %v to precede %v, got %v", d, c, pos.Predecessor)
		} else if pos, ok := tc.position(d, pk); !ok || pos.LocalPath == "" {
			return errors.New("replacement does not hold the chunk")
		} else if pos.Predecessor != a || pos.Successor != c {
			return fmt.Errorf("unexpected replacement position %+v", pos)
		}
		return nil
	})

	// the file is still complete without b
	dst := filepath.Join(t.TempDir(), "archive.tar")
	res, err := uploader.Download(context.Background(), "archive.tar", dst)
	if err != nil {
		t.Fatal(err)
	} else if len(res.Missing) != 0 {
		t.Fatalf("expected no missing chunks, got %v", res.Missing)
	}
	checkFile(t, dst, data)
}

func TestClosedNode(t *testing.T) {
	tc := newTestCluster(t)
	n := tc.addNode()
	path, _ := writeRandomFile(t, "todo.txt", 100)

	tc.kill(n.ID())
	if !n.Closed() || !n.Status().Closed {
		t.Fatal("expected node to be closed")
	} else if err := n.Close(); err != nil {
		t.Fatal(err)
	} else if _, err := n.Upload(context.Background(), path, 2); !errors.Is(err, raids.ErrNodeClosed) {
		t.Fatalf("expected %v, got %v", raids.ErrNodeClosed, err)
	} else if _, err := n.Download(context.Background(), "todo.txt", path); !errors.Is(err, raids.ErrNodeClosed) {
		t.Fatalf("expected %v, got %v", raids.ErrNodeClosed, err)
	}

	pk := raids.PartKey{FileHash: chunker.HashString("todo.txt"), Index: 0}
	if err := n.HandleChunk(context.Background(), randomPeerID(t), pk, strings.NewReader("data")); !errors.Is(err, raids.ErrNodeClosed) {
		t.Fatalf("expected %v, got %v", raids.ErrNodeClosed, err)
	} else if err := n.HandleChunkReply(context.Background(), randomPeerID(t), pk, strings.NewReader("data")); !errors.Is(err, raids.ErrNodeClosed) {
		t.Fatalf("expected %v, got %v", raids.ErrNodeClosed, err)
	}
	// messages to a closed node are dropped
	n.HandleMessage(randomPeerID(t), raids.Heartbeat{From: randomPeerID(t)})
}

func TestRestore(t *testing.T) {
	tc := newTestCluster(t)
	dir := t.TempDir()
	self, other := randomPeerID(t), randomPeerID(t)

	ml := raids.MasterList{
		LookupKey: raids.MasterListKey("alice", "backup.zip"),
		Filename:  "backup.zip",
		Size:      10,
		Parts:     [][]peer.ID{{other, self}, {self, other}},
	}
	buf, err := json.Marshal(ml)
	if err != nil {
		t.Fatal(err)
	} else if err := tc.store.Put(context.Background(), ml.LookupKey, buf); err != nil {
		t.Fatal(err)
	}

	pk := ml.PartKey(0)
	chunkPath := filepath.Join(dir, chunker.ChunkName(pk.Index, pk.FileHash))
	if err := os.WriteFile(chunkPath, []byte("chunk"), 0600); err != nil {
		t.Fatal(err)
	}
	chunks := newMemChunkStore()
	chunks.AddChunk(raids.ChunkRecord{Part: pk, Path: chunkPath, Size: 5, Hash: chunker.HashString("chunk")})

	n, err := raids.NewNode(self, "alice", dir, tc.store, tc.mn.endpoint(self), chunks,
		raids.WithLog(zap.NewNop()),
		raids.WithHeartbeat(time.Minute, time.Minute, time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	if used := n.Status().Used; used != 5 {
		t.Fatalf("expected 5 bytes used, got %v", used)
	}

	// the MasterList is reloaded from the store
	waitFor(t, 5*time.Second, func() error {
		status := n.Status()
		if len(status.Positions) != 2 {
			return fmt.Errorf("expected 2 positions, got %v", len(status.Positions))
		}
		for _, pos := range status.Positions {
			if pos.Predecessor != other || pos.Successor != other {
				return fmt.Errorf("unexpected position %+v", pos)
			}
		}
		if !reflect.DeepEqual(status.Monitored, []peer.ID{other}) {
			return fmt.Errorf("expected to monitor %v, got %v", other, status.Monitored)
		}
		return nil
	})

	for _, pos := range n.Status().Positions {
		switch pos.Part {
		case pk:
			if pos.LocalPath != chunkPath || !pos.Tail || !pos.Forwarded {
				t.Fatalf("unexpected restored position %+v", pos)
			}
		default:
			if pos.LocalPath != "" || pos.Tail {
				t.Fatalf("unexpected position %+v", pos)
			}
		}
	}
}

// applyRing stores a MasterList with the given ring for every chunk and
// delivers it to each live member.
func (tc *testCluster) applyRing(filename string, size int64, hash string, chunks int, ring ...peer.ID) raids.MasterList {
	tc.t.Helper()
	ml := raids.MasterList{
		LookupKey: raids.MasterListKey("alice", filename),
		Filename:  filename,
		Size:      size,
		Hash:      hash,
		Parts:     make([][]peer.ID, chunks),
	}
	for i := range ml.Parts {
		ml.Parts[i] = append([]peer.ID(nil), ring...)
	}
	tc.store.putJSON(tc.t, ml.LookupKey, ml)
	for _, p := range ring {
		if n, ok := tc.nodes[p]; ok {
			n.HandleMessage(ring[0], raids.MasterListDelivery{List: ml})
		}
	}
	waitFor(tc.t, 5*time.Second, func() error {
		for _, p := range ring {
			if _, ok := tc.nodes[p]; !ok {
				continue
			} else if _, ok := tc.position(p, ml.PartKey(0)); !ok {
				return fmt.Errorf("%v has not applied the master list", p)
			}
		}
		return nil
	})
	return ml
}

func TestDownloadWhileReceivingChunk(t *testing.T) {
	tc := newTestCluster(t)
	x := tc.addNode(raids.WithTransferTimeout(10*time.Second), raids.WithHeartbeat(25*time.Millisecond, 10*time.Millisecond, time.Minute))
	tail := tc.addNode()
	head := randomPeerID(t)
	requests := make(chan raids.DownloadRequest, 16)
	tc.mn.add(head, &quietPeer{requests: requests})

	path, data := writeRandomFile(t, "song.mp3", 3000)
	info, err := chunker.Split(path, 3)
	if err != nil {
		t.Fatal(err)
	}
	ml := tc.applyRing("song.mp3", info.OriginalSize, info.OriginalHash, len(info.ChunkPaths), head, x.ID(), tail.ID())
	tc.store.putJSON(t, raids.PersonalFileListKey("alice"), raids.PersonalFileList{
		Username: "alice",
		Files:    []raids.PersonalFileInfo{{Name: "song.mp3", Hash: ml.Hash}},
	})

	dst := filepath.Join(t.TempDir(), "song.mp3")
	done := make(chan error, 1)
	go func() {
		_, err := x.Download(context.Background(), "song.mp3", dst)
		done <- err
	}()

	// x asks head, the first member of each ring, for every chunk
	for range ml.Parts {
		select {
		case req := <-requests:
			if req.Requester != x.ID() {
				t.Fatalf("expected request from %v, got %v", x.ID(), req.Requester)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("download did not request every chunk")
		}
	}

	sendFiles := func(send func(raids.PartKey, *os.File) error) {
		t.Helper()
		for i, p := range info.ChunkPaths {
			f, err := os.Open(p)
			if err != nil {
				t.Fatal(err)
			}
			err = send(ml.PartKey(i), f)
			f.Close()
			if err != nil {
				t.Fatal(err)
			}
		}
	}

	// head cascades the chunks while the download is waiting on it
	sendFiles(func(pk raids.PartKey, f *os.File) error {
		return x.HandleChunk(context.Background(), head, pk, f)
	})
	for i := range ml.Parts {
		if pos, _ := tc.position(x.ID(), ml.PartKey(i)); pos.LocalPath == "" || !pos.Forwarded {
			t.Fatalf("expected chunk %d to be stored and forwarded, got %+v", i, pos)
		}
	}
	waitFor(t, 5*time.Second, func() error {
		for i := range ml.Parts {
			if pos, _ := tc.position(tail.ID(), ml.PartKey(i)); pos.LocalPath == "" {
				return fmt.Errorf("tail does not hold chunk %d", i)
			}
		}
		return nil
	})

	// head answers the download requests
	he := tc.mn.endpoint(head)
	sendFiles(func(pk raids.PartKey, f *os.File) error {
		return he.ReplyChunk(context.Background(), x.ID(), pk, f)
	})
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("download did not finish")
	}
	checkFile(t, dst, data)

	// replies no download is waiting for are not stored
	used := tail.Status().Used
	stray := raids.PartKey{FileHash: chunker.HashString("stray"), Index: 0}
	if err := he.ReplyChunk(context.Background(), tail.ID(), stray, strings.NewReader("stray")); err != nil {
		t.Fatal(err)
	} else if n := tail.Status().Used; n != used {
		t.Fatalf("expected %v bytes used, got %v", used, n)
	} else if _, ok := tc.position(tail.ID(), stray); ok {
		t.Fatal("expected stray reply to be discarded")
	}
}

func TestRecoveryRetry(t *testing.T) {
	tc := newTestCluster(t)
	uploader := tc.addNode(raids.WithCapacity(1))
	for i := 0; i < 3; i++ {
		tc.addNode()
	}

	path, data := writeRandomFile(t, "thesis.pdf", 4000)
	ml, err := uploader.Upload(context.Background(), path, 2)
	if err != nil {
		t.Fatal(err)
	}
	tc.waitForData(ml)

	ring := ml.Parts[0]
	b, c := ring[1], ring[2]
	tc.kill(b)

	// no peer outside the ring has room, so recovery fails and c goes back
	// to waiting on b
	time.Sleep(time.Second)
	waitFor(t, 5*time.Second, func() error {
		for _, p := range tc.nodes[c].Status().Monitored {
			if p == b {
				return nil
			}
		}
		return fmt.Errorf("expected %v to monitor %v again", c, b)
	})
	stored := tc.store.masterList(t, ml.LookupKey)
	if !reflect.DeepEqual(stored.Parts[0], ring) {
		t.Fatalf("expected ring %v, got %v", ring, stored.Parts[0])
	}

	// a peer with room joins and the next missed heartbeat window repairs
	// every ring
	d := tc.addNode().ID()
	waitFor(t, 10*time.Second, func() error {
		stored := tc.store.masterList(t, ml.LookupKey)
		for i, ring := range stored.Parts {
			for _, p := range ring {
				if p == b {
					return fmt.Errorf("ring %d still contains %v", i, b)
				}
			}
		}
		if expected := []peer.ID{ring[0], d, c}; !reflect.DeepEqual(stored.Parts[0], expected) {
			return fmt.Errorf("expected ring %v, got %v", expected, stored.Parts[0])
		}
		return nil
	})

	dst := filepath.Join(t.TempDir(), "thesis.pdf")
	if _, err := uploader.Download(context.Background(), "thesis.pdf", dst); err != nil {
		t.Fatal(err)
	}
	checkFile(t, dst, data)
}

func TestRecoveryWithoutLocalCopy(t *testing.T) {
	tc := newTestCluster(t)
	uploader := tc.addNode(raids.WithCapacity(1))
	for i := 0; i < 4; i++ {
		tc.addNode()
	}

	path, data := writeRandomFile(t, "movie.mkv", 6000)
	ml, err := uploader.Upload(context.Background(), path, 3)
	if err != nil {
		t.Fatal(err)
	}
	tc.waitForData(ml)

	ring := ml.Parts[0]
	a, b, c := ring[0], ring[1], ring[2]
	pk := ml.PartKey(0)

	// c loses its copy before b dies
	pos, _ := tc.position(c, pk)
	if err := os.Remove(pos.LocalPath); err != nil {
		t.Fatal(err)
	}
	tc.kill(b)

	// the ring is repaired but the replacement is flagged as lacking the
	// chunk
	var replacement peer.ID
	waitFor(t, 10*time.Second, func() error {
		stored := tc.store.masterList(t, ml.LookupKey)
		r := stored.Parts[0]
		if len(r) != 3 || r[0] != a || r[2] != c || r[1] == b {
			return fmt.Errorf("ring 0 not repaired: %v", r)
		} else if !stored.IsUnavailable(0, r[1]) {
			return fmt.Errorf("expected %v to be flagged unavailable", r[1])
		}
		replacement = r[1]
		return nil
	})

	waitFor(t, 10*time.Second, func() error {
		if pos, _ := tc.position(a, pk); pos.Successor != replacement {
			return fmt.Errorf("expected %v to follow %v, got %v", replacement, a, pos.Successor)
		} else if pos, ok := tc.position(replacement, pk); !ok {
			return errors.New("replacement has not applied the master list")
		} else if pos.Predecessor != a || pos.Successor != c {
			return fmt.Errorf("unexpected replacement position %+v", pos)
		}
		return nil
	})
	// no bytes are pushed to the replacement
	time.Sleep(200 * time.Millisecond)
	if pos, _ := tc.position(replacement, pk); pos.LocalPath != "" {
		t.Fatalf("expected replacement to hold no data, got %+v", pos)
	}

	// a still holds the chunk, so the file is complete
	dst := filepath.Join(t.TempDir(), "movie.mkv")
	res, err := uploader.Download(context.Background(), "movie.mkv", dst)
	if err != nil {
		t.Fatal(err)
	} else if len(res.Missing) != 0 {
		t.Fatalf("expected no missing chunks, got %v", res.Missing)
	}
	checkFile(t, dst, data)
}

func TestHeartbeatRecipientRemoved(t *testing.T) {
	tc := newTestCluster(t)
	// nobody misses a heartbeat window during the test
	slow := raids.WithHeartbeat(25*time.Millisecond, 10*time.Millisecond, time.Minute)
	a := tc.addNode(slow)
	b := tc.addNode(slow)

	ml := tc.applyRing("notes.md", 10, chunker.HashString("notes"), 1, a.ID(), b.ID())
	waitFor(t, 5*time.Second, func() error {
		if n := a.Status().Recipients[b.ID()]; n != 1 {
			return fmt.Errorf("expected %v to send heartbeats to %v once, got %v", a.ID(), b.ID(), n)
		}
		return nil
	})

	// b stays up but can no longer be reached
	tc.mn.remove(b.ID())
	waitFor(t, 5*time.Second, func() error {
		if _, ok := a.Status().Recipients[b.ID()]; ok {
			return fmt.Errorf("expected %v to stop sending heartbeats to %v", a.ID(), b.ID())
		}
		return nil
	})

	// only the heartbeat registration is dropped
	if pos, ok := tc.position(a.ID(), ml.PartKey(0)); !ok || pos.Successor != b.ID() {
		t.Fatalf("unexpected position %+v", pos)
	}
	if !reflect.DeepEqual(a.Status().Monitored, []peer.ID{b.ID()}) {
		t.Fatalf("expected to monitor %v, got %v", b.ID(), a.Status().Monitored)
	}
}

func TestRelayedHeartbeatIgnored(t *testing.T) {
	tc := newTestCluster(t)
	c := tc.addNode()
	spare := tc.addNode()
	dead := randomPeerID(t)

	ml := tc.applyRing("draft.doc", 10, chunker.HashString("draft"), 1, dead, c.ID())

	// spare keeps relaying heartbeats that claim to come from dead
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(20 * time.Millisecond):
				c.HandleMessage(spare.ID(), raids.Heartbeat{From: dead})
			}
		}
	}()

	waitFor(t, 10*time.Second, func() error {
		stored := tc.store.masterList(t, ml.LookupKey)
		if expected := []peer.ID{spare.ID(), c.ID()}; !reflect.DeepEqual(stored.Parts[0], expected) {
			return fmt.Errorf("expected ring %v, got %v", expected, stored.Parts[0])
		}
		return nil
	})
}
