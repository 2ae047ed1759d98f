package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.sia.tech/raids/raids"
	"go.uber.org/zap"
)

const (
	protocolPrefix protocol.ID = "/raids"

	protocolMessage        = protocolPrefix + "/message/1.0.0"
	protocolStorageRequest = protocolPrefix + "/storage/request/1.0.0"
	protocolStorageReply   = protocolPrefix + "/storage/reply/1.0.0"
	protocolChunk          = protocolPrefix + "/chunk/1.0.0"
	protocolChunkReply     = protocolPrefix + "/chunk/reply/1.0.0"

	// maxMessageSize bounds the size of a JSON encoded message or storage
	// request.
	maxMessageSize = 4 << 20
	// maxStatusSize bounds the error text of a rejected stream.
	maxStatusSize = 1024

	publishTimeout = 10 * time.Second

	statusOK     byte = 0
	statusFailed byte = 1
)

var errNoHandler = errors.New("no handler registered")

// idleReader extends the read deadline of a stream before every read so a
// transfer fails only when the sender stalls.
type idleReader struct {
	s       network.Stream
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	if err := r.s.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return 0, err
	}
	return r.s.Read(p)
}

// writeStatus reports the result of handling a stream to its sender.
func writeStatus(s network.Stream, err error) error {
	if err == nil {
		_, werr := s.Write([]byte{statusOK})
		return werr
	}
	msg := err.Error()
	if len(msg) > maxStatusSize {
		msg = msg[:maxStatusSize]
	}
	_, werr := s.Write(append([]byte{statusFailed}, msg...))
	return werr
}

// readStatus waits for the receiver's result after the request has been
// written.
func readStatus(s network.Stream) error {
	if err := s.CloseWrite(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	var status [1]byte
	if _, err := io.ReadFull(s, status[:]); err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	} else if status[0] == statusOK {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(s, maxStatusSize))
	return fmt.Errorf("peer rejected request: %s", msg)
}

// openStream opens a stream to a peer with the deadline of ctx applied.
func (h *Host) openStream(ctx context.Context, to peer.ID, pid protocol.ID) (network.Stream, error) {
	s, err := h.host.NewStream(ctx, to, pid)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream to %v: %w", to, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		s.SetDeadline(deadline)
	}
	return s, nil
}

func (h *Host) sendJSON(ctx context.Context, to peer.ID, pid protocol.ID, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	} else if len(buf) > maxMessageSize {
		return fmt.Errorf("message is %d bytes, max %d", len(buf), maxMessageSize)
	}

	s, err := h.openStream(ctx, to, pid)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.Write(buf); err != nil {
		s.Reset()
		return fmt.Errorf("failed to write message: %w", err)
	}
	return readStatus(s)
}

func (h *Host) readJSON(s network.Stream, v any) error {
	s.SetReadDeadline(time.Now().Add(h.idleTimeout))
	buf, err := io.ReadAll(io.LimitReader(s, maxMessageSize+1))
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	} else if len(buf) > maxMessageSize {
		return fmt.Errorf("message exceeds %d bytes", maxMessageSize)
	}
	return json.Unmarshal(buf, v)
}

// SendMessage implements raids.Network.
func (h *Host) SendMessage(ctx context.Context, to peer.ID, msg raids.Message) error {
	buf, err := raids.EncodeMessage(msg)
	if err != nil {
		return err
	}
	if to == h.host.ID() {
		handler := h.currentHandler()
		if handler == nil {
			return errNoHandler
		}
		handler.HandleMessage(to, msg)
		return nil
	}
	return h.sendJSON(ctx, to, protocolMessage, json.RawMessage(buf))
}

// Publish implements raids.Network. The request is delivered locally and to
// every connected peer. Delivery to peers is best effort.
func (h *Host) Publish(ctx context.Context, req raids.StorageRequest) error {
	handler := h.currentHandler()
	if handler == nil {
		return errNoHandler
	}
	go handler.HandleStorageRequest(h.ctx, req)

	for _, p := range h.host.Network().Peers() {
		go func(p peer.ID) {
			ctx, cancel := context.WithTimeout(h.ctx, publishTimeout)
			defer cancel()
			if err := h.sendJSON(ctx, p, protocolStorageRequest, req); err != nil {
				h.log.Debug("failed to publish storage request", zap.Stringer("peer", p), zap.String("id", req.ID), zap.Error(err))
			}
		}(p)
	}
	return nil
}

// ReplyStorage implements raids.Network.
func (h *Host) ReplyStorage(ctx context.Context, to peer.ID, req raids.StorageRequest) error {
	if to == h.host.ID() {
		handler := h.currentHandler()
		if handler == nil {
			return errNoHandler
		}
		handler.HandleStorageReply(req)
		return nil
	}
	return h.sendJSON(ctx, to, protocolStorageReply, req)
}

// SendChunk implements raids.Network.
func (h *Host) SendChunk(ctx context.Context, to peer.ID, pk raids.PartKey, r io.Reader) error {
	if to == h.host.ID() {
		handler := h.currentHandler()
		if handler == nil {
			return errNoHandler
		}
		return handler.HandleChunk(ctx, to, pk, r)
	}
	return h.streamChunk(ctx, to, protocolChunk, pk, r)
}

// ReplyChunk implements raids.Network.
func (h *Host) ReplyChunk(ctx context.Context, to peer.ID, pk raids.PartKey, r io.Reader) error {
	if to == h.host.ID() {
		handler := h.currentHandler()
		if handler == nil {
			return errNoHandler
		}
		return handler.HandleChunkReply(ctx, to, pk, r)
	}
	return h.streamChunk(ctx, to, protocolChunkReply, pk, r)
}

// streamChunk writes a chunk framed by its encoded PartKey.
func (h *Host) streamChunk(ctx context.Context, to peer.ID, pid protocol.ID, pk raids.PartKey, r io.Reader) error {
	s, err := h.openStream(ctx, to, pid)
	if err != nil {
		return err
	}
	defer s.Close()

	bw := bufio.NewWriter(s)
	if err := pk.EncodeTo(bw); err != nil {
		s.Reset()
		return fmt.Errorf("failed to write part key: %w", err)
	} else if _, err := io.Copy(bw, r); err != nil {
		s.Reset()
		return fmt.Errorf("failed to write chunk: %w", err)
	} else if err := bw.Flush(); err != nil {
		s.Reset()
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	return readStatus(s)
}

func (h *Host) handleMessage(s network.Stream) {
	defer s.Close()
	from := s.Conn().RemotePeer()
	log := h.log.Named("handleMessage").With(zap.Stringer("peer", from))

	var buf json.RawMessage
	if err := h.readJSON(s, &buf); err != nil {
		log.Debug("failed to read message", zap.Error(err))
		s.Reset()
		return
	}
	msg, err := raids.DecodeMessage(buf)
	if err != nil {
		log.Warn("failed to decode message", zap.Error(err))
		writeStatus(s, err)
		return
	}

	handler := h.currentHandler()
	if handler == nil {
		writeStatus(s, errNoHandler)
		return
	}
	handler.HandleMessage(from, msg)
	writeStatus(s, nil)
}

func (h *Host) handleStorageRequest(s network.Stream) {
	defer s.Close()
	from := s.Conn().RemotePeer()

	var req raids.StorageRequest
	if err := h.readJSON(s, &req); err != nil {
		h.log.Debug("failed to read storage request", zap.Stringer("peer", from), zap.Error(err))
		s.Reset()
		return
	}
	handler := h.currentHandler()
	if handler == nil {
		writeStatus(s, errNoHandler)
		return
	}
	writeStatus(s, nil)
	handler.HandleStorageRequest(h.ctx, req)
}

func (h *Host) handleStorageReply(s network.Stream) {
	defer s.Close()
	from := s.Conn().RemotePeer()

	var req raids.StorageRequest
	if err := h.readJSON(s, &req); err != nil {
		h.log.Debug("failed to read storage reply", zap.Stringer("peer", from), zap.Error(err))
		s.Reset()
		return
	} else if req.Responder != from {
		writeStatus(s, fmt.Errorf("reply from %v claims responder %v", from, req.Responder))
		return
	}
	handler := h.currentHandler()
	if handler == nil {
		writeStatus(s, errNoHandler)
		return
	}
	handler.HandleStorageReply(req)
	writeStatus(s, nil)
}

// chunkHandler returns a stream handler that decodes a framed chunk and
// passes it to handle.
func (h *Host) chunkHandler(name string, handle func(raids.Handler, peer.ID, raids.PartKey, io.Reader) error) network.StreamHandler {
	return func(s network.Stream) {
		defer s.Close()
		from := s.Conn().RemotePeer()
		log := h.log.Named(name).With(zap.Stringer("peer", from))

		r := bufio.NewReader(&idleReader{s: s, timeout: h.idleTimeout})
		var pk raids.PartKey
		if err := pk.DecodeFrom(r); err != nil {
			log.Debug("failed to read part key", zap.Error(err))
			s.Reset()
			return
		}

		handler := h.currentHandler()
		if handler == nil {
			writeStatus(s, errNoHandler)
			return
		}
		err := handle(handler, from, pk, r)
		if err != nil {
			log.Warn("failed to handle chunk", zap.Stringer("part", pk), zap.Error(err))
		}
		writeStatus(s, err)
	}
}

func (h *Host) registerProtocols() {
	h.host.SetStreamHandler(protocolMessage, h.handleMessage)
	h.host.SetStreamHandler(protocolStorageRequest, h.handleStorageRequest)
	h.host.SetStreamHandler(protocolStorageReply, h.handleStorageReply)
	h.host.SetStreamHandler(protocolChunk, h.chunkHandler("handleChunk", func(handler raids.Handler, from peer.ID, pk raids.PartKey, r io.Reader) error {
		return handler.HandleChunk(h.ctx, from, pk, r)
	}))
	h.host.SetStreamHandler(protocolChunkReply, h.chunkHandler("handleChunkReply", func(handler raids.Handler, from peer.ID, pk raids.PartKey, r io.Reader) error {
		return handler.HandleChunkReply(h.ctx, from, pk, r)
	}))
}
