package raids

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	msgHeartbeat       = "heartbeat"
	msgMasterList      = "masterList"
	msgDownloadRequest = "downloadRequest"
	msgRecover         = "recover"
	msgSelfReminder    = "selfReminder"
)

type (
	// A Message is one of the protocol messages exchanged between ring
	// members: Heartbeat, MasterListDelivery, DownloadRequest, Recover or
	// SelfReminder.
	Message interface {
		messageType() string
	}

	// Heartbeat is sent periodically to every ring successor.
	Heartbeat struct {
		From peer.ID `json:"from"`
	}

	// MasterListDelivery delivers a MasterList to a ring member.
	MasterListDelivery struct {
		List MasterList `json:"list"`
	}

	// DownloadRequest asks a ring member to stream a chunk to the requester.
	DownloadRequest struct {
		Part      PartKey `json:"part"`
		Requester peer.ID `json:"requester"`
	}

	// Recover tells the predecessor of a dead peer about its new successor.
	Recover struct {
		From         peer.ID `json:"from"`
		Part         PartKey `json:"part"`
		NewSuccessor peer.ID `json:"newSuccessor"`
	}

	// SelfReminder triggers a node's periodic heartbeat. It is never sent
	// over the network.
	SelfReminder struct{}

	envelope struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
)

func (Heartbeat) messageType() string          { return msgHeartbeat }
func (MasterListDelivery) messageType() string { return msgMasterList }
func (DownloadRequest) messageType() string    { return msgDownloadRequest }
func (Recover) messageType() string            { return msgRecover }
func (SelfReminder) messageType() string       { return msgSelfReminder }

// EncodeMessage encodes a message for the network.
func EncodeMessage(msg Message) ([]byte, error) {
	if _, ok := msg.(SelfReminder); ok {
		return nil, errors.New("self reminders are local")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.messageType(), err)
	}
	return json.Marshal(envelope{Type: msg.messageType(), Payload: payload})
}

// DecodeMessage decodes a message encoded with EncodeMessage.
func DecodeMessage(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	var msg Message
	var err error
	switch env.Type {
	case msgHeartbeat:
		var m Heartbeat
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case msgMasterList:
		var m MasterListDelivery
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case msgDownloadRequest:
		var m DownloadRequest
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case msgRecover:
		var m Recover
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", env.Type, err)
	}
	return msg, nil
}
