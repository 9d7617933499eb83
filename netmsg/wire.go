// Package netmsg implements the operator-to-operator wire format and a
// best-effort, authenticated point-to-point transport: feed-then-flush
// per-peer queues, broadcast/unicast, and at-most-once delivery with
// caller-managed retries. It is the networking substrate the
// synchronizer, consensus engine, and operator committee all share.
package netmsg

import (
	"errors"

	"github.com/ethereum/go-ethereum/rlp"
)

// ProtocolVersion is the wire version this build speaks. Peers
// advertising a different version are dropped silently on receipt,
// per the external-interfaces wire format.
const ProtocolVersion uint16 = 1

// Kind tags the payload carried inside a Frame's Inner bytes, standing in
// for the tagged union `Propose | Vote | Timeout | SyncRequest |
// SyncReply | PartialSignature` a sum type would carry in a language with
// native enums — RLP has none, so the tag precedes the RLP-encoded body.
type Kind byte

const (
	KindPropose Kind = iota + 1
	KindVote
	KindTimeout
	KindSyncRequest
	KindSyncReply
	KindPartialSignature
)

// ErrMalformed is returned for any frame that fails to decode or carries
// an unrecognized kind tag; per the error-handling design this always
// maps to Protocol{MalformedMessage} and the frame is dropped, never
// surfaced past the network layer.
var ErrMalformed = errors.New("netmsg: malformed frame")

// ErrVersionMismatch means the frame's protocol version does not match
// ours; silently dropped by convention (see PeerSet.serveConn).
var ErrVersionMismatch = errors.New("netmsg: protocol version mismatch")

// ErrUnknownValidator means the frame's validator_id field names no
// operator this node's resolver knows; silently dropped, same as a
// version mismatch.
var ErrUnknownValidator = errors.New("netmsg: unknown validator")

// Envelope is the tagged union carried as a Frame's Inner bytes.
type Envelope struct {
	Kind Kind
	Body []byte
}

// Frame is the 3-tuple {protocol_version, validator_id, payload_bytes}
// every wire message carries, RLP-encoded as specified.
type Frame struct {
	Version     uint16
	ValidatorID uint64
	Inner       []byte
}

// EncodeEnvelope wraps body under kind and serializes the Envelope.
func EncodeEnvelope(kind Kind, body []byte) ([]byte, error) {
	return rlp.EncodeToBytes(&Envelope{Kind: kind, Body: body})
}

// DecodeEnvelope reverses EncodeEnvelope.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := rlp.DecodeBytes(raw, &env); err != nil {
		return nil, ErrMalformed
	}
	return &env, nil
}

// EncodeFrame builds the wire bytes for one message: kind/body identify
// the inner message. PeerSet passes its own operator id as validatorID,
// and the receiving PeerSet checks that field against its resolver's
// operators and reports it as the sender; no separate validator identity
// is carried.
func EncodeFrame(validatorID uint64, kind Kind, body []byte) ([]byte, error) {
	inner, err := EncodeEnvelope(kind, body)
	if err != nil {
		return nil, err
	}
	f := &Frame{Version: ProtocolVersion, ValidatorID: validatorID, Inner: inner}
	return rlp.EncodeToBytes(f)
}

// DecodeFrame parses raw wire bytes into a Frame without interpreting
// Inner; callers then check Version/ValidatorID before decoding further.
func DecodeFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := rlp.DecodeBytes(raw, &f); err != nil {
		return nil, ErrMalformed
	}
	return &f, nil
}
