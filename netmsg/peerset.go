package netmsg

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// maxFrameSize bounds a single inbound frame, guarding the listener
// against a peer that claims an unbounded length prefix.
const maxFrameSize = 8 << 20 // 8 MiB

// seenFrameCacheSize bounds the inbound replay-dedup cache. At-most-once
// delivery plus caller-managed retries (the synchronizer's retry tick, a
// leader rebroadcasting a proposal) means the same frame legitimately
// arrives twice; this generalizes the teacher's unbounded
// bftSeenQCs/bftSeenVotes maps in bft_bridge.go to a bounded LRU so a
// chatty retrant peer cannot grow the set without limit.
const seenFrameCacheSize = 4096

// Resolver maps an OperatorId to the address its node listens on.
// config.CommitteeDefinition is the concrete implementation used in
// production; tests supply a plain map.
type Resolver interface {
	NodeAddress(operator uint64) (string, bool)
}

// Handler processes a decoded Envelope received from operator `from`.
// Errors are logged by the caller and never propagated back to the peer
// — an unverifiable or malformed message is simply dropped.
type Handler func(from uint64, env *Envelope) error

// peerQueue buffers frames for one peer between Flush calls: outbound
// messages "coalesce into per-peer queues" and are only "driven onto the
// wire" when Flush runs, exactly as the unicast/broadcast/flush contract
// describes.
type peerQueue struct {
	mu      sync.Mutex
	pending [][]byte
	conn    net.Conn
}

// PeerSet is the authenticated, best-effort point-to-point transport
// shared by the synchronizer, consensus engine, and operator committee.
// Delivery is at-most-once; ordering is preserved per peer but not across
// peers, matching the concurrency model's network guarantees.
type PeerSet struct {
	self     uint64
	resolver Resolver
	log      *logrus.Entry

	mu    sync.Mutex
	peers map[uint64]*peerQueue

	handler Handler
	seen    *lru.Cache

	group *errgroup.Group
}

// NewPeerSet builds a transport for operator `self`, resolving peer
// addresses through resolver.
func NewPeerSet(self uint64, resolver Resolver, log *logrus.Entry) *PeerSet {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	seen, _ := lru.New(seenFrameCacheSize)
	return &PeerSet{
		self:     self,
		resolver: resolver,
		log:      log,
		peers:    make(map[uint64]*peerQueue),
		seen:     seen,
		group:    &errgroup.Group{},
	}
}

// SetHandler registers the callback invoked for every inbound Envelope
// accepted off an incoming connection.
func (ps *PeerSet) SetHandler(h Handler) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.handler = h
}

func (ps *PeerSet) queueFor(operator uint64) *peerQueue {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	q, ok := ps.peers[operator]
	if !ok {
		q = &peerQueue{}
		ps.peers[operator] = q
	}
	return q
}

// Unicast coalesces a frame to operator's outbound queue. Fire-and-forget:
// the bytes are not on the wire until Flush runs.
func (ps *PeerSet) Unicast(operator uint64, kind Kind, body []byte) error {
	frame, err := EncodeFrame(ps.self, kind, body)
	if err != nil {
		return err
	}
	q := ps.queueFor(operator)
	q.mu.Lock()
	q.pending = append(q.pending, frame)
	q.mu.Unlock()
	return nil
}

// Broadcast coalesces the same frame onto every operator's queue.
func (ps *PeerSet) Broadcast(operators []uint64, kind Kind, body []byte) error {
	frame, err := EncodeFrame(ps.self, kind, body)
	if err != nil {
		return err
	}
	for _, op := range operators {
		q := ps.queueFor(op)
		q.mu.Lock()
		q.pending = append(q.pending, frame)
		q.mu.Unlock()
	}
	return nil
}

// Flush drives every queued frame for the given operators onto the wire,
// dialing lazily if no connection is currently open. A failed dial or
// write drops that peer's queued bytes (at-most-once delivery) and moves
// on; the caller is responsible for retrying at a higher level (the
// synchronizer's retry tick, the consensus timer).
func (ps *PeerSet) Flush(operators []uint64) {
	for _, op := range operators {
		ps.flushOne(op)
	}
}

func (ps *PeerSet) flushOne(operator uint64) {
	q := ps.queueFor(operator)
	q.mu.Lock()
	frames := q.pending
	q.pending = nil
	conn := q.conn
	q.mu.Unlock()

	if len(frames) == 0 {
		return
	}

	if conn == nil {
		addr, ok := ps.resolver.NodeAddress(operator)
		if !ok {
			ps.log.WithField("operator", operator).Warn("netmsg: unknown peer address, dropping queued frames")
			return
		}
		var err error
		conn, err = net.Dial("tcp", addr)
		if err != nil {
			ps.log.WithError(err).WithField("operator", operator).Warn("netmsg: dial failed, dropping queued frames")
			return
		}
		q.mu.Lock()
		q.conn = conn
		q.mu.Unlock()
	}

	for _, frame := range frames {
		if err := writeFrame(conn, frame); err != nil {
			ps.log.WithError(err).WithField("operator", operator).Warn("netmsg: write failed, closing connection")
			conn.Close()
			q.mu.Lock()
			if q.conn == conn {
				q.conn = nil
			}
			q.mu.Unlock()
			return
		}
	}
}

// Listen accepts inbound connections on addr and dispatches decoded
// envelopes to the registered Handler. Frames with a mismatched protocol
// version, or whose validator_id field names an operator the resolver
// does not know, are dropped silently. That field holds the sending
// PeerSet's operator id and is passed to the Handler as the sender; no
// validator identity is checked.
func (ps *PeerSet) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	ps.group.Go(func() error {
		ps.acceptLoop(ln)
		return nil
	})
	return ln, nil
}

// Wait blocks until every accept loop and connection handler this
// PeerSet has spawned via Listen has returned — callers close the
// listener(s) first to unblock acceptLoop, then Wait to join the
// goroutines it supervises, following the teacher's errgroup-supervised
// shutdown shape.
func (ps *PeerSet) Wait() error {
	return ps.group.Wait()
}

func (ps *PeerSet) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		ps.group.Go(func() error {
			ps.serveConn(conn)
			return nil
		})
	}
}

func (ps *PeerSet) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		raw, err := readFrame(conn)
		if err != nil {
			return
		}
		frame, err := DecodeFrame(raw)
		if err != nil {
			ps.log.Warn("netmsg: dropping malformed frame")
			continue
		}
		if frame.Version != ProtocolVersion {
			continue
		}
		if _, ok := ps.resolver.NodeAddress(frame.ValidatorID); !ok {
			continue
		}
		digest := crypto.Keccak256Hash(raw)
		if _, dup := ps.seen.Get(digest); dup {
			continue
		}
		ps.seen.Add(digest, struct{}{})
		env, err := DecodeEnvelope(frame.Inner)
		if err != nil {
			continue
		}
		ps.mu.Lock()
		handler := ps.handler
		ps.mu.Unlock()
		if handler == nil {
			continue
		}
		if err := handler(frame.ValidatorID, env); err != nil {
			ps.log.WithError(err).WithField("from", frame.ValidatorID).Debug("netmsg: handler rejected envelope")
		}
	}
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, ErrMalformed
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
