// Package transport implements the single UDP socket per process: datagram
// framing via package wire, request/response correlation with
// cancel-on-replace semantics, and silent drop of datagrams addressed to
// unknown local ids or that fail to decode.
//
// The architecture — a loop() goroutine owning the pending-reply list and a
// readLoop() goroutine turning datagrams into events for it — mirrors a
// discv4-style UDP discovery transport's ping/findnode/neighbors exchange,
// adapted here to this protocol's four RPC calls.
package transport

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/inconshreveable/log15"
	"github.com/mod/chordswarm/id"
	"github.com/mod/chordswarm/wire"
	"github.com/pborman/uuid"
	"github.com/rcrowley/go-metrics"
)

// Errors surfaced to callers (spec §7).
var (
	ErrTimeout         = errors.New("transport: rpc timeout")
	ErrCancelled       = errors.New("transport: request cancelled")
	ErrTransportClosed = errors.New("transport: closed")
	ErrUnknownNode     = errors.New("transport: no local node for destination id")
)

const (
	ntpFailureThreshold = 32               // consecutive timeouts before an NTP check
	ntpWarningCooldown  = 10 * time.Minute // minimum time between NTP checks
	driftThreshold      = 10 * time.Second // clock drift worth warning about
	ntpServer           = "pool.ntp.org"
)

// Dispatcher handles an inbound request addressed to a local virtual node
// and returns the encoded response body. It returns ErrUnknownNode if
// hdr.ToID names no local virtual node, which the transport treats as a
// silent drop (spec §4.6: "no NACK — absence is the signal").
type Dispatcher interface {
	Dispatch(from wire.Address, hdr wire.Header, body []byte) ([]byte, error)
}

type pendingKey struct {
	PeerAddr string
	LocalID  id.Id
	RemoteID id.Id
	RespType wire.Type
}

func (k pendingKey) String() string {
	return fmt.Sprintf("%s local=%s remote=%s type=%s", k.PeerAddr, k.LocalID, k.RemoteID, k.RespType)
}

// keysMatch compares a pending request's key against an arrived reply's
// key. A pending RemoteID of id.Zero is a wildcard: it matches any
// responder at the same address, which is what lets Request contact a
// bootstrap peer whose id isn't known yet (spec §4.2's from_id-based
// correlation otherwise presumes the expected responder is already known).
func keysMatch(pending, got pendingKey) bool {
	if pending.PeerAddr != got.PeerAddr || pending.LocalID != got.LocalID || pending.RespType != got.RespType {
		return false
	}
	return pending.RemoteID == id.Zero || pending.RemoteID == got.RemoteID
}

type pendingRequest struct {
	key      pendingKey
	deadline time.Time
	createAt time.Time
	resultCh chan result
}

type result struct {
	body []byte
	err  error
}

type replyEvent struct {
	key     pendingKey
	body    []byte
	matched chan bool
}

// Config bundles the few transport-level knobs spec.md assigns default
// values to.
type Config struct {
	RPCTimeout   time.Duration // T_rpc, default 1s
	DatagramCap  int           // default 64KiB
	ReadBufBytes int           // socket read buffer, default 64KiB
}

// DefaultConfig returns spec.md's defaults.
func DefaultConfig() Config {
	return Config{
		RPCTimeout:   time.Second,
		DatagramCap:  wire.MaxDatagramSize,
		ReadBufBytes: wire.MaxDatagramSize,
	}
}

// Transport owns the single UDP socket for the process.
type Transport struct {
	conn       *net.UDPConn
	localAddr  wire.Address
	dispatcher Dispatcher
	cfg        Config
	log        log15.Logger

	pendings chan *pendingRequest
	cancels  chan pendingKey
	gotReply chan replyEvent
	closing  chan struct{}
	closeMu  sync.Once

	decodeErrors metrics.Counter
	rpcTimeouts  metrics.Meter
}

// Listen opens a UDP socket at addr and starts the transport's receive and
// correlation loops. dispatcher is consulted for every inbound request.
func Listen(addr wire.Address, dispatcher Dispatcher, cfg Config) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr.String())
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	local := wire.AddressFromUDP(conn.LocalAddr().(*net.UDPAddr))

	t := &Transport{
		conn:         conn,
		localAddr:    local,
		dispatcher:   dispatcher,
		cfg:          cfg,
		log:          log15.New("module", "transport", "addr", local.String()),
		pendings:     make(chan *pendingRequest),
		cancels:      make(chan pendingKey),
		gotReply:     make(chan replyEvent),
		closing:      make(chan struct{}),
		decodeErrors: metrics.NewCounter(),
		rpcTimeouts:  metrics.NewMeter(),
	}
	t.log.Info("udp transport listening")
	go t.loop()
	go t.readLoop()
	return t, nil
}

// LocalAddr is the bound address, resolved from an ephemeral port if one
// was requested.
func (t *Transport) LocalAddr() wire.Address { return t.localAddr }

// DecodeErrorCount exposes the running count of datagrams dropped for
// failing to decode, tracked as a local metric.
func (t *Transport) DecodeErrorCount() int64 { return t.decodeErrors.Count() }

// Close shuts the socket down; every outstanding waiter observes
// ErrTransportClosed (spec §5 "Cancellation").
func (t *Transport) Close() error {
	t.closeMu.Do(func() { close(t.closing) })
	return t.conn.Close()
}

// Request sends a request datagram to peer and blocks until a matching
// response arrives, the context is cancelled, or T_rpc elapses. A second
// call with the same (localID, remoteID, reqType) while the first is still
// outstanding cancels the first (spec §4.6).
func (t *Transport) Request(ctx context.Context, peer wire.Address, localID, remoteID id.Id, reqType wire.Type, body []byte) ([]byte, error) {
	key := pendingKey{
		PeerAddr: peer.String(),
		LocalID:  localID,
		RemoteID: remoteID,
		RespType: reqType.ResponseType(),
	}
	p := &pendingRequest{key: key, resultCh: make(chan result, 1)}

	select {
	case t.pendings <- p:
	case <-t.closing:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	datagram := append(wire.EncodeHeader(wire.Header{FromID: localID, ToID: remoteID, Type: reqType}), body...)
	udpAddr, err := net.ResolveUDPAddr("udp", peer.String())
	if err != nil {
		return nil, err
	}
	reqID := uuid.New()
	if _, err := t.conn.WriteToUDP(datagram, udpAddr); err != nil {
		t.log.Debug(">> send failed", "type", reqType, "peer", peer, "reqid", reqID, "err", err)
		return nil, err
	}
	t.log.Debug(">> "+reqType.String(), "peer", peer, "reqid", reqID)

	select {
	case r := <-p.resultCh:
		return r.body, r.err
	case <-ctx.Done():
		select {
		case t.cancels <- key:
		case <-t.closing:
		}
		return nil, ctx.Err()
	case <-t.closing:
		return nil, ErrTransportClosed
	}
}

// loop owns the pending-reply list; all mutation of pending state happens
// here so no mutex is needed across goroutines (teacher's loop()).
func (t *Transport) loop() {
	plist := list.New()
	timeout := time.NewTimer(0)
	<-timeout.C
	defer timeout.Stop()

	var nextDeadline *time.Time
	contTimeouts := 0
	var lastNTPWarn time.Time

	removeByKey := func(key pendingKey, err error) {
		for el := plist.Front(); el != nil; el = el.Next() {
			p := el.Value.(*pendingRequest)
			if p.key == key {
				p.resultCh <- result{err: err}
				plist.Remove(el)
				return
			}
		}
	}

	resetTimeout := func() {
		front := plist.Front()
		if front == nil {
			nextDeadline = nil
			timeout.Stop()
			return
		}
		d := front.Value.(*pendingRequest).deadline
		if nextDeadline != nil && nextDeadline.Equal(d) {
			return
		}
		nextDeadline = &d
		wait := time.Until(d)
		if wait < 0 {
			wait = 0
		}
		timeout.Reset(wait)
	}

	for {
		resetTimeout()
		select {
		case <-t.closing:
			for el := plist.Front(); el != nil; el = el.Next() {
				el.Value.(*pendingRequest).resultCh <- result{err: ErrTransportClosed}
			}
			return

		case p := <-t.pendings:
			removeByKey(p.key, ErrCancelled)
			now := time.Now()
			p.createAt = now
			p.deadline = now.Add(t.cfg.RPCTimeout)
			plist.PushBack(p)

		case key := <-t.cancels:
			removeByKey(key, ErrCancelled)

		case ev := <-t.gotReply:
			matched := false
			for el := plist.Front(); el != nil; el = el.Next() {
				p := el.Value.(*pendingRequest)
				if keysMatch(p.key, ev.key) {
					matched = true
					p.resultCh <- result{body: ev.body}
					plist.Remove(el)
					contTimeouts = 0
					break
				}
			}
			ev.matched <- matched

		case now := <-timeout.C:
			nextDeadline = nil
			for el := plist.Front(); el != nil; {
				next := el.Next()
				p := el.Value.(*pendingRequest)
				if !now.Before(p.deadline) {
					p.resultCh <- result{err: ErrTimeout}
					plist.Remove(el)
					contTimeouts++
					t.rpcTimeouts.Mark(1)
				}
				el = next
			}
			if contTimeouts > ntpFailureThreshold {
				if time.Since(lastNTPWarn) >= ntpWarningCooldown {
					lastNTPWarn = time.Now()
					go t.checkClockDrift()
				}
				contTimeouts = 0
			}
		}
	}
}

// checkClockDrift queries an NTP server once and logs a warning if the
// local clock has drifted past driftThreshold, on the theory that a burst
// of RPC timeouts is as likely to be a bad local clock as a dead peer. It
// never affects protocol correctness; nothing here produces a negative
// acknowledgement.
func (t *Transport) checkClockDrift() {
	remote, err := ntp.Time(ntpServer)
	if err != nil {
		t.log.Debug("ntp check failed", "err", err)
		return
	}
	drift := time.Since(remote)
	if drift < 0 {
		drift = -drift
	}
	if drift > driftThreshold {
		t.log.Warn("local clock drift exceeds threshold after repeated rpc timeouts", "drift", drift)
	}
}

// readLoop turns inbound datagrams into dispatched requests or matched
// replies.
func (t *Transport) readLoop() {
	buf := make([]byte, t.cfg.ReadBufBytes)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closing:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				t.log.Debug("temporary udp read error", "err", err)
				continue
			}
			t.log.Debug("udp read error, stopping", "err", err)
			return
		}
		t.handlePacket(wire.AddressFromUDP(from), append([]byte(nil), buf[:n]...))
	}
}

func (t *Transport) handlePacket(from wire.Address, datagram []byte) {
	hdr, body, err := wire.DecodeHeader(datagram)
	if err != nil {
		t.decodeErrors.Inc(1)
		t.log.Debug("dropping undecodable datagram", "from", from, "err", err)
		return
	}
	if err := wire.ValidateType(hdr.Type); err != nil {
		t.decodeErrors.Inc(1)
		t.log.Debug("dropping datagram with unknown type", "from", from, "type", hdr.Type)
		return
	}

	if hdr.Type.IsRequest() {
		t.handleRequest(from, hdr, body)
		return
	}
	t.handleResponse(from, hdr, body)
}

func (t *Transport) handleRequest(from wire.Address, hdr wire.Header, body []byte) {
	respBody, err := t.dispatcher.Dispatch(from, hdr, body)
	if err != nil {
		if errors.Is(err, ErrUnknownNode) {
			t.log.Debug("dropping request for unknown local node", "from", from, "to", hdr.ToID)
			return
		}
		t.log.Debug("dispatch failed", "from", from, "type", hdr.Type, "err", err)
		return
	}
	respHdr := wire.Header{FromID: hdr.ToID, ToID: hdr.FromID, Type: hdr.Type.ResponseType()}
	datagram := append(wire.EncodeHeader(respHdr), respBody...)
	if len(datagram) > t.cfg.DatagramCap {
		t.log.Debug("dropping oversized reply", "to", from, "type", respHdr.Type, "size", len(datagram), "cap", t.cfg.DatagramCap)
		return
	}
	udpAddr, err := net.ResolveUDPAddr("udp", from.String())
	if err != nil {
		t.log.Debug("cannot resolve reply address", "from", from, "err", err)
		return
	}
	if _, err := t.conn.WriteToUDP(datagram, udpAddr); err != nil {
		t.log.Debug("reply send failed", "to", from, "err", err)
	}
}

func (t *Transport) handleResponse(from wire.Address, hdr wire.Header, body []byte) {
	key := pendingKey{
		PeerAddr: from.String(),
		LocalID:  hdr.ToID,
		RemoteID: hdr.FromID,
		RespType: hdr.Type,
	}
	matched := make(chan bool, 1)
	select {
	case t.gotReply <- replyEvent{key: key, body: body, matched: matched}:
		if !<-matched {
			t.log.Debug("late or unsolicited reply discarded", "from", from, "type", hdr.Type)
		}
	case <-t.closing:
	}
}
