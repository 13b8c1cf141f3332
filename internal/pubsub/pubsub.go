// Package pubsub implements the authenticated multicast message bus: an
// unreliable, possibly-reordering transport with per-topic fan-out to
// in-process subscribers. It is built on golang.org/x/net/ipv4's multicast
// support; one PacketConn joined to the group carries both send and
// receive for every topic.
package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"scrambler/internal/auth"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/ipv4"
)

var tracer = otel.Tracer("scrambler/pubsub")

// subscriberQueueCapacity is the bounded in-process FIFO depth per topic.
const subscriberQueueCapacity = 1000

// readDeadline bounds how long the subscriber worker's socket poll can
// block, keeping shutdown latency under one second.
const readDeadline = time.Second

// maxDatagramSize is generous headroom above a typical link MTU; payloads
// larger than this are a caller bug, not a transport condition to recover
// from silently.
const maxDatagramSize = 65507

type publication struct {
	topic    string
	payload  []byte
	loopback bool
}

// PubSub is an authenticated multicast publish/subscribe bus with
// in-process topic fan-out.
type PubSub struct {
	hostname string
	authn    *auth.Auth

	conn *ipv4.PacketConn
	dst  *net.UDPAddr

	pending chan publication

	mu   sync.Mutex
	subs map[string]chan Message

	done chan struct{}
	wg   sync.WaitGroup
}

// New binds the multicast socket described by cfg, joins its group on the
// named interface (or the default interface if empty), and starts the
// publisher and subscriber workers. Close stops both workers and the
// socket.
func New(cfg TransportConfig, key []byte, hostname string) (*PubSub, error) {
	dst, err := cfg.groupAddr()
	if err != nil {
		return nil, err
	}
	ifi, err := cfg.resolveInterface()
	if err != nil {
		return nil, err
	}

	// Binding to the group address rather than the wildcard makes the net
	// package set SO_REUSEADDR, so several instances on one host can share
	// the group's port.
	conn, err := net.ListenPacket("udp4", dst.String())
	if err != nil {
		return nil, fmt.Errorf("pubsub: listen on %s: %w", dst, err)
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: dst.IP}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pubsub: join group %s: %w", dst.IP, err)
	}
	if ifi != nil {
		if err := pc.SetMulticastInterface(ifi); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("pubsub: set multicast interface %s: %w", ifi.Name, err)
		}
	}
	// Kernel multicast loopback stays enabled: disabling it would cut off
	// every other receiver on the same host, not just this socket's own
	// reflection. The subscriber worker drops self-origin datagrams
	// instead, so loopback=true publishes are still delivered exactly once.

	ps := &PubSub{
		hostname: hostname,
		authn:    auth.New(key, hostname),
		conn:     pc,
		dst:      dst,
		pending:  make(chan publication, subscriberQueueCapacity),
		subs:     make(map[string]chan Message),
		done:     make(chan struct{}),
	}

	ps.wg.Add(2)
	go ps.publishWorker()
	go ps.subscribeWorker()

	return ps, nil
}

// Close signals both workers to stop, waits for them to drain, and closes
// the socket. LINGER = 0 semantics: no attempt is made to flush pending
// publications.
func (ps *PubSub) Close() error {
	close(ps.done)
	ps.wg.Wait()
	return ps.conn.Close()
}

// Subscribe registers interest in topic and returns a bounded queue that
// receives every authenticated message published to it, including
// loopback deliveries of this node's own publications.
func (ps *PubSub) Subscribe(topic string) <-chan Message {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ch, ok := ps.subs[topic]; ok {
		return ch
	}
	ch := make(chan Message, subscriberQueueCapacity)
	ps.subs[topic] = ch
	return ch
}

// Publish enqueues payload for transmission on topic. If loopback is true
// the message is also delivered to this node's own local subscribers
// without transiting the network — used so the coordinator observes its
// own schedule plan deterministically.
func (ps *PubSub) Publish(topic string, payload []byte, loopback bool) {
	select {
	case ps.pending <- publication{topic: topic, payload: payload, loopback: loopback}:
	case <-ps.done:
	}
}

func (ps *PubSub) publishWorker() {
	defer ps.wg.Done()
	for {
		select {
		case <-ps.done:
			return
		case pub := <-ps.pending:
			ps.send(pub)
		}
	}
}

func (ps *PubSub) send(pub publication) {
	ctx, span := tracer.Start(context.Background(), "pubsub.publish",
		trace.WithAttributes(
			attribute.String("topic", pub.topic),
			attribute.Bool("loopback", pub.loopback),
		))
	defer span.End()

	digest := ps.authn.Digest()
	frame := encodeEnvelope(pub.topic, ps.hostname, digest, pub.payload)
	if len(frame) > maxDatagramSize {
		span.SetStatus(codes.Error, "payload too large")
		slog.Error("pubsub: publication dropped, exceeds max datagram size",
			"topic", pub.topic, "size", len(frame))
		return
	}

	if _, err := ps.conn.WriteTo(frame, nil, ps.dst); err != nil {
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("pubsub: publish failed, continuing", "topic", pub.topic, "err", err)
	}

	if pub.loopback {
		ps.deliverLocal(ctx, pub.topic, ps.hostname, pub.payload)
	}
}

func (ps *PubSub) subscribeWorker() {
	defer ps.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ps.done:
			return
		default:
		}

		_ = ps.conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, _, _, err := ps.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ps.done:
				return
			default:
			}
			slog.Warn("pubsub: socket read failed, continuing", "err", err)
			continue
		}

		topic, origin, digest, payload, err := decodeEnvelope(buf[:n])
		if err != nil {
			slog.Warn("pubsub: dropping malformed envelope", "err", err)
			continue
		}
		if origin == ps.hostname {
			// Our own reflection; loopback delivery already happened
			// at publish time, so never process it twice.
			continue
		}
		if !ps.authn.Verify(digest, origin) {
			slog.Warn("pubsub: dropping envelope with invalid digest", "topic", topic, "origin", origin)
			continue
		}
		ps.deliverLocal(context.Background(), topic, origin, payload)
	}
}

func (ps *PubSub) deliverLocal(ctx context.Context, topic, origin string, payload []byte) {
	_, span := tracer.Start(ctx, "pubsub.deliver",
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("origin", origin),
		))
	defer span.End()

	ps.mu.Lock()
	ch, ok := ps.subs[topic]
	ps.mu.Unlock()
	if !ok {
		return
	}

	select {
	case ch <- Message{Topic: topic, Origin: origin, Data: payload}:
	default:
		span.SetStatus(codes.Error, "subscriber queue full")
		slog.Warn("pubsub: subscriber queue full, dropping message", "topic", topic, "origin", origin)
	}
}
