package vsync

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/joe-zxh/vsync/data"
	"github.com/joe-zxh/vsync/internal/proto"
)

const (
	outboundQueue = 256
	sendTimeout   = time.Second
	drainTimeout  = 500 * time.Millisecond
)

type subscription struct {
	prefix  string
	handler func(*data.Message)
}

type outbound struct {
	name string
	env  *proto.Envelope
}

// peerConn is the outbound queue to one peer. Messages that do not fit in
// the queue are dropped; anti-entropy repairs the loss.
type peerConn struct {
	id   data.NodeID
	conn *grpc.ClientConn
	rpc  *proto.SyncClient
	md   metadata.MD
	out  chan outbound
}

// transport carries engine messages over gRPC. Broadcasts go to every peer
// in the address book under data.SyncPrefix; unicasts are routed under the
// destination id.
type transport struct {
	node *Node
	book map[data.NodeID]string

	mut   sync.RWMutex
	subs  []subscription
	peers map[data.NodeID]*peerConn

	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Uint64
}

func newTransport(n *Node, book map[data.NodeID]string) *transport {
	return &transport{
		node:  n,
		book:  book,
		peers: make(map[data.NodeID]*peerConn),
	}
}

func (t *transport) Subscribe(prefix string, h func(*data.Message)) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.subs = append(t.subs, subscription{prefix: prefix, handler: h})
}

func (t *transport) Broadcast(m *data.Message) {
	env := proto.MessageToProto(m)
	ids := make([]data.NodeID, 0, len(t.book))
	for id := range t.book {
		if id != t.node.self {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		t.enqueue(id, outbound{name: data.SyncPrefix, env: env})
	}
}

func (t *transport) Send(to data.NodeID, m *data.Message) {
	if to == t.node.self {
		return
	}
	t.enqueue(to, outbound{name: string(to), env: proto.MessageToProto(m)})
}

func (t *transport) enqueue(to data.NodeID, ob outbound) {
	if t.closed.Load() {
		return
	}
	p, err := t.peer(to)
	if err != nil {
		logger.Printf("transport: %v\n", err)
		return
	}
	select {
	case p.out <- ob:
	default:
		t.dropped.Inc()
	}
}

// peer returns the connection to id, dialing it on first use.
func (t *transport) peer(id data.NodeID) (*peerConn, error) {
	t.mut.RLock()
	p, ok := t.peers[id]
	t.mut.RUnlock()
	if ok {
		return p, nil
	}

	t.mut.Lock()
	defer t.mut.Unlock()
	if p, ok := t.peers[id]; ok {
		return p, nil
	}
	if t.closed.Load() {
		return nil, fmt.Errorf("transport closed")
	}
	addr, ok := t.book[id]
	if !ok {
		return nil, fmt.Errorf("no address for %s", id)
	}

	var opts []grpc.DialOption
	if t.node.tls {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(t.node.certPool, "")))
	} else {
		opts = append(opts, grpc.WithInsecure())
	}
	conn, err := grpc.Dial(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("Failed to connect to %s at %s: %w", id, addr, err)
	}
	md, err := t.node.proofMD(id)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p = &peerConn{
		id:   id,
		conn: conn,
		rpc:  proto.NewSyncClient(conn),
		md:   md,
		out:  make(chan outbound, outboundQueue),
	}
	t.peers[id] = p
	t.wg.Add(1)
	go t.run(p)
	return p, nil
}

func (t *transport) run(p *peerConn) {
	defer t.wg.Done()
	for ob := range p.out {
		md := metadata.Join(p.md, metadata.Pairs("name", ob.name))
		ctx, cancel := context.WithTimeout(metadata.NewOutgoingContext(context.Background(), md), sendTimeout)
		_, err := p.rpc.Push(ctx, ob.env)
		cancel()
		if err != nil {
			logger.Printf("[B/Push]: to %s: %v\n", p.id, err)
		}
	}
	p.conn.Close()
}

// close flushes the outbound queues for a short while and hangs up.
func (t *transport) close() {
	if !t.closed.CAS(false, true) {
		return
	}
	t.mut.Lock()
	for _, p := range t.peers {
		close(p.out)
	}
	t.mut.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		t.mut.RLock()
		for _, p := range t.peers {
			p.conn.Close()
		}
		t.mut.RUnlock()
		<-done
	}
}

func (t *transport) dispatch(name string, m *data.Message) {
	t.mut.RLock()
	subs := t.subs
	t.mut.RUnlock()
	for _, s := range subs {
		if data.HasPrefix(name, s.prefix) {
			s.handler(m)
		}
	}
}

// proofMD identifies this node to peer id. With a private key the metadata
// carries an ECDSA signature over the receiver's id.
func (n *Node) proofMD(id data.NodeID) (metadata.MD, error) {
	md := metadata.New(map[string]string{"id": string(n.self)})
	if n.privKey == nil {
		return md, nil
	}
	hash := sha512.Sum512([]byte(id))
	R, S, err := ecdsa.Sign(rand.Reader, n.privKey, hash[:])
	if err != nil {
		return nil, fmt.Errorf("Could not sign proof for %s: %w", id, err)
	}
	md.Append("proof", base64.StdEncoding.EncodeToString(R.Bytes()), base64.StdEncoding.EncodeToString(S.Bytes()))
	return md, nil
}

// syncServer is the peer facing service.
type syncServer struct {
	*Node
	// verified proofs by sender
	mut     sync.RWMutex
	clients map[string]data.NodeID
}

func (srv *syncServer) getClientID(ctx context.Context) (data.NodeID, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", fmt.Errorf("getClientID: metadata not available")
	}
	v := md.Get("id")
	if len(v) < 1 {
		return "", fmt.Errorf("getClientID: id field not present")
	}
	id, err := data.ParseNodeID(v[0])
	if err != nil {
		return "", fmt.Errorf("getClientID: cannot parse ID field: %w", err)
	}
	if _, ok := srv.net.book[id]; !ok {
		return "", fmt.Errorf("getClientID: could not find info about id '%s'", id)
	}

	key, ok := srv.pubKeys[id]
	if !ok {
		return id, nil
	}
	proof := md.Get("proof")
	if len(proof) < 2 {
		return "", fmt.Errorf("getClientID: No proof found")
	}
	cacheKey := string(id) + "|" + proof[0] + "|" + proof[1]

	srv.mut.RLock()
	// fast path for a known proof
	if known, ok := srv.clients[cacheKey]; ok {
		srv.mut.RUnlock()
		return known, nil
	}
	srv.mut.RUnlock()

	var R, S big.Int
	v0, err := base64.StdEncoding.DecodeString(proof[0])
	if err != nil {
		return "", fmt.Errorf("getClientID: could not decode proof: %v", err)
	}
	v1, err := base64.StdEncoding.DecodeString(proof[1])
	if err != nil {
		return "", fmt.Errorf("getClientID: could not decode proof: %v", err)
	}
	R.SetBytes(v0)
	S.SetBytes(v1)
	hash := sha512.Sum512([]byte(srv.self))
	if !ecdsa.Verify(key, hash[:], &R, &S) {
		return "", fmt.Errorf("Invalid proof")
	}

	srv.mut.Lock()
	srv.clients[cacheKey] = id
	srv.mut.Unlock()
	return id, nil
}

func (srv *syncServer) Push(ctx context.Context, env *proto.Envelope) (*proto.Empty, error) {
	id, err := srv.getClientID(ctx)
	if err != nil {
		logger.Printf("Failed to get client ID: %v\n", err)
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	m, err := env.FromProto()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if m.From != id {
		return nil, status.Errorf(codes.PermissionDenied, "%s sent a message from %s", id, m.From)
	}
	name := data.SyncPrefix
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("name"); len(v) > 0 {
			name = v[0]
		}
	}
	srv.net.dispatch(name, m)
	return &proto.Empty{}, nil
}
