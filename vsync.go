// Package vsync runs a VectorSync group member over gRPC.
package vsync

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/atomic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/joe-zxh/vsync/config"
	"github.com/joe-zxh/vsync/consensus"
	"github.com/joe-zxh/vsync/data"
	"github.com/joe-zxh/vsync/internal/logging"
	"github.com/joe-zxh/vsync/internal/proto"
	"github.com/joe-zxh/vsync/ordering"
	"github.com/joe-zxh/vsync/sched"
)

var logger *log.Logger

func init() {
	logger = logging.GetLogger()
}

// Node is one networked group member. The embedded engine is driven by a
// single event loop; call its methods through Do.
type Node struct {
	*consensus.VSyncCore
	opts  config.Options
	self  data.NodeID
	loop  *sched.Loop
	layer ordering.Layer
	store consensus.Store
	net   *transport

	tls      bool
	privKey  *ecdsa.PrivateKey
	pubKeys  map[data.NodeID]*ecdsa.PublicKey
	cert     *tls.Certificate
	certPool *x509.CertPool

	peerAddr   string
	clientAddr string
	server     *grpc.Server
	client     *grpc.Server
	peerLis    net.Listener
	clientLis  net.Listener

	mut       sync.Mutex
	requests  map[string]*clientRequest
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	stopPub   chan struct{}
	pubWG     sync.WaitGroup
	done      chan struct{}
}

// New prepares a member from opts. The publications handed to the
// application pass through the ordering layer named in opts before
// reaching upcall.
func New(opts config.Options, store consensus.Store, upcall ordering.Upcall) (*Node, error) {
	self, err := data.ParseNodeID(opts.SelfID)
	if err != nil {
		return nil, err
	}
	roster, err := opts.Roster()
	if err != nil {
		return nil, fmt.Errorf("bootstrap roster: %w", err)
	}
	n := &Node{
		opts:     opts,
		self:     self,
		loop:     sched.NewLoop(0),
		store:    store,
		tls:      opts.TLS,
		pubKeys:  make(map[data.NodeID]*ecdsa.PublicKey),
		requests: make(map[string]*clientRequest),
		stopPub:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := n.loadCredentials(); err != nil {
		return nil, err
	}

	book := make(map[data.NodeID]string, len(opts.Members))
	for _, m := range opts.Members {
		id, _ := data.ParseNodeID(m.ID)
		book[id] = m.PeerAddr
		if id == self {
			n.peerAddr, n.clientAddr = m.PeerAddr, m.ClientAddr
		}
	}
	if opts.PeerAddr != "" {
		n.peerAddr = opts.PeerAddr
	}
	if opts.ClientAddr != "" {
		n.clientAddr = opts.ClientAddr
	}
	if n.peerAddr == "" {
		return nil, fmt.Errorf("no peer address for %s", self)
	}

	n.net = newTransport(n, book)
	n.VSyncCore = consensus.New(opts.Sync, self, roster, n.net, n.loop, store)
	if opts.Sign {
		n.SetSigner(data.NewECDSASigner(n.privKey, n.pubKeys))
	}
	n.layer, err = ordering.Attach(n.VSyncCore, opts.Ordering, upcall)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Node) loadCredentials() error {
	if !n.opts.Sign && !n.tls {
		return nil
	}
	var err error
	n.privKey, err = data.ReadPrivateKeyFile(n.opts.Privkey)
	if err != nil {
		return fmt.Errorf("Failed to read private key file: %w", err)
	}
	for _, m := range n.opts.Members {
		id, _ := data.ParseNodeID(m.ID)
		if n.opts.Sign {
			key, err := data.ReadPublicKeyFile(m.Pubkey)
			if err != nil {
				return fmt.Errorf("Failed to read public key file '%s': %w", m.Pubkey, err)
			}
			n.pubKeys[id] = key
		}
		if n.tls {
			if n.certPool == nil {
				n.certPool = x509.NewCertPool()
			}
			certB, err := data.ReadCertFile(m.Cert)
			if err != nil {
				return fmt.Errorf("Failed to read certificate: %w", err)
			}
			if !n.certPool.AppendCertsFromPEM(certB) {
				return fmt.Errorf("Failed to parse certificate %s", m.Cert)
			}
			if id == n.self && n.opts.Cert == "" {
				n.opts.Cert = m.Cert
			}
		}
	}
	if n.tls {
		certB, err := data.ReadCertFile(n.opts.Cert)
		if err != nil {
			return fmt.Errorf("Failed to read certificate: %w", err)
		}
		// the TLS key pair needs the private key in PEM form
		pkPEM, err := os.ReadFile(n.opts.Privkey)
		if err != nil {
			return fmt.Errorf("Failed to read private key: %w", err)
		}
		tlsCert, err := tls.X509KeyPair(certB, pkPEM)
		if err != nil {
			return fmt.Errorf("Failed to parse certificate: %w", err)
		}
		n.cert = &tlsCert
	}
	return nil
}

// Start opens the peer and client listeners and starts the engine.
func (n *Node) Start() error {
	if err := n.startServer(); err != nil {
		return fmt.Errorf("Failed to start GRPC Server: %w", err)
	}
	if n.clientAddr != "" {
		if err := n.startClientServer(); err != nil {
			n.server.Stop()
			return fmt.Errorf("Failed to start client server: %w", err)
		}
	}
	n.started.Store(true)
	n.loop.Start()
	n.loop.Post(n.VSyncCore.Start)
	logger.Printf("node %s listening on %s\n", n.self, n.PeerAddr())
	return nil
}

func (n *Node) serverOptions() []grpc.ServerOption {
	var opts []grpc.ServerOption
	if n.tls {
		opts = append(opts, grpc.Creds(credentials.NewServerTLSFromCert(n.cert)))
	}
	return opts
}

func (n *Node) startServer() error {
	lis, err := net.Listen("tcp", n.peerAddr)
	if err != nil {
		return fmt.Errorf("Failed to listen to port %s: %w", n.peerAddr, err)
	}
	n.peerLis = lis
	n.server = grpc.NewServer(n.serverOptions()...)
	proto.RegisterSyncServer(n.server, &syncServer{Node: n, clients: make(map[string]data.NodeID)})
	go n.server.Serve(lis)
	return nil
}

func (n *Node) startClientServer() error {
	lis, err := net.Listen("tcp", n.clientAddr)
	if err != nil {
		return fmt.Errorf("Failed to listen to port %s: %w", n.clientAddr, err)
	}
	n.clientLis = lis
	n.client = grpc.NewServer(n.serverOptions()...)
	proto.RegisterClientServer(n.client, &clientServer{Node: n})
	go n.client.Serve(lis)
	return nil
}

// PeerAddr is the bound address of the peer listener.
func (n *Node) PeerAddr() string {
	if n.peerLis != nil {
		return n.peerLis.Addr().String()
	}
	return n.peerAddr
}

// ClientAddr is the bound address of the client listener, if any.
func (n *Node) ClientAddr() string {
	if n.clientLis != nil {
		return n.clientLis.Addr().String()
	}
	return n.clientAddr
}

// Do runs fn on the engine's loop and waits for it. It returns false once
// the node is closed.
func (n *Node) Do(fn func(core *consensus.VSyncCore)) bool {
	if n.closed.Load() || !n.started.Load() {
		return false
	}
	return n.loop.Call(func() { fn(n.VSyncCore) })
}

// Publish publishes payload as this member's next record.
func (n *Node) Publish(payload []byte) (*data.Publication, error) {
	var (
		pub *data.Publication
		err error
	)
	if !n.Do(func(c *consensus.VSyncCore) { pub, err = c.Publish(payload) }) {
		return nil, consensus.ErrClosed
	}
	return pub, err
}

// Status is a snapshot of the member's state.
type Status struct {
	Self      data.NodeID
	ViewID    data.ViewID
	View      *data.ViewInfo
	Vector    data.VersionVector
	Leader    bool
	State     consensus.ViewState
	Published uint64
	Fetched   uint64
	Missing   uint64
	Delivered uint64
	Pending   int
}

func (n *Node) Status() (Status, bool) {
	var st Status
	ok := n.Do(func(c *consensus.VSyncCore) {
		st.Self = c.Self()
		st.ViewID, st.View = c.View()
		st.Vector = c.Vector()
		st.Leader = c.IsLeader()
		st.State = c.State()
		st.Delivered = n.layer.Delivered()
		st.Pending = n.layer.Pending()
	})
	stats := n.Stats()
	st.Published = stats.Published.Load()
	st.Fetched = stats.Fetched.Load()
	st.Missing = stats.Missing.Load()
	return st, ok
}

// Leave announces departure to the group, gives the announcement a moment
// to go out and closes the node.
func (n *Node) Leave() {
	n.Do(func(c *consensus.VSyncCore) { c.Leave() })
	n.Close()
}

// StartPublishing publishes a payload of the configured size after the
// start delay and then at a jittered interval whose mean is 1/DataRate.
func (n *Node) StartPublishing() {
	cfg := n.Config()
	if cfg.DataRate <= 0 {
		return
	}
	rng := rand.New(rand.NewSource(cfg.Seed + int64(len(n.self))))
	mean := time.Duration(float64(time.Second) / cfg.DataRate)
	payload := make([]byte, cfg.PayloadSize)
	n.pubWG.Add(1)
	go func() {
		defer n.pubWG.Done()
		wait := cfg.StartDelay
		for {
			select {
			case <-n.stopPub:
				return
			case <-time.After(wait):
			}
			rng.Read(payload)
			if _, err := n.Publish(payload); err != nil {
				logger.Printf("[Publish]: %v\n", err)
			}
			// uniform in [mean/2, 3*mean/2)
			wait = mean/2 + time.Duration(rng.Int63n(int64(mean)+1))
		}
	}()
}

// Close stops the engine, the servers and the outbound queues.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		close(n.stopPub)
		n.pubWG.Wait()
		if n.started.Load() {
			n.loop.Call(n.VSyncCore.Close)
		} else {
			n.VSyncCore.Close()
		}
		n.closed.Store(true)
		n.loop.Stop()
		n.net.close()
		if n.server != nil {
			n.server.Stop()
		}
		if n.client != nil {
			n.client.Stop()
		}
		if c, ok := n.store.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Printf("close store: %v\n", err)
			}
		}
		close(n.done)
	})
}

// Done is closed once the node has shut down.
func (n *Node) Done() <-chan struct{} {
	return n.done
}
