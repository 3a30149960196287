package vsync

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/joe-zxh/vsync/config"
	"github.com/joe-zxh/vsync/data"
	"github.com/joe-zxh/vsync/internal/proto"
	"github.com/joe-zxh/vsync/store"
)

func freePort(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer lis.Close()
	return lis.Addr().String()
}

type inbox struct {
	mu   sync.Mutex
	pubs []*data.Publication
}

func (b *inbox) upcall(pub *data.Publication, local bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pubs = append(b.pubs, pub)
}

func (b *inbox) has(key data.PubKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.pubs {
		if p.Key() == key {
			return true
		}
	}
	return false
}

func eventually(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startCluster(t *testing.T, n int) ([]*Node, []*inbox) {
	t.Helper()
	tuning := config.Config{
		HeartbeatInterval: 200 * time.Millisecond,
		FetchTimeout:      100 * time.Millisecond,
		AdvertiseDelay:    10 * time.Millisecond,
	}.WithDefaults()
	var members []config.Member
	for i := 1; i <= n; i++ {
		members = append(members, config.Member{
			ID:         fmt.Sprintf("/n%d", i),
			PeerAddr:   freePort(t),
			ClientAddr: freePort(t),
		})
	}
	nodes := make([]*Node, n)
	boxes := make([]*inbox, n)
	for i := range nodes {
		s := tuning
		s.Seed = int64(i + 1)
		opts := config.Options{
			SelfID:   members[i].ID,
			Ordering: "causal",
			Store:    config.StoreOptions{Kind: "memory"},
			Sync:     s,
			Members:  members,
		}
		boxes[i] = &inbox{}
		node, err := New(opts, store.NewMemory(0), boxes[i].upcall)
		if err != nil {
			t.Fatal(err)
		}
		if err := node.Start(); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(node.Close)
		nodes[i] = node
	}
	return nodes, boxes
}

func TestLocalhostClusterDeliversPublications(t *testing.T) {
	nodes, boxes := startCluster(t, 3)
	pub, err := nodes[0].Publish([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, 5*time.Second, "delivery on every member", func() bool {
		for _, b := range boxes {
			if !b.has(pub.Key()) {
				return false
			}
		}
		return true
	})
	st, ok := nodes[2].Status()
	if !ok {
		t.Fatal("status of a running node failed")
	}
	if st.Vector[0] != 1 || !st.Leader || st.View.Size() != 3 {
		t.Errorf("status = %+v", st)
	}
}

func TestLocalhostLeaveShrinksView(t *testing.T) {
	nodes, _ := startCluster(t, 3)
	time.Sleep(100 * time.Millisecond)
	nodes[2].Leave()
	select {
	case <-nodes[2].Done():
	case <-time.After(2 * time.Second):
		t.Fatal("leaving node did not shut down")
	}
	eventually(t, 5*time.Second, "a two member view", func() bool {
		for _, n := range nodes[:2] {
			st, ok := n.Status()
			if !ok || st.View.Size() != 2 || st.ViewID.Epoch != 2 {
				return false
			}
		}
		return true
	})
	if _, err := nodes[2].Publish(nil); err == nil {
		t.Error("publish on a closed node succeeded")
	}
}

func TestClientServicePublishIsIdempotent(t *testing.T) {
	nodes, boxes := startCluster(t, 2)
	conn, err := grpc.Dial(nodes[0].ClientAddr(), grpc.WithInsecure())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	cl := proto.NewClientClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := &proto.PublishRequest{ClientId: "c1", Sequence: 1, Payload: []byte("x")}
	first, err := cl.Publish(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	again, err := cl.Publish(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if first.Name != again.Name || first.Seq != 1 {
		t.Errorf("retry published again: %v then %v", first.Name, again.Name)
	}
	if _, err := cl.Publish(ctx, &proto.PublishRequest{ClientId: "c1", Sequence: 0}); err == nil {
		t.Error("stale request accepted")
	}

	eventually(t, 5*time.Second, "delivery on /n2", func() bool {
		return boxes[1].has(data.PubKey{Producer: "/n1", Seq: 1})
	})
	st, err := cl.Status(ctx, &proto.Empty{})
	if err != nil {
		t.Fatal(err)
	}
	if st.Self != "/n1" || st.Published != 1 || len(st.Members) != 2 || st.State != "Stable" {
		t.Errorf("status = %+v", st)
	}
}
