package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/joe-zxh/vsync/config"
	"github.com/joe-zxh/vsync/consensus"
	"github.com/joe-zxh/vsync/data"
	"github.com/joe-zxh/vsync/internal/memnet"
	"github.com/joe-zxh/vsync/sched"
)

func openTest(t *testing.T, capacity int) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "vsync.db"), capacity)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testPub(producer data.NodeID, seq uint64) *data.Publication {
	return &data.Publication{
		Producer: producer,
		Seq:      seq,
		View:     data.ViewID{Epoch: 2, Leader: "/n3"},
		Vector:   data.StateVector{{Node: producer, Seq: seq}},
		Payload:  []byte("payload"),
	}
}

func TestSchemaInitializationCreatesPublicationsTable(t *testing.T) {
	s := openTest(t, 0)
	var cnt int
	if err := s.db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='publications'`).Scan(&cnt); err != nil {
		t.Fatal(err)
	}
	if cnt != 1 {
		t.Fatalf("publications table missing")
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTest(t, 0)
	want := testPub("/n1", 3)
	if err := s.Put(want); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.Get(want.Key())
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Digest() != want.Digest() {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, ok, err := s.Get(data.PubKey{Producer: "/n1", Seq: 4}); ok || err != nil {
		t.Errorf("missing key: ok=%v err=%v", ok, err)
	}
}

func TestPutIgnoresDuplicates(t *testing.T) {
	s := openTest(t, 0)
	first := testPub("/n1", 1)
	if err := s.Put(first); err != nil {
		t.Fatal(err)
	}
	other := testPub("/n1", 1)
	other.Payload = []byte("different")
	if err := s.Put(other); err != nil {
		t.Fatal(err)
	}
	got, _, err := s.Get(first.Key())
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Payload) != "payload" {
		t.Errorf("duplicate overwrote the stored publication: %q", got.Payload)
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	ctx := context.Background()
	s := openTest(t, 2)
	for seq := uint64(1); seq <= 4; seq++ {
		if err := s.Put(testPub("/n2", seq)); err != nil {
			t.Fatal(err)
		}
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM publications`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("rows = %d, want 2", n)
	}
	if _, ok, _ := s.Get(data.PubKey{Producer: "/n2", Seq: 1}); ok {
		t.Error("oldest row survived eviction")
	}
	high, err := s.HighestSeq(ctx, "/n2")
	if err != nil || high != 4 {
		t.Errorf("HighestSeq = %d, %v", high, err)
	}
	if high, err := s.HighestSeq(ctx, "/n9"); err != nil || high != 0 {
		t.Errorf("HighestSeq of unknown producer = %d, %v", high, err)
	}
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vsync.db")
	s, err := Open(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(testPub("/n1", 1)); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, ok, err := s.Get(data.PubKey{Producer: "/n1", Seq: 1}); !ok || err != nil {
		t.Errorf("row lost across reopen: ok=%v err=%v", ok, err)
	}
}

func TestRemoveProducer(t *testing.T) {
	s := openTest(t, 0)
	for _, p := range []*data.Publication{testPub("/n1", 1), testPub("/n2", 1), testPub("/n2", 2)} {
		if err := s.Put(p); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RemoveProducer("/n2"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(data.PubKey{Producer: "/n2", Seq: 2}); ok {
		t.Error("row of the removed producer survived")
	}
	if _, ok, _ := s.Get(data.PubKey{Producer: "/n1", Seq: 1}); !ok {
		t.Error("row of another producer was removed")
	}
}

func TestRestartedMemberResumesItsSequence(t *testing.T) {
	s := openTest(t, 0)
	for seq := uint64(1); seq <= 2; seq++ {
		if err := s.Put(testPub("/n1", seq)); err != nil {
			t.Fatal(err)
		}
	}

	sim := sched.NewSim(time.Unix(0, 0))
	net := memnet.New(sim, 10*time.Millisecond, 1)
	core := consensus.New(config.Config{}, "/n1", data.MustViewInfo("/n1", "/n2"), net.Endpoint("/n1"), sim, s)
	core.Start()
	defer core.Close()

	if got := core.Vector(); !got.Equal(data.VersionVector{2, 0}) {
		t.Errorf("vector after restart = %v, want [2,0]", got)
	}
	pub, err := core.Publish([]byte("after restart"))
	if err != nil {
		t.Fatal(err)
	}
	if pub.Seq != 3 {
		t.Errorf("first publication after restart has seq %d, want 3", pub.Seq)
	}
}
