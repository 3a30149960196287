package consensus_test

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/joe-zxh/vsync/config"
	"github.com/joe-zxh/vsync/consensus"
	"github.com/joe-zxh/vsync/data"
	"github.com/joe-zxh/vsync/internal/memnet"
	"github.com/joe-zxh/vsync/ordering"
	"github.com/joe-zxh/vsync/sched"
	"github.com/joe-zxh/vsync/store"
)

type testNode struct {
	core      *consensus.VSyncCore
	ep        *memnet.Endpoint
	store     *store.Memory
	layer     ordering.Layer
	delivered []*data.Publication
	views     []data.ViewID
	rosters   []*data.ViewInfo
	errs      []error
}

type cluster struct {
	t     *testing.T
	sim   *sched.Sim
	net   *memnet.Network
	cfg   config.Config
	nodes map[data.NodeID]*testNode
}

func testConfig() config.Config {
	return config.Config{
		HeartbeatInterval: time.Second,
		FetchTimeout:      200 * time.Millisecond,
		FetchAttempts:     3,
		AdvertiseDelay:    20 * time.Millisecond,
	}.WithDefaults()
}

func ids(n int) []data.NodeID {
	out := make([]data.NodeID, n)
	for i := range out {
		out[i] = data.NodeID(fmt.Sprintf("/n%d", i+1))
	}
	return out
}

func newCluster(t *testing.T, cfg config.Config, n int) *cluster {
	sim := sched.NewSim(time.Unix(0, 0))
	c := &cluster{
		t:     t,
		sim:   sim,
		net:   memnet.New(sim, 10*time.Millisecond, 1),
		cfg:   cfg,
		nodes: make(map[data.NodeID]*testNode),
	}
	view := data.MustViewInfo(ids(n)...)
	for _, id := range view.IDs() {
		c.add(id, view)
	}
	return c
}

// add starts a node bootstrapped with view. id need not be part of it.
func (c *cluster) add(id data.NodeID, view *data.ViewInfo) *testNode {
	cfg := c.cfg
	cfg.Seed = int64(len(c.nodes) + 1)
	n := &testNode{ep: c.net.Endpoint(id), store: store.NewMemory(0)}
	n.core = consensus.New(cfg, id, view, n.ep, c.sim, n.store)
	layer, err := ordering.Attach(n.core, ordering.KindCausal, func(pub *data.Publication, local bool) {
		n.delivered = append(n.delivered, pub)
	})
	if err != nil {
		c.t.Fatal(err)
	}
	n.layer = layer
	n.core.OnViewChange(func(id data.ViewID, info *data.ViewInfo, _ bool) {
		n.views = append(n.views, id)
		n.rosters = append(n.rosters, info)
	})
	n.core.OnError(func(err error) { n.errs = append(n.errs, err) })
	n.core.Start()
	c.nodes[id] = n
	return n
}

func (c *cluster) node(id data.NodeID) *testNode {
	return c.nodes[id]
}

func (c *cluster) publishAt(id data.NodeID, at time.Duration, payload string) {
	c.sim.After(at, func() {
		if _, err := c.node(id).core.Publish([]byte(payload)); err != nil {
			c.t.Errorf("%s publish: %v", id, err)
		}
	})
}

func (c *cluster) stop(id data.NodeID) {
	n := c.node(id)
	n.core.Close()
	n.ep.Close()
}

func (n *testNode) deliveredKeys() map[data.PubKey]bool {
	keys := make(map[data.PubKey]bool, len(n.delivered))
	for _, pub := range n.delivered {
		keys[pub.Key()] = true
	}
	return keys
}

func TestThreeMembersConverge(t *testing.T) {
	c := newCluster(t, testConfig(), 3)
	for _, id := range ids(3) {
		c.publishAt(id, 100*time.Millisecond, "hello from "+string(id))
	}
	c.sim.RunFor(5 * time.Second)

	want := data.VersionVector{1, 1, 1}
	for _, id := range ids(3) {
		n := c.node(id)
		if got := n.core.Vector(); !got.Equal(want) {
			t.Errorf("%s vector = %v, want %v", id, got, want)
		}
		if len(n.delivered) != 3 {
			t.Errorf("%s delivered %d publications, want 3", id, len(n.delivered))
		}
		if n.layer.Pending() != 0 {
			t.Errorf("%s still buffers %d publications", id, n.layer.Pending())
		}
	}
}

func TestLossyModeMarksUnfetchableProducerMissing(t *testing.T) {
	cfg := testConfig()
	cfg.Lossy = true
	c := newCluster(t, cfg, 3)
	c.net.Drop = func(from, to data.NodeID, m *data.Message) bool {
		return m.Kind == data.KindData && m.Data.Producer == "/n3"
	}
	for _, id := range ids(3) {
		c.publishAt(id, 100*time.Millisecond, "payload")
	}
	c.sim.RunFor(5 * time.Second)

	missing := data.PubKey{Producer: "/n3", Seq: 1}
	for _, id := range []data.NodeID{"/n1", "/n2"} {
		n := c.node(id)
		keys := n.core.MissingKeys()
		if len(keys) != 1 || keys[0] != missing {
			t.Errorf("%s missing = %v, want [%v]", id, keys, missing)
		}
		if got := n.core.Vector(); !got.Equal(data.VersionVector{1, 1, 1}) {
			t.Errorf("%s vector = %v: a missing entry must not block convergence", id, got)
		}
		got := n.deliveredKeys()
		if !got[data.PubKey{Producer: "/n1", Seq: 1}] || !got[data.PubKey{Producer: "/n2", Seq: 1}] {
			t.Errorf("%s delivered %v, want both /n1 and /n2", id, got)
		}
		if got[missing] {
			t.Errorf("%s delivered a publication that was never fetched", id)
		}
		timeouts := 0
		for _, err := range n.errs {
			if errors.Is(err, consensus.ErrFetchTimeout) {
				timeouts++
			}
		}
		if timeouts < cfg.FetchAttempts {
			t.Errorf("%s saw %d fetch timeouts, want at least %d", id, timeouts, cfg.FetchAttempts)
		}
	}
	if got := c.node("/n3").core.Vector(); !got.Equal(data.VersionVector{1, 1, 1}) {
		t.Errorf("/n3 vector = %v", got)
	}
	if id, _ := c.node("/n1").core.View(); id.Epoch != 1 {
		t.Errorf("lossy fetches changed the view: %v", id)
	}
}

func TestMissingEntryIsRecovered(t *testing.T) {
	cfg := testConfig()
	cfg.Lossy = true
	c := newCluster(t, cfg, 3)
	blocked := true
	c.net.Drop = func(from, to data.NodeID, m *data.Message) bool {
		return blocked && to == "/n1" && m.Kind == data.KindData && m.Data.Producer == "/n3"
	}
	c.publishAt("/n3", 100*time.Millisecond, "late")
	c.sim.RunFor(2 * time.Second)
	n1 := c.node("/n1")
	if len(n1.core.MissingKeys()) != 1 {
		t.Fatalf("missing = %v, want one entry", n1.core.MissingKeys())
	}

	blocked = false
	c.sim.RunFor(5 * time.Second)
	if keys := n1.core.MissingKeys(); len(keys) != 0 {
		t.Errorf("missing after recovery = %v", keys)
	}
	if n1.core.Stats().Recovered.Load() != 1 {
		t.Errorf("recovered = %d, want 1", n1.core.Stats().Recovered.Load())
	}
}

func TestHeartbeatTimeoutShrinksView(t *testing.T) {
	c := newCluster(t, testConfig(), 3)
	for _, id := range ids(3) {
		c.publishAt(id, 100*time.Millisecond, "before")
	}
	c.sim.RunFor(2 * time.Second)
	c.stop("/n3")
	c.sim.RunFor(10 * time.Second)

	for _, id := range []data.NodeID{"/n1", "/n2"} {
		n := c.node(id)
		vid, info := n.core.View()
		if info.Size() != 2 || info.Contains("/n3") {
			t.Fatalf("%s view = %v %v, want /n3 removed", id, vid, info)
		}
		if vid.Epoch != 2 || vid.Leader != "/n2" {
			t.Errorf("%s view id = %v, want (2,/n2)", id, vid)
		}
		if got := n.core.Vector(); !got.Equal(data.VersionVector{1, 1}) {
			t.Errorf("%s vector = %v, want counts carried over as [1,1]", id, got)
		}
		if _, ok, _ := n.store.Get(data.PubKey{Producer: "/n3", Seq: 1}); ok {
			t.Errorf("%s still stores publications of the departed /n3", id)
		}
		if n.core.State() != consensus.Stable {
			t.Errorf("%s state = %v", id, n.core.State())
		}
	}
	if !c.node("/n2").core.IsLeader() || c.node("/n1").core.IsLeader() {
		t.Error("leader is not the highest-index member")
	}
}

func TestLeaveCommitsWithoutWaitingForTimeout(t *testing.T) {
	c := newCluster(t, testConfig(), 4)
	c.sim.RunFor(time.Second)
	c.node("/n2").core.Leave()
	c.sim.RunFor(500 * time.Millisecond)

	for _, id := range []data.NodeID{"/n1", "/n3", "/n4"} {
		vid, info := c.node(id).core.View()
		if info.Contains("/n2") || info.Size() != 3 {
			t.Errorf("%s view = %v %v after leave", id, vid, info)
		}
	}
	if _, err := c.node("/n2").core.Publish(nil); !errors.Is(err, consensus.ErrClosed) {
		t.Errorf("publish after leave: err = %v, want ErrClosed", err)
	}
}

func TestJoinExtendsViewAndCatchesUp(t *testing.T) {
	c := newCluster(t, testConfig(), 3)
	for _, id := range ids(3) {
		c.publishAt(id, 100*time.Millisecond, "before join")
	}
	c.sim.RunFor(time.Second)

	_, bootstrap := c.node("/n1").core.View()
	n4 := c.add("/n4", bootstrap)
	if _, err := n4.core.Publish([]byte("too early")); !errors.Is(err, consensus.ErrNotMember) {
		t.Fatalf("publish before joining: err = %v, want ErrNotMember", err)
	}
	c.sim.RunFor(10 * time.Second)

	vid, info := n4.core.View()
	if !info.Contains("/n4") || info.Leader() != "/n4" || vid.Leader != "/n4" {
		t.Fatalf("/n4 view = %v %v", vid, info)
	}
	if got := n4.core.Vector(); !got.Equal(data.VersionVector{1, 1, 1, 0}) {
		t.Errorf("/n4 vector = %v, want [1,1,1,0]", got)
	}
	if len(n4.delivered) != 3 {
		t.Errorf("/n4 delivered %d, want 3", len(n4.delivered))
	}

	c.publishAt("/n4", 0, "after join")
	c.sim.RunFor(2 * time.Second)
	for _, id := range ids(4) {
		if got := c.node(id).core.Vector(); !got.Equal(data.VersionVector{1, 1, 1, 1}) {
			t.Errorf("%s vector = %v", id, got)
		}
	}
}

func TestConvergenceUnderFetchLoss(t *testing.T) {
	c := newCluster(t, testConfig(), 4)
	rng := rand.New(rand.NewSource(7))
	c.net.Drop = func(from, to data.NodeID, m *data.Message) bool {
		return (m.Kind == data.KindFetch || m.Kind == data.KindData) && rng.Float64() < 0.3
	}

	last := make(map[data.NodeID][]uint64)
	for _, id := range ids(4) {
		id := id
		c.node(id).core.OnVectorChange(func(index int, vv data.VersionVector) {
			prev := last[id]
			if len(prev) == len(vv) {
				for i := range vv {
					if vv[i] < prev[i] {
						t.Errorf("%s entry %d decreased from %d to %d", id, i, prev[i], vv[i])
					}
				}
			}
			last[id] = vv.Clone()
		})
	}

	const rounds = 5
	for i, id := range ids(4) {
		for r := 0; r < rounds; r++ {
			c.publishAt(id, time.Duration(100+r*300+i*37)*time.Millisecond, fmt.Sprintf("%s-%d", id, r))
		}
	}
	c.sim.RunFor(30 * time.Second)

	want := data.VersionVector{rounds, rounds, rounds, rounds}
	for _, id := range ids(4) {
		n := c.node(id)
		if got := n.core.Vector(); !got.Equal(want) {
			t.Errorf("%s vector = %v, want %v", id, got, want)
		}
		if len(n.delivered) != 4*rounds {
			t.Errorf("%s delivered %d, want %d", id, len(n.delivered), 4*rounds)
		}
		if vid, _ := n.core.View(); vid.Epoch != 1 {
			t.Errorf("%s changed view under fetch loss: %v", id, vid)
		}
	}
}

func TestCausalOrderAcrossProducers(t *testing.T) {
	c := newCluster(t, testConfig(), 3)
	drops := 0
	c.net.Drop = func(from, to data.NodeID, m *data.Message) bool {
		if to == "/n3" && m.Kind == data.KindData && m.Data.Producer == "/n1" && drops < 3 {
			drops++
			return true
		}
		return false
	}
	c.publishAt("/n1", 100*time.Millisecond, "question")
	c.publishAt("/n2", 500*time.Millisecond, "answer")
	c.sim.RunFor(5 * time.Second)

	n3 := c.node("/n3")
	if len(n3.delivered) != 2 {
		t.Fatalf("/n3 delivered %d, want 2", len(n3.delivered))
	}
	if n3.delivered[0].Producer != "/n1" || n3.delivered[1].Producer != "/n2" {
		t.Errorf("/n3 delivered %v before %v", n3.delivered[0].Name(), n3.delivered[1].Name())
	}
	if dep := n3.delivered[1].Vector.Get("/n1"); dep != 1 {
		t.Errorf("answer carries /n1 dependency %d, want 1", dep)
	}
}

func TestConflictingCandidatesConverge(t *testing.T) {
	c := newCluster(t, testConfig(), 4)
	c.sim.RunFor(time.Second)
	c.sim.Post(func() {
		c.node("/n1").core.Suspect("/n4")
		c.node("/n2").core.Suspect("/n3")
	})
	c.sim.RunFor(20 * time.Second)

	vid, info := c.node("/n1").core.View()
	if vid.Epoch < 2 {
		t.Fatalf("no view change happened: %v", vid)
	}
	for _, id := range ids(4) {
		got, gotInfo := c.node(id).core.View()
		if got != vid || !gotInfo.Equal(info) {
			t.Errorf("%s view = %v %v, /n1 has %v %v", id, got, gotInfo, vid, info)
		}
	}
	if info.Size() != 4 {
		t.Errorf("live members were not readmitted: %v", info)
	}
}

// installed maps every view id committed anywhere in the cluster to the
// rosters it was committed with.
func (c *cluster) installed() map[data.ViewID][]*data.ViewInfo {
	out := make(map[data.ViewID][]*data.ViewInfo)
	for _, n := range c.nodes {
		for i, id := range n.views {
			known := false
			for _, info := range out[id] {
				known = known || info.Equal(n.rosters[i])
			}
			if !known {
				out[id] = append(out[id], n.rosters[i])
			}
		}
	}
	return out
}

func (c *cluster) countErrs(id data.NodeID, target error) int {
	cnt := 0
	for _, err := range c.node(id).errs {
		if errors.Is(err, target) {
			cnt++
		}
	}
	return cnt
}

func TestMutualSuspicionCommitsOneRosterPerView(t *testing.T) {
	c := newCluster(t, testConfig(), 5)
	c.sim.RunFor(time.Second)
	c.sim.Post(func() {
		c.node("/n1").core.Suspect("/n2")
		c.node("/n2").core.Suspect("/n1")
	})
	c.sim.RunFor(20 * time.Second)

	for id, infos := range c.installed() {
		if len(infos) > 1 {
			t.Errorf("view %v was committed with %d rosters: %v", id, len(infos), infos)
		}
	}
	vid, info := c.node("/n1").core.View()
	for _, id := range ids(5) {
		got, gotInfo := c.node(id).core.View()
		if got != vid || !gotInfo.Equal(info) {
			t.Fatalf("%s view = %v %v, /n1 has %v %v", id, got, gotInfo, vid, info)
		}
	}
	if info.Size() != 5 {
		t.Errorf("the member left out was not readmitted: %v", info)
	}

	c.publishAt("/n1", 0, "from n1")
	c.publishAt("/n3", 0, "from n3")
	c.sim.RunFor(5 * time.Second)
	want := c.node("/n1").core.Vector()
	for _, id := range ids(5) {
		n := c.node(id)
		if got := n.core.Vector(); !got.Equal(want) {
			t.Errorf("%s vector = %v, /n1 has %v", id, got, want)
		}
		keys := n.deliveredKeys()
		if id != "/n1" && !keys[data.PubKey{Producer: "/n1", Seq: 1}] {
			t.Errorf("%s never received the publication of /n1", id)
		}
	}
}

func TestEqualViewIDConflictIsRepaired(t *testing.T) {
	c := newCluster(t, testConfig(), 4)
	c.sim.RunFor(time.Second)

	// a commit of the same view id with two different rosters, as left by a
	// lost vote, reaches two members
	forger := c.net.Endpoint("/forger")
	commit := func(to data.NodeID, members ...data.NodeID) {
		forger.Send(to, &data.Message{
			Kind:    data.KindCommit,
			From:    "/n4",
			View:    data.ViewID{Epoch: 2, Leader: "/n4"},
			Members: data.MustViewInfo(members...).Members(),
		})
	}
	commit("/n1", "/n1", "/n2", "/n4")
	commit("/n3", "/n1", "/n3", "/n4")
	c.sim.RunFor(20 * time.Second)

	for id, infos := range c.installed() {
		if id.Epoch > 2 && len(infos) > 1 {
			t.Errorf("view %v was committed with %d rosters: %v", id, len(infos), infos)
		}
	}
	vid, info := c.node("/n1").core.View()
	for _, id := range ids(4) {
		got, gotInfo := c.node(id).core.View()
		if got != vid || !gotInfo.Equal(info) {
			t.Errorf("%s view = %v %v, /n1 has %v %v", id, got, gotInfo, vid, info)
		}
	}
}

func TestViewChangeTimeoutReissuesWithFreshEpoch(t *testing.T) {
	c := newCluster(t, testConfig(), 3)
	c.net.Drop = func(from, to data.NodeID, m *data.Message) bool {
		return (m.Kind == data.KindPropose || m.Kind == data.KindAck) && m.View.Epoch == 2
	}
	c.sim.RunFor(time.Second)
	c.stop("/n3")
	c.sim.RunFor(20 * time.Second)

	for _, id := range []data.NodeID{"/n1", "/n2"} {
		n := c.node(id)
		vid, info := n.core.View()
		if vid.Epoch < 3 || info.Contains("/n3") || info.Size() != 2 {
			t.Fatalf("%s view = %v %v, want /n3 removed at a reissued epoch", id, vid, info)
		}
		for _, v := range n.views {
			if v.Epoch == 2 {
				t.Errorf("%s installed %v although no ack for it got through", id, v)
			}
		}
		if n.core.State() != consensus.Stable {
			t.Errorf("%s state = %v", id, n.core.State())
		}
	}
	if c.countErrs("/n1", consensus.ErrViewChangeTimeout)+c.countErrs("/n2", consensus.ErrViewChangeTimeout) == 0 {
		t.Error("no view change timeout was reported")
	}
}

func TestLossyRecoveryBacksOff(t *testing.T) {
	cfg := testConfig()
	cfg.Lossy = true
	c := newCluster(t, cfg, 3)
	counting := false
	fetches := 0
	c.net.Drop = func(from, to data.NodeID, m *data.Message) bool {
		if counting && from == "/n1" && m.Kind == data.KindFetch && m.Fetch.Producer == "/n3" {
			fetches++
		}
		return m.Kind == data.KindData && m.Data.Producer == "/n3"
	}
	const published = 50
	for i := 0; i < published; i++ {
		c.publishAt("/n3", time.Duration(100+i*10)*time.Millisecond, "lost")
	}
	c.sim.RunFor(5 * time.Second)
	if got := len(c.node("/n1").core.MissingKeys()); got != published {
		t.Fatalf("missing at /n1 = %d, want %d", got, published)
	}

	counting = true
	c.sim.RunFor(10 * time.Second)
	if limit := 4 * published; fetches > limit {
		t.Errorf("/n1 sent %d recovery fetches in 10 idle seconds, want at most %d", fetches, limit)
	}
	if fetches == 0 {
		t.Error("missing entries were never retried")
	}
}

func TestStrictFetchUsesAnotherHolder(t *testing.T) {
	c := newCluster(t, testConfig(), 3)
	c.net.Drop = func(from, to data.NodeID, m *data.Message) bool {
		return from == "/n3" && to == "/n1" && m.Kind == data.KindData
	}
	c.publishAt("/n3", 100*time.Millisecond, "via n2")
	c.sim.RunFor(5 * time.Second)

	n1 := c.node("/n1")
	if got := n1.core.Vector(); !got.Equal(data.VersionVector{0, 0, 1}) {
		t.Errorf("/n1 vector = %v, want [0,0,1]", got)
	}
	if vid, _ := n1.core.View(); vid.Epoch != 1 {
		t.Errorf("fetching through another holder changed the view: %v", vid)
	}
}

func TestStrictFetchFailureSuspectsLiveSource(t *testing.T) {
	c := newCluster(t, testConfig(), 3)
	c.net.Drop = func(from, to data.NodeID, m *data.Message) bool {
		return to == "/n1" && m.Kind == data.KindData && m.Data.Producer == "/n3"
	}
	c.publishAt("/n3", 100*time.Millisecond, "unreachable")
	c.sim.RunFor(3 * time.Second)

	n1 := c.node("/n1")
	removed := false
	for _, info := range n1.rosters {
		removed = removed || !info.Contains("/n3")
	}
	if !removed {
		t.Errorf("/n1 never suspected /n3; views: %v", n1.views)
	}
	if c.countErrs("/n1", consensus.ErrFetchTimeout) < 2*c.cfg.FetchAttempts {
		t.Errorf("/n1 escalated after %d fetch timeouts, want two full rounds", c.countErrs("/n1", consensus.ErrFetchTimeout))
	}
}
