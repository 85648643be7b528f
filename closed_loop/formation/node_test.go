package formation

import (
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"

	"balancebot-core/utils/testutils"
)

// hub is an in-memory broadcast segment. Broadcasts reach the sender too, as
// on a real subnet.
type hub struct {
	members []*memTransport
}

type memTransport struct {
	hub   *hub
	mac   MAC
	ip    netip.Addr
	inbox []Datagram
	sent  []Frame
}

func (h *hub) join(last byte) *memTransport {
	m := &memTransport{
		hub: h,
		mac: MAC{0x02, 0, 0, 0, 0, last},
		ip:  netip.AddrFrom4([4]byte{192, 168, 4, last}),
	}
	h.members = append(h.members, m)
	return m
}

func (m *memTransport) Send(payload []byte, dst netip.Addr) bool {
	var f Frame
	if err := f.UnmarshalBinary(payload); err == nil {
		m.sent = append(m.sent, f)
	}
	for _, o := range m.hub.members {
		if dst.IsValid() && o.ip != dst {
			continue
		}
		o.inbox = append(o.inbox, Datagram{Payload: append([]byte(nil), payload...), From: m.ip})
	}
	return true
}

func (m *memTransport) Poll(dst []Datagram) []Datagram {
	dst = append(dst, m.inbox...)
	m.inbox = m.inbox[:0]
	return dst
}

func (m *memTransport) Self() (MAC, netip.Addr) { return m.mac, m.ip }

func (m *memTransport) lastSent() Frame { return m.sent[len(m.sent)-1] }

// inject queues f as if it arrived from another node.
func (m *memTransport) inject(t *testing.T, f Frame) {
	t.Helper()
	b, err := f.MarshalBinary()
	test.That(t, err, test.ShouldBeNil)
	m.inbox = append(m.inbox, Datagram{Payload: b, From: f.IP})
}

type testNet struct {
	clk *clock.Mock
	hub *hub
}

func newTestNet() *testNet {
	return &testNet{clk: clock.NewMock(), hub: &hub{}}
}

func (n *testNet) node(t *testing.T, last byte, name string) (*Node, *memTransport) {
	t.Helper()
	tr := n.hub.join(last)
	return NewNode(Config{RobotName: name}, tr, n.clk, testutils.NewTestLogger(t)), tr
}

func TestInviteAcceptJoinsGroup(t *testing.T) {
	net := newTestNet()
	leader, _ := net.node(t, 1, "lead")
	follower, ftr := net.node(t, 2, "bot2")

	leader.ApplyConfig(Command{Enable: true, Group: 1, Role: RoleLeader, Count: 1, Name: "lead"}, false)
	test.That(t, leader.Snapshot().Count, test.ShouldEqual, int32(1))

	mac, ip := ftr.Self()
	test.That(t, leader.SendInviteTo(mac, ip, 3, "Alpha", 2, time.Second), test.ShouldBeTrue)

	ev := follower.Poll()
	test.That(t, ev.Has(EventInvite), test.ShouldBeTrue)
	inv := follower.Snapshot().Invite
	test.That(t, inv.Pending, test.ShouldBeTrue)
	test.That(t, inv.FromLeader, test.ShouldBeTrue)
	test.That(t, inv.Group, test.ShouldEqual, int32(3))
	test.That(t, inv.Name, test.ShouldEqual, "Alpha")
	test.That(t, inv.Timeout, test.ShouldEqual, time.Second)

	test.That(t, follower.AcceptInvite(true), test.ShouldBeTrue)
	s := follower.Snapshot()
	test.That(t, s.Enabled, test.ShouldBeTrue)
	test.That(t, s.Role, test.ShouldEqual, RoleFollower)
	test.That(t, s.Group, test.ShouldEqual, int32(3))
	test.That(t, s.Name, test.ShouldEqual, "Alpha")
	test.That(t, s.Timeout, test.ShouldEqual, time.Second)
	test.That(t, s.Invite.Pending, test.ShouldBeFalse)
	test.That(t, s.Leader.MACValid, test.ShouldBeTrue)
	test.That(t, s.Leader.IP, test.ShouldResemble, netip.MustParseAddr("192.168.4.1"))

	ev = leader.Poll()
	test.That(t, ev.Has(EventMemberAdded), test.ShouldBeTrue)
	test.That(t, leader.Snapshot().Count, test.ShouldEqual, int32(2))

	// nothing left to answer
	test.That(t, follower.AcceptInvite(true), test.ShouldBeFalse)
}

func TestRejectedInviteClearsBothSides(t *testing.T) {
	net := newTestNet()
	leader, _ := net.node(t, 1, "lead")
	follower, ftr := net.node(t, 2, "bot2")
	leader.ApplyConfig(Command{Enable: true, Group: 5, Role: RoleLeader}, false)

	mac, ip := ftr.Self()
	leader.SendInviteTo(mac, ip, 5, "five", 0, 0)
	follower.Poll()
	test.That(t, follower.Snapshot().Invite.Count, test.ShouldEqual, int32(1))
	test.That(t, follower.AcceptInvite(false), test.ShouldBeTrue)

	s := follower.Snapshot()
	test.That(t, s.Enabled, test.ShouldBeFalse)
	test.That(t, s.Role, test.ShouldEqual, RoleLeader)
	test.That(t, ftr.lastSent().Type, test.ShouldEqual, FrameReject)

	ev := leader.Poll()
	test.That(t, ev.Has(EventRejected), test.ShouldBeTrue)
	test.That(t, leader.Snapshot().Count, test.ShouldEqual, int32(1))
}

func TestJoinRequestAndReply(t *testing.T) {
	net := newTestNet()
	leader, ltr := net.node(t, 1, "lead")
	candidate, _ := net.node(t, 2, "bot2")
	leader.ApplyConfig(Command{Enable: true, Group: 7, Role: RoleLeader, Count: 2, Name: "seven"}, false)

	// presence lets the candidate resolve the leader
	leader.Poll()
	candidate.Poll()
	peers := candidate.Discovery()
	test.That(t, peers, test.ShouldHaveLength, 1)
	test.That(t, peers[0].Leader, test.ShouldBeTrue)
	test.That(t, peers[0].Name, test.ShouldEqual, "seven")

	lmac, _ := ltr.Self()
	test.That(t, candidate.SendRequestTo(lmac, netip.Addr{}, 7, ""), test.ShouldBeTrue)
	test.That(t, candidate.Snapshot().Join, test.ShouldResemble, Join{Pending: true, Group: 7})

	ev := leader.Poll()
	test.That(t, ev.Has(EventRequest), test.ShouldBeTrue)
	req := leader.Snapshot().Request
	test.That(t, req.Pending, test.ShouldBeTrue)
	test.That(t, req.Name, test.ShouldEqual, "bot2")
	test.That(t, req.FromIP, test.ShouldResemble, netip.MustParseAddr("192.168.4.2"))

	test.That(t, leader.ReplyRequest(true, -1, -1), test.ShouldBeTrue)
	test.That(t, leader.Snapshot().Count, test.ShouldEqual, int32(3))
	test.That(t, leader.Snapshot().Request.Pending, test.ShouldBeFalse)

	ev = candidate.Poll()
	test.That(t, ev.Has(EventJoined), test.ShouldBeTrue)
	s := candidate.Snapshot()
	test.That(t, s.Enabled, test.ShouldBeTrue)
	test.That(t, s.Role, test.ShouldEqual, RoleFollower)
	test.That(t, s.Group, test.ShouldEqual, int32(7))
	test.That(t, s.Index, test.ShouldEqual, int32(1))
	test.That(t, s.Count, test.ShouldEqual, int32(3))
	test.That(t, s.Name, test.ShouldEqual, "seven")
	test.That(t, s.Leader.MAC, test.ShouldResemble, lmac)
	test.That(t, s.Join.Pending, test.ShouldBeFalse)

	// only a leader keeps requests
	candidate.SendRequest(7, "again")
	test.That(t, candidate.Poll(), test.ShouldEqual, Events(0))
	test.That(t, candidate.Snapshot().Request.Pending, test.ShouldBeFalse)
}

func TestLeaderRelaysCommandsToFollowers(t *testing.T) {
	net := newTestNet()
	leader, ltr := net.node(t, 1, "lead")
	follower, _ := net.node(t, 2, "bot2")
	leader.ApplyConfig(Command{Enable: true, Group: 4, Role: RoleLeader, Count: 2}, false)
	follower.ApplyConfig(Command{Enable: true, Group: 4, Role: RoleFollower, Index: 1, Count: 2}, false)

	leader.ApplyCommand(Command{Enable: true, Group: 4, Role: RoleLeader, Count: 2, Linear: 3, Yaw: -0.5})
	ls := leader.Snapshot()
	test.That(t, ls.TargetLinear, test.ShouldEqual, 1.0)
	test.That(t, ls.Role, test.ShouldEqual, RoleLeader)
	relayed := ltr.lastSent()
	test.That(t, relayed.Type, test.ShouldEqual, FrameCmd)
	test.That(t, relayed.Has(FlagEnable), test.ShouldBeTrue)

	// the leader hears its own broadcast and drops it
	test.That(t, leader.Poll().Has(EventCommand), test.ShouldBeFalse)

	ev := follower.Poll()
	test.That(t, ev.Has(EventCommand), test.ShouldBeTrue)
	fs := follower.Snapshot()
	test.That(t, fs.Role, test.ShouldEqual, RoleFollower)
	test.That(t, fs.TargetLinear, test.ShouldEqual, 1.0)
	test.That(t, fs.TargetYaw, test.ShouldEqual, -0.5)
	test.That(t, fs.Index, test.ShouldEqual, int32(0))
	test.That(t, fs.Leader.IP, test.ShouldResemble, netip.MustParseAddr("192.168.4.1"))

	m := follower.Tick()
	test.That(t, m.Enabled, test.ShouldBeTrue)
	test.That(t, m.Linear, test.ShouldAlmostEqual, SlewAlpha, 1e-12)
	test.That(t, m.Yaw, test.ShouldAlmostEqual, -0.5*SlewAlpha, 1e-12)
}

func TestFailsafeDecaysTowardZero(t *testing.T) {
	net := newTestNet()
	follower, _ := net.node(t, 2, "bot2")
	follower.ApplyConfig(Command{Enable: true, Group: 1, Role: RoleFollower, Timeout: 500 * time.Millisecond}, false)
	follower.ApplyCommand(Command{Enable: true, Group: 1, Role: RoleFollower, Linear: 1, Yaw: 1})

	var m Motion
	for i := 0; i < 100; i++ {
		net.clk.Add(2 * time.Millisecond)
		m = follower.Tick()
	}
	test.That(t, m.Failsafe, test.ShouldBeFalse)
	test.That(t, m.Linear, test.ShouldBeGreaterThan, 0.99)

	net.clk.Add(time.Second)
	prev := m.Linear
	for i := 0; i < 20; i++ {
		m = follower.Tick()
		test.That(t, m.Failsafe, test.ShouldBeTrue)
		test.That(t, m.Linear, test.ShouldAlmostEqual, prev*(1-SlewAlpha), 1e-12)
		test.That(t, m.Linear, test.ShouldBeGreaterThan, 0.0)
		prev = m.Linear
	}
	s := follower.Snapshot()
	test.That(t, s.Failsafe, test.ShouldBeTrue)
	test.That(t, s.TargetLinear, test.ShouldEqual, 1.0)

	// a fresh command clears the failsafe
	follower.ApplyCommand(Command{Enable: true, Group: 1, Role: RoleFollower, Linear: 1})
	m = follower.Tick()
	test.That(t, m.Failsafe, test.ShouldBeFalse)
	test.That(t, m.Linear, test.ShouldBeGreaterThan, prev)
}

func TestCommandForOtherGroupIsIgnored(t *testing.T) {
	net := newTestNet()
	follower, _ := net.node(t, 2, "bot2")
	follower.ApplyConfig(Command{Enable: true, Group: 2, Role: RoleFollower, Index: 1, Count: 3, Name: "two"}, false)
	net.clk.Add(time.Second)
	follower.Tick()
	before := follower.Snapshot()
	test.That(t, before.Failsafe, test.ShouldBeTrue)

	follower.ApplyCommand(Command{Enable: true, Group: 9, Role: RoleFollower, Linear: 1, Name: "nine"})
	test.That(t, follower.Snapshot(), test.ShouldResemble, before)
}

func TestCommandFrameForOtherGroupKeepsLeader(t *testing.T) {
	net := newTestNet()
	leader, ltr := net.node(t, 1, "lead")
	follower, _ := net.node(t, 2, "bot2")
	stranger, _ := net.node(t, 3, "other")
	leader.ApplyConfig(Command{Enable: true, Group: 2, Role: RoleLeader, Count: 2}, false)
	follower.ApplyConfig(Command{Enable: true, Group: 2, Role: RoleFollower, Index: 1, Count: 2}, false)
	stranger.ApplyConfig(Command{Enable: true, Group: 9, Role: RoleLeader}, false)

	leader.ApplyCommand(Command{Enable: true, Group: 2, Role: RoleLeader, Count: 2, Linear: 0.25})
	test.That(t, follower.Poll().Has(EventCommand), test.ShouldBeTrue)
	before := follower.Snapshot()
	lmac, lip := ltr.Self()
	test.That(t, before.Leader, test.ShouldResemble, LeaderInfo{MAC: lmac, MACValid: true, IP: lip})

	stranger.ApplyCommand(Command{Enable: true, Group: 9, Role: RoleLeader, Linear: 1})
	test.That(t, follower.Poll().Has(EventCommand), test.ShouldBeFalse)
	after := follower.Snapshot()
	test.That(t, after.Leader, test.ShouldResemble, before.Leader)
	test.That(t, after.TargetLinear, test.ShouldEqual, 0.25)
	test.That(t, after.Group, test.ShouldEqual, int32(2))
}

func TestUnsolicitedAcceptIsIgnored(t *testing.T) {
	net := newTestNet()
	leader, ltr := net.node(t, 1, "lead")
	idle, itr := net.node(t, 2, "bot2")
	leader.ApplyConfig(Command{Enable: true, Group: 3, Role: RoleLeader, Count: 2, Name: "three"}, false)

	stray := Frame{
		Version:   FrameVersion,
		Type:      FrameAccept,
		Flags:     FlagEnable | FlagFromLeader,
		Group:     3,
		Index:     1,
		Count:     4,
		TimeoutMS: 1000,
		Name:      "rogue",
		MAC:       MAC{0x02, 0, 0, 0, 0, 9},
		IP:        netip.MustParseAddr("192.168.4.9"),
	}

	ltr.inject(t, stray)
	test.That(t, leader.Poll(), test.ShouldEqual, Events(0))
	s := leader.Snapshot()
	test.That(t, s.Enabled, test.ShouldBeTrue)
	test.That(t, s.Role, test.ShouldEqual, RoleLeader)
	test.That(t, s.Count, test.ShouldEqual, int32(2))
	test.That(t, s.Name, test.ShouldEqual, "three")
	test.That(t, s.Leader, test.ShouldResemble, LeaderInfo{})

	itr.inject(t, stray)
	test.That(t, idle.Poll(), test.ShouldEqual, Events(0))
	test.That(t, idle.Snapshot().Enabled, test.ShouldBeFalse)

	// an answer for a different group than the one requested
	idle.SendRequest(5, "")
	itr.inject(t, stray)
	test.That(t, idle.Poll().Has(EventJoined), test.ShouldBeFalse)
	test.That(t, idle.Snapshot().Join, test.ShouldResemble, Join{Pending: true, Group: 5})

	stray.Group = 5
	itr.inject(t, stray)
	test.That(t, idle.Poll().Has(EventJoined), test.ShouldBeTrue)
	s = idle.Snapshot()
	test.That(t, s.Role, test.ShouldEqual, RoleFollower)
	test.That(t, s.Group, test.ShouldEqual, int32(5))
	test.That(t, s.Join.Pending, test.ShouldBeFalse)
}

func TestGroupZeroAdoptsFirstCommand(t *testing.T) {
	net := newTestNet()
	follower, _ := net.node(t, 2, "bot2")
	follower.ApplyConfig(Command{Enable: true, Group: 0, Role: RoleFollower}, false)

	follower.ApplyCommand(Command{Enable: true, Group: 6, Role: RoleFollower, Linear: 0.5})
	test.That(t, follower.Snapshot().Group, test.ShouldEqual, int32(6))
	test.That(t, follower.Snapshot().TargetLinear, test.ShouldEqual, 0.5)

	// once adopted, other groups no longer apply
	follower.ApplyCommand(Command{Enable: true, Group: 8, Role: RoleFollower, Linear: -0.5})
	test.That(t, follower.Snapshot().Group, test.ShouldEqual, int32(6))
	test.That(t, follower.Snapshot().TargetLinear, test.ShouldEqual, 0.5)
}

func TestApplyConfigClampsAndResets(t *testing.T) {
	net := newTestNet()
	n, _ := net.node(t, 1, "lead")

	n.ApplyConfig(Command{Enable: true, Group: 1, Role: RoleFollower, Timeout: 10 * time.Millisecond}, false)
	test.That(t, n.Snapshot().Timeout, test.ShouldEqual, MinTimeout)
	n.ApplyConfig(Command{Enable: true, Group: 1, Role: RoleFollower, Timeout: time.Minute}, false)
	test.That(t, n.Snapshot().Timeout, test.ShouldEqual, MaxTimeout)
	n.ApplyConfig(Command{Enable: true, Group: 1, Role: RoleFollower}, false)
	test.That(t, n.Snapshot().Timeout, test.ShouldEqual, MaxTimeout)

	n.ApplyCommand(Command{Enable: true, Group: 1, Role: RoleFollower, Linear: 1})
	n.Tick()
	test.That(t, n.Snapshot().AppliedLinear, test.ShouldBeGreaterThan, 0.0)

	n.ApplyConfig(Command{Enable: false, Group: 1, Role: RoleFollower}, false)
	s := n.Snapshot()
	test.That(t, s.TargetLinear, test.ShouldEqual, 0.0)
	test.That(t, s.AppliedLinear, test.ShouldEqual, 0.0)
	test.That(t, n.Tick(), test.ShouldResemble, Motion{})

	n.ApplyConfig(Command{Enable: true, Group: 1, Role: RoleLeader}, false)
	s = n.Snapshot()
	test.That(t, s.Index, test.ShouldEqual, int32(0))
	test.That(t, s.Count, test.ShouldEqual, int32(1))
	test.That(t, s.Leader, test.ShouldResemble, LeaderInfo{})
}

func TestPresenceOnlyWhileEnabled(t *testing.T) {
	net := newTestNet()
	n, tr := net.node(t, 1, "lead")

	n.Poll()
	test.That(t, tr.sent, test.ShouldHaveLength, 0)

	n.ApplyConfig(Command{Enable: true, Group: 2, Role: RoleLeader, Name: "pack"}, false)
	n.Poll()
	test.That(t, tr.sent, test.ShouldHaveLength, 1)
	p := tr.lastSent()
	test.That(t, p.Type, test.ShouldEqual, FramePresence)
	test.That(t, p.Has(FlagFromLeader), test.ShouldBeTrue)
	test.That(t, p.Name, test.ShouldEqual, "pack")

	net.clk.Add(PresenceInterval / 2)
	n.Poll()
	test.That(t, tr.sent, test.ShouldHaveLength, 1)
	net.clk.Add(PresenceInterval / 2)
	n.Poll()
	test.That(t, tr.sent, test.ShouldHaveLength, 2)
	test.That(t, tr.sent[1].Seq, test.ShouldBeGreaterThan, tr.sent[0].Seq)

	// own presence never lands in discovery
	test.That(t, n.Discovery(), test.ShouldHaveLength, 0)
}

func TestPeerInviteAcceptRequestsLeader(t *testing.T) {
	net := newTestNet()
	leader, ltr := net.node(t, 1, "lead")
	member, _ := net.node(t, 2, "bot2")
	newcomer, _ := net.node(t, 3, "bot3")

	leader.ApplyConfig(Command{Enable: true, Group: 4, Role: RoleLeader, Count: 2}, false)
	leader.Poll() // presence
	newcomer.Poll()

	member.ApplyConfig(Command{Enable: true, Group: 4, Role: RoleFollower, Index: 1, Count: 2}, false)
	leader.ApplyCommand(Command{Enable: true, Group: 4, Role: RoleLeader, Count: 2})
	member.Poll()
	newcomer.Poll()

	member.SendInvite(4, "", 0, 0)
	ev := newcomer.Poll()
	test.That(t, ev.Has(EventInvite), test.ShouldBeTrue)
	s := newcomer.Snapshot()
	test.That(t, s.Invite.FromLeader, test.ShouldBeFalse)
	lmac, lip := ltr.Self()
	test.That(t, s.Leader.MAC, test.ShouldResemble, lmac)
	test.That(t, s.Leader.IP, test.ShouldResemble, lip)

	newcomer.AcceptInvite(true)
	test.That(t, newcomer.Snapshot().Enabled, test.ShouldBeFalse)
	test.That(t, leader.Poll().Has(EventRequest), test.ShouldBeTrue)
	test.That(t, leader.Snapshot().Request.Name, test.ShouldEqual, "bot3")
	test.That(t, member.Poll().Has(EventRequest), test.ShouldBeFalse)
}

func TestMalformedDatagramsDropped(t *testing.T) {
	net := newTestNet()
	n, tr := net.node(t, 1, "lead")
	tr.inbox = append(tr.inbox,
		Datagram{Payload: []byte{2, 0, 0}, From: netip.MustParseAddr("192.168.4.9")},
		Datagram{Payload: make([]byte, FrameSize), From: netip.MustParseAddr("192.168.4.9")},
	)
	before := n.Snapshot()
	test.That(t, n.Poll(), test.ShouldEqual, Events(0))
	test.That(t, n.Snapshot(), test.ShouldResemble, before)
}
