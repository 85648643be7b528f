package bridge

import (
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"

	control "balancebot-core/closed_loop/balance_control"
	"balancebot-core/closed_loop/formation"
	"balancebot-core/utils/testutils"
)

type sentFrame struct {
	frame formation.Frame
	dst   netip.Addr
}

type loopback struct {
	sent []sentFrame
}

func (l *loopback) Send(payload []byte, dst netip.Addr) bool {
	var f formation.Frame
	if err := f.UnmarshalBinary(payload); err == nil {
		l.sent = append(l.sent, sentFrame{f, dst})
	}
	return true
}

func (l *loopback) Poll(dst []formation.Datagram) []formation.Datagram { return dst }

func (l *loopback) Self() (formation.MAC, netip.Addr) {
	return formation.MAC{0x02, 0, 0, 0, 0, 1}, netip.MustParseAddr("192.168.4.1")
}

type fixture struct {
	pipe *control.Pipeline
	node *formation.Node
	tr   *loopback
	d    *Dispatcher
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clk := clock.NewMock()
	log := testutils.NewTestLogger(t)
	tr := &loopback{}
	pipe := control.NewPipeline(control.DefaultParams(), clk)
	node := formation.NewNode(formation.Config{RobotName: "bot1"}, tr, clk, log)
	return fixture{pipe: pipe, node: node, tr: tr, d: NewDispatcher(pipe, node, clk, log)}
}

func decode(t *testing.T, s string) Inbound {
	t.Helper()
	in, err := Decode([]byte(s))
	test.That(t, err, test.ShouldBeNil)
	return in
}

func TestDecode(t *testing.T) {
	_, err := Decode([]byte(`{"x":1}`))
	test.That(t, err, test.ShouldEqual, ErrNoType)
	_, err = Decode([]byte(`{"type":`))
	test.That(t, err, test.ShouldNotBeNil)

	in := decode(t, `{"type":"group_cfg","group_id":0,"role":"head"}`)
	test.That(t, in.GroupID, test.ShouldNotBeNil)
	test.That(t, *in.GroupID, test.ShouldEqual, int32(0))
	test.That(t, in.Enable, test.ShouldBeNil)
}

func TestPIDKeys(t *testing.T) {
	test.That(t, PIDKey(control.LoopBalance, 0), test.ShouldEqual, "key01")
	test.That(t, PIDKey(control.LoopPosition, 2), test.ShouldEqual, "key09")
	test.That(t, PIDKey(control.LoopYaw, 2), test.ShouldEqual, "key12")

	params := PIDParams(control.DefaultGains())
	test.That(t, params, test.ShouldHaveLength, 12)
	test.That(t, params["key01"], test.ShouldEqual, 0.4)
	test.That(t, params["key02"], test.ShouldEqual, 10.0)
	test.That(t, params["key10"], test.ShouldEqual, 0.025)

	cfg := NewUIConfig()
	test.That(t, cfg.PIDLimits, test.ShouldHaveLength, 12)
	test.That(t, cfg.PIDLimits[1], test.ShouldResemble, PIDLimit{Min: -12, Max: 12})
}

func TestDispatchRunAndFallCheck(t *testing.T) {
	f := newFixture(t)
	test.That(t, f.d.Handle(decode(t, `{"type":"robot_run","running":true}`)), test.ShouldBeEmpty)
	test.That(t, f.pipe.Running(), test.ShouldBeTrue)
	f.d.Handle(decode(t, `{"type":"robot_run"}`))
	test.That(t, f.pipe.Running(), test.ShouldBeFalse)

	f.d.Handle(decode(t, `{"type":"fall_check","enable":false}`))
	test.That(t, f.pipe.Snapshot().Fall.Enabled, test.ShouldBeFalse)
	f.d.Handle(decode(t, `{"type":"fall_check","enable":true}`))
	test.That(t, f.pipe.Snapshot().Fall.Enabled, test.ShouldBeTrue)
}

func TestDispatchSetPIDClampsAndEchoes(t *testing.T) {
	f := newFixture(t)
	out := f.d.Handle(decode(t, `{"type":"set_pid","param":{"key01":5,"key03":0.01,"key04":-1}}`))
	test.That(t, out, test.ShouldHaveLength, 1)

	gs := f.pipe.Gains()
	test.That(t, gs[control.LoopBalance].P, test.ShouldEqual, 1.0)
	test.That(t, gs[control.LoopBalance].I, test.ShouldEqual, 10.0)
	test.That(t, gs[control.LoopBalance].D, test.ShouldEqual, 0.01)
	test.That(t, gs[control.LoopVelocity].P, test.ShouldEqual, -0.005)

	msg, ok := out[0].(PIDMessage)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, msg.Type, test.ShouldEqual, "pid")
	test.That(t, msg.Param["key01"], test.ShouldEqual, 1.0)
}

func TestDispatchTelemetryRate(t *testing.T) {
	f := newFixture(t)
	test.That(t, f.d.TelemetryPeriod(), test.ShouldEqual, DefaultTelemetryPeriod)
	f.d.Handle(decode(t, `{"type":"telem_hz","ms":20}`))
	test.That(t, f.d.TelemetryPeriod(), test.ShouldEqual, 50*time.Millisecond)
	f.d.Handle(decode(t, `{"type":"telem_hz","ms":1000}`))
	test.That(t, f.d.TelemetryPeriod(), test.ShouldEqual, time.Second/60)
	f.d.Handle(decode(t, `{"type":"telem_hz","ms":0}`))
	test.That(t, f.d.TelemetryPeriod(), test.ShouldEqual, time.Second)
}

func TestDispatchJoystickShapedUnlessFollower(t *testing.T) {
	f := newFixture(t)
	f.d.Handle(decode(t, `{"type":"joy","x":0.02,"y":0.5,"a":0}`))
	joy := f.pipe.Snapshot().Joy
	test.That(t, joy.X, test.ShouldEqual, 0.0)
	test.That(t, joy.Y, test.ShouldEqual, 0.5)

	f.d.Handle(decode(t, `{"type":"group_cfg","enable":true,"role":"follower","group_id":2}`))
	f.d.Handle(decode(t, `{"type":"joy","x":0,"y":-1}`))
	test.That(t, f.pipe.Snapshot().Joy.Y, test.ShouldEqual, 0.5)
}

func TestDispatchGroupConfigKeepsAbsentFields(t *testing.T) {
	f := newFixture(t)
	out := f.d.Handle(decode(t, `{"type":"group_cfg","enable":true,"group_id":4,"name":"pack","timeout_ms":1500}`))
	test.That(t, out, test.ShouldHaveLength, 1)
	gs, ok := out[0].(GroupStateMessage)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, gs.Group.Enabled, test.ShouldBeTrue)
	test.That(t, gs.Group.Role, test.ShouldEqual, "leader")
	test.That(t, gs.Group.Group, test.ShouldEqual, int32(4))
	test.That(t, gs.Group.TimeoutMS, test.ShouldEqual, int64(1500))

	f.d.Handle(decode(t, `{"type":"group_cfg","count":3}`))
	s := f.node.Snapshot()
	test.That(t, s.Enabled, test.ShouldBeTrue)
	test.That(t, s.Group, test.ShouldEqual, int32(4))
	test.That(t, s.Name, test.ShouldEqual, "pack")
	test.That(t, s.Count, test.ShouldEqual, int32(3))

	// a leader relays group commands
	n := len(f.tr.sent)
	f.d.Handle(decode(t, `{"type":"group_cmd","v":0.4,"w":-2}`))
	test.That(t, f.node.Snapshot().TargetLinear, test.ShouldEqual, 0.4)
	test.That(t, f.node.Snapshot().TargetYaw, test.ShouldEqual, -1.0)
	test.That(t, f.tr.sent, test.ShouldHaveLength, n+1)
	last := f.tr.sent[n]
	test.That(t, last.frame.Type, test.ShouldEqual, formation.FrameCmd)
	test.That(t, last.frame.Group, test.ShouldEqual, int32(4))
	test.That(t, last.dst.IsValid(), test.ShouldBeFalse)
}

func TestDispatchInviteTarget(t *testing.T) {
	f := newFixture(t)
	f.d.Handle(decode(t, `{"type":"group_cfg","enable":true,"group_id":1}`))

	out := f.d.Handle(decode(t, `{"type":"group_invite_target","mac":"nonsense"}`))
	test.That(t, out, test.ShouldHaveLength, 1)
	test.That(t, out[0].(Info).Text, test.ShouldContainSubstring, "invalid mac")

	n := len(f.tr.sent)
	f.d.Handle(decode(t, `{"type":"group_invite_target","mac":"02:00:00:00:00:07","ip":"192.168.4.7","group_id":3,"name":"Alpha","count":2,"timeout_ms":1000}`))
	test.That(t, f.tr.sent, test.ShouldHaveLength, n+1)
	sent := f.tr.sent[n]
	test.That(t, sent.dst, test.ShouldResemble, netip.MustParseAddr("192.168.4.7"))
	test.That(t, sent.frame.Type, test.ShouldEqual, formation.FrameInvite)
	test.That(t, sent.frame.Group, test.ShouldEqual, int32(3))
	test.That(t, sent.frame.Name, test.ShouldEqual, "Alpha")
	test.That(t, sent.frame.Count, test.ShouldEqual, int32(2))
	test.That(t, sent.frame.TimeoutMS, test.ShouldEqual, uint32(1000))
}

func TestDispatchRepliesWithoutPendingAreHarmless(t *testing.T) {
	f := newFixture(t)
	n := len(f.tr.sent)
	out := f.d.Handle(decode(t, `{"type":"group_invite_reply","accept":true}`))
	test.That(t, out, test.ShouldHaveLength, 1)
	out = f.d.Handle(decode(t, `{"type":"group_request_reply","accept":true}`))
	test.That(t, out, test.ShouldHaveLength, 1)
	test.That(t, f.tr.sent, test.ShouldHaveLength, n)
	test.That(t, f.d.Handle(decode(t, `{"type":"rgb_set"}`)), test.ShouldBeEmpty)
}

func TestGroupJSON(t *testing.T) {
	now := time.Unix(1000, 0)
	s := formation.DefaultGroupState(now.Add(-250 * time.Millisecond))
	s.Leader.IP = netip.MustParseAddr("10.0.0.1")
	s.Leader.MAC = formation.MAC{0xAA, 1, 2, 3, 4, 5}
	g := NewGroupJSON(s, []formation.Peer{{Name: "p", IP: netip.MustParseAddr("10.0.0.2"), Age: time.Second}}, now)

	test.That(t, g.AgeMS, test.ShouldEqual, int64(250))
	test.That(t, g.TimeoutMS, test.ShouldEqual, int64(800))
	test.That(t, g.Role, test.ShouldEqual, "leader")
	test.That(t, g.LeaderMAC, test.ShouldEqual, "AA:01:02:03:04:05")
	test.That(t, g.LeaderIP, test.ShouldEqual, "10.0.0.1")
	test.That(t, g.InviteFromIP, test.ShouldEqual, "")
	test.That(t, g.Peers, test.ShouldHaveLength, 1)
	test.That(t, g.Peers[0].AgeMS, test.ShouldEqual, int64(1000))
}
