package formation

import (
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"

	"balancebot-core/utils"
)

const PresenceInterval = 600 * time.Millisecond

// Events reports what a Poll changed, for pushing state to the operator.
type Events uint8

const (
	EventCommand Events = 1 << iota
	EventInvite
	EventRequest
	EventJoined
	EventMemberAdded
	EventRejected
)

func (e Events) Has(ev Events) bool { return e&ev != 0 }

// Motion is the smoothed command a Tick hands to the drive.
type Motion struct {
	Enabled  bool
	Linear   float64
	Yaw      float64
	Failsafe bool
}

type Config struct {
	// RobotName identifies this node in join requests.
	RobotName        string
	PresenceInterval time.Duration
	DiscoveryWindow  time.Duration
}

// Node runs the formation protocol. It is driven by one goroutine: Tick,
// Poll and all operator methods must be called from it.
type Node struct {
	cfg Config
	clk clock.Clock
	log *utils.Logger
	tr  Transport

	state        GroupState
	peers        PeerCache
	seq          uint32
	lastPresence time.Time
	presenceSent bool

	rx  []Datagram
	buf [FrameSize]byte
}

func NewNode(cfg Config, tr Transport, clk clock.Clock, log *utils.Logger) *Node {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = utils.NewNopLogger()
	}
	if cfg.PresenceInterval <= 0 {
		cfg.PresenceInterval = PresenceInterval
	}
	if cfg.DiscoveryWindow <= 0 {
		cfg.DiscoveryWindow = DiscoveryWindow
	}
	return &Node{
		cfg:   cfg,
		clk:   clk,
		log:   log,
		tr:    tr,
		state: DefaultGroupState(clk.Now()),
		rx:    make([]Datagram, 0, 32),
	}
}

// Snapshot returns a copy of the group state.
func (n *Node) Snapshot() GroupState { return n.state }

// Discovery lists peers heard from within the discovery window.
func (n *Node) Discovery() []Peer {
	_, self := n.tr.Self()
	return n.peers.Recent(n.clk.Now(), n.cfg.DiscoveryWindow, self)
}

// ApplyConfig sets role, group, membership, name and timeout. With propagate a
// leader relays the command to its followers.
func (n *Node) ApplyConfig(cmd Command, propagate bool) {
	s := &n.state
	s.Enabled = cmd.Enable
	s.Group = cmd.Group
	s.Role = cmd.Role
	if s.Role == RoleLeader {
		s.Leader = LeaderInfo{}
		s.clearInvite()
		s.clearRequest()
		s.clearJoin()
		s.Index = 0
		if cmd.Count > 0 {
			s.Count = cmd.Count
		} else {
			s.Count = max(1, s.Count)
		}
	} else {
		s.Index = cmd.Index
		if cmd.Count > 0 {
			s.Count = cmd.Count
		}
	}
	s.Name = boundName(cmd.Name)
	if cmd.Timeout > 0 {
		s.Timeout = clampTimeout(cmd.Timeout)
	}
	if !s.Enabled {
		s.resetMotion()
		s.Failsafe = false
	}
	s.LastMessage = n.clk.Now()
	if propagate {
		n.broadcastIfLeader(cmd)
	}
}

// ApplyCommand applies a motion command addressed to this node's group. A
// node in group 0 adopts the command's group.
func (n *Node) ApplyCommand(cmd Command) {
	s := &n.state
	if s.Group != 0 && cmd.Group != s.Group {
		return
	}
	if s.Group == 0 {
		s.Group = cmd.Group
	}
	n.ApplyConfig(cmd, false)
	s.TargetLinear = clampCommand(cmd.Linear)
	s.TargetYaw = clampCommand(cmd.Yaw)
	s.Failsafe = false
	s.LastMessage = n.clk.Now()
	n.broadcastIfLeader(cmd)
}

// ZeroMotion drops all pending motion, used when the robot has fallen.
func (n *Node) ZeroMotion() { n.state.resetMotion() }

// Tick slews the applied command toward the target, or toward zero once no
// command arrived within the timeout.
func (n *Node) Tick() Motion {
	s := &n.state
	if !s.Enabled {
		return Motion{}
	}
	expired := n.clk.Now().Sub(s.LastMessage) > s.Timeout
	linGoal, yawGoal := s.TargetLinear, s.TargetYaw
	if expired {
		linGoal, yawGoal = 0, 0
	}
	s.AppliedLinear += (linGoal - s.AppliedLinear) * SlewAlpha
	s.AppliedYaw += (yawGoal - s.AppliedYaw) * SlewAlpha
	if expired && !s.Failsafe {
		n.log.Warn("formation failsafe: no command for %v", n.clk.Now().Sub(s.LastMessage))
	}
	s.Failsafe = expired
	return Motion{Enabled: true, Linear: s.AppliedLinear, Yaw: s.AppliedYaw, Failsafe: expired}
}

// Poll processes every pending datagram and advertises presence when due.
func (n *Node) Poll() Events {
	var ev Events
	n.rx = n.tr.Poll(n.rx[:0])
	for _, d := range n.rx {
		ev |= n.handle(d)
	}

	now := n.clk.Now()
	if n.state.Enabled && (!n.presenceSent || now.Sub(n.lastPresence) >= n.cfg.PresenceInterval) {
		n.lastPresence = now
		n.presenceSent = true
		f := n.newFrame(FramePresence)
		if n.state.Role == RoleLeader {
			f.Flags = FlagFromLeader
		}
		f.Group = n.state.Group
		f.Name = n.state.Name
		n.send(&f, netip.Addr{})
	}
	return ev
}

func (n *Node) handle(d Datagram) Events {
	var f Frame
	if err := f.UnmarshalBinary(d.Payload); err != nil {
		n.log.Trace("formation drop from %v: %v", d.From, err)
		return 0
	}
	if !f.IP.IsValid() {
		f.IP = d.From
	}
	if _, self := n.tr.Self(); self.IsValid() && f.IP == self {
		return 0
	}

	switch f.Type {
	case FrameCmd:
		return n.handleCmd(&f)
	case FrameInvite:
		return n.handleInvite(&f)
	case FrameRequest:
		return n.handleRequest(&f)
	case FrameAccept:
		return n.handleAccept(&f)
	case FrameReject:
		n.state.clearInvite()
		n.state.clearRequest()
		n.state.clearJoin()
		n.log.Info("formation: rejected by %v", f.IP)
		return EventRejected
	case FramePresence:
		if f.MAC.IsZero() && !f.IP.IsValid() {
			return 0
		}
		n.peers.Upsert(Peer{
			MAC:      f.MAC,
			IP:       f.IP,
			Name:     f.Name,
			Leader:   f.Has(FlagFromLeader),
			Group:    f.Group,
			LastSeen: n.clk.Now(),
		})
		return 0
	default:
		n.log.Trace("formation drop unknown type %d from %v", f.Type, f.IP)
		return 0
	}
}

func (n *Node) handleCmd(f *Frame) Events {
	s := &n.state
	if !s.Enabled || s.Role != RoleFollower {
		return 0
	}
	if s.Group != 0 && f.Group != s.Group {
		return 0
	}
	if !f.MAC.IsZero() {
		s.Leader.MAC = f.MAC
		s.Leader.MACValid = true
	}
	if f.IP.IsValid() {
		s.Leader.IP = f.IP
	}
	n.ApplyCommand(commandFromFrame(f, RoleFollower, float64(f.Linear), float64(f.Yaw)))
	return EventCommand
}

func (n *Node) handleInvite(f *Frame) Events {
	s := &n.state
	if s.Role == RoleLeader && s.Enabled {
		return 0
	}
	fromLeader := f.Has(FlagFromLeader)
	if !f.MAC.IsZero() {
		s.Leader.MAC = f.MAC
		s.Leader.MACValid = true
	}
	switch {
	case fromLeader:
		s.Leader.IP = f.IP
	default:
		// a peer relays its leader's MAC; its own address is not the leader's
		s.Leader.IP = netip.Addr{}
		if p, ok := n.peers.Lookup(f.MAC); ok {
			s.Leader.IP = p.IP
		}
	}
	s.Invite = Invite{
		Pending:    true,
		FromLeader: fromLeader,
		Group:      f.Group,
		Count:      f.Count,
		Timeout:    time.Duration(f.TimeoutMS) * time.Millisecond,
		Name:       f.Name,
		From:       f.MAC,
		FromIP:     f.IP,
	}
	n.log.Info("formation: invite to group %d (%q) from %v leader=%v", f.Group, f.Name, f.IP, fromLeader)
	return EventInvite
}

func (n *Node) handleRequest(f *Frame) Events {
	if n.state.Role != RoleLeader {
		return 0
	}
	n.state.Request = Request{
		Pending: true,
		Group:   f.Group,
		Name:    f.Name,
		From:    f.MAC,
		FromIP:  f.IP,
	}
	n.log.Info("formation: join request for group %d from %q at %v", f.Group, f.Name, f.IP)
	return EventRequest
}

func (n *Node) handleAccept(f *Frame) Events {
	s := &n.state
	if f.Has(FlagFromLeader) {
		// only an answer to our own request admits us
		if !s.Join.Pending || f.Group != s.Join.Group {
			n.log.Debug("formation: unsolicited accept for group %d from %v", f.Group, f.IP)
			return 0
		}
		if !f.MAC.IsZero() {
			s.Leader.MAC = f.MAC
			s.Leader.MACValid = true
		}
		s.Leader.IP = f.IP
		s.Enabled = true
		n.ApplyConfig(commandFromFrame(f, RoleFollower, 0, 0), false)
		s.clearInvite()
		s.clearRequest()
		s.clearJoin()
		n.log.Info("formation: joined group %d as member %d of %d", s.Group, s.Index, s.Count)
		return EventJoined
	}
	if s.Role != RoleLeader {
		return 0
	}
	if f.Count > 0 {
		s.Count = f.Count
	} else {
		s.Count = max(1, s.Count+1)
	}
	s.clearInvite()
	s.clearRequest()
	n.log.Info("formation: %v accepted, group %d now has %d members", f.IP, s.Group, s.Count)
	return EventMemberAdded
}

func commandFromFrame(f *Frame, role Role, linear, yaw float64) Command {
	return Command{
		Enable:  f.Has(FlagEnable),
		Group:   f.Group,
		Role:    role,
		Index:   f.Index,
		Count:   f.Count,
		Name:    f.Name,
		Linear:  linear,
		Yaw:     yaw,
		Timeout: time.Duration(f.TimeoutMS) * time.Millisecond,
	}
}

// Broadcast sends a motion command to the group. Only a leader sends.
func (n *Node) Broadcast(cmd Command) bool {
	if n.state.Role != RoleLeader {
		return false
	}
	f := n.newFrame(FrameCmd)
	if cmd.Enable {
		f.Flags = FlagEnable
	}
	f.Group = cmd.Group
	f.Index = cmd.Index
	f.Count = cmd.Count
	f.Linear = float32(clampCommand(cmd.Linear))
	f.Yaw = float32(clampCommand(cmd.Yaw))
	f.TimeoutMS = uint32(cmd.Timeout / time.Millisecond)
	f.Name = cmd.Name
	if f.Name == "" {
		f.Name = n.state.Name
	}
	return n.send(&f, netip.Addr{})
}

func (n *Node) broadcastIfLeader(cmd Command) {
	if n.state.Role != RoleLeader {
		return
	}
	cmd.Role = RoleFollower
	n.Broadcast(cmd)
}

// SendInviteTo invites one node as a leader. An invalid ip is resolved from
// the peer cache by mac, else the invite is broadcast.
func (n *Node) SendInviteTo(mac MAC, ip netip.Addr, group int32, name string, count int32, timeout time.Duration) bool {
	f := n.inviteFrame(group, name, count, timeout)
	f.Flags = FlagEnable | FlagFromLeader
	if !ip.IsValid() {
		if p, ok := n.peers.Lookup(mac); ok {
			ip = p.IP
		}
	}
	return n.send(&f, ip)
}

// SendInvite broadcasts an invite. A follower invites on behalf of its leader.
func (n *Node) SendInvite(group int32, name string, count int32, timeout time.Duration) bool {
	f := n.inviteFrame(group, name, count, timeout)
	f.Flags = FlagEnable
	if n.state.Role == RoleLeader {
		f.Flags |= FlagFromLeader
	} else {
		f.MAC = n.state.Leader.MAC
	}
	return n.send(&f, netip.Addr{})
}

func (n *Node) inviteFrame(group int32, name string, count int32, timeout time.Duration) Frame {
	f := n.newFrame(FrameInvite)
	f.Group = group
	f.Count = count
	if f.Count <= 0 {
		f.Count = max(1, n.state.Count)
	}
	f.TimeoutMS = uint32(timeout / time.Millisecond)
	f.Name = name
	if f.Name == "" {
		f.Name = n.state.Name
	}
	return f
}

// SendRequest asks the cached leader, or everyone, to admit this node.
func (n *Node) SendRequest(group int32, name string) bool {
	return n.sendRequest(group, name, n.state.Leader.IP)
}

// SendRequestTo asks one leader to admit this node. An invalid ip is resolved
// from the peer cache by mac, else the request is broadcast.
func (n *Node) SendRequestTo(mac MAC, ip netip.Addr, group int32, name string) bool {
	if !ip.IsValid() {
		if p, ok := n.peers.Lookup(mac); ok {
			ip = p.IP
		}
	}
	return n.sendRequest(group, name, ip)
}

func (n *Node) sendRequest(group int32, name string, ip netip.Addr) bool {
	n.state.Join = Join{Pending: true, Group: group}
	return n.send(n.requestFrame(group, name), ip)
}

func (n *Node) requestFrame(group int32, name string) *Frame {
	f := n.newFrame(FrameRequest)
	f.Flags = FlagEnable
	f.Group = group
	f.TimeoutMS = uint32(n.state.Timeout / time.Millisecond)
	f.Name = name
	if f.Name == "" {
		f.Name = n.cfg.RobotName
	}
	return &f
}

// AcceptInvite answers the pending invite. It reports false when there is none.
func (n *Node) AcceptInvite(accept bool) bool {
	s := &n.state
	if !s.Invite.Pending {
		return false
	}
	inv := s.Invite

	switch {
	case accept && inv.FromLeader:
		s.Leader = LeaderInfo{MAC: inv.From, MACValid: true, IP: inv.FromIP}
		n.ApplyConfig(Command{
			Enable:  true,
			Group:   inv.Group,
			Role:    RoleFollower,
			Index:   s.Index,
			Count:   inv.Count,
			Name:    inv.Name,
			Timeout: inv.Timeout,
		}, false)

		f := n.newFrame(FrameAccept)
		f.Flags = FlagEnable
		f.Group = inv.Group
		f.Index = s.Index
		f.Count = s.Count
		f.TimeoutMS = uint32(s.Timeout / time.Millisecond)
		f.Name = inv.Name
		n.send(&f, inv.FromIP)
		n.log.Info("formation: accepted invite to group %d", inv.Group)
	case accept:
		leaderIP := s.Leader.IP
		if !leaderIP.IsValid() {
			if p, ok := n.peers.Lookup(inv.From); ok {
				leaderIP = p.IP
			}
		}
		n.sendRequest(inv.Group, "", leaderIP)
		n.log.Info("formation: asked leader %v to join group %d", leaderIP, inv.Group)
	default:
		f := n.newFrame(FrameReject)
		f.Group = inv.Group
		n.send(&f, inv.FromIP)
		n.log.Info("formation: rejected invite to group %d", inv.Group)
	}

	s.clearInvite()
	return true
}

// ReplyRequest answers the pending join request. A negative index assigns
// the next one; a negative count grows the group by one.
func (n *Node) ReplyRequest(accept bool, index, count int32) bool {
	s := &n.state
	if !s.Request.Pending {
		return false
	}
	req := s.Request

	newCount := s.Count
	if accept {
		newCount = count
		if newCount < 0 {
			newCount = s.Count + 1
		}
		newCount = max(1, newCount)
	}
	if index < 0 {
		index = s.Index + 1
	}

	f := n.newFrame(FrameReject)
	if accept {
		f.Type = FrameAccept
		f.Flags = FlagEnable | FlagFromLeader
	}
	f.Group = req.Group
	f.Index = index
	f.Count = newCount
	f.TimeoutMS = uint32(s.Timeout / time.Millisecond)
	f.Name = s.Name
	n.send(&f, req.FromIP)

	if accept {
		s.Count = newCount
		n.log.Info("formation: admitted %q as member %d, group %d now has %d members", req.Name, index, s.Group, newCount)
	} else {
		n.log.Info("formation: refused %q", req.Name)
	}
	s.clearRequest()
	return true
}

func (n *Node) newFrame(t FrameType) Frame {
	n.seq++
	mac, ip := n.tr.Self()
	return Frame{Version: FrameVersion, Type: t, Seq: n.seq, MAC: mac, IP: ip}
}

func (n *Node) send(f *Frame, dst netip.Addr) bool {
	f.Put(n.buf[:])
	ok := n.tr.Send(n.buf[:], dst)
	if !ok {
		n.log.Debug("formation: %s to %v dropped", f.Type, dst)
	}
	return ok
}
