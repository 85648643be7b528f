package formation

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"
)

const (
	// CommandLimit bounds normalised linear and yaw targets.
	CommandLimit   = 1.0
	SlewAlpha      = 0.15
	DefaultTimeout = 800 * time.Millisecond
	MinTimeout     = 200 * time.Millisecond
	MaxTimeout     = 3000 * time.Millisecond
)

type Role uint8

const (
	RoleLeader Role = iota
	RoleFollower
)

func (r Role) String() string {
	if r == RoleLeader {
		return "leader"
	}
	return "follower"
}

// ParseRole maps "leader" or "head" to RoleLeader and any other non-empty
// string to RoleFollower. An empty string yields fallback.
func ParseRole(s string, fallback Role) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return fallback
	case "leader", "head":
		return RoleLeader
	default:
		return RoleFollower
	}
}

// MAC is a 6 byte hardware address.
type MAC [6]byte

func (m MAC) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", m[0], m[1], m[2], m[3], m[4], m[5])
}

func (m MAC) IsZero() bool { return m == MAC{} }

// ParseMAC accepts the colon separated hex form.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return MAC{}, err
	}
	if len(hw) != 6 {
		return MAC{}, fmt.Errorf("mac %q is not 6 bytes", s)
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}

// Command is a configuration or motion command, from the operator or a frame.
type Command struct {
	Enable  bool
	Group   int32
	Role    Role
	Index   int32
	Count   int32
	Name    string
	Linear  float64
	Yaw     float64
	Timeout time.Duration // zero keeps the current timeout
}

type LeaderInfo struct {
	MAC      MAC
	MACValid bool
	IP       netip.Addr
}

// Invite is the single pending invitation a node may hold.
type Invite struct {
	Pending    bool
	FromLeader bool
	Group      int32
	Count      int32
	Timeout    time.Duration
	Name       string
	From       MAC
	FromIP     netip.Addr
}

// Request is the single pending join request a leader may hold.
type Request struct {
	Pending bool
	Group   int32
	Name    string
	From    MAC
	FromIP  netip.Addr
}

// Join is the join request this node sent and is waiting on.
type Join struct {
	Pending bool
	Group   int32
}

// GroupState is the formation configuration and protocol state of one node.
type GroupState struct {
	Enabled       bool
	Group         int32
	Role          Role
	Index         int32
	Count         int32
	Name          string
	Timeout       time.Duration
	TargetLinear  float64
	TargetYaw     float64
	AppliedLinear float64
	AppliedYaw    float64
	LastMessage   time.Time
	Failsafe      bool
	Leader        LeaderInfo
	Invite        Invite
	Request       Request
	Join          Join
}

// DefaultGroupState is a disabled leader of group 1 with only itself as member.
func DefaultGroupState(now time.Time) GroupState {
	return GroupState{
		Group:       1,
		Role:        RoleLeader,
		Count:       1,
		Timeout:     DefaultTimeout,
		LastMessage: now,
	}
}

func (s *GroupState) resetMotion() {
	s.TargetLinear = 0
	s.TargetYaw = 0
	s.AppliedLinear = 0
	s.AppliedYaw = 0
}

func (s *GroupState) clearInvite()  { s.Invite = Invite{} }
func (s *GroupState) clearRequest() { s.Request = Request{} }
func (s *GroupState) clearJoin()    { s.Join = Join{} }

func clampTimeout(d time.Duration) time.Duration {
	if d < MinTimeout {
		return MinTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

func clampCommand(v float64) float64 {
	if v > CommandLimit {
		return CommandLimit
	}
	if v < -CommandLimit {
		return -CommandLimit
	}
	return v
}
