// Package bridge is the operator surface: websocket commands in, telemetry
// and formation state out.
package bridge

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/pkg/errors"

	control "balancebot-core/closed_loop/balance_control"
	"balancebot-core/closed_loop/formation"
)

// Inbound message types.
const (
	TypeRobotRun          = "robot_run"
	TypeFallCheck         = "fall_check"
	TypeJoy               = "joy"
	TypeSetPID            = "set_pid"
	TypeGetPID            = "get_pid"
	TypeTelemetryRate     = "telem_hz"
	TypeGroupConfig       = "group_cfg"
	TypeGroupCommand      = "group_cmd"
	TypeGroupQuery        = "group_query"
	TypeGroupInviteTarget = "group_invite_target"
	TypeGroupInviteReply  = "group_invite_reply"
	TypeGroupRequestJoin  = "group_request_join"
	TypeGroupRequestTo    = "group_request_join_target"
	TypeGroupRequestReply = "group_request_reply"
)

var ErrNoType = errors.New("message has no type")

// Inbound is any operator message. Optional fields are pointers so that an
// absent field keeps the current value.
type Inbound struct {
	Type string `json:"type"`

	Running *bool    `json:"running,omitempty"`
	Enable  *bool    `json:"enable,omitempty"`
	X       *float64 `json:"x,omitempty"`
	Y       *float64 `json:"y,omitempty"`
	A       *float64 `json:"a,omitempty"`

	Param map[string]float64 `json:"param,omitempty"`
	// Rate carries a telemetry rate in Hz under the historical "ms" key.
	Rate *float64 `json:"ms,omitempty"`

	GroupID   *int32   `json:"group_id,omitempty"`
	Role      string   `json:"role,omitempty"`
	Index     *int32   `json:"index,omitempty"`
	Count     *int32   `json:"count,omitempty"`
	Name      *string  `json:"name,omitempty"`
	Linear    *float64 `json:"v,omitempty"`
	Yaw       *float64 `json:"w,omitempty"`
	TimeoutMS *int64   `json:"timeout_ms,omitempty"`
	MAC       string   `json:"mac,omitempty"`
	IP        string   `json:"ip,omitempty"`
	Accept    *bool    `json:"accept,omitempty"`
}

// Decode parses one text frame.
func Decode(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, errors.Wrap(err, "decode operator message")
	}
	if in.Type == "" {
		return Inbound{}, ErrNoType
	}
	return in, nil
}

// PIDKey names a gain slider: key01..key12 are P, I and D of the balance,
// velocity, position and yaw loops in that order.
func PIDKey(l control.Loop, term int) string {
	return fmt.Sprintf("key%02d", int(l)*3+term+1)
}

// PIDParams flattens the P, I and D gains into slider keys.
func PIDParams(gs control.GainSet) map[string]float64 {
	out := make(map[string]float64, len(control.Loops)*3)
	for _, l := range control.Loops {
		g := gs[l]
		out[PIDKey(l, 0)] = g.P
		out[PIDKey(l, 1)] = g.I
		out[PIDKey(l, 2)] = g.D
	}
	return out
}

// ApplyPIDParams overwrites the terms present in param. Limits are untouched.
func ApplyPIDParams(gs control.GainSet, param map[string]float64) control.GainSet {
	for _, l := range control.Loops {
		terms := [3]*float64{&gs[l].P, &gs[l].I, &gs[l].D}
		for i, t := range terms {
			if v, ok := param[PIDKey(l, i)]; ok {
				*t = v
			}
		}
	}
	return gs
}

type PIDMessage struct {
	Type  string             `json:"type"`
	Param map[string]float64 `json:"param"`
}

type Info struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func NewInfo(text string) Info { return Info{Type: "info", Text: text} }

type PIDLimit struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// UIConfig is sent once per connection.
type UIConfig struct {
	Type      string     `json:"type"`
	Loops     []string   `json:"loops"`
	PIDLimits []PIDLimit `json:"pid_limits"`
}

// NewUIConfig lists the symmetric slider ranges in key01..key12 order.
func NewUIConfig() UIConfig {
	cfg := UIConfig{Type: "ui_config"}
	for _, l := range control.Loops {
		e := control.Envelopes[l]
		cfg.Loops = append(cfg.Loops, l.String())
		for _, lim := range [3]float64{e.P, e.I, e.D} {
			cfg.PIDLimits = append(cfg.PIDLimits, PIDLimit{Min: -lim, Max: lim})
		}
	}
	return cfg
}

// GroupJSON is the operator view of the formation state.
type GroupJSON struct {
	Enabled          bool    `json:"enabled"`
	Group            int32   `json:"group_id"`
	Name             string  `json:"name"`
	Count            int32   `json:"count"`
	Index            int32   `json:"index"`
	Role             string  `json:"role"`
	TargetLinear     float64 `json:"v"`
	TargetYaw        float64 `json:"w"`
	AppliedLinear    float64 `json:"applied_v"`
	AppliedYaw       float64 `json:"applied_w"`
	TimeoutMS        int64   `json:"timeout_ms"`
	AgeMS            int64   `json:"age_ms"`
	Failsafe         bool    `json:"failsafe"`
	InvitePending    bool    `json:"invite_pending"`
	InviteGroup      int32   `json:"invite_group"`
	InviteName       string  `json:"invite_name"`
	InviteFromLeader bool    `json:"invite_from_is_leader"`
	InviteFrom       string  `json:"invite_from"`
	InviteFromIP     string  `json:"invite_from_ip,omitempty"`
	LeaderMAC        string  `json:"leader_mac"`
	LeaderIP         string  `json:"leader_ip,omitempty"`
	RequestPending   bool    `json:"request_pending"`
	RequestGroup     int32   `json:"request_group"`
	RequestName      string  `json:"request_name"`
	RequestFrom      string  `json:"request_from"`
	RequestFromIP    string  `json:"request_from_ip,omitempty"`
	Peers            []Peer  `json:"peers,omitempty"`
}

type Peer struct {
	MAC    string `json:"mac"`
	IP     string `json:"ip"`
	Name   string `json:"name"`
	Leader bool   `json:"leader"`
	Group  int32  `json:"group_id"`
	AgeMS  int64  `json:"age_ms"`
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}

// NewGroupJSON renders s as seen at now.
func NewGroupJSON(s formation.GroupState, peers []formation.Peer, now time.Time) GroupJSON {
	g := GroupJSON{
		Enabled:          s.Enabled,
		Group:            s.Group,
		Name:             s.Name,
		Count:            s.Count,
		Index:            s.Index,
		Role:             s.Role.String(),
		TargetLinear:     s.TargetLinear,
		TargetYaw:        s.TargetYaw,
		AppliedLinear:    s.AppliedLinear,
		AppliedYaw:       s.AppliedYaw,
		TimeoutMS:        s.Timeout.Milliseconds(),
		AgeMS:            now.Sub(s.LastMessage).Milliseconds(),
		Failsafe:         s.Failsafe,
		InvitePending:    s.Invite.Pending,
		InviteGroup:      s.Invite.Group,
		InviteName:       s.Invite.Name,
		InviteFromLeader: s.Invite.FromLeader,
		InviteFrom:       s.Invite.From.String(),
		InviteFromIP:     addrString(s.Invite.FromIP),
		LeaderMAC:        s.Leader.MAC.String(),
		LeaderIP:         addrString(s.Leader.IP),
		RequestPending:   s.Request.Pending,
		RequestGroup:     s.Request.Group,
		RequestName:      s.Request.Name,
		RequestFrom:      s.Request.From.String(),
		RequestFromIP:    addrString(s.Request.FromIP),
	}
	for _, p := range peers {
		g.Peers = append(g.Peers, Peer{
			MAC:    p.MAC.String(),
			IP:     addrString(p.IP),
			Name:   p.Name,
			Leader: p.Leader,
			Group:  p.Group,
			AgeMS:  p.Age.Milliseconds(),
		})
	}
	return g
}

type GroupStateMessage struct {
	Type  string    `json:"type"`
	Group GroupJSON `json:"group"`
}

// Telemetry is pushed at the telemetry rate.
type Telemetry struct {
	Type    string               `json:"type"`
	Fallen  bool                 `json:"fallen"`
	Pitch   float64              `json:"pitch"`
	Roll    float64              `json:"roll"`
	Yaw     float64              `json:"yaw"`
	Faults  []string             `json:"faults,omitempty"`
	Group   GroupJSON            `json:"group"`
	Control control.ControlState `json:"control"`
}

// State answers GET /api/state.
type State struct {
	PeriodMS      int64     `json:"ms"`
	Running       bool      `json:"running"`
	FallenEnable  bool      `json:"fallen_enable"`
	SelfMAC       string    `json:"self_mac,omitempty"`
	Faults        []string  `json:"faults,omitempty"`
	Group         GroupJSON `json:"group"`
	LinkRxDropped uint64    `json:"link_rx_dropped"`
	LinkTxDropped uint64    `json:"link_tx_dropped"`
	BridgeDropped uint64    `json:"bridge_dropped"`
}
