package bridge

import (
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"

	control "balancebot-core/closed_loop/balance_control"
	"balancebot-core/closed_loop/formation"
	"balancebot-core/utils"
)

const (
	DefaultTelemetryPeriod = 100 * time.Millisecond
	minTelemetryHz         = 1
	maxTelemetryHz         = 60
)

// Controller is the part of the control pipeline operators reach.
type Controller interface {
	SetRun(run bool)
	Running() bool
	SetFallDetect(enabled bool)
	SetJoystick(x, y, a float64)
	SetGains(l control.Loop, g control.Gains) control.Gains
	Gains() control.GainSet
}

// Formation is the part of the formation node operators reach.
type Formation interface {
	Snapshot() formation.GroupState
	Discovery() []formation.Peer
	ApplyConfig(cmd formation.Command, propagate bool)
	ApplyCommand(cmd formation.Command)
	SendInviteTo(mac formation.MAC, ip netip.Addr, group int32, name string, count int32, timeout time.Duration) bool
	AcceptInvite(accept bool) bool
	SendRequest(group int32, name string) bool
	SendRequestTo(mac formation.MAC, ip netip.Addr, group int32, name string) bool
	ReplyRequest(accept bool, index, count int32) bool
}

// Dispatcher applies operator messages. It must run on the goroutine that
// owns the pipeline and the formation node.
type Dispatcher struct {
	ctl    Controller
	node   Formation
	clk    clock.Clock
	log    *utils.Logger
	period time.Duration
}

func NewDispatcher(ctl Controller, node Formation, clk clock.Clock, log *utils.Logger) *Dispatcher {
	return &Dispatcher{ctl: ctl, node: node, clk: clk, log: log, period: DefaultTelemetryPeriod}
}

// TelemetryPeriod is the operator selected telemetry interval.
func (d *Dispatcher) TelemetryPeriod() time.Duration { return d.period }

// GroupState renders the formation state for the operator.
func (d *Dispatcher) GroupState() GroupStateMessage {
	return GroupStateMessage{
		Type:  "group_state",
		Group: NewGroupJSON(d.node.Snapshot(), d.node.Discovery(), d.clk.Now()),
	}
}

func (d *Dispatcher) PID() PIDMessage {
	return PIDMessage{Type: "pid", Param: PIDParams(d.ctl.Gains())}
}

// Handle applies in and returns the messages to publish in reply.
func (d *Dispatcher) Handle(in Inbound) []any {
	s := d.node.Snapshot()

	switch in.Type {
	case TypeTelemetryRate:
		hz := control.ClampFloat(orFloat(in.Rate, 1000/float64(DefaultTelemetryPeriod.Milliseconds())), minTelemetryHz, maxTelemetryHz)
		d.period = time.Duration(float64(time.Second) / hz)
		d.log.Debug("telemetry every %v", d.period)
	case TypeRobotRun:
		d.ctl.SetRun(orBool(in.Running, false))
		d.log.Info("robot run=%v", d.ctl.Running())
	case TypeFallCheck:
		d.ctl.SetFallDetect(orBool(in.Enable, false))
	case TypeJoy:
		if s.Enabled && s.Role == formation.RoleFollower {
			return nil
		}
		d.ctl.SetJoystick(control.ShapeJoystick(orFloat(in.X, 0), orFloat(in.Y, 0), orFloat(in.A, 0)))
	case TypeSetPID:
		gs := ApplyPIDParams(d.ctl.Gains(), in.Param)
		for _, l := range control.Loops {
			d.ctl.SetGains(l, gs[l])
		}
		return []any{d.PID()}
	case TypeGetPID:
		return []any{d.PID()}
	case TypeGroupConfig:
		d.node.ApplyConfig(d.command(in, s, orBool(in.Enable, s.Enabled), s.TargetLinear, s.TargetYaw), true)
		return []any{d.GroupState()}
	case TypeGroupCommand:
		d.node.ApplyCommand(d.command(in, s, orBool(in.Enable, true), orFloat(in.Linear, 0), orFloat(in.Yaw, 0)))
	case TypeGroupQuery:
		return []any{d.GroupState()}
	case TypeGroupInviteTarget:
		mac, err := formation.ParseMAC(in.MAC)
		if err != nil {
			return []any{NewInfo("invalid mac " + in.MAC)}
		}
		d.node.SendInviteTo(mac, parseIP(in.IP), orInt32(in.GroupID, s.Group), orString(in.Name, s.Name),
			orInt32(in.Count, s.Count), orTimeout(in.TimeoutMS, s.Timeout))
	case TypeGroupInviteReply:
		d.node.AcceptInvite(orBool(in.Accept, false))
		return []any{d.GroupState()}
	case TypeGroupRequestJoin:
		d.node.SendRequest(orInt32(in.GroupID, s.Group), orString(in.Name, s.Name))
	case TypeGroupRequestTo:
		mac, err := formation.ParseMAC(in.MAC)
		if err != nil {
			return []any{NewInfo("invalid mac " + in.MAC)}
		}
		d.node.SendRequestTo(mac, parseIP(in.IP), orInt32(in.GroupID, s.Group), orString(in.Name, s.Name))
	case TypeGroupRequestReply:
		d.node.ReplyRequest(orBool(in.Accept, false), orInt32(in.Index, -1), orInt32(in.Count, -1))
		return []any{d.GroupState()}
	default:
		d.log.Debug("ignoring operator message %q", in.Type)
	}
	return nil
}

func (d *Dispatcher) command(in Inbound, s formation.GroupState, enable bool, linear, yaw float64) formation.Command {
	return formation.Command{
		Enable:  enable,
		Group:   orInt32(in.GroupID, s.Group),
		Role:    formation.ParseRole(in.Role, s.Role),
		Index:   orInt32(in.Index, s.Index),
		Count:   orInt32(in.Count, s.Count),
		Name:    orString(in.Name, s.Name),
		Linear:  linear,
		Yaw:     yaw,
		Timeout: orTimeout(in.TimeoutMS, s.Timeout),
	}
}

func parseIP(s string) netip.Addr {
	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is4() {
		return netip.Addr{}
	}
	return a
}

func orBool(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func orFloat(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func orInt32(v *int32, def int32) int32 {
	if v == nil {
		return def
	}
	return *v
}

func orString(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

func orTimeout(ms *int64, def time.Duration) time.Duration {
	if ms == nil {
		return def
	}
	return time.Duration(*ms) * time.Millisecond
}
