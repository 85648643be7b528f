package main

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	control "balancebot-core/closed_loop/balance_control"
	"balancebot-core/closed_loop/bridge"
	"balancebot-core/closed_loop/formation"
	"balancebot-core/utils"
)

// link is the formation transport the runner drives.
type link interface {
	formation.Transport
	Run(ctx context.Context) error
	Close() error
	// Dropped counts datagrams lost to full queues.
	Dropped() (rx, tx uint64)
}

type Runner struct {
	cfg RobotConfig
	log *utils.Logger
	clk clock.Clock

	cmap    *utils.CANMap
	writer  utils.CANWriter
	reader  utils.CANReader
	sensors *Sensors
	motors  *Motors
	odo     *control.Odometry

	pipe   *control.Pipeline
	node   *formation.Node
	link   link
	server *bridge.Server
	disp   *bridge.Dispatcher

	faults    []string
	imuStale  bool
	lastTick  time.Time
	lastTelem time.Time
	ticks     uint64
}

// NewRunner opens the CAN bus and the formation socket and assembles the
// control stack.
func NewRunner(ctx context.Context, cfg RobotConfig, log *utils.Logger) (*Runner, error) {
	cmap, err := utils.LoadCANMap(cfg.CAN.MapPath)
	if err != nil {
		return nil, errors.Wrap(err, "load can map")
	}

	writer, err := utils.NewSocketCANWriter(ctx, cfg.CAN.Interface)
	if err != nil {
		return nil, err
	}
	reader, err := utils.NewSocketCANReader(ctx, cfg.CAN.Interface)
	if err != nil {
		return nil, multierr.Append(err, writer.Close())
	}
	udp, err := formation.NewUDPTransport(ctx, cfg.Formation.UDPConfig, log)
	if err != nil {
		return nil, multierr.Combine(err, reader.Close(), writer.Close())
	}

	r, err := newRunner(cfg, log, clock.New(), cmap, writer, reader, udp)
	if err != nil {
		return nil, multierr.Append(err, r.Close())
	}
	r.server = bridge.NewServer(cfg.Bridge.Listen, cfg.Bridge.Queue, log)
	return r, nil
}

// newRunner wires the stack around already opened devices. The returned
// runner is usable for Close even when err is set.
func newRunner(cfg RobotConfig, log *utils.Logger, clk clock.Clock, cmap *utils.CANMap,
	writer utils.CANWriter, reader utils.CANReader, l link) (*Runner, error) {
	r := &Runner{
		cfg:    cfg,
		log:    log,
		clk:    clk,
		cmap:   cmap,
		writer: writer,
		reader: reader,
		link:   l,
		odo:    control.NewOdometry(control.RadPerCount),
	}

	var err error
	if r.sensors, err = NewSensors(cmap, cfg.CAN, r.odo, clk, log); err != nil {
		return r, err
	}
	if r.motors, err = NewMotors(cmap, writer, cfg.CAN.WheelFrame); err != nil {
		return r, err
	}
	r.motors.SetDeadzone(cfg.Motor.Deadzone)

	r.pipe = control.NewPipeline(cfg.Control.PipelineParams(), clk)
	r.pipe.SetRun(cfg.Control.Run)
	r.pipe.SetDeadzones(cfg.Motor.Deadzone)

	r.node = formation.NewNode(formation.Config{RobotName: cfg.Name}, l, clk, log)
	r.node.ApplyConfig(cfg.Formation.FormationCommand(cfg.Name), false)
	r.disp = bridge.NewDispatcher(r.pipe, r.node, clk, log)
	return r, nil
}

func (r *Runner) Close() error {
	var err error
	if r.writer != nil && r.motors != nil {
		err = multierr.Append(err, r.motors.stopDetached())
	}
	if r.link != nil {
		err = multierr.Append(err, r.link.Close())
	}
	if r.reader != nil {
		err = multierr.Append(err, r.reader.Close())
	}
	if r.writer != nil {
		err = multierr.Append(err, r.writer.Close())
	}
	return err
}

// Run starts every task and blocks until ctx is cancelled or a task fails.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r.log.Debug("RX loop started")
		defer r.log.Debug("RX loop stopped")
		return r.reader.Receive(ctx, r.sensors.Handle)
	})
	if r.link != nil {
		g.Go(func() error { return r.link.Run(ctx) })
	}
	if r.server != nil {
		g.Go(func() error { return r.server.Run(ctx) })
	}
	g.Go(func() error {
		if r.cfg.Motor.Calibrate {
			if err := r.calibrate(ctx); err != nil {
				return err
			}
		}
		return r.controlLoop(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) calibrate(ctx context.Context) error {
	r.log.Info("calibrating motor dead zones (step %.2f every %v)", r.cfg.Motor.Step, r.cfg.Motor.StepInterval)
	dz, faults, err := NewCalibrator(r.motors, r.odo, r.cfg.Motor, r.clk, r.log).Run(ctx)
	if err != nil {
		return errors.Wrap(err, "calibrate")
	}
	r.motors.SetDeadzone(dz)
	r.pipe.SetDeadzones(dz)
	r.faults = append(r.faults, faults...)
	r.log.Info("dead zones: left %.2f/%.2f right %.2f/%.2f", dz.LeftFwd, dz.LeftRev, dz.RightFwd, dz.RightRev)
	return nil
}

func (r *Runner) controlLoop(ctx context.Context) error {
	period := r.cfg.Control.Period
	r.log.Info("control loop: period=%v can=%s frame=%s formation=%v group=%d",
		period, r.cfg.CAN.Interface, r.cfg.CAN.WheelFrame, r.cfg.Formation.Enabled, r.cfg.Formation.Group)

	ticker := r.clk.Ticker(period)
	defer ticker.Stop()
	r.lastTick = r.clk.Now()

	for {
		select {
		case <-ctx.Done():
			r.log.Warn("context cancelled; stopping control loop after %d ticks", r.ticks)
			return ctx.Err()
		case <-ticker.C:
			if err := r.tick(ctx); err != nil {
				return err
			}
		}
	}
}

// tick runs one control period: operator commands, formation, sensors,
// pipeline, actuation and telemetry.
func (r *Runner) tick(ctx context.Context) error {
	now := r.clk.Now()
	dt := now.Sub(r.lastTick).Seconds()
	r.lastTick = now

	r.drainCommands()

	if ev := r.node.Poll(); ev != 0 {
		r.publish(r.disp.GroupState())
	}
	motion := r.node.Tick()

	imu, at := r.sensors.IMU()
	stale := at.IsZero() || now.Sub(at) > r.cfg.CAN.IMUTimeout
	if stale != r.imuStale {
		r.imuStale = stale
		if stale {
			r.log.Error("IMU data stale (last at %v)", at)
		} else {
			r.log.Info("IMU data resumed")
		}
	}

	out := r.pipe.Tick(control.Input{
		IMU:    imu,
		Wheels: r.odo.Update(dt),
		Formation: control.FormationInput{
			Enabled: motion.Enabled,
			Linear:  motion.Linear,
			Yaw:     motion.Yaw,
		},
	})
	if out.Fallen {
		r.node.ZeroMotion()
	}

	left, right, err := r.motors.Drive(ctx, out.Left, out.Right)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Critical("transmit wheel command: %v", err)
		return err
	}
	r.pipe.RecordApplied(left, right)
	r.ticks++

	if every := r.cfg.Control.DiagEvery; every > 0 && r.ticks%uint64(every) == 0 {
		s := r.pipe.Snapshot()
		rxDrop, txDrop := r.link.Dropped()
		r.log.Debug("pitch=%.2f zero=%.2f v=%.2f L=%.3f R=%.3f fallen=%v group=%v failsafe=%v link_drop=%d/%d",
			s.IMU.AngleY, s.PitchZero, s.Velocity.Now, out.Left, out.Right, out.Fallen, out.GroupDrive, motion.Failsafe,
			rxDrop, txDrop)
	}

	if now.Sub(r.lastTelem) >= r.disp.TelemetryPeriod() {
		r.lastTelem = now
		r.publishTelemetry(now)
	}
	return nil
}

func (r *Runner) drainCommands() {
	if r.server == nil {
		return
	}
	for {
		select {
		case in := <-r.server.Commands():
			for _, reply := range r.disp.Handle(in) {
				r.publish(reply)
			}
		default:
			return
		}
	}
}

func (r *Runner) publish(v any) {
	if r.server != nil {
		r.server.Publish(v)
	}
}

func (r *Runner) faultList() []string {
	out := append([]string(nil), r.faults...)
	if r.imuStale {
		out = append(out, "imu: stale")
	}
	return out
}

func (r *Runner) publishTelemetry(now time.Time) {
	if r.server == nil {
		return
	}
	s := r.pipe.Snapshot()
	group := r.disp.GroupState().Group
	faults := r.faultList()

	r.server.Publish(bridge.Telemetry{
		Type:    "telemetry",
		Fallen:  s.Fall.Fallen,
		Pitch:   s.IMU.AngleY,
		Roll:    s.IMU.AngleX,
		Yaw:     s.IMU.AngleZ,
		Faults:  faults,
		Group:   group,
		Control: s,
	})

	mac, _ := r.link.Self()
	rxDrop, txDrop := r.link.Dropped()
	r.server.SetState(bridge.State{
		PeriodMS:      r.disp.TelemetryPeriod().Milliseconds(),
		Running:       s.Run,
		FallenEnable:  s.Fall.Enabled,
		SelfMAC:       mac.String(),
		Faults:        faults,
		Group:         group,
		LinkRxDropped: rxDrop,
		LinkTxDropped: txDrop,
		BridgeDropped: r.server.Dropped(),
	})
}
