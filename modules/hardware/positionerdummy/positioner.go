// Package positionerdummy implements a positioner that only exists in memory.
package positionerdummy

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.labforge.io/labkernel/interfaces"
	"go.labforge.io/labkernel/logging"
	"go.labforge.io/labkernel/module"
	"go.labforge.io/labkernel/operation"
	"go.labforge.io/labkernel/utils"
)

// Implementation is the registered implementation name.
const Implementation = "positioner_dummy"

// OpHardwareInfo reports the manufacturer and model.
const OpHardwareInfo = "hw_info"

// Axis configuration values.
const (
	ConfigVelocity      = "velocity"
	ConfigOffsetVoltage = "offset_voltage"
)

const tick = 10 * time.Millisecond

// Options configures a dummy positioner.
type Options struct {
	Axes []string `json:"axes"`
	// StepSize is the distance of one step of move_steps.
	StepSize float64 `json:"step_size"`
	// JogDistance is how far continuous motion goes when the axis has no velocity.
	JogDistance float64 `json:"jog_distance"`
	// Limit bounds every axis to [-Limit, Limit].
	Limit float64 `json:"limit"`
	// Speed is the initial velocity of every axis in units per second. Zero completes every
	// motion at once.
	Speed float64 `json:"speed"`
}

func init() {
	module.Register(Implementation, module.Registration{
		Kind:        module.KindHardware,
		Constructor: newPositioner,
		Operations: []string{
			interfaces.OpGetAxes, interfaces.OpGetPosition, interfaces.OpSetPosition,
			interfaces.OpMoveSteps, interfaces.OpStartContinuousMotion, interfaces.OpReferenceAxis,
			interfaces.OpGetAxisStatus, interfaces.OpGetAxisConfig, interfaces.OpSetAxisConfig,
			interfaces.OpGetAxisLimits, interfaces.OpStopAxis, interfaces.OpStopAll, OpHardwareInfo,
		},
		Options: []module.OptionSpec{
			{Name: "axes", Default: []interface{}{"x", "y", "z"}},
			{Name: "step_size", Default: 0.005},
			{Name: "jog_distance", Default: 0.05},
			{Name: "limit", Default: 10.0},
			{Name: "speed", Default: 0.0},
		},
		Claims: []string{interfaces.Positioner},
	})
}

type axis struct {
	position   float64
	target     float64
	moving     bool
	referenced bool
	config     map[string]float64
	op         operation.Exclusive
}

// Positioner is a dummy multi-axis stage.
type Positioner struct {
	module.Base
	logger logging.Logger
	opts   Options

	mu      sync.Mutex
	axes    map[string]*axis
	workers utils.StoppableWorkers
}

func newPositioner(
	ctx context.Context,
	deps module.Dependencies,
	conf module.Declaration,
	logger logging.Logger,
) (module.Module, error) {
	opts, err := module.DecodeOptions[Options](conf.Options)
	if err != nil {
		return nil, err
	}
	if len(opts.Axes) == 0 {
		return nil, errors.New("a positioner needs at least one axis")
	}
	if opts.Limit <= 0 {
		return nil, errors.Errorf("limit must be positive, got %v", opts.Limit)
	}
	if opts.Speed < 0 {
		return nil, errors.Errorf("speed cannot be negative, got %v", opts.Speed)
	}
	if len(lo.Uniq(opts.Axes)) != len(opts.Axes) {
		return nil, errors.Errorf("duplicate axis in %v", opts.Axes)
	}

	p := &Positioner{
		Base:   module.NewBase(conf.Name),
		logger: logger,
		opts:   opts,
		axes:   map[string]*axis{},
	}
	p.reset()

	p.Handle(interfaces.OpGetAxes, p.getAxes)
	p.Handle(interfaces.OpGetPosition, p.getPosition)
	p.Handle(interfaces.OpSetPosition, p.setPosition)
	p.Handle(interfaces.OpMoveSteps, p.moveSteps)
	p.Handle(interfaces.OpStartContinuousMotion, p.startContinuousMotion)
	p.Handle(interfaces.OpReferenceAxis, p.referenceAxis)
	p.Handle(interfaces.OpGetAxisStatus, p.getAxisStatus)
	p.Handle(interfaces.OpGetAxisConfig, p.getAxisConfig)
	p.Handle(interfaces.OpSetAxisConfig, p.setAxisConfig)
	p.Handle(interfaces.OpGetAxisLimits, p.getAxisLimits)
	p.Handle(interfaces.OpStopAxis, p.stopAxis)
	p.Handle(interfaces.OpStopAll, p.stopAll)
	p.Handle(OpHardwareInfo, func(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
		return p.hardwareInfo(), nil
	})
	p.Attribute("positions", func() (interface{}, error) {
		return p.Positions(), nil
	}, nil)
	return p, nil
}

// reset puts every axis back at the origin.
func (p *Positioner) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, name := range p.opts.Axes {
		p.axes[name] = &axis{config: map[string]float64{
			ConfigVelocity:      p.opts.Speed,
			ConfigOffsetVoltage: 0,
		}}
	}
}

// OnActivate starts the motion workers with every axis at the origin.
func (p *Positioner) OnActivate(ctx context.Context) error {
	p.reset()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers = utils.NewStoppableWorkers()
	return nil
}

// OnDeactivate stops every motion in progress.
func (p *Positioner) OnDeactivate(ctx context.Context) error {
	p.stopWorkers()
	return nil
}

// Close stops every motion in progress.
func (p *Positioner) Close(ctx context.Context) error {
	p.stopWorkers()
	return nil
}

func (p *Positioner) stopWorkers() {
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()
	if workers != nil {
		workers.Stop()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ax := range p.axes {
		ax.moving = false
	}
}

// Positions returns the position of every axis.
func (p *Positioner) Positions() map[string]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]float64, len(p.axes))
	for name, ax := range p.axes {
		out[name] = ax.position
	}
	return out
}

func (p *Positioner) axis(args utils.AttributeMap) (string, *axis, error) {
	name, err := args.String("axis", "")
	if err != nil {
		return "", nil, err
	}
	ax, ok := p.axes[name]
	if !ok {
		return "", nil, errors.Errorf("axis %q is not defined", name)
	}
	return name, ax, nil
}

func (p *Positioner) limits() interfaces.Range {
	return interfaces.Range{Min: -p.opts.Limit, Max: p.opts.Limit}
}

func (p *Positioner) getAxes(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	axes := append([]string(nil), p.opts.Axes...)
	return axes, nil
}

func (p *Positioner) getPosition(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ax, err := p.axis(args)
	if err != nil {
		return nil, err
	}
	return ax.position, nil
}

func (p *Positioner) setPosition(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	position, err := args.Float64("position", math.NaN())
	if err != nil {
		return nil, err
	}
	if math.IsNaN(position) {
		return nil, errors.New("missing \"position\"")
	}
	relative, err := args.Bool("relative", false)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	name, ax, err := p.axis(args)
	if err != nil {
		return nil, err
	}
	target := position
	if relative {
		target += ax.position
	}
	if !p.limits().Contains(target) {
		return nil, errors.Errorf("position %v is out of range [%v, %v] on axis %q",
			target, -p.opts.Limit, p.opts.Limit, name)
	}
	return nil, p.moveLocked(name, ax, target)
}

func (p *Positioner) moveSteps(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	steps, err := args.Int("steps", 1)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	name, ax, err := p.axis(args)
	if err != nil {
		return nil, err
	}
	target := p.clamp(ax.position + float64(steps)*p.opts.StepSize)
	ax.op.Cancel(ctx)
	ax.position = target
	ax.target = target
	ax.moving = false
	p.logger.Debugw("stepped", "axis", name, "steps", steps, "position", target)
	return nil, nil
}

// startContinuousMotion moves toward the end of travel until stopped. Without a velocity the
// axis jumps by the jog distance instead.
func (p *Positioner) startContinuousMotion(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	reverse, err := args.Bool("reverse", false)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	name, ax, err := p.axis(args)
	if err != nil {
		return nil, err
	}
	sign := 1.0
	if reverse {
		sign = -1
	}
	if ax.config[ConfigVelocity] > 0 {
		return nil, p.moveLocked(name, ax, sign*p.opts.Limit)
	}
	return nil, p.moveLocked(name, ax, p.clamp(ax.position+sign*p.opts.JogDistance))
}

func (p *Positioner) referenceAxis(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if name, _ := args.String("axis", ""); name == "" {
		for _, name := range p.opts.Axes {
			p.referenceLocked(ctx, p.axes[name])
		}
		return nil, nil
	}
	_, ax, err := p.axis(args)
	if err != nil {
		return nil, err
	}
	p.referenceLocked(ctx, ax)
	return nil, nil
}

func (p *Positioner) referenceLocked(ctx context.Context, ax *axis) {
	ax.op.Cancel(ctx)
	ax.position = 0
	ax.target = 0
	ax.moving = false
	ax.referenced = true
}

// getAxisStatus returns every status value, or just the one named by "status".
func (p *Positioner) getAxisStatus(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	status, err := args.String("status", "")
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ax, err := p.axis(args)
	if err != nil {
		return nil, err
	}
	st := interfaces.AxisStatus{
		IsMoving: ax.moving,
		OnTarget: !ax.moving && ax.position == ax.target,
	}
	switch status {
	case "":
		return st, nil
	case "is_moving":
		return st.IsMoving, nil
	case "on_target":
		return st.OnTarget, nil
	case "referenced":
		return ax.referenced, nil
	default:
		return nil, errors.Errorf("status variable %q is not supported", status)
	}
}

func (p *Positioner) getAxisConfig(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	option, err := args.String("option", "")
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ax, err := p.axis(args)
	if err != nil {
		return nil, err
	}
	if option == "" {
		out := make(map[string]interface{}, len(ax.config))
		for k, v := range ax.config {
			out[k] = v
		}
		return out, nil
	}
	v, ok := ax.config[option]
	if !ok {
		return nil, errors.Errorf("config option %q is not supported", option)
	}
	return v, nil
}

func (p *Positioner) setAxisConfig(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	values, err := args.Map("config")
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	name, ax, err := p.axis(args)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	updated := make(map[string]float64, len(keys))
	for _, k := range keys {
		if _, ok := ax.config[k]; !ok {
			return nil, errors.Errorf("config option %q is not supported", k)
		}
		v, err := values.Float64(k, 0)
		if err != nil {
			return nil, err
		}
		if k == ConfigVelocity && v < 0 {
			return nil, errors.Errorf("velocity cannot be negative, got %v", v)
		}
		updated[k] = v
	}
	for k, v := range updated {
		ax.config[k] = v
	}
	p.logger.Debugw("axis configured", "axis", name, "config", updated)
	return nil, nil
}

func (p *Positioner) getAxisLimits(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, _, err := p.axis(args); err != nil {
		return nil, err
	}
	return p.limits(), nil
}

func (p *Positioner) stopAxis(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ax, err := p.axis(args)
	if err != nil {
		return nil, err
	}
	p.stopLocked(ctx, ax)
	return nil, nil
}

func (p *Positioner) stopAll(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ax := range p.axes {
		p.stopLocked(ctx, ax)
	}
	return nil, nil
}

// stopLocked halts an axis where it is; the stop position becomes the target.
func (p *Positioner) stopLocked(ctx context.Context, ax *axis) {
	ax.op.Cancel(ctx)
	ax.moving = false
	ax.target = ax.position
}

func (p *Positioner) clamp(v float64) float64 {
	return math.Max(-p.opts.Limit, math.Min(p.opts.Limit, v))
}

// moveLocked starts a motion of ax to target, superseding any motion already running on it.
// Callers must hold p.mu.
func (p *Positioner) moveLocked(name string, ax *axis, target float64) error {
	velocity := ax.config[ConfigVelocity]
	ax.target = target
	if velocity <= 0 {
		ax.op.Cancel(context.Background())
		ax.position = target
		ax.moving = false
		return nil
	}
	if p.workers == nil {
		return errors.New("positioner is not active")
	}

	opCtx, done := ax.op.Start(p.workers.Context(), "move "+name)
	started := p.workers.AddWorkers(func(context.Context) {
		defer done()
		p.travel(opCtx, name, ax, target, velocity)
	})
	if !started {
		done()
		return errors.New("positioner is stopping")
	}
	ax.moving = true
	return nil
}

// hardwareInfo identifies the device and lists the motions in progress.
func (p *Positioner) hardwareInfo() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	motions := map[string]string{}
	for name, ax := range p.axes {
		if label, elapsed, ok := ax.op.Running(); ok {
			motions[name] = fmt.Sprintf("%s for %s", label, elapsed.Round(time.Millisecond))
		}
	}
	return map[string]interface{}{"manufacturer": "dummy", "model": "dummy", "motions": motions}
}

// travel advances ax toward target at velocity until it arrives or ctx is cancelled.
func (p *Positioner) travel(ctx context.Context, name string, ax *axis, target, velocity float64) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.mu.Lock()
		if ctx.Err() != nil {
			p.mu.Unlock()
			return
		}
		remaining := target - ax.position
		stride := velocity * tick.Seconds()
		if math.Abs(remaining) <= stride {
			ax.position = target
			ax.moving = false
			p.mu.Unlock()
			p.logger.Debugw("axis on target", "axis", name, "position", target)
			return
		}
		ax.position += math.Copysign(stride, remaining)
		p.mu.Unlock()
	}
}
