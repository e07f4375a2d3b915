// Package stagecontrol implements stage control logic on top of any positioner: multi-axis
// absolute and relative moves, stepping and jogging with per-axis inversion, velocity presets and
// a position poller that reports when the stage reaches its target.
package stagecontrol

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.labforge.io/labkernel/interfaces"
	"go.labforge.io/labkernel/logging"
	"go.labforge.io/labkernel/module"
	"go.labforge.io/labkernel/utils"
)

// Implementation is the registered implementation name.
const Implementation = "stagecontrol_logic"

// Extra operations beyond the stage control contract.
const (
	OpGetAxisConfig   = "get_axis_config"
	OpSetAxisConfig   = "set_axis_config"
	OpSetPresetValues = "set_preset_values"
	OpHardwareInfo    = "hw_info"
)

// SlotStage is the connector to the positioner.
const SlotStage = "stage"

// Options configures stage control.
type Options struct {
	// InvertAxes lists the axes whose step and jog directions are reversed.
	InvertAxes []string `json:"jog_invert_axes"`
	// PollInterval is the position polling period in milliseconds.
	PollInterval int `json:"poll_interval"`
	// Presets maps each velocity preset to per-axis velocities.
	Presets map[string]map[string]float64 `json:"presets"`
}

var presetNames = []string{interfaces.PresetSlow, interfaces.PresetMedium, interfaces.PresetFast}

func defaultPresets() map[string]interface{} {
	return map[string]interface{}{
		interfaces.PresetSlow:   map[string]interface{}{"x": 0.01, "y": 0.01, "z": 0.005},
		interfaces.PresetMedium: map[string]interface{}{"x": 0.05, "y": 0.05, "z": 0.005},
		interfaces.PresetFast:   map[string]interface{}{"x": 0.5, "y": 0.5, "z": 0.5},
	}
}

func init() {
	module.Register(Implementation, module.Registration{
		Kind:        module.KindLogic,
		Constructor: newStageControl,
		Operations: []string{
			interfaces.OpMoveAbs, interfaces.OpMoveRel, interfaces.OpGetPositions, interfaces.OpIsMoving,
			interfaces.OpStep, interfaces.OpStartJog, interfaces.OpStopAxis, interfaces.OpStop,
			interfaces.OpHomeAxis, interfaces.OpSetVelocityPreset,
			OpGetAxisConfig, OpSetAxisConfig, OpSetPresetValues, OpHardwareInfo,
		},
		Connectors: map[string]module.ConnectorSpec{
			SlotStage: {Interface: interfaces.Positioner},
		},
		Options: []module.OptionSpec{
			{Name: "jog_invert_axes", Default: []interface{}{}},
			{Name: "poll_interval", Default: 500},
			{Name: "presets", Default: defaultPresets()},
		},
		Claims: []string{interfaces.StageControl},
	})
}

// StageControl drives a positioner.
type StageControl struct {
	module.Base
	logger logging.Logger
	stage  *interfaces.PositionerClient
	raw    module.Ref
	invert map[string]bool
	poll   time.Duration

	mu        sync.Mutex
	presets   map[string]map[string]float64
	axes      []string
	positions map[string]float64
	onTarget  bool
	hits      int
	workers   utils.StoppableWorkers
}

func newStageControl(
	ctx context.Context,
	deps module.Dependencies,
	conf module.Declaration,
	logger logging.Logger,
) (module.Module, error) {
	opts, err := module.DecodeOptions[Options](conf.Options)
	if err != nil {
		return nil, err
	}
	if opts.PollInterval <= 0 {
		return nil, errors.Errorf("poll_interval must be positive, got %d", opts.PollInterval)
	}
	if err := validatePresets(opts.Presets); err != nil {
		return nil, err
	}
	ref, err := deps.Connector(SlotStage)
	if err != nil {
		return nil, err
	}

	s := &StageControl{
		Base:      module.NewBase(conf.Name),
		logger:    logger,
		stage:     interfaces.NewPositionerClient(ref),
		raw:       ref,
		invert:    map[string]bool{},
		poll:      time.Duration(opts.PollInterval) * time.Millisecond,
		presets:   opts.Presets,
		positions: map[string]float64{},
	}
	for _, axis := range opts.InvertAxes {
		s.invert[axis] = true
	}

	s.Handle(interfaces.OpMoveAbs, s.moveAbs)
	s.Handle(interfaces.OpMoveRel, s.moveRel)
	s.Handle(interfaces.OpGetPositions, s.getPositions)
	s.Handle(interfaces.OpIsMoving, func(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
		return s.isMoving(ctx)
	})
	s.Handle(interfaces.OpStep, s.step)
	s.Handle(interfaces.OpStartJog, s.startJog)
	s.Handle(interfaces.OpStopAxis, s.stopAxis)
	s.Handle(interfaces.OpStop, func(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
		return nil, s.stage.StopAll(ctx)
	})
	s.Handle(interfaces.OpHomeAxis, func(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
		axis, err := args.String("axis", "")
		if err != nil {
			return nil, err
		}
		s.leaveTarget()
		return nil, s.stage.ReferenceAxis(ctx, axis)
	})
	s.Handle(interfaces.OpSetVelocityPreset, s.setVelocityPreset)
	s.Handle(OpGetAxisConfig, func(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
		return module.Call(ctx, s.raw, interfaces.OpGetAxisConfig, args)
	})
	s.Handle(OpSetAxisConfig, func(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
		return module.Call(ctx, s.raw, interfaces.OpSetAxisConfig, args)
	})
	s.Handle(OpSetPresetValues, s.setPresetValues)
	s.Handle(OpHardwareInfo, func(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
		return module.Call(ctx, s.raw, OpHardwareInfo, nil)
	})

	s.Attribute("on_target", func() (interface{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.onTarget, nil
	}, nil)
	s.Attribute("polled_positions", func() (interface{}, error) {
		return s.PolledPositions(), nil
	}, nil)
	s.Attribute("velocity_presets", func() (interface{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return copyPresets(s.presets), nil
	}, nil)
	return s, nil
}

func validatePresets(presets map[string]map[string]float64) error {
	for _, name := range presetNames {
		if _, ok := presets[name]; !ok {
			return errors.Errorf("velocity preset %q is not configured", name)
		}
	}
	for name := range presets {
		if !lo.Contains(presetNames, name) {
			return errors.Errorf("unknown velocity preset %q, must be one of %v", name, presetNames)
		}
	}
	return nil
}

func copyPresets(in map[string]map[string]float64) map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(in))
	for name, velocities := range in {
		out[name] = lo.Assign(velocities)
	}
	return out
}

// OnActivate learns the axes of the stage and starts the position poller.
func (s *StageControl) OnActivate(ctx context.Context) error {
	axes, err := s.stage.Axes(ctx)
	if err != nil {
		return errors.Wrap(err, "cannot list stage axes")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.axes = axes
	s.onTarget = false
	s.workers = utils.NewStoppableWorkers(s.pollPositions)
	return nil
}

// OnDeactivate stops the position poller.
func (s *StageControl) OnDeactivate(ctx context.Context) error {
	s.stopPolling()
	return nil
}

// Close stops the position poller.
func (s *StageControl) Close(ctx context.Context) error {
	s.stopPolling()
	return nil
}

func (s *StageControl) stopPolling() {
	s.mu.Lock()
	workers := s.workers
	s.workers = nil
	s.mu.Unlock()
	if workers != nil {
		workers.Stop()
	}
}

// PolledPositions returns the positions seen by the last poll.
func (s *StageControl) PolledPositions() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Assign(s.positions)
}

// TargetsHit returns how many times the stage came to rest on target after a move.
func (s *StageControl) TargetsHit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

func (s *StageControl) leaveTarget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTarget = false
}

func (s *StageControl) pollPositions(ctx context.Context) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.pollOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Debugw("position poll failed", "error", err)
		}
	}
}

func (s *StageControl) pollOnce(ctx context.Context) error {
	s.mu.Lock()
	axes := append([]string(nil), s.axes...)
	s.mu.Unlock()

	positions := make(map[string]float64, len(axes))
	for _, axis := range axes {
		pos, err := s.stage.Position(ctx, axis)
		if err != nil {
			return err
		}
		positions[axis] = pos
	}
	moving, err := s.isMoving(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = positions
	switch {
	case !moving && !s.onTarget:
		s.onTarget = true
		s.hits++
		s.logger.Infow("stage on target", "positions", positions)
	case moving:
		s.onTarget = false
	}
	return nil
}

// positionsArg reads per-axis values in sorted axis order.
func positionsArg(args utils.AttributeMap) ([]string, map[string]float64, error) {
	values, err := interfaces.Float64Map(args, "positions")
	if err != nil {
		return nil, nil, err
	}
	axes := lo.Keys(values)
	sort.Strings(axes)
	return axes, values, nil
}

func (s *StageControl) move(ctx context.Context, args utils.AttributeMap, relative bool) (interface{}, error) {
	axes, values, err := positionsArg(args)
	if err != nil {
		return nil, err
	}
	s.leaveTarget()
	for _, axis := range axes {
		if err := s.stage.SetPosition(ctx, axis, values[axis], relative); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (s *StageControl) moveAbs(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	return s.move(ctx, args, false)
}

func (s *StageControl) moveRel(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	return s.move(ctx, args, true)
}

func (s *StageControl) getPositions(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	s.mu.Lock()
	axes := append([]string(nil), s.axes...)
	s.mu.Unlock()
	out := make(map[string]float64, len(axes))
	for _, axis := range axes {
		pos, err := s.stage.Position(ctx, axis)
		if err != nil {
			return nil, err
		}
		out[axis] = pos
	}
	return out, nil
}

// isMoving reports whether any axis is off target.
func (s *StageControl) isMoving(ctx context.Context) (bool, error) {
	s.mu.Lock()
	axes := append([]string(nil), s.axes...)
	s.mu.Unlock()
	for _, axis := range axes {
		st, err := s.stage.AxisStatus(ctx, axis)
		if err != nil {
			return false, err
		}
		if !st.OnTarget {
			return true, nil
		}
	}
	return false, nil
}

func (s *StageControl) step(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	axis, err := args.String("axis", "")
	if err != nil {
		return nil, err
	}
	steps, err := args.Int("steps", 1)
	if err != nil {
		return nil, err
	}
	if s.invert[axis] {
		steps = -steps
	}
	s.leaveTarget()
	return nil, s.stage.MoveSteps(ctx, axis, steps)
}

func (s *StageControl) startJog(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	axis, err := args.String("axis", "")
	if err != nil {
		return nil, err
	}
	forward, err := args.Bool("forward", true)
	if err != nil {
		return nil, err
	}
	if s.invert[axis] {
		forward = !forward
	}
	s.leaveTarget()
	return nil, s.stage.StartContinuousMotion(ctx, axis, !forward)
}

// stopAxis stops an axis and zeroes its offset voltage where the hardware has one.
func (s *StageControl) stopAxis(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	axis, err := args.String("axis", "")
	if err != nil {
		return nil, err
	}
	if err := s.stage.StopAxis(ctx, axis); err != nil {
		return nil, err
	}
	if err := s.stage.SetAxisConfig(ctx, axis, map[string]interface{}{"offset_voltage": 0.0}); err != nil {
		s.logger.CDebugw(ctx, "cannot zero offset voltage", "axis", axis, "error", err)
	}
	return nil, nil
}

func (s *StageControl) setVelocityPreset(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	preset, err := args.String("preset", "")
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	velocities, ok := s.presets[preset]
	velocities = lo.Assign(velocities)
	s.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("preset must be one of %v, got %q", presetNames, preset)
	}
	axes := lo.Keys(velocities)
	sort.Strings(axes)
	for _, axis := range axes {
		if err := s.stage.SetAxisConfig(ctx, axis, map[string]interface{}{"velocity": velocities[axis]}); err != nil {
			return nil, err
		}
	}
	s.logger.CInfow(ctx, "velocity preset applied", "preset", preset, "velocities", velocities)
	return nil, nil
}

// setPresetValues replaces the velocities of the presets present in args; the others are left
// unchanged.
func (s *StageControl) setPresetValues(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	updates := map[string]map[string]float64{}
	for _, name := range presetNames {
		if !args.Has(name) {
			continue
		}
		values, err := interfaces.Float64Map(args, name)
		if err != nil {
			return nil, err
		}
		updates[name] = values
	}
	for name := range args {
		if !lo.Contains(presetNames, name) {
			return nil, errors.Errorf("unknown velocity preset %q, must be one of %v", name, presetNames)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, values := range updates {
		s.presets[name] = values
	}
	return nil, nil
}
