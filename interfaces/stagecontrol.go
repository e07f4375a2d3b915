package interfaces

import (
	"context"

	"go.labforge.io/labkernel/module"
	"go.labforge.io/labkernel/utils"
)

// StageControl is the contract of stage control logic.
const StageControl = "stagecontrol"

// Stage control operations.
const (
	OpMoveAbs           = "move_abs"
	OpMoveRel           = "move_rel"
	OpGetPositions      = "get_positions"
	OpIsMoving          = "is_moving"
	OpStep              = "step"
	OpStartJog          = "start_jog"
	OpStop              = "stop"
	OpHomeAxis          = "home_axis"
	OpSetVelocityPreset = "set_velocity_preset"
)

// Velocity presets.
const (
	PresetSlow   = "slow"
	PresetMedium = "medium"
	PresetFast   = "fast"
)

func init() {
	module.RegisterInterface(module.Interface{
		Name: StageControl,
		Operations: []string{
			OpMoveAbs, OpMoveRel, OpGetPositions, OpIsMoving, OpStep, OpStartJog, OpStopAxis,
			OpStop, OpHomeAxis, OpSetVelocityPreset,
		},
	})
}

// StageControlClient calls stage control logic.
type StageControlClient struct {
	inv module.Invoker
}

// NewStageControlClient returns a client calling through inv.
func NewStageControlClient(inv module.Invoker) *StageControlClient {
	return &StageControlClient{inv: inv}
}

// MoveAbs moves the given axes to absolute positions. Other axes stay where they are.
func (c *StageControlClient) MoveAbs(ctx context.Context, positions map[string]float64) error {
	return exec(ctx, c.inv, OpMoveAbs, utils.AttributeMap{"positions": positions})
}

// MoveRel moves the given axes by relative distances.
func (c *StageControlClient) MoveRel(ctx context.Context, distances map[string]float64) error {
	return exec(ctx, c.inv, OpMoveRel, utils.AttributeMap{"positions": distances})
}

// Positions returns the position of every axis.
func (c *StageControlClient) Positions(ctx context.Context) (map[string]float64, error) {
	return call[map[string]float64](ctx, c.inv, OpGetPositions, nil)
}

// IsMoving reports whether any axis is moving.
func (c *StageControlClient) IsMoving(ctx context.Context) (bool, error) {
	return call[bool](ctx, c.inv, OpIsMoving, nil)
}

// Step steps an axis.
func (c *StageControlClient) Step(ctx context.Context, axis string, steps int) error {
	return exec(ctx, c.inv, OpStep, utils.AttributeMap{"axis": axis, "steps": steps})
}

// StartJog starts continuous motion on an axis.
func (c *StageControlClient) StartJog(ctx context.Context, axis string, forward bool) error {
	return exec(ctx, c.inv, OpStartJog, utils.AttributeMap{"axis": axis, "forward": forward})
}

// StopAxis stops an axis.
func (c *StageControlClient) StopAxis(ctx context.Context, axis string) error {
	return exec(ctx, c.inv, OpStopAxis, utils.AttributeMap{"axis": axis})
}

// Stop stops every axis.
func (c *StageControlClient) Stop(ctx context.Context) error {
	return exec(ctx, c.inv, OpStop, nil)
}

// HomeAxis references one axis, or every axis when axis is empty.
func (c *StageControlClient) HomeAxis(ctx context.Context, axis string) error {
	return exec(ctx, c.inv, OpHomeAxis, utils.AttributeMap{"axis": axis})
}

// SetVelocityPreset applies a velocity preset to every axis.
func (c *StageControlClient) SetVelocityPreset(ctx context.Context, preset string) error {
	return exec(ctx, c.inv, OpSetVelocityPreset, utils.AttributeMap{"preset": preset})
}
