package interfaces

import (
	"context"

	"go.labforge.io/labkernel/module"
	"go.labforge.io/labkernel/utils"
)

// Positioner is the contract of multi-axis stage hardware.
const Positioner = "positioner"

// Positioner operations.
const (
	OpGetAxes               = "get_axes"
	OpGetPosition           = "get_position"
	OpSetPosition           = "set_position"
	OpMoveSteps             = "move_steps"
	OpStartContinuousMotion = "start_continuous_motion"
	OpReferenceAxis         = "reference_axis"
	OpGetAxisStatus         = "get_axis_status"
	OpGetAxisConfig         = "get_axis_config"
	OpSetAxisConfig         = "set_axis_config"
	OpGetAxisLimits         = "get_axis_limits"
	OpStopAxis              = "stop_axis"
	OpStopAll               = "stop_all"
)

func init() {
	module.RegisterInterface(module.Interface{
		Name: Positioner,
		Operations: []string{
			OpGetAxes, OpGetPosition, OpSetPosition, OpMoveSteps, OpStartContinuousMotion,
			OpReferenceAxis, OpGetAxisStatus, OpGetAxisConfig, OpSetAxisConfig, OpGetAxisLimits,
			OpStopAxis, OpStopAll,
		},
	})
}

// AxisStatus is the motion state of one axis.
type AxisStatus struct {
	IsMoving bool `json:"is_moving"`
	OnTarget bool `json:"on_target"`
}

// PositionerClient calls a positioner.
type PositionerClient struct {
	inv module.Invoker
}

// NewPositionerClient returns a client calling through inv.
func NewPositionerClient(inv module.Invoker) *PositionerClient {
	return &PositionerClient{inv: inv}
}

// Axes returns the axis names.
func (c *PositionerClient) Axes(ctx context.Context) ([]string, error) {
	return call[[]string](ctx, c.inv, OpGetAxes, nil)
}

// Position returns the position of an axis.
func (c *PositionerClient) Position(ctx context.Context, axis string) (float64, error) {
	return call[float64](ctx, c.inv, OpGetPosition, utils.AttributeMap{"axis": axis})
}

// SetPosition moves an axis to position, or by position when relative.
func (c *PositionerClient) SetPosition(ctx context.Context, axis string, position float64, relative bool) error {
	return exec(ctx, c.inv, OpSetPosition, utils.AttributeMap{
		"axis":     axis,
		"position": position,
		"relative": relative,
	})
}

// MoveSteps moves an axis by a number of steps; the sign is the direction.
func (c *PositionerClient) MoveSteps(ctx context.Context, axis string, steps int) error {
	return exec(ctx, c.inv, OpMoveSteps, utils.AttributeMap{"axis": axis, "steps": steps})
}

// StartContinuousMotion moves an axis until it is stopped.
func (c *PositionerClient) StartContinuousMotion(ctx context.Context, axis string, reverse bool) error {
	return exec(ctx, c.inv, OpStartContinuousMotion, utils.AttributeMap{"axis": axis, "reverse": reverse})
}

// ReferenceAxis homes an axis.
func (c *PositionerClient) ReferenceAxis(ctx context.Context, axis string) error {
	return exec(ctx, c.inv, OpReferenceAxis, utils.AttributeMap{"axis": axis})
}

// AxisStatus returns the motion state of an axis.
func (c *PositionerClient) AxisStatus(ctx context.Context, axis string) (AxisStatus, error) {
	return call[AxisStatus](ctx, c.inv, OpGetAxisStatus, utils.AttributeMap{"axis": axis})
}

// AxisConfig returns every configuration value of an axis.
func (c *PositionerClient) AxisConfig(ctx context.Context, axis string) (map[string]interface{}, error) {
	return call[map[string]interface{}](ctx, c.inv, OpGetAxisConfig, utils.AttributeMap{"axis": axis})
}

// SetAxisConfig writes configuration values of an axis.
func (c *PositionerClient) SetAxisConfig(ctx context.Context, axis string, config map[string]interface{}) error {
	return exec(ctx, c.inv, OpSetAxisConfig, utils.AttributeMap{"axis": axis, "config": config})
}

// AxisLimits returns the travel range of an axis.
func (c *PositionerClient) AxisLimits(ctx context.Context, axis string) (Range, error) {
	return call[Range](ctx, c.inv, OpGetAxisLimits, utils.AttributeMap{"axis": axis})
}

// StopAxis stops motion on an axis.
func (c *PositionerClient) StopAxis(ctx context.Context, axis string) error {
	return exec(ctx, c.inv, OpStopAxis, utils.AttributeMap{"axis": axis})
}

// StopAll stops motion on every axis.
func (c *PositionerClient) StopAll(ctx context.Context) error {
	return exec(ctx, c.inv, OpStopAll, nil)
}
