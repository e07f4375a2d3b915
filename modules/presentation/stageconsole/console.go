// Package stageconsole implements a text console for stage control: it renders the stage position
// as a table and maps gamepad buttons onto stage commands.
package stageconsole

import (
	"context"
	"fmt"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.labforge.io/labkernel/interfaces"
	"go.labforge.io/labkernel/logging"
	"go.labforge.io/labkernel/module"
	"go.labforge.io/labkernel/utils"
)

// Implementation is the registered implementation name.
const Implementation = "stage_console"

// SlotStage is the connector to stage control logic.
const SlotStage = "stage"

// Console operations.
const (
	OpRender  = "render"
	OpPress   = "press"
	OpButtons = "buttons"
)

// Options configures the console.
type Options struct {
	// Precision is the number of decimals positions are rendered with.
	Precision int `json:"precision"`
}

func init() {
	module.Register(Implementation, module.Registration{
		Kind:        module.KindPresentation,
		Constructor: newConsole,
		Operations:  []string{OpRender, OpPress, OpButtons},
		Connectors: map[string]module.ConnectorSpec{
			SlotStage: {Interface: interfaces.StageControl},
		},
		Options: []module.OptionSpec{
			{Name: "precision", Default: 4},
		},
	})
}

type command func(ctx context.Context, stage *interfaces.StageControlClient) error

func step(axis string, steps int) command {
	return func(ctx context.Context, stage *interfaces.StageControlClient) error {
		return stage.Step(ctx, axis, steps)
	}
}

func preset(name string) command {
	return func(ctx context.Context, stage *interfaces.StageControlClient) error {
		return stage.SetVelocityPreset(ctx, name)
	}
}

// buttons maps gamepad buttons to stage commands: the d-pad steps x and y, the shoulders step z
// and the face buttons pick a velocity preset or stop.
var buttons = map[string]command{
	"left_down":      step("y", -1),
	"left_up":        step("y", 1),
	"left_left":      step("x", -1),
	"left_right":     step("x", 1),
	"left_shoulder":  step("z", -1),
	"right_shoulder": step("z", 1),
	"right_down":     preset(interfaces.PresetSlow),
	"right_left":     preset(interfaces.PresetMedium),
	"right_up":       preset(interfaces.PresetFast),
	"right_right": func(ctx context.Context, stage *interfaces.StageControlClient) error {
		return stage.Stop(ctx)
	},
}

type console struct {
	module.Base
	logger logging.Logger
	opts   Options
	stage  *interfaces.StageControlClient
}

func newConsole(
	ctx context.Context,
	deps module.Dependencies,
	conf module.Declaration,
	logger logging.Logger,
) (module.Module, error) {
	opts, err := module.DecodeOptions[Options](conf.Options)
	if err != nil {
		return nil, err
	}
	if opts.Precision < 0 {
		return nil, errors.Errorf("precision cannot be negative, got %d", opts.Precision)
	}
	ref, err := deps.Connector(SlotStage)
	if err != nil {
		return nil, err
	}
	c := &console{
		Base:   module.NewBase(conf.Name),
		logger: logger,
		opts:   opts,
		stage:  interfaces.NewStageControlClient(ref),
	}
	c.Handle(OpRender, c.render)
	c.Handle(OpPress, c.press)
	c.Handle(OpButtons, func(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
		names := lo.Keys(buttons)
		sort.Strings(names)
		return names, nil
	})
	return c, nil
}

func (c *console) render(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	positions, err := c.stage.Positions(ctx)
	if err != nil {
		return nil, err
	}
	moving, err := c.stage.IsMoving(ctx)
	if err != nil {
		return nil, err
	}

	axes := lo.Keys(positions)
	sort.Strings(axes)
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Axis", "Position"})
	for _, axis := range axes {
		t.AppendRow(table.Row{axis, fmt.Sprintf("%.*f", c.opts.Precision, positions[axis])})
	}
	state := "on target"
	if moving {
		state = "moving"
	}
	t.AppendFooter(table.Row{"", state})
	t.Style().Format.Footer = text.FormatDefault
	return t.Render(), nil
}

func (c *console) press(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	button, err := args.String("button", "")
	if err != nil {
		return nil, err
	}
	cmd, ok := buttons[button]
	if !ok {
		return nil, errors.Errorf("unknown button %q", button)
	}
	c.logger.CDebugw(ctx, "button pressed", "button", button)
	return nil, cmd(ctx, c.stage)
}
