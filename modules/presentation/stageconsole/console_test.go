package stageconsole_test

import (
	"context"
	"testing"

	"go.viam.com/test"

	"go.labforge.io/labkernel/interfaces"
	"go.labforge.io/labkernel/module"
	"go.labforge.io/labkernel/modules/hardware/positionerdummy"
	"go.labforge.io/labkernel/modules/logic/stagecontrol"
	"go.labforge.io/labkernel/modules/presentation/stageconsole"
	"go.labforge.io/labkernel/testutils"
	"go.labforge.io/labkernel/utils"
)

func TestMain(m *testing.M) {
	testutils.VerifyTestMain(m)
}

func TestConsole(t *testing.T) {
	ctx := context.Background()
	k := testutils.NewKernel(t,
		module.Declaration{
			Name:           "stage",
			Kind:           module.KindHardware,
			Implementation: positionerdummy.Implementation,
		},
		module.Declaration{
			Name:           "control",
			Kind:           module.KindLogic,
			Implementation: stagecontrol.Implementation,
			Connect:        map[string]string{stagecontrol.SlotStage: "stage"},
		},
		module.Declaration{
			Name:           "console",
			Kind:           module.KindPresentation,
			Implementation: stageconsole.Implementation,
			Connect:        map[string]string{stageconsole.SlotStage: "control"},
			Options:        utils.AttributeMap{"precision": 3},
		},
	)
	console := module.NewRef("console", "", k)
	hw := interfaces.NewPositionerClient(module.NewRef("stage", interfaces.Positioner, k))

	_, err := module.Call(ctx, console, stageconsole.OpPress, utils.AttributeMap{"button": "left_right"})
	test.That(t, err, test.ShouldBeNil)
	_, err = module.Call(ctx, console, stageconsole.OpPress, utils.AttributeMap{"button": "left_shoulder"})
	test.That(t, err, test.ShouldBeNil)

	rendered, err := module.Call(ctx, console, stageconsole.OpRender, nil)
	test.That(t, err, test.ShouldBeNil)
	out, ok := rendered.(string)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, out, test.ShouldContainSubstring, "0.005")
	test.That(t, out, test.ShouldContainSubstring, "-0.005")
	test.That(t, out, test.ShouldContainSubstring, "on target")
	test.That(t, out, test.ShouldNotContainSubstring, "ON TARGET")

	_, err = module.Call(ctx, console, stageconsole.OpPress, utils.AttributeMap{"button": "right_up"})
	test.That(t, err, test.ShouldBeNil)
	conf, err := hw.AxisConfig(ctx, "x")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, conf[positionerdummy.ConfigVelocity], test.ShouldEqual, 0.5)

	_, err = module.Call(ctx, console, stageconsole.OpPress, utils.AttributeMap{"button": "start"})
	test.That(t, err, test.ShouldNotBeNil)

	names, err := module.Call(ctx, console, stageconsole.OpButtons, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, names, test.ShouldHaveLength, 10)

	// the console goes down with the stage it presents
	test.That(t, k.Deactivate(ctx, "stage"), test.ShouldBeNil)
	state, err := k.State("console")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, module.StateDeactivated)
}
