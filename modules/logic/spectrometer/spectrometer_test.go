package spectrometer_test

import (
	"context"
	"testing"
	"time"

	"go.viam.com/test"

	"go.labforge.io/labkernel/interfaces"
	"go.labforge.io/labkernel/kernel"
	"go.labforge.io/labkernel/module"
	"go.labforge.io/labkernel/modules/hardware/spectrometerdummy"
	"go.labforge.io/labkernel/modules/logic/spectrometer"
	"go.labforge.io/labkernel/testutils"
	"go.labforge.io/labkernel/utils"
)

func TestMain(m *testing.M) {
	testutils.VerifyTestMain(m)
}

func newLogic(t *testing.T) (*kernel.Kernel, module.Ref, *interfaces.SpectrometerLogicClient) {
	t.Helper()
	k := testutils.NewKernel(t,
		module.Declaration{
			Name:           "spectrometer",
			Kind:           module.KindHardware,
			Implementation: spectrometerdummy.Implementation,
			Options:        utils.AttributeMap{"seed": 1},
		},
		module.Declaration{
			Name:           "spectra",
			Kind:           module.KindLogic,
			Implementation: spectrometer.Implementation,
			Connect:        map[string]string{spectrometer.SlotSpectrometer: "spectrometer"},
		},
	)
	ref := module.NewRef("spectra", interfaces.SpectrometerLogic, k)
	return k, ref, interfaces.NewSpectrometerLogicClient(ref)
}

func TestBackgroundAcquisition(t *testing.T) {
	ctx := context.Background()
	k, _, logic := newLogic(t)
	test.That(t, logic.SetParameter(ctx, interfaces.ParamExposureTime, 0.3), test.ShouldBeNil)

	test.That(t, logic.StartAcquisition(ctx), test.ShouldBeNil)
	state, err := k.State("spectra")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, module.StateLocked)
	status, err := logic.Status(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status.Busy, test.ShouldBeTrue)

	err = logic.StartAcquisition(ctx)
	test.That(t, module.IsBusyError(err), test.ShouldBeTrue)
	err = logic.SetParameter(ctx, interfaces.ParamExposureTime, 1)
	test.That(t, module.IsBusyError(err), test.ShouldBeTrue)

	test.That(t, testutils.Eventually(func() bool {
		st, err := logic.Status(ctx)
		return err == nil && !st.Busy && st.Acquisitions == 1
	}), test.ShouldBeTrue)
	state, err = k.State("spectra")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, module.StateIdle)

	spectrum, err := logic.Spectrum(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spectrum.Len(), test.ShouldEqual, 1024)
}

func TestForegroundAcquisition(t *testing.T) {
	ctx := context.Background()
	_, ref, logic := newLogic(t)
	test.That(t, logic.SetParameter(ctx, interfaces.ParamExposureTime, 0), test.ShouldBeNil)

	res, err := module.Call(ctx, ref, interfaces.OpAcquireSpectrum, nil)
	test.That(t, err, test.ShouldBeNil)
	spectrum, err := interfaces.Decode[interfaces.Spectrum](res)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spectrum.Len(), test.ShouldEqual, 1024)

	n, err := module.Get(ctx, ref, "acquisitions")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 1)
}

func TestDeactivateCancelsAcquisition(t *testing.T) {
	ctx := context.Background()
	k, _, logic := newLogic(t)
	test.That(t, logic.SetParameter(ctx, interfaces.ParamExposureTime, 60), test.ShouldBeNil)
	test.That(t, logic.StartAcquisition(ctx), test.ShouldBeNil)

	start := time.Now()
	test.That(t, k.Deactivate(ctx, "spectra"), test.ShouldBeNil)
	test.That(t, time.Since(start), test.ShouldBeLessThan, 5*time.Second)
	state, err := k.State("spectra")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, module.StateDeactivated)

	test.That(t, k.Activate(ctx, "spectra"), test.ShouldBeNil)
	status, err := logic.Status(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status, test.ShouldResemble, interfaces.AcquisitionStatus{})
}

func TestParametersAndLimits(t *testing.T) {
	ctx := context.Background()
	_, _, logic := newLogic(t)

	limits, err := logic.Limits(ctx, interfaces.ParamCenterWavelength)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, limits, test.ShouldResemble, interfaces.Range{Min: 1e-9, Max: 2e-6})

	_, err = logic.Limits(ctx, "gain")
	test.That(t, err, test.ShouldNotBeNil)

	err = logic.SetParameter(ctx, interfaces.ParamExposureTime, 500)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "outside the limits")

	err = logic.SetParameter(ctx, interfaces.ParamDetectorTemp, -80)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "read-only")

	test.That(t, logic.SetParameter(ctx, interfaces.ParamCenterWavelength, 7.4e-7), test.ShouldBeNil)
	params, err := logic.Parameters(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, params, test.ShouldResemble, map[string]float64{
		interfaces.ParamCenterWavelength: 7.4e-7,
		interfaces.ParamDetectorTemp:     -120,
		interfaces.ParamExposureTime:     0.1,
	})
}
