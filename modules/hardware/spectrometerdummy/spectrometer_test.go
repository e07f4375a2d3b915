package spectrometerdummy_test

import (
	"context"
	"math"
	"testing"
	"time"

	"go.viam.com/test"
	"gonum.org/v1/gonum/floats"

	"go.labforge.io/labkernel/interfaces"
	"go.labforge.io/labkernel/module"
	"go.labforge.io/labkernel/modules/hardware/spectrometerdummy"
	"go.labforge.io/labkernel/testutils"
	"go.labforge.io/labkernel/utils"
)

func TestMain(m *testing.M) {
	testutils.VerifyTestMain(m)
}

func newSpectrometer(t *testing.T) (module.Ref, *interfaces.SpectrometerClient) {
	t.Helper()
	k := testutils.NewKernel(t, module.Declaration{
		Name:           "spectrometer",
		Kind:           module.KindHardware,
		Implementation: spectrometerdummy.Implementation,
		Options:        utils.AttributeMap{"seed": 7},
	})
	ref := module.NewRef("spectrometer", interfaces.Spectrometer, k)
	return ref, interfaces.NewSpectrometerClient(ref)
}

func TestAcquireSpectrum(t *testing.T) {
	ctx := context.Background()
	ref, spec := newSpectrometer(t)
	test.That(t, module.Set(ctx, ref, interfaces.ParamExposureTime, 0), test.ShouldBeNil)

	spectrum, err := spec.AcquireSpectrum(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spectrum.Len(), test.ShouldEqual, 1024)
	test.That(t, len(spectrum.Counts), test.ShouldEqual, 1024)
	test.That(t, spectrum.Wavelengths[0], test.ShouldAlmostEqual, 730e-9)
	test.That(t, spectrum.Wavelengths[1023], test.ShouldBeLessThan, 750e-9)
	test.That(t, floats.Min(spectrum.Counts), test.ShouldBeGreaterThanOrEqualTo, 50000.0)

	// the strongest line sits at 736.923nm
	peak := spectrum.Wavelengths[floats.MaxIdx(spectrum.Counts)]
	test.That(t, math.Abs(peak-736.923e-9), test.ShouldBeLessThan, 0.05e-9)
}

func TestExposureHonorsContext(t *testing.T) {
	ref, spec := newSpectrometer(t)
	test.That(t, module.Set(context.Background(), ref, interfaces.ParamExposureTime, 5.0), test.ShouldBeNil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := spec.AcquireSpectrum(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "exposure aborted")
	test.That(t, time.Since(start), test.ShouldBeLessThan, 5*time.Second)
}

func TestParameters(t *testing.T) {
	ctx := context.Background()
	ref, spec := newSpectrometer(t)

	params, err := spec.SupportedParams(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, params, test.ShouldHaveLength, 3)
	test.That(t, params[interfaces.ParamDetectorTemp].Set, test.ShouldBeFalse)
	test.That(t, params[interfaces.ParamExposureTime].Range(), test.ShouldResemble, interfaces.Range{Min: 0, Max: 120})

	exposure, err := spec.Parameter(ctx, interfaces.ParamExposureTime)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, exposure, test.ShouldEqual, 0.1)

	test.That(t, spec.SetParameter(ctx, interfaces.ParamCenterWavelength, 7.37e-7), test.ShouldBeNil)
	wavelength, err := spec.Parameter(ctx, interfaces.ParamCenterWavelength)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, wavelength, test.ShouldEqual, 7.37e-7)

	temp, err := spec.Parameter(ctx, interfaces.ParamDetectorTemp)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, temp, test.ShouldEqual, -120.0)

	err = spec.SetParameter(ctx, interfaces.ParamDetectorTemp, 20)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "set is not supported")

	err = spec.SetParameter(ctx, interfaces.ParamExposureTime, 500)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "out of range")

	_, err = spec.Parameter(ctx, "gain")
	test.That(t, err, test.ShouldNotBeNil)

	err = module.Set(ctx, ref, interfaces.ParamExposureTime, "long")
	test.That(t, err, test.ShouldNotBeNil)
	v, err := module.Get(ctx, ref, interfaces.ParamExposureTime)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, 0.1)
}
