// Package spectrometerdummy implements a spectrometer that records a simulated silicon vacancy
// spectrum at liquid helium temperatures.
package spectrometerdummy

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"go.labforge.io/labkernel/interfaces"
	"go.labforge.io/labkernel/logging"
	"go.labforge.io/labkernel/module"
	"go.labforge.io/labkernel/operation"
	"go.labforge.io/labkernel/utils"
)

// Implementation is the registered implementation name.
const Implementation = "spectrometer_dummy"

const (
	defaultExposure   = 0.1
	defaultWavelength = 5e-7
	detectorTemp      = -120.0

	// the simulated window, in nanometres
	windowStart = 730.0
	windowWidth = 20.0

	noiseMax = 2000.0
	offset   = 50000.0
)

// Options configures a dummy spectrometer.
type Options struct {
	Points int `json:"points"`
	// SettleTime is how long a parameter change takes, in seconds.
	SettleTime float64 `json:"settle_time"`
	// Seed makes the detector noise reproducible; zero seeds from the clock.
	Seed uint64 `json:"seed"`
}

func init() {
	module.Register(Implementation, module.Registration{
		Kind:        module.KindHardware,
		Constructor: newSpectrometer,
		Operations: []string{
			interfaces.OpAcquireSpectrum, interfaces.OpSetParameter, interfaces.OpGetParameter,
			interfaces.OpGetSupportedParams,
		},
		Options: []module.OptionSpec{
			{Name: "points", Default: 1024},
			{Name: "settle_time", Default: 0.0},
			{Name: "seed", Default: 0},
		},
		Claims: []string{interfaces.Spectrometer},
	})
}

// lorentzian is one emission line with an area-normalised Lorentzian profile.
type lorentzian struct {
	amplitude, center, sigma float64
}

func (l lorentzian) at(x float64) float64 {
	d := x - l.center
	return l.amplitude * l.sigma / math.Pi / (d*d + l.sigma*l.sigma)
}

var lines = []lorentzian{
	{amplitude: 2000, center: 736.46, sigma: 0.075},
	{amplitude: 5800, center: 736.545, sigma: 0.05},
	{amplitude: 7500, center: 736.923, sigma: 0.05},
	{amplitude: 1000, center: 736.99, sigma: 0.075},
}

var supported = map[string]interfaces.ParamSpec{
	interfaces.ParamExposureTime:     {Get: true, Set: true, Min: 0, Max: 120},
	interfaces.ParamCenterWavelength: {Get: true, Set: true, Min: 1e-9, Max: 2e-6},
	interfaces.ParamDetectorTemp:     {Get: true, Set: false, Min: -1000, Max: 1000},
}

// Spectrometer is a dummy spectrometer.
type Spectrometer struct {
	module.Base
	logger logging.Logger
	opts   Options
	opMgr  operation.Exclusive

	mu         sync.Mutex
	rnd        *rand.Rand
	exposure   float64
	wavelength float64
}

func newSpectrometer(
	ctx context.Context,
	deps module.Dependencies,
	conf module.Declaration,
	logger logging.Logger,
) (module.Module, error) {
	opts, err := module.DecodeOptions[Options](conf.Options)
	if err != nil {
		return nil, err
	}
	if opts.Points < 2 {
		return nil, errors.Errorf("a spectrum needs at least 2 points, got %d", opts.Points)
	}
	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	s := &Spectrometer{
		Base:       module.NewBase(conf.Name),
		logger:     logger,
		opts:       opts,
		rnd:        rand.New(rand.NewPCG(seed, seed)),
		exposure:   defaultExposure,
		wavelength: defaultWavelength,
	}
	s.Handle(interfaces.OpAcquireSpectrum, s.acquireSpectrum)
	s.Handle(interfaces.OpSetParameter, s.setParameter)
	s.Handle(interfaces.OpGetParameter, s.getParameter)
	s.Handle(interfaces.OpGetSupportedParams, func(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
		out := make(map[string]interfaces.ParamSpec, len(supported))
		for name, spec := range supported {
			out[name] = spec
		}
		return out, nil
	})
	s.Attribute(interfaces.ParamExposureTime, func() (interface{}, error) {
		return s.parameter(interfaces.ParamExposureTime)
	}, func(v interface{}) error {
		f, err := utils.AttributeMap{"value": v}.Float64("value", 0)
		if err != nil {
			return err
		}
		return s.store(interfaces.ParamExposureTime, f)
	})
	return s, nil
}

// OnActivate restores the power-on parameters.
func (s *Spectrometer) OnActivate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exposure = defaultExposure
	s.wavelength = defaultWavelength
	return nil
}

// OnDeactivate aborts a running exposure.
func (s *Spectrometer) OnDeactivate(ctx context.Context) error {
	s.opMgr.Cancel(ctx)
	return nil
}

// Close aborts a running exposure.
func (s *Spectrometer) Close(ctx context.Context) error {
	s.opMgr.Cancel(ctx)
	return nil
}

func (s *Spectrometer) acquireSpectrum(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	s.mu.Lock()
	exposure := s.exposure
	s.mu.Unlock()

	if !s.opMgr.Wait(ctx, "exposure", time.Duration(exposure*float64(time.Second))) {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "exposure aborted")
		}
		return nil, errors.New("exposure aborted")
	}
	return s.record(), nil
}

// record synthesizes a spectrum. Wavelengths are returned in metres.
func (s *Spectrometer) record() interfaces.Spectrum {
	n := s.opts.Points
	wavelengths := floats.Span(make([]float64, n), windowStart, windowStart+windowWidth-windowWidth/float64(n))
	counts := make([]float64, n)

	s.mu.Lock()
	for i := range counts {
		counts[i] = s.rnd.Float64() * noiseMax
	}
	s.mu.Unlock()

	for i, x := range wavelengths {
		for _, l := range lines {
			counts[i] += l.at(x)
		}
	}
	floats.AddConst(offset, counts)
	floats.Scale(1e-9, wavelengths)
	return interfaces.Spectrum{Wavelengths: wavelengths, Counts: counts}
}

func paramName(args utils.AttributeMap) (string, interfaces.ParamSpec, error) {
	name, err := args.String("parameter", "")
	if err != nil {
		return "", interfaces.ParamSpec{}, err
	}
	spec, ok := supported[name]
	if !ok {
		return "", interfaces.ParamSpec{}, errors.Errorf("parameter %q is not supported", name)
	}
	return name, spec, nil
}

func (s *Spectrometer) setParameter(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	name, spec, err := paramName(args)
	if err != nil {
		return nil, err
	}
	if !spec.Set {
		return nil, errors.Errorf("set is not supported on %q", name)
	}
	if !args.Has("value") {
		return nil, errors.New(`missing "value"`)
	}
	value, err := args.Float64("value", 0)
	if err != nil {
		return nil, err
	}
	if !spec.Range().Contains(value) {
		return nil, errors.Errorf("%s %v is out of range [%v, %v]", name, value, spec.Min, spec.Max)
	}
	if s.opts.SettleTime > 0 {
		if !s.opMgr.Wait(ctx, "settle "+name, time.Duration(s.opts.SettleTime*float64(time.Second))) {
			return nil, errors.Errorf("setting %s aborted", name)
		}
	}
	if err := s.store(name, value); err != nil {
		return nil, err
	}
	s.logger.CDebugw(ctx, "parameter set", "parameter", name, "value", value)
	return nil, nil
}

func (s *Spectrometer) store(name string, value float64) error {
	spec := supported[name]
	if !spec.Range().Contains(value) {
		return errors.Errorf("%s %v is out of range [%v, %v]", name, value, spec.Min, spec.Max)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch name {
	case interfaces.ParamExposureTime:
		s.exposure = value
	case interfaces.ParamCenterWavelength:
		s.wavelength = value
	default:
		return errors.Errorf("set is not supported on %q", name)
	}
	return nil
}

func (s *Spectrometer) getParameter(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	name, spec, err := paramName(args)
	if err != nil {
		return nil, err
	}
	if !spec.Get {
		return nil, errors.Errorf("get is not supported on %q", name)
	}
	return s.parameter(name)
}

func (s *Spectrometer) parameter(name string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch name {
	case interfaces.ParamExposureTime:
		return s.exposure, nil
	case interfaces.ParamCenterWavelength:
		return s.wavelength, nil
	case interfaces.ParamDetectorTemp:
		return detectorTemp, nil
	}
	return 0, errors.Errorf("parameter %q is not supported", name)
}
