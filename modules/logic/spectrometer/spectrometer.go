// Package spectrometer implements spectrum acquisition logic. Acquisitions run in the background
// with the module Locked, so the kernel can cancel them cooperatively when the module has to be
// deactivated.
package spectrometer

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	goutils "go.viam.com/utils"

	"go.labforge.io/labkernel/interfaces"
	"go.labforge.io/labkernel/logging"
	"go.labforge.io/labkernel/module"
	"go.labforge.io/labkernel/utils"
)

// Implementation is the registered implementation name.
const Implementation = "spectrometer_logic"

// SlotSpectrometer is the connector to the spectrometer hardware.
const SlotSpectrometer = "spectrometer"

func init() {
	module.Register(Implementation, module.Registration{
		Kind:        module.KindLogic,
		Constructor: newLogic,
		Operations: []string{
			interfaces.OpStartAcquisition, interfaces.OpStatus, interfaces.OpGetSpectrum,
			interfaces.OpSetParameter, interfaces.OpGetParameters, interfaces.OpGetLimits,
			interfaces.OpAcquireSpectrum,
		},
		Connectors: map[string]module.ConnectorSpec{
			SlotSpectrometer: {Interface: interfaces.Spectrometer},
		},
		Claims: []string{interfaces.SpectrometerLogic},
	})
}

// Logic acquires spectra from a spectrometer.
type Logic struct {
	module.Base
	logger    logging.Logger
	lifecycle module.Lifecycle
	hw        *interfaces.SpectrometerClient

	mu           sync.Mutex
	params       map[string]interfaces.ParamSpec
	spectrum     interfaces.Spectrum
	acquisitions int
	lastErr      error
	cancelRuns   map[int]context.CancelFunc
	nextRun      int

	activeBackgroundWorkers sync.WaitGroup
}

func newLogic(
	ctx context.Context,
	deps module.Dependencies,
	conf module.Declaration,
	logger logging.Logger,
) (module.Module, error) {
	ref, err := deps.Connector(SlotSpectrometer)
	if err != nil {
		return nil, err
	}
	l := &Logic{
		Base:       module.NewBase(conf.Name),
		logger:     logger,
		lifecycle:  deps.Lifecycle,
		hw:         interfaces.NewSpectrometerClient(ref),
		cancelRuns: map[int]context.CancelFunc{},
	}
	l.Handle(interfaces.OpStartAcquisition, l.startAcquisition)
	l.Handle(interfaces.OpAcquireSpectrum, l.acquireSpectrum)
	l.Handle(interfaces.OpStatus, func(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
		return l.Status(), nil
	})
	l.Handle(interfaces.OpGetSpectrum, func(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
		return l.Spectrum(), nil
	})
	l.Handle(interfaces.OpSetParameter, l.setParameter)
	l.Handle(interfaces.OpGetParameters, l.getParameters)
	l.Handle(interfaces.OpGetLimits, l.getLimits)
	l.Attribute("acquisitions", func() (interface{}, error) {
		return l.Status().Acquisitions, nil
	}, nil)
	return l, nil
}

// OnActivate reads the parameters the spectrometer supports.
func (l *Logic) OnActivate(ctx context.Context) error {
	params, err := l.hw.SupportedParams(ctx)
	if err != nil {
		return errors.Wrap(err, "cannot read supported parameters")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.params = params
	l.spectrum = interfaces.Spectrum{}
	l.lastErr = nil
	return nil
}

// Close aborts running acquisitions and waits for them to wind down.
func (l *Logic) Close(ctx context.Context) error {
	l.mu.Lock()
	for _, cancel := range l.cancelRuns {
		cancel()
	}
	l.mu.Unlock()
	l.activeBackgroundWorkers.Wait()
	return nil
}

// Status returns what the module is doing.
func (l *Logic) Status() interfaces.AcquisitionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := interfaces.AcquisitionStatus{
		Busy:         l.lifecycle.State() == module.StateLocked,
		Acquisitions: l.acquisitions,
	}
	if l.lastErr != nil {
		st.Error = l.lastErr.Error()
	}
	return st
}

// Spectrum returns a copy of the last spectrum.
func (l *Logic) Spectrum() interfaces.Spectrum {
	l.mu.Lock()
	defer l.mu.Unlock()
	return interfaces.Spectrum{
		Wavelengths: append([]float64{}, l.spectrum.Wavelengths...),
		Counts:      append([]float64{}, l.spectrum.Counts...),
	}
}

// startAcquisition locks the module and acquires in the background. It returns as soon as the
// acquisition is running.
func (l *Logic) startAcquisition(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	lockCtx, done, err := l.lifecycle.Lock(ctx)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(lockCtx)

	l.mu.Lock()
	id := l.nextRun
	l.nextRun++
	l.cancelRuns[id] = cancel
	l.mu.Unlock()

	l.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer l.activeBackgroundWorkers.Done()
		defer done()
		defer func() {
			cancel()
			l.mu.Lock()
			delete(l.cancelRuns, id)
			l.mu.Unlock()
		}()
		//nolint:errcheck
		l.acquire(runCtx)
	})
	return nil, nil
}

// acquireSpectrum acquires in the foreground and returns the spectrum.
func (l *Logic) acquireSpectrum(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	lockCtx, done, err := l.lifecycle.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	runCtx, cancel := context.WithCancel(lockCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := l.acquire(runCtx); err != nil {
		return nil, err
	}
	return l.Spectrum(), nil
}

func (l *Logic) acquire(ctx context.Context) error {
	spectrum, err := l.hw.AcquireSpectrum(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastErr = err
	if err != nil {
		l.logger.CWarnw(ctx, "acquisition failed", "error", err)
		return err
	}
	l.spectrum = spectrum
	l.acquisitions++
	l.logger.CDebugw(ctx, "spectrum acquired", "points", spectrum.Len(), "acquisitions", l.acquisitions)
	return nil
}

func (l *Logic) param(args utils.AttributeMap) (string, interfaces.ParamSpec, error) {
	name, err := args.String("parameter", "")
	if err != nil {
		return "", interfaces.ParamSpec{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	spec, ok := l.params[name]
	if !ok {
		return "", interfaces.ParamSpec{}, errors.Errorf("parameter %q is not supported", name)
	}
	return name, spec, nil
}

// setParameter sets a hardware parameter with the module Locked, so it cannot overlap an
// acquisition.
func (l *Logic) setParameter(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	name, spec, err := l.param(args)
	if err != nil {
		return nil, err
	}
	if !spec.Set {
		return nil, errors.Errorf("parameter %q is read-only", name)
	}
	if !args.Has("value") {
		return nil, errors.New(`missing "value"`)
	}
	value, err := args.Float64("value", 0)
	if err != nil {
		return nil, err
	}
	if !spec.Range().Contains(value) {
		return nil, errors.Errorf("%s %v is outside the limits [%v, %v]", name, value, spec.Min, spec.Max)
	}

	lockCtx, done, err := l.lifecycle.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	return nil, l.hw.SetParameter(lockCtx, name, value)
}

func (l *Logic) getParameters(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	l.mu.Lock()
	readable := lo.Keys(lo.PickBy(l.params, func(_ string, spec interfaces.ParamSpec) bool {
		return spec.Get
	}))
	l.mu.Unlock()
	sort.Strings(readable)

	out := make(map[string]float64, len(readable))
	for _, name := range readable {
		v, err := l.hw.Parameter(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func (l *Logic) getLimits(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	_, spec, err := l.param(args)
	if err != nil {
		return nil, err
	}
	return spec.Range(), nil
}
