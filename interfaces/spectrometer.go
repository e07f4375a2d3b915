package interfaces

import (
	"context"

	"go.labforge.io/labkernel/module"
	"go.labforge.io/labkernel/utils"
)

// Spectrometer is the contract of spectrometer hardware.
const Spectrometer = "spectrometer"

// Spectrometer operations.
const (
	OpAcquireSpectrum    = "acquire_spectrum"
	OpSetParameter       = "set_parameter"
	OpGetParameter       = "get_parameter"
	OpGetSupportedParams = "get_supported_params"
)

// Spectrometer parameters every implementation understands.
const (
	// ParamExposureTime is in seconds.
	ParamExposureTime = "exposure_time"
	// ParamCenterWavelength is in metres.
	ParamCenterWavelength = "center_wavelength"
	// ParamDetectorTemp is in degrees Celsius.
	ParamDetectorTemp = "detector_temp"
)

func init() {
	module.RegisterInterface(module.Interface{
		Name:       Spectrometer,
		Operations: []string{OpAcquireSpectrum, OpSetParameter, OpGetParameter, OpGetSupportedParams},
	})
}

// Spectrum is one acquisition. Wavelengths are in metres.
type Spectrum struct {
	Wavelengths []float64 `json:"wavelengths"`
	Counts      []float64 `json:"counts"`
}

// Len returns the number of points.
func (s Spectrum) Len() int {
	return len(s.Wavelengths)
}

// ParamSpec describes one spectrometer parameter.
type ParamSpec struct {
	Get bool    `json:"get"`
	Set bool    `json:"set"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Range returns the allowed values.
func (p ParamSpec) Range() Range {
	return Range{Min: p.Min, Max: p.Max}
}

// SpectrometerClient calls a spectrometer.
type SpectrometerClient struct {
	inv module.Invoker
}

// NewSpectrometerClient returns a client calling through inv.
func NewSpectrometerClient(inv module.Invoker) *SpectrometerClient {
	return &SpectrometerClient{inv: inv}
}

// AcquireSpectrum records a spectrum. It blocks for the exposure time.
func (c *SpectrometerClient) AcquireSpectrum(ctx context.Context) (Spectrum, error) {
	return call[Spectrum](ctx, c.inv, OpAcquireSpectrum, nil)
}

// SetParameter sets a parameter.
func (c *SpectrometerClient) SetParameter(ctx context.Context, name string, value float64) error {
	return exec(ctx, c.inv, OpSetParameter, utils.AttributeMap{"parameter": name, "value": value})
}

// Parameter reads a parameter.
func (c *SpectrometerClient) Parameter(ctx context.Context, name string) (float64, error) {
	return call[float64](ctx, c.inv, OpGetParameter, utils.AttributeMap{"parameter": name})
}

// SupportedParams returns every parameter the spectrometer has.
func (c *SpectrometerClient) SupportedParams(ctx context.Context) (map[string]ParamSpec, error) {
	return call[map[string]ParamSpec](ctx, c.inv, OpGetSupportedParams, nil)
}
