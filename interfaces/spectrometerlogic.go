package interfaces

import (
	"context"

	"go.labforge.io/labkernel/module"
	"go.labforge.io/labkernel/utils"
)

// SpectrometerLogic is the contract of spectrum acquisition logic.
const SpectrometerLogic = "spectrometer_logic"

// Spectrometer logic operations. set_parameter is shared with the hardware contract.
const (
	OpStartAcquisition = "start_acquisition"
	OpStatus           = "status"
	OpGetSpectrum      = "get_spectrum"
	OpGetParameters    = "get_parameters"
	OpGetLimits        = "get_limits"
)

func init() {
	module.RegisterInterface(module.Interface{
		Name:       SpectrometerLogic,
		Operations: []string{OpStartAcquisition, OpStatus, OpGetSpectrum, OpSetParameter, OpGetParameters, OpGetLimits},
	})
}

// AcquisitionStatus reports what spectrometer logic is doing.
type AcquisitionStatus struct {
	// Busy is true while an acquisition holds the module Locked.
	Busy         bool   `json:"busy"`
	Acquisitions int    `json:"acquisitions"`
	Error        string `json:"error,omitempty"`
}

// SpectrometerLogicClient calls spectrometer logic.
type SpectrometerLogicClient struct {
	inv module.Invoker
}

// NewSpectrometerLogicClient returns a client calling through inv.
func NewSpectrometerLogicClient(inv module.Invoker) *SpectrometerLogicClient {
	return &SpectrometerLogicClient{inv: inv}
}

// StartAcquisition starts an acquisition in the background. It fails with a busy error while
// another one runs.
func (c *SpectrometerLogicClient) StartAcquisition(ctx context.Context) error {
	return exec(ctx, c.inv, OpStartAcquisition, nil)
}

// Status returns the acquisition status.
func (c *SpectrometerLogicClient) Status(ctx context.Context) (AcquisitionStatus, error) {
	return call[AcquisitionStatus](ctx, c.inv, OpStatus, nil)
}

// Spectrum returns the last acquired spectrum.
func (c *SpectrometerLogicClient) Spectrum(ctx context.Context) (Spectrum, error) {
	return call[Spectrum](ctx, c.inv, OpGetSpectrum, nil)
}

// SetParameter sets a spectrometer parameter after checking it against the limits.
func (c *SpectrometerLogicClient) SetParameter(ctx context.Context, name string, value float64) error {
	return exec(ctx, c.inv, OpSetParameter, utils.AttributeMap{"parameter": name, "value": value})
}

// Parameters reads every readable spectrometer parameter.
func (c *SpectrometerLogicClient) Parameters(ctx context.Context) (map[string]float64, error) {
	return call[map[string]float64](ctx, c.inv, OpGetParameters, nil)
}

// Limits returns the allowed range of a parameter.
func (c *SpectrometerLogicClient) Limits(ctx context.Context, name string) (Range, error) {
	return call[Range](ctx, c.inv, OpGetLimits, utils.AttributeMap{"parameter": name})
}
