// Package ecm implements a 2RC equivalent-circuit model of a VRLA cell:
// a series resistance, two R-C polarization branches and an open-circuit
// voltage curve over state of charge, all temperature-compensated with an
// Arrhenius activation-energy law.
package ecm

import (
	"fmt"
	"math"
)

const (
	// BoltzmannEV is the Boltzmann constant in eV/K.
	BoltzmannEV = 8.617e-5

	kelvinOffset = 273.15
)

// Params describes one cell. Defaults match a 12V 120Ah VRLA monobloc.
type Params struct {
	R0 float64 // ohmic resistance (ohm)
	R1 float64 // activation polarization resistance (ohm)
	C1 float64 // activation polarization capacitance (farad)
	R2 float64 // concentration polarization resistance (ohm)
	C2 float64 // concentration polarization capacitance (farad)

	NameplateAh    float64
	NominalVoltage float64

	// ActivationEnergyEV drives the Arrhenius temperature compensation.
	ActivationEnergyEV float64
	ReferenceTempC     float64
}

// DefaultParams returns parameters for a 12V 120Ah VRLA monobloc.
func DefaultParams() Params {
	return Params{
		R0:                 0.0035,
		R1:                 0.0015,
		C1:                 2000.0,
		R2:                 0.0010,
		C2:                 5000.0,
		NameplateAh:        120.0,
		NominalVoltage:     12.0,
		ActivationEnergyEV: 0.7,
		ReferenceTempC:     25.0,
	}
}

// Model evaluates the equivalent circuit. It carries no mutable state;
// the polarization voltages live in the caller's filter state.
type Model struct {
	params Params
	ocv    OCVCurve
}

// New builds a model from params and an OCV curve. The curve must be
// strictly monotonic in both SOC and voltage.
func New(params Params, ocv OCVCurve) (*Model, error) {
	if err := ocv.validate(); err != nil {
		return nil, fmt.Errorf("invalid OCV curve: %w", err)
	}
	if params.R1 <= 0 || params.C1 <= 0 || params.R2 <= 0 || params.C2 <= 0 {
		return nil, fmt.Errorf("RC branch parameters must be positive")
	}
	if params.NameplateAh <= 0 {
		return nil, fmt.Errorf("nameplate capacity must be positive")
	}
	return &Model{params: params, ocv: ocv}, nil
}

// Params returns the model parameters.
func (m *Model) Params() Params {
	return m.params
}

// ArrheniusFactor is exp(Ea/kB * (1/T_ref - 1/T)) with temperatures in
// Kelvin. Above the reference temperature the factor exceeds 1 (faster
// aging, lower resistance); below it the factor falls under 1.
func (m *Model) ArrheniusFactor(tempC float64) float64 {
	tRef := m.params.ReferenceTempC + kelvinOffset
	t := tempC + kelvinOffset
	return math.Exp((m.params.ActivationEnergyEV / BoltzmannEV) * (1/tRef - 1/t))
}

// SeriesResistance is R0 at the given temperature. Resistance rises as the
// electrolyte cools, so R0 is divided by the Arrhenius factor.
func (m *Model) SeriesResistance(tempC float64) float64 {
	return m.params.R0 / m.ArrheniusFactor(tempC)
}

// UsableCapacityAh derates a capacity for temperature. Cold cells deliver
// less than their rated capacity; heat never yields more than rated.
func (m *Model) UsableCapacityAh(capacityAh, tempC float64) float64 {
	f := m.ArrheniusFactor(tempC)
	if f > 1 {
		f = 1
	}
	return capacityAh * f
}

// TimeConstants returns the two branch time constants R1*C1 and R2*C2.
func (m *Model) TimeConstants() (tau1, tau2 float64) {
	return m.params.R1 * m.params.C1, m.params.R2 * m.params.C2
}

// BranchStep advances the two polarization voltages over dt seconds under
// the given current. Each branch decays exponentially toward I*Ri.
func (m *Model) BranchStep(v1, v2, currentA, dt float64) (nv1, nv2 float64) {
	tau1, tau2 := m.TimeConstants()
	e1 := math.Exp(-dt / tau1)
	e2 := math.Exp(-dt / tau2)
	nv1 = v1*e1 + m.params.R1*currentA*(1-e1)
	nv2 = v2*e2 + m.params.R2*currentA*(1-e2)
	return nv1, nv2
}

// TerminalVoltage is the measurement function of the circuit:
// V = OCV(soc) + I*R0(T) + V1 + V2, with charge-positive current.
// Discharge current is negative, so the ohmic and polarization terms sag
// the terminal voltage below open circuit.
func (m *Model) TerminalVoltage(soc, currentA, tempC, v1, v2 float64) (float64, error) {
	ocv, err := m.ocv.Voltage(soc)
	if err != nil {
		return 0, err
	}
	return ocv + currentA*m.SeriesResistance(tempC) + v1 + v2, nil
}

// OCVSlope is dOCV/dSOC at the given state of charge, used as the SOC term
// of the filter's measurement Jacobian.
func (m *Model) OCVSlope(soc float64) (float64, error) {
	return m.ocv.Slope(soc)
}

// SOCForRestVoltage inverts the OCV curve, treating the given terminal
// voltage as a rest voltage. Used to seed the estimator on a cell's first
// sample, before any polarization state exists.
func (m *Model) SOCForRestVoltage(v float64) float64 {
	return m.ocv.SOCAt(v)
}

// SOCForLoadedVoltage strips the ohmic and polarization terms from a
// loaded terminal voltage and inverts the OCV curve on the remainder.
// The result does not depend on any coulomb-counted state, so it can
// anchor capacity measurements against the voltage alone.
func (m *Model) SOCForLoadedVoltage(v, currentA, tempC, v1, v2 float64) float64 {
	ocv := v - currentA*m.SeriesResistance(tempC) - v1 - v2
	return m.ocv.SOCAt(ocv)
}
