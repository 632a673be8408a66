// Copyright 2022 The energymon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry defines the energy meter reading and its broker wire format.
package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
)

// Reading one energy meter sample. Readings are never modified after creation.
type Reading struct {
	// Voltage in volts
	Voltage float64 `json:"voltage"`
	// CurrentMA current in milliamps
	CurrentMA float64 `json:"current_ma"`
	// PowerW power in watts
	PowerW float64 `json:"power_w"`
	// EnergyWH cumulative energy in watt-hours, non-decreasing per device until a reset
	EnergyWH float64 `json:"energy_wh"`
	// ObservedAt when the sample was taken, or when it was received if the device did not say
	ObservedAt time.Time `json:"observed_at"`
}

// String toString function
func (r Reading) String() string {
	return fmt.Sprintf(
		"READING[%s V:%.2f I:%.1fmA P:%.2fW E:%.3fWh]",
		r.ObservedAt.Format(time.RFC3339Nano), r.Voltage, r.CurrentMA, r.PowerW, r.EnergyWH,
	)
}

// Validate checks that every measured quantity is finite and not negative
func (r Reading) Validate() error {
	fields := []struct {
		name  string
		value float64
	}{
		{"voltage", r.Voltage},
		{"current_ma", r.CurrentMA},
		{"power_w", r.PowerW},
		{"energy_wh", r.EnergyWH},
	}
	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return fmt.Errorf("%s is not finite", f.name)
		}
		if f.value < 0 {
			return fmt.Errorf("%s is negative: %f", f.name, f.value)
		}
	}
	if r.ObservedAt.IsZero() {
		return fmt.Errorf("observed_at not set")
	}
	return nil
}

// ==============================================================================

// meterPayload the JSON object published by the energy meter
type meterPayload struct {
	Voltage    *float64   `json:"voltage" validate:"required"`
	CurrentMA  *float64   `json:"current_ma" validate:"required"`
	PowerW     *float64   `json:"power_w" validate:"required"`
	EnergyWH   *float64   `json:"energy_wh" validate:"required"`
	ObservedAt *time.Time `json:"observed_at,omitempty"`
}

// DecodeError a broker payload which could not be turned into a Reading
type DecodeError struct {
	// Payload the raw message
	Payload []byte
	// Cause why decoding failed
	Cause error
}

// Error implements error
func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed meter payload '%s': %s", e.Payload, e.Cause)
}

// Unwrap exposes the cause
func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// Decoder converts broker payloads into Readings
type Decoder struct {
	validate *validator.Validate
}

// NewDecoder define a new Decoder
func NewDecoder() *Decoder {
	return &Decoder{validate: validator.New()}
}

// Decode parse one payload. receivedAt is used when the payload carries no observed_at.
// Any failure is returned as a *DecodeError.
func (d *Decoder) Decode(payload []byte, receivedAt time.Time) (Reading, error) {
	raw := make([]byte, len(payload))
	copy(raw, payload)
	fail := func(err error) (Reading, error) {
		return Reading{}, &DecodeError{Payload: raw, Cause: err}
	}

	var parsed meterPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return fail(err)
	}
	if err := d.validate.Struct(&parsed); err != nil {
		return fail(err)
	}

	reading := Reading{
		Voltage:    *parsed.Voltage,
		CurrentMA:  *parsed.CurrentMA,
		PowerW:     *parsed.PowerW,
		EnergyWH:   *parsed.EnergyWH,
		ObservedAt: receivedAt.UTC(),
	}
	if parsed.ObservedAt != nil && !parsed.ObservedAt.IsZero() {
		reading.ObservedAt = parsed.ObservedAt.UTC()
	}
	if err := reading.Validate(); err != nil {
		return fail(err)
	}
	return reading, nil
}

var defaultDecoder = NewDecoder()

// DecodeReading parse one payload with the shared Decoder
func DecodeReading(payload []byte, receivedAt time.Time) (Reading, error) {
	return defaultDecoder.Decode(payload, receivedAt)
}
