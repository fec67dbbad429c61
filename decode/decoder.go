// Package decode implements component C: turning one Range's raw Modbus
// words into named, typed Readings per §4.3 — byte order, scaling,
// equations, rounding, clamping, and vendor defaults.
//
// Grounded on the teacher's client code for the read/decode shape (request
// -> raw words -> typed response), generalized from the teacher's
// bool/uint16 returns to the spec's full typed-parameter model; the
// byte-reordering and scaling idiom itself is grounded on the wider
// corpus's industrial gateway clients (parseValue/reorderBytes/
// applyScaling pattern).
package decode

import (
	"math"

	"github.com/fieldpulse/devicegw/common"
	"github.com/fieldpulse/devicegw/device"
)

// Decode turns the raw word vector read for one Range into readings for
// every parameter in parser, in order. Decoding a single parameter never
// raises: every failure path produces a Reading with Value=nil and a
// non-empty Error (§4.3, final paragraph).
func Decode(rng device.Range, words []uint16, parser device.Parser, deviceMake string) []device.Reading {
	readings := make([]device.Reading, 0, len(parser.Parameters))
	for _, p := range parser.Parameters {
		readings = append(readings, decodeOne(rng, words, p, deviceMake))
	}
	return readings
}

func decodeOne(rng device.Range, words []uint16, p device.Parameter, deviceMake string) device.Reading {
	out := device.Reading{
		Name:          p.Name,
		Tag:           p.Tag,
		RegisterIndex: p.RegisterIndex,
		Unit:          p.Unit,
		DataType:      p.DataType,
	}

	r, ok := resolveIndex(rng, p.RegisterIndex, int(rng.Count))
	if !ok {
		out.Error = readingError(common.KindOutOfRange, "register index out of range")
		return out
	}

	wordCount := p.EffectiveWordCount()
	if r+wordCount > int(rng.Count) || r+wordCount > len(words) {
		out.Error = readingError(common.KindInsufficientWords, "not enough words in range")
		return out
	}

	order := ByteOrder(p.ByteOrder)
	if order == "" {
		order = DefaultByteOrderFor(deviceMake)
	}

	var value float64
	var isBool bool
	var boolValue bool

	switch p.DataType {
	case device.BIT:
		word := words[r]
		if p.Bitmask != nil {
			boolValue = word&*p.Bitmask != 0
		} else {
			pos := 0
			if p.BitPosition != nil {
				pos = *p.BitPosition
			}
			boolValue = word&(1<<uint(pos)) != 0
		}
		isBool = true
	case device.FLOAT32:
		bytes := assembleBytes(words[r:r+wordCount], order)
		bits := uint32(bytes[0])<<24 | uint32(bytes[1])<<16 | uint32(bytes[2])<<8 | uint32(bytes[3])
		value = float64(math.Float32frombits(bits))
		if math.IsNaN(value) || math.IsInf(value, 0) {
			out.Error = readingError(common.KindNonFinite, "decoded float32 is not finite")
			out.Value = nil
			return out
		}
	case device.INT32:
		bytes := assembleBytes(words[r:r+wordCount], order)
		v := int32(uint32(bytes[0])<<24 | uint32(bytes[1])<<16 | uint32(bytes[2])<<8 | uint32(bytes[3]))
		value = float64(v)
	case device.UINT32:
		bytes := assembleBytes(words[r:r+wordCount], order)
		v := uint32(bytes[0])<<24 | uint32(bytes[1])<<16 | uint32(bytes[2])<<8 | uint32(bytes[3])
		value = float64(v)
	case device.INT16:
		bytes := assembleBytes(words[r:r+1], order)
		v := int16(uint16(bytes[0])<<8 | uint16(bytes[1]))
		value = float64(v)
	case device.UINT16:
		bytes := assembleBytes(words[r:r+1], order)
		v := uint16(bytes[0])<<8 | uint16(bytes[1])
		value = float64(v)
	default:
		out.Error = "unknown data type"
		return out
	}

	if isBool {
		out.Value = boolValue
		return out
	}

	scaled, eqErr := applyScaling(value, p)
	value = scaled
	if eqErr != "" {
		out.Error = eqErr
	}
	if p.DecimalPoint != nil {
		value = roundHalfToEven(value, *p.DecimalPoint)
	}
	value = clamp(value, p.MinValue, p.MaxValue)

	out.Value = value
	return out
}

// resolveIndex implements §4.3 step 1: absolute addressing first, then
// relative.
func resolveIndex(rng device.Range, registerIndex uint16, count int) (int, bool) {
	start := int(rng.StartAddress)
	idx := int(registerIndex)
	if idx >= start && idx < start+count {
		return idx - start, true
	}
	if idx >= 0 && idx < count {
		return idx, true
	}
	return 0, false
}

// applyScaling implements §4.3 step 5: scalingFactor, then scalingEquation
// if present, each reverting to the prior value on a non-finite result. A
// non-finite equation evaluation is recorded as a KindEquationError on the
// Reading rather than silently discarded; a malformed equation string is
// caught earlier at Start() time (poller.Start validates every
// ScalingEquation) so reaching here with a parse failure is already an
// anomaly, recorded the same way.
func applyScaling(value float64, p device.Parameter) (float64, string) {
	factor := p.EffectiveScalingFactor()
	if factor != 1 {
		scaled := value * factor
		if isFinite(scaled) {
			value = scaled
		}
	}
	if p.ScalingEquation == "" {
		return value, ""
	}

	eq, err := ParseEquation(p.ScalingEquation)
	if err != nil {
		return value, readingError(common.KindEquationError, err.Error())
	}
	result := eq.Eval(value)
	if !isFinite(result) {
		return value, readingError(common.KindEquationError, "scaling equation produced a non-finite result")
	}
	return result, ""
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// roundHalfToEven implements §4.3 step 6.
func roundHalfToEven(value float64, decimals int) float64 {
	if decimals < 0 {
		return value
	}
	scale := math.Pow(10, float64(decimals))
	return math.RoundToEven(value*scale) / scale
}

// clamp implements §4.3 step 7.
func clamp(value float64, min, max *float64) float64 {
	if min != nil && value < *min {
		value = *min
	}
	if max != nil && value > *max {
		value = *max
	}
	return value
}

// readingError is a small helper so decodeOne can produce a Reading.Error
// string without constructing a *common.Error (the decoder's failures are
// local to one Reading and never propagate as an error across a component
// boundary).
func readingError(k common.Kind, msg string) string {
	return string(k) + ": " + msg
}
