package decode

import (
	"testing"

	"github.com/fieldpulse/devicegw/common"
	"github.com/fieldpulse/devicegw/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFloat32BigEndian(t *testing.T) {
	rng := device.Range{StartAddress: 100, Count: 2, FC: device.FCReadHoldingRegisters}
	words := []uint16{0x4248, 0xF5C3}
	parser := device.Parser{Parameters: []device.Parameter{
		{Name: "V", DataType: device.FLOAT32, RegisterIndex: 100, ByteOrder: "ABCD", ScalingFactor: 1},
	}}
	readings := Decode(rng, words, parser, "Generic")
	require.Len(t, readings, 1)
	require.Empty(t, readings[0].Error)
	v, ok := readings[0].Value.(float64)
	require.True(t, ok)
	assert.InDelta(t, 50.24, v, 1e-4)
}

func TestDecodeFloat32CDABSameBytes(t *testing.T) {
	rng := device.Range{StartAddress: 100, Count: 2, FC: device.FCReadHoldingRegisters}
	words := []uint16{0x4248, 0xF5C3}
	parser := device.Parser{Parameters: []device.Parameter{
		{Name: "V", DataType: device.FLOAT32, RegisterIndex: 100, ByteOrder: "CDAB", ScalingFactor: 1},
	}}
	readings := Decode(rng, words, parser, "Generic")
	require.Len(t, readings, 1)
	v, ok := readings[0].Value.(float64)
	require.True(t, ok)
	assert.Less(t, v, 0.0)
}

func TestDecodeVendorDefaultChinaEnergyAnalyzer(t *testing.T) {
	// Same word pair as scenario 1's assembled bytes (0x42 0x48 word
	// placed second), but with no explicit byteOrder: the device's make
	// string selects the CDAB vendor default (§4.3 step 4), which
	// reassembles these words into the 0x42 0x48 0x00 0x00 big-endian
	// byte sequence -- float32 bit pattern 0x42480000, exactly 50.0.
	rng := device.Range{StartAddress: 100, Count: 2, FC: device.FCReadHoldingRegisters}
	words := []uint16{0x0000, 0x4248}
	parser := device.Parser{Parameters: []device.Parameter{
		{Name: "V", DataType: device.FLOAT32, RegisterIndex: 100, ScalingFactor: 1},
	}}
	readings := Decode(rng, words, parser, "China Energy Analyzer X")
	require.Len(t, readings, 1)
	require.Empty(t, readings[0].Error)
	v, ok := readings[0].Value.(float64)
	require.True(t, ok)
	assert.InDelta(t, 50.0, v, 1e-4)
}

func TestDecodeOutOfRange(t *testing.T) {
	rng := device.Range{StartAddress: 100, Count: 2, FC: device.FCReadHoldingRegisters}
	words := []uint16{0x0001, 0x0002}
	parser := device.Parser{Parameters: []device.Parameter{
		{Name: "V", DataType: device.UINT16, RegisterIndex: 500},
	}}
	readings := Decode(rng, words, parser, "Generic")
	require.Len(t, readings, 1)
	assert.Nil(t, readings[0].Value)
	assert.Contains(t, readings[0].Error, "OutOfRange")
}

func TestDecodeInsufficientWords(t *testing.T) {
	rng := device.Range{StartAddress: 0, Count: 2, FC: device.FCReadHoldingRegisters}
	words := []uint16{0x0001, 0x0002}
	parser := device.Parser{Parameters: []device.Parameter{
		{Name: "V", DataType: device.INT32, RegisterIndex: 1}, // spans words[1],[2] but count=2
	}}
	readings := Decode(rng, words, parser, "Generic")
	require.Len(t, readings, 1)
	assert.Nil(t, readings[0].Value)
	assert.Contains(t, readings[0].Error, "InsufficientWords")
}

func TestDecodeBitWithBitmask(t *testing.T) {
	rng := device.Range{StartAddress: 0, Count: 1, FC: device.FCReadHoldingRegisters}
	words := []uint16{0b0000_0100}
	mask := uint16(0b0000_0100)
	parser := device.Parser{Parameters: []device.Parameter{
		{Name: "Running", DataType: device.BIT, RegisterIndex: 0, Bitmask: &mask},
	}}
	readings := Decode(rng, words, parser, "Generic")
	require.Len(t, readings, 1)
	assert.Equal(t, true, readings[0].Value)
}

func TestDecodeScalingMonotonicity(t *testing.T) {
	rng := device.Range{StartAddress: 0, Count: 1, FC: device.FCReadHoldingRegisters}
	param := device.Parameter{Name: "V", DataType: device.UINT16, RegisterIndex: 0, ScalingFactor: 2.5}
	r1 := Decode(rng, []uint16{10}, device.Parser{Parameters: []device.Parameter{param}}, "Generic")
	r2 := Decode(rng, []uint16{20}, device.Parser{Parameters: []device.Parameter{param}}, "Generic")
	v1 := r1[0].Value.(float64)
	v2 := r2[0].Value.(float64)
	assert.Less(t, v1, v2)
}

func TestDecodeClamp(t *testing.T) {
	rng := device.Range{StartAddress: 0, Count: 1, FC: device.FCReadHoldingRegisters}
	maxV := 100.0
	parser := device.Parser{Parameters: []device.Parameter{
		{Name: "V", DataType: device.UINT16, RegisterIndex: 0, ScalingFactor: 10, MaxValue: &maxV},
	}}
	readings := Decode(rng, []uint16{50}, parser, "Generic")
	v := readings[0].Value.(float64)
	assert.Equal(t, 100.0, v)
}

func TestDecodeDecimalPointRoundsHalfToEven(t *testing.T) {
	rng := device.Range{StartAddress: 0, Count: 1, FC: device.FCReadHoldingRegisters}
	dp := 0
	parser := device.Parser{Parameters: []device.Parameter{
		{Name: "V", DataType: device.UINT16, RegisterIndex: 0, ScalingFactor: 0.5, DecimalPoint: &dp},
	}}
	// 0.5 * 5 = 2.5 -> rounds to 2 (half-to-even)
	readings := Decode(rng, []uint16{5}, parser, "Generic")
	assert.Equal(t, 2.0, readings[0].Value.(float64))
}

func TestDecodeScalingEquation(t *testing.T) {
	rng := device.Range{StartAddress: 0, Count: 1, FC: device.FCReadHoldingRegisters}
	parser := device.Parser{Parameters: []device.Parameter{
		{Name: "V", DataType: device.UINT16, RegisterIndex: 0, ScalingEquation: "x * 2 + 1"},
	}}
	readings := Decode(rng, []uint16{10}, parser, "Generic")
	assert.Equal(t, 21.0, readings[0].Value.(float64))
}

func TestDecodeScalingEquationNonFiniteRecordsEquationError(t *testing.T) {
	rng := device.Range{StartAddress: 0, Count: 1, FC: device.FCReadHoldingRegisters}
	parser := device.Parser{Parameters: []device.Parameter{
		{Name: "V", DataType: device.UINT16, RegisterIndex: 0, ScalingEquation: "1 / (x - 10)"},
	}}
	readings := Decode(rng, []uint16{10}, parser, "Generic")
	require.Len(t, readings, 1)
	assert.NotEmpty(t, readings[0].Error)
	assert.Contains(t, readings[0].Error, string(common.KindEquationError))
	// Value reverts to the pre-equation scaled value (10) rather than Inf.
	assert.Equal(t, 10.0, readings[0].Value.(float64))
}

func TestDecodeNeverPanicsOnUnknownType(t *testing.T) {
	rng := device.Range{StartAddress: 0, Count: 1, FC: device.FCReadHoldingRegisters}
	parser := device.Parser{Parameters: []device.Parameter{
		{Name: "V", DataType: "BOGUS", RegisterIndex: 0},
	}}
	assert.NotPanics(t, func() {
		Decode(rng, []uint16{1}, parser, "Generic")
	})
}
