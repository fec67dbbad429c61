package protocol

import (
	"testing"

	"github.com/fieldpulse/devicegw/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeReadRequest(t *testing.T) {
	pdu := EncodeReadRequest(ReadHoldingRegisters, 100, 2)
	assert.Equal(t, []byte{0x03, 0x00, 0x64, 0x00, 0x02}, pdu)
}

func TestDecodeRegistersResponse(t *testing.T) {
	pdu := []byte{0x03, 0x04, 0x42, 0x48, 0xF5, 0xC3}
	words, err := DecodeRegistersResponse(pdu)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x4248, 0xF5C3}, words)
}

func TestDecodeBitsResponse(t *testing.T) {
	pdu := []byte{0x01, 0x01, 0b00000101}
	bits, err := DecodeBitsResponse(pdu, 3)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, bits)
}

func TestWriteSingleRoundTrip(t *testing.T) {
	pdu := EncodeWriteSingleRegisterRequest(10, 1234)
	address, value, err := DecodeWriteSingleResponse(pdu)
	require.NoError(t, err)
	assert.Equal(t, uint16(10), address)
	assert.Equal(t, uint16(1234), value)
}

func TestEncodeWriteMultipleRegistersRequest(t *testing.T) {
	pdu, err := EncodeWriteMultipleRegistersRequest(5, []uint16{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, byte(WriteMultipleRegisters), pdu[0])
	assert.Equal(t, byte(6), pdu[5])
}

func TestEncodeWriteMultipleRegistersRequestRejectsTooMany(t *testing.T) {
	values := make([]uint16, MaxWriteCount+1)
	_, err := EncodeWriteMultipleRegistersRequest(0, values)
	assert.Error(t, err)
}

func TestCRC16KnownVector(t *testing.T) {
	// FC3 read holding registers, unit 1, address 0, count 10
	body := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}
	crc := CRC16(body)
	assert.Equal(t, uint16(0xCDC5), crc)
}

func TestBuildParseRTUFrameRoundTrip(t *testing.T) {
	pdu := EncodeReadRequest(ReadHoldingRegisters, 0, 10)
	frame := BuildRTUFrame(1, pdu)
	unitID, gotPDU, err := ParseRTUFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, byte(1), unitID)
	assert.Equal(t, pdu, gotPDU)
}

func TestParseRTUFrameDetectsBadCRC(t *testing.T) {
	pdu := EncodeReadRequest(ReadHoldingRegisters, 0, 10)
	frame := BuildRTUFrame(1, pdu)
	frame[len(frame)-1] ^= 0xFF
	_, _, err := ParseRTUFrame(frame)
	assert.ErrorIs(t, err, common.ErrInvalidChecksum)
}

func TestBuildParseTCPFrameRoundTrip(t *testing.T) {
	pdu := EncodeReadRequest(ReadHoldingRegisters, 100, 2)
	frame := BuildTCPFrame(7, 1, pdu)
	header, gotPDU, err := ParseTCPFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), header.TransactionID)
	assert.Equal(t, byte(1), header.UnitID)
	assert.Equal(t, pdu, gotPDU)
}

func TestParseTCPFrameRejectsBadLength(t *testing.T) {
	pdu := EncodeReadRequest(ReadHoldingRegisters, 100, 2)
	frame := BuildTCPFrame(7, 1, pdu)
	frame = append(frame, 0x00) // trailing garbage, length field now stale
	_, _, err := ParseTCPFrame(frame)
	assert.Error(t, err)
}

func TestIsExceptionFunctionCode(t *testing.T) {
	assert.True(t, IsExceptionFunctionCode(0x83))
	assert.False(t, IsExceptionFunctionCode(0x03))
}

func TestDecodeException(t *testing.T) {
	err := DecodeException([]byte{0x83, 0x02})
	assert.Error(t, err)
}
