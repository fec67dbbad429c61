// Package protocol implements the Modbus frame codec (component B): pure
// functions that pack PDU bytes for a request and parse PDU bytes out of a
// response, plus the RTU CRC-16 and TCP MBAP framing around them. Nothing in
// this package touches a socket or serial port — see package transport for
// that.
//
// Grounded on the teacher's transport/data.go (ADU/PDU split),
// transport/network/tcp/data.go (MBAP header) and
// transport/serial/rtu/operations.go (CRC-16, polynomial 0xA001).
package protocol

import (
	"encoding/binary"

	"github.com/fieldpulse/devicegw/common"
)

// FunctionCode identifies a Modbus PDU's operation.
type FunctionCode byte

const (
	ReadCoils              FunctionCode = 0x01
	ReadDiscreteInputs     FunctionCode = 0x02
	ReadHoldingRegisters   FunctionCode = 0x03
	ReadInputRegisters     FunctionCode = 0x04
	WriteSingleCoil        FunctionCode = 0x05
	WriteSingleRegister    FunctionCode = 0x06
	WriteMultipleRegisters FunctionCode = 0x10
)

// IsExceptionFunctionCode reports whether fc has the exception high bit set.
func IsExceptionFunctionCode(fc byte) bool {
	return fc&0x80 != 0
}

func (f FunctionCode) String() string {
	switch f {
	case ReadCoils:
		return "ReadCoils"
	case ReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case ReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case ReadInputRegisters:
		return "ReadInputRegisters"
	case WriteSingleCoil:
		return "WriteSingleCoil"
	case WriteSingleRegister:
		return "WriteSingleRegister"
	case WriteMultipleRegisters:
		return "WriteMultipleRegisters"
	default:
		return "Unknown"
	}
}

// MaxReadCount is the Modbus wire limit for a single FC3/FC4 read.
const MaxReadCount = 125

// MaxWriteCount is the Modbus wire limit for a single FC16 write.
const MaxWriteCount = 123

// MaxCoilCount is the Modbus wire limit for a single FC1/FC2 read.
const MaxCoilCount = 2000

// --- PDU encoding (request bodies, function code as the first byte) ---

// EncodeReadRequest packs a FC1/2/3/4 request PDU.
func EncodeReadRequest(fc FunctionCode, address, count uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = byte(fc)
	binary.BigEndian.PutUint16(pdu[1:3], address)
	binary.BigEndian.PutUint16(pdu[3:5], count)
	return pdu
}

// EncodeWriteSingleCoilRequest packs a FC5 request PDU.
func EncodeWriteSingleCoilRequest(address uint16, value bool) []byte {
	pdu := make([]byte, 5)
	pdu[0] = byte(WriteSingleCoil)
	binary.BigEndian.PutUint16(pdu[1:3], address)
	if value {
		pdu[3], pdu[4] = 0xFF, 0x00
	}
	return pdu
}

// EncodeWriteSingleRegisterRequest packs a FC6 request PDU.
func EncodeWriteSingleRegisterRequest(address, value uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = byte(WriteSingleRegister)
	binary.BigEndian.PutUint16(pdu[1:3], address)
	binary.BigEndian.PutUint16(pdu[3:5], value)
	return pdu
}

// EncodeWriteMultipleRegistersRequest packs a FC16 request PDU.
func EncodeWriteMultipleRegistersRequest(address uint16, values []uint16) ([]byte, error) {
	if len(values) == 0 || len(values) > MaxWriteCount {
		return nil, common.ErrInvalidCount
	}
	byteCount := len(values) * 2
	pdu := make([]byte, 6+byteCount)
	pdu[0] = byte(WriteMultipleRegisters)
	binary.BigEndian.PutUint16(pdu[1:3], address)
	binary.BigEndian.PutUint16(pdu[3:5], uint16(len(values)))
	pdu[5] = byte(byteCount)
	for i, v := range values {
		binary.BigEndian.PutUint16(pdu[6+2*i:8+2*i], v)
	}
	return pdu, nil
}

// --- PDU decoding (response bodies) ---

// DecodeRegistersResponse parses a FC3/4 response PDU into words.
func DecodeRegistersResponse(pdu []byte) ([]uint16, error) {
	if len(pdu) < 2 {
		return nil, common.ErrInvalidPacket
	}
	byteCount := int(pdu[1])
	if len(pdu) < 2+byteCount || byteCount%2 != 0 {
		return nil, common.ErrInvalidPacket
	}
	words := make([]uint16, byteCount/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(pdu[2+2*i : 4+2*i])
	}
	return words, nil
}

// DecodeBitsResponse parses a FC1/2 response PDU into count bits.
func DecodeBitsResponse(pdu []byte, count int) ([]bool, error) {
	if len(pdu) < 2 {
		return nil, common.ErrInvalidPacket
	}
	byteCount := int(pdu[1])
	if len(pdu) < 2+byteCount {
		return nil, common.ErrInvalidPacket
	}
	bits := make([]bool, count)
	for i := 0; i < count; i++ {
		byteIdx := i / 8
		bitIdx := uint(i % 8)
		if byteIdx >= byteCount {
			break
		}
		bits[i] = pdu[2+byteIdx]&(1<<bitIdx) != 0
	}
	return bits, nil
}

// DecodeWriteSingleResponse parses a FC5/6 echo response PDU.
func DecodeWriteSingleResponse(pdu []byte) (address, value uint16, err error) {
	if len(pdu) < 5 {
		return 0, 0, common.ErrInvalidPacket
	}
	address = binary.BigEndian.Uint16(pdu[1:3])
	value = binary.BigEndian.Uint16(pdu[3:5])
	return address, value, nil
}

// DecodeWriteMultipleResponse parses a FC16 response PDU.
func DecodeWriteMultipleResponse(pdu []byte) (address, count uint16, err error) {
	if len(pdu) < 5 {
		return 0, 0, common.ErrInvalidPacket
	}
	address = binary.BigEndian.Uint16(pdu[1:3])
	count = binary.BigEndian.Uint16(pdu[3:5])
	return address, count, nil
}

// DecodeException parses a PDU whose function code has the exception bit
// set into a *common.Error of KindModbusException.
func DecodeException(pdu []byte) error {
	if len(pdu) < 2 {
		return common.ErrInvalidPacket
	}
	return common.NewException(pdu[1])
}

// --- RTU CRC-16 (polynomial 0xA001, initial 0xFFFF) ---

// CRC16 computes the Modbus RTU checksum over data.
func CRC16(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// BuildRTUFrame appends unitID+pdu with a little-endian trailing CRC-16.
func BuildRTUFrame(unitID byte, pdu []byte) []byte {
	body := make([]byte, 1+len(pdu))
	body[0] = unitID
	copy(body[1:], pdu)
	crc := CRC16(body)
	frame := make([]byte, len(body)+2)
	copy(frame, body)
	frame[len(body)] = byte(crc)
	frame[len(body)+1] = byte(crc >> 8)
	return frame
}

// ParseRTUFrame validates the CRC and splits an RTU ADU into unit id + PDU.
func ParseRTUFrame(frame []byte) (unitID byte, pdu []byte, err error) {
	if len(frame) < 4 {
		return 0, nil, common.ErrInvalidPacket
	}
	body := frame[:len(frame)-2]
	wantCRC := binary.LittleEndian.Uint16(frame[len(frame)-2:])
	if CRC16(body) != wantCRC {
		return 0, nil, common.ErrInvalidChecksum
	}
	return body[0], body[1:], nil
}

// --- TCP MBAP framing ---

// MBAPHeader is the 7-byte header prefixing every Modbus TCP ADU.
type MBAPHeader struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	UnitID        byte
}

// BuildTCPFrame prepends an MBAP header to pdu. Length counts the unit id
// byte plus the PDU, per the Modbus TCP spec.
func BuildTCPFrame(transactionID uint16, unitID byte, pdu []byte) []byte {
	frame := make([]byte, 7+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], transactionID)
	binary.BigEndian.PutUint16(frame[2:4], 0)
	binary.BigEndian.PutUint16(frame[4:6], uint16(1+len(pdu)))
	frame[6] = unitID
	copy(frame[7:], pdu)
	return frame
}

// ParseTCPFrame splits a Modbus TCP ADU into its header and PDU, validating
// the embedded length field.
func ParseTCPFrame(frame []byte) (MBAPHeader, []byte, error) {
	if len(frame) < 8 {
		return MBAPHeader{}, nil, common.ErrInvalidPacket
	}
	h := MBAPHeader{
		TransactionID: binary.BigEndian.Uint16(frame[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(frame[2:4]),
		Length:        binary.BigEndian.Uint16(frame[4:6]),
		UnitID:        frame[6],
	}
	if h.ProtocolID != 0 {
		return MBAPHeader{}, nil, common.ErrInvalidPacket
	}
	if int(h.Length) != len(frame)-6 {
		return MBAPHeader{}, nil, common.ErrWrittenLengthDoesNotMatch
	}
	return h, frame[7:], nil
}
