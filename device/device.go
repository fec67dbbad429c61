// Package device holds the gateway's input data model (§3): device
// definitions as read from the external configuration store, immutable
// from the core's perspective between reloads (§6: "the core requires
// read-at-start semantics; it does not re-read the definition mid-lifetime
// of a poller").
package device

import "time"

// DataType is a parameter's decoded scalar type (§3).
type DataType string

const (
	BIT     DataType = "BIT"
	INT16   DataType = "INT16"
	UINT16  DataType = "UINT16"
	INT32   DataType = "INT32"
	UINT32  DataType = "UINT32"
	FLOAT32 DataType = "FLOAT32"
)

// WordCount returns the number of 16-bit registers this data type spans,
// the implied default when a parameter omits wordCount.
func (d DataType) WordCount() int {
	switch d {
	case INT32, UINT32, FLOAT32:
		return 2
	default:
		return 1
	}
}

// FunctionCode identifies which Modbus read operation a Range uses.
type FunctionCode int

const (
	FCReadCoils            FunctionCode = 1
	FCReadDiscreteInputs   FunctionCode = 2
	FCReadHoldingRegisters FunctionCode = 3
	FCReadInputRegisters   FunctionCode = 4
)

// Range is one contiguous block of registers/coils to read in a single
// Modbus request (§3).
type Range struct {
	StartAddress uint16
	Count        uint16
	FC           FunctionCode
}

// Parameter describes how to decode one named value out of a Range's raw
// words (§3, §4.3).
type Parameter struct {
	Name            string
	Tag             string // optional external correlation id, passed through unmodified
	DataType        DataType
	RegisterIndex   uint16
	WordCount       int // 0 means "use DataType.WordCount()"
	ByteOrder       string // "", ABCD, CDAB, BADC, DCBA; "" means vendor default
	ScalingFactor   float64 // 0 means "use 1"
	ScalingEquation string  // optional, expression in x
	DecimalPoint    *int    // nil means "do not round"
	Unit            string
	MinValue        *float64
	MaxValue        *float64
	Bitmask         *uint16
	BitPosition     *int
}

// EffectiveWordCount resolves the implied word count per §3.
func (p Parameter) EffectiveWordCount() int {
	if p.WordCount > 0 {
		return p.WordCount
	}
	return p.DataType.WordCount()
}

// EffectiveScalingFactor resolves the default scaling factor of 1 (§3).
func (p Parameter) EffectiveScalingFactor() float64 {
	if p.ScalingFactor == 0 {
		return 1
	}
	return p.ScalingFactor
}

// Parser is the ordered list of parameters decoded out of one Range.
type Parser struct {
	Parameters []Parameter
}

// DataPoint pairs one register range with the parser that decodes it (§3).
type DataPoint struct {
	Range       Range
	Parser      Parser
	Description string // optional free text, never interpreted by the core
}

// ConnectionKind distinguishes the two transport families a device can use.
type ConnectionKind string

const (
	ConnectionTCP ConnectionKind = "TCP"
	ConnectionRTU ConnectionKind = "RTU"
)

// Parity is the RTU serial parity setting.
type Parity string

const (
	ParityNone Parity = "none"
	ParityEven Parity = "even"
	ParityOdd  Parity = "odd"
)

// Connection is the tagged union of a device's transport configuration
// (§3). Only one of TCP/RTU is populated, selected by Kind.
type Connection struct {
	Kind ConnectionKind

	// TCP fields (UnitID is used by both kinds).
	IP     string
	Port   int
	UnitID uint16

	// RTU fields.
	SerialPort string
	BaudRate   int
	DataBits   int
	StopBits   int
	ParityBit  Parity
}

// ConnectionOptions carries the advanced.connectionOptions block (§3).
type ConnectionOptions struct {
	Timeout          time.Duration
	Retries          int
	RetryInterval    time.Duration
	AutoReconnect    bool
	ReconnectInterval time.Duration
	// MaxConcurrentRanges caps how many of a device's ranges are read
	// concurrently per tick (SPEC_FULL §3 addition); 0 or 1
	// means sequential, matching §4.5's "for each range in order".
	MaxConcurrentRanges int
}

// Definition is a device definition as read from the external
// configuration store (§3). Opaque, 24-hex-character id in the current
// deployment — treated as an opaque string by the core.
type Definition struct {
	ID      string
	Name    string
	Make    string
	Model   string
	Enabled bool

	Connection Connection

	PollingInterval time.Duration
	Advanced        ConnectionOptions

	DataPoints []DataPoint
}

// ClampedPollingInterval applies §3's clamp: [1s, 60s], default 30s.
func (d Definition) ClampedPollingInterval() time.Duration {
	iv := d.PollingInterval
	if iv == 0 {
		iv = 30 * time.Second
	}
	if iv < time.Second {
		return time.Second
	}
	if iv > 60*time.Second {
		return 60 * time.Second
	}
	return iv
}
