package decode

import "regexp"

// ByteOrder is the assembly order of 16-bit words into a wider value (§4.3,
// §GLOSSARY). For single-register types, only the first two letters apply
// (word-internal byte order).
type ByteOrder string

const (
	ABCD ByteOrder = "ABCD"
	CDAB ByteOrder = "CDAB"
	BADC ByteOrder = "BADC"
	DCBA ByteOrder = "DCBA"
)

var (
	chinaMakeRe    = regexp.MustCompile(`(?i)china|energy analyzer`)
	schneiderMakeRe = regexp.MustCompile(`(?i)schneider`)
	siemensMakeRe   = regexp.MustCompile(`(?i)siemens`)
)

// DefaultByteOrderFor returns the vendor default byte order (§4.3 step 4)
// for a device whose make string is given.
func DefaultByteOrderFor(make string) ByteOrder {
	switch {
	case chinaMakeRe.MatchString(make):
		return CDAB
	case schneiderMakeRe.MatchString(make):
		return ABCD
	case siemensMakeRe.MatchString(make):
		return BADC
	default:
		return ABCD
	}
}

// assembleBytes packs wordCount consecutive words starting at words[0] into
// a byte buffer ordered per order, following §4.3 step 2's four wire
// layouts for 2-word values and the AB/BA rule for 1-word values.
func assembleBytes(words []uint16, order ByteOrder) []byte {
	if len(words) == 1 {
		hi, lo := byte(words[0]>>8), byte(words[0])
		if len(order) >= 2 && order[:2] == "BA" {
			return []byte{lo, hi}
		}
		return []byte{hi, lo}
	}

	w0, w1 := words[0], words[1]
	hi0, lo0 := byte(w0>>8), byte(w0)
	hi1, lo1 := byte(w1>>8), byte(w1)
	switch order {
	case CDAB:
		return []byte{hi1, lo1, hi0, lo0}
	case BADC:
		return []byte{lo0, hi0, lo1, hi1}
	case DCBA:
		return []byte{lo1, hi1, lo0, hi0}
	default: // ABCD
		return []byte{hi0, lo0, hi1, lo1}
	}
}
