package value

import (
	"encoding/binary"
	"math"
)

// Canonical tags, one byte per kind. The tag namespace is part of the wire
// contract: changing it invalidates every stored signature and cache key.
const (
	tagNull   = 'n'
	tagFalse  = 'f'
	tagTrue   = 't'
	tagInt    = 'i'
	tagFloat  = 'd'
	tagString = 's'
	tagBytes  = 'b'
	tagList   = 'l'
	tagMap    = 'm'
)

// Canonical returns the deterministic byte serialization of v.
//
// The encoding is a length-prefixed tagged form:
//
//	null          'n'
//	bool          't' | 'f'
//	int64         'i' + 8-byte big-endian two's complement
//	float64       'd' + 8-byte big-endian IEEE 754 bits
//	string        's' + u32 length + raw bytes
//	bytes         'b' + u32 length + raw bytes
//	list          'l' + u32 count + canonical(elem)...
//	map           'm' + u32 count + (canonical(key) + canonical(val))...
//	              with keys in ascending byte order
//
// Properties relied on throughout the engine:
//   - Canonical(a) == Canonical(b) iff Equal(a, b), except for floats:
//     a NaN encodes identically to itself but never compares Equal, and
//     0 and -0 compare Equal but encode differently
//   - binary-safe: strings and bytes may contain any byte sequence
//   - int64 and float64 never collide (distinct tags)
//
// Every cache key, checkpoint signature, and content address is derived
// from this form, which is what makes keys comparable across nodes.
func Canonical(v Value) []byte {
	buf := make([]byte, 0, canonicalSize(v))
	return appendCanonical(buf, v)
}

// canonicalSize computes the exact encoded size so Canonical allocates once.
func canonicalSize(v Value) int {
	switch v.kind {
	case KindNull, KindBool:
		return 1
	case KindInt, KindFloat:
		return 9
	case KindString:
		return 5 + len(v.s)
	case KindBytes:
		return 5 + len(v.raw)
	case KindList:
		n := 5
		for _, e := range v.list {
			n += canonicalSize(e)
		}
		return n
	case KindMap:
		n := 5
		for k, e := range v.m {
			n += 5 + len(k) + canonicalSize(e)
		}
		return n
	default:
		return 1
	}
}

func appendCanonical(buf []byte, v Value) []byte {
	switch v.kind {
	case KindNull:
		return append(buf, tagNull)
	case KindBool:
		if v.b {
			return append(buf, tagTrue)
		}
		return append(buf, tagFalse)
	case KindInt:
		buf = append(buf, tagInt)
		return binary.BigEndian.AppendUint64(buf, uint64(v.i)) // #nosec G115 -- two's complement round-trip
	case KindFloat:
		buf = append(buf, tagFloat)
		return binary.BigEndian.AppendUint64(buf, math.Float64bits(v.f))
	case KindString:
		buf = append(buf, tagString)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.s))) // #nosec G115 -- length prefix
		return append(buf, v.s...)
	case KindBytes:
		buf = append(buf, tagBytes)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.raw))) // #nosec G115 -- length prefix
		return append(buf, v.raw...)
	case KindList:
		buf = append(buf, tagList)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.list))) // #nosec G115 -- length prefix
		for _, e := range v.list {
			buf = appendCanonical(buf, e)
		}
		return buf
	case KindMap:
		buf = append(buf, tagMap)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.m))) // #nosec G115 -- length prefix
		for _, k := range sortedKeys(v.m) {
			buf = appendCanonical(buf, String(k))
			buf = appendCanonical(buf, v.m[k])
		}
		return buf
	default:
		return append(buf, tagNull)
	}
}
