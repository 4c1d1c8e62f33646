package protocol

import "math"

// Quat is a unit rotation quaternion.
type Quat struct {
	X, Y, Z, W float32
}

// quatScale maps a component in [-1/sqrt2, 1/sqrt2] onto [-512, 511].
const quatScale = 512.0 * math.Sqrt2

// quatStealthSentinel is written in place of a compressed rotation inside a
// stealth pose body. It is never produced for a real rotation because the
// encoder canonicalizes the sign of the largest component.
const quatStealthSentinel uint32 = 0xFFFFFFFF

// EncodeQuaternion compresses q with the smallest-three scheme: a 2-bit index
// of the largest-magnitude component, then the remaining three as signed
// 10-bit integers scaled by sqrt2. q and -q encode identically; the quaternion
// is negated so the omitted component is non-negative, which is what lets the
// decoder recover it from the unit-length constraint alone.
func EncodeQuaternion(q Quat) uint32 {
	c := [4]float32{q.X, q.Y, q.Z, q.W}
	largest := 0
	for i := 1; i < 4; i++ {
		if abs32(c[i]) > abs32(c[largest]) {
			largest = i
		}
	}
	if c[largest] < 0 {
		for i := range c {
			c[i] = -c[i]
		}
	}

	out := uint32(largest) << 30
	shift := uint(20)
	for i := 0; i < 4; i++ {
		if i == largest {
			continue
		}
		v := int32(math.Round(float64(c[i]) * quatScale))
		if v > 511 {
			v = 511
		} else if v < -512 {
			v = -512
		}
		out |= uint32(v&0x3FF) << shift
		shift -= 10
	}
	return out
}

// DecodeQuaternion reverses EncodeQuaternion. The result is normalized up to
// quantization error; each component is within 1e-3 of the canonical input.
func DecodeQuaternion(u uint32) Quat {
	largest := int(u >> 30)
	var c [4]float32
	shift := uint(20)
	sumSq := float64(0)
	for i := 0; i < 4; i++ {
		if i == largest {
			continue
		}
		v := int32(u>>shift) & 0x3FF
		if v&0x200 != 0 {
			v -= 0x400
		}
		f := float32(float64(v) / quatScale)
		c[i] = f
		sumSq += float64(f) * float64(f)
		shift -= 10
	}
	rest := 1 - sumSq
	if rest < 0 {
		rest = 0
	}
	c[largest] = float32(math.Sqrt(rest))
	return Quat{X: c[0], Y: c[1], Z: c[2], W: c[3]}
}

func abs32(f float32) float32 {
	return float32(math.Abs(float64(f)))
}

func quatIsNaN(q Quat) bool {
	return isNaN32(q.X) || isNaN32(q.Y) || isNaN32(q.Z) || isNaN32(q.W)
}

func isNaN32(f float32) bool { return f != f }
