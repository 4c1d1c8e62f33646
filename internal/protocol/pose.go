package protocol

import "math"

// Pose flags (first byte of every pose body).
const (
	FlagRightHand   byte = 1 << 0
	FlagLeftHand    byte = 1 << 1
	FlagVirtuals    byte = 1 << 2
	FlagStealth     byte = 1 << 3
	FlagPhysicalYaw byte = 1 << 4
)

// Fixed-point quantization parameters. Absolute positions are 24-bit at 1 cm
// resolution; head-relative positions are 16-bit at 5 mm; yaw is 16-bit at
// 0.1 degrees. Out-of-range values clamp; the most-negative code point is
// reserved as the stealth NaN sentinel and is never produced by clamping.
const (
	absResolution = 0.01
	relResolution = 0.005
	yawResolution = 0.1

	absMax = 1<<23 - 1 // ±83886.07 m
	relMax = 1<<15 - 1 // ±163.835 m
	yawMax = 1<<15 - 1

	absStealthSentinel int32 = -1 << 23
	relStealthSentinel int16 = -1 << 15
	yawStealthSentinel int16 = -1 << 15
)

// Vec3 is a position in meters.
type Vec3 struct {
	X, Y, Z float32
}

// Transform pairs a position with a rotation.
type Transform struct {
	Pos Vec3
	Rot Quat
}

// Pose is the decoded contents of a pose body: one absolute head transform,
// an optional yaw-only ground reference, optional hands (head-relative), and
// up to MaxVirtuals extra tracked objects (head-relative).
type Pose struct {
	Head           Transform
	PhysicalYaw    float32
	HasPhysicalYaw bool
	RightHand      *Transform
	LeftHand       *Transform
	Virtuals       []Transform
	Stealth        bool
}

// The quantizers clamp in float64 space before narrowing: converting an
// out-of-range float to a signed integer does not saturate in Go, so clamping
// after the conversion would flip large positive inputs to the negative
// extreme.

func quantAbs(m float32) int32 {
	if isNaN32(m) {
		return absStealthSentinel
	}
	f := math.Round(float64(m) / absResolution)
	if f > absMax {
		return absMax
	}
	if f < -absMax {
		return -absMax
	}
	return int32(f)
}

func dequantAbs(v int32, stealth bool) float32 {
	if stealth && v == absStealthSentinel {
		return float32(math.NaN())
	}
	return float32(float64(v) * absResolution)
}

func quantRel(m float32) int16 {
	if isNaN32(m) {
		return relStealthSentinel
	}
	f := math.Round(float64(m) / relResolution)
	if f > relMax {
		return relMax
	}
	if f < -relMax {
		return -relMax
	}
	return int16(f)
}

func dequantRel(v int16, stealth bool) float32 {
	if stealth && v == relStealthSentinel {
		return float32(math.NaN())
	}
	return float32(float64(v) * relResolution)
}

func quantYaw(deg float32) int16 {
	if isNaN32(deg) {
		return yawStealthSentinel
	}
	f := math.Round(float64(deg) / yawResolution)
	if f > yawMax {
		return yawMax
	}
	if f < -yawMax {
		return -yawMax
	}
	return int16(f)
}

func dequantYaw(v int16, stealth bool) float32 {
	if stealth && v == yawStealthSentinel {
		return float32(math.NaN())
	}
	return float32(float64(v) * yawResolution)
}

func (p *Pose) flags() byte {
	var f byte
	if p.RightHand != nil {
		f |= FlagRightHand
	}
	if p.LeftHand != nil {
		f |= FlagLeftHand
	}
	if len(p.Virtuals) > 0 {
		f |= FlagVirtuals
	}
	if p.Stealth {
		f |= FlagStealth
	}
	if p.HasPhysicalYaw {
		f |= FlagPhysicalYaw
	}
	return f
}

func appendRotation(dst []byte, q Quat) []byte {
	if quatIsNaN(q) {
		return appendU32(dst, quatStealthSentinel)
	}
	return appendU32(dst, EncodeQuaternion(q))
}

func decodeRotation(u uint32, stealth bool) Quat {
	if stealth && u == quatStealthSentinel {
		nan := float32(math.NaN())
		return Quat{X: nan, Y: nan, Z: nan, W: nan}
	}
	return DecodeQuaternion(u)
}

// AppendPoseBody encodes p and appends the body (starting at the flags byte)
// to dst. Reserved flag bits are always zero on encode.
func AppendPoseBody(dst []byte, p *Pose) ([]byte, error) {
	if len(p.Virtuals) > MaxVirtuals {
		return nil, malformed("%d virtual transforms exceeds cap of %d", len(p.Virtuals), MaxVirtuals)
	}
	dst = append(dst, p.flags())

	dst = appendI24(dst, quantAbs(p.Head.Pos.X))
	dst = appendI24(dst, quantAbs(p.Head.Pos.Y))
	dst = appendI24(dst, quantAbs(p.Head.Pos.Z))
	dst = appendRotation(dst, p.Head.Rot)

	if p.HasPhysicalYaw {
		dst = appendI16(dst, quantYaw(p.PhysicalYaw))
	}
	if p.RightHand != nil {
		dst = appendRelTransform(dst, *p.RightHand)
	}
	if p.LeftHand != nil {
		dst = appendRelTransform(dst, *p.LeftHand)
	}
	if len(p.Virtuals) > 0 {
		dst = append(dst, byte(len(p.Virtuals)))
		for _, v := range p.Virtuals {
			dst = appendRelTransform(dst, v)
		}
	}
	return dst, nil
}

func appendRelTransform(dst []byte, t Transform) []byte {
	dst = appendI16(dst, quantRel(t.Pos.X))
	dst = appendI16(dst, quantRel(t.Pos.Y))
	dst = appendI16(dst, quantRel(t.Pos.Z))
	return appendRotation(dst, t.Rot)
}

// decodePoseBody reads one pose body from r.
func decodePoseBody(r *reader) (*Pose, error) {
	flags, err := r.u8()
	if err != nil {
		return nil, err
	}
	p := &Pose{Stealth: flags&FlagStealth != 0}

	x, err := r.i24()
	if err != nil {
		return nil, err
	}
	y, err := r.i24()
	if err != nil {
		return nil, err
	}
	z, err := r.i24()
	if err != nil {
		return nil, err
	}
	rot, err := r.u32()
	if err != nil {
		return nil, err
	}
	p.Head = Transform{
		Pos: Vec3{X: dequantAbs(x, p.Stealth), Y: dequantAbs(y, p.Stealth), Z: dequantAbs(z, p.Stealth)},
		Rot: decodeRotation(rot, p.Stealth),
	}

	if flags&FlagPhysicalYaw != 0 {
		yaw, err := r.i16()
		if err != nil {
			return nil, err
		}
		p.PhysicalYaw = dequantYaw(yaw, p.Stealth)
		p.HasPhysicalYaw = true
	}
	if flags&FlagRightHand != 0 {
		t, err := decodeRelTransform(r, p.Stealth)
		if err != nil {
			return nil, err
		}
		p.RightHand = t
	}
	if flags&FlagLeftHand != 0 {
		t, err := decodeRelTransform(r, p.Stealth)
		if err != nil {
			return nil, err
		}
		p.LeftHand = t
	}
	if flags&FlagVirtuals != 0 {
		count, err := r.u8()
		if err != nil {
			return nil, err
		}
		if int(count) > MaxVirtuals {
			return nil, malformed("virtual transform count %d exceeds cap of %d", count, MaxVirtuals)
		}
		p.Virtuals = make([]Transform, 0, count)
		for i := 0; i < int(count); i++ {
			t, err := decodeRelTransform(r, p.Stealth)
			if err != nil {
				return nil, err
			}
			p.Virtuals = append(p.Virtuals, *t)
		}
	}
	return p, nil
}

func decodeRelTransform(r *reader, stealth bool) (*Transform, error) {
	x, err := r.i16()
	if err != nil {
		return nil, err
	}
	y, err := r.i16()
	if err != nil {
		return nil, err
	}
	z, err := r.i16()
	if err != nil {
		return nil, err
	}
	rot, err := r.u32()
	if err != nil {
		return nil, err
	}
	return &Transform{
		Pos: Vec3{X: dequantRel(x, stealth), Y: dequantRel(y, stealth), Z: dequantRel(z, stealth)},
		Rot: decodeRotation(rot, stealth),
	}, nil
}

// DecodePoseBody decodes a standalone pose body. Trailing bytes are malformed.
func DecodePoseBody(body []byte) (*Pose, error) {
	r := newReader(body)
	p, err := decodePoseBody(r)
	if err != nil {
		return nil, err
	}
	if r.remaining() != 0 {
		return nil, malformed("%d trailing bytes after pose body", r.remaining())
	}
	return p, nil
}

// skipPoseBody walks one pose body without materializing it, returning its
// flags byte. Used to slice raw bodies out of incoming frames so they can be
// cached and rebroadcast verbatim.
func skipPoseBody(r *reader) (flags byte, err error) {
	flags, err = r.u8()
	if err != nil {
		return 0, err
	}
	skip := func(n int) error {
		if r.remaining() < n {
			return malformed("pose body truncated at offset %d", r.off)
		}
		r.off += n
		return nil
	}
	if err := skip(3*3 + 4); err != nil { // head position + rotation
		return 0, err
	}
	if flags&FlagPhysicalYaw != 0 {
		if err := skip(2); err != nil {
			return 0, err
		}
	}
	hands := 0
	if flags&FlagRightHand != 0 {
		hands++
	}
	if flags&FlagLeftHand != 0 {
		hands++
	}
	if err := skip(hands * (3*2 + 4)); err != nil {
		return 0, err
	}
	if flags&FlagVirtuals != 0 {
		count, err := r.u8()
		if err != nil {
			return 0, err
		}
		if int(count) > MaxVirtuals {
			return 0, malformed("virtual transform count %d exceeds cap of %d", count, MaxVirtuals)
		}
		if err := skip(int(count) * (3*2 + 4)); err != nil {
			return 0, err
		}
	}
	return flags, nil
}
