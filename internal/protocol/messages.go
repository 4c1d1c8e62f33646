package protocol

import "unicode/utf8"

// ClientPose is a decoded CLIENT_POSE (type 11) payload. Body is the raw pose
// body starting at the flags byte, aliasing the incoming frame; callers that
// retain it past the frame's lifetime must copy it.
type ClientPose struct {
	DeviceID string
	Sequence uint32
	Body     []byte
	Stealth  bool
}

// DecodeClientPose validates and decodes a CLIENT_POSE payload. The pose body
// is length-checked but not materialized; it is returned verbatim for caching.
func DecodeClientPose(payload []byte) (*ClientPose, error) {
	r := newReader(payload)
	if err := expectType(r, TypeClientPose); err != nil {
		return nil, err
	}
	if err := expectVersion(r); err != nil {
		return nil, err
	}
	dev, err := r.bytesU8()
	if err != nil {
		return nil, err
	}
	if err := validateDeviceID(dev); err != nil {
		return nil, err
	}
	seq, err := r.u32()
	if err != nil {
		return nil, err
	}
	bodyStart := r.off
	flags, err := skipPoseBody(r)
	if err != nil {
		return nil, err
	}
	if r.remaining() != 0 {
		return nil, malformed("%d trailing bytes after pose body", r.remaining())
	}
	return &ClientPose{
		DeviceID: string(dev),
		Sequence: seq,
		Body:     payload[bodyStart:],
		Stealth:  flags&FlagStealth != 0,
	}, nil
}

// AppendClientPose builds a CLIENT_POSE payload. Used by tests and by client
// tooling; the server itself only decodes this type.
func AppendClientPose(dst []byte, deviceID string, seq uint32, p *Pose) ([]byte, error) {
	if err := validateDeviceID([]byte(deviceID)); err != nil {
		return nil, err
	}
	dst = append(dst, TypeClientPose, Version)
	dst = appendBytesU8(dst, []byte(deviceID))
	dst = appendU32(dst, seq)
	return AppendPoseBody(dst, p)
}

// RoomPoseEntry is one client slot inside a ROOM_POSE broadcast.
type RoomPoseEntry struct {
	ClientNo uint16
	Body     []byte // raw pose body, spliced in verbatim
}

// AppendRoomPose builds a ROOM_POSE (type 12) payload from cached raw bodies.
// Entries must already be in ascending client-number order.
func AppendRoomPose(dst []byte, roomID string, entries []RoomPoseEntry) []byte {
	dst = append(dst, TypeRoomPose, Version)
	dst = appendBytesU8(dst, []byte(roomID))
	dst = appendU16(dst, uint16(len(entries)))
	for _, e := range entries {
		dst = appendU16(dst, e.ClientNo)
		dst = append(dst, e.Body...)
	}
	return dst
}

// DecodeRoomPose decodes a ROOM_POSE payload. Entry bodies alias the payload.
func DecodeRoomPose(payload []byte) (roomID string, entries []RoomPoseEntry, err error) {
	r := newReader(payload)
	if err = expectType(r, TypeRoomPose); err != nil {
		return "", nil, err
	}
	if err = expectVersion(r); err != nil {
		return "", nil, err
	}
	room, err := r.bytesU8()
	if err != nil {
		return "", nil, err
	}
	count, err := r.u16()
	if err != nil {
		return "", nil, err
	}
	entries = make([]RoomPoseEntry, 0, count)
	for i := 0; i < int(count); i++ {
		no, err := r.u16()
		if err != nil {
			return "", nil, err
		}
		start := r.off
		if _, err := skipPoseBody(r); err != nil {
			return "", nil, err
		}
		entries = append(entries, RoomPoseEntry{ClientNo: no, Body: payload[start:r.off]})
	}
	if r.remaining() != 0 {
		return "", nil, malformed("%d trailing bytes after room pose", r.remaining())
	}
	return string(room), entries, nil
}

// RPC is a decoded RPC envelope. Target is meaningful only for TypeRPCClient.
// Args is an opaque UTF-8 JSON blob; the server never parses it.
type RPC struct {
	Type     byte
	Sender   uint16
	Target   uint16
	Function string
	Args     string
}

// DecodeRPC decodes any of the three RPC message types.
func DecodeRPC(payload []byte) (*RPC, error) {
	r := newReader(payload)
	typ, err := r.u8()
	if err != nil {
		return nil, err
	}
	if typ != TypeRPCBroadcast && typ != TypeRPCServer && typ != TypeRPCClient {
		return nil, malformed("message type %d is not an RPC", typ)
	}
	m := &RPC{Type: typ}
	if m.Sender, err = r.u16(); err != nil {
		return nil, err
	}
	if typ == TypeRPCClient {
		if m.Target, err = r.u16(); err != nil {
			return nil, err
		}
	}
	fn, err := r.bytesU8()
	if err != nil {
		return nil, err
	}
	args, err := r.bytesU16()
	if err != nil {
		return nil, err
	}
	if r.remaining() != 0 {
		return nil, malformed("%d trailing bytes after RPC", r.remaining())
	}
	m.Function = string(fn)
	m.Args = string(args)
	return m, nil
}

// AppendRPC builds an RPC payload of m.Type.
func AppendRPC(dst []byte, m *RPC) []byte {
	dst = append(dst, m.Type)
	dst = appendU16(dst, m.Sender)
	if m.Type == TypeRPCClient {
		dst = appendU16(dst, m.Target)
	}
	dst = appendBytesU8(dst, []byte(m.Function))
	return appendBytesU16(dst, []byte(m.Args))
}

// VarSet is a decoded GLOBAL_VAR_SET or CLIENT_VAR_SET payload. Target is
// meaningful only for the client-scoped form.
type VarSet struct {
	Type      byte
	Sender    uint16
	Target    uint16
	Name      string
	Value     string
	Timestamp float64
}

// DecodeVarSet decodes either variable-write message type, enforcing the
// name and value caps.
func DecodeVarSet(payload []byte) (*VarSet, error) {
	r := newReader(payload)
	typ, err := r.u8()
	if err != nil {
		return nil, err
	}
	if typ != TypeGlobalVarSet && typ != TypeClientVarSet {
		return nil, malformed("message type %d is not a variable write", typ)
	}
	m := &VarSet{Type: typ}
	if m.Sender, err = r.u16(); err != nil {
		return nil, err
	}
	if typ == TypeClientVarSet {
		if m.Target, err = r.u16(); err != nil {
			return nil, err
		}
	}
	name, err := r.bytesU8()
	if err != nil {
		return nil, err
	}
	value, err := r.bytesU16()
	if err != nil {
		return nil, err
	}
	if m.Timestamp, err = r.f64(); err != nil {
		return nil, err
	}
	if r.remaining() != 0 {
		return nil, malformed("%d trailing bytes after variable write", r.remaining())
	}
	if err := ValidateVarName(string(name)); err != nil {
		return nil, err
	}
	if err := ValidateVarValue(string(value)); err != nil {
		return nil, err
	}
	m.Name = string(name)
	m.Value = string(value)
	return m, nil
}

// AppendVarSet builds a variable-write payload of m.Type.
func AppendVarSet(dst []byte, m *VarSet) []byte {
	dst = append(dst, m.Type)
	dst = appendU16(dst, m.Sender)
	if m.Type == TypeClientVarSet {
		dst = appendU16(dst, m.Target)
	}
	dst = appendBytesU8(dst, []byte(m.Name))
	dst = appendBytesU16(dst, []byte(m.Value))
	return appendF64(dst, m.Timestamp)
}

// VarEntry is one synchronized variable as carried by sync broadcasts.
type VarEntry struct {
	Name      string
	Value     string
	Timestamp float64
	Writer    uint16
}

// AppendGlobalVarSync builds a GLOBAL_VAR_SYNC (type 8) payload.
func AppendGlobalVarSync(dst []byte, entries []VarEntry) []byte {
	dst = append(dst, TypeGlobalVarSync)
	dst = appendU16(dst, uint16(len(entries)))
	for _, e := range entries {
		dst = appendVarEntry(dst, e)
	}
	return dst
}

// ClientVars groups one client's entries inside a CLIENT_VAR_SYNC.
type ClientVars struct {
	ClientNo uint16
	Entries  []VarEntry
}

// AppendClientVarSync builds a CLIENT_VAR_SYNC (type 10) payload.
func AppendClientVarSync(dst []byte, clients []ClientVars) []byte {
	dst = append(dst, TypeClientVarSync)
	dst = appendU16(dst, uint16(len(clients)))
	for _, c := range clients {
		dst = appendU16(dst, c.ClientNo)
		dst = appendU16(dst, uint16(len(c.Entries)))
		for _, e := range c.Entries {
			dst = appendVarEntry(dst, e)
		}
	}
	return dst
}

func appendVarEntry(dst []byte, e VarEntry) []byte {
	dst = appendBytesU8(dst, []byte(e.Name))
	dst = appendBytesU16(dst, []byte(e.Value))
	dst = appendF64(dst, e.Timestamp)
	return appendU16(dst, e.Writer)
}

// DecodeGlobalVarSync decodes a GLOBAL_VAR_SYNC payload. Client tooling and
// tests use this; the server only encodes sync messages.
func DecodeGlobalVarSync(payload []byte) ([]VarEntry, error) {
	r := newReader(payload)
	if err := expectType(r, TypeGlobalVarSync); err != nil {
		return nil, err
	}
	count, err := r.u16()
	if err != nil {
		return nil, err
	}
	entries := make([]VarEntry, 0, count)
	for i := 0; i < int(count); i++ {
		e, err := decodeVarEntry(r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if r.remaining() != 0 {
		return nil, malformed("%d trailing bytes after variable sync", r.remaining())
	}
	return entries, nil
}

// DecodeClientVarSync decodes a CLIENT_VAR_SYNC payload.
func DecodeClientVarSync(payload []byte) ([]ClientVars, error) {
	r := newReader(payload)
	if err := expectType(r, TypeClientVarSync); err != nil {
		return nil, err
	}
	clientCount, err := r.u16()
	if err != nil {
		return nil, err
	}
	clients := make([]ClientVars, 0, clientCount)
	for i := 0; i < int(clientCount); i++ {
		no, err := r.u16()
		if err != nil {
			return nil, err
		}
		varCount, err := r.u16()
		if err != nil {
			return nil, err
		}
		entries := make([]VarEntry, 0, varCount)
		for j := 0; j < int(varCount); j++ {
			e, err := decodeVarEntry(r)
			if err != nil {
				return nil, err
			}
			entries = append(entries, e)
		}
		clients = append(clients, ClientVars{ClientNo: no, Entries: entries})
	}
	if r.remaining() != 0 {
		return nil, malformed("%d trailing bytes after variable sync", r.remaining())
	}
	return clients, nil
}

func decodeVarEntry(r *reader) (VarEntry, error) {
	var e VarEntry
	name, err := r.bytesU8()
	if err != nil {
		return e, err
	}
	value, err := r.bytesU16()
	if err != nil {
		return e, err
	}
	if e.Timestamp, err = r.f64(); err != nil {
		return e, err
	}
	if e.Writer, err = r.u16(); err != nil {
		return e, err
	}
	e.Name = string(name)
	e.Value = string(value)
	return e, nil
}

// MappingEntry is one row of a DEVICE_ID_MAPPING broadcast.
type MappingEntry struct {
	ClientNo uint16
	Stealth  bool
	DeviceID string
}

// AppendDeviceIDMapping builds a DEVICE_ID_MAPPING (type 6) payload.
func AppendDeviceIDMapping(dst []byte, entries []MappingEntry) []byte {
	dst = append(dst, TypeDeviceIDMapping)
	dst = appendU16(dst, uint16(len(entries)))
	for _, e := range entries {
		dst = appendU16(dst, e.ClientNo)
		if e.Stealth {
			dst = append(dst, 0x01)
		} else {
			dst = append(dst, 0x00)
		}
		dst = appendBytesU8(dst, []byte(e.DeviceID))
	}
	return dst
}

// DecodeDeviceIDMapping decodes a DEVICE_ID_MAPPING payload.
func DecodeDeviceIDMapping(payload []byte) ([]MappingEntry, error) {
	r := newReader(payload)
	if err := expectType(r, TypeDeviceIDMapping); err != nil {
		return nil, err
	}
	count, err := r.u16()
	if err != nil {
		return nil, err
	}
	entries := make([]MappingEntry, 0, count)
	for i := 0; i < int(count); i++ {
		var e MappingEntry
		if e.ClientNo, err = r.u16(); err != nil {
			return nil, err
		}
		stealth, err := r.u8()
		if err != nil {
			return nil, err
		}
		e.Stealth = stealth == 0x01
		dev, err := r.bytesU8()
		if err != nil {
			return nil, err
		}
		e.DeviceID = string(dev)
		entries = append(entries, e)
	}
	if r.remaining() != 0 {
		return nil, malformed("%d trailing bytes after mapping", r.remaining())
	}
	return entries, nil
}

// MessageType peeks the type byte of a payload frame.
func MessageType(payload []byte) (byte, error) {
	if len(payload) == 0 {
		return 0, malformed("empty payload")
	}
	return payload[0], nil
}

// ValidateVarName enforces the 1..64 byte UTF-8 cap on variable names.
func ValidateVarName(name string) error {
	if len(name) < MinVarNameLen || len(name) > MaxVarNameLen {
		return malformed("variable name of %d bytes outside [%d,%d]", len(name), MinVarNameLen, MaxVarNameLen)
	}
	if !utf8.ValidString(name) {
		return malformed("variable name is not valid UTF-8")
	}
	return nil
}

// ValidateVarValue enforces the 1024-byte UTF-8 cap on variable values.
func ValidateVarValue(value string) error {
	if len(value) > MaxVarValueLen {
		return malformed("variable value of %d bytes exceeds cap of %d", len(value), MaxVarValueLen)
	}
	if !utf8.ValidString(value) {
		return malformed("variable value is not valid UTF-8")
	}
	return nil
}

func validateDeviceID(dev []byte) error {
	if len(dev) == 0 {
		return malformed("empty device id")
	}
	if !utf8.Valid(dev) {
		return malformed("device id is not valid UTF-8")
	}
	return nil
}

func expectType(r *reader, want byte) error {
	typ, err := r.u8()
	if err != nil {
		return err
	}
	if typ != want {
		return malformed("message type %d, want %d", typ, want)
	}
	return nil
}

func expectVersion(r *reader) error {
	v, err := r.u8()
	if err != nil {
		return err
	}
	if v != Version {
		return malformed("protocol version %d, want %d", v, Version)
	}
	return nil
}
