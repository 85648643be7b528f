package formation

import (
	"bytes"
	"encoding/binary"
	"math"
	"net/netip"
	"strings"

	"github.com/pkg/errors"
)

// Wire constants. Frames are FrameSize bytes, little-endian except the
// sender IPv4 address which is in network order.
const (
	FrameVersion = 2
	FrameSize    = 66
	NameLen      = 24
	Port         = 51020
)

type FrameType uint8

const (
	FrameCmd FrameType = iota
	FrameInvite
	FrameRequest
	FrameAccept
	FrameReject
	FramePresence
)

func (t FrameType) String() string {
	switch t {
	case FrameCmd:
		return "cmd"
	case FrameInvite:
		return "invite"
	case FrameRequest:
		return "request"
	case FrameAccept:
		return "accept"
	case FrameReject:
		return "reject"
	case FramePresence:
		return "presence"
	default:
		return "unknown"
	}
}

const (
	FlagEnable     uint8 = 0x01
	FlagFromLeader uint8 = 0x02
)

var (
	ErrShortFrame = errors.New("formation frame too short")
	ErrVersion    = errors.New("formation frame version mismatch")
)

// Frame is one formation datagram. Seq is stamped on send and otherwise unused.
type Frame struct {
	Version   uint8
	Type      FrameType
	Flags     uint8
	Group     int32
	Index     int32
	Count     int32
	Linear    float32
	Yaw       float32
	TimeoutMS uint32
	Seq       uint32
	Name      string
	MAC       MAC
	IP        netip.Addr // sender IPv4, invalid when unknown
}

func (f *Frame) Has(flag uint8) bool { return f.Flags&flag != 0 }

// Put encodes f into b, which must hold FrameSize bytes.
func (f *Frame) Put(b []byte) {
	_ = b[FrameSize-1]
	b[0] = f.Version
	b[1] = uint8(f.Type)
	b[2] = f.Flags
	b[3] = 0
	binary.LittleEndian.PutUint32(b[4:], uint32(f.Group))
	binary.LittleEndian.PutUint32(b[8:], uint32(f.Index))
	binary.LittleEndian.PutUint32(b[12:], uint32(f.Count))
	binary.LittleEndian.PutUint32(b[16:], math.Float32bits(f.Linear))
	binary.LittleEndian.PutUint32(b[20:], math.Float32bits(f.Yaw))
	binary.LittleEndian.PutUint32(b[24:], f.TimeoutMS)
	binary.LittleEndian.PutUint32(b[28:], f.Seq)

	name := b[32 : 32+NameLen]
	clear(name)
	copy(name, boundName(f.Name))
	copy(b[56:62], f.MAC[:])

	ip := [4]byte{}
	if f.IP.Is4() {
		ip = f.IP.As4()
	}
	copy(b[62:66], ip[:])
}

// MarshalBinary returns a freshly allocated encoding of f.
func (f *Frame) MarshalBinary() ([]byte, error) {
	b := make([]byte, FrameSize)
	f.Put(b)
	return b, nil
}

// UnmarshalBinary decodes a frame. Bytes beyond FrameSize are ignored.
func (f *Frame) UnmarshalBinary(b []byte) error {
	if len(b) < FrameSize {
		return ErrShortFrame
	}
	if b[0] != FrameVersion {
		return ErrVersion
	}
	f.Version = b[0]
	f.Type = FrameType(b[1])
	f.Flags = b[2]
	f.Group = int32(binary.LittleEndian.Uint32(b[4:]))
	f.Index = int32(binary.LittleEndian.Uint32(b[8:]))
	f.Count = int32(binary.LittleEndian.Uint32(b[12:]))
	f.Linear = math.Float32frombits(binary.LittleEndian.Uint32(b[16:]))
	f.Yaw = math.Float32frombits(binary.LittleEndian.Uint32(b[20:]))
	f.TimeoutMS = binary.LittleEndian.Uint32(b[24:])
	f.Seq = binary.LittleEndian.Uint32(b[28:])

	name := b[32 : 32+NameLen]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	f.Name = boundName(string(name))
	copy(f.MAC[:], b[56:62])

	var ip [4]byte
	copy(ip[:], b[62:66])
	f.IP = netip.AddrFrom4(ip)
	if f.IP.IsUnspecified() {
		f.IP = netip.Addr{}
	}
	return nil
}

// boundName truncates to the NUL terminated field width without splitting a rune.
func boundName(s string) string {
	if len(s) < NameLen {
		return s
	}
	return strings.ToValidUTF8(s[:NameLen-1], "")
}

