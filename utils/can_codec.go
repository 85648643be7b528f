package utils

import (
	"math"

	"github.com/pkg/errors"
	"go.einride.tech/can"
)

// EncodeFrame packs physical values into a frame. Missing signals take their
// default; values are clamped to [Min, Max] and then to the raw bit range.
func (m *CANMap) EncodeFrame(frameName string, values map[string]float64) (can.Frame, error) {
	fd, err := m.FrameByName(frameName)
	if err != nil {
		return can.Frame{}, err
	}
	if fd.DLC <= 0 || fd.DLC > 8 {
		return can.Frame{}, errors.Errorf("frame %s has invalid DLC %d", fd.Name, fd.DLC)
	}

	f := can.Frame{ID: fd.ID, Length: uint8(fd.DLC)}
	for _, s := range fd.Signals {
		v, ok := values[s.Name]
		if !ok {
			v = s.Default
		}
		if s.Max > s.Min {
			v = clamp(v, s.Min, s.Max)
		}
		raw := clampRaw(int64(math.Round((v-s.Offset)/s.Factor)), s.BitLength, s.Signed)

		start, length := uint8(s.StartBit), uint8(s.BitLength)
		if s.Signed {
			f.Data.SetSignedBitsLittleEndian(start, length, raw)
		} else {
			f.Data.SetUnsignedBitsLittleEndian(start, length, uint64(raw))
		}
	}
	return f, nil
}

// DecodeFrame unpacks every signal of a known frame into out, which is
// allocated when nil and returned.
func (m *CANMap) DecodeFrame(frame can.Frame, out map[string]float64) (map[string]float64, error) {
	fd, err := m.FrameByID(frame.ID)
	if err != nil {
		return out, err
	}
	if int(frame.Length) < fd.DLC {
		return out, errors.Errorf("frame 0x%X expects DLC %d, got %d", frame.ID, fd.DLC, frame.Length)
	}
	if out == nil {
		out = make(map[string]float64, len(fd.Signals))
	}
	for _, s := range fd.Signals {
		out[s.Name] = decodeSignal(frame.Data, s)
	}
	return out, nil
}

func decodeSignal(data can.Data, s SignalDef) float64 {
	start, length := uint8(s.StartBit), uint8(s.BitLength)
	var raw float64
	if s.Signed {
		raw = float64(data.SignedBitsLittleEndian(start, length))
	} else {
		raw = float64(data.UnsignedBitsLittleEndian(start, length))
	}
	return raw*s.Factor + s.Offset
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampRaw(raw int64, bitLen int, signed bool) int64 {
	if bitLen <= 0 || bitLen > 63 {
		return raw
	}
	if !signed {
		hi := int64(1)<<bitLen - 1
		if raw < 0 {
			return 0
		}
		if raw > hi {
			return hi
		}
		return raw
	}
	lo := -(int64(1) << (bitLen - 1))
	hi := int64(1)<<(bitLen-1) - 1
	if raw < lo {
		return lo
	}
	if raw > hi {
		return hi
	}
	return raw
}
