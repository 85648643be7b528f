package utils

import (
	"encoding/csv"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var requiredColumns = []string{
	"direction", "frame_id", "frame_name", "cycle_ms", "dlc",
	"signal_name", "start_bit", "bit_length", "endianness",
	"signed", "factor", "offset", "min", "max", "default", "unit", "comment",
}

// LoadCANMap reads a signal map CSV from disk.
func LoadCANMap(csvPath string) (*CANMap, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, errors.Wrap(err, "open can map")
	}
	defer f.Close()

	m, err := ParseCANMap(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", csvPath)
	}
	return m, nil
}

// ParseCANMap builds a CANMap from CSV rows, one row per signal.
func ParseCANMap(src io.Reader) (*CANMap, error) {
	r := csv.NewReader(src)
	r.TrimLeadingSpace = true
	r.Comment = '#'

	header, err := r.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read header")
	}

	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	for _, k := range requiredColumns {
		if _, ok := idx[k]; !ok {
			return nil, errors.Errorf("missing required column %q", k)
		}
	}

	m := &CANMap{
		ByID:   map[uint32]*FrameDef{},
		ByName: map[string]*FrameDef{},
	}

	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		p := rowParser{rec: rec, idx: idx}

		frameID := p.frameID()
		frameName := p.str("frame_name")
		dlc := p.asInt("dlc")
		cycleMS := p.asInt("cycle_ms")
		direction := strings.ToLower(p.str("direction"))

		sig := SignalDef{
			Name:      p.str("signal_name"),
			StartBit:  p.asInt("start_bit"),
			BitLength: p.asInt("bit_length"),
			Signed:    p.asBool("signed"),
			Factor:    p.asFloat("factor"),
			Offset:    p.asFloat("offset"),
			Min:       p.asFloat("min"),
			Max:       p.asFloat("max"),
			Default:   p.asFloat("default"),
			Unit:      p.str("unit"),
			Comment:   p.str("comment"),
		}
		endianness := p.str("endianness")
		if p.err != nil {
			return nil, errors.Wrapf(p.err, "line %d", line)
		}

		switch {
		case endianness != "" && endianness != "little":
			return nil, errors.Errorf("frame %s signal %s: unsupported endianness %q (only little supported)",
				frameName, sig.Name, endianness)
		case sig.BitLength <= 0 || sig.BitLength > 64:
			return nil, errors.Errorf("frame %s signal %s: invalid bit_length %d", frameName, sig.Name, sig.BitLength)
		case sig.StartBit < 0 || sig.StartBit+sig.BitLength > 64:
			return nil, errors.Errorf("frame %s signal %s: bits %d..%d outside payload",
				frameName, sig.Name, sig.StartBit, sig.StartBit+sig.BitLength-1)
		case sig.Factor == 0:
			return nil, errors.Errorf("frame %s signal %s: factor must be non-zero", frameName, sig.Name)
		case dlc <= 0 || dlc > 8:
			return nil, errors.Errorf("frame %s (0x%X): invalid dlc %d", frameName, frameID, dlc)
		case direction != DirectionTx && direction != DirectionRx:
			return nil, errors.Errorf("frame %s (0x%X): direction %q is neither tx nor rx", frameName, frameID, direction)
		}

		fd, ok := m.ByID[frameID]
		if !ok {
			fd = &FrameDef{
				ID:        frameID,
				Name:      frameName,
				DLC:       dlc,
				Direction: direction,
				CycleMS:   cycleMS,
			}
			m.ByID[frameID] = fd
			m.ByName[frameName] = fd
		}
		if fd.DLC != dlc {
			return nil, errors.Errorf("frame %s (0x%X) has inconsistent DLC (%d vs %d)", frameName, frameID, fd.DLC, dlc)
		}
		fd.Signals = append(fd.Signals, sig)
	}

	for _, fd := range m.ByID {
		sort.Slice(fd.Signals, func(i, j int) bool { return fd.Signals[i].StartBit < fd.Signals[j].StartBit })
	}
	return m, nil
}

func (m *CANMap) FrameByName(name string) (*FrameDef, error) {
	fd, ok := m.ByName[name]
	if !ok {
		return nil, errors.Errorf("unknown frame %q (available: %v)", name, m.FrameNames())
	}
	return fd, nil
}

func (m *CANMap) FrameByID(id uint32) (*FrameDef, error) {
	fd, ok := m.ByID[id]
	if !ok {
		return nil, errors.Errorf("unknown frame id 0x%X", id)
	}
	return fd, nil
}

// rowParser keeps the first conversion error of a CSV row.
type rowParser struct {
	rec []string
	idx map[string]int
	err error
}

func (p *rowParser) str(col string) string {
	i := p.idx[col]
	if i >= len(p.rec) {
		return ""
	}
	return strings.TrimSpace(p.rec[i])
}

func (p *rowParser) fail(col, val string, err error) {
	if p.err == nil {
		p.err = errors.Wrapf(err, "column %s value %q", col, val)
	}
}

func (p *rowParser) asInt(col string) int {
	s := p.str(col)
	v, err := strconv.Atoi(s)
	if err != nil {
		p.fail(col, s, err)
	}
	return v
}

func (p *rowParser) asFloat(col string) float64 {
	s := p.str(col)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.fail(col, s, err)
	}
	return v
}

func (p *rowParser) asBool(col string) bool {
	switch strings.ToLower(p.str(col)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

func (p *rowParser) frameID() uint32 {
	s := p.str("frame_id")
	base := 10
	digits := s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		digits = s[2:]
	}
	u, err := strconv.ParseUint(digits, base, 32)
	if err != nil {
		p.fail("frame_id", s, err)
	}
	return uint32(u)
}
