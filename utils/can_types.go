package utils

import "sort"

// Frame directions as written in the map's direction column, seen from the robot.
const (
	DirectionTx = "tx"
	DirectionRx = "rx"
)

type SignalDef struct {
	Name      string
	StartBit  int
	BitLength int
	Signed    bool
	Factor    float64
	Offset    float64
	Min       float64
	Max       float64
	Default   float64
	Unit      string
	Comment   string
}

type FrameDef struct {
	ID        uint32
	Name      string
	DLC       int
	Direction string
	CycleMS   int
	Signals   []SignalDef
}

// Signal looks a signal up by name.
func (fd *FrameDef) Signal(name string) (SignalDef, bool) {
	for _, s := range fd.Signals {
		if s.Name == name {
			return s, true
		}
	}
	return SignalDef{}, false
}

type CANMap struct {
	ByID   map[uint32]*FrameDef
	ByName map[string]*FrameDef
}

func (m *CANMap) FrameNames() []string {
	out := make([]string, 0, len(m.ByName))
	for k := range m.ByName {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Frames returns the frames travelling in dir, ordered by ID.
func (m *CANMap) Frames(dir string) []*FrameDef {
	var out []*FrameDef
	for _, fd := range m.ByID {
		if fd.Direction == dir {
			out = append(out, fd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
