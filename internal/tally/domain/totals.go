package domain

// Totals holds the capacity counters for one measurement category.
type Totals struct {
	Cores     int `json:"cores"`
	Sockets   int `json:"sockets"`
	Instances int `json:"instances"`
}

func (t Totals) Add(other Totals) Totals {
	return Totals{
		Cores:     t.Cores + other.Cores,
		Sockets:   t.Sockets + other.Sockets,
		Instances: t.Instances + other.Instances,
	}
}

// Max returns the elementwise maximum of t and other.
func (t Totals) Max(other Totals) Totals {
	return Totals{
		Cores:     max(t.Cores, other.Cores),
		Sockets:   max(t.Sockets, other.Sockets),
		Instances: max(t.Instances, other.Instances),
	}
}

func (t Totals) IsZero() bool {
	return t.Cores == 0 && t.Sockets == 0 && t.Instances == 0
}

// Measurements maps a category to its totals. A missing key means the
// category was never observed, which is distinct from a zero entry.
type Measurements map[HardwareMeasurementType]Totals

// Get returns the totals for t and whether the category is present.
func (m Measurements) Get(t HardwareMeasurementType) (Totals, bool) {
	if m == nil {
		return Totals{}, false
	}
	totals, ok := m[t]
	return totals, ok
}

func (m Measurements) Clone() Measurements {
	if m == nil {
		return Measurements{}
	}
	out := make(Measurements, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MaxWith returns a copy where every category holds the elementwise maximum
// of m and other. Categories present in either side are kept.
func (m Measurements) MaxWith(other Measurements) Measurements {
	out := m.Clone()
	for k, v := range other {
		if current, ok := out[k]; ok {
			out[k] = current.Max(v)
			continue
		}
		out[k] = v
	}
	return out
}
