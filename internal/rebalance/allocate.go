package rebalance

// Source is one remediation source with the USD it can contribute.
type Source struct {
	Name        string
	Venue       string
	CapacityUSD float64
}

// Allocation is the part of a shortfall assigned to one source.
type Allocation struct {
	Source    Source
	AmountUSD float64
}

// Allocate walks sources in priority order, taking from each until the
// shortfall is covered. A source is only touched once every earlier source
// is exhausted. It returns the allocations and the shortfall left over.
func Allocate(shortfall float64, sources []Source) ([]Allocation, float64) {
	var out []Allocation
	remaining := shortfall
	for _, s := range sources {
		if remaining <= 0 {
			break
		}
		if s.CapacityUSD <= 0 {
			continue
		}
		take := min(s.CapacityUSD, remaining)
		out = append(out, Allocation{Source: s, AmountUSD: take})
		remaining -= take
	}
	if remaining < 0 {
		remaining = 0
	}
	return out, remaining
}
