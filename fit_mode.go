package arenalloc

// FitMode selects which free region an allocator uses when more than one region could satisfy
// a request.
type FitMode uint8

const (
	// FitModeFirst selects the first suitable free region the strategy encounters. For most strategies
	// this is the suitable region with the lowest offset, but the red-black tree allocator encounters
	// regions in the order of its size-keyed tree rather than by address.
	FitModeFirst FitMode = iota
	// FitModeBest selects the smallest suitable free region, minimizing the leftover space
	FitModeBest
	// FitModeWorst selects the largest suitable free region, maximizing the leftover space
	FitModeWorst
)

var fitModeMapping = map[FitMode]string{
	FitModeFirst: "FitModeFirst",
	FitModeBest:  "FitModeBest",
	FitModeWorst: "FitModeWorst",
}

func (m FitMode) String() string {
	return fitModeMapping[m]
}

// IsValid returns true if the FitMode is one of the known fit modes
func (m FitMode) IsValid() bool {
	_, ok := fitModeMapping[m]
	return ok
}

// ParseFitMode maps the short names "first", "best" and "worst" (or the full String() names) to
// a FitMode
func ParseFitMode(name string) (FitMode, bool) {
	switch name {
	case "first", "first_fit":
		return FitModeFirst, true
	case "best", "best_fit":
		return FitModeBest, true
	case "worst", "worst_fit":
		return FitModeWorst, true
	}

	for mode, str := range fitModeMapping {
		if str == name {
			return mode, true
		}
	}

	return FitModeFirst, false
}

// Candidate tracks the block chosen by a fit-mode scan. Strategies feed every suitable region
// they encounter, in their own encounter order, to Offer until it returns true.
type Candidate struct {
	Mode   FitMode
	Found  bool
	Offset int
	Size   int
	// Link is strategy-specific data about the chosen region (a predecessor, a neighbor...)
	Link int
}

// Offer considers a suitable region at offset with the given size and returns true if the scan can
// stop because no later region could be chosen instead
func (c *Candidate) Offer(offset, size, link int) bool {
	switch c.Mode {
	case FitModeBest:
		if !c.Found || size < c.Size {
			c.take(offset, size, link)
		}
	case FitModeWorst:
		if !c.Found || size > c.Size {
			c.take(offset, size, link)
		}
	default:
		c.take(offset, size, link)
		return true
	}

	return false
}

func (c *Candidate) take(offset, size, link int) {
	c.Found = true
	c.Offset = offset
	c.Size = size
	c.Link = link
}
