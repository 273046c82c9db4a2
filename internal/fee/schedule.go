// Package fee holds the disbursement fee tables. Fees are flat amounts picked
// by the band the disbursed balance falls into, never a percentage.
package fee

import (
	"errors"
	"fmt"
	"sort"
)

var ErrEmptySchedule = errors.New("fee schedule has no bands")

// Band covers amounts up to and including UpTo. UpTo == 0 marks the last,
// unbounded band.
type Band struct {
	UpTo int64
	Fee  int64
}

type Schedule struct {
	bands []Band
}

// NewSchedule validates the bands and returns them as a lookup table.
func NewSchedule(bands []Band) (*Schedule, error) {
	if len(bands) == 0 {
		return nil, ErrEmptySchedule
	}
	sorted := make([]Band, len(bands))
	copy(sorted, bands)
	sort.SliceStable(sorted, func(i, j int) bool {
		// unbounded band sorts last
		if sorted[i].UpTo == 0 {
			return false
		}
		if sorted[j].UpTo == 0 {
			return true
		}
		return sorted[i].UpTo < sorted[j].UpTo
	})
	for i, b := range sorted {
		if b.Fee < 0 {
			return nil, fmt.Errorf("band %d: negative fee %d", i, b.Fee)
		}
		if b.UpTo == 0 && i != len(sorted)-1 {
			return nil, errors.New("more than one unbounded band")
		}
		if i > 0 && b.UpTo != 0 && b.UpTo == sorted[i-1].UpTo {
			return nil, fmt.Errorf("duplicate band bound %d", b.UpTo)
		}
	}
	return &Schedule{bands: sorted}, nil
}

// MustSchedule is NewSchedule for tables known to be valid.
func MustSchedule(bands ...Band) *Schedule {
	s, err := NewSchedule(bands)
	if err != nil {
		panic(err)
	}
	return s
}

// Lookup returns the flat fee for amount. Band bounds are inclusive, so an
// amount equal to a bound resolves to the lower band. Amounts above the last
// bounded band use the last band's fee.
func (s *Schedule) Lookup(amount int64) int64 {
	for _, b := range s.bands {
		if b.UpTo == 0 || amount <= b.UpTo {
			return b.Fee
		}
	}
	return s.bands[len(s.bands)-1].Fee
}

func (s *Schedule) Bands() []Band {
	out := make([]Band, len(s.bands))
	copy(out, s.bands)
	return out
}
