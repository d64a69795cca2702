package modules

import (
	"sort"

	"gitlab.com/stephen-fox/revkit/memory"
)

// addrRange is a half-open range of addresses owned by a Module.
type addrRange struct {
	start  memory.Address
	end    memory.Address
	module *Module
}

// rangeIndex maps addresses to Modules. Its ranges are sorted
// and never overlap.
type rangeIndex struct {
	ranges []addrRange
}

// newRangeIndex indexes the modules in enumeration order. When two
// modules claim the same addresses, the one enumerated later wins
// the overlapping part.
func newRangeIndex(mods []*Module) rangeIndex {
	var index rangeIndex

	for _, m := range mods {
		if m.Size() == 0 {
			continue
		}

		index.claim(addrRange{
			start:  m.Base(),
			end:    m.End(),
			module: m,
		})
	}

	return index
}

func (o *rangeIndex) claim(r addrRange) {
	kept := o.ranges[:0:0]

	for _, existing := range o.ranges {
		if existing.end <= r.start || existing.start >= r.end {
			kept = append(kept, existing)
			continue
		}

		if existing.start < r.start {
			kept = append(kept, addrRange{
				start:  existing.start,
				end:    r.start,
				module: existing.module,
			})
		}

		if existing.end > r.end {
			kept = append(kept, addrRange{
				start:  r.end,
				end:    existing.end,
				module: existing.module,
			})
		}
	}

	kept = append(kept, r)

	sort.Slice(kept, func(i, j int) bool {
		return kept[i].start < kept[j].start
	})

	o.ranges = kept
}

func (o *rangeIndex) lookup(addr memory.Address) *Module {
	i := sort.Search(len(o.ranges), func(i int) bool {
		return addr < o.ranges[i].end
	})

	if i < len(o.ranges) && o.ranges[i].start <= addr {
		return o.ranges[i].module
	}

	return nil
}
