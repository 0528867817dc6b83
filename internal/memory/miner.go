package memory

import (
	"sort"

	"github.com/pkg/errors"
)

// MineCells derives a cell layout from concrete runs. sizes gives the access
// width in bytes of each dereference site; every sample must record an
// address for every site. Sites whose ranges overlap in the first sample
// share a cell, and the offsets inside a cell must agree in every sample.
func MineCells(sizes map[DereferenceInfo]int, samples []DereferenceMap) (*CellLayout, error) {
	if len(samples) == 0 {
		return nil, errors.New("mining cells needs at least one sample")
	}
	sites := make([]DereferenceInfo, 0, len(sizes))
	for di := range sizes {
		for k, sample := range samples {
			if _, ok := sample[di]; !ok {
				return nil, errors.Errorf("sample %d has no address for %s", k, di)
			}
		}
		sites = append(sites, di)
	}
	first := samples[0]
	sort.Slice(sites, func(i, j int) bool {
		if first[sites[i]] != first[sites[j]] {
			return first[sites[i]] < first[sites[j]]
		}
		return sites[i].String() < sites[j].String()
	})

	layout := &CellLayout{Lines: make(map[DereferenceInfo]CellAccess)}
	var members []DereferenceInfo
	var lo, hi uint64
	flush := func() error {
		if len(members) == 0 {
			return nil
		}
		cell := len(layout.Sizes)
		anchor := members[0]
		for _, di := range members {
			off := first[di] - lo
			for k, sample := range samples[1:] {
				if sample[di]-sample[anchor] != first[di]-first[anchor] {
					return errors.Errorf("sample %d moves %s relative to %s", k+1, di, anchor)
				}
			}
			layout.Lines[di] = CellAccess{Cell: cell, Offset: int(off), Size: sizes[di]}
		}
		layout.Sizes = append(layout.Sizes, int(hi-lo))
		members = members[:0]
		return nil
	}
	for _, di := range sites {
		addr := first[di]
		end := addr + uint64(sizes[di])
		if len(members) > 0 && addr < hi {
			members = append(members, di)
			if end > hi {
				hi = end
			}
			continue
		}
		if err := flush(); err != nil {
			return nil, err
		}
		members = append(members, di)
		lo, hi = addr, end
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return layout, nil
}
