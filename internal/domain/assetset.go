package domain

import "math/bits"

// AssetSet is a sparse bitset over asset ids. The ledger keeps two per
// user (debt-or-exposure, positive-balance-only) so portfolio valuation
// can skip untouched assets.
type AssetSet struct {
	words []uint64
}

// Set marks the asset.
func (s *AssetSet) Set(id AssetID) {
	w := int(id) >> 6
	for len(s.words) <= w {
		s.words = append(s.words, 0)
	}
	s.words[w] |= 1 << (uint(id) & 63)
}

// Clear unmarks the asset.
func (s *AssetSet) Clear(id AssetID) {
	w := int(id) >> 6
	if w < len(s.words) {
		s.words[w] &^= 1 << (uint(id) & 63)
	}
}

// Contains reports whether the asset is marked.
func (s *AssetSet) Contains(id AssetID) bool {
	w := int(id) >> 6
	return w < len(s.words) && s.words[w]&(1<<(uint(id)&63)) != 0
}

// Empty reports whether no asset is marked.
func (s *AssetSet) Empty() bool {
	for _, w := range s.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// ForEach visits marked assets in ascending id order. Returning false from
// fn stops the walk.
func (s *AssetSet) ForEach(fn func(AssetID) bool) {
	for wi, w := range s.words {
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			if !fn(AssetID(wi<<6 + bit)) {
				return
			}
			w &= w - 1
		}
	}
}

// Clone returns an independent copy.
func (s *AssetSet) Clone() AssetSet {
	out := AssetSet{}
	if len(s.words) > 0 {
		out.words = make([]uint64, len(s.words))
		copy(out.words, s.words)
	}
	return out
}
