package stationdb

import "strings"

// SelectionPolicy reports whether channel a is a better choice than b.
// It must be a strict ordering so the chosen channel is deterministic.
type SelectionPolicy func(a, b *Channel) bool

// DefaultSelectionPolicy prefers higher sample rates, then band codes H, B, E, S,
// then vertical components, then the lexically smaller key.
func DefaultSelectionPolicy(a, b *Channel) bool {
	if a.SampleRate != b.SampleRate {
		return a.SampleRate > b.SampleRate
	}
	if pa, pb := bandPriority(a.Code), bandPriority(b.Code); pa != pb {
		return pa > pb
	}
	if va, vb := isVertical(a.Code), isVertical(b.Code); va != vb {
		return va
	}
	return a.Key().less(b.Key())
}

func bandPriority(code string) int {
	if code == "" {
		return 0
	}
	switch strings.ToUpper(code[:1]) {
	case "H":
		return 4
	case "B":
		return 3
	case "E":
		return 2
	case "S":
		return 1
	default:
		return 0
	}
}

func isVertical(code string) bool {
	return strings.HasSuffix(strings.ToUpper(code), "Z")
}

// selectBestLocked picks the best available channel of st, or clears the selection.
func (d *Database) selectBestLocked(st *Station) {
	var best *Channel
	for _, ch := range st.Channels {
		if !ch.Available() {
			continue
		}
		if best == nil || d.better(ch, best) {
			best = ch
		}
	}
	if best == nil {
		st.Selected = ChannelKey{}
		return
	}
	st.Selected = best.Key()
}

// repairSelectionLocked keeps a valid, available selection and replaces anything else.
func (d *Database) repairSelectionLocked(st *Station) {
	if cur := st.SelectedChannel(); cur != nil && cur.Available() {
		return
	}
	d.selectBestLocked(st)
}
