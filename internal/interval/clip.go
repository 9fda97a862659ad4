package interval

import "time"

// NestedInterval is an inner interval clipped to the bounds of
// the outer interval it was matched against.
type NestedInterval struct {
	Interval
	Parent Interval
}

// ClipOptions tunes how inner intervals are matched to the outer.
type ClipOptions struct {
	// StartWithin keeps only inner intervals whose start lies in
	// [outer.Start, outer.End], rather than any that overlap.
	StartWithin bool
}

// Clip clips each inner interval sharing the outer's EntityID to
// the outer's bounds. An open inner interval runs until the outer
// ends. Inner intervals that miss the outer entirely are dropped,
// as is everything when the outer is itself open.
func Clip(
	outer Interval, inner []Interval, opts ClipOptions,
) []NestedInterval {
	if outer.Open {
		return nil
	}
	var out []NestedInterval
	for _, in := range inner {
		if in.EntityID != outer.EntityID {
			continue
		}
		startsInside := !in.Start.Before(outer.Start) &&
			!in.Start.After(outer.End)
		if opts.StartWithin && !startsInside {
			continue
		}

		end := in.End
		if in.Open {
			end = outer.End
		}
		s := latest(in.Start, outer.Start)
		e := earliest(end, outer.End)
		if e.Before(s) {
			continue
		}
		// Touching spans only count when the inner starts inside.
		if e.Equal(s) && !startsInside {
			continue
		}

		out = append(out, NestedInterval{
			Interval: Interval{
				EntityID:     in.EntityID,
				SecondaryKey: in.SecondaryKey,
				Start:        s,
				End:          e,
			},
			Parent: outer,
		})
	}
	return out
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earliest(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
