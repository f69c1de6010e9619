package challenge

import "iter"

// Less orders challenges by preference: lower rank first, then earlier
// expiry, then identifier.
func Less(a, b Challenge) bool {
	if a.Rank != b.Rank {
		return a.Rank < b.Rank
	}
	if !a.ExpiresAt.Equal(b.ExpiresAt) {
		return a.ExpiresAt.Before(b.ExpiresAt)
	}
	return a.ID < b.ID
}

// Select returns the preferred challenge in open that exhausted does not
// report, or false if none is eligible.
func Select(open iter.Seq[Challenge], exhausted func(id string) bool) (Challenge, bool) {
	var (
		best  Challenge
		found bool
	)
	for ch := range open {
		if exhausted != nil && exhausted(ch.ID) {
			continue
		}
		if !found || Less(ch, best) {
			best = ch
			found = true
		}
	}
	return best, found
}
