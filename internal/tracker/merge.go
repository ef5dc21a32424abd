package tracker

import "go.pilab.hu/imagewatch/domain"

// Merge applies delta to baseline and returns the new baseline. Both
// baseline and delta.Added must be ordered by modification time, newest
// first; the result keeps that order. Paths in delta.Removed are dropped from
// both inputs, and a path present in both inputs keeps only its added entry.
// On equal timestamps added entries come first. baseline is not modified.
func Merge(baseline []domain.FileEntry, delta domain.ChangeDelta) []domain.FileEntry {
	removed := make(map[string]struct{}, len(delta.Removed))
	for _, path := range delta.Removed {
		removed[path] = struct{}{}
	}
	added := make(map[string]struct{}, len(delta.Added))
	for _, entry := range delta.Added {
		added[entry.Path] = struct{}{}
	}

	out := make([]domain.FileEntry, 0, len(baseline)+len(delta.Added))
	seen := make(map[string]struct{}, len(delta.Added))

	keepOld := func(e domain.FileEntry) bool {
		if _, ok := removed[e.Path]; ok {
			return false
		}
		_, replaced := added[e.Path]
		return !replaced
	}
	keepNew := func(e domain.FileEntry) bool {
		if _, ok := removed[e.Path]; ok {
			return false
		}
		if _, dup := seen[e.Path]; dup {
			return false
		}
		seen[e.Path] = struct{}{}
		return true
	}

	i, j := 0, 0
	for i < len(baseline) && j < len(delta.Added) {
		old, fresh := baseline[i], delta.Added[j]
		if !fresh.ModTime.Before(old.ModTime) {
			if keepNew(fresh) {
				out = append(out, fresh)
			}
			j++
			continue
		}
		if keepOld(old) {
			out = append(out, old)
		}
		i++
	}
	for ; i < len(baseline); i++ {
		if keepOld(baseline[i]) {
			out = append(out, baseline[i])
		}
	}
	for ; j < len(delta.Added); j++ {
		if keepNew(delta.Added[j]) {
			out = append(out, delta.Added[j])
		}
	}
	return out
}
