package tracker

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/imagewatch/domain"
)

var epoch = time.UnixMilli(1_700_000_000_000)

func entry(path string, offsetSecs int) domain.FileEntry {
	return domain.FileEntry{Path: path, ModTime: epoch.Add(time.Duration(offsetSecs) * time.Second)}
}

func paths(entries []domain.FileEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Path
	}
	return out
}

func TestMerge(t *testing.T) {
	testCases := []struct {
		name     string
		baseline []domain.FileEntry
		delta    domain.ChangeDelta
		expected []string
	}{
		{
			name:     "into empty baseline",
			delta:    domain.ChangeDelta{Added: []domain.FileEntry{entry("b", 5), entry("a", 1)}},
			expected: []string{"b", "a"},
		},
		{
			name:     "interleaves by time",
			baseline: []domain.FileEntry{entry("d", 9), entry("b", 5), entry("a", 1)},
			delta:    domain.ChangeDelta{Added: []domain.FileEntry{entry("e", 7), entry("c", 3)}},
			expected: []string{"d", "e", "b", "c", "a"},
		},
		{
			name:     "removes paths",
			baseline: []domain.FileEntry{entry("c", 3), entry("b", 2), entry("a", 1)},
			delta:    domain.ChangeDelta{Removed: []string{"b", "missing"}},
			expected: []string{"c", "a"},
		},
		{
			name:     "added entry replaces baseline entry",
			baseline: []domain.FileEntry{entry("b", 5), entry("a", 1)},
			delta:    domain.ChangeDelta{Added: []domain.FileEntry{entry("a", 9)}},
			expected: []string{"a", "b"},
		},
		{
			name:     "ties put added first",
			baseline: []domain.FileEntry{entry("old", 4)},
			delta:    domain.ChangeDelta{Added: []domain.FileEntry{entry("new", 4)}},
			expected: []string{"new", "old"},
		},
		{
			name:     "removed wins over added",
			baseline: []domain.FileEntry{entry("a", 1)},
			delta: domain.ChangeDelta{
				Removed: []string{"x"},
				Added:   []domain.FileEntry{entry("x", 2)},
			},
			expected: []string{"a"},
		},
		{
			name:     "remove everything",
			baseline: []domain.FileEntry{entry("b", 2), entry("a", 1)},
			delta:    domain.ChangeDelta{Removed: []string{"a", "b"}},
			expected: []string{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, paths(Merge(tc.baseline, tc.delta)))
		})
	}
}

func TestMerge_DoesNotModifyBaseline(t *testing.T) {
	baseline := []domain.FileEntry{entry("b", 2), entry("a", 1)}
	before := append([]domain.FileEntry(nil), baseline...)

	Merge(baseline, domain.ChangeDelta{Removed: []string{"a"}, Added: []domain.FileEntry{entry("c", 3)}})

	assert.Equal(t, before, baseline)
}

func sortDescending(entries []domain.FileEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].ModTime.Equal(entries[j].ModTime) {
			return entries[i].ModTime.After(entries[j].ModTime)
		}
		return entries[i].Path < entries[j].Path
	})
}

// randomCase builds a baseline and delta over a small path universe so that
// removals, replacements and timestamp ties all occur.
func randomCase(rng *rand.Rand) ([]domain.FileEntry, domain.ChangeDelta) {
	const universe = 20
	var baseline []domain.FileEntry
	var delta domain.ChangeDelta
	for p := 0; p < universe; p++ {
		path := fmt.Sprintf("f%02d.jpg", p)
		switch rng.Intn(4) {
		case 0:
			baseline = append(baseline, entry(path, rng.Intn(10)))
		case 1:
			delta.Added = append(delta.Added, entry(path, rng.Intn(10)))
		case 2:
			baseline = append(baseline, entry(path, rng.Intn(10)))
			if rng.Intn(2) == 0 {
				delta.Removed = append(delta.Removed, path)
			} else {
				delta.Added = append(delta.Added, entry(path, rng.Intn(10)))
			}
		}
	}
	sortDescending(baseline)
	sortDescending(delta.Added)
	return baseline, delta
}

func TestMerge_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iteration := 0; iteration < 500; iteration++ {
		baseline, delta := randomCase(rng)
		merged := Merge(baseline, delta)

		expected := map[string]struct{}{}
		for _, e := range baseline {
			expected[e.Path] = struct{}{}
		}
		for _, e := range delta.Added {
			expected[e.Path] = struct{}{}
		}
		for _, p := range delta.Removed {
			delete(expected, p)
		}

		got := map[string]struct{}{}
		for _, e := range merged {
			_, dup := got[e.Path]
			require.False(t, dup, "duplicate path %s in iteration %d", e.Path, iteration)
			got[e.Path] = struct{}{}
		}
		require.Equal(t, expected, got, "path set mismatch in iteration %d", iteration)

		for k := 1; k < len(merged); k++ {
			require.False(t, merged[k].ModTime.After(merged[k-1].ModTime),
				"order violated at %d in iteration %d", k, iteration)
		}
	}
}
