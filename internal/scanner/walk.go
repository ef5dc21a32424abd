package scanner

import (
	"context"
	"errors"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"go.pilab.hu/imagewatch/domain"
)

// walkResult is the outcome of one pass over the watched tree.
type walkResult struct {
	found   map[string]struct{}
	delta   domain.ChangeDelta
	skipped int
	err     error
}

// walk lists every file below the root of fsys whose extension is in
// extensions and diffs it against known. known is only read.
func walk(ctx context.Context, fsys fs.FS, extensions map[string]struct{}, known map[string]struct{}) walkResult {
	res := walkResult{found: make(map[string]struct{}, len(known))}
	var added []domain.FileEntry

	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if p == "." {
				return err
			}
			res.skipped++
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !allowed(p, extensions) {
			return nil
		}

		info, ok := fileInfo(fsys, p, d)
		if !ok {
			if d.Type()&fs.ModeSymlink == 0 {
				res.skipped++
				// A known file that cannot be stat'ed is not reported as
				// removed. An unknown one stays out of found so a later scan
				// can still add it.
				if _, seen := known[p]; seen {
					res.found[p] = struct{}{}
				}
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		res.found[p] = struct{}{}
		if _, seen := known[p]; !seen {
			added = append(added, domain.FileEntry{Path: p, ModTime: info.ModTime().Truncate(time.Millisecond)})
		}
		return nil
	})
	if err != nil {
		res.err = err
		return res
	}

	var removed []string
	for p := range known {
		if _, ok := res.found[p]; !ok {
			removed = append(removed, p)
		}
	}
	sort.Strings(removed)
	sortNewestFirst(added)

	res.delta = domain.ChangeDelta{Removed: removed, Added: added}
	return res
}

// fileInfo stats the entry, following symlinks so linked files are tracked
// like regular ones.
func fileInfo(fsys fs.FS, p string, d fs.DirEntry) (fs.FileInfo, bool) {
	if d.Type()&fs.ModeSymlink != 0 {
		info, err := fs.Stat(fsys, p)
		return info, err == nil
	}
	info, err := d.Info()
	if err != nil {
		return nil, false
	}
	return info, true
}

func allowed(p string, extensions map[string]struct{}) bool {
	ext := path.Ext(p)
	if ext == "" {
		return false
	}
	_, ok := extensions[strings.TrimPrefix(ext, ".")]
	return ok
}

// sortNewestFirst orders entries by modification time descending, breaking
// ties by path so equal timestamps have a stable order.
func sortNewestFirst(entries []domain.FileEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ModTime.Equal(entries[j].ModTime) {
			return entries[i].ModTime.After(entries[j].ModTime)
		}
		return entries[i].Path < entries[j].Path
	})
}

// ParseExtensions turns a comma separated list such as "jpg,jpeg" into a set.
// Entries are trimmed; a leading dot is tolerated.
func ParseExtensions(list string) (map[string]struct{}, error) {
	set := map[string]struct{}{}
	for _, raw := range strings.Split(list, ",") {
		ext := strings.TrimPrefix(strings.TrimSpace(raw), ".")
		if ext != "" {
			set[ext] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil, errors.New("no file extensions configured")
	}
	return set, nil
}
