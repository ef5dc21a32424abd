package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// FileEntry is one tracked file: a slash separated path relative to the
// watched root and its modification time.
type FileEntry struct {
	Path    string
	ModTime time.Time
}

// MarshalJSON renders the entry as a [path, unix-millis] pair.
func (e FileEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{e.Path, e.ModTime.UnixMilli()})
}

// UnmarshalJSON parses a [path, unix-millis] pair.
func (e *FileEntry) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("file entry: %w", err)
	}
	var millis int64
	if err := json.Unmarshal(raw[0], &e.Path); err != nil {
		return fmt.Errorf("file entry path: %w", err)
	}
	if err := json.Unmarshal(raw[1], &millis); err != nil {
		return fmt.Errorf("file entry timestamp: %w", err)
	}
	e.ModTime = time.UnixMilli(millis)
	return nil
}

// ChangeDelta is one incremental update of the baseline. Added is ordered
// most recently modified first; Removed is unordered.
type ChangeDelta struct {
	Removed []string    `json:"removed"`
	Added   []FileEntry `json:"added"`
}

// IsEmpty reports whether the delta changes nothing.
func (d ChangeDelta) IsEmpty() bool {
	return len(d.Removed) == 0 && len(d.Added) == 0
}

// MarshalJSON keeps both lists as JSON arrays even when nil.
func (d ChangeDelta) MarshalJSON() ([]byte, error) {
	type wire ChangeDelta
	w := wire(d)
	if w.Removed == nil {
		w.Removed = []string{}
	}
	if w.Added == nil {
		w.Added = []FileEntry{}
	}
	return json.Marshal(w)
}

// FullSync builds the delta a new subscriber starts from.
func FullSync(baseline []FileEntry) ChangeDelta {
	return ChangeDelta{Removed: []string{}, Added: baseline}
}
