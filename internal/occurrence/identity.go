// Package occurrence turns persisted events into virtual occurrences and names them.
package occurrence

import (
	"strings"
	"time"
)

// Separator joins a master id and an occurrence instant in a virtual id.
const Separator = "_"

// instantLayout is the canonical ISO-8601 form used in virtual ids (UTC, millisecond precision).
const instantLayout = "2006-01-02T15:04:05.000Z"

// Encode builds the virtual id {parentID}_{isoInstant}.
func Encode(parentID string, instant time.Time) string {
	return parentID + Separator + instant.UTC().Format(instantLayout)
}

// Decode splits a virtual id at the last separator. ok is false when there is no separator,
// the parent part is empty or the suffix is not an ISO-8601 instant.
func Decode(id string) (parentID string, instant time.Time, ok bool) {
	i := strings.LastIndex(id, Separator)
	if i <= 0 || i == len(id)-1 {
		return "", time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, id[i+len(Separator):])
	if err != nil {
		return "", time.Time{}, false
	}
	return id[:i], t.UTC(), true
}
