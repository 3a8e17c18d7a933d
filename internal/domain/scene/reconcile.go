// Package scene holds the pure reconciliation step of the canvas worker.
// Everything here is deterministic and free of I/O so the conflict rules can
// be exercised exhaustively in tests.
package scene

import (
	"encoding/json"
	"reflect"
	"sort"

	"github.com/openpad/pad-collab-service/internal/domain/model"
)

// Reconcile merges one client's proposed element list into the current
// authoritative list and reports whether anything changed.
//
// Conflicts resolve per element: the higher version wins; on a version tie
// the lower versionNonce wins, matching the client-side rule so that clients
// and server converge on the same element. Elements are never dropped here;
// deletion travels as a flag inside the winning payload.
func Reconcile(server, client []model.Element) ([]model.Element, bool) {
	byID := make(map[string]*model.Element, len(server))
	for i := range server {
		byID[server[i].ID] = &server[i]
	}

	merged := make([]model.Element, 0, len(server)+len(client))
	seen := make(map[string]struct{}, len(client))
	changed := false

	for i := range client {
		c := &client[i]
		if c.ID == "" {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			// Only the first occurrence in a payload counts.
			continue
		}

		s := byID[c.ID]
		if discardClient(s, c) {
			merged = append(merged, *s)
		} else {
			merged = append(merged, *c)
			if s == nil || !c.Equal(s) {
				changed = true
			}
		}
		seen[c.ID] = struct{}{}
	}

	// Server elements the client did not mention survive untouched.
	for i := range server {
		s := &server[i]
		if _, ok := seen[s.ID]; !ok {
			merged = append(merged, *s)
		}
	}

	orderByFractionalIndex(merged)
	return merged, changed
}

// discardClient decides whether the server's copy beats the client's.
func discardClient(server, client *model.Element) bool {
	if server == nil {
		return false
	}
	if client.Version < server.Version {
		return true
	}
	if client.Version > server.Version {
		return false
	}
	return client.VersionNonce > server.VersionNonce
}

// orderByFractionalIndex sorts stably by (index, id). The index is a
// lexicographically comparable fractional string; a missing index is the
// empty string and therefore sorts first.
func orderByFractionalIndex(elements []model.Element) {
	sort.SliceStable(elements, func(i, j int) bool {
		if elements[i].Index != elements[j].Index {
			return elements[i].Index < elements[j].Index
		}
		return elements[i].ID < elements[j].ID
	})
}

// FilesChanged reports whether the client-supplied files map should replace
// the server's. Replacement is whole-map: an empty client map never clears
// server files. Comparison is on decoded values so serialization noise does
// not count.
func FilesChanged(server, client map[string]json.RawMessage) bool {
	if len(client) == 0 {
		return false
	}
	if len(client) != len(server) {
		return true
	}
	for id, cv := range client {
		sv, ok := server[id]
		if !ok {
			return true
		}
		if !rawEqual(sv, cv) {
			return true
		}
	}
	return false
}

func rawEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
