package transport

import (
	"fmt"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/object"
	"github.com/odvcencio/grit/pkg/odb"
)

// CheckConnectivity verifies that everything reachable from tips exists
// in the database, stopping descent at objects reachable from the
// pre-existing ref set (assumed). A missing object fails the check.
func CheckConnectivity(db *odb.Database, tips, assumed []gitid.ID) error {
	stop := make(map[gitid.ID]bool, len(assumed))
	for _, id := range assumed {
		stop[id] = true
	}

	seen := make(map[gitid.ID]bool)
	stack := make([]gitid.ID, 0, len(tips))
	for _, id := range tips {
		if !id.IsZero() {
			stack = append(stack, id)
		}
	}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] || stop[id] {
			continue
		}
		seen[id] = true

		t, payload, err := db.Object(id)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrMissing, id)
		}
		refs, err := object.ReferencedIDs(t, payload)
		if err != nil {
			return fmt.Errorf("connectivity check %s: %v", id, err)
		}
		for _, ref := range refs {
			if !seen[ref.ID] && !stop[ref.ID] {
				stack = append(stack, ref.ID)
			}
		}
	}
	return nil
}
