package dirsync

import (
	"context"
	"strconv"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/ad-dirsync/internal/ldap"
)

var tombstoneAttributes = []string{
	"objectGUID",
	"isDeleted",
	"lastKnownParent",
	"uSNChanged",
	"whenChanged",
}

// Tombstone is a soft-deleted entry found in the deleted-objects container.
type Tombstone struct {
	ID              string
	DN              string
	LastKnownParent string
	USN             uint64

	// LiveKey is the normalized DN the entry had before deletion, or empty
	// when it cannot be reconstructed.
	LiveKey string
}

// DeletedObjectResolver scans the deleted-objects container directly.
type DeletedObjectResolver struct {
	dir       Directory
	container string
	guids     *ldapclient.GUIDHandler
}

// NewDeletedObjectResolver creates a resolver for the given container,
// usually CN=Deleted Objects,<naming context>.
func NewDeletedObjectResolver(dir Directory, container string) *DeletedObjectResolver {
	return &DeletedObjectResolver{
		dir:       dir,
		container: container,
		guids:     ldapclient.NewGUIDHandler(),
	}
}

// FindDeleted returns the tombstones of the tracked class changed at or
// after since whose last known parent is within the filter's base
// contexts.
func (r *DeletedObjectResolver) FindDeleted(ctx context.Context, since time.Time, filter *Filter) ([]Tombstone, error) {
	res, err := r.dir.SearchWithPaging(ctx, &ldapclient.SearchRequest{
		BaseDN:     r.container,
		Scope:      ldapclient.ScopeWholeSubtree,
		Filter:     filter.TombstoneFilter(since),
		Attributes: tombstoneAttributes,
		Controls:   []ldap.Control{ldap.NewControlMicrosoftShowDeleted()},
	})
	if err != nil {
		return nil, err
	}

	tombstones := make([]Tombstone, 0, len(res.Entries))
	for _, entry := range res.Entries {
		id, err := r.guids.ExtractGUID(entry)
		if err != nil {
			continue
		}

		parent := entry.GetAttributeValue("lastKnownParent")
		if parent != "" && !filter.InScope(parent) {
			continue
		}

		tombstone := Tombstone{
			ID:              id,
			DN:              entry.DN,
			LastKnownParent: parent,
		}
		tombstone.USN, _ = strconv.ParseUint(entry.GetAttributeValue("uSNChanged"), 10, 64)
		if parent != "" {
			tombstone.LiveKey, _ = ldapclient.LiveDNKey(entry.DN, parent)
		}

		tombstones = append(tombstones, tombstone)
	}

	tflog.SubsystemDebug(ctx, Subsystem, "Tombstone scan completed", map[string]any{
		"container":  r.container,
		"since":      since.UTC().Format(time.RFC3339),
		"tombstones": len(tombstones),
	})

	return tombstones, nil
}

// tombstoneFromChange views a DirSync tombstone as a Tombstone.
func tombstoneFromChange(change RawChange) Tombstone {
	tombstone := Tombstone{
		ID:              change.ID,
		DN:              change.DN,
		LastKnownParent: change.LastKnownParent,
		USN:             change.USN,
	}
	if change.LastKnownParent != "" {
		tombstone.LiveKey, _ = ldapclient.LiveDNKey(change.DN, change.LastKnownParent)
	}
	return tombstone
}
