package dirsync

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/ad-dirsync/internal/ldap"
)

// maxRangeRequests bounds ranged member retrieval for one group.
const maxRangeRequests = 10000

// memberUpdate is a synthetic UPDATE produced by a membership change.
type memberUpdate struct {
	delta *Delta

	// trackedGroups counts the tracked groups the member still belongs to.
	trackedGroups int
}

// MembershipDiff expands group member changes into per-member updates.
type MembershipDiff struct {
	dir              Directory
	namingContext    string
	memberAttributes []string
	entries          *materializer
	guids            *ldapclient.GUIDHandler
}

// NewMembershipDiff creates a diff engine. attributes are returned on the
// synthetic updates.
func NewMembershipDiff(dir Directory, namingContext string, attributes []string) *MembershipDiff {
	return &MembershipDiff{
		dir:              dir,
		namingContext:    namingContext,
		memberAttributes: entryAttributes(attributes),
		entries:          newMaterializer(attributes),
		guids:            ldapclient.NewGUIDHandler(),
	}
}

// Expand re-fetches the current members of the changed groups, diffs them
// against the stage and returns one update per affected member. An UNSEEN
// group counts all its current members as added. The stage is only
// mutated; committing it is the caller's decision.
func (d *MembershipDiff) Expand(ctx context.Context, groups []RawChange, filter *Filter, stage *MembershipStage) ([]memberUpdate, error) {
	if len(groups) == 0 {
		return nil, nil
	}

	current, err := d.refetch(ctx, groups)
	if err != nil {
		return nil, err
	}

	affected := make(map[string]string) // member key -> DN to fetch
	var order []string

	for _, group := range groups {
		key, _ := ldapclient.DNKey(group.DN)
		members, ok := current[key]
		if !ok {
			continue
		}

		memberKeys := make([]string, 0, len(members))
		for memberKey := range members {
			memberKeys = append(memberKeys, memberKey)
		}

		previous, baselined := stage.Members(key)
		added, removed := setDifference(previous, memberKeys)
		stage.Replace(key, memberKeys)

		tflog.SubsystemDebug(ctx, Subsystem, "Group membership diffed", map[string]any{
			"group":     group.DN,
			"baselined": baselined,
			"members":   len(memberKeys),
			"added":     len(added),
			"removed":   len(removed),
		})

		for _, memberKey := range added {
			if _, seen := affected[memberKey]; !seen {
				order = append(order, memberKey)
			}
			affected[memberKey] = members[memberKey]
		}
		for _, memberKey := range removed {
			if _, seen := affected[memberKey]; !seen {
				order = append(order, memberKey)
				affected[memberKey] = memberKey
			}
		}
	}

	updates := make([]memberUpdate, 0, len(order))
	for _, memberKey := range order {
		update, err := d.fetchMember(ctx, affected[memberKey], filter)
		if err != nil {
			return nil, err
		}
		if update != nil {
			updates = append(updates, *update)
		}
	}

	return updates, nil
}

// refetch reads the current member sets of the groups in one paged search.
// The result maps group key to member key to member DN.
func (d *MembershipDiff) refetch(ctx context.Context, groups []RawChange) (map[string]map[string]string, error) {
	dns := make([]string, 0, len(groups))
	wanted := make(map[string]string, len(groups))
	for _, group := range groups {
		key, err := ldapclient.DNKey(group.DN)
		if err != nil {
			return nil, newError(ErrMembershipRefetchFailed, "refetch", err, "group %q", group.DN)
		}
		if _, dup := wanted[key]; dup {
			continue
		}
		wanted[key] = group.DN
		dns = append(dns, group.DN)
	}

	sourceFilter, err := BuildMembershipSourceFilter(dns)
	if err != nil {
		return nil, newError(ErrMembershipRefetchFailed, "refetch", err, "build source filter")
	}

	res, err := d.dir.SearchWithPaging(ctx, &ldapclient.SearchRequest{
		BaseDN:     d.namingContext,
		Scope:      ldapclient.ScopeWholeSubtree,
		Filter:     sourceFilter,
		Attributes: []string{"distinguishedName", "member"},
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, newError(ErrMembershipRefetchFailed, "refetch", err, "search %d groups", len(dns))
	}

	current := make(map[string]map[string]string, len(res.Entries))
	for _, entry := range res.Entries {
		key, err := ldapclient.DNKey(entry.DN)
		if err != nil {
			continue
		}

		values, err := d.memberValues(ctx, entry)
		if err != nil {
			return nil, err
		}

		members := make(map[string]string, len(values))
		for _, dn := range values {
			memberKey, err := ldapclient.DNKey(dn)
			if err != nil {
				tflog.SubsystemWarn(ctx, Subsystem, "Ignoring unparseable member DN", map[string]any{
					"group":  entry.DN,
					"member": dn,
				})
				continue
			}
			members[memberKey] = dn
		}
		current[key] = members
	}

	for key, dn := range wanted {
		if _, ok := current[key]; !ok {
			return nil, newError(ErrMembershipRefetchFailed, "refetch", nil, "tracked group %q not found", dn)
		}
	}

	return current, nil
}

// memberValues returns every member value, following AD ranged retrieval
// (member;range=0-1499) until the final range.
func (d *MembershipDiff) memberValues(ctx context.Context, entry *ldap.Entry) ([]string, error) {
	values, next, done := rangedMembers(entry)

	for requests := 0; !done; requests++ {
		if requests >= maxRangeRequests {
			return nil, newError(ErrMembershipRefetchFailed, "refetch", nil,
				"group %q exceeded %d member ranges", entry.DN, maxRangeRequests)
		}

		res, err := d.dir.Search(ctx, &ldapclient.SearchRequest{
			BaseDN:     entry.DN,
			Scope:      ldapclient.ScopeBaseObject,
			Filter:     "(objectClass=*)",
			Attributes: []string{fmt.Sprintf("member;range=%d-*", next)},
		})
		if err != nil {
			return nil, newError(ErrMembershipRefetchFailed, "refetch", err, "member range %d of %q", next, entry.DN)
		}
		if len(res.Entries) == 0 {
			return nil, newError(ErrMembershipRefetchFailed, "refetch", nil, "group %q disappeared", entry.DN)
		}

		var page []string
		page, next, done = rangedMembers(res.Entries[0])
		if len(page) == 0 && !done {
			return nil, newError(ErrMembershipRefetchFailed, "refetch", nil, "empty member range of %q", entry.DN)
		}
		values = append(values, page...)
	}

	return values, nil
}

// rangedMembers extracts member values from an entry. done is false when a
// ranged attribute was returned and more values start at next.
func rangedMembers(entry *ldap.Entry) (values []string, next int, done bool) {
	done = true

	for _, attr := range entry.Attributes {
		name := strings.ToLower(attr.Name)
		switch {
		case name == "member":
			values = append(values, attr.Values...)
		case strings.HasPrefix(name, "member;range="):
			values = append(values, attr.Values...)
			_, high, _ := strings.Cut(strings.TrimPrefix(name, "member;range="), "-")
			if high == "*" {
				continue
			}
			if end, err := strconv.Atoi(high); err == nil {
				next, done = end+1, false
			}
		}
	}

	return values, next, done
}

// fetchMember reads one affected member. A member that no longer exists or
// is not the tracked type yields nil.
func (d *MembershipDiff) fetchMember(ctx context.Context, dn string, filter *Filter) (*memberUpdate, error) {
	res, err := d.dir.Search(ctx, &ldapclient.SearchRequest{
		BaseDN:     dn,
		Scope:      ldapclient.ScopeBaseObject,
		Filter:     filter.EntryFilter(),
		Attributes: d.memberAttributes,
		SizeLimit:  1,
	})
	if err != nil {
		if ldapclient.IsNotFoundError(err) {
			tflog.SubsystemDebug(ctx, Subsystem, "Affected member no longer exists", map[string]any{"dn": dn})
			return nil, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, newError(ErrMembershipRefetchFailed, "fetch member", err, "member %q", dn)
	}

	if len(res.Entries) == 0 {
		tflog.SubsystemDebug(ctx, Subsystem, "Affected member is not a tracked entry", map[string]any{"dn": dn})
		return nil, nil
	}

	entry := res.Entries[0]
	id, err := d.guids.ExtractGUID(entry)
	if err != nil {
		tflog.SubsystemWarn(ctx, Subsystem, "Skipping member without objectGUID", map[string]any{"dn": entry.DN})
		return nil, nil
	}

	tracked := 0
	for _, groupDN := range entry.GetAttributeValues("memberOf") {
		if _, ok := filter.TrackedGroup(groupDN); ok {
			tracked++
		}
	}

	usn, _ := strconv.ParseUint(entry.GetAttributeValue("uSNChanged"), 10, 64)

	return &memberUpdate{
		delta: &Delta{
			Kind:                DeltaUpdate,
			ID:                  id,
			DN:                  entry.DN,
			USN:                 usn,
			MembershipTriggered: true,
			Entry:               d.entries.entry(id, entry),
		},
		trackedGroups: tracked,
	}, nil
}

// entryAttributes is the attribute list for reading a whole entry: the
// bookkeeping needed to identify and scope it plus the configured
// attributes, or every user attribute when none are configured.
func entryAttributes(attributes []string) []string {
	base := []string{"objectGUID", "uSNChanged", "memberOf"}
	if len(attributes) == 0 {
		return append(base, "*")
	}
	return mergeAttributes(base, attributes)
}
