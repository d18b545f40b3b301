package dirsync

import (
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	ldapclient "github.com/isometry/ad-dirsync/internal/ldap"
)

const (
	isDeletedPredicate = "(isDeleted=TRUE)"
	groupPredicate     = "(objectClass=group)"
)

// Filter is a compiled poll scope. Expression is sent with the DirSync
// control; the remaining methods scope results the filter cannot express.
type Filter struct {
	Expression string

	entry        string
	classParts   []string
	bases        []string
	groups       []string
	groupKeys    map[string]string
	match        MatchMode
	trackDeletes bool
}

// BuildFilter composes the DirSync filter for a scope.
//
// The live branch ANDs the object class predicate, the custom filter and
// the tracked group predicates. Tracked group entries are ORed in so that
// their member changes reach the membership diff, and so are tombstones of
// the tracked class when deletes are tracked.
func BuildFilter(scope Scope) (*Filter, error) {
	objectClass := scope.ObjectClass
	if objectClass == "" {
		objectClass = DefaultObjectClass
	}

	f := &Filter{
		classParts:   classPredicates(objectClass),
		groupKeys:    make(map[string]string, len(scope.Groups)),
		match:        scope.MembershipMatch,
		trackDeletes: scope.TrackDeletes,
	}
	if f.match == "" {
		f.match = MatchAny
	}

	entryParts := append([]string{}, f.classParts...)

	if custom := strings.TrimSpace(scope.CustomFilter); custom != "" {
		if !strings.HasPrefix(custom, "(") {
			custom = "(" + custom + ")"
		}
		if _, err := ldap.CompileFilter(custom); err != nil {
			return nil, newError(ErrInvalidFilter, "build filter", err, "custom filter %q", scope.CustomFilter)
		}
		entryParts = append(entryParts, custom)
	}
	f.entry = and(entryParts...)

	for _, base := range scope.BaseContexts {
		if err := ldapclient.ValidateDNSyntax(base); err != nil {
			return nil, newError(ErrInvalidFilter, "build filter", err, "base context %q", base)
		}
		f.bases = append(f.bases, base)
	}

	for _, group := range scope.Groups {
		key, err := ldapclient.DNKey(group)
		if err != nil {
			return nil, newError(ErrInvalidFilter, "build filter", err, "tracked group %q", group)
		}
		if _, dup := f.groupKeys[key]; dup {
			continue
		}
		f.groupKeys[key] = group
		f.groups = append(f.groups, group)
	}

	liveParts := append([]string{}, entryParts...)
	if len(f.groups) > 0 {
		memberOf := make([]string, 0, len(f.groups))
		for _, group := range f.groups {
			memberOf = append(memberOf, "(memberOf="+ldap.EscapeFilter(group)+")")
		}
		if f.match == MatchAll {
			liveParts = append(liveParts, and(memberOf...))
		} else {
			liveParts = append(liveParts, or(memberOf...))
		}
	}
	if !f.trackDeletes {
		liveParts = append(liveParts, "(!"+isDeletedPredicate+")")
	}

	branches := []string{and(liveParts...)}
	if len(f.groups) > 0 {
		branches = append(branches, groupSourceFilter(f.groups))
	}
	if f.trackDeletes {
		branches = append(branches, f.tombstonePredicate())
	}
	f.Expression = or(branches...)

	if _, err := ldap.CompileFilter(f.Expression); err != nil {
		return nil, newError(ErrInvalidFilter, "build filter", err, "composed filter")
	}

	return f, nil
}

// BuildMembershipSourceFilter matches the given groups by DN.
func BuildMembershipSourceFilter(groupDNs []string) (string, error) {
	if len(groupDNs) == 0 {
		return "", newError(ErrInvalidFilter, "build membership filter", nil, "no groups")
	}

	for _, dn := range groupDNs {
		if err := ldapclient.ValidateDNSyntax(dn); err != nil {
			return "", newError(ErrInvalidFilter, "build membership filter", err, "group %q", dn)
		}
	}

	return groupSourceFilter(groupDNs), nil
}

// String returns the DirSync expression.
func (f *Filter) String() string {
	return f.Expression
}

// EntryFilter is the object class and custom filter predicate. A fetched
// entry that does not match it is not the tracked type.
func (f *Filter) EntryFilter() string {
	return f.entry
}

// TombstoneFilter matches tombstones of the tracked class changed at or
// after since.
func (f *Filter) TombstoneFilter(since time.Time) string {
	parts := append([]string{isDeletedPredicate}, f.classParts...)
	parts = append(parts, "(whenChanged>="+formatGeneralizedTime(since)+")")
	return and(parts...)
}

// InScope reports whether dn is within one of the base contexts. Without
// base contexts everything is in scope.
func (f *Filter) InScope(dn string) bool {
	if len(f.bases) == 0 {
		return true
	}

	for _, base := range f.bases {
		if within, err := ldapclient.IsDNWithin(dn, base); err == nil && within {
			return true
		}
	}
	return false
}

// TrackedGroup returns the normalized key of dn when it is a tracked group.
func (f *Filter) TrackedGroup(dn string) (string, bool) {
	if len(f.groupKeys) == 0 {
		return "", false
	}

	key, err := ldapclient.DNKey(dn)
	if err != nil {
		return "", false
	}

	_, ok := f.groupKeys[key]
	return key, ok
}

// GroupDN returns the configured DN for a tracked group key.
func (f *Filter) GroupDN(key string) string {
	return f.groupKeys[key]
}

// Groups returns the tracked group DNs in configuration order.
func (f *Filter) Groups() []string {
	return f.groups
}

// MembershipTracking reports whether any group is tracked.
func (f *Filter) MembershipTracking() bool {
	return len(f.groups) > 0
}

// MatchMode returns how tracked groups combine.
func (f *Filter) MatchMode() MatchMode {
	return f.match
}

// TrackDeletes reports whether tombstones are part of the scope.
func (f *Filter) TrackDeletes() bool {
	return f.trackDeletes
}

func (f *Filter) tombstonePredicate() string {
	return and(append([]string{isDeletedPredicate}, f.classParts...)...)
}

// classPredicates returns the object class predicate. Computer accounts
// are also of class user and are excluded from it.
func classPredicates(objectClass string) []string {
	parts := []string{"(objectClass=" + ldap.EscapeFilter(objectClass) + ")"}
	if strings.EqualFold(objectClass, "user") {
		parts = append(parts, "(!(objectClass=computer))")
	}
	return parts
}

func groupSourceFilter(groupDNs []string) string {
	parts := make([]string, 0, len(groupDNs))
	for _, dn := range groupDNs {
		parts = append(parts, "(distinguishedName="+ldap.EscapeFilter(dn)+")")
	}
	return and(groupPredicate, or(parts...))
}

func and(parts ...string) string {
	return combine("&", parts)
}

func or(parts ...string) string {
	return combine("|", parts)
}

func combine(op string, parts []string) string {
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + op + strings.Join(parts, "") + ")"
}

const generalizedTimeLayout = "20060102150405"

// formatGeneralizedTime renders t in the form AD expects in filters.
func formatGeneralizedTime(t time.Time) string {
	return t.UTC().Format(generalizedTimeLayout) + ".0Z"
}

// parseGeneralizedTime parses AD generalized time, e.g. 20240102150405.0Z.
func parseGeneralizedTime(value string) (time.Time, error) {
	return time.Parse(generalizedTimeLayout+".0Z0700", value)
}
