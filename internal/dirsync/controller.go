package dirsync

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/ad-dirsync/internal/ldap"
)

// DirSync request flags (MS-ADTS 3.1.1.3.4.1.3).
const (
	flagObjectSecurity      int64 = 0x00000001
	flagAncestorsFirstOrder int64 = 0x00000800
)

// Bookkeeping attributes requested on every DirSync round.
var bookkeepingAttributes = []string{
	"objectGUID",
	"uSNChanged",
	"isDeleted",
	"lastKnownParent",
	"whenCreated",
	"member",
}

// PollResult is the outcome of one or more DirSync rounds.
type PollResult struct {
	Changes       []RawChange
	Token         Token
	MoreAvailable bool // The server holds further changes past Token
	Rounds        int
}

// Controller drives the DirSync control against a naming context.
type Controller struct {
	dir           Directory
	namingContext string
	attributes    []string
	maxRounds     int
	guids         *ldapclient.GUIDHandler
}

// NewController creates a controller. attributes are requested in addition
// to the bookkeeping attributes.
func NewController(dir Directory, namingContext string, attributes []string, maxRounds int) *Controller {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}

	return &Controller{
		dir:           dir,
		namingContext: namingContext,
		attributes:    mergeAttributes(bookkeepingAttributes, attributes),
		maxRounds:     maxRounds,
		guids:         ldapclient.NewGUIDHandler(),
	}
}

// Poll runs DirSync rounds from token until the server reports no more
// data. An absent token requests a full baseline. pageSizeHint bounds the
// attribute values per round. Nothing is returned on failure, so the
// caller retries with the same token.
func (c *Controller) Poll(ctx context.Context, token Token, filter *Filter, pageSizeHint int64) (*PollResult, error) {
	result := &PollResult{Token: token}
	cookie := token

	for {
		if result.Rounds >= c.maxRounds {
			return nil, newError(ErrDirectoryUnavailable, "poll", nil,
				"more data after %d rounds", c.maxRounds)
		}

		round, err := c.Round(ctx, cookie, filter, pageSizeHint)
		if err != nil {
			return nil, err
		}

		result.Rounds++
		result.Changes = append(result.Changes, round.Changes...)
		result.Token = round.Token
		cookie = round.Token

		if !round.MoreAvailable {
			break
		}
	}

	tflog.SubsystemDebug(ctx, Subsystem, "DirSync poll completed", map[string]any{
		"rounds":   result.Rounds,
		"changes":  len(result.Changes),
		"baseline": token.Absent(),
	})

	return result, nil
}

// Round issues a single DirSync search.
func (c *Controller) Round(ctx context.Context, cookie Token, filter *Filter, pageSizeHint int64) (*PollResult, error) {
	control := ldap.NewRequestControlDirSync(flagObjectSecurity|flagAncestorsFirstOrder, pageSizeHint, cookie)

	res, err := c.dir.Search(ctx, &ldapclient.SearchRequest{
		BaseDN:     c.namingContext,
		Scope:      ldapclient.ScopeWholeSubtree,
		Filter:     filter.Expression,
		Attributes: c.attributes,
		Controls:   []ldap.Control{control},
	})
	if err != nil {
		return nil, c.classifyError(ctx, err, !cookie.Absent())
	}

	response, ok := ldap.FindControl(res.Controls, ldap.ControlTypeDirSync).(*ldap.ControlDirSync)
	if !ok || response == nil {
		return nil, newError(ErrProtocolUnsupported, "poll", nil, "response carries no DirSync control")
	}

	round := &PollResult{
		Token:         Token(response.Cookie),
		MoreAvailable: response.Flags != 0,
		Rounds:        1,
	}

	for _, entry := range res.Entries {
		change, err := c.toRawChange(entry)
		if err != nil {
			tflog.SubsystemWarn(ctx, Subsystem, "Skipping DirSync entry without objectGUID", map[string]any{
				"dn":    entry.DN,
				"error": err.Error(),
			})
			continue
		}
		round.Changes = append(round.Changes, change)
	}

	tflog.SubsystemTrace(ctx, Subsystem, "DirSync round completed", map[string]any{
		"entries":        len(res.Entries),
		"more_available": round.MoreAvailable,
	})

	return round, nil
}

// RootDSEReader reads the root DSE. ldap.Client satisfies it.
type RootDSEReader interface {
	RootDSE(ctx context.Context) (*ldapclient.RootDSE, error)
}

// CheckSupport fails with ErrProtocolUnsupported when the server does not
// advertise the DirSync control.
func CheckSupport(ctx context.Context, client RootDSEReader) (*ldapclient.RootDSE, error) {
	dse, err := client.RootDSE(ctx)
	if err != nil {
		return nil, newError(ErrDirectoryUnavailable, "check support", err, "read root DSE")
	}

	if !dse.SupportsControl(ldap.ControlTypeDirSync) {
		return nil, newError(ErrProtocolUnsupported, "check support", nil,
			"%s does not advertise control %s", dse.DNSHostName, ldap.ControlTypeDirSync)
	}

	return dse, nil
}

// classifyError maps a directory failure onto the sync error kinds.
func (c *Controller) classifyError(ctx context.Context, err error, hadCookie bool) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	switch {
	case ldapclient.IsUnsupportedError(err):
		return newError(ErrProtocolUnsupported, "poll", err, "server refused the DirSync control")
	case ldapclient.IsRejectedError(err) && hadCookie:
		return newError(ErrTokenRejected, "poll", err, "server refused the DirSync cookie")
	case ldapclient.IsRejectedError(err):
		return newError(ErrProtocolUnsupported, "poll", err, "server refused the DirSync search")
	case ldapclient.GetErrorCategory(err) == ldapclient.ErrorCategoryValidation:
		return newError(ErrInvalidFilter, "poll", err, "server rejected the search")
	default:
		return newError(ErrDirectoryUnavailable, "poll", err, "DirSync search failed")
	}
}

func (c *Controller) toRawChange(entry *ldap.Entry) (RawChange, error) {
	id, err := c.guids.ExtractGUID(entry)
	if err != nil {
		return RawChange{}, err
	}

	change := RawChange{
		ID:              id,
		DN:              entry.DN,
		Deleted:         strings.EqualFold(entry.GetAttributeValue("isDeleted"), "TRUE"),
		LastKnownParent: entry.GetAttributeValue("lastKnownParent"),
		HasMember:       hasMemberAttribute(entry),
		Entry:           entry,
	}

	if usn := entry.GetAttributeValue("uSNChanged"); usn != "" {
		if parsed, err := strconv.ParseUint(usn, 10, 64); err == nil {
			change.USN = parsed
		}
	}

	return change, nil
}

func hasMemberAttribute(entry *ldap.Entry) bool {
	for _, attr := range entry.Attributes {
		name := strings.ToLower(attr.Name)
		if name == "member" || strings.HasPrefix(name, "member;range=") {
			return true
		}
	}
	return false
}

// mergeAttributes returns base followed by the extras not already present,
// compared case-insensitively.
func mergeAttributes(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	merged := make([]string, 0, len(base)+len(extra))

	for _, list := range [][]string{base, extra} {
		for _, attr := range list {
			key := strings.ToLower(attr)
			if attr == "" || seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, attr)
		}
	}

	return merged
}
