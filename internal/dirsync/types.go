package dirsync

import (
	"context"
	"time"

	"github.com/go-ldap/ldap/v3"

	ldapclient "github.com/isometry/ad-dirsync/internal/ldap"
)

// Token is the opaque DirSync cookie. A nil or empty token is absent and
// requests a full baseline.
type Token []byte

// Absent reports whether the token requests a baseline.
func (t Token) Absent() bool {
	return len(t) == 0
}

// Checkpoint is the resume position after a successful poll.
type Checkpoint struct {
	Token    Token
	PolledAt time.Time // Start of the poll that produced Token

	// HighestUSN is the highest uSNChanged seen up to the poll that
	// produced Token. Deleted-objects scan results at or below it were
	// already visible to an earlier scan.
	HighestUSN uint64
}

// RawChange is one entry returned by a DirSync round.
type RawChange struct {
	ID              string // Canonical objectGUID
	DN              string
	USN             uint64 // uSNChanged
	Deleted         bool   // isDeleted
	LastKnownParent string
	HasMember       bool // The member attribute was part of the change
	Entry           *ldap.Entry
}

// scopeDN is the DN used for base-context scoping. Tombstones live in the
// deleted-objects container, so their last known parent is used instead.
func (c RawChange) scopeDN() string {
	if c.Deleted && c.LastKnownParent != "" {
		return c.LastKnownParent
	}
	return c.DN
}

// DeltaKind is the semantic kind of a delivered change.
type DeltaKind int

const (
	DeltaCreate DeltaKind = iota
	DeltaUpdate
	DeltaDelete
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaCreate:
		return "CREATE"
	case DeltaUpdate:
		return "UPDATE"
	case DeltaDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the kind as its upper-case name.
func (k DeltaKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Delta is the unit delivered to a Handler.
type Delta struct {
	Kind                DeltaKind `json:"kind"`
	ID                  string    `json:"id"`
	DN                  string    `json:"dn,omitempty"`
	USN                 uint64    `json:"usn,omitempty"` // Intra-poll ordering hint only
	MembershipTriggered bool      `json:"membership_triggered,omitempty"`
	Entry               *Entry    `json:"entry,omitempty"` // Nil for DELETE
}

// Entry is a materialized directory entry. Binary identifiers are rendered
// as strings.
type Entry struct {
	ID         string              `json:"id"`
	DN         string              `json:"dn"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// Handler receives the deltas of a poll in delivery order.
type Handler interface {
	Handle(ctx context.Context, delta *Delta) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, delta *Delta) error

func (f HandlerFunc) Handle(ctx context.Context, delta *Delta) error {
	return f(ctx, delta)
}

// MembershipSnapshot maps a normalized group DN to its normalized member DNs.
type MembershipSnapshot map[string][]string

// State is what a StateStore persists per scope.
type State struct {
	Checkpoint Checkpoint
	Membership MembershipSnapshot
}

// StateStore persists sync state between process runs. Load returns nil
// and no error when nothing is stored for the scope. Save must write the
// checkpoint and the membership snapshot atomically.
type StateStore interface {
	Load(ctx context.Context, scope string) (*State, error)
	Save(ctx context.Context, scope string, state *State) error
	Delete(ctx context.Context, scope string) error
}

// KnownChecker reports whether the downstream system already holds an
// entry. When configured it replaces the created-vs-updated heuristic.
type KnownChecker interface {
	Known(ctx context.Context, id string) (bool, error)
}

// Directory is the query surface the engine needs. ldap.Client satisfies it.
type Directory interface {
	Search(ctx context.Context, req *ldapclient.SearchRequest) (*ldapclient.SearchResult, error)
	SearchWithPaging(ctx context.Context, req *ldapclient.SearchRequest) (*ldapclient.SearchResult, error)
}
