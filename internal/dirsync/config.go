package dirsync

import (
	"errors"
	"fmt"
	"time"

	ldapclient "github.com/isometry/ad-dirsync/internal/ldap"
)

// MatchMode selects how tracked group predicates combine.
type MatchMode string

const (
	MatchAny MatchMode = "any" // Member of at least one tracked group
	MatchAll MatchMode = "all" // Member of every tracked group
)

// LossPolicy decides what a member that drops out of the tracked groups
// becomes.
type LossPolicy string

const (
	LossUpdate LossPolicy = "update"
	LossDelete LossPolicy = "delete"
)

// Scope describes which entries a poll tracks.
type Scope struct {
	ObjectClass     string    // Tracked object class, "user" by default
	CustomFilter    string    // Optional extra LDAP filter
	BaseContexts    []string  // Containers to synchronize; the whole naming context when empty
	Groups          []string  // Tracked group DNs; enables membership tracking
	MembershipMatch MatchMode // any or all
	TrackDeletes    bool      // Surface tombstones as DELETE
}

// Config configures an Engine.
type Config struct {
	Scope

	// Name keys the persisted state. Defaults to the object class.
	Name string

	// NamingContext is the DirSync search base, e.g. DC=example,DC=com.
	NamingContext string

	// DeletedObjectsDN is the tombstone container. Defaults to
	// CN=Deleted Objects,<NamingContext>.
	DeletedObjectsDN string

	// Attributes are returned on delivered entries. Empty means everything
	// the directory returns.
	Attributes []string

	MembershipLoss          LossPolicy
	FetchFullEntry          bool // Re-read CREATE/UPDATE entries for the full attribute set
	InitialLoad             bool // Deliver the baseline of a first poll
	FallbackOnTokenRejected bool // Restart from a baseline when the token is refused

	PageSizeHint int64         // DirSync max attribute count per round; 0 lets the server decide
	MaxRounds    int           // Bound on DirSync rounds per poll
	// ClockSkew widens the created-vs-updated heuristic and the
	// deleted-objects scan window. Nil means DefaultClockSkew; zero disables
	// the widening.
	ClockSkew *time.Duration
}

// Defaults used by DefaultConfig and applied to zero fields by NewEngine.
const (
	DefaultObjectClass = "user"
	DefaultMaxRounds   = 1000
	DefaultClockSkew   = 5 * time.Minute
)

// DefaultConfig returns a configuration with the recommended defaults.
func DefaultConfig() Config {
	return Config{
		Scope: Scope{
			ObjectClass:     DefaultObjectClass,
			MembershipMatch: MatchAny,
			TrackDeletes:    true,
		},
		MembershipLoss:          LossUpdate,
		InitialLoad:             true,
		FallbackOnTokenRejected: true,
		MaxRounds:               DefaultMaxRounds,
		ClockSkew:               Duration(DefaultClockSkew),
	}
}

// Duration returns a pointer to d, for optional duration fields.
func Duration(d time.Duration) *time.Duration {
	return &d
}

// skew returns the effective clock skew.
func (c Config) skew() time.Duration {
	if c.ClockSkew == nil {
		return DefaultClockSkew
	}
	return *c.ClockSkew
}

// withDefaults fills zero-valued fields that have a non-zero default.
func (c Config) withDefaults() Config {
	if c.ObjectClass == "" {
		c.ObjectClass = DefaultObjectClass
	}
	if c.MembershipMatch == "" {
		c.MembershipMatch = MatchAny
	}
	if c.MembershipLoss == "" {
		c.MembershipLoss = LossUpdate
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.ClockSkew == nil {
		c.ClockSkew = Duration(DefaultClockSkew)
	}
	if c.Name == "" {
		c.Name = c.ObjectClass
	}
	if c.DeletedObjectsDN == "" && c.NamingContext != "" {
		c.DeletedObjectsDN = "CN=Deleted Objects," + c.NamingContext
	}
	return c
}

// Validate checks the configuration for values the engine cannot use.
func (c Config) Validate() error {
	if c.NamingContext == "" {
		return errors.New("naming context is required")
	}

	if err := ldapclient.ValidateDNSyntax(c.NamingContext); err != nil {
		return fmt.Errorf("naming context: %w", err)
	}

	switch c.MembershipMatch {
	case "", MatchAny, MatchAll:
	default:
		return fmt.Errorf("membership match must be %q or %q, got %q", MatchAny, MatchAll, c.MembershipMatch)
	}

	switch c.MembershipLoss {
	case "", LossUpdate, LossDelete:
	default:
		return fmt.Errorf("membership loss must be %q or %q, got %q", LossUpdate, LossDelete, c.MembershipLoss)
	}

	if c.ClockSkew != nil && *c.ClockSkew < 0 {
		return errors.New("clock skew cannot be negative")
	}

	if c.PageSizeHint < 0 {
		return errors.New("page size hint cannot be negative")
	}

	return nil
}
