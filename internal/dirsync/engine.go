package dirsync

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/ad-dirsync/internal/ldap"
)

// Result describes a Run.
type Result struct {
	Checkpoint          Checkpoint // Next checkpoint; the input checkpoint unless the run completed
	Delivered           int        // Deltas accepted by the handler
	Pending             int        // Deltas not delivered because delivery stopped
	Stopped             bool       // The handler returned ErrStop
	Restarted           bool       // The token was refused and a baseline was polled instead
	Baseline            bool       // The poll started from an absent token
	TombstoneScanFailed bool       // The deleted-objects scan failed and contributed nothing
	Rounds              int        // DirSync round trips
}

// Engine runs polls for one scope. It owns the membership index of that
// scope; runs on one Engine never overlap.
type Engine struct {
	cfg        Config
	filter     *Filter
	groupKeys  []string
	dir        Directory
	controller *Controller
	diff       *MembershipDiff
	resolver   *DeletedObjectResolver
	entries    *materializer
	index      *MembershipIndex
	store      StateStore
	known      KnownChecker
	now        func() time.Time
	mu         sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithStateStore persists the checkpoint and membership snapshot after each
// successful run and enables Resume and Reset of stored state.
func WithStateStore(store StateStore) Option {
	return func(e *Engine) { e.store = store }
}

// WithKnownChecker replaces the created-vs-updated heuristic.
func WithKnownChecker(known KnownChecker) Option {
	return func(e *Engine) { e.known = known }
}

// WithClock sets the time source used for checkpoint watermarks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMembershipIndex uses an existing index instead of an empty one.
func WithMembershipIndex(index *MembershipIndex) Option {
	return func(e *Engine) { e.index = index }
}

// NewEngine validates cfg and builds the poll filter. A bad custom filter
// or group DN fails here with ErrInvalidFilter.
func NewEngine(dir Directory, cfg Config, opts ...Option) (*Engine, error) {
	if dir == nil {
		return nil, errors.New("directory cannot be nil")
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync configuration: %w", err)
	}

	filter, err := BuildFilter(cfg.Scope)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		filter:     filter,
		dir:        dir,
		controller: NewController(dir, cfg.NamingContext, cfg.Attributes, cfg.MaxRounds),
		diff:       NewMembershipDiff(dir, cfg.NamingContext, cfg.Attributes),
		resolver:   NewDeletedObjectResolver(dir, cfg.DeletedObjectsDN),
		entries:    newMaterializer(cfg.Attributes),
		index:      NewMembershipIndex(),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	for _, group := range filter.Groups() {
		key, _ := ldapclient.DNKey(group)
		e.groupKeys = append(e.groupKeys, key)
	}

	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Filter returns the compiled poll filter.
func (e *Engine) Filter() *Filter {
	return e.filter
}

// Index returns the membership index owned by the engine.
func (e *Engine) Index() *MembershipIndex {
	return e.index
}

// Run polls from cp and delivers the merged deltas to h. The returned
// checkpoint only advances when every delta was accepted and, with a
// state store, the new state was saved.
func (e *Engine) Run(ctx context.Context, cp Checkpoint, h Handler) (*Result, error) {
	if !e.mu.TryLock() {
		return nil, ErrPollInProgress
	}
	defer e.mu.Unlock()

	return e.run(ctx, cp, h, false)
}

// Resume loads the stored state of the scope and runs from it. A stored
// snapshot is restored into an empty index first.
func (e *Engine) Resume(ctx context.Context, h Handler) (*Result, error) {
	if e.store == nil {
		return nil, errors.New("resume requires a state store")
	}

	if !e.mu.TryLock() {
		return nil, ErrPollInProgress
	}
	defer e.mu.Unlock()

	var cp Checkpoint
	restarted := false

	state, err := e.store.Load(ctx, e.cfg.Name)
	switch {
	case errors.Is(err, ErrMalformedToken) && e.cfg.FallbackOnTokenRejected:
		tflog.SubsystemWarn(ctx, Subsystem, "Stored token is malformed, restarting from a baseline", map[string]any{
			"scope": e.cfg.Name,
			"error": err.Error(),
		})
		restarted = true
	case err != nil:
		return nil, fmt.Errorf("load state for %s: %w", e.cfg.Name, err)
	case state != nil:
		cp = state.Checkpoint
		if len(state.Membership) > 0 && e.index.Len() == 0 {
			e.index.Restore(state.Membership)
		}
	}

	return e.run(ctx, cp, h, restarted)
}

// Reset forgets the membership index and deletes the stored state.
func (e *Engine) Reset(ctx context.Context) error {
	if !e.mu.TryLock() {
		return ErrPollInProgress
	}
	defer e.mu.Unlock()

	e.index.Reset()

	if e.store != nil {
		if err := e.store.Delete(ctx, e.cfg.Name); err != nil {
			return fmt.Errorf("delete state for %s: %w", e.cfg.Name, err)
		}
	}

	tflog.SubsystemInfo(ctx, Subsystem, "Sync state reset", map[string]any{"scope": e.cfg.Name})
	return nil
}

// run polls from cp. restarted marks a baseline that replaces a refused
// token; it is always delivered.
func (e *Engine) run(ctx context.Context, cp Checkpoint, h Handler, restarted bool) (*Result, error) {
	started := e.now()
	result := &Result{Checkpoint: cp, Restarted: restarted}

	poll, err := e.controller.Poll(ctx, cp.Token, e.filter, e.cfg.PageSizeHint)
	if errors.Is(err, ErrTokenRejected) && e.cfg.FallbackOnTokenRejected && !cp.Token.Absent() {
		tflog.SubsystemWarn(ctx, Subsystem, "Sync token rejected, restarting from a baseline", map[string]any{
			"scope": e.cfg.Name,
			"error": err.Error(),
		})
		cp = Checkpoint{}
		result.Restarted = true
		poll, err = e.controller.Poll(ctx, nil, e.filter, e.cfg.PageSizeHint)
	}
	if err != nil {
		return result, err
	}

	result.Rounds = poll.Rounds
	result.Baseline = cp.Token.Absent()

	stage := e.index.Stage()
	deltas, highestUSN, err := e.collect(ctx, cp, poll, stage, result)
	if err != nil {
		return result, err
	}

	if result.Baseline && !result.Restarted && !e.cfg.InitialLoad {
		tflog.SubsystemInfo(ctx, Subsystem, "Initial load disabled, baseline not delivered", map[string]any{
			"scope":   e.cfg.Name,
			"skipped": len(deltas),
		})
	} else {
		result.Pending = len(deltas)
		if stopped, err := e.deliver(ctx, deltas, h, result); stopped || err != nil {
			return result, err
		}
	}

	next := Checkpoint{Token: poll.Token, PolledAt: started, HighestUSN: highestUSN}

	if e.store != nil {
		state := &State{Checkpoint: next, Membership: stage.Snapshot()}
		if err := e.store.Save(ctx, e.cfg.Name, state); err != nil {
			return result, fmt.Errorf("save state for %s: %w", e.cfg.Name, err)
		}
	}

	stage.Commit()
	result.Checkpoint = next

	tflog.SubsystemInfo(ctx, Subsystem, "Poll completed", map[string]any{
		"scope":           e.cfg.Name,
		"delivered":       result.Delivered,
		"rounds":          result.Rounds,
		"baseline":        result.Baseline,
		"restarted":       result.Restarted,
		"tombstone_error": result.TombstoneScanFailed,
		"duration_ms":     e.now().Sub(started).Milliseconds(),
	})

	return result, nil
}

// collect classifies, expands and merges everything a poll produced.
// It also returns the highest USN observed, which is never below
// cp.HighestUSN.
func (e *Engine) collect(ctx context.Context, cp Checkpoint, poll *PollResult, stage *MembershipStage, result *Result) ([]*Delta, uint64, error) {
	baseline := cp.Token.Absent()
	highestUSN := cp.HighestUSN

	var (
		groups     []RawChange
		direct     []*Delta
		tombstones []Tombstone
	)

	for _, change := range poll.Changes {
		highestUSN = max(highestUSN, change.USN)

		if key, ok := e.filter.TrackedGroup(change.DN); ok && !change.Deleted {
			if change.HasMember || !stage.Baselined(key) {
				groups = append(groups, change)
			}
			continue
		}

		if !e.filter.InScope(change.scopeDN()) {
			continue
		}

		if change.Deleted {
			if e.cfg.TrackDeletes {
				tombstones = append(tombstones, tombstoneFromChange(change))
			}
			continue
		}

		known, err := e.previouslyKnown(ctx, change, cp, baseline)
		if err != nil {
			return nil, 0, fmt.Errorf("check known %s: %w", change.ID, err)
		}

		direct = append(direct, &Delta{
			Kind:  Classify(change, known),
			ID:    change.ID,
			DN:    change.DN,
			USN:   change.USN,
			Entry: e.entries.entry(change.ID, change.Entry),
		})
	}

	if e.cfg.FetchFullEntry {
		if err := e.fetchFullEntries(ctx, direct); err != nil {
			return nil, 0, err
		}
	}

	updates, err := e.diff.Expand(ctx, groups, e.filter, stage)
	if err != nil {
		return nil, 0, err
	}

	if e.cfg.TrackDeletes && !baseline && !cp.PolledAt.IsZero() {
		found, err := e.resolver.FindDeleted(ctx, cp.PolledAt.Add(-e.cfg.skew()), e.filter)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, 0, ctxErr
			}
			tflog.SubsystemWarn(ctx, Subsystem, "Tombstone scan failed, no deletes from the deleted-objects container this poll", map[string]any{
				"container": e.cfg.DeletedObjectsDN,
				"error":     err.Error(),
			})
			result.TombstoneScanFailed = true
		}
		for _, t := range found {
			highestUSN = max(highestUSN, t.USN)
			if t.USN != 0 && t.USN <= cp.HighestUSN {
				continue
			}
			tombstones = append(tombstones, t)
		}
	}

	m := newMerger()
	for _, d := range direct {
		m.direct(d)
	}
	for _, u := range updates {
		if !e.filter.InScope(u.delta.DN) {
			continue
		}
		m.synthetic(u.delta, e.lostMembership(u))
	}
	for _, t := range tombstones {
		if e.relevantTombstone(t, stage) {
			m.tombstone(t)
		}
	}

	deltas := m.sorted()

	tflog.SubsystemDebug(ctx, Subsystem, "Poll changes merged", map[string]any{
		"changes":    len(poll.Changes),
		"groups":     len(groups),
		"direct":     len(direct),
		"synthetic":  len(updates),
		"tombstones": len(tombstones),
		"deltas":     len(deltas),
	})

	return deltas, highestUSN, nil
}

// previouslyKnown decides CREATE versus UPDATE for a live change.
func (e *Engine) previouslyKnown(ctx context.Context, change RawChange, cp Checkpoint, baseline bool) (bool, error) {
	if e.known != nil {
		return e.known.Known(ctx, change.ID)
	}

	if baseline {
		return false, nil
	}

	return !createdSince(change, cp.PolledAt.Add(-e.cfg.skew())), nil
}

// fetchFullEntries re-reads direct CREATE and UPDATE entries for the full
// attribute set. An entry that vanished keeps its DirSync attributes.
func (e *Engine) fetchFullEntries(ctx context.Context, deltas []*Delta) error {
	attributes := entryAttributes(e.cfg.Attributes)

	for _, d := range deltas {
		if d.Kind == DeltaDelete {
			continue
		}

		res, err := e.dir.Search(ctx, &ldapclient.SearchRequest{
			BaseDN:     d.DN,
			Scope:      ldapclient.ScopeBaseObject,
			Filter:     e.filter.EntryFilter(),
			Attributes: attributes,
			SizeLimit:  1,
		})
		if err != nil {
			if ldapclient.IsNotFoundError(err) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return newError(ErrDirectoryUnavailable, "fetch entry", err, "entry %q", d.DN)
		}

		if len(res.Entries) > 0 {
			d.Entry = e.entries.entry(d.ID, res.Entries[0])
		}
	}

	return nil
}

// lostMembership applies the membership loss policy.
func (e *Engine) lostMembership(u memberUpdate) bool {
	if e.cfg.MembershipLoss != LossDelete {
		return false
	}

	if e.filter.MatchMode() == MatchAll {
		return u.trackedGroups < len(e.groupKeys)
	}
	return u.trackedGroups == 0
}

// relevantTombstone keeps a tombstone when membership tracking is off, when
// the live entry was a known member of a tracked group, or when some
// tracked group has no baseline yet.
func (e *Engine) relevantTombstone(t Tombstone, stage *MembershipStage) bool {
	if !e.filter.MembershipTracking() {
		return true
	}

	if stage.AnyUnseen(e.groupKeys) {
		return true
	}

	return t.LiveKey != "" && stage.KnowsMember(t.LiveKey)
}

// deliver hands deltas to h in order. It reports whether delivery ended
// early.
func (e *Engine) deliver(ctx context.Context, deltas []*Delta, h Handler, result *Result) (bool, error) {
	for i, d := range deltas {
		if err := ctx.Err(); err != nil {
			result.Pending = len(deltas) - i
			return true, err
		}

		if err := h.Handle(ctx, d); err != nil {
			result.Pending = len(deltas) - i

			if errors.Is(err, ErrStop) {
				result.Stopped = true
				tflog.SubsystemInfo(ctx, Subsystem, "Handler stopped delivery", map[string]any{
					"scope":     e.cfg.Name,
					"delivered": result.Delivered,
					"pending":   result.Pending,
				})
				return true, nil
			}

			return true, fmt.Errorf("handle %s %s: %w", d.Kind, d.ID, err)
		}

		result.Delivered++
	}

	result.Pending = 0
	return false, nil
}

// merger combines direct, synthetic and tombstone deltas by identifier.
type merger struct {
	deltas map[string]*Delta
}

func newMerger() *merger {
	return &merger{deltas: make(map[string]*Delta)}
}

// direct records a change reported by DirSync. The latest change wins,
// except that an UPDATE after a CREATE stays a CREATE.
func (m *merger) direct(d *Delta) {
	existing, ok := m.deltas[d.ID]
	if ok && existing.Kind == DeltaCreate && d.Kind == DeltaUpdate {
		existing.DN = d.DN
		existing.USN = max(existing.USN, d.USN)
		existing.Entry = d.Entry
		return
	}
	m.deltas[d.ID] = d
}

// synthetic records a membership-triggered UPDATE, or a DELETE when the
// member lost its tracked membership. A direct CREATE or DELETE wins; a
// direct UPDATE absorbs it.
func (m *merger) synthetic(d *Delta, lost bool) {
	if lost {
		d = &Delta{
			Kind:                DeltaDelete,
			ID:                  d.ID,
			DN:                  d.DN,
			USN:                 d.USN,
			MembershipTriggered: true,
		}
	}

	existing, ok := m.deltas[d.ID]
	switch {
	case !ok:
		m.deltas[d.ID] = d
	case existing.Kind != DeltaUpdate:
		// direct CREATE or DELETE
	case lost:
		d.USN = max(d.USN, existing.USN)
		m.deltas[d.ID] = d
	default:
		existing.MembershipTriggered = true
		existing.USN = max(existing.USN, d.USN)
		if d.Entry != nil {
			existing.Entry = d.Entry
		}
	}
}

// tombstone records a DELETE. DirSync and container tombstones of the same
// entry collapse; a DELETE replaces any CREATE or UPDATE.
func (m *merger) tombstone(t Tombstone) {
	existing, ok := m.deltas[t.ID]
	if ok && existing.Kind == DeltaDelete {
		existing.USN = max(existing.USN, t.USN)
		return
	}

	usn := t.USN
	if ok {
		usn = max(usn, existing.USN)
	}

	m.deltas[t.ID] = &Delta{
		Kind: DeltaDelete,
		ID:   t.ID,
		DN:   t.DN,
		USN:  usn,
	}
}

// sorted returns the deltas ordered by USN, then identifier.
func (m *merger) sorted() []*Delta {
	deltas := make([]*Delta, 0, len(m.deltas))
	for _, d := range m.deltas {
		deltas = append(deltas, d)
	}

	slices.SortFunc(deltas, func(a, b *Delta) int {
		return cmp.Or(cmp.Compare(a.USN, b.USN), cmp.Compare(a.ID, b.ID))
	})

	return deltas
}
