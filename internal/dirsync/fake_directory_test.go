package dirsync

import (
	"cmp"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/require"

	ldapclient "github.com/isometry/ad-dirsync/internal/ldap"
)

const (
	testNC        = "DC=example,DC=com"
	testUsersOU   = "OU=Users,DC=example,DC=com"
	testGroupsOU  = "OU=Groups,DC=example,DC=com"
	testDeletedDN = "CN=Deleted Objects,DC=example,DC=com"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeObject struct {
	id         string
	guid       []byte
	cn         string
	parent     string
	classes    []string
	attrs      map[string][]string
	members    []string
	deleted    bool
	created    time.Time
	changed    time.Time
	createdUSN uint64
	usn        uint64
	memberUSN  uint64
}

func (o *fakeObject) dn() string {
	if o.deleted {
		return "CN=" + o.cn + `\0ADEL:` + o.id + "," + testDeletedDN
	}
	return "CN=" + o.cn + "," + o.parent
}

func (o *fakeObject) isGroup() bool {
	return slices.Contains(o.classes, "group")
}

func (o *fakeObject) isUser() bool {
	return slices.Contains(o.classes, "user") && !slices.Contains(o.classes, "computer")
}

// fakeDirectory is an in-memory directory that speaks enough DirSync for the
// engine. Cookies are the highest USN covered, big-endian.
type fakeDirectory struct {
	mu      sync.Mutex
	clock   *fakeClock
	usn     uint64
	objects []*fakeObject

	// entryMatch stands in for the object class and custom filter.
	entryMatch func(o *fakeObject) bool

	pageLimit     int // Entries per DirSync round; 0 returns everything
	memberRange   int // Ranged retrieval page size; 0 disables it
	rejectCookies bool
	omitControl   bool
	hideDeleted   bool // DirSync omits tombstones; only the container scan sees them
	failures      map[string]error
	calls         map[string]int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		clock:      newFakeClock(),
		entryMatch: (*fakeObject).isUser,
		failures:   make(map[string]error),
		calls:      make(map[string]int),
	}
}

func (f *fakeDirectory) failOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
		return
	}
	f.failures[op] = err
}

func (f *fakeDirectory) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeDirectory) record(op string) error {
	f.calls[op]++
	return f.failures[op]
}

func encodeCookie(usn uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, usn)
}

func decodeCookie(cookie []byte) uint64 {
	if len(cookie) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(cookie)
}

func noSuchObject(dn string) error {
	return ldapclient.WrapError("search", ldap.NewError(ldap.LDAPResultNoSuchObject, fmt.Errorf("no such object: %s", dn)))
}

func (f *fakeDirectory) Search(_ context.Context, req *ldapclient.SearchRequest) (*ldapclient.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if control, ok := ldap.FindControl(req.Controls, ldap.ControlTypeDirSync).(*ldap.ControlDirSync); ok {
		return f.dirSync(req, control)
	}

	if req.Scope == ldapclient.ScopeBaseObject {
		return f.base(req)
	}

	return &ldapclient.SearchResult{}, nil
}

func (f *fakeDirectory) SearchWithPaging(_ context.Context, req *ldapclient.SearchRequest) (*ldapclient.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ldap.FindControl(req.Controls, ldap.ControlTypeMicrosoftShowDeleted) != nil {
		return f.tombstones(req)
	}

	return f.refetch(req)
}

func (f *fakeDirectory) dirSync(req *ldapclient.SearchRequest, control *ldap.ControlDirSync) (*ldapclient.SearchResult, error) {
	if err := f.record("dirsync"); err != nil {
		return nil, err
	}

	if len(control.Cookie) > 0 && f.rejectCookies {
		return nil, ldapclient.WrapError("search", ldap.NewError(ldap.LDAPResultUnwillingToPerform,
			errors.New("0000200D: SvcErr: DSID-03100597, problem 5003 (WILL_NOT_PERFORM)")))
	}

	since := decodeCookie(control.Cookie)

	var candidates []*fakeObject
	for _, o := range f.objects {
		if o.usn > since {
			candidates = append(candidates, o)
		}
	}
	slices.SortFunc(candidates, func(a, b *fakeObject) int {
		return cmp.Compare(a.usn, b.usn)
	})

	var entries []*ldap.Entry
	covered := since
	more := false
	for _, o := range candidates {
		if f.pageLimit > 0 && len(entries) == f.pageLimit {
			more = true
			break
		}
		covered = o.usn
		if f.dirSyncMatch(o, req.Filter) {
			entries = append(entries, f.dirSyncEntry(o, since))
		}
	}
	if !more {
		covered = f.usn
	}

	res := &ldapclient.SearchResult{Entries: entries, Total: len(entries)}
	if !f.omitControl {
		var flags int64
		if more {
			flags = 1
		}
		res.Controls = []ldap.Control{&ldap.ControlDirSync{Flags: flags, Cookie: encodeCookie(covered)}}
	}

	return res, nil
}

func (f *fakeDirectory) dirSyncMatch(o *fakeObject, filter string) bool {
	switch {
	case o.deleted:
		return !f.hideDeleted && o.isUser() && strings.Contains(filter, "(&(isDeleted=TRUE)")
	case o.isGroup():
		return strings.Contains(filter, "(distinguishedName="+ldap.EscapeFilter(o.dn())+")")
	default:
		return f.entryMatch(o) && f.memberOfMatch(o, filter)
	}
}

func (f *fakeDirectory) memberOfMatch(o *fakeObject, filter string) bool {
	total := strings.Count(filter, "(memberOf=")
	if total == 0 {
		return true
	}

	matched := 0
	for _, g := range f.memberOf(o) {
		if strings.Contains(filter, "(memberOf="+ldap.EscapeFilter(g.dn())+")") {
			matched++
		}
	}

	if strings.Contains(filter, "(&(memberOf=") {
		return matched == total
	}
	return matched > 0
}

func (f *fakeDirectory) dirSyncEntry(o *fakeObject, since uint64) *ldap.Entry {
	attrs := map[string][]string{
		"objectGUID": {string(o.guid)},
		"uSNChanged": {strconv.FormatUint(o.usn, 10)},
	}

	if o.deleted {
		attrs["isDeleted"] = []string{"TRUE"}
		attrs["lastKnownParent"] = []string{o.parent}
		return ldap.NewEntry(o.dn(), attrs)
	}

	fresh := since == 0 || o.createdUSN > since
	if fresh {
		attrs["whenCreated"] = []string{formatGeneralizedTime(o.created)}
		attrs["objectClass"] = o.classes
	}
	for name, values := range o.attrs {
		attrs[name] = values
	}
	if o.isGroup() && o.memberUSN > since {
		attrs["member"] = o.members
	}

	return ldap.NewEntry(o.dn(), attrs)
}

func (f *fakeDirectory) base(req *ldapclient.SearchRequest) (*ldapclient.SearchResult, error) {
	if len(req.Attributes) == 1 && strings.HasPrefix(strings.ToLower(req.Attributes[0]), "member;range=") {
		return f.memberRangeSearch(req)
	}

	if err := f.record("base"); err != nil {
		return nil, err
	}

	o := f.live(req.BaseDN)
	if o == nil {
		return nil, noSuchObject(req.BaseDN)
	}
	if o.isGroup() || !f.entryMatch(o) {
		return &ldapclient.SearchResult{}, nil
	}

	attrs := map[string][]string{
		"objectGUID":  {string(o.guid)},
		"uSNChanged":  {strconv.FormatUint(o.usn, 10)},
		"objectClass": o.classes,
	}
	for name, values := range o.attrs {
		attrs[name] = values
	}
	for _, g := range f.memberOf(o) {
		attrs["memberOf"] = append(attrs["memberOf"], g.dn())
	}

	return &ldapclient.SearchResult{Entries: []*ldap.Entry{ldap.NewEntry(o.dn(), attrs)}, Total: 1}, nil
}

func (f *fakeDirectory) memberRangeSearch(req *ldapclient.SearchRequest) (*ldapclient.SearchResult, error) {
	if err := f.record("range"); err != nil {
		return nil, err
	}

	o := f.live(req.BaseDN)
	if o == nil {
		return nil, noSuchObject(req.BaseDN)
	}

	bounds := strings.TrimPrefix(strings.ToLower(req.Attributes[0]), "member;range=")
	low, _, _ := strings.Cut(bounds, "-")
	start, err := strconv.Atoi(low)
	if err != nil {
		return nil, ldap.NewError(ldap.LDAPResultProtocolError, err)
	}

	name, values := f.memberPage(o, start)
	entry := ldap.NewEntry(o.dn(), map[string][]string{name: values})
	return &ldapclient.SearchResult{Entries: []*ldap.Entry{entry}, Total: 1}, nil
}

// memberPage returns the member attribute name and values starting at
// start, ranged when memberRange is set and the group is large enough.
func (f *fakeDirectory) memberPage(o *fakeObject, start int) (string, []string) {
	if f.memberRange <= 0 || (start == 0 && len(o.members) <= f.memberRange) {
		return "member", o.members
	}

	end := min(start+f.memberRange, len(o.members))
	values := o.members[start:end]
	if end >= len(o.members) {
		return fmt.Sprintf("member;range=%d-*", start), values
	}
	return fmt.Sprintf("member;range=%d-%d", start, end-1), values
}

func (f *fakeDirectory) refetch(req *ldapclient.SearchRequest) (*ldapclient.SearchResult, error) {
	if err := f.record("refetch"); err != nil {
		return nil, err
	}

	var entries []*ldap.Entry
	for _, o := range f.objects {
		if o.deleted || !o.isGroup() {
			continue
		}
		if !strings.Contains(req.Filter, "(distinguishedName="+ldap.EscapeFilter(o.dn())+")") {
			continue
		}

		attrs := map[string][]string{"distinguishedName": {o.dn()}}
		if len(o.members) > 0 {
			name, values := f.memberPage(o, 0)
			attrs[name] = values
		}
		entries = append(entries, ldap.NewEntry(o.dn(), attrs))
	}

	return &ldapclient.SearchResult{Entries: entries, Total: len(entries)}, nil
}

var whenChangedPattern = regexp.MustCompile(`\(whenChanged>=(\d{14})\.0Z\)`)

func (f *fakeDirectory) tombstones(req *ldapclient.SearchRequest) (*ldapclient.SearchResult, error) {
	if err := f.record("tombstone"); err != nil {
		return nil, err
	}

	var since time.Time
	if m := whenChangedPattern.FindStringSubmatch(req.Filter); m != nil {
		parsed, err := time.Parse(generalizedTimeLayout, m[1])
		if err != nil {
			return nil, err
		}
		since = parsed
	}

	var entries []*ldap.Entry
	for _, o := range f.objects {
		if !o.deleted || !o.isUser() || o.changed.Before(since) {
			continue
		}
		entries = append(entries, ldap.NewEntry(o.dn(), map[string][]string{
			"objectGUID":      {string(o.guid)},
			"isDeleted":       {"TRUE"},
			"lastKnownParent": {o.parent},
			"uSNChanged":      {strconv.FormatUint(o.usn, 10)},
			"whenChanged":     {formatGeneralizedTime(o.changed)},
		}))
	}

	return &ldapclient.SearchResult{Entries: entries, Total: len(entries)}, nil
}

func (f *fakeDirectory) live(dn string) *fakeObject {
	key, err := ldapclient.DNKey(dn)
	if err != nil {
		return nil
	}
	for _, o := range f.objects {
		if o.deleted {
			continue
		}
		if k, _ := ldapclient.DNKey(o.dn()); k == key {
			return o
		}
	}
	return nil
}

func (f *fakeDirectory) memberOf(o *fakeObject) []*fakeObject {
	var groups []*fakeObject
	for _, g := range f.objects {
		if g.deleted || !g.isGroup() {
			continue
		}
		if slices.ContainsFunc(g.members, func(m string) bool { return strings.EqualFold(m, o.dn()) }) {
			groups = append(groups, g)
		}
	}
	return groups
}

func (f *fakeDirectory) touch(o *fakeObject) {
	f.clock.Advance(time.Second)
	f.usn++
	o.usn = f.usn
	o.changed = f.clock.Now()
}

func (f *fakeDirectory) create(cn, parent string, classes []string, attrs ...string) *fakeObject {
	f.mu.Lock()
	defer f.mu.Unlock()

	guid := make([]byte, 16)
	guid[0] = byte(len(f.objects) + 1)
	guid[15] = 0xaa
	id, err := ldapclient.NewGUIDHandler().GUIDBytesToString(guid)
	if err != nil {
		panic(err)
	}

	o := &fakeObject{
		id:      id,
		guid:    guid,
		cn:      cn,
		parent:  parent,
		classes: classes,
		attrs:   map[string][]string{"cn": {cn}},
	}
	for i := 0; i+1 < len(attrs); i += 2 {
		o.attrs[attrs[i]] = []string{attrs[i+1]}
	}

	f.touch(o)
	o.created = o.changed
	o.createdUSN = o.usn
	o.memberUSN = o.usn
	f.objects = append(f.objects, o)

	return o
}

// addUser creates a user under the users container. attrs are name/value
// pairs.
func (f *fakeDirectory) addUser(cn string, attrs ...string) *fakeObject {
	return f.addUserIn(testUsersOU, cn, attrs...)
}

func (f *fakeDirectory) addUserIn(parent, cn string, attrs ...string) *fakeObject {
	attrs = append([]string{"sAMAccountName", strings.ToLower(cn)}, attrs...)
	return f.create(cn, parent, []string{"top", "person", "organizationalPerson", "user"}, attrs...)
}

func (f *fakeDirectory) addComputer(cn string) *fakeObject {
	return f.create(cn, testUsersOU, []string{"top", "person", "organizationalPerson", "user", "computer"})
}

func (f *fakeDirectory) addGroup(cn string, members ...*fakeObject) *fakeObject {
	g := f.create(cn, testGroupsOU, []string{"top", "group"})
	if len(members) > 0 {
		f.setMembers(g, members...)
	}
	return g
}

func (f *fakeDirectory) setMembers(g *fakeObject, members ...*fakeObject) {
	f.mu.Lock()
	defer f.mu.Unlock()

	g.members = nil
	for _, m := range members {
		g.members = append(g.members, m.dn())
	}
	f.touch(g)
	g.memberUSN = g.usn
}

func (f *fakeDirectory) addMember(g, m *fakeObject) {
	f.mu.Lock()
	defer f.mu.Unlock()

	g.members = append(g.members, m.dn())
	f.touch(g)
	g.memberUSN = g.usn
}

func (f *fakeDirectory) removeMember(g, m *fakeObject) {
	f.mu.Lock()
	defer f.mu.Unlock()

	g.members = slices.DeleteFunc(g.members, func(dn string) bool { return strings.EqualFold(dn, m.dn()) })
	f.touch(g)
	g.memberUSN = g.usn
}

func (f *fakeDirectory) modify(o *fakeObject, attr string, values ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	o.attrs[attr] = values
	f.touch(o)
}

// remove deletes o the way AD does: group links are dropped, then the
// entry becomes a tombstone in the deleted-objects container.
func (f *fakeDirectory) remove(o *fakeObject) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dn := o.dn()
	for _, g := range f.objects {
		if g.deleted || !g.isGroup() {
			continue
		}
		before := len(g.members)
		g.members = slices.DeleteFunc(g.members, func(m string) bool { return strings.EqualFold(m, dn) })
		if len(g.members) != before {
			f.touch(g)
			g.memberUSN = g.usn
		}
	}

	o.deleted = true
	f.touch(o)
}

// memStore is an in-memory StateStore.
type memStore struct {
	mu      sync.Mutex
	states  map[string]*State
	loadErr error
	saveErr error
	saves   int
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]*State)}
}

func (s *memStore) Load(_ context.Context, scope string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadErr != nil {
		return nil, s.loadErr
	}

	state, ok := s.states[scope]
	if !ok {
		return nil, nil
	}
	copied := *state
	return &copied, nil
}

func (s *memStore) Save(_ context.Context, scope string, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErr != nil {
		return s.saveErr
	}

	copied := *state
	s.states[scope] = &copied
	s.saves++
	return nil
}

func (s *memStore) Delete(_ context.Context, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, scope)
	return nil
}

// recorder collects delivered deltas. With stopAfter set it returns
// ErrStop once that many deltas were accepted.
type recorder struct {
	deltas    []*Delta
	stopAfter int
}

func (r *recorder) Handle(_ context.Context, d *Delta) error {
	if r.stopAfter > 0 && len(r.deltas) >= r.stopAfter {
		return ErrStop
	}
	r.deltas = append(r.deltas, d)
	return nil
}

func (r *recorder) kinds() map[string]DeltaKind {
	kinds := make(map[string]DeltaKind, len(r.deltas))
	for _, d := range r.deltas {
		kinds[d.ID] = d.Kind
	}
	return kinds
}

func newTestEngine(t *testing.T, dir *fakeDirectory, configure func(*Config), opts ...Option) *Engine {
	t.Helper()

	cfg := DefaultConfig()
	cfg.NamingContext = testNC
	if configure != nil {
		configure(&cfg)
	}

	opts = append([]Option{WithClock(dir.clock.Now)}, opts...)
	engine, err := NewEngine(dir, cfg, opts...)
	require.NoError(t, err)

	return engine
}

// poll runs the engine once and fails the test on error.
func poll(t *testing.T, engine *Engine, cp Checkpoint) (*Result, *recorder) {
	t.Helper()

	rec := &recorder{}
	result, err := engine.Run(t.Context(), cp, rec)
	require.NoError(t, err)
	require.NotNil(t, result)

	return result, rec
}
