package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"reqorder/api/internal/config"
	"reqorder/api/internal/ordering"
	"reqorder/api/internal/search"
	"reqorder/api/internal/store"
)

type fakeStore struct {
	ensureUserByNameFn   func(context.Context, string) (store.User, error)
	getUserByIDFn        func(context.Context, string) (store.User, error)
	getIterationFn       func(context.Context, string) (store.Iteration, error)
	listIterationsFn     func(context.Context) ([]store.Iteration, error)
	getParticipantFn     func(context.Context, string, string) (store.Participant, error)
	loadSnapshotFn       func(context.Context, string) (*ordering.Snapshot, error)
	applyMutationsFn     func(context.Context, ordering.MutationSet) error
	setIterationFrozenFn func(context.Context, string, bool) error
	countIterationsFn    func(context.Context) (int, error)
	pingFn               func(context.Context) error

	mu           sync.Mutex
	loads        int
	applied      []ordering.MutationSet
	insertedRows map[string]int
}

func (f *fakeStore) EnsureUserByName(ctx context.Context, name string) (store.User, error) {
	if f.ensureUserByNameFn != nil {
		return f.ensureUserByNameFn(ctx, name)
	}
	return store.User{ID: "user-" + name, DisplayName: name}, nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "Avery"}, nil
}
func (f *fakeStore) GetIteration(ctx context.Context, iterationID string) (store.Iteration, error) {
	if f.getIterationFn != nil {
		return f.getIterationFn(ctx, iterationID)
	}
	return store.Iteration{ID: iterationID, ModelName: "Demo", OrderParameterType: "pt-order"}, nil
}
func (f *fakeStore) ListIterations(ctx context.Context) ([]store.Iteration, error) {
	if f.listIterationsFn != nil {
		return f.listIterationsFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) GetParticipant(ctx context.Context, iterationID, userID string) (store.Participant, error) {
	if f.getParticipantFn != nil {
		return f.getParticipantFn(ctx, iterationID, userID)
	}
	return store.Participant{}, store.ErrNotFound
}
func (f *fakeStore) LoadSnapshot(ctx context.Context, iterationID string) (*ordering.Snapshot, error) {
	f.mu.Lock()
	f.loads++
	f.mu.Unlock()
	if f.loadSnapshotFn != nil {
		return f.loadSnapshotFn(ctx, iterationID)
	}
	return nil, store.ErrNotFound
}
func (f *fakeStore) ApplyMutations(ctx context.Context, set ordering.MutationSet) error {
	f.mu.Lock()
	f.applied = append(f.applied, set)
	f.mu.Unlock()
	if f.applyMutationsFn != nil {
		return f.applyMutationsFn(ctx, set)
	}
	return nil
}
func (f *fakeStore) SetIterationFrozen(ctx context.Context, iterationID string, frozen bool) error {
	if f.setIterationFrozenFn != nil {
		return f.setIterationFrozenFn(ctx, iterationID, frozen)
	}
	return nil
}
func (f *fakeStore) CountIterations(ctx context.Context) (int, error) {
	if f.countIterationsFn != nil {
		return f.countIterationsFn(ctx)
	}
	return 0, nil
}
func (f *fakeStore) InsertDomain(context.Context, store.Domain) error {
	f.count("domain")
	return nil
}
func (f *fakeStore) InsertIteration(context.Context, store.Iteration) error {
	f.count("iteration")
	return nil
}
func (f *fakeStore) InsertParticipant(context.Context, store.Participant) error {
	f.count("participant")
	return nil
}
func (f *fakeStore) InsertItem(context.Context, store.ItemRecord) error {
	f.count("item")
	return nil
}
func (f *fakeStore) InsertOrderValue(context.Context, store.OrderValue) error {
	f.count("order_value")
	return nil
}
func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) count(table string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertedRows == nil {
		f.insertedRows = map[string]int{}
	}
	f.insertedRows[table]++
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]store.IterationSession
	lookups  int
}

func newFakeSessions(sessions ...store.IterationSession) *fakeSessions {
	f := &fakeSessions{sessions: map[string]store.IterationSession{}}
	for _, sess := range sessions {
		f.sessions[sess.UserID+"|"+sess.IterationID] = sess
	}
	return f
}

func (f *fakeSessions) SaveIterationSession(_ context.Context, sess store.IterationSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sess.UserID+"|"+sess.IterationID] = sess
	return nil
}

func (f *fakeSessions) LookupIterationSession(_ context.Context, userID, iterationID string) (store.IterationSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	sess, ok := f.sessions[userID+"|"+iterationID]
	if !ok {
		return store.IterationSession{}, store.ErrSessionNotFound
	}
	return sess, nil
}

func (f *fakeSessions) DeleteIterationSession(_ context.Context, userID, iterationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, userID+"|"+iterationID)
	return nil
}

type fakeSearch struct {
	mu        sync.Mutex
	indexed   []search.ItemRecord
	reindexed []string
	queries   []search.Query
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return search.Response{Results: []search.Result{{ID: "r-a", ShortName: "A"}}, Total: 1, Query: q.Text}
}

func (f *fakeSearch) IndexItems(items []search.ItemRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, items...)
}

func (f *fakeSearch) ReindexIteration(_ context.Context, iterationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reindexed = append(f.reindexed, iterationID)
}

const testIteration = "it-1"

func testConfig() config.Config {
	return config.Config{
		JWTSecret:    "test-secret",
		AccessTTL:    time.Hour,
		SessionTTL:   time.Hour,
		MaxStep:      100000,
		MinGap:       1,
		StaleRetries: 2,
	}
}

func newTestService(fs *fakeStore, sessions *fakeSessions) *Service {
	cfg := testConfig()
	return &Service{
		cfg:      cfg,
		store:    fs,
		sessions: sessions,
		planner:  newPlanner(cfg),
	}
}

func editorSession(userID string) store.IterationSession {
	return store.IterationSession{UserID: userID, IterationID: testIteration, ParticipantID: "par-1", DomainID: "dom-sys", Role: "editor"}
}

func orderedReq(id, name, spec, value string) *ordering.Item {
	item := &ordering.Item{ID: id, Kind: ordering.KindRequirement, ShortName: name, ContainerID: spec, Owner: "dom-sys", Revision: 1}
	if value != "" {
		item.KeySource = &ordering.KeySource{ID: "ks-" + id, ItemID: id, Value: value, Owner: "dom-sys", Revision: 1}
	}
	return item
}

// scenarioSnapshot is specification S1 holding A, B, C at 10, 20, 30 and an
// unordered D, plus an empty specification S2.
func scenarioSnapshot(t *testing.T, parameterType string) *ordering.Snapshot {
	t.Helper()
	items := []*ordering.Item{
		{ID: "s1", Kind: ordering.KindSpecification, ShortName: "S1", ContainerID: testIteration, Owner: "dom-sys", Revision: 1},
		{ID: "s2", Kind: ordering.KindSpecification, ShortName: "S2", ContainerID: testIteration, Owner: "dom-sys", Revision: 1},
		orderedReq("r-a", "A", "s1", "10"),
		orderedReq("r-b", "B", "s1", "20"),
		orderedReq("r-c", "C", "s1", "30"),
		orderedReq("r-d", "D", "s1", ""),
	}
	snap, err := ordering.NewSnapshot(testIteration, parameterType, items)
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	return snap
}

func scenarioStore(t *testing.T, parameterType string) *fakeStore {
	return &fakeStore{
		loadSnapshotFn: func(context.Context, string) (*ordering.Snapshot, error) {
			return scenarioSnapshot(t, parameterType), nil
		},
	}
}

func TestReorderAppliesLocalMutation(t *testing.T) {
	fs := scenarioStore(t, "pt-order")
	sessions := newFakeSessions(editorSession("user-1"))
	idx := &fakeSearch{}
	svc := newTestService(fs, sessions)
	svc.search = idx

	payload, err := svc.Reorder(context.Background(), Session{UserID: "user-1"}, testIteration, ReorderInput{
		ItemID: "r-d", ReferenceID: "r-b", Position: "before",
	})
	if err != nil {
		t.Fatalf("Reorder() error = %v", err)
	}
	if payload["strategy"] != ordering.StrategyLocal {
		t.Fatalf("strategy = %v, want local", payload["strategy"])
	}
	if len(fs.applied) != 1 || len(fs.applied[0].Keys) != 1 {
		t.Fatalf("applied = %+v", fs.applied)
	}
	km := fs.applied[0].Keys[0]
	if km.Op != ordering.OpCreate || km.Key <= 10 || km.Key >= 20 {
		t.Fatalf("mutation = %+v, want create in (10,20)", km)
	}
	if km.Source.Owner != "dom-sys" || km.Source.ItemID != "r-d" {
		t.Fatalf("source = %+v", km.Source)
	}
	if sessions.lookups != 2 {
		t.Fatalf("session lookups = %d, want 2 (access check and owning domain)", sessions.lookups)
	}
	if len(idx.indexed) != 1 || idx.indexed[0].ID != "r-d" || idx.indexed[0].OrderKey == "unordered" {
		t.Fatalf("indexed = %+v", idx.indexed)
	}
}

func TestReorderRetriesStaleWrite(t *testing.T) {
	fs := scenarioStore(t, "pt-order")
	calls := 0
	fs.applyMutationsFn = func(context.Context, ordering.MutationSet) error {
		calls++
		if calls == 1 {
			return store.ErrStaleWrite
		}
		return nil
	}
	svc := newTestService(fs, newFakeSessions(editorSession("user-1")))

	payload, err := svc.Reorder(context.Background(), Session{UserID: "user-1"}, testIteration, ReorderInput{
		ItemID: "r-c", ReferenceID: "r-a", Position: "after",
	})
	if err != nil {
		t.Fatalf("Reorder() error = %v", err)
	}
	if payload["attempts"] != 2 || fs.loads != 2 {
		t.Fatalf("attempts = %v loads = %d, want 2 and 2", payload["attempts"], fs.loads)
	}
}

func TestReorderGivesUpAfterStaleRetries(t *testing.T) {
	fs := scenarioStore(t, "pt-order")
	fs.applyMutationsFn = func(context.Context, ordering.MutationSet) error {
		return store.ErrStaleWrite
	}
	svc := newTestService(fs, newFakeSessions(editorSession("user-1")))

	_, err := svc.Reorder(context.Background(), Session{UserID: "user-1"}, testIteration, ReorderInput{
		ItemID: "r-c", ReferenceID: "r-a", Position: "after",
	})
	if !errors.Is(err, store.ErrStaleWrite) {
		t.Fatalf("Reorder() error = %v, want ErrStaleWrite", err)
	}
	if want := svc.cfg.StaleRetries + 1; len(fs.applied) != want {
		t.Fatalf("applied %d times, want %d", len(fs.applied), want)
	}
}

func TestReorderRequiresOpenIteration(t *testing.T) {
	fs := scenarioStore(t, "pt-order")
	svc := newTestService(fs, newFakeSessions())

	_, err := svc.Reorder(context.Background(), Session{UserID: "user-1"}, testIteration, ReorderInput{
		ItemID: "r-c", ReferenceID: "r-a", Position: "after",
	})
	if !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("Reorder() error = %v, want ErrSessionNotFound", err)
	}
	if fs.loads != 0 {
		t.Fatalf("snapshot loaded %d times before the session check", fs.loads)
	}
}

func TestReorderRejectsViewersAndBadInput(t *testing.T) {
	viewer := editorSession("user-1")
	viewer.Role = "viewer"
	svc := newTestService(scenarioStore(t, "pt-order"), newFakeSessions(viewer))
	ctx := context.Background()

	_, err := svc.Reorder(ctx, Session{UserID: "user-1"}, testIteration, ReorderInput{ItemID: "r-c", ReferenceID: "r-a", Position: "after"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusForbidden {
		t.Fatalf("viewer: error = %v, want 403", err)
	}

	_, err = svc.Reorder(ctx, Session{UserID: "user-1"}, testIteration, ReorderInput{ItemID: "r-c", ReferenceID: "r-a", Position: "inside"})
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("bad position: error = %v, want 422", err)
	}

	_, err = svc.Reorder(ctx, Session{UserID: "user-1"}, testIteration, ReorderInput{ReferenceID: "r-a", Position: "after"})
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("missing item: error = %v, want VALIDATION_ERROR", err)
	}
}

func TestReorderSurfacesPlannerErrors(t *testing.T) {
	fs := scenarioStore(t, "pt-order")
	svc := newTestService(fs, newFakeSessions(editorSession("user-1")))

	_, err := svc.Reorder(context.Background(), Session{UserID: "user-1"}, testIteration, ReorderInput{
		ItemID: "r-c", ReferenceID: "s1", Position: "before",
	})
	if !errors.Is(err, ordering.ErrInvalidContext) {
		t.Fatalf("Reorder() error = %v, want ErrInvalidContext", err)
	}
	if len(fs.applied) != 0 {
		t.Fatalf("applied = %+v, want nothing", fs.applied)
	}
}

func TestReorderWithoutOrderingRelocates(t *testing.T) {
	fs := scenarioStore(t, "")
	fs.loadSnapshotFn = func(context.Context, string) (*ordering.Snapshot, error) {
		snap := scenarioSnapshot(t, "")
		items := append(snap.Items(), orderedReq("r-e", "E", "s2", ""))
		return ordering.NewSnapshot(testIteration, "", items)
	}
	svc := newTestService(fs, newFakeSessions(editorSession("user-1")))

	payload, err := svc.Reorder(context.Background(), Session{UserID: "user-1"}, testIteration, ReorderInput{
		ItemID: "r-a", ReferenceID: "r-e", Position: "after",
	})
	if err != nil {
		t.Fatalf("Reorder() error = %v", err)
	}
	if payload["strategy"] != ordering.StrategyRelocate {
		t.Fatalf("strategy = %v, want relocate", payload["strategy"])
	}
	set := fs.applied[0]
	if len(set.Keys) != 0 || set.Container == nil || set.Container.To.ContainerID != "s2" {
		t.Fatalf("set = %+v", set)
	}
}

func TestDropIntoEmptySpecificationRelocates(t *testing.T) {
	fs := scenarioStore(t, "pt-order")
	svc := newTestService(fs, newFakeSessions(editorSession("user-1")))

	payload, err := svc.DropInto(context.Background(), Session{UserID: "user-1"}, testIteration, DropInput{
		ItemID: "r-b", ContainerID: "s2",
	})
	if err != nil {
		t.Fatalf("DropInto() error = %v", err)
	}
	if payload["strategy"] != ordering.StrategyRelocate {
		t.Fatalf("strategy = %v, want relocate", payload["strategy"])
	}
	if c := fs.applied[0].Container; c == nil || c.From.ContainerID != "s1" || c.To.ContainerID != "s2" {
		t.Fatalf("container = %+v", c)
	}
}

func TestOpenIterationStoresSession(t *testing.T) {
	fs := &fakeStore{
		getParticipantFn: func(_ context.Context, iterationID, userID string) (store.Participant, error) {
			return store.Participant{ID: "par-1", IterationID: iterationID, UserID: userID, Role: "editor", DomainID: "dom-pwr"}, nil
		},
	}
	sessions := newFakeSessions()
	svc := newTestService(fs, sessions)

	payload, err := svc.OpenIteration(context.Background(), Session{UserID: "user-1"}, testIteration)
	if err != nil {
		t.Fatalf("OpenIteration() error = %v", err)
	}
	if payload["role"] != "editor" || payload["domainId"] != "dom-pwr" {
		t.Fatalf("payload = %+v", payload)
	}
	sess, err := sessions.LookupIterationSession(context.Background(), "user-1", testIteration)
	if err != nil {
		t.Fatalf("session not saved: %v", err)
	}
	if sess.ParticipantID != "par-1" || !sess.ExpiresAt.After(time.Now()) {
		t.Fatalf("session = %+v", sess)
	}

	if err := svc.CloseIteration(context.Background(), Session{UserID: "user-1"}, testIteration); err != nil {
		t.Fatalf("CloseIteration() error = %v", err)
	}
	if _, err := sessions.LookupIterationSession(context.Background(), "user-1", testIteration); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("session still present after close: %v", err)
	}
}

func TestOpenIterationRejectsOutsiders(t *testing.T) {
	svc := newTestService(&fakeStore{}, newFakeSessions())
	_, err := svc.OpenIteration(context.Background(), Session{UserID: "user-1"}, testIteration)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "NOT_A_PARTICIPANT" {
		t.Fatalf("error = %v, want NOT_A_PARTICIPANT", err)
	}

	fs := &fakeStore{
		getParticipantFn: func(context.Context, string, string) (store.Participant, error) {
			return store.Participant{ID: "par-1", Role: "editor"}, nil
		},
	}
	svc = newTestService(fs, newFakeSessions())
	_, err = svc.OpenIteration(context.Background(), Session{UserID: "user-1"}, testIteration)
	if !errors.As(err, &domainErr) || domainErr.Code != "DOMAIN_REQUIRED" {
		t.Fatalf("error = %v, want DOMAIN_REQUIRED", err)
	}
}

func TestSetFrozenRequiresOwner(t *testing.T) {
	var frozen []bool
	fs := &fakeStore{
		setIterationFrozenFn: func(_ context.Context, _ string, value bool) error {
			frozen = append(frozen, value)
			return nil
		},
	}
	owner := editorSession("user-2")
	owner.Role = "owner"
	svc := newTestService(fs, newFakeSessions(editorSession("user-1"), owner))

	_, err := svc.SetFrozen(context.Background(), Session{UserID: "user-1"}, testIteration, true)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusForbidden {
		t.Fatalf("editor freeze: error = %v, want 403", err)
	}
	if _, err := svc.SetFrozen(context.Background(), Session{UserID: "user-2"}, testIteration, true); err != nil {
		t.Fatalf("owner freeze: %v", err)
	}
	if len(frozen) != 1 || !frozen[0] {
		t.Fatalf("frozen calls = %v", frozen)
	}
}

func TestOutlineOrdersItems(t *testing.T) {
	svc := newTestService(scenarioStore(t, "pt-order"), newFakeSessions(editorSession("user-1")))
	payload, err := svc.Outline(context.Background(), Session{UserID: "user-1"}, testIteration)
	if err != nil {
		t.Fatalf("Outline() error = %v", err)
	}
	nodes, _ := payload["outline"].([]*ordering.Node)
	if len(nodes) != 2 || nodes[0].Item.ID != "s1" {
		t.Fatalf("outline = %+v", nodes)
	}
	var ids []string
	for _, child := range nodes[0].Children {
		ids = append(ids, child.Item.ID)
	}
	want := []string{"r-a", "r-b", "r-c", "r-d"}
	if len(ids) != len(want) {
		t.Fatalf("children = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("children = %v, want %v", ids, want)
		}
	}
}

func TestSearchScopesToIteration(t *testing.T) {
	idx := &fakeSearch{}
	svc := newTestService(&fakeStore{}, newFakeSessions(editorSession("user-1")))
	svc.search = idx

	resp, err := svc.Search(context.Background(), Session{UserID: "user-1"}, testIteration, search.Query{Text: "boot", IterationID: "other"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if resp.Total != 1 || len(idx.queries) != 1 || idx.queries[0].IterationID != testIteration {
		t.Fatalf("resp = %+v queries = %+v", resp, idx.queries)
	}
}

func TestBootstrapSeedsEmptyDatabase(t *testing.T) {
	fs := &fakeStore{
		listIterationsFn: func(context.Context) ([]store.Iteration, error) {
			return []store.Iteration{{ID: demoIteration}}, nil
		},
	}
	idx := &fakeSearch{}
	svc := newTestService(fs, newFakeSessions())
	svc.cfg.Seed = true
	svc.search = idx

	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	rows := fs.insertedRows
	if rows["iteration"] != 1 || rows["domain"] != 2 || rows["participant"] != 3 || rows["item"] != 11 || rows["order_value"] != 9 {
		t.Fatalf("inserted rows = %v", rows)
	}
	if len(idx.reindexed) != 1 || idx.reindexed[0] != demoIteration {
		t.Fatalf("reindexed = %v", idx.reindexed)
	}
}

func TestBootstrapSkipsSeedingExistingData(t *testing.T) {
	fs := &fakeStore{
		countIterationsFn: func(context.Context) (int, error) { return 1, nil },
	}
	svc := newTestService(fs, newFakeSessions())
	svc.cfg.Seed = true

	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if len(fs.insertedRows) != 0 {
		t.Fatalf("inserted rows = %v, want none", fs.insertedRows)
	}
}
