package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"reqorder/api/internal/auth"
	"reqorder/api/internal/config"
	"reqorder/api/internal/orderkey"
	"reqorder/api/internal/ordering"
	"reqorder/api/internal/rbac"
	"reqorder/api/internal/search"
	"reqorder/api/internal/store"
	"reqorder/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	JTI       string
	ExpiresAt time.Time
}

type ReorderInput struct {
	ItemID      string `json:"itemId"`
	ReferenceID string `json:"referenceId"`
	Position    string `json:"position"`
}

type DropInput struct {
	ItemID      string `json:"itemId"`
	ContainerID string `json:"containerId"`
}

type dataStore interface {
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	GetIteration(context.Context, string) (store.Iteration, error)
	ListIterations(context.Context) ([]store.Iteration, error)
	GetParticipant(context.Context, string, string) (store.Participant, error)
	LoadSnapshot(context.Context, string) (*ordering.Snapshot, error)
	ApplyMutations(context.Context, ordering.MutationSet) error
	SetIterationFrozen(context.Context, string, bool) error
	CountIterations(context.Context) (int, error)
	InsertDomain(context.Context, store.Domain) error
	InsertIteration(context.Context, store.Iteration) error
	InsertParticipant(context.Context, store.Participant) error
	InsertItem(context.Context, store.ItemRecord) error
	InsertOrderValue(context.Context, store.OrderValue) error
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveIterationSession(context.Context, store.IterationSession) error
	LookupIterationSession(context.Context, string, string) (store.IterationSession, error)
	DeleteIterationSession(context.Context, string, string) error
}

type searchIndex interface {
	Search(search.Query) search.Response
	IndexItems([]search.ItemRecord)
	ReindexIteration(context.Context, string)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	search   searchIndex
	planner  *ordering.Planner
}

// New wires the service. sessions is Redis when reachable, otherwise the
// Postgres store itself. searchService may be nil.
func New(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, searchService *search.Service) *Service {
	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		planner:  newPlanner(cfg),
	}
	if searchService != nil {
		s.search = searchService
	}
	return s
}

func newPlanner(cfg config.Config) *ordering.Planner {
	alloc := orderkey.NewAllocator(nil,
		orderkey.WithMaxStep(cfg.MaxStep),
		orderkey.WithMinGap(cfg.MinGap),
	)
	return ordering.NewPlanner(alloc, ordering.WithIDGenerator(func() string {
		return util.NewID("ov")
	}))
}

func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountIterations(ctx)
	if err != nil {
		return err
	}
	if count == 0 && s.cfg.Seed {
		if err := s.seedDemo(ctx); err != nil {
			return fmt.Errorf("seed demo model: %w", err)
		}
		log.Printf("app: seeded demo iteration %s", demoIteration)
	}

	if s.search == nil {
		return nil
	}
	iterations, err := s.store.ListIterations(ctx)
	if err != nil {
		return err
	}
	for _, it := range iterations {
		s.search.ReindexIteration(ctx, it.ID)
	}
	return nil
}

const demoIteration = "it-demo"

func (s *Service) seedDemo(ctx context.Context) error {
	domains := []store.Domain{
		{ID: "dom-sys", ShortName: "SYS", Name: "Systems engineering"},
		{ID: "dom-pwr", ShortName: "PWR", Name: "Power"},
	}
	for _, d := range domains {
		if err := s.store.InsertDomain(ctx, d); err != nil {
			return err
		}
	}
	if err := s.store.InsertIteration(ctx, store.Iteration{
		ID:                 demoIteration,
		ModelName:          "Demo satellite",
		OrderParameterType: "pt-order",
	}); err != nil {
		return err
	}

	participants := []struct {
		Name   string
		Role   rbac.Role
		Domain string
	}{
		{Name: "Avery", Role: rbac.RoleOwner, Domain: "dom-sys"},
		{Name: "Jamie", Role: rbac.RoleEditor, Domain: "dom-pwr"},
		{Name: "Sarah", Role: rbac.RoleViewer},
	}
	for _, p := range participants {
		user, err := s.store.EnsureUserByName(ctx, p.Name)
		if err != nil {
			return err
		}
		if err := s.store.InsertParticipant(ctx, store.Participant{
			ID:          util.NewID("par"),
			IterationID: demoIteration,
			UserID:      user.ID,
			Role:        string(p.Role),
			DomainID:    p.Domain,
		}); err != nil {
			return err
		}
	}

	items := []struct {
		store.ItemRecord
		Value string
	}{
		{ItemRecord: store.ItemRecord{ID: "spec-sys", Kind: "specification", ShortName: "SYS", Name: "System requirements", OwnerDomain: "dom-sys"}, Value: "10000"},
		{ItemRecord: store.ItemRecord{ID: "spec-pwr", Kind: "specification", ShortName: "PWR", Name: "Power requirements", OwnerDomain: "dom-pwr"}, Value: "20000"},
		{ItemRecord: store.ItemRecord{ID: "grp-sys-perf", Kind: "group", ShortName: "PERF", Name: "Performance", ParentID: "spec-sys", OwnerDomain: "dom-sys"}, Value: "10000"},
		{ItemRecord: store.ItemRecord{ID: "grp-sys-env", Kind: "group", ShortName: "ENV", Name: "Environment", ParentID: "spec-sys", OwnerDomain: "dom-sys"}, Value: "20000"},
		{ItemRecord: store.ItemRecord{ID: "req-sys-1", Kind: "requirement", ShortName: "SYS-001", Name: "The spacecraft shall survive launch loads", ParentID: "spec-sys", OwnerDomain: "dom-sys"}, Value: "10000"},
		{ItemRecord: store.ItemRecord{ID: "req-sys-2", Kind: "requirement", ShortName: "SYS-002", Name: "The spacecraft shall operate for seven years", ParentID: "spec-sys", OwnerDomain: "dom-sys"}, Value: "20000"},
		{ItemRecord: store.ItemRecord{ID: "req-sys-3", Kind: "requirement", ShortName: "SYS-003", Name: "Pointing accuracy shall be better than 0.1 deg", ParentID: "spec-sys", GroupID: "grp-sys-perf", OwnerDomain: "dom-sys"}, Value: "10000"},
		{ItemRecord: store.ItemRecord{ID: "req-sys-4", Kind: "requirement", ShortName: "SYS-004", Name: "Thermal range shall cover -20 to 50 C", ParentID: "spec-sys", GroupID: "grp-sys-env", OwnerDomain: "dom-sys"}},
		{ItemRecord: store.ItemRecord{ID: "req-pwr-1", Kind: "requirement", ShortName: "PWR-001", Name: "Bus voltage shall be 28 V", ParentID: "spec-pwr", OwnerDomain: "dom-pwr"}, Value: "10000"},
		{ItemRecord: store.ItemRecord{ID: "req-pwr-2", Kind: "requirement", ShortName: "PWR-002", Name: "Battery depth of discharge shall stay below 30%", ParentID: "spec-pwr", OwnerDomain: "dom-pwr"}, Value: "20000"},
		{ItemRecord: store.ItemRecord{ID: "req-pwr-3", Kind: "requirement", ShortName: "PWR-003", Name: "Solar array shall deliver 1.2 kW at end of life", ParentID: "spec-pwr", OwnerDomain: "dom-pwr"}},
	}
	for _, item := range items {
		record := item.ItemRecord
		record.IterationID = demoIteration
		if err := s.store.InsertItem(ctx, record); err != nil {
			return err
		}
		if item.Value == "" {
			continue
		}
		if err := s.store.InsertOrderValue(ctx, store.OrderValue{
			ID:            util.NewID("ov"),
			ItemID:        record.ID,
			ParameterType: "pt-order",
			Value:         item.Value,
			OwnerDomain:   record.OwnerDomain,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}

	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.DisplayName, jti, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	session := Session{
		Token:    token,
		UserID:   user.ID,
		UserName: user.DisplayName,
		JTI:      claims.ID,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) ListIterations(ctx context.Context) ([]map[string]any, error) {
	iterations, err := s.store.ListIterations(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(iterations))
	for _, it := range iterations {
		out = append(out, iterationPayload(it))
	}
	return out, nil
}

func iterationPayload(it store.Iteration) map[string]any {
	return map[string]any{
		"id":              it.ID,
		"modelName":       it.ModelName,
		"orderingEnabled": it.OrderParameterType != "",
		"frozen":          it.Frozen,
	}
}

// OpenIteration records the participant and domain of expertise the user
// works as in the iteration. Later reorders read it back.
func (s *Service) OpenIteration(ctx context.Context, session Session, iterationID string) (map[string]any, error) {
	it, err := s.store.GetIteration(ctx, iterationID)
	if err != nil {
		return nil, err
	}
	participant, err := s.store.GetParticipant(ctx, iterationID, session.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domainError(http.StatusForbidden, "NOT_A_PARTICIPANT", "You are not a participant of this iteration", nil)
	}
	if err != nil {
		return nil, err
	}
	role := rbac.Normalize(participant.Role)
	if role == rbac.RoleEditor && participant.DomainID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "DOMAIN_REQUIRED", "Editors need a domain of expertise", nil)
	}

	now := time.Now()
	sess := store.IterationSession{
		UserID:        session.UserID,
		IterationID:   it.ID,
		ParticipantID: participant.ID,
		DomainID:      participant.DomainID,
		Role:          string(role),
		OpenedAt:      now,
		ExpiresAt:     now.Add(s.cfg.SessionTTL),
	}
	if err := s.sessions.SaveIterationSession(ctx, sess); err != nil {
		return nil, err
	}
	payload := iterationPayload(it)
	payload["role"] = sess.Role
	payload["domainId"] = sess.DomainID
	payload["expiresAt"] = sess.ExpiresAt.UTC().Format(time.RFC3339)
	return payload, nil
}

func (s *Service) CloseIteration(ctx context.Context, session Session, iterationID string) error {
	return s.sessions.DeleteIterationSession(ctx, session.UserID, iterationID)
}

func (s *Service) iterationSession(ctx context.Context, session Session, iterationID string, action rbac.Action) (store.IterationSession, error) {
	sess, err := s.sessions.LookupIterationSession(ctx, session.UserID, iterationID)
	if err != nil {
		return store.IterationSession{}, err
	}
	if !s.Can(sess.Role, action) {
		return store.IterationSession{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return sess, nil
}

func (s *Service) Outline(ctx context.Context, session Session, iterationID string) (map[string]any, error) {
	if _, err := s.iterationSession(ctx, session, iterationID, rbac.ActionRead); err != nil {
		return nil, err
	}
	snap, err := s.store.LoadSnapshot(ctx, iterationID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"iterationId":     snap.IterationID,
		"orderingEnabled": snap.OrderingEnabled(),
		"outline":         ordering.Outline(snap),
	}, nil
}

func (s *Service) Reorder(ctx context.Context, session Session, iterationID string, input ReorderInput) (map[string]any, error) {
	kind, err := ordering.ParseInsertKind(input.Position)
	if err != nil {
		return nil, validationError("position must be before or after")
	}
	if strings.TrimSpace(input.ItemID) == "" || strings.TrimSpace(input.ReferenceID) == "" {
		return nil, validationError("itemId and referenceId are required")
	}
	req := ordering.Request{ItemID: input.ItemID, ReferenceID: input.ReferenceID, Kind: kind}
	return s.plan(ctx, session, iterationID, func(snap *ordering.Snapshot, perms ordering.Permissions, domains ordering.DomainResolver) (ordering.MutationSet, error) {
		return s.planner.Insert(snap, req, perms, domains)
	})
}

// DropInto places an item on a container, before its first child.
func (s *Service) DropInto(ctx context.Context, session Session, iterationID string, input DropInput) (map[string]any, error) {
	if strings.TrimSpace(input.ItemID) == "" || strings.TrimSpace(input.ContainerID) == "" {
		return nil, validationError("itemId and containerId are required")
	}
	return s.plan(ctx, session, iterationID, func(snap *ordering.Snapshot, perms ordering.Permissions, domains ordering.DomainResolver) (ordering.MutationSet, error) {
		return s.planner.DropInto(snap, input.ItemID, input.ContainerID, perms, domains)
	})
}

type planFunc func(*ordering.Snapshot, ordering.Permissions, ordering.DomainResolver) (ordering.MutationSet, error)

// plan runs fn against a fresh snapshot and applies the result, starting
// over when the store reports a stale write.
func (s *Service) plan(ctx context.Context, session Session, iterationID string, fn planFunc) (map[string]any, error) {
	sess, err := s.iterationSession(ctx, session, iterationID, rbac.ActionReorder)
	if err != nil {
		return nil, err
	}
	perms := rbac.ItemPermissions{Role: rbac.Normalize(sess.Role), Domain: sess.DomainID}
	domains := ordering.DomainResolverFunc(func(id string) (string, error) {
		current, err := s.sessions.LookupIterationSession(ctx, session.UserID, id)
		if err != nil {
			return "", err
		}
		return current.DomainID, nil
	})

	retries := s.cfg.StaleRetries
	if retries < 0 {
		retries = 0
	}
	for attempt := 1; ; attempt++ {
		snap, err := s.store.LoadSnapshot(ctx, iterationID)
		if err != nil {
			return nil, err
		}
		set, err := fn(snap, perms, domains)
		if err != nil {
			return nil, err
		}
		err = s.store.ApplyMutations(ctx, set)
		if errors.Is(err, store.ErrStaleWrite) && attempt <= retries {
			log.Printf("app: stale write on %s (attempt %d), replanning", iterationID, attempt)
			continue
		}
		if err != nil {
			return nil, err
		}

		if s.search != nil {
			s.search.IndexItems(search.RecordsFor(snap.Apply(set), set.ItemIDs()))
		}
		return map[string]any{
			"iterationId": iterationID,
			"strategy":    set.Strategy,
			"mutations":   nonNilKeys(set.Keys),
			"container":   set.Container,
			"attempts":    attempt,
		}, nil
	}
}

func nonNilKeys(keys []ordering.KeyMutation) []ordering.KeyMutation {
	if keys == nil {
		return []ordering.KeyMutation{}
	}
	return keys
}

// SetFrozen locks or unlocks an iteration. Writes planned before a freeze
// are rejected by the database when they commit.
func (s *Service) SetFrozen(ctx context.Context, session Session, iterationID string, frozen bool) (map[string]any, error) {
	if _, err := s.iterationSession(ctx, session, iterationID, rbac.ActionAdmin); err != nil {
		return nil, err
	}
	if err := s.store.SetIterationFrozen(ctx, iterationID, frozen); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "iterationId": iterationID, "frozen": frozen}, nil
}

func (s *Service) Search(ctx context.Context, session Session, iterationID string, q search.Query) (search.Response, error) {
	if _, err := s.iterationSession(ctx, session, iterationID, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	q.IterationID = iterationID
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(q), nil
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
