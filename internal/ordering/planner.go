package ordering

import (
	"fmt"

	"github.com/google/uuid"

	"reqorder/api/internal/orderkey"
)

// Request asks for ItemID to be placed directly before or after ReferenceID.
type Request struct {
	ItemID      string
	ReferenceID string
	Kind        InsertKind
}

// Planner turns a move request into a MutationSet. It performs no I/O and
// never modifies the snapshot it is given.
type Planner struct {
	alloc     *orderkey.Allocator
	resolvers map[Kind]Resolver
	newID     func() string
}

type PlannerOption func(*Planner)

// WithResolver replaces the resolver for r.Kind().
func WithResolver(r Resolver) PlannerOption {
	return func(p *Planner) {
		p.resolvers[r.Kind()] = r
	}
}

// WithIDGenerator sets the id source for new key sources.
func WithIDGenerator(fn func() string) PlannerOption {
	return func(p *Planner) {
		if fn != nil {
			p.newID = fn
		}
	}
}

func NewPlanner(alloc *orderkey.Allocator, opts ...PlannerOption) *Planner {
	if alloc == nil {
		alloc = orderkey.NewAllocator(nil)
	}
	p := &Planner{
		alloc:     alloc,
		resolvers: make(map[Kind]Resolver),
		newID:     uuid.NewString,
	}
	for _, r := range DefaultResolvers() {
		p.resolvers[r.Kind()] = r
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// slot is the working state of one sibling during a planning run.
type slot struct {
	item     *Item
	key      orderkey.Key
	writable bool
	next     int32
	assigned bool
}

// Insert plans placing the requested item immediately before or after the
// reference in the reference's context.
//
// The planner first tries to fit a key between the reference and its
// neighbour. When the gap is exhausted it renumbers the whole context, unless
// a sibling is not writable, in which case it settles for any free key
// between the neighbours.
func (p *Planner) Insert(snap *Snapshot, req Request, perms Permissions, domains DomainResolver) (MutationSet, error) {
	if perms == nil {
		perms = AllowAll{}
	}
	item, ok := snap.Item(req.ItemID)
	if !ok {
		return MutationSet{}, fmt.Errorf("%w: %s", ErrItemNotFound, req.ItemID)
	}
	reference, ok := snap.Item(req.ReferenceID)
	if !ok {
		return MutationSet{}, invalidContext("reference %s is not in iteration %s", req.ReferenceID, snap.IterationID)
	}
	resolver, ok := p.resolvers[item.Kind]
	if !ok {
		return MutationSet{}, invalidContext("%s items cannot be ordered", item.Kind)
	}
	ctx, err := resolver.Resolve(snap, item, reference)
	if err != nil {
		return MutationSet{}, err
	}
	if !perms.CanWrite(item.Kind, item) {
		return MutationSet{}, fmt.Errorf("%w: %s %s", ErrPermissionDenied, item.Kind, item.ID)
	}

	set := MutationSet{
		IterationID:   snap.IterationID,
		ParameterType: snap.OrderParameterType,
		Container:     containerMutation(item, ctx),
	}
	if !snap.OrderingEnabled() {
		set.Strategy = StrategyRelocate
		return set, nil
	}

	moved, order := p.stage(ctx, item, perms)
	refIdx := -1
	for i, s := range order {
		if s.item.ID == reference.ID {
			refIdx = i
			break
		}
	}
	if refIdx < 0 {
		return MutationSet{}, invalidContext("reference %s missing from its own context", reference.ID)
	}
	lower, upper := bounds(order, refIdx, req.Kind)
	used := orderkey.NewSet()
	for _, s := range order {
		if v, ok := s.key.Value(); ok {
			used.Add(v)
		}
	}

	if key, ok := p.alloc.ComputeKey(lower, upper, used, false); ok {
		moved.assign(key)
		set.Strategy = StrategyLocal
	} else if !allWritable(order) {
		key, ok := p.alloc.ComputeKey(lower, upper, used, true)
		if !ok {
			return MutationSet{}, fmt.Errorf("%w: between neighbours of %s", ErrNoRoom, reference.ID)
		}
		moved.assign(key)
		set.Strategy = StrategyFallback
	} else {
		if err := p.rebalance(order, refIdx, moved, req.Kind); err != nil {
			return MutationSet{}, err
		}
		set.Strategy = StrategyRebalance
	}

	keys, err := p.keyMutations(snap, append(order, moved), domains)
	if err != nil {
		return MutationSet{}, err
	}
	set.Keys = keys
	return set, nil
}

// DropInto places the item before the first child of containerID,
// or only moves it there when the container has no children of its kind.
func (p *Planner) DropInto(snap *Snapshot, itemID, containerID string, perms Permissions, domains DomainResolver) (MutationSet, error) {
	item, ok := snap.Item(itemID)
	if !ok {
		return MutationSet{}, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	resolver, ok := p.resolvers[item.Kind]
	if !ok {
		return MutationSet{}, invalidContext("%s items cannot be ordered", item.Kind)
	}
	place, err := resolver.Target(snap, item, containerID)
	if err != nil {
		return MutationSet{}, err
	}
	var children []*Item
	for _, child := range snap.Children(item.Kind, place) {
		if child.ID != item.ID {
			children = append(children, child)
		}
	}
	if len(children) == 0 {
		return p.Relocate(snap, itemID, place, perms)
	}
	first := Sort(children)[0]
	return p.Insert(snap, Request{ItemID: itemID, ReferenceID: first.ID, Kind: InsertBefore}, perms, domains)
}

// Relocate moves an item to place without touching any order key.
func (p *Planner) Relocate(snap *Snapshot, itemID string, place Placement, perms Permissions) (MutationSet, error) {
	if perms == nil {
		perms = AllowAll{}
	}
	item, ok := snap.Item(itemID)
	if !ok {
		return MutationSet{}, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	if place.ContainerID == "" {
		return MutationSet{}, invalidContext("no container for %s", itemID)
	}
	if !perms.CanWrite(item.Kind, item) {
		return MutationSet{}, fmt.Errorf("%w: %s %s", ErrPermissionDenied, item.Kind, item.ID)
	}
	ctx := Context{Placement: place, ContainerChanged: item.Placement() != place}
	return MutationSet{
		IterationID:   snap.IterationID,
		ParameterType: snap.OrderParameterType,
		Strategy:      StrategyRelocate,
		Container:     containerMutation(item, ctx),
	}, nil
}

// stage builds the working slots. The moved item starts unordered and is kept
// out of the canonical order used for bounds.
func (p *Planner) stage(ctx Context, item *Item, perms Permissions) (*slot, []*slot) {
	moved := &slot{item: item, key: orderkey.Unordered, writable: true}
	order := make([]*slot, 0, len(ctx.Siblings))
	for _, sibling := range ctx.Siblings {
		if sibling.ID == item.ID {
			continue
		}
		order = append(order, &slot{
			item:     sibling,
			key:      sibling.Key(),
			writable: perms.CanWrite(sibling.Kind, sibling),
		})
	}
	sortSlots(order)
	return moved, order
}

func sortSlots(order []*slot) {
	items := make([]*Item, len(order))
	byID := make(map[string]*slot, len(order))
	for i, s := range order {
		items[i] = s.item
		byID[s.item.ID] = s
	}
	for i, item := range Sort(items) {
		order[i] = byID[item.ID]
	}
}

func bounds(order []*slot, refIdx int, kind InsertKind) (lower, upper *int32) {
	ref := order[refIdx].key.SortValue()
	if kind == InsertBefore {
		upper = orderkey.Bound(ref)
		if refIdx > 0 {
			lower = orderkey.Bound(order[refIdx-1].key.SortValue())
		}
		return lower, upper
	}
	lower = orderkey.Bound(ref)
	if refIdx < len(order)-1 {
		upper = orderkey.Bound(order[refIdx+1].key.SortValue())
	}
	return lower, upper
}

func allWritable(order []*slot) bool {
	for _, s := range order {
		if !s.writable {
			return false
		}
	}
	return true
}

// rebalance renumbers the whole context in canonical order from a running
// lower bound of zero, dropping the moved item in next to the reference.
func (p *Planner) rebalance(order []*slot, refIdx int, moved *slot, kind InsertKind) error {
	walk := make([]*slot, 0, len(order)+1)
	for i, s := range order {
		if i == refIdx && kind == InsertBefore {
			walk = append(walk, moved)
		}
		walk = append(walk, s)
		if i == refIdx && kind == InsertAfter {
			walk = append(walk, moved)
		}
	}
	lower := int32(0)
	for _, s := range walk {
		key, ok := p.alloc.ComputeKey(orderkey.Bound(lower), nil, nil, true)
		if !ok {
			return fmt.Errorf("%w: context of %d items exceeds key range", ErrNoRoom, len(walk))
		}
		s.assign(key)
		lower = key
	}
	return nil
}

func (s *slot) assign(key int32) {
	s.next = key
	s.assigned = true
}

// keyMutations emits a mutation for every slot whose stored value changes.
// The owning domain is resolved once, and only when a source is created.
func (p *Planner) keyMutations(snap *Snapshot, slots []*slot, domains DomainResolver) ([]KeyMutation, error) {
	var (
		out    []KeyMutation
		domain string
	)
	for _, s := range slots {
		if !s.assigned {
			continue
		}
		value := orderkey.Encode(s.next)
		if src := s.item.KeySource; src != nil {
			if src.Value == value {
				continue
			}
			next := *src
			next.Value = value
			out = append(out, KeyMutation{Op: OpUpdate, Source: next, Key: s.next})
			continue
		}
		if domain == "" {
			resolved, err := resolveDomain(snap, domains)
			if err != nil {
				return nil, err
			}
			domain = resolved
		}
		out = append(out, KeyMutation{
			Op: OpCreate,
			Source: KeySource{
				ID:     p.newID(),
				ItemID: s.item.ID,
				Value:  value,
				Owner:  domain,
			},
			Key: s.next,
		})
	}
	return out, nil
}

func resolveDomain(snap *Snapshot, domains DomainResolver) (string, error) {
	if domains == nil {
		return "", fmt.Errorf("%w: no resolver for iteration %s", ErrDomainUnresolved, snap.IterationID)
	}
	domain, err := domains.ResolveOwningDomain(snap.IterationID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDomainUnresolved, err)
	}
	if domain == "" {
		return "", fmt.Errorf("%w: iteration %s", ErrDomainUnresolved, snap.IterationID)
	}
	return domain, nil
}

func containerMutation(item *Item, ctx Context) *ContainerMutation {
	if !ctx.ContainerChanged {
		return nil
	}
	return &ContainerMutation{
		ItemID:   item.ID,
		Kind:     item.Kind,
		Revision: item.Revision,
		From:     item.Placement(),
		To:       ctx.Placement,
	}
}
