package ordering

// Context is the sibling set a move is planned in.
type Context struct {
	// Siblings are the items placed with the reference, the reference
	// included, with the moved item appended once at the end.
	Siblings []*Item
	// ContainerChanged is set when the moved item leaves its placement.
	ContainerChanged bool
	Placement        Placement
}

// Resolver discovers ordering contexts for one item kind.
type Resolver interface {
	Kind() Kind
	// Resolve returns the context the reference lives in.
	Resolve(snap *Snapshot, item, reference *Item) (Context, error)
	// Target returns the placement item takes when dropped on containerID.
	Target(snap *Snapshot, item *Item, containerID string) (Placement, error)
}

func DefaultResolvers() []Resolver {
	return []Resolver{RequirementResolver{}, GroupResolver{}, SpecificationResolver{}}
}

func checkPair(snap *Snapshot, kind Kind, item, reference *Item) error {
	if item == nil || reference == nil {
		return invalidContext("missing item or reference")
	}
	if item.Kind != kind || reference.Kind != kind {
		return invalidContext("cannot order %s %s against %s %s", item.Kind, item.ID, reference.Kind, reference.ID)
	}
	if item.ID == reference.ID {
		return invalidContext("%s %s cannot be its own reference", kind, item.ID)
	}
	if _, ok := snap.Item(reference.ID); !ok {
		return invalidContext("reference %s is not in iteration %s", reference.ID, snap.IterationID)
	}
	if reference.ContainerID == "" {
		return invalidContext("reference %s has no container", reference.ID)
	}
	return nil
}

func buildContext(snap *Snapshot, kind Kind, item *Item, place Placement) Context {
	var siblings []*Item
	for _, candidate := range snap.Children(kind, place) {
		if candidate.ID != item.ID {
			siblings = append(siblings, candidate)
		}
	}
	siblings = append(siblings, item)
	return Context{
		Siblings:         siblings,
		ContainerChanged: item.Placement() != place,
		Placement:        place,
	}
}

// RequirementResolver orders requirements of one specification that share a
// group. Ungrouped requirements share the specification context.
type RequirementResolver struct{}

func (RequirementResolver) Kind() Kind { return KindRequirement }

func (r RequirementResolver) Resolve(snap *Snapshot, item, reference *Item) (Context, error) {
	if err := checkPair(snap, KindRequirement, item, reference); err != nil {
		return Context{}, err
	}
	place := reference.Placement()
	if err := r.validate(snap, place); err != nil {
		return Context{}, err
	}
	return buildContext(snap, KindRequirement, item, place), nil
}

func (r RequirementResolver) Target(snap *Snapshot, item *Item, containerID string) (Placement, error) {
	container, ok := snap.Item(containerID)
	if !ok {
		return Placement{}, invalidContext("container %s is not in iteration %s", containerID, snap.IterationID)
	}
	switch container.Kind {
	case KindSpecification:
		return Placement{ContainerID: container.ID}, nil
	case KindGroup:
		spec, err := snap.specificationOf(container)
		if err != nil {
			return Placement{}, err
		}
		return Placement{ContainerID: spec.ID, GroupID: container.ID}, nil
	default:
		return Placement{}, invalidContext("a requirement cannot be placed in %s %s", container.Kind, container.ID)
	}
}

func (RequirementResolver) validate(snap *Snapshot, place Placement) error {
	spec, ok := snap.Item(place.ContainerID)
	if !ok || spec.Kind != KindSpecification {
		return invalidContext("requirement container %s is not a specification", place.ContainerID)
	}
	if place.GroupID == "" {
		return nil
	}
	group, ok := snap.Item(place.GroupID)
	if !ok || group.Kind != KindGroup {
		return invalidContext("requirement group %s is not a group", place.GroupID)
	}
	owner, err := snap.specificationOf(group)
	if err != nil {
		return err
	}
	if owner.ID != spec.ID {
		return invalidContext("group %s belongs to specification %s, not %s", group.ID, owner.ID, spec.ID)
	}
	return nil
}

// GroupResolver orders groups directly owned by the same specification or
// parent group. Groups stay inside their specification.
type GroupResolver struct{}

func (GroupResolver) Kind() Kind { return KindGroup }

func (g GroupResolver) Resolve(snap *Snapshot, item, reference *Item) (Context, error) {
	if err := checkPair(snap, KindGroup, item, reference); err != nil {
		return Context{}, err
	}
	place := Placement{ContainerID: reference.ContainerID}
	if err := g.validate(snap, item, place.ContainerID); err != nil {
		return Context{}, err
	}
	return buildContext(snap, KindGroup, item, place), nil
}

func (g GroupResolver) Target(snap *Snapshot, item *Item, containerID string) (Placement, error) {
	if item == nil || item.Kind != KindGroup {
		return Placement{}, invalidContext("group target requested for a non-group")
	}
	if err := g.validate(snap, item, containerID); err != nil {
		return Placement{}, err
	}
	return Placement{ContainerID: containerID}, nil
}

func (GroupResolver) validate(snap *Snapshot, item *Item, containerID string) error {
	container, ok := snap.Item(containerID)
	if !ok || (container.Kind != KindSpecification && container.Kind != KindGroup) {
		return invalidContext("group container %s is not a specification or group", containerID)
	}
	if snap.isWithin(containerID, item.ID) {
		return invalidContext("group %s cannot move under itself", item.ID)
	}
	target, err := snap.specificationOf(container)
	if err != nil {
		return err
	}
	current, err := snap.specificationOf(item)
	if err != nil {
		return err
	}
	if target.ID != current.ID {
		return invalidContext("group %s cannot leave specification %s", item.ID, current.ID)
	}
	return nil
}

// SpecificationResolver orders the specifications of the iteration.
type SpecificationResolver struct{}

func (SpecificationResolver) Kind() Kind { return KindSpecification }

func (SpecificationResolver) Resolve(snap *Snapshot, item, reference *Item) (Context, error) {
	if err := checkPair(snap, KindSpecification, item, reference); err != nil {
		return Context{}, err
	}
	if reference.ContainerID != snap.IterationID {
		return Context{}, invalidContext("specification %s is not owned by iteration %s", reference.ID, snap.IterationID)
	}
	return buildContext(snap, KindSpecification, item, Placement{ContainerID: snap.IterationID}), nil
}

func (SpecificationResolver) Target(snap *Snapshot, _ *Item, containerID string) (Placement, error) {
	if containerID != snap.IterationID {
		return Placement{}, invalidContext("a specification cannot be placed in %s", containerID)
	}
	return Placement{ContainerID: containerID}, nil
}
