package ordering

import "fmt"

// Snapshot is the in-memory state of one iteration that a planning run works
// against. It is never modified by the planner.
type Snapshot struct {
	IterationID string
	// OrderParameterType identifies the parameter type that carries order
	// keys. Ordering is disabled when it is empty.
	OrderParameterType string

	items map[string]*Item
	ids   []string
}

func NewSnapshot(iterationID, orderParameterType string, items []*Item) (*Snapshot, error) {
	snap := &Snapshot{
		IterationID:        iterationID,
		OrderParameterType: orderParameterType,
		items:              make(map[string]*Item, len(items)),
		ids:                make([]string, 0, len(items)),
	}
	for _, item := range items {
		if item == nil || item.ID == "" {
			return nil, fmt.Errorf("snapshot item without id")
		}
		if _, exists := snap.items[item.ID]; exists {
			return nil, fmt.Errorf("duplicate snapshot item %s", item.ID)
		}
		snap.items[item.ID] = item.clone()
		snap.ids = append(snap.ids, item.ID)
	}
	return snap, nil
}

func (s *Snapshot) OrderingEnabled() bool {
	return s.OrderParameterType != ""
}

func (s *Snapshot) Item(id string) (*Item, bool) {
	item, ok := s.items[id]
	return item, ok
}

// Items returns every item in load order.
func (s *Snapshot) Items() []*Item {
	out := make([]*Item, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.items[id])
	}
	return out
}

// Children returns the items of kind placed exactly at p, in load order.
func (s *Snapshot) Children(kind Kind, p Placement) []*Item {
	var out []*Item
	for _, id := range s.ids {
		item := s.items[id]
		if item.Kind == kind && item.Placement() == p {
			out = append(out, item)
		}
	}
	return out
}

// specificationOf walks up the container chain of a group or requirement.
func (s *Snapshot) specificationOf(item *Item) (*Item, error) {
	current := item
	for steps := 0; steps <= len(s.ids); steps++ {
		if current.Kind == KindSpecification {
			return current, nil
		}
		parent, ok := s.items[current.ContainerID]
		if !ok {
			return nil, invalidContext("%s %s has no resolvable container", current.Kind, current.ID)
		}
		current = parent
	}
	return nil, invalidContext("container chain of %s loops", item.ID)
}

// isWithin reports whether id is groupID itself or one of its ancestors is.
func (s *Snapshot) isWithin(containerID, groupID string) bool {
	current := containerID
	for steps := 0; steps <= len(s.ids); steps++ {
		if current == groupID {
			return true
		}
		parent, ok := s.items[current]
		if !ok || parent.Kind != KindGroup {
			return false
		}
		current = parent.ContainerID
	}
	return true
}

// Apply returns a copy of the snapshot with the mutations of set written
// through, bumping revisions the way the store does on commit.
func (s *Snapshot) Apply(set MutationSet) *Snapshot {
	next := &Snapshot{
		IterationID:        s.IterationID,
		OrderParameterType: s.OrderParameterType,
		items:              make(map[string]*Item, len(s.items)),
		ids:                append([]string(nil), s.ids...),
	}
	for id, item := range s.items {
		next.items[id] = item.clone()
	}
	for _, m := range set.Keys {
		item, ok := next.items[m.Source.ItemID]
		if !ok {
			continue
		}
		src := m.Source
		if m.Op == OpUpdate {
			src.Revision++
		} else {
			src.Revision = 1
		}
		item.KeySource = &src
	}
	if c := set.Container; c != nil {
		if item, ok := next.items[c.ItemID]; ok {
			item.ContainerID = c.To.ContainerID
			item.GroupID = c.To.GroupID
			item.Revision++
		}
	}
	return next
}
