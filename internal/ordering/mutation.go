package ordering

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
)

// Strategy records which path produced a mutation set.
type Strategy string

const (
	StrategyLocal     Strategy = "local"
	StrategyRebalance Strategy = "rebalance"
	StrategyFallback  Strategy = "fallback"
	StrategyRelocate  Strategy = "relocate"
)

// KeyMutation creates or updates one key source. Source carries the new value
// and, for updates, the revision the write is fenced on.
type KeyMutation struct {
	Op     Op        `json:"op"`
	Source KeySource `json:"source"`
	Key    int32     `json:"key"`
}

// ContainerMutation moves an item from one placement to another.
type ContainerMutation struct {
	ItemID   string    `json:"itemId"`
	Kind     Kind      `json:"kind"`
	Revision int64     `json:"revision"`
	From     Placement `json:"from"`
	To       Placement `json:"to"`
}

// MutationSet is everything one move writes. The store applies it in a single
// transaction; the individual mutations touch disjoint rows and can be
// applied in any order.
type MutationSet struct {
	IterationID   string             `json:"iterationId"`
	ParameterType string             `json:"parameterType,omitempty"`
	Strategy      Strategy           `json:"strategy"`
	Keys          []KeyMutation      `json:"keys"`
	Container     *ContainerMutation `json:"container,omitempty"`
}

func (m MutationSet) Empty() bool {
	return len(m.Keys) == 0 && m.Container == nil
}

// KeyFor returns the key assigned to itemID, if any.
func (m MutationSet) KeyFor(itemID string) (int32, bool) {
	for _, km := range m.Keys {
		if km.Source.ItemID == itemID {
			return km.Key, true
		}
	}
	return 0, false
}

// ItemIDs lists the items touched by the set, key owners first.
func (m MutationSet) ItemIDs() []string {
	seen := make(map[string]struct{}, len(m.Keys)+1)
	out := make([]string, 0, len(m.Keys)+1)
	for _, km := range m.Keys {
		if _, ok := seen[km.Source.ItemID]; !ok {
			seen[km.Source.ItemID] = struct{}{}
			out = append(out, km.Source.ItemID)
		}
	}
	if m.Container != nil {
		if _, ok := seen[m.Container.ItemID]; !ok {
			out = append(out, m.Container.ItemID)
		}
	}
	return out
}
