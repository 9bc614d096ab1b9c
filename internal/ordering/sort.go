package ordering

import "sort"

// Less is the canonical order: ordered keys ascending, then unordered items
// by short name. The id breaks any remaining tie.
func Less(a, b *Item) bool {
	ka, kb := a.Key(), b.Key()
	if ka.Less(kb) {
		return true
	}
	if kb.Less(ka) {
		return false
	}
	if a.ShortName != b.ShortName {
		return a.ShortName < b.ShortName
	}
	return a.ID < b.ID
}

// Sort returns items in canonical order without touching the input slice.
func Sort(items []*Item) []*Item {
	out := append([]*Item(nil), items...)
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

// Node is one entry of an iteration outline.
type Node struct {
	Item     *Item   `json:"item"`
	Children []*Node `json:"children,omitempty"`
}

// Outline arranges the snapshot as specifications, each holding its groups
// (recursively) and requirements, every level in canonical order. Groups of a
// container come before its requirements.
func Outline(snap *Snapshot) []*Node {
	specs := Sort(snap.Children(KindSpecification, Placement{ContainerID: snap.IterationID}))
	nodes := make([]*Node, 0, len(specs))
	seen := make(map[string]bool)
	for _, spec := range specs {
		nodes = append(nodes, outlineNode(snap, spec, spec.ID, seen))
	}
	return nodes
}

func outlineNode(snap *Snapshot, item *Item, specID string, seen map[string]bool) *Node {
	seen[item.ID] = true
	node := &Node{Item: item}
	for _, group := range Sort(snap.Children(KindGroup, Placement{ContainerID: item.ID})) {
		if seen[group.ID] {
			continue
		}
		node.Children = append(node.Children, outlineNode(snap, group, specID, seen))
	}
	reqPlace := Placement{ContainerID: item.ID}
	if item.Kind == KindGroup {
		reqPlace = Placement{ContainerID: specID, GroupID: item.ID}
	}
	for _, req := range Sort(snap.Children(KindRequirement, reqPlace)) {
		node.Children = append(node.Children, &Node{Item: req})
	}
	return node
}
