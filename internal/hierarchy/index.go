// Package hierarchy projects the flat annotation set plus its backing
// business entities into the Room → Location → Cabinet Run → Cabinet tree,
// and resolves deletion cascades. Storage uses a detach-don't-cascade
// foreign-key policy, so the cascade pass here is the only mechanism that
// keeps linkages from dangling.
package hierarchy

import (
	"fmt"
	"sort"

	"planmark/internal/annotation"
)

// Entity is a business-hierarchy record as supplied by the entity store.
// ParentID is empty for rooms.
type Entity struct {
	ID       string
	Name     string
	ParentID string
	Sequence int
}

// Entities carries the four entity levels used to build the tree.
type Entities struct {
	Rooms     []Entity
	Locations []Entity
	Runs      []Entity
	Cabinets  []Entity
}

// Node is one element of the 4-level forest.
type Node struct {
	ID              string
	Kind            annotation.Type
	Name            string
	AnnotationCount int
	Pages           []int
	Children        []*Node
}

// Index holds the built forest plus per-session navigation state.
type Index struct {
	roots    []*Node
	byID     map[string]*Node
	parent   map[string]*Node
	anns     []annotation.Annotation
	expanded map[string]bool
	selected string
}

// Build groups annotations by linkage, attaches display names from the
// business entities, and orders siblings by sequence then name.
func Build(anns []annotation.Annotation, ents Entities) *Index {
	idx := &Index{
		byID:     make(map[string]*Node),
		parent:   make(map[string]*Node),
		anns:     anns,
		expanded: make(map[string]bool),
	}

	add := func(e Entity, kind annotation.Type, parentID string) {
		node := &Node{ID: e.ID, Kind: kind, Name: e.Name}
		idx.byID[e.ID] = node
		if parentID == "" {
			idx.roots = append(idx.roots, node)
			return
		}
		if p, ok := idx.byID[parentID]; ok {
			p.Children = append(p.Children, node)
			idx.parent[e.ID] = p
		} else {
			// Orphaned entity: surface it as a root rather than hiding it.
			idx.roots = append(idx.roots, node)
		}
	}

	for _, e := range sortEntities(ents.Rooms) {
		add(e, annotation.TypeRoom, "")
	}
	for _, e := range sortEntities(ents.Locations) {
		add(e, annotation.TypeRoomLocation, e.ParentID)
	}
	for _, e := range sortEntities(ents.Runs) {
		add(e, annotation.TypeCabinetRun, e.ParentID)
	}
	for _, e := range sortEntities(ents.Cabinets) {
		add(e, annotation.TypeCabinet, e.ParentID)
	}

	for _, a := range anns {
		owning := a.Linkage.OwningID(a.Type)
		if owning == "" {
			continue
		}
		node, ok := idx.byID[owning]
		if !ok {
			continue
		}
		node.AnnotationCount++
		node.Pages = appendPage(node.Pages, a.PageNumber)
	}

	return idx
}

func sortEntities(ents []Entity) []Entity {
	out := make([]Entity, len(ents))
	copy(out, ents)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func appendPage(pages []int, page int) []int {
	for _, p := range pages {
		if p == page {
			return pages
		}
	}
	pages = append(pages, page)
	sort.Ints(pages)
	return pages
}

// Roots returns the room-level nodes.
func (x *Index) Roots() []*Node {
	return x.roots
}

// Node looks a node up by entity id.
func (x *Index) Node(id string) (*Node, bool) {
	n, ok := x.byID[id]
	return n, ok
}

// Expand marks a node expanded. Descendants keep their own state.
func (x *Index) Expand(id string) {
	if _, ok := x.byID[id]; ok {
		x.expanded[id] = true
	}
}

// Collapse clears a node's expanded flag.
func (x *Index) Collapse(id string) {
	delete(x.expanded, id)
}

// Expanded reports a node's expansion state.
func (x *Index) Expanded(id string) bool {
	return x.expanded[id]
}

// ExpandPath expands every ancestor of id, plus id itself.
func (x *Index) ExpandPath(id string) {
	for _, n := range x.Path(id) {
		x.expanded[n.ID] = true
	}
}

// Path returns the ancestor chain from root down to id inclusive, or nil
// when id is unknown.
func (x *Index) Path(id string) []*Node {
	n, ok := x.byID[id]
	if !ok {
		return nil
	}
	var chain []*Node
	for n != nil {
		chain = append([]*Node{n}, chain...)
		n = x.parent[n.ID]
	}
	return chain
}

// Select records the selected node id.
func (x *Index) Select(id string) error {
	if _, ok := x.byID[id]; !ok {
		return fmt.Errorf("hierarchy: unknown node %q", id)
	}
	x.selected = id
	return nil
}

// Selected returns the currently selected node id, or "".
func (x *Index) Selected() string {
	return x.selected
}

// AnnotationsFor returns the ids of every annotation owned by the node or
// any of its descendants, across all pages.
func (x *Index) AnnotationsFor(id string) []string {
	set := x.subtreeIDs(id)
	if set == nil {
		return nil
	}
	var out []string
	for _, a := range x.anns {
		if _, ok := set[a.Linkage.OwningID(a.Type)]; ok {
			out = append(out, a.ID)
		}
	}
	return out
}

// CascadeSet names everything a node deletion removes: the subtree's
// entity ids and every annotation, on any page, whose linkage references
// the deleted subtree.
type CascadeSet struct {
	NodeIDs       []string
	AnnotationIDs []string
}

// CascadeTargets resolves the full deletion cascade for a node. Any
// annotation referencing the subtree anywhere in its linkage chain is
// included, even when it lives on a different page.
func (x *Index) CascadeTargets(id string) (CascadeSet, error) {
	set := x.subtreeIDs(id)
	if set == nil {
		return CascadeSet{}, fmt.Errorf("hierarchy: unknown node %q", id)
	}

	out := CascadeSet{NodeIDs: make([]string, 0, len(set))}
	for nodeID := range set {
		out.NodeIDs = append(out.NodeIDs, nodeID)
	}
	sort.Strings(out.NodeIDs)

	for _, a := range x.anns {
		for _, ref := range a.Linkage.Refs() {
			if _, ok := set[ref.ID]; ok {
				out.AnnotationIDs = append(out.AnnotationIDs, a.ID)
				break
			}
		}
	}
	return out, nil
}

func (x *Index) subtreeIDs(id string) map[string]struct{} {
	root, ok := x.byID[id]
	if !ok {
		return nil
	}
	set := make(map[string]struct{})
	var walk func(*Node)
	walk = func(n *Node) {
		set[n.ID] = struct{}{}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(root)
	return set
}

// ValidateLinkage checks that an annotation's linkage chain resolves to a
// consistent ancestor chain in the index: the owning entity exists and
// every named ancestor is a real ancestor of it.
func (x *Index) ValidateLinkage(a annotation.Annotation) error {
	if a.Type == annotation.TypeDimension {
		return nil
	}
	owning := a.Linkage.OwningID(a.Type)
	node, ok := x.byID[owning]
	if !ok {
		return fmt.Errorf("hierarchy: %s annotation references unknown %s %q", a.Type, a.Type, owning)
	}
	if node.Kind != a.Type {
		return fmt.Errorf("hierarchy: %q is a %s, not a %s", owning, node.Kind, a.Type)
	}

	ancestors := make(map[string]struct{})
	for _, n := range x.Path(owning) {
		ancestors[n.ID] = struct{}{}
	}
	for _, ref := range a.Linkage.Refs() {
		if _, ok := ancestors[ref.ID]; !ok {
			return fmt.Errorf("hierarchy: %s %q is not an ancestor of %s %q", ref.Type, ref.ID, a.Type, owning)
		}
	}
	return nil
}
