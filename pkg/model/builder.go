package model

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// NodeSpec describes a node as the model author writes it. Successors are derived from the
// predecessors of the other nodes.
type NodeSpec struct {
	ID           string
	Type         NodeType
	Label        string
	Predecessors []string
	Message      string
	Results      []ResultDef
}

// Builder collects node specs and turns them into a validated ProcessModel.
//
// Activities, starts, ends and joins may fan out directly, and activities, splits, starts and ends
// may fan in directly: Build inserts the missing split and join nodes.
type Builder struct {
	name  string
	owner string
	uuid  uuid.UUID
	specs []NodeSpec
}

func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

func (b *Builder) Owner(owner string) *Builder {
	b.owner = owner
	return b
}

func (b *Builder) UUID(u uuid.UUID) *Builder {
	b.uuid = u
	return b
}

// HasUUID reports whether the model uuid was set. Build generates one otherwise.
func (b *Builder) HasUUID() bool {
	return b.uuid != uuid.Nil
}

func (b *Builder) Add(spec NodeSpec) *Builder {
	b.specs = append(b.specs, spec)
	return b
}

func (b *Builder) Start(id string) *Builder {
	return b.Add(NodeSpec{ID: id, Type: NodeTypeStart})
}

func (b *Builder) Activity(id string, predecessors ...string) *Builder {
	return b.Add(NodeSpec{ID: id, Type: NodeTypeActivity, Predecessors: predecessors})
}

func (b *Builder) Split(id string, predecessor string) *Builder {
	return b.Add(NodeSpec{ID: id, Type: NodeTypeSplit, Predecessors: []string{predecessor}})
}

func (b *Builder) Join(id string, predecessors ...string) *Builder {
	return b.Add(NodeSpec{ID: id, Type: NodeTypeJoin, Predecessors: predecessors})
}

func (b *Builder) End(id string, predecessors ...string) *Builder {
	return b.Add(NodeSpec{ID: id, Type: NodeTypeEnd, Predecessors: predecessors})
}

// Build validates the graph and returns the unpublished model.
func (b *Builder) Build() (ProcessModel, error) {
	nodes := make([]Node, 0, len(b.specs))
	for _, spec := range b.specs {
		nodes = append(nodes, Node{
			ID:           spec.ID,
			Type:         spec.Type,
			Label:        spec.Label,
			Predecessors: slices.Clone(spec.Predecessors),
			Message:      spec.Message,
			Results:      slices.Clone(spec.Results),
		})
	}
	g, err := newGraph(b.name, nodes)
	if err != nil {
		return ProcessModel{}, err
	}
	for i, n := range g.nodes {
		for _, p := range n.Predecessors {
			pred := &g.nodes[g.index[p]]
			pred.Successors = append(pred.Successors, g.nodes[i].ID)
		}
	}

	g.synthesizeSplits()
	g.synthesizeJoins()

	if err := g.validate(); err != nil {
		return ProcessModel{}, err
	}
	u := b.uuid
	if u == uuid.Nil {
		u = uuid.New()
	}
	return ProcessModel{
		Owner: b.owner,
		UUID:  u,
		Name:  b.name,
		Nodes: g.nodes,
	}, nil
}

// Validate checks a model that did not come out of a Builder. Successor lists must mirror the
// predecessor lists and every fan out or fan in has to go through an explicit split or join.
func (m ProcessModel) Validate() error {
	g, err := newGraph(m.Name, m.Nodes)
	if err != nil {
		return err
	}
	derived := make(map[string][]string, len(g.nodes))
	for _, n := range g.nodes {
		for _, p := range n.Predecessors {
			derived[p] = append(derived[p], n.ID)
		}
	}
	for _, n := range g.nodes {
		for _, s := range n.Successors {
			if _, ok := g.index[s]; !ok {
				return g.errorf(n.ID, "successor %q does not exist", s)
			}
		}
		if !slices.Equal(slices.Sorted(slices.Values(n.Successors)), slices.Sorted(slices.Values(derived[n.ID]))) {
			return g.errorf(n.ID, "successors %v do not match predecessor references %v", n.Successors, derived[n.ID])
		}
	}
	return g.validate()
}

// newGraph indexes nodes and checks ids, types and predecessor references. The nodes slice is
// copied.
func newGraph(model string, nodes []Node) (*graph, error) {
	g := &graph{model: model, index: make(map[string]int, len(nodes))}
	for _, n := range nodes {
		if n.ID == "" {
			return nil, g.errorf("", "node without id")
		}
		if !n.Type.Valid() {
			return nil, g.errorf(n.ID, "unknown node type %q", n.Type)
		}
		if _, dup := g.index[n.ID]; dup {
			return nil, g.errorf(n.ID, "duplicate node id")
		}
		g.index[n.ID] = len(g.nodes)
		g.nodes = append(g.nodes, n)
	}
	for _, n := range g.nodes {
		seen := map[string]bool{}
		for _, p := range n.Predecessors {
			if _, ok := g.index[p]; !ok {
				return nil, g.errorf(n.ID, "predecessor %q does not exist", p)
			}
			if seen[p] {
				return nil, g.errorf(n.ID, "predecessor %q listed twice", p)
			}
			seen[p] = true
		}
	}
	return g, nil
}

type graph struct {
	model string
	nodes []Node
	index map[string]int
}

func (g *graph) errorf(node string, format string, a ...any) error {
	return &ValidationError{Model: g.model, Node: node, Msg: fmt.Sprintf(format, a...)}
}

func (g *graph) uniqueID(base string) string {
	id := base
	for i := 2; ; i++ {
		if _, taken := g.index[id]; !taken {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, i)
	}
}

// insert places n at position pos and reindexes.
func (g *graph) insert(pos int, n Node) {
	g.nodes = slices.Insert(g.nodes, pos, n)
	for i := pos; i < len(g.nodes); i++ {
		g.index[g.nodes[i].ID] = i
	}
}

func (g *graph) node(id string) *Node {
	return &g.nodes[g.index[id]]
}

func (g *graph) synthesizeSplits() {
	for i := 0; i < len(g.nodes); i++ {
		n := g.nodes[i]
		if n.Type == NodeTypeSplit || len(n.Successors) < 2 {
			continue
		}
		split := Node{
			ID:           g.uniqueID(n.ID + "_split"),
			Type:         NodeTypeSplit,
			Predecessors: []string{n.ID},
			Successors:   n.Successors,
			Synthesized:  true,
		}
		for _, s := range split.Successors {
			succ := g.node(s)
			succ.Predecessors = replace(succ.Predecessors, n.ID, split.ID)
		}
		g.nodes[i].Successors = []string{split.ID}
		g.insert(i+1, split)
	}
}

func (g *graph) synthesizeJoins() {
	for i := 0; i < len(g.nodes); i++ {
		n := g.nodes[i]
		if n.Type == NodeTypeJoin || len(n.Predecessors) < 2 {
			continue
		}
		join := Node{
			ID:           g.uniqueID(n.ID + "_join"),
			Type:         NodeTypeJoin,
			Predecessors: n.Predecessors,
			Successors:   []string{n.ID},
			Synthesized:  true,
		}
		for _, p := range join.Predecessors {
			pred := g.node(p)
			pred.Successors = replace(pred.Successors, n.ID, join.ID)
		}
		g.nodes[i].Predecessors = []string{join.ID}
		g.insert(i, join)
		i++
	}
}

func (g *graph) validate() error {
	starts, ends := 0, 0
	for _, n := range g.nodes {
		preds, succs := len(n.Predecessors), len(n.Successors)
		switch n.Type {
		case NodeTypeStart:
			starts++
			if preds != 0 {
				return g.errorf(n.ID, "start node cannot have predecessors")
			}
			if succs == 0 {
				return g.errorf(n.ID, "start node has no successor")
			}
			if succs > 1 {
				return g.errorf(n.ID, "start node fans out without a split")
			}
		case NodeTypeEnd:
			ends++
			if succs != 0 {
				return g.errorf(n.ID, "end node cannot have successors")
			}
			if preds == 0 {
				return g.errorf(n.ID, "end node has no predecessor")
			}
			if preds > 1 {
				return g.errorf(n.ID, "end node fans in without a join")
			}
		case NodeTypeActivity:
			if preds == 0 {
				return g.errorf(n.ID, "activity has no predecessor")
			}
			if succs == 0 {
				return g.errorf(n.ID, "activity has no successor")
			}
			if preds > 1 {
				return g.errorf(n.ID, "activity fans in without a join")
			}
			if succs > 1 {
				return g.errorf(n.ID, "activity fans out without a split")
			}
		case NodeTypeSplit:
			if preds != 1 {
				return g.errorf(n.ID, "split needs exactly one predecessor, has %d", preds)
			}
			if succs < 2 {
				return g.errorf(n.ID, "split needs at least two successors, has %d", succs)
			}
		case NodeTypeJoin:
			if preds < 2 {
				return g.errorf(n.ID, "join needs at least two predecessors, has %d", preds)
			}
			if succs != 1 {
				return g.errorf(n.ID, "join needs exactly one successor, has %d", succs)
			}
		}
	}
	if starts == 0 {
		return g.errorf("", "no start node")
	}
	if ends == 0 {
		return g.errorf("", "no end node")
	}
	return g.checkAcyclic()
}

func (g *graph) checkAcyclic() error {
	inDegree := make(map[string]int, len(g.nodes))
	var queue []string
	for _, n := range g.nodes {
		inDegree[n.ID] = len(n.Predecessors)
		if len(n.Predecessors) == 0 {
			queue = append(queue, n.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, s := range g.node(id).Successors {
			inDegree[s]--
			if inDegree[s] == 0 {
				queue = append(queue, s)
			}
		}
	}
	if visited != len(g.nodes) {
		for _, n := range g.nodes {
			if inDegree[n.ID] > 0 {
				return g.errorf(n.ID, "node is part of a cycle")
			}
		}
	}
	return nil
}

func replace(ids []string, old, with string) []string {
	res := slices.Clone(ids)
	for i, id := range res {
		if id == old {
			res[i] = with
		}
	}
	return res
}
