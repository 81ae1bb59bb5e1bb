package graph

import (
	"context"
	"fmt"
)

// NodeType classifies a node in the flow.
type NodeType string

const (
	NodeTypeStart     NodeType = "start"
	NodeTypeEnd       NodeType = "end"
	NodeTypeStage     NodeType = "stage"
	NodeTypeCondition NodeType = "condition"
)

// StageFunc runs one stage and returns the updated state.
type StageFunc[S any] func(context.Context, S) (S, error)

// ConditionFunc inspects the state and names the branch to follow.
type ConditionFunc[S any] func(context.Context, S) (string, error)

// Node is one step of a flow. Stage nodes execute and proceed to Next;
// condition nodes route via Branches without touching the state.
type Node[S any] struct {
	Name      string
	Type      NodeType
	Run       StageFunc[S]
	Condition ConditionFunc[S]
	Next      string
	Branches  map[string]string
}

// Flow is a single-active-node state machine: exactly one node runs at a time
// and loops are allowed up to a per-node visit cap.
type Flow[S any] struct {
	nodes     map[string]*Node[S]
	start     string
	maxVisits int
}

// Execute drives the flow from its start node until an end node finishes.
func (f *Flow[S]) Execute(ctx context.Context, state S) (S, error) {
	if f.start == "" {
		return state, fmt.Errorf("graph: start node not set")
	}

	visited := make(map[string]int)
	current := f.start
	for {
		if err := ctx.Err(); err != nil {
			return state, err
		}
		node, exists := f.nodes[current]
		if !exists {
			return state, fmt.Errorf("graph: node %s not found", current)
		}

		visited[current]++
		if visited[current] > f.maxVisits {
			return state, fmt.Errorf("graph: node %s exceeded visit limit %d", current, f.maxVisits)
		}

		switch node.Type {
		case NodeTypeCondition:
			branch, err := node.Condition(ctx, state)
			if err != nil {
				return state, fmt.Errorf("graph: condition %s: %w", node.Name, err)
			}
			next, ok := node.Branches[branch]
			if !ok {
				return state, fmt.Errorf("graph: condition %s has no branch %q", node.Name, branch)
			}
			current = next

		default:
			var err error
			state, err = node.Run(ctx, state)
			if err != nil {
				return state, fmt.Errorf("graph: stage %s: %w", node.Name, err)
			}
			if node.Type == NodeTypeEnd {
				return state, nil
			}
			if node.Next == "" {
				return state, fmt.Errorf("graph: stage %s has no next node", node.Name)
			}
			current = node.Next
		}
	}
}

// Builder assembles flows fluently.
type Builder[S any] struct {
	flow *Flow[S]
}

// NewBuilder creates an empty flow builder.
func NewBuilder[S any]() *Builder[S] {
	return &Builder[S]{
		flow: &Flow[S]{
			nodes:     make(map[string]*Node[S]),
			maxVisits: 10,
		},
	}
}

// Stage adds an executable node whose successor is next.
func (b *Builder[S]) Stage(name string, run StageFunc[S], next string) *Builder[S] {
	b.add(&Node[S]{Name: name, Type: NodeTypeStage, Run: run, Next: next})
	return b
}

// Start adds the entry node. Only one start node is allowed.
func (b *Builder[S]) Start(name string, run StageFunc[S], next string) *Builder[S] {
	b.add(&Node[S]{Name: name, Type: NodeTypeStart, Run: run, Next: next})
	if b.flow.start != "" {
		panic(fmt.Sprintf("graph: start node already set to %s", b.flow.start))
	}
	b.flow.start = name
	return b
}

// End adds a terminal node.
func (b *Builder[S]) End(name string, run StageFunc[S]) *Builder[S] {
	b.add(&Node[S]{Name: name, Type: NodeTypeEnd, Run: run})
	return b
}

// Condition adds a routing node. branches maps condition results to node names.
func (b *Builder[S]) Condition(name string, cond ConditionFunc[S], branches map[string]string) *Builder[S] {
	b.add(&Node[S]{Name: name, Type: NodeTypeCondition, Condition: cond, Branches: branches})
	return b
}

// MaxVisits caps how often any single node may run; exceeding it fails the
// execution instead of looping forever.
func (b *Builder[S]) MaxVisits(n int) *Builder[S] {
	if n > 0 {
		b.flow.maxVisits = n
	}
	return b
}

// Build validates edges and returns the flow.
func (b *Builder[S]) Build() (*Flow[S], error) {
	if b.flow.start == "" {
		return nil, fmt.Errorf("graph: no start node")
	}
	for _, node := range b.flow.nodes {
		targets := make([]string, 0, 1+len(node.Branches))
		if node.Next != "" {
			targets = append(targets, node.Next)
		}
		for _, t := range node.Branches {
			targets = append(targets, t)
		}
		for _, t := range targets {
			if _, ok := b.flow.nodes[t]; !ok {
				return nil, fmt.Errorf("graph: node %s points at unknown node %s", node.Name, t)
			}
		}
	}
	return b.flow, nil
}

func (b *Builder[S]) add(node *Node[S]) {
	if node.Name == "" {
		panic("graph: node name cannot be empty")
	}
	if _, exists := b.flow.nodes[node.Name]; exists {
		panic(fmt.Sprintf("graph: node %s already exists", node.Name))
	}
	switch node.Type {
	case NodeTypeCondition:
		if node.Condition == nil {
			panic(fmt.Sprintf("graph: condition node %s must have a Condition function", node.Name))
		}
	default:
		if node.Run == nil {
			panic(fmt.Sprintf("graph: node %s must have a Run function", node.Name))
		}
	}
	b.flow.nodes[node.Name] = node
}
