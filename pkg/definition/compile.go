package definition

import (
	"fmt"

	"github.com/loomhq/loom/pkg/errors"
)

// NodeKind identifies the interpretation of a program node.
type NodeKind int

const (
	// NodeAction invokes the step through the dispatcher.
	NodeAction NodeKind = iota

	// NodeCond is an if/elseIf/else/endIf block with one or more branches.
	NodeCond

	// NodeGroup is a parallel or race group entered as a unit.
	NodeGroup

	// NodeForEach fans out over resolved items, all children in parallel.
	NodeForEach

	// NodeBatch fans out over resolved items in sequential chunks.
	NodeBatch

	// NodeSleep pauses the run for a fixed duration.
	NodeSleep

	// NodeWait pauses the run until a named event is published.
	NodeWait

	// NodeHuman pauses the run until an external resume.
	NodeHuman

	// NodeCancel forces the run to cancelled.
	NodeCancel

	// NodeSubflow runs a child workflow and adopts its final output.
	NodeSubflow
)

// Node is one interpreted unit in the compiled program. The run state
// machine walks nodes in sequence; a node is passed once it reaches a
// terminal disposition.
type Node struct {
	// Kind selects the interpretation.
	Kind NodeKind

	// Step is the defining step: the action itself, the group marker,
	// or the control step.
	Step *Step

	// Branches holds conditional branches in declaration order.
	// Only set for NodeCond.
	Branches []*Branch

	// Siblings holds the member steps of a parallel or race group.
	// Only set for NodeGroup.
	Siblings []*Step

	// Race marks a NodeGroup with first-success-wins semantics.
	Race bool
}

// Branch is one arm of a conditional block.
type Branch struct {
	// Cond is the pseudo-step whose boolean output activates the branch.
	// Nil for the else branch.
	Cond *Step

	// Body is the branch's node sequence.
	Body []*Node
}

// Program is the compiled, validated form of a definition.
type Program struct {
	// Def is the source definition.
	Def *Definition

	// Root is the top-level node sequence.
	Root []*Node

	// StepsByID indexes every declared step.
	StepsByID map[string]*Step
}

// Compile checks the control structure of the definition and produces the
// program tree. Returns ErrValidation when if/endIf nesting is unbalanced
// or a parallel group does not match its declared sibling count.
func Compile(def *Definition) (*Program, error) {
	p := &Program{
		Def:       def,
		StepsByID: make(map[string]*Step, len(def.Steps)),
	}
	for i := range def.Steps {
		step := &def.Steps[i]
		p.StepsByID[step.ID] = step
	}

	root, rest, err := compileSeq(def.Steps, 0, 0)
	if err != nil {
		return nil, err
	}
	if rest != len(def.Steps) {
		// compileSeq stops at branch/block markers; leftovers at depth 0
		// mean a marker without an opening if.
		step := def.Steps[rest]
		return nil, &errors.ValidationError{
			Field:   "steps",
			Message: fmt.Sprintf("step %s: %s without matching if", step.ID, step.Kind),
		}
	}
	p.Root = root

	return p, nil
}

// compileSeq compiles steps[start:] into a node sequence, stopping at a
// branch or block boundary (elseIf, else, endIf) belonging to the caller.
// Returns the sequence and the index of the first unconsumed step.
func compileSeq(steps []Step, start, depth int) ([]*Node, int, error) {
	var nodes []*Node
	i := start

	for i < len(steps) {
		step := &steps[i]

		if step.Type == StepAction {
			if step.ParallelGroupID != "" {
				return nil, 0, &errors.ValidationError{
					Field:   "steps.parallelGroupId",
					Message: fmt.Sprintf("step %s: parallelGroupId without a preceding group marker", step.ID),
				}
			}
			nodes = append(nodes, &Node{Kind: NodeAction, Step: step})
			i++
			continue
		}

		switch step.Kind {
		case KindElseIf, KindElse, KindEndIf:
			// Belongs to the enclosing conditional.
			return nodes, i, nil

		case KindIf:
			node, next, err := compileCond(steps, i, depth)
			if err != nil {
				return nil, 0, err
			}
			nodes = append(nodes, node)
			i = next

		case KindParallel, KindRace:
			node, next, err := compileGroup(steps, i)
			if err != nil {
				return nil, 0, err
			}
			nodes = append(nodes, node)
			i = next

		case KindForEach:
			nodes = append(nodes, &Node{Kind: NodeForEach, Step: step})
			i++
		case KindBatch:
			nodes = append(nodes, &Node{Kind: NodeBatch, Step: step})
			i++
		case KindSleep:
			nodes = append(nodes, &Node{Kind: NodeSleep, Step: step})
			i++
		case KindWaitForEvent:
			nodes = append(nodes, &Node{Kind: NodeWait, Step: step})
			i++
		case KindHuman:
			nodes = append(nodes, &Node{Kind: NodeHuman, Step: step})
			i++
		case KindCancel:
			nodes = append(nodes, &Node{Kind: NodeCancel, Step: step})
			i++
		case KindSubflow:
			nodes = append(nodes, &Node{Kind: NodeSubflow, Step: step})
			i++

		default:
			return nil, 0, &errors.ValidationError{
				Field:   "steps.kind",
				Message: fmt.Sprintf("step %s: unknown control kind %q", step.ID, step.Kind),
			}
		}
	}

	return nodes, i, nil
}

// compileCond compiles an if ... (elseIf ...)* (else ...)? endIf block
// starting at the if marker.
func compileCond(steps []Step, start, depth int) (*Node, int, error) {
	ifStep := &steps[start]
	node := &Node{Kind: NodeCond, Step: ifStep}

	body, i, err := compileSeq(steps, start+1, depth+1)
	if err != nil {
		return nil, 0, err
	}
	node.Branches = append(node.Branches, &Branch{Cond: ifStep, Body: body})

	sawElse := false
	for i < len(steps) {
		step := &steps[i]
		switch step.Kind {
		case KindElseIf:
			if sawElse {
				return nil, 0, &errors.ValidationError{
					Field:   "steps",
					Message: fmt.Sprintf("step %s: elseIf after else", step.ID),
				}
			}
			body, i, err = compileSeq(steps, i+1, depth+1)
			if err != nil {
				return nil, 0, err
			}
			node.Branches = append(node.Branches, &Branch{Cond: step, Body: body})

		case KindElse:
			if sawElse {
				return nil, 0, &errors.ValidationError{
					Field:   "steps",
					Message: fmt.Sprintf("step %s: duplicate else", step.ID),
				}
			}
			sawElse = true
			body, i, err = compileSeq(steps, i+1, depth+1)
			if err != nil {
				return nil, 0, err
			}
			node.Branches = append(node.Branches, &Branch{Cond: nil, Body: body})

		case KindEndIf:
			return node, i + 1, nil

		default:
			return nil, 0, &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("step %s: unexpected %s inside conditional", step.ID, step.Kind),
			}
		}
	}

	return nil, 0, &errors.ValidationError{
		Field:   "steps",
		Message: fmt.Sprintf("step %s: if without matching endIf", ifStep.ID),
	}
}

// compileGroup compiles a parallel/race marker plus its sibling steps.
// Siblings are the immediately following action steps sharing the marker's
// parallelGroupId; their count must equal parallelStepCount.
func compileGroup(steps []Step, start int) (*Node, int, error) {
	marker := &steps[start]
	node := &Node{
		Kind: NodeGroup,
		Step: marker,
		Race: marker.Kind == KindRace,
	}

	i := start + 1
	for i < len(steps) {
		step := &steps[i]
		if step.ParallelGroupID != marker.ParallelGroupID {
			break
		}
		if step.Type != StepAction {
			return nil, 0, &errors.ValidationError{
				Field:   "steps.parallelGroupId",
				Message: fmt.Sprintf("step %s: group members must be action steps", step.ID),
			}
		}
		node.Siblings = append(node.Siblings, step)
		i++
	}

	if len(node.Siblings) != marker.ParallelStepCount {
		return nil, 0, &errors.ValidationError{
			Field: "steps.parallelStepCount",
			Message: fmt.Sprintf("group %s declares %d steps but has %d",
				marker.ParallelGroupID, marker.ParallelStepCount, len(node.Siblings)),
		}
	}

	return node, i, nil
}

// ExecutableIDs returns the ids of all steps that acquire step state during
// a run: action steps, condition pseudo-steps, and control steps that
// execute. Pure markers (else, endIf) and group markers are excluded.
func (p *Program) ExecutableIDs() []string {
	var ids []string
	var walk func(nodes []*Node)
	walk = func(nodes []*Node) {
		for _, n := range nodes {
			switch n.Kind {
			case NodeAction, NodeForEach, NodeBatch, NodeSleep,
				NodeWait, NodeHuman, NodeCancel, NodeSubflow:
				ids = append(ids, n.Step.ID)
			case NodeCond:
				for _, br := range n.Branches {
					if br.Cond != nil {
						ids = append(ids, br.Cond.ID)
					}
					walk(br.Body)
				}
			case NodeGroup:
				for _, sib := range n.Siblings {
					ids = append(ids, sib.ID)
				}
			}
		}
	}
	walk(p.Root)
	return ids
}
