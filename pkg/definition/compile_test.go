// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package definition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/errors"
)

func mustCompile(t *testing.T, steps ...Step) *Program {
	t.Helper()
	prog, err := Compile(&Definition{ID: "wf", Steps: steps})
	require.NoError(t, err)
	return prog
}

func action(id string) Step {
	return Step{ID: id, Type: StepAction}
}

func control(id string, kind ControlKind) Step {
	return Step{ID: id, Type: StepControl, Kind: kind}
}

func TestCompileLinear(t *testing.T) {
	prog := mustCompile(t, action("a"), action("b"), control("s", KindSleep))

	require.Len(t, prog.Root, 3)
	assert.Equal(t, NodeAction, prog.Root[0].Kind)
	assert.Equal(t, NodeAction, prog.Root[1].Kind)
	assert.Equal(t, NodeSleep, prog.Root[2].Kind)
	assert.Equal(t, []string{"a", "b", "s"}, prog.ExecutableIDs())
}

func TestCompileConditional(t *testing.T) {
	prog := mustCompile(t,
		control("if1", KindIf),
		action("big"),
		control("elif1", KindElseIf),
		action("mid"),
		control("else1", KindElse),
		action("small"),
		control("end1", KindEndIf),
		action("done"),
	)

	require.Len(t, prog.Root, 2)
	cond := prog.Root[0]
	assert.Equal(t, NodeCond, cond.Kind)
	require.Len(t, cond.Branches, 3)

	assert.Equal(t, "if1", cond.Branches[0].Cond.ID)
	assert.Equal(t, "elif1", cond.Branches[1].Cond.ID)
	assert.Nil(t, cond.Branches[2].Cond)
	require.Len(t, cond.Branches[2].Body, 1)
	assert.Equal(t, "small", cond.Branches[2].Body[0].Step.ID)

	// Markers (else/endIf) never acquire step state; conditions do.
	assert.Equal(t, []string{"if1", "big", "elif1", "mid", "small", "done"}, prog.ExecutableIDs())
}

func TestCompileNestedConditionals(t *testing.T) {
	prog := mustCompile(t,
		control("outer", KindIf),
		control("inner", KindIf),
		action("deep"),
		control("innerEnd", KindEndIf),
		control("outerEnd", KindEndIf),
	)

	require.Len(t, prog.Root, 1)
	outer := prog.Root[0]
	require.Len(t, outer.Branches, 1)
	require.Len(t, outer.Branches[0].Body, 1)
	assert.Equal(t, NodeCond, outer.Branches[0].Body[0].Kind)
}

func TestCompileGroup(t *testing.T) {
	race := control("race1", KindRace)
	race.ParallelGroupID = "g1"
	race.ParallelStepCount = 2
	primary := action("primary")
	primary.ParallelGroupID = "g1"
	fallback := action("fallback")
	fallback.ParallelGroupID = "g1"

	prog := mustCompile(t, race, primary, fallback, action("after"))

	require.Len(t, prog.Root, 2)
	group := prog.Root[0]
	assert.Equal(t, NodeGroup, group.Kind)
	assert.True(t, group.Race)
	require.Len(t, group.Siblings, 2)
	assert.Equal(t, []string{"primary", "fallback", "after"}, prog.ExecutableIDs())
}

func TestCompileErrors(t *testing.T) {
	groupMarker := func(count int) Step {
		s := control("par", KindParallel)
		s.ParallelGroupID = "g1"
		s.ParallelStepCount = count
		return s
	}
	member := func(id string) Step {
		s := action(id)
		s.ParallelGroupID = "g1"
		return s
	}

	tests := []struct {
		name  string
		steps []Step
	}{
		{"endIf without if", []Step{action("a"), control("end", KindEndIf)}},
		{"else without if", []Step{control("e", KindElse), action("a")}},
		{"if without endIf", []Step{control("if1", KindIf), action("a")}},
		{"elseIf after else", []Step{
			control("if1", KindIf), control("e", KindElse),
			control("ei", KindElseIf), control("end", KindEndIf),
		}},
		{"duplicate else", []Step{
			control("if1", KindIf), control("e1", KindElse),
			control("e2", KindElse), control("end", KindEndIf),
		}},
		{"group count mismatch", []Step{groupMarker(3), member("m1"), member("m2")}},
		{"orphan group member", []Step{member("m1")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(&Definition{ID: "wf", Steps: tt.steps})
			assert.True(t, errors.IsKind(err, errors.KindValidation), "got %v", err)
		})
	}
}

func TestCompileIndexesSteps(t *testing.T) {
	prog := mustCompile(t, action("a"), control("gate", KindHuman), action("b"))

	assert.Same(t, &prog.Def.Steps[1], prog.StepsByID["gate"])
	assert.Len(t, prog.StepsByID, 3)
}
