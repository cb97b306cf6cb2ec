package subflow

import (
	"path/filepath"
	"testing"

	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStack_PushIsPersistent(t *testing.T) {
	root := NewStack("A")
	b, err := root.Push("B")
	require.NoError(t, err)
	c, err := b.Push("C")
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C"}, c.Path())
	assert.Equal(t, []string{"A", "B"}, b.Path(), "pushing must not alter the parent lineage")
	assert.Equal(t, "C", c.Current())
	assert.Equal(t, 3, c.Depth())
	assert.Equal(t, "A → B → C", c.String())

	// Two tracks branching from the same lineage stay independent.
	d, err := b.Push("D")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "D"}, d.Path())
	assert.False(t, d.Contains("C"))
}

func TestStack_SelfCycle(t *testing.T) {
	_, err := NewStack("A").Push("A")
	require.Error(t, err)

	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeCircularSubflow, fe.Code)
	assert.Equal(t, []string{"A", "A"}, fe.Path)
	assert.Contains(t, fe.Message, "A → A")
}

func TestStack_IndirectCycle(t *testing.T) {
	s, err := NewStack("ValidateUser").Push("ProcessOrder")
	require.NoError(t, err)

	_, err = s.Push("ValidateUser")
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, []string{"ValidateUser", "ProcessOrder", "ValidateUser"}, fe.Path)
	assert.Contains(t, fe.Error(), "ValidateUser → ProcessOrder → ValidateUser")
}

func TestStack_NilAndDepthLimit(t *testing.T) {
	var s *Stack
	assert.Nil(t, s.Path())
	assert.Equal(t, 0, s.Depth())
	assert.Equal(t, "", s.Current())

	s, err := s.Push("root")
	require.NoError(t, err)
	for i := 1; i < MaxDepth; i++ {
		s, err = s.Push(string(rune('a'+i%26)) + string(rune('A'+i/26)))
		require.NoError(t, err)
	}
	_, err = s.Push("one-too-many")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCheckCycles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ValidateUser.yaml"), flowYAML("ValidateUser", "ProcessOrder"))
	writeFile(t, filepath.Join(root, "ProcessOrder.yaml"), flowYAML("ProcessOrder", "ValidateUser"))

	l := newTestLoader()
	def, err := l.LoadFile(filepath.Join(root, "ValidateUser.yaml"))
	require.NoError(t, err)

	err = l.CheckCycles(def)
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeCircularSubflow, fe.Code)
	assert.Equal(t, []string{"ValidateUser", "ProcessOrder", "ValidateUser"}, fe.Path)
}

func TestCheckCycles_SelfReferenceInNestedBranch(t *testing.T) {
	l := newTestLoader()
	def := &schema.WorkflowDefinition{
		Name: "Loopy",
		Steps: []schema.Step{{
			ID: "c",
			Conditional: &schema.ConditionalStep{
				Condition: schema.Condition{Expr: "true"},
				Then:      []schema.Step{{ID: "again", Subflow: &schema.SubflowStep{Flow: "Loopy"}}},
			},
		}},
	}
	require.NoError(t, l.Register(def))

	err := l.CheckCycles(def)
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, []string{"Loopy", "Loopy"}, fe.Path)
}

func TestCheckCycles_DiamondIsNotACycle(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "Top.yaml"), flowYAML("Top", "Left", "Right"))
	writeFile(t, filepath.Join(root, "Left.yaml"), flowYAML("Left", "Base"))
	writeFile(t, filepath.Join(root, "Right.yaml"), flowYAML("Right", "Base"))
	writeFile(t, filepath.Join(root, "Base.yaml"), flowYAML("Base"))

	l := newTestLoader()
	def, err := l.LoadFile(filepath.Join(root, "Top.yaml"))
	require.NoError(t, err)
	assert.NoError(t, l.CheckCycles(def))
}

func TestCheckCycles_MissingSubflowIsDeferred(t *testing.T) {
	l := newTestLoader(WithBaseDir(t.TempDir()), WithSearchDepth(0))
	def := &schema.WorkflowDefinition{
		Name:  "Caller",
		Steps: []schema.Step{{ID: "x", Subflow: &schema.SubflowStep{Flow: "NotThere"}}},
	}
	assert.NoError(t, l.CheckCycles(def))
}

func TestCalls(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.Step{
			{ID: "a", Subflow: &schema.SubflowStep{Flow: "X"}},
			{ID: "p", Parallel: &schema.ParallelStep{Tracks: [][]schema.Step{
				{{ID: "b", Subflow: &schema.SubflowStep{Flow: "Y"}}},
				{{ID: "c", Subflow: &schema.SubflowStep{Flow: "X"}}},
			}}},
		},
		OnCancel: []schema.Step{{Subflow: &schema.SubflowStep{Flow: "Z"}}},
	}
	assert.Equal(t, []string{"X", "Y", "Z"}, Calls(def))
}
