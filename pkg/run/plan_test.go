package run

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlan() *Plan {
	return &Plan{
		Goal: "Summarize Q3 revenue",
		SubTasks: []*SubTask{
			{ID: "t1", Description: "Understand the question"},
			{ID: "t2", Description: "Search finance docs", ToolsRequired: []string{"searchGlobal"}},
			{ID: "t3", Description: "Synthesize answer", ToolsRequired: []string{"synthesize_final_answer"}},
		},
	}
}

func TestPlanInitialize(t *testing.T) {
	plan := newTestPlan()
	plan.Initialize()

	assert.Equal(t, SubTaskCompleted, plan.SubTasks[0].Status, "tasks with no required tools auto-complete")
	assert.Equal(t, SubTaskInProgress, plan.SubTasks[1].Status)
	assert.Equal(t, SubTaskPending, plan.SubTasks[2].Status)
	assert.Equal(t, "t2", plan.ActiveSubTaskID())
}

func TestPlanAdvanceAfterToolSuccess(t *testing.T) {
	plan := newTestPlan()
	plan.Initialize()

	plan.AdvanceAfterTool("searchGlobal", true, "found 4 documents")

	assert.Equal(t, SubTaskCompleted, plan.SubTasks[1].Status)
	assert.Equal(t, "found 4 documents", plan.SubTasks[1].Result)
	assert.NotNil(t, plan.SubTasks[1].CompletedAt)
	assert.Equal(t, SubTaskInProgress, plan.SubTasks[2].Status)
}

func TestPlanAdvanceAfterToolFailure(t *testing.T) {
	plan := newTestPlan()
	plan.Initialize()

	plan.AdvanceAfterTool("searchGlobal", false, "timeout")

	assert.Equal(t, SubTaskBlocked, plan.SubTasks[1].Status)
	assert.Equal(t, "timeout", plan.SubTasks[1].Error)
	// Blocked task stays active until it succeeds or the plan is rewritten.
	assert.Equal(t, "t2", plan.ActiveSubTaskID())
}

func TestPlanUnrelatedToolDoesNotAdvance(t *testing.T) {
	plan := newTestPlan()
	plan.Initialize()

	plan.AdvanceAfterTool("getSlackRelatedMessages", true, "")

	assert.Equal(t, SubTaskInProgress, plan.SubTasks[1].Status)
}

func TestPlanCompletedIsTerminal(t *testing.T) {
	plan := newTestPlan()
	plan.Initialize()
	plan.AdvanceAfterTool("searchGlobal", true, "")
	require.Equal(t, SubTaskCompleted, plan.SubTasks[1].Status)

	plan.AdvanceAfterTool("searchGlobal", false, "late failure")
	assert.Equal(t, SubTaskCompleted, plan.SubTasks[1].Status, "completed tasks never revert")
}

func TestPlanSingleInProgressInvariant(t *testing.T) {
	plan := newTestPlan()
	plan.Initialize()

	tools := []string{"searchGlobal", "synthesize_final_answer"}
	for _, tool := range tools {
		count := 0
		for _, st := range plan.SubTasks {
			if st.Status == SubTaskInProgress {
				count++
			}
		}
		assert.LessOrEqual(t, count, 1)
		plan.AdvanceAfterTool(tool, true, "")
	}
	assert.True(t, plan.AllDone())
}

func TestPlanCaseInsensitiveToolMatch(t *testing.T) {
	plan := &Plan{SubTasks: []*SubTask{
		{ID: "a", Description: "search", ToolsRequired: []string{"SearchGlobal"}},
	}}
	plan.Initialize()

	plan.AdvanceAfterTool("searchglobal", true, "")
	assert.Equal(t, SubTaskCompleted, plan.SubTasks[0].Status)
}
