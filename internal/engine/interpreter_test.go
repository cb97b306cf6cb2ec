package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/cancel"
	"github.com/rendis/stepflow/pkg/schema"
)

func TestExecute_SequentialReference(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: Sequence
steps:
  - id: A
    task:
      name: test.return
      inputs:
        result: 5
  - id: B
    task:
      name: test.return
      inputs:
        x: ${A.result}
`)
	out := h.execute(def, nil)

	require.Equal(t, schema.ExecutionStatusCompleted, out.Status, "%v", out.Err)
	b := h.callsTo("test.return")
	require.Len(t, b, 2)
	assert.EqualValues(t, 5, b[1]["x"])

	assert.Contains(t, out.Result, "A")
	assert.Contains(t, out.Result, "B")
	assert.EqualValues(t, 5, out.Result["B"].(map[string]any)["x"])

	assert.Equal(t, []string{
		schema.EventFlowStarted,
		"step_started:A", "step_completed:A",
		"step_started:B", "step_completed:B",
		schema.EventFlowCompleted,
	}, h.hub.types())

	started := h.hub.ofType(schema.EventStepStarted)
	assert.EqualValues(t, 5, started[1].Payload["inputs"].(map[string]any)["x"])
	assert.Equal(t, "Sequence", started[1].Flow)
	assert.Equal(t, "exec-1", started[1].ExecutionID)
}

func TestExecute_UnresolvedReferenceFails(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: Forward
steps:
  - id: A
    task:
      name: test.return
      inputs:
        x: ${B.value}
  - id: B
    task: {name: test.return}
`)
	out := h.execute(def, nil)

	require.Equal(t, schema.ExecutionStatusFailed, out.Status)
	assert.Equal(t, schema.ErrCodeVariableResolution, out.Err.Code)
	assert.Equal(t, "A", out.Err.StepID)
	assert.Empty(t, h.callsTo("test.return"))
}

func TestExecute_DeclaredOutputs(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: Outputs
inputs:
  - name: who
steps:
  - id: greet
    task:
      name: test.return
      inputs:
        text: hello ${inputs.who}
        noise: 1
      outputs: [text]
outputs:
  greeting: ${greet.text}
  dropped: ${greet.noise}
`)
	out := h.execute(def, map[string]any{"who": "ana"})

	require.Equal(t, schema.ExecutionStatusCompleted, out.Status, "%v", out.Err)
	assert.Equal(t, map[string]any{"greeting": "hello ana", "dropped": nil}, out.Result)
}

// --- Loop ---

func TestExecute_LoopBindsVariableAndIndexInOrder(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: Loop
steps:
  - id: each
    loop:
      for_each: [1, 2, 3]
      as: x
      do:
        - id: inc
          task:
            name: test.return
            inputs:
              x: ${x}
              i: ${x_index}
`)
	out := h.execute(def, nil)

	require.Equal(t, schema.ExecutionStatusCompleted, out.Status, "%v", out.Err)
	calls := h.callsTo("test.return")
	require.Len(t, calls, 3)
	for i, c := range calls {
		assert.EqualValues(t, i+1, c["x"])
		assert.EqualValues(t, i, c["i"])
	}

	each := out.Result["each"].(map[string]any)
	assert.EqualValues(t, 3, each["iterations"])
	assert.Len(t, each["results"], 3)
	assert.NotContains(t, out.Result, "inc", "body ids stay inside the loop")
}

func TestExecute_LoopOverEmptyList(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: Empty
inputs:
  - name: items
steps:
  - id: each
    loop:
      for_each: ${inputs.items}
      as: item
      do:
        - task: {name: test.fail}
`)
	out := h.execute(def, map[string]any{"items": []any{}})

	require.Equal(t, schema.ExecutionStatusCompleted, out.Status, "%v", out.Err)
	assert.EqualValues(t, 0, out.Result["each"].(map[string]any)["iterations"])
	assert.Empty(t, h.callsTo("test.fail"))
}

func TestExecute_LoopOverUndefinedFails(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: Undefined
steps:
  - id: each
    loop:
      for_each: ${inputs.missing}
      as: item
`)
	out := h.execute(def, nil)

	require.Equal(t, schema.ExecutionStatusFailed, out.Status)
	assert.Equal(t, schema.ErrCodeVariableResolution, out.Err.Code)
}

// --- Conditional / Switch / if ---

func TestExecute_ConditionalRunsExactlyOneBranch(t *testing.T) {
	def := `
name: Cond
inputs:
  - name: n
steps:
  - id: check
    conditional:
      condition: ${inputs.n} > 3
      then:
        - id: big
          task: {name: test.mark, inputs: {label: then}}
      else:
        - id: small
          task: {name: test.mark, inputs: {label: else}}
  - id: after
    task:
      name: test.return
      inputs:
        branch: ${check.branch}
`
	cases := map[int]string{5: "then", 1: "else"}
	for n, want := range cases {
		h := newHarness(t)
		out := h.execute(parseFlow(t, def), map[string]any{"n": n})

		require.Equal(t, schema.ExecutionStatusCompleted, out.Status, "%v", out.Err)
		assert.Equal(t, []string{want}, h.marks())
		assert.Equal(t, want, h.callsTo("test.return")[0]["branch"])
	}
}

func TestExecute_ConditionalFalseWithoutElse(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: NoElse
steps:
  - id: check
    conditional:
      condition: "false"
      then:
        - task: {name: test.mark, inputs: {label: then}}
`)
	out := h.execute(def, nil)

	require.Equal(t, schema.ExecutionStatusCompleted, out.Status, "%v", out.Err)
	assert.Empty(t, h.marks())
	assert.Equal(t, map[string]any{"result": false, "branch": ""}, out.Result["check"])
}

func TestExecute_BranchIdsVisibleAfterStep(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: Visible
steps:
  - id: check
    conditional:
      condition: "true"
      then:
        - id: inner
          task: {name: test.return, inputs: {v: 7}}
  - id: use
    task:
      name: test.return
      inputs:
        v: ${inner.v}
`)
	out := h.execute(def, nil)

	require.Equal(t, schema.ExecutionStatusCompleted, out.Status, "%v", out.Err)
	assert.EqualValues(t, 7, h.callsTo("test.return")[1]["v"])
}

func TestExecute_SwitchFirstMatchArrayAndDefault(t *testing.T) {
	def := `
name: Route
inputs:
  - name: tier
steps:
  - id: route
    switch:
      value: ${inputs.tier}
      cases:
        - when: gold
          do:
            - task: {name: test.mark, inputs: {label: gold}}
        - when: [silver, bronze]
          do:
            - task: {name: test.mark, inputs: {label: metal}}
        - when: silver
          do:
            - task: {name: test.mark, inputs: {label: unreachable}}
      default:
        - task: {name: test.mark, inputs: {label: default}}
`
	cases := map[string][]string{
		"gold":   {"gold"},
		"silver": {"metal"},
		"bronze": {"metal"},
		"tin":    {"default"},
	}
	for tier, want := range cases {
		h := newHarness(t)
		out := h.execute(parseFlow(t, def), map[string]any{"tier": tier})
		require.Equal(t, schema.ExecutionStatusCompleted, out.Status, "%v", out.Err)
		assert.Equal(t, want, h.marks(), "tier %s", tier)
	}
}

func TestExecute_SwitchNoMatchNoDefaultIsNoop(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: Noop
steps:
  - id: route
    switch:
      value: "3"
      cases:
        - when: 4
          do:
            - task: {name: test.mark, inputs: {label: four}}
`)
	out := h.execute(def, nil)

	require.Equal(t, schema.ExecutionStatusCompleted, out.Status, "%v", out.Err)
	assert.Empty(t, h.marks())
	route := out.Result["route"].(map[string]any)
	assert.EqualValues(t, -1, route["case"])
	assert.Equal(t, "", route["branch"])
}

func TestExecute_IfGuardSkipsStep(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: Guard
inputs:
  - name: flags
steps:
  - id: skipped
    if:
      all:
        - ${inputs.flags.a}
        - ${inputs.flags.b}
    task: {name: test.mark, inputs: {label: skipped}}
  - id: ran
    if:
      none:
        - ${inputs.flags.b}
    task: {name: test.mark, inputs: {label: ran}}
`)
	out := h.execute(def, map[string]any{"flags": map[string]any{"a": true, "b": false}})

	require.Equal(t, schema.ExecutionStatusCompleted, out.Status, "%v", out.Err)
	assert.Equal(t, []string{"ran"}, h.marks())
	assert.NotContains(t, out.Result, "skipped")
	assert.Contains(t, h.hub.types(), "step_skipped:skipped")
}

// --- Parallel ---

func TestExecute_ParallelTracksRunConcurrently(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: Fan
steps:
  - id: fan
    parallel:
      tracks:
        - - id: t1
            task: {name: test.sleep, inputs: {ms: 100, value: one}}
        - - id: t2
            task: {name: test.sleep, inputs: {ms: 200, value: two}}
        - - id: t3
            task: {name: test.sleep, inputs: {ms: 300, value: three}}
  - id: join
    task:
      name: test.return
      inputs:
        all: [${t1.value}, ${t2.value}, ${t3.value}]
`)
	start := time.Now()
	out := h.execute(def, nil)
	elapsed := time.Since(start)

	require.Equal(t, schema.ExecutionStatusCompleted, out.Status, "%v", out.Err)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 550*time.Millisecond, "tracks must overlap")
	assert.Equal(t, []any{"one", "two", "three"}, h.callsTo("test.return")[0]["all"])
	assert.EqualValues(t, 3, out.Result["fan"].(map[string]any)["tracks"])
}

func TestExecute_ParallelFailureWaitsForAllTracks(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: FanFail
steps:
  - id: fan
    parallel:
      tracks:
        - - id: slow
            task: {name: test.sleep, inputs: {ms: 150, value: done}}
        - - id: wait
            task: {name: test.sleep, inputs: {ms: 50}}
          - id: late
            task: {name: test.fail, inputs: {message: late}}
        - - id: early
            task: {name: test.fail, inputs: {message: early}}
  - id: after
    task: {name: test.mark, inputs: {label: after}}
`)
	out := h.execute(def, nil)

	require.Equal(t, schema.ExecutionStatusFailed, out.Status)
	assert.Equal(t, "late", out.Err.StepID, "lowest-index failing track wins")
	assert.Equal(t, schema.ErrCodeTaskExecution, out.Err.Code)

	assert.Contains(t, out.Result, "slow", "siblings run to completion and merge")
	assert.Contains(t, out.Result, "wait", "partial outputs of a failed track merge")
	assert.Empty(t, h.marks(), "nothing after the join runs")
}

func TestExecute_ParallelCancelReachesEveryTrack(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: FanCancel
steps:
  - id: fan
    parallel:
      tracks:
        - - task: {name: test.block, inputs: {label: left}}
        - - task: {name: test.block, inputs: {label: right}}
`)
	token := cancel.NewToken(context.Background())
	done := make(chan *Outcome, 1)
	go func() { done <- h.interpreter().Execute(token, "exec-1", def, nil) }()

	h.awaitBlocked(2)
	token.Cancel("stop")
	out := <-done

	assert.Equal(t, schema.ExecutionStatusCancelled, out.Status)
	assert.ElementsMatch(t, []string{"cleanup:left", "cleanup:right"}, h.marks())
}

func TestExecute_ExitInParallelTrackEndsFlowAfterJoin(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: FanExit
steps:
  - id: fan
    parallel:
      tracks:
        - - exit:
              reason: enough
              outputs: {winner: left}
        - - id: right
            task: {name: test.sleep, inputs: {ms: 50, value: r}}
  - task: {name: test.mark, inputs: {label: after}}
`)
	out := h.execute(def, nil)

	require.Equal(t, schema.ExecutionStatusCompleted, out.Status, "%v", out.Err)
	assert.Equal(t, "enough", out.ExitReason)
	assert.Equal(t, map[string]any{"winner": "left"}, out.Result)
	assert.Len(t, h.callsTo("test.sleep"), 1, "sibling track still finishes")
	assert.Empty(t, h.marks())
}

// --- Exit ---

func TestExecute_ExitEndsWholeFlow(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: Early
inputs:
  - name: why
steps:
  - id: a
    task: {name: test.return, inputs: {result: 1}}
  - id: check
    conditional:
      condition: "true"
      then:
        - exit:
            reason: ${inputs.why}
            outputs:
              x: ${a.result}
  - task: {name: test.mark, inputs: {label: never}}
`)
	out := h.execute(def, map[string]any{"why": "nothing to do"})

	require.Equal(t, schema.ExecutionStatusCompleted, out.Status, "%v", out.Err)
	assert.Nil(t, out.Err)
	assert.Equal(t, "nothing to do", out.ExitReason)
	assert.Equal(t, map[string]any{"x": 1}, out.Result)
	assert.Empty(t, h.marks())
}

func TestExecute_ExitWithoutOutputsReportsScope(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: Bare
steps:
  - id: a
    task: {name: test.return, inputs: {v: 1}}
  - exit:
      reason: done
`)
	out := h.execute(def, nil)

	require.Equal(t, schema.ExecutionStatusCompleted, out.Status)
	assert.Contains(t, out.Result, "a")
}

// --- Retry and on_error ---

func TestExecute_RetryBackoffThenFailure(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: Retry
steps:
  - id: charge
    retry:
      max_attempts: 3
      delay_seconds: 2
      backoff_multiplier: 2
    task: {name: test.fail, inputs: {message: declined}}
`)
	out := h.execute(def, nil)

	require.Equal(t, schema.ExecutionStatusFailed, out.Status)
	assert.Len(t, h.callsTo("test.fail"), 3)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, h.sleeper.recorded())

	assert.Equal(t, schema.ErrCodeTaskExecution, out.Err.Code)
	assert.Equal(t, 3, out.Err.Attempts)
	assert.Equal(t, "charge", out.Err.StepID)
	assert.Contains(t, out.Err.Message, "declined")

	retrying := h.hub.ofType(schema.EventStepRetrying)
	require.Len(t, retrying, 2)
	assert.EqualValues(t, 2, retrying[0].Payload["attempt"])
	assert.EqualValues(t, 4000, retrying[1].Payload["delay_ms"])
}

// --- Step ids across nesting levels ---

func TestExecute_NestedIDReuse(t *testing.T) {
	tests := []struct {
		name   string
		nested string
	}{
		{"conditional branch", `
  - id: check
    conditional:
      condition: "true"
      then:
        - id: fetch
          task: {name: test.return, inputs: {src: nested}}
`},
		{"switch case", `
  - id: route
    switch:
      value: a
      cases:
        - when: a
          do:
            - id: fetch
              task: {name: test.return, inputs: {src: nested}}
`},
		{"on_error handler", `
  - id: charge
    task: {name: test.fail, inputs: {message: declined}}
    on_error:
      - id: fetch
        task: {name: test.return, inputs: {src: nested}}
`},
		{"parallel track", `
  - id: fan
    parallel:
      tracks:
        - - id: fetch
            task: {name: test.return, inputs: {src: nested}}
        - - id: side
            task: {name: test.return, inputs: {src: side}}
`},
		{"loop body", `
  - id: each
    loop:
      for_each: [1, 2]
      as: n
      do:
        - id: fetch
          task: {name: test.return, inputs: {src: nested}}
`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			def := parseFlow(t, "name: Reuse\nsteps:"+tc.nested+`
  - id: fetch
    task: {name: test.return, inputs: {src: outer}}
  - id: use
    task:
      name: test.return
      inputs:
        seen: ${fetch.src}
`)
			out := h.execute(def, nil)

			require.Equal(t, schema.ExecutionStatusCompleted, out.Status, "%v", out.Err)
			assert.Equal(t, "outer", out.Result["fetch"].(map[string]any)["src"])
			assert.Equal(t, "outer", out.Result["use"].(map[string]any)["seen"])
		})
	}
}

func TestExecute_BranchValueReplacesEarlierID(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: Refetch
steps:
  - id: fetch
    task: {name: test.return, inputs: {src: first}}
  - id: retry_fetch
    conditional:
      condition: ${fetch.src} == 'first'
      then:
        - id: fetch
          task: {name: test.return, inputs: {src: second}}
  - id: use
    task:
      name: test.return
      inputs:
        seen: ${fetch.src}
`)
	out := h.execute(def, nil)

	require.Equal(t, schema.ExecutionStatusCompleted, out.Status, "%v", out.Err)
	assert.Equal(t, "second", out.Result["use"].(map[string]any)["seen"])
}

func TestExecute_ParallelTracksRecordingSameIDFail(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: Clash
steps:
  - id: fan
    parallel:
      tracks:
        - - id: fetch
            task: {name: test.return, inputs: {src: left}}
        - - id: fetch
            task: {name: test.return, inputs: {src: right}}
`)
	out := h.execute(def, nil)

	require.Equal(t, schema.ExecutionStatusFailed, out.Status)
	assert.Equal(t, schema.ErrCodeValidation, out.Err.Code)
	assert.Equal(t, "fan", out.Err.StepID)
	assert.Contains(t, out.Err.Message, `step id "fetch" is produced by parallel tracks 0 and 1`)
	assert.NotContains(t, out.Result, "fetch")
}

func TestExecute_RetryRecovers(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: Flaky
steps:
  - id: call
    retry: {max_attempts: 5, delay_seconds: 1}
    task: {name: test.flaky, inputs: {key: k, times: 2}}
`)
	out := h.execute(def, nil)

	require.Equal(t, schema.ExecutionStatusCompleted, out.Status, "%v", out.Err)
	assert.Len(t, h.callsTo("test.flaky"), 3)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, h.sleeper.recorded())
	assert.Equal(t, map[string]any{"ok": true}, out.Result["call"])
}

func TestExecute_OnErrorHandlesAndContinues(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: Handled
steps:
  - id: charge
    retry: {max_attempts: 2}
    task: {name: test.fail, inputs: {message: declined}}
    on_error:
      - id: report
        task:
          name: test.return
          inputs:
            code: ${error.code}
            step: ${error.step}
            attempts: ${error.attempts}
            message: ${error.message}
  - id: next
    task: {name: test.mark, inputs: {label: next}}
`)
	out := h.execute(def, nil)

	require.Equal(t, schema.ExecutionStatusCompleted, out.Status, "%v", out.Err)
	assert.Equal(t, []string{"next"}, h.marks())
	assert.NotContains(t, out.Result, "charge", "a handled step records no value")
	assert.Contains(t, out.Result, "report")

	report := h.callsTo("test.return")[0]
	assert.Equal(t, schema.ErrCodeTaskExecution, report["code"])
	assert.Equal(t, "charge", report["step"])
	assert.EqualValues(t, 2, report["attempts"])
	assert.Contains(t, report["message"], "declined")

	assert.Len(t, h.hub.ofType(schema.EventErrorHandlerInvoked), 1)
	assert.Len(t, h.hub.ofType(schema.EventStepFailed), 1)
}

func TestExecute_OnErrorFailurePropagates(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: HandlerFails
steps:
  - id: a
    task: {name: test.fail, inputs: {message: first}}
    on_error:
      - id: h
        task: {name: test.fail, inputs: {message: second}}
`)
	out := h.execute(def, nil)

	require.Equal(t, schema.ExecutionStatusFailed, out.Status)
	assert.Equal(t, "h", out.Err.StepID)
}

func TestExecute_NotImplementedIsNeitherRetriedNorHandled(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: Missing
steps:
  - id: a
    retry: {max_attempts: 3}
    task: {name: vendor.unknown}
    on_error:
      - task: {name: test.mark, inputs: {label: handled}}
`)
	out := h.execute(def, nil)

	require.Equal(t, schema.ExecutionStatusFailed, out.Status)
	assert.Equal(t, schema.ErrCodeNotImplemented, out.Err.Code)
	assert.Empty(t, h.marks())
	assert.Empty(t, h.sleeper.recorded())
}

// --- Cancellation and cleanup ---

func TestExecute_CancelMidFlowRunsCleanupsThenOnCancel(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: Cancel
steps:
  - id: s1
    task: {name: test.cleanup, inputs: {label: s1}}
  - id: s2
    task: {name: test.cleanup, inputs: {label: s2}}
  - id: s3
    task: {name: test.block, inputs: {label: s3}}
  - id: s4
    task: {name: test.mark, inputs: {label: s4}}
  - id: s5
    task: {name: test.mark, inputs: {label: s5}}
on_cancel:
  - id: undo
    task:
      name: test.mark
      inputs:
        label: on_cancel ${s1.label}
`)
	token := cancel.NewToken(context.Background())
	done := make(chan *Outcome, 1)
	go func() { done <- h.interpreter().Execute(token, "exec-1", def, nil) }()

	h.awaitBlocked(1)
	token.Cancel("operator request")
	out := <-done

	require.Equal(t, schema.ExecutionStatusCancelled, out.Status)
	assert.Equal(t, "operator request", out.CancelReason)
	assert.Equal(t, schema.ErrCodeCancelled, out.Err.Code)
	assert.False(t, out.Err.Propagated)

	assert.Equal(t, []string{
		"cleanup:s3", "cleanup:s2", "cleanup:s1", "on_cancel s1",
	}, h.marks())

	assert.Contains(t, out.Result, "s1")
	assert.Contains(t, out.Result, "s2")
	assert.NotContains(t, out.Result, "s3")
	assert.Zero(t, token.Pending())

	types := h.hub.types()
	assert.Equal(t, schema.EventFlowCancelled, types[len(types)-1])
	assert.NotContains(t, types, "step_started:s4")
}

func TestExecute_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: Never
steps:
  - task: {name: test.mark, inputs: {label: ran}}
on_cancel:
  - task: {name: test.mark, inputs: {label: on_cancel}}
`)
	token := cancel.NewToken(context.Background())
	token.Cancel("too late")

	out := h.interpreter().Execute(token, "exec-1", def, nil)
	assert.Equal(t, schema.ExecutionStatusCancelled, out.Status)
	assert.Equal(t, []string{"on_cancel"}, h.marks())
}

func TestExecute_OnCancelFailureIsRecorded(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: BadUndo
steps:
  - task: {name: test.block, inputs: {label: b}}
on_cancel:
  - id: undo
    task: {name: test.fail, inputs: {message: undo broke}}
  - task: {name: test.mark, inputs: {label: not reached}}
`)
	token := cancel.NewToken(context.Background())
	done := make(chan *Outcome, 1)
	go func() { done <- h.interpreter().Execute(token, "exec-1", def, nil) }()
	h.awaitBlocked(1)
	token.Cancel("stop")
	out := <-done

	assert.Equal(t, schema.ExecutionStatusCancelled, out.Status)
	assert.Contains(t, out.Err.Details["on_cancel_error"], "undo broke")
	assert.Equal(t, "stop", out.Err.Details["reason"], "the cancellation reason survives the on_cancel failure")
	assert.Len(t, h.hub.ofType(schema.EventOnCancelFailed), 1)
	assert.Equal(t, []string{"cleanup:b"}, h.marks())
}

func TestExecute_FailureRunsCleanupsWithoutOnCancel(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: Unwind
steps:
  - task: {name: test.cleanup, inputs: {label: one}}
  - task: {name: test.cleanup, inputs: {label: two}}
  - task: {name: test.fail, inputs: {message: boom}}
on_cancel:
  - task: {name: test.mark, inputs: {label: on_cancel}}
`)
	out := h.execute(def, nil)

	require.Equal(t, schema.ExecutionStatusFailed, out.Status)
	assert.Equal(t, []string{"cleanup:two", "cleanup:one"}, h.marks())
}

func TestExecute_SuccessDiscardsCleanups(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: Clean
steps:
  - task: {name: test.cleanup, inputs: {label: one}}
`)
	token := cancel.NewToken(context.Background())
	out := h.interpreter().Execute(token, "exec-1", def, nil)

	require.Equal(t, schema.ExecutionStatusCompleted, out.Status)
	assert.Empty(t, h.marks())
	assert.Zero(t, token.Pending())
}

func TestExecute_LoopStopsAtCancellation(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: LoopCancel
steps:
  - id: each
    loop:
      for_each: [a, b, c]
      as: item
      do:
        - task:
            name: test.block
            inputs:
              label: ${item}
`)
	token := cancel.NewToken(context.Background())
	done := make(chan *Outcome, 1)
	go func() { done <- h.interpreter().Execute(token, "exec-1", def, nil) }()

	assert.Equal(t, []string{"a"}, h.awaitBlocked(1))
	token.Cancel("stop")
	out := <-done

	assert.Equal(t, schema.ExecutionStatusCancelled, out.Status)
	assert.Len(t, h.callsTo("test.block"), 1)
}

// --- Subflow ---

func TestExecute_SubflowReturnsOutputs(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.loader.Register(parseFlow(t, `
name: Double
inputs:
  - name: n
steps:
  - id: calc
    task:
      name: test.return
      inputs:
        doubled: ${inputs.n}
outputs:
  result: ${calc.doubled}
`)))
	def := parseFlow(t, `
name: Parent
steps:
  - id: sub
    subflow:
      flow: Double
      inputs:
        n: 21
  - id: use
    task:
      name: test.return
      inputs:
        got: ${sub.result}
`)
	out := h.execute(def, nil)

	require.Equal(t, schema.ExecutionStatusCompleted, out.Status, "%v", out.Err)
	assert.EqualValues(t, 21, h.callsTo("test.return")[1]["got"])
	assert.NotContains(t, out.Result, "calc", "subflow ids stay in the subflow")
}

func TestExecute_ExitInSubflowEndsOnlyTheSubflow(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.loader.Register(parseFlow(t, `
name: Guarded
steps:
  - exit:
      reason: nothing to do
      outputs: {skipped: true}
  - task: {name: test.mark, inputs: {label: inside}}
`)))
	def := parseFlow(t, `
name: Parent
steps:
  - id: sub
    subflow: {flow: Guarded}
  - task: {name: test.mark, inputs: {label: after}}
`)
	out := h.execute(def, nil)

	require.Equal(t, schema.ExecutionStatusCompleted, out.Status, "%v", out.Err)
	assert.Empty(t, out.ExitReason)
	assert.Equal(t, []string{"after"}, h.marks())
	assert.Equal(t, map[string]any{"skipped": true}, out.Result["sub"])
}

func TestExecute_CircularSubflowAtRuntime(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.loader.Register(parseFlow(t, `
name: B
steps:
  - subflow: {flow: A}
`)))
	def := parseFlow(t, `
name: A
steps:
  - id: call
    subflow: {flow: B}
`)
	out := h.execute(def, nil)

	require.Equal(t, schema.ExecutionStatusFailed, out.Status)
	assert.Equal(t, schema.ErrCodeCircularSubflow, out.Err.Code)
	assert.Equal(t, []string{"A", "B", "A"}, out.Err.Path)
	assert.Contains(t, out.Err.Message, "A → B → A")
}

func TestExecute_SubflowNotFound(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: Lonely
steps:
  - id: call
    retry: {max_attempts: 3}
    subflow: {flow: Nowhere}
    on_error:
      - task: {name: test.mark, inputs: {label: handled}}
`)
	out := h.execute(def, nil)

	require.Equal(t, schema.ExecutionStatusFailed, out.Status)
	assert.Equal(t, schema.ErrCodeSubflowNotFound, out.Err.Code)
	assert.Equal(t, "call", out.Err.StepID)
	assert.Empty(t, h.marks())
	assert.Empty(t, h.sleeper.recorded())
}

func TestExecute_SubflowCleanupsMoveToParent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.loader.Register(parseFlow(t, `
name: Reserve
steps:
  - task: {name: test.cleanup, inputs: {label: child}}
`)))
	def := parseFlow(t, `
name: Parent
steps:
  - task: {name: test.cleanup, inputs: {label: parent}}
  - subflow: {flow: Reserve}
  - task: {name: test.fail, inputs: {message: late failure}}
`)
	out := h.execute(def, nil)

	require.Equal(t, schema.ExecutionStatusFailed, out.Status)
	assert.Equal(t, []string{"cleanup:child", "cleanup:parent"}, h.marks())
}

func TestExecute_CancelledSubflowRunsItsOwnOnCancel(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.loader.Register(parseFlow(t, `
name: Worker
steps:
  - task: {name: test.block, inputs: {label: child}}
on_cancel:
  - task: {name: test.mark, inputs: {label: child on_cancel}}
`)))
	def := parseFlow(t, `
name: Parent
steps:
  - task: {name: test.cleanup, inputs: {label: parent}}
  - subflow: {flow: Worker}
on_cancel:
  - task: {name: test.mark, inputs: {label: parent on_cancel}}
`)
	token := cancel.NewToken(context.Background())
	done := make(chan *Outcome, 1)
	go func() { done <- h.interpreter().Execute(token, "exec-1", def, nil) }()

	h.awaitBlocked(1)
	token.Cancel("shutdown")
	out := <-done

	require.Equal(t, schema.ExecutionStatusCancelled, out.Status)
	assert.Equal(t, []string{
		"cleanup:child", "child on_cancel",
		"cleanup:parent", "parent on_cancel",
	}, h.marks())
}

func TestExecute_TaskOutputsFiltered(t *testing.T) {
	h := newHarness(t)
	def := parseFlow(t, `
name: Filter
steps:
  - id: a
    task:
      name: test.return
      inputs: {keep: 1, drop: 2}
      outputs: [keep, absent]
`)
	out := h.execute(def, nil)

	require.Equal(t, schema.ExecutionStatusCompleted, out.Status, "%v", out.Err)
	assert.Equal(t, map[string]any{"keep": 1}, out.Result["a"])
}
