package workflow

import (
	"testing"
)

func buildWorkflow(steps ...*Step) *Workflow {
	wf := New("test", "")
	for _, s := range steps {
		wf.AddStep(s)
	}
	return wf
}

func TestWorkflow_New(t *testing.T) {
	wf := New("deploy", "ship it")
	if wf.ID == "" {
		t.Error("New: empty ID")
	}
	if wf.State != StatePending {
		t.Errorf("State = %q, want pending", wf.State)
	}
	if wf.Steps == nil {
		t.Error("Steps map not initialized")
	}
}

func TestWorkflow_AddStep_Defaults(t *testing.T) {
	wf := New("w", "")
	s := &Step{Type: StepTask, Name: "unnamed"}
	wf.AddStep(s)
	if s.ID == "" {
		t.Error("AddStep did not assign an ID")
	}
	if s.State != StatePending {
		t.Errorf("step State = %q, want pending", s.State)
	}
}

func TestWorkflow_Validate(t *testing.T) {
	tests := []struct {
		name  string
		steps []*Step
		want  bool
	}{
		{
			name: "linear chain",
			steps: []*Step{
				{ID: "a", Type: StepTask},
				{ID: "b", Type: StepTask, Requires: []string{"a"}},
				{ID: "c", Type: StepTask, Requires: []string{"b"}},
			},
			want: true,
		},
		{
			name: "diamond",
			steps: []*Step{
				{ID: "a", Type: StepTask},
				{ID: "b", Type: StepTask, Requires: []string{"a"}},
				{ID: "c", Type: StepTask, Requires: []string{"a"}},
				{ID: "d", Type: StepTask, Requires: []string{"b", "c"}},
			},
			want: true,
		},
		{
			name: "missing requirement",
			steps: []*Step{
				{ID: "a", Type: StepTask, Requires: []string{"ghost"}},
			},
			want: false,
		},
		{
			name: "self cycle",
			steps: []*Step{
				{ID: "a", Type: StepTask, Requires: []string{"a"}},
			},
			want: false,
		},
		{
			name: "two-step cycle",
			steps: []*Step{
				{ID: "a", Type: StepTask, Requires: []string{"b"}},
				{ID: "b", Type: StepTask, Requires: []string{"a"}},
			},
			want: false,
		},
		{
			name: "long cycle behind valid prefix",
			steps: []*Step{
				{ID: "a", Type: StepTask},
				{ID: "b", Type: StepTask, Requires: []string{"a", "d"}},
				{ID: "c", Type: StepTask, Requires: []string{"b"}},
				{ID: "d", Type: StepTask, Requires: []string{"c"}},
			},
			want: false,
		},
		{
			name:  "empty workflow",
			steps: nil,
			want:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := buildWorkflow(tt.steps...)
			if got := wf.Validate(); got != tt.want {
				t.Errorf("Validate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWorkflow_NextSteps(t *testing.T) {
	wf := buildWorkflow(
		&Step{ID: "a", Type: StepTask},
		&Step{ID: "b", Type: StepTask},
		&Step{ID: "c", Type: StepTask, Requires: []string{"a", "b"}},
	)

	ready := stepIDs(wf.NextSteps())
	if len(ready) != 2 || !ready["a"] || !ready["b"] {
		t.Fatalf("NextSteps = %v, want {a b}", ready)
	}

	wf.SetStepState("a", StateCompleted, nil)
	ready = stepIDs(wf.NextSteps())
	if len(ready) != 1 || !ready["b"] {
		t.Fatalf("NextSteps after a = %v, want {b}", ready)
	}

	wf.SetStepState("b", StateCompleted, nil)
	ready = stepIDs(wf.NextSteps())
	if len(ready) != 1 || !ready["c"] {
		t.Fatalf("NextSteps after a,b = %v, want {c}", ready)
	}
}

func TestWorkflow_NextSteps_FailedRequirementNeverReady(t *testing.T) {
	wf := buildWorkflow(
		&Step{ID: "a", Type: StepTask},
		&Step{ID: "b", Type: StepTask, Requires: []string{"a"}},
	)
	wf.SetStepState("a", StateFailed, nil)
	if got := wf.NextSteps(); len(got) != 0 {
		t.Errorf("NextSteps with failed requirement = %v, want empty", got)
	}
}

func TestWorkflow_IsCompleted(t *testing.T) {
	wf := buildWorkflow(
		&Step{ID: "a", Type: StepTask},
		&Step{ID: "b", Type: StepTask},
	)
	if wf.IsCompleted() {
		t.Error("IsCompleted true with pending steps")
	}

	wf.SetStepState("a", StateCompleted, nil)
	if wf.IsCompleted() {
		t.Error("IsCompleted true with one pending step")
	}

	// Cancelled steps count as terminal.
	wf.SetStepState("b", StateCancelled, nil)
	if !wf.IsCompleted() {
		t.Error("IsCompleted false with completed+cancelled steps")
	}
}

func TestWorkflow_SetStepState_Timestamps(t *testing.T) {
	wf := buildWorkflow(&Step{ID: "a", Type: StepTask})

	wf.SetStepState("a", StateActive, nil)
	s, _ := wf.Step("a")
	if s.StartedAt == nil {
		t.Fatal("StartedAt not stamped on active")
	}
	started := *s.StartedAt

	// Re-activation does not move the original start time.
	wf.SetStepState("a", StateActive, nil)
	if !s.StartedAt.Equal(started) {
		t.Errorf("StartedAt moved on re-activation")
	}

	wf.SetStepState("a", StateCompleted, "done")
	if s.CompletedAt == nil {
		t.Error("CompletedAt not stamped on completed")
	}
	if s.Result != "done" {
		t.Errorf("Result = %v, want done", s.Result)
	}
}

func TestWorkflow_SetStepState_UnknownStep(t *testing.T) {
	wf := New("w", "")
	if wf.SetStepState("ghost", StateActive, nil) {
		t.Error("SetStepState on unknown step returned true")
	}
}

func TestWorkflow_ClaimStep(t *testing.T) {
	wf := buildWorkflow(&Step{ID: "a", Type: StepTask})

	s, ok := wf.claimStep("a")
	if !ok || s == nil {
		t.Fatal("first claim failed")
	}
	if s.State != StateActive {
		t.Errorf("claimed step State = %q, want active", s.State)
	}

	// A second claim on the same step must lose.
	if _, ok := wf.claimStep("a"); ok {
		t.Error("second claim succeeded")
	}
	if _, ok := wf.claimStep("ghost"); ok {
		t.Error("claim on unknown step succeeded")
	}
}

func TestWorkflow_FailStep(t *testing.T) {
	wf := buildWorkflow(&Step{ID: "a", Type: StepTask})
	wf.FailStep("a", "boom")

	s, _ := wf.Step("a")
	if s.State != StateFailed {
		t.Errorf("State = %q, want failed", s.State)
	}
	if s.Error != "boom" {
		t.Errorf("Error = %q, want boom", s.Error)
	}
	if s.CompletedAt == nil {
		t.Error("CompletedAt not stamped on failure")
	}
}

func stepIDs(steps []*Step) map[string]bool {
	ids := make(map[string]bool, len(steps))
	for _, s := range steps {
		ids[s.ID] = true
	}
	return ids
}
