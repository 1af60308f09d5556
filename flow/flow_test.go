package flow

import (
	"testing"
	"time"

	"github.com/flowmesh/flowmesh-go/value"
)

func validFlow() *Flow {
	return &Flow{
		ID:      "flow-1",
		Name:    "two step",
		Version: "1.0.0",
		Owner:   "did:web:alice",
		Metadata: Metadata{
			Visibility:  VisibilityPrivate,
			Permissions: []string{"flows.execute"},
		},
		Steps: []Step{
			{ID: "a", Kind: KindTask, Action: "echo", OnSuccess: "b",
				Params: value.MustFrom(map[string]any{"x": 1})},
			{ID: "b", Kind: KindTask, Action: "add"},
		},
	}
}

func TestValidate_ValidFlow(t *testing.T) {
	errs, warnings := Validate(validFlow())
	if len(errs) != 0 {
		t.Fatalf("valid flow produced errors: %v", errs)
	}
	if len(warnings) != 0 {
		t.Errorf("valid flow produced warnings: %v", warnings)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Flow)
	}{
		{"missing id", func(f *Flow) { f.ID = "" }},
		{"missing owner", func(f *Flow) { f.Owner = "" }},
		{"bad version", func(f *Flow) { f.Version = "1.0" }},
		{"bad visibility", func(f *Flow) { f.Metadata.Visibility = "everyone" }},
		{"no steps", func(f *Flow) { f.Steps = nil }},
		{"duplicate step id", func(f *Flow) { f.Steps[1].ID = "a" }},
		{"unknown kind", func(f *Flow) { f.Steps[0].Kind = "loop" }},
		{"missing success target", func(f *Flow) { f.Steps[0].OnSuccess = "ghost" }},
		{"missing failure target", func(f *Flow) { f.Steps[0].OnFailure = "ghost" }},
		{"timeout too small", func(f *Flow) { f.Steps[0].Timeout = 500 * time.Millisecond }},
		{"timeout too large", func(f *Flow) { f.Steps[0].Timeout = 2 * time.Hour }},
		{"task without action", func(f *Flow) { f.Steps[0].Action = "" }},
		{"retry zero attempts", func(f *Flow) {
			f.Steps[0].Retry = &RetryPolicy{MaxAttempts: 0}
		}},
		{"retry initial above max", func(f *Flow) {
			f.Steps[0].Retry = &RetryPolicy{MaxAttempts: 2, InitialDelay: time.Second, MaxDelay: time.Millisecond}
		}},
		{"parallel without branches", func(f *Flow) {
			f.Steps[0] = Step{ID: "a", Kind: KindParallel, OnSuccess: "b"}
		}},
		{"event trigger without event", func(f *Flow) {
			f.Steps[0] = Step{ID: "a", Kind: KindEventTrigger, OnSuccess: "b"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := validFlow()
			tt.mutate(f)
			errs, _ := Validate(f)
			if len(errs) == 0 {
				t.Error("expected at least one validation error")
			}
		})
	}
}

func TestValidate_CycleDetection(t *testing.T) {
	t.Run("self loop", func(t *testing.T) {
		f := validFlow()
		f.Steps[0].OnSuccess = "a"
		errs, _ := Validate(f)
		if len(errs) == 0 {
			t.Error("self loop must be rejected")
		}
	})

	t.Run("two step cycle via failure edge", func(t *testing.T) {
		f := validFlow()
		f.Steps[1].OnFailure = "a"
		errs, _ := Validate(f)
		if len(errs) == 0 {
			t.Error("cycle through on_failure must be rejected")
		}
	})

	t.Run("diamond is not a cycle", func(t *testing.T) {
		f := &Flow{
			ID: "d", Version: "1.0.0", Owner: "o",
			Metadata: Metadata{Visibility: VisibilityPrivate},
			Steps: []Step{
				{ID: "a", Kind: KindCondition, OnSuccess: "b", OnFailure: "c"},
				{ID: "b", Kind: KindTask, Action: "x", OnSuccess: "d"},
				{ID: "c", Kind: KindTask, Action: "y", OnSuccess: "d"},
				{ID: "d", Kind: KindTask, Action: "z"},
			},
		}
		errs, _ := Validate(f)
		if len(errs) != 0 {
			t.Errorf("diamond graph is acyclic, got errors: %v", errs)
		}
	})
}

func TestValidate_UnreachableIsWarning(t *testing.T) {
	f := validFlow()
	f.Steps = append(f.Steps, Step{ID: "orphan", Kind: KindTask, Action: "noop"})

	errs, warnings := Validate(f)
	if len(errs) != 0 {
		t.Fatalf("unreachable step must not be an error: %v", errs)
	}
	if len(warnings) != 1 {
		t.Errorf("expected 1 unreachable warning, got %v", warnings)
	}
}

func TestParse_YAML(t *testing.T) {
	doc := []byte(`
id: flow-hello
name: Hello
version: 1.2.3
owner: did:web:alice
metadata:
  visibility: tenant-only
  tags: [demo]
steps:
  - id: greet
    kind: task
    action: echo
    params:
      message: hello
      count: 3
    on_success: wait
    timeout: 30s
    retry:
      max_attempts: 3
      backoff: exponential
      initial_delay: 100ms
      max_delay: 5s
      multiplier: 2
  - id: wait
    kind: event-trigger
    event: door.opened.v1
    wait_timeout: 1h
`)
	res := Parse(doc)
	if !res.OK() {
		t.Fatalf("Parse errors: %v", res.Errors)
	}
	f := res.Flow

	if f.Version != "1.2.3" || f.Metadata.Visibility != VisibilityTenant {
		t.Errorf("header parsed wrong: %+v", f)
	}
	greet, ok := f.Step("greet")
	if !ok {
		t.Fatal("step greet missing")
	}
	if greet.Timeout != 30*time.Second {
		t.Errorf("timeout = %v", greet.Timeout)
	}
	count, _ := greet.Params.Get("count")
	if count.Kind() != value.KindInt || count.Int() != 3 {
		t.Errorf("params.count = %v (%v)", count, count.Kind())
	}
	if greet.Retry == nil || greet.Retry.Kind != BackoffExponential || greet.Retry.InitialDelay != 100*time.Millisecond {
		t.Errorf("retry parsed wrong: %+v", greet.Retry)
	}
	wait, _ := f.Step("wait")
	if wait.Kind != KindEventTrigger || wait.Event != "door.opened.v1" || wait.WaitTimeout != time.Hour {
		t.Errorf("event-trigger parsed wrong: %+v", wait)
	}
}

func TestParse_JSON(t *testing.T) {
	doc := []byte(`{
  "id": "flow-json",
  "name": "json flow",
  "version": "0.1.0",
  "owner": "o",
  "metadata": {"visibility": "private"},
  "steps": [
    {"id": "only", "kind": "task", "action": "noop"}
  ]
}`)
	res := Parse(doc)
	if !res.OK() {
		t.Fatalf("Parse errors: %v", res.Errors)
	}
	if res.Flow.ID != "flow-json" {
		t.Errorf("ID = %q", res.Flow.ID)
	}
}

func TestParse_MalformedNeverPanics(t *testing.T) {
	inputs := [][]byte{
		nil,
		[]byte("{"),
		[]byte(":\n:::"),
		[]byte("id: [unclosed"),
		[]byte(`steps: {not: a list}`),
	}
	for _, in := range inputs {
		res := Parse(in)
		if res.OK() && res.Flow == nil {
			t.Errorf("Parse(%q): inconsistent result", in)
		}
		if len(res.Errors) == 0 {
			t.Errorf("Parse(%q): malformed input must produce errors", in)
		}
	}
}

func TestParse_SerializeRoundTrip(t *testing.T) {
	f := validFlow()
	f.Steps[0].Timeout = 45 * time.Second
	f.Steps[0].Retry = &RetryPolicy{
		MaxAttempts:     3,
		Kind:            BackoffExponential,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		Multiplier:      2,
		RetryableErrors: []string{"timeout", "unreachable"},
	}
	f.Steps[0].Limits = &ResourceLimits{MemoryBytes: 1 << 20, WallTime: time.Minute, CPUFraction: 0.5, MaxNetworkCalls: 4}

	data, err := Serialize(f)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	res := Parse(data)
	if !res.OK() {
		t.Fatalf("Parse(Serialize): %v", res.Errors)
	}
	got := res.Flow

	if got.ID != f.ID || got.Version != f.Version || got.Owner != f.Owner {
		t.Errorf("header mismatch: %+v", got)
	}
	if len(got.Steps) != len(f.Steps) {
		t.Fatalf("step count = %d, want %d", len(got.Steps), len(f.Steps))
	}
	a, _ := got.Step("a")
	orig := f.Steps[0]
	if a.Timeout != orig.Timeout || !value.Equal(a.Params, orig.Params) {
		t.Errorf("step a mismatch: %+v vs %+v", a, orig)
	}
	if a.Retry == nil || a.Retry.MaxAttempts != 3 || a.Retry.MaxDelay != 5*time.Second {
		t.Errorf("retry mismatch: %+v", a.Retry)
	}
	if a.Limits == nil || a.Limits.WallTime != time.Minute || a.Limits.CPUFraction != 0.5 {
		t.Errorf("limits mismatch: %+v", a.Limits)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"fixed", RetryPolicy{Kind: BackoffFixed, InitialDelay: time.Second}, 5, time.Second},
		{"linear first", RetryPolicy{Kind: BackoffLinear, InitialDelay: 100 * time.Millisecond}, 0, 100 * time.Millisecond},
		{"linear third", RetryPolicy{Kind: BackoffLinear, InitialDelay: 100 * time.Millisecond}, 2, 300 * time.Millisecond},
		{"exponential first", RetryPolicy{Kind: BackoffExponential, InitialDelay: 100 * time.Millisecond, Multiplier: 2}, 0, 100 * time.Millisecond},
		{"exponential second", RetryPolicy{Kind: BackoffExponential, InitialDelay: 100 * time.Millisecond, Multiplier: 2}, 1, 200 * time.Millisecond},
		{"exponential capped", RetryPolicy{Kind: BackoffExponential, InitialDelay: time.Second, Multiplier: 10, MaxDelay: 3 * time.Second}, 4, 3 * time.Second},
		{"linear capped", RetryPolicy{Kind: BackoffLinear, InitialDelay: time.Second, MaxDelay: 2 * time.Second}, 9, 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestRetryPolicy_Retries(t *testing.T) {
	rp := &RetryPolicy{MaxAttempts: 3, RetryableErrors: []string{"timeout"}}

	if !rp.Retries("timeout", 0) || !rp.Retries("timeout", 1) {
		t.Error("attempts within budget and kind set must retry")
	}
	if rp.Retries("timeout", 2) {
		t.Error("attempt budget exhausted must not retry")
	}
	if rp.Retries("denied", 0) {
		t.Error("kinds outside the set must not retry")
	}

	all := &RetryPolicy{MaxAttempts: 2}
	if !all.Retries("anything", 0) {
		t.Error("empty kind set retries every retryable failure")
	}
	var nilPolicy *RetryPolicy
	if nilPolicy.Retries("x", 0) {
		t.Error("nil policy never retries")
	}
}

func TestFlow_CloneImmutability(t *testing.T) {
	f := validFlow()
	cp := f.Clone()

	cp.Steps[0].ID = "mutated"
	cp.Metadata.Permissions[0] = "mutated"
	if f.Steps[0].ID != "a" || f.Metadata.Permissions[0] != "flows.execute" {
		t.Error("mutating a clone must not affect the original")
	}

	g := f.WithStep(Step{ID: "c", Kind: KindTask, Action: "noop"})
	if len(f.Steps) != 2 || len(g.Steps) != 3 {
		t.Error("WithStep must return a new flow and leave the receiver unchanged")
	}
}
