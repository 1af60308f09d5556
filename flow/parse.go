package flow

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowmesh/flowmesh-go/value"
)

// ParseResult reports the outcome of parsing a flow document. Errors make
// the flow unusable; warnings do not.
type ParseResult struct {
	// Flow is the parsed flow. Non-nil only when OK.
	Flow *Flow

	// Errors lists structural violations, each naming the offending
	// element.
	Errors []string

	// Warnings lists suspicious but legal constructs (e.g. unreachable
	// steps).
	Warnings []string
}

// OK reports whether the document parsed without errors.
func (r ParseResult) OK() bool { return len(r.Errors) == 0 }

// Wire representation of a flow document. Durations travel as strings
// ("30s", "5m") so documents stay hand-editable.
type flowDoc struct {
	ID       string      `yaml:"id" json:"id"`
	Name     string      `yaml:"name" json:"name"`
	Version  string      `yaml:"version" json:"version"`
	Owner    string      `yaml:"owner" json:"owner"`
	Metadata metadataDoc `yaml:"metadata" json:"metadata"`
	Policy   string      `yaml:"policy,omitempty" json:"policy,omitempty"`
	Steps    []stepDoc   `yaml:"steps" json:"steps"`
}

type metadataDoc struct {
	Tags         []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Category     string   `yaml:"category,omitempty" json:"category,omitempty"`
	Visibility   string   `yaml:"visibility,omitempty" json:"visibility,omitempty"`
	Permissions  []string `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	TenantSubnet string   `yaml:"tenant_subnet,omitempty" json:"tenant_subnet,omitempty"`
}

type stepDoc struct {
	ID           string         `yaml:"id" json:"id"`
	Kind         string         `yaml:"kind" json:"kind"`
	Action       string         `yaml:"action,omitempty" json:"action,omitempty"`
	Params       map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	OnSuccess    string         `yaml:"on_success,omitempty" json:"on_success,omitempty"`
	OnFailure    string         `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
	Timeout      string         `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retry        *retryDoc      `yaml:"retry,omitempty" json:"retry,omitempty"`
	Limits       *limitsDoc     `yaml:"limits,omitempty" json:"limits,omitempty"`
	Branches     []string       `yaml:"branches,omitempty" json:"branches,omitempty"`
	AllowPartial bool           `yaml:"allow_partial,omitempty" json:"allow_partial,omitempty"`
	Event        string         `yaml:"event,omitempty" json:"event,omitempty"`
	WaitTimeout  string         `yaml:"wait_timeout,omitempty" json:"wait_timeout,omitempty"`
}

type retryDoc struct {
	MaxAttempts     int      `yaml:"max_attempts" json:"max_attempts"`
	Backoff         string   `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	InitialDelay    string   `yaml:"initial_delay,omitempty" json:"initial_delay,omitempty"`
	MaxDelay        string   `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
	Multiplier      float64  `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
	RetryableErrors []string `yaml:"retryable_errors,omitempty" json:"retryable_errors,omitempty"`
}

type limitsDoc struct {
	MemoryBytes     int64   `yaml:"memory_bytes,omitempty" json:"memory_bytes,omitempty"`
	WallTime        string  `yaml:"wall_time,omitempty" json:"wall_time,omitempty"`
	CPUFraction     float64 `yaml:"cpu_fraction,omitempty" json:"cpu_fraction,omitempty"`
	MaxNetworkCalls int     `yaml:"max_network_calls,omitempty" json:"max_network_calls,omitempty"`
}

// Parse parses a flow document and validates its structural invariants.
//
// The format is self-identifying: documents may be YAML or JSON (JSON is
// parsed by the same decoder, being a YAML subset). Parse never panics
// past its boundary; malformed input surfaces in ParseResult.Errors.
func Parse(data []byte) (res ParseResult) {
	defer func() {
		if r := recover(); r != nil {
			res.Flow = nil
			res.Errors = append(res.Errors, fmt.Sprintf("document: decoder panic: %v", r))
		}
	}()

	var doc flowDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("document: %v", err))
		return res
	}

	f := &Flow{
		ID:      doc.ID,
		Name:    doc.Name,
		Version: doc.Version,
		Owner:   doc.Owner,
		Policy:  doc.Policy,
		Metadata: Metadata{
			Tags:         doc.Metadata.Tags,
			Category:     doc.Metadata.Category,
			Visibility:   Visibility(doc.Metadata.Visibility),
			Permissions:  doc.Metadata.Permissions,
			TenantSubnet: doc.Metadata.TenantSubnet,
		},
	}
	if f.Metadata.Visibility == "" {
		f.Metadata.Visibility = VisibilityPrivate
	}

	for i, sd := range doc.Steps {
		step, errs := sd.toStep(i)
		res.Errors = append(res.Errors, errs...)
		f.Steps = append(f.Steps, step)
	}

	errs, warns := Validate(f)
	res.Errors = append(res.Errors, errs...)
	res.Warnings = append(res.Warnings, warns...)

	if len(res.Errors) == 0 {
		res.Flow = f
	}
	return res
}

func (sd stepDoc) toStep(index int) (Step, []string) {
	var errs []string
	where := fmt.Sprintf("steps[%d]", index)
	if sd.ID != "" {
		where = fmt.Sprintf("step %q", sd.ID)
	}

	step := Step{
		ID:           sd.ID,
		Kind:         StepKind(sd.Kind),
		Action:       sd.Action,
		OnSuccess:    sd.OnSuccess,
		OnFailure:    sd.OnFailure,
		Branches:     sd.Branches,
		AllowPartial: sd.AllowPartial,
		Event:        sd.Event,
	}

	if sd.Params != nil {
		params, err := value.Decode(sd.Params)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: params: %v", where, err))
		} else {
			step.Params = params
		}
	}

	parseDur := func(field, raw string) time.Duration {
		if raw == "" {
			return 0
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %s: %v", where, field, err))
			return 0
		}
		return d
	}

	step.Timeout = parseDur("timeout", sd.Timeout)
	step.WaitTimeout = parseDur("wait_timeout", sd.WaitTimeout)

	if sd.Retry != nil {
		step.Retry = &RetryPolicy{
			MaxAttempts:     sd.Retry.MaxAttempts,
			Kind:            Backoff(sd.Retry.Backoff),
			InitialDelay:    parseDur("retry.initial_delay", sd.Retry.InitialDelay),
			MaxDelay:        parseDur("retry.max_delay", sd.Retry.MaxDelay),
			Multiplier:      sd.Retry.Multiplier,
			RetryableErrors: sd.Retry.RetryableErrors,
		}
	}

	if sd.Limits != nil {
		step.Limits = &ResourceLimits{
			MemoryBytes:     sd.Limits.MemoryBytes,
			WallTime:        parseDur("limits.wall_time", sd.Limits.WallTime),
			CPUFraction:     sd.Limits.CPUFraction,
			MaxNetworkCalls: sd.Limits.MaxNetworkCalls,
		}
	}

	return step, errs
}

// Serialize renders f as a JSON flow document accepted by Parse.
// Parse(Serialize(f)) reproduces f for every valid flow.
func Serialize(f *Flow) ([]byte, error) {
	doc := flowDoc{
		ID:      f.ID,
		Name:    f.Name,
		Version: f.Version,
		Owner:   f.Owner,
		Policy:  f.Policy,
		Metadata: metadataDoc{
			Tags:         f.Metadata.Tags,
			Category:     f.Metadata.Category,
			Visibility:   string(f.Metadata.Visibility),
			Permissions:  f.Metadata.Permissions,
			TenantSubnet: f.Metadata.TenantSubnet,
		},
	}

	for _, s := range f.Steps {
		sd := stepDoc{
			ID:           s.ID,
			Kind:         string(s.Kind),
			Action:       s.Action,
			OnSuccess:    s.OnSuccess,
			OnFailure:    s.OnFailure,
			Branches:     s.Branches,
			AllowPartial: s.AllowPartial,
			Event:        s.Event,
		}
		if !s.Params.IsNull() {
			params, err := valueToDoc(s.Params)
			if err != nil {
				return nil, fmt.Errorf("flow: step %q params: %w", s.ID, err)
			}
			sd.Params = params
		}
		if s.Timeout > 0 {
			sd.Timeout = s.Timeout.String()
		}
		if s.WaitTimeout > 0 {
			sd.WaitTimeout = s.WaitTimeout.String()
		}
		if s.Retry != nil {
			sd.Retry = &retryDoc{
				MaxAttempts:     s.Retry.MaxAttempts,
				Backoff:         string(s.Retry.Kind),
				Multiplier:      s.Retry.Multiplier,
				RetryableErrors: s.Retry.RetryableErrors,
			}
			if s.Retry.InitialDelay > 0 {
				sd.Retry.InitialDelay = s.Retry.InitialDelay.String()
			}
			if s.Retry.MaxDelay > 0 {
				sd.Retry.MaxDelay = s.Retry.MaxDelay.String()
			}
		}
		if s.Limits != nil {
			sd.Limits = &limitsDoc{
				MemoryBytes:     s.Limits.MemoryBytes,
				CPUFraction:     s.Limits.CPUFraction,
				MaxNetworkCalls: s.Limits.MaxNetworkCalls,
			}
			if s.Limits.WallTime > 0 {
				sd.Limits.WallTime = s.Limits.WallTime.String()
			}
		}
		doc.Steps = append(doc.Steps, sd)
	}

	return json.MarshalIndent(doc, "", "  ")
}

// valueToDoc converts a params map into the wire shape, preserving the
// $bytes envelope so binary parameters survive the round-trip.
func valueToDoc(params value.Value) (map[string]any, error) {
	raw, err := params.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
