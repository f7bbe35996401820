package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/goliatone/go-errors"

	admission "github.com/goliatone/go-admission"
)

// Type names a policy implementation.
type Type string

const (
	TypeConcurrency       Type = "action.concurrency"
	TypeConcurrencyByAttr Type = "action.concurrency.attr"
	TypeRetry             Type = "action.retry"
)

// OverflowAction is what a concurrency policy does with a run over the
// threshold.
type OverflowAction string

const (
	OverflowDelay  OverflowAction = "delay"
	OverflowCancel OverflowAction = "cancel"
)

// RetryOn selects which terminal status triggers a retry.
type RetryOn string

const (
	RetryOnFailure RetryOn = "failure"
	RetryOnTimeout RetryOn = "timeout"
)

// ParamKind is the expected type of a policy parameter.
type ParamKind string

const (
	KindInteger ParamKind = "integer"
	KindString  ParamKind = "string"
	KindArray   ParamKind = "array"
)

// ParamSchema declares one policy parameter.
type ParamSchema struct {
	Kind        ParamKind
	Required    bool
	Default     any
	Enum        []string
	Minimum     *int
	Description string
}

// Params is the typed parameter set of a resolved policy. The concrete value
// is one of ConcurrencyParams, ConcurrencyByAttrParams or RetryParams.
type Params interface {
	policyType() Type
}

type ConcurrencyParams struct {
	Threshold int
	Action    OverflowAction
}

func (ConcurrencyParams) policyType() Type { return TypeConcurrency }

type ConcurrencyByAttrParams struct {
	Threshold  int
	Attributes []string
	Action     OverflowAction
}

func (ConcurrencyByAttrParams) policyType() Type { return TypeConcurrencyByAttr }

type RetryParams struct {
	RetryOn       RetryOn
	MaxRetryCount int
	// Delay in seconds before the retried run becomes eligible.
	Delay int
}

func (RetryParams) policyType() Type { return TypeRetry }

// Policy binds a Type to a resource with validated, typed parameters.
type Policy struct {
	Name        string
	Description string
	ResourceRef string
	Type        Type
	Enabled     bool
	Params      Params
}

// Builder constructs the applicator implementing a resolved policy.
type Builder func(p Policy, deps Deps) (Applicator, error)

// TypeDescriptor declares a policy type: its parameter schema and the
// builder implementing it.
type TypeDescriptor struct {
	Name         Type
	ResourceType string
	Description  string
	Parameters   map[string]ParamSchema
	Decode       func(values map[string]any) (Params, error)
	Build        Builder
}

// Registry holds the known policy types.
type Registry struct {
	mu    sync.RWMutex
	types map[Type]TypeDescriptor
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[Type]TypeDescriptor)}
}

// DefaultRegistry returns a registry with the built-in policy types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, desc := range builtinTypes() {
		_ = r.Register(desc)
	}
	return r
}

func (r *Registry) Register(desc TypeDescriptor) error {
	if strings.TrimSpace(string(desc.Name)) == "" || desc.Decode == nil || desc.Build == nil {
		return admission.NewError(admission.ErrInvalidPolicy, "policy type requires a name, decoder and builder", nil, map[string]any{
			"policy_type": string(desc.Name),
		})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[desc.Name]; exists {
		return apperrors.New("policy type already registered", apperrors.CategoryConflict).
			WithTextCode("POLICY_TYPE_CONFLICT").
			WithMetadata(map[string]any{"policy_type": string(desc.Name)})
	}
	r.types[desc.Name] = desc
	return nil
}

func (r *Registry) Lookup(name Type) (TypeDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.types[name]
	return desc, ok
}

// Types lists registered type names in sorted order.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resolve validates a definition against its type schema and returns the
// typed policy. Unknown types and invalid parameters fail here, never at
// apply time.
func (r *Registry) Resolve(def Definition) (Policy, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		name = fmt.Sprintf("%s.%s", def.ResourceRef, def.PolicyType)
	}
	meta := map[string]any{"policy": name, "policy_type": def.PolicyType}

	desc, ok := r.Lookup(Type(def.PolicyType))
	if !ok {
		return Policy{}, admission.NewError(admission.ErrUnknownPolicyType,
			fmt.Sprintf("unknown policy type %q", def.PolicyType), nil, meta)
	}
	if strings.TrimSpace(def.ResourceRef) == "" {
		return Policy{}, admission.NewError(admission.ErrInvalidPolicy, "policy resource_ref is required", nil, meta)
	}

	values, err := applySchema(desc.Parameters, def.Parameters)
	if err != nil {
		return Policy{}, admission.NewError(admission.ErrInvalidPolicy, "policy "+name+" has invalid parameters", err, meta)
	}
	params, err := desc.Decode(values)
	if err != nil {
		return Policy{}, admission.NewError(admission.ErrInvalidPolicy, "policy "+name+" has invalid parameters", err, meta)
	}

	enabled := true
	if def.Enabled != nil {
		enabled = *def.Enabled
	}
	return Policy{
		Name:        name,
		Description: def.Description,
		ResourceRef: strings.TrimSpace(def.ResourceRef),
		Type:        desc.Name,
		Enabled:     enabled,
		Params:      params,
	}, nil
}

// ResolveAll resolves every definition and reports all failures together.
func (r *Registry) ResolveAll(defs []Definition) ([]Policy, error) {
	out := make([]Policy, 0, len(defs))
	collector := apperrors.NewCollector(apperrors.WithMaxErrors(len(defs) + 1))
	for _, def := range defs {
		p, err := r.Resolve(def)
		if err != nil {
			collector.Add(err)
			continue
		}
		out = append(out, p)
	}
	if !collector.HasErrors() {
		return out, nil
	}
	errs := collector.Errors()
	if len(errs) == 1 {
		return nil, errs[0]
	}
	return nil, admission.NewError(admission.ErrInvalidPolicy,
		fmt.Sprintf("%d policy definitions are invalid", len(errs)), collector.Merge(), nil)
}

func applySchema(schema map[string]ParamSchema, raw map[string]any) (map[string]any, error) {
	values := make(map[string]any, len(schema))
	var fields []apperrors.FieldError

	for _, key := range admission.SortedKeys(raw) {
		if _, known := schema[key]; !known {
			fields = append(fields, apperrors.FieldError{Field: key, Message: "unknown parameter", Value: raw[key]})
		}
	}

	for _, key := range admission.SortedKeys(schema) {
		spec := schema[key]
		value, present := raw[key]
		if !present || value == nil {
			if spec.Required {
				fields = append(fields, apperrors.FieldError{Field: key, Message: "is required"})
				continue
			}
			if spec.Default != nil {
				values[key] = spec.Default
			}
			continue
		}

		switch spec.Kind {
		case KindInteger:
			n, ok := admission.IntValue(value)
			if !ok {
				fields = append(fields, apperrors.FieldError{Field: key, Message: "must be an integer", Value: value})
				continue
			}
			if spec.Minimum != nil && n < *spec.Minimum {
				fields = append(fields, apperrors.FieldError{Field: key, Message: fmt.Sprintf("must be >= %d", *spec.Minimum), Value: value})
				continue
			}
			values[key] = n
		case KindString:
			s, ok := value.(string)
			if !ok {
				fields = append(fields, apperrors.FieldError{Field: key, Message: "must be a string", Value: value})
				continue
			}
			if len(spec.Enum) > 0 && !contains(spec.Enum, s) {
				fields = append(fields, apperrors.FieldError{Field: key, Message: "must be one of " + strings.Join(spec.Enum, ", "), Value: value})
				continue
			}
			values[key] = s
		case KindArray:
			items, ok := stringSlice(value)
			if !ok {
				fields = append(fields, apperrors.FieldError{Field: key, Message: "must be a list of strings", Value: value})
				continue
			}
			if spec.Required && len(items) == 0 {
				fields = append(fields, apperrors.FieldError{Field: key, Message: "must not be empty"})
				continue
			}
			values[key] = items
		}
	}

	if len(fields) > 0 {
		return nil, apperrors.NewValidation("invalid policy parameters", fields...)
	}
	return values, nil
}

func stringSlice(v any) ([]string, bool) {
	switch val := v.(type) {
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out, true
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func intPtr(v int) *int { return &v }

var overflowEnum = []string{string(OverflowDelay), string(OverflowCancel)}

func builtinTypes() []TypeDescriptor {
	return []TypeDescriptor{
		{
			Name:         TypeConcurrency,
			ResourceType: "action",
			Description:  "Limits the number of scheduled and running runs of an action.",
			Parameters: map[string]ParamSchema{
				"threshold": {Kind: KindInteger, Required: true, Minimum: intPtr(0), Description: "Maximum concurrent runs."},
				"action":    {Kind: KindString, Default: string(OverflowDelay), Enum: overflowEnum, Description: "What to do with runs over the threshold."},
			},
			Decode: func(v map[string]any) (Params, error) {
				return ConcurrencyParams{
					Threshold: v["threshold"].(int),
					Action:    OverflowAction(v["action"].(string)),
				}, nil
			},
			Build: newConcurrency,
		},
		{
			Name:         TypeConcurrencyByAttr,
			ResourceType: "action",
			Description:  "Limits concurrent runs of an action that share the values of selected parameters.",
			Parameters: map[string]ParamSchema{
				"threshold":  {Kind: KindInteger, Required: true, Minimum: intPtr(0), Description: "Maximum concurrent runs per partition."},
				"attributes": {Kind: KindArray, Required: true, Description: "Parameter names that form the partition."},
				"action":     {Kind: KindString, Default: string(OverflowDelay), Enum: overflowEnum, Description: "What to do with runs over the threshold."},
			},
			Decode: func(v map[string]any) (Params, error) {
				attrs := append([]string(nil), v["attributes"].([]string)...)
				sort.Strings(attrs)
				return ConcurrencyByAttrParams{
					Threshold:  v["threshold"].(int),
					Attributes: attrs,
					Action:     OverflowAction(v["action"].(string)),
				}, nil
			},
			Build: newConcurrencyByAttr,
		},
		{
			Name:         TypeRetry,
			ResourceType: "action",
			Description:  "Retries runs that failed or timed out.",
			Parameters: map[string]ParamSchema{
				"retry_on":        {Kind: KindString, Default: string(RetryOnFailure), Enum: []string{string(RetryOnFailure), string(RetryOnTimeout)}, Description: "Status that triggers a retry."},
				"max_retry_count": {Kind: KindInteger, Default: 2, Minimum: intPtr(0), Description: "Maximum retries for one original run."},
				"delay":           {Kind: KindInteger, Default: 0, Minimum: intPtr(0), Description: "Seconds before the retried run becomes eligible."},
			},
			Decode: func(v map[string]any) (Params, error) {
				return RetryParams{
					RetryOn:       RetryOn(v["retry_on"].(string)),
					MaxRetryCount: v["max_retry_count"].(int),
					Delay:         v["delay"].(int),
				}, nil
			},
			Build: newRetry,
		},
	}
}
