package policy

import (
	"time"
)

// Severity is the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational findings.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do not
	// block the run.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the run.
	SeverityError Severity = "error"

	// SeverityCritical blocks the run and cannot be downgraded.
	SeverityCritical Severity = "critical"
)

// Policy is one Rego policy evaluated against a reconciliation plan.
type Policy struct {
	// Name uniquely identifies the policy.
	Name string `json:"name"`

	// Description is a human-readable summary.
	Description string `json:"description"`

	// Rego is the policy source.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not declare
	// their own.
	Severity Severity `json:"severity"`

	// Enabled indicates whether the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the engine; builtin policies
	// cannot be disabled by user policy directories.
	Builtin bool `json:"builtin"`
}

// Violation is one policy finding.
type Violation struct {
	// Policy names the violated policy.
	Policy string `json:"policy"`

	// Resource is the "kind/identifier" the finding applies to, if any.
	Resource string `json:"resource,omitempty"`

	// Message is the human-readable finding.
	Message string `json:"message"`

	// Severity is the finding's severity.
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating all policies against a plan.
type Result struct {
	// Allowed is false when any violation is error or critical severity.
	Allowed bool `json:"allowed"`

	// Violations lists blocking findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking findings.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies names the policies that ran.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is the evaluation timestamp.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// PlanContext describes the run being guarded.
type PlanContext struct {
	// Operation is "deploy" or "clean".
	Operation string `json:"operation"`

	// Environment is the target environment name.
	Environment string `json:"environment"`

	// DryRun and Drop mirror the reconcile options.
	DryRun bool `json:"dry_run"`
	Drop   bool `json:"drop"`

	// AllowCredentialDeletion is set only by an explicit operator
	// confirmation flag.
	AllowCredentialDeletion bool `json:"allow_credential_deletion"`
}

// planInput is the JSON document handed to Rego as input.
type planInput struct {
	Outcomes []outcomeInput `json:"outcomes"`
	Context  PlanContext    `json:"context"`
}

// outcomeInput is one planned action in policy input form.
type outcomeInput struct {
	Action     string `json:"action"`
	Kind       string `json:"kind"`
	Identifier string `json:"identifier"`
}
