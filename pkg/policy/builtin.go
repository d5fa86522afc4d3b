package policy

// BuiltinPolicies returns the policies shipped with the engine. They are
// always evaluated; user policy directories can only add to them.
func BuiltinPolicies() []Policy {
	return []Policy{
		credentialProtectionPolicy(),
		resourceNamingPolicy(),
		dropScopePolicy(),
	}
}

// credentialProtectionPolicy blocks credential deletion unless the operator
// explicitly confirmed it. This is the safety net behind clean and --drop.
func credentialProtectionPolicy() Policy {
	return Policy{
		Name:        "credential-protection",
		Description: "Credentials are never deleted without explicit operator confirmation",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Rego: `package strata.policies.credentials

import rego.v1

deny contains violation if {
	some outcome in input.outcomes
	outcome.action == "delete"
	outcome.kind == "credential"
	not input.context.allow_credential_deletion
	violation := {
		"message": sprintf("refusing to delete credential %q without explicit confirmation", [outcome.identifier]),
		"severity": "critical",
		"resource": sprintf("credential/%s", [outcome.identifier]),
	}
}
`,
	}
}

// resourceNamingPolicy enforces the identifier conventions the remote
// platform expects.
func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Identifiers are lowercase alphanumeric with hyphens, 2-63 characters",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package strata.policies.naming

import rego.v1

deny contains violation if {
	some outcome in input.outcomes
	outcome.action == "create"
	not regex.match("^[a-z0-9][a-z0-9-]{0,61}[a-z0-9]$", outcome.identifier)
	violation := {
		"message": sprintf("identifier %q does not match the platform naming rules", [outcome.identifier]),
		"severity": "error",
		"resource": sprintf("%s/%s", [outcome.kind, outcome.identifier]),
	}
}
`,
	}
}

// dropScopePolicy warns when a drop run would delete a large share of the
// scope, a common sign of a wrong --env or a truncated build directory.
func dropScopePolicy() Policy {
	return Policy{
		Name:        "drop-blast-radius",
		Description: "Warns when a drop run deletes more resources than it keeps",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package strata.policies.blast

import rego.v1

deletes := [o | some o in input.outcomes; o.action == "delete"]
others := [o | some o in input.outcomes; o.action != "delete"]

deny contains violation if {
	input.context.drop
	count(deletes) > count(others)
	count(deletes) > 3
	violation := {
		"message": sprintf("drop run deletes %d resources but keeps only %d; check the environment and build directory", [count(deletes), count(others)]),
		"severity": "warning",
	}
}
`,
	}
}
