package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		resourceNamingPolicy(),
		profilerPlacementPolicy(),
		protectedRevokePolicy(),
		hostAttributePolicy(),
	}
}

// ProtectedLabel marks resources that must not be revoked.
const ProtectedLabel = "rangekeeper.io/protected"

func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Resource names start with a letter or digit and contain only letters, digits, '.', '_' and '-'",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package rangekeeper.naming

deny contains violation if {
	some res in input.resources
	not regex.match("^[A-Za-z0-9][A-Za-z0-9._-]*$", res.name)
	violation := {
		"message": sprintf("resource name '%s' must start with a letter or digit and contain only letters, digits, '.', '_' or '-'", [res.name]),
		"resource": res.id,
	}
}
`,
	}
}

func profilerPlacementPolicy() Policy {
	return Policy{
		Name:        "profiler-placement",
		Description: "Profilers run inside the host they profile",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package rangekeeper.profiler

deny contains violation if {
	input.operation == "deploy"
	some res in input.resources
	res.type == "profiler"
	not res.parent_id
	violation := {
		"message": sprintf("profiler '%s' must be contained in a host resource", [res.name]),
		"resource": res.id,
	}
}
`,
	}
}

func protectedRevokePolicy() Policy {
	return Policy{
		Name:        "protected-revoke",
		Description: "Resources labelled " + ProtectedLabel + "=true cannot be revoked",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package rangekeeper.protection

deny contains violation if {
	input.operation == "revoke"
	some res in input.resources
	res.labels["` + ProtectedLabel + `"] == "true"
	violation := {
		"message": sprintf("resource '%s' is protected and cannot be revoked", [res.name]),
		"resource": res.id,
	}
}
`,
	}
}

func hostAttributePolicy() Policy {
	return Policy{
		Name:        "host-attribute",
		Description: "Operating system resources name the host they run on",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package rangekeeper.hosts

deny contains violation if {
	input.operation == "deploy"
	some res in input.resources
	res.type == "os"
	not res.attributes.host
	violation := {
		"message": sprintf("os resource '%s' has no host attribute", [res.name]),
		"resource": res.id,
	}
}
`,
	}
}
