// Package policy admits deploy and revoke plans using Open Policy Agent.
//
// Every policy is a Rego module that defines a deny set. Elements are either
// message strings or objects:
//
//	deny contains violation if {
//		some res in input.resources
//		res.type == "db"
//		not res.attributes.backup
//		violation := {"message": "databases need a backup target", "resource": res.id}
//	}
//
// The input document carries the operation ("deploy" or "revoke"), the staged
// plan, the plan's resources and an optional environment name.
//
// Violations with severity error or critical deny the plan; the orchestrator
// then aborts before touching any resource and reports POLICY_DENIED.
// Warnings are logged. A policy that fails to evaluate denies the plan.
//
// The engine starts with the policies returned by BuiltinPolicies. Additional
// policies are loaded from .rego files (named after the file, with an
// optional "# severity: error" header comment) or .json files holding a
// Policy. Watch reloads them when files change:
//
//	pe, err := policy.NewEngine(logger)
//	if err != nil {
//		return err
//	}
//	if err := pe.LoadPolicies(ctx, []string{"policies"}); err != nil {
//		return err
//	}
//	orch := engine.NewOrchestrator(reg, deployer, verifier, engine.WithAdmitter(pe))
package policy
