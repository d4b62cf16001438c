// Package config loads rangekeeper configuration: the application file
// (rangekeeper.yaml), scene files that declare resources, and Starlark
// probe rules.
//
// # Application configuration
//
// Load reads rangekeeper.yaml over Default and validates the result with
// go-playground/validator. Relative paths are resolved against data_dir.
//
//	data_dir: .rangekeeper
//	database:
//	  path: rangekeeper.db
//	orchestrator:
//	  max_parallel: 10
//	  verify_timeout: 2m
//	health:
//	  mode: cooldown
//	  cooldown: 30s
//	driver:
//	  name: ssh
//	  ssh:
//	    user: ops
//	    private_key_path: ~/.ssh/id_ed25519
//
// # Scenes
//
// A scene is a named set of resources. Resources refer to their parent by
// local key and are created parent first when the scene is applied. Scenes
// are written in CUE or YAML; both are validated against the same CUE
// schema.
//
//	name: "web-range"
//	resources: {
//	    ubuntu: {name: "ubuntu-22.04", type: "os", level: 0}
//	    postgres: {name: "postgres", type: "db", level: 1, parent: "ubuntu", sequence: 1}
//	    webapp: {name: "webapp", type: "app", level: 1, parent: "ubuntu", sequence: 2}
//	}
//
// # Probe rules
//
// A probe rule is a Starlark script that judges the output of a health
// probe command. It sees exit_code, stdout, stderr, name, type and
// attributes, and sets healthy (and optionally detail):
//
//	status = parse_kv(stdout)
//	healthy = exit_code == 0 and status.get("state") == "running"
//	detail = stderr
//
// Evaluation is bounded by a timeout; print output is discarded.
package config
