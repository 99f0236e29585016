// Package config loads hostplay.yaml, the settings file of the hostplay CLI.
//
// The file is optional. Values it sets are layered over Default, then the
// LOG_LEVEL and HOSTPLAY_HISTORY environment variables override the result.
// The file location comes from --config, $HOSTPLAY_CONFIG or hostplay.yaml
// in the working directory, in that order.
//
// Documents are checked twice: a closed CUE schema rejects unknown keys and
// bad enum values with their path, then validator tags check cross-field
// rules such as a history path being required when history is enabled.
//
//	inventory: inventory.yaml
//	telemetry:
//	  logging:
//	    level: info
//	    format: console
//	run:
//	  always_grace: 30s
//	policy:
//	  enabled: true
//	  mode: enforcing
//	  paths: [policies/]
//	history:
//	  enabled: true
//	  path: .hostplay/history.db
//
// Relative paths in the file are resolved against the file's directory.
package config
