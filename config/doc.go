// Package config loads the relay configuration.
//
// Configuration is read in layers: built-in defaults, then a YAML file, then
// COTRELAY_* environment variables. Relative paths are resolved against the
// file's directory (log_cot against root_dir) and the port conventions are
// applied before validation.
//
//	cfg, err := config.Load("") // ./cotrelay.yaml, /etc/cotrelay/cotrelay.yaml, defaults
//	if err != nil {
//		return err
//	}
//	srvCfg := cfg.ServerConfig()
//
// A minimal file:
//
//	node_id: RELAY-1
//	cot_server:
//	  port: 8087
//	  log_cot: cot-logs
//	ssl:
//	  enabled: false
//
// The loaded *Config is read-only after Load returns.
package config
