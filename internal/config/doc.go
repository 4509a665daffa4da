// Package config loads mev runtime configuration. It exposes a Default()
// baseline, file loading (JSON or YAML by extension) and a MEV_* environment
// overlay.
//
// Example:
//
//	cfg, err := config.Load("/etc/mev/mev.yaml")
//	if err != nil {
//	    return err
//	}
//	config.FromEnv(&cfg)
//	rt, err := runtime.Open(runtime.Options{Config: cfg})
package config
