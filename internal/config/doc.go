// Package config provides configuration management for taskmesh.
//
// Configuration is loaded from environment variables using the env
// package. All configuration values have sensible defaults for
// development use; the planner is disabled unless explicitly enabled.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("HTTP server will listen on %s\n", cfg.GetHTTPAddr())
package config
