// Package config loads the meshbridge service configuration.
//
// Values are resolved in order: built-in defaults, the YAML file, then
// MESHBRIDGE_* environment variables. Validate reports every problem in a
// single error so a bad deployment is fixed in one pass.
//
// Per-channel broker profiles are not part of this file. They live in the
// JSON bridge document named by bridge.config_file and are re-read by the
// bridge package each time the mesh connects.
//
// Keep the gateway password out of the file where possible and set
// MESHBRIDGE_GATEWAY_PASSWORD instead.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(cfg.Gateway.RootTopic)
package config
