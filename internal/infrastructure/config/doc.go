// Package config handles loading and validating z2m-ota configuration.
//
// This package manages:
//   - Loading configuration from an optional YAML file
//   - Overriding with environment variables (Z2MOTA_*, plus MQTT_SERVER,
//     MQTT_PORT, MQTT_USER, MQTT_PASSWORD and MAX_CONCURRENT_UPDATES)
//   - Overriding with command-line flags (see Flags)
//   - Validation of required fields
//
// Security Considerations:
//   - The MQTT password should be set via environment variable, not flags,
//     since flags are visible in the process list
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	var flags config.Flags
//	fs := pflag.NewFlagSet("z2m-ota", pflag.ContinueOnError)
//	flags.AddFlags(fs)
//	_ = fs.Parse(os.Args[1:])
//	cfg, err := config.Load(flags.ConfigPath)
//	if err == nil {
//	    err = flags.Apply(cfg)
//	}
package config
