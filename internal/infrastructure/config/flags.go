package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Flags holds the command-line overrides. Only flags the user actually set
// are applied, so a YAML value is never clobbered by a flag default.
type Flags struct {
	ConfigPath string

	host           string
	port           int
	user           string
	password       string
	baseTopic      string
	maxConcurrent  int
	timeout        int
	retries        int
	dryRun         bool
	checkOnStartup bool
	exitWhenDone   bool
	logLevel       string
	apiPort        int

	flagSet *pflag.FlagSet
}

// AddFlags registers the override flags on flagSet.
func (f *Flags) AddFlags(flagSet *pflag.FlagSet) {
	d := defaultConfig()
	f.flagSet = flagSet

	flagSet.StringVarP(&f.ConfigPath, "config", "c", "", "path to YAML config file")
	flagSet.StringVar(&f.host, "host", d.MQTT.Broker.Host, "MQTT broker host")
	flagSet.IntVar(&f.port, "port", d.MQTT.Broker.Port, "MQTT broker port")
	flagSet.StringVar(&f.user, "user", "", "MQTT username")
	flagSet.StringVar(&f.password, "password", "", "MQTT password")
	flagSet.StringVar(&f.baseTopic, "base-topic", d.Zigbee2MQTT.BaseTopic, "zigbee2mqtt base topic")
	flagSet.IntVar(&f.maxConcurrent, "max-concurrent", d.OTA.MaxConcurrent, "maximum concurrent updates")
	flagSet.IntVar(&f.timeout, "timeout", d.OTA.TimeoutSeconds, "seconds without progress before an update is considered stalled")
	flagSet.IntVar(&f.retries, "retries", d.OTA.MaxRetries, "retries per device after a failed update")
	flagSet.BoolVar(&f.dryRun, "dry-run", false, "report available updates without starting them")
	flagSet.BoolVar(&f.checkOnStartup, "check-on-startup", false, "ask the bridge to check every device for updates at startup")
	flagSet.BoolVar(&f.exitWhenDone, "exit-when-done", false, "exit once no update is queued or running")
	flagSet.StringVar(&f.logLevel, "log-level", d.Logging.Level, "log level (debug, info, warn, error)")
	flagSet.IntVar(&f.apiPort, "api-port", d.API.Port, "HTTP status API port")
}

// Apply copies every flag that was set on the command line into cfg and
// re-validates the result.
func (f *Flags) Apply(cfg *Config) error {
	if f.flagSet == nil {
		return nil
	}
	changed := f.flagSet.Changed

	if changed("host") {
		cfg.MQTT.Broker.Host = f.host
	}
	if changed("port") {
		cfg.MQTT.Broker.Port = f.port
	}
	if changed("user") {
		cfg.MQTT.Auth.Username = f.user
	}
	if changed("password") {
		cfg.MQTT.Auth.Password = f.password
	}
	if changed("base-topic") {
		cfg.Zigbee2MQTT.BaseTopic = f.baseTopic
	}
	if changed("max-concurrent") {
		cfg.OTA.MaxConcurrent = f.maxConcurrent
	}
	if changed("timeout") {
		cfg.OTA.TimeoutSeconds = f.timeout
	}
	if changed("retries") {
		cfg.OTA.MaxRetries = f.retries
	}
	if changed("dry-run") {
		cfg.OTA.DryRun = f.dryRun
	}
	if changed("check-on-startup") {
		cfg.OTA.CheckOnStartup = f.checkOnStartup
	}
	if changed("exit-when-done") {
		cfg.OTA.ExitWhenDone = f.exitWhenDone
	}
	if changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	if changed("api-port") {
		cfg.API.Port = f.apiPort
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating flags: %w", err)
	}
	return nil
}
