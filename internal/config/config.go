// Package config defines the orchestrator's typed configuration and loads it
// via cobra+viper, grounded on 88lin-divinesense's cmd/divinesense/main.go
// (persistent flags bound through viper.BindPFlag, env prefix, defaults) and
// hashmap-kz-katomik's use of cobra for command structure. internal/scheduler,
// internal/store and internal/synth never import this package;
// internal/dispatch imports it for the DispatchPolicy types in policy.go,
// and only cmd/layoutapplyd calls BindFlags/Load.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is everything cmd/layoutapplyd needs to wire the core engine.
type Config struct {
	StoreDSN string
	PoolSize int

	HardwareBaseURL string
	WorkflowBaseURL string

	DispatchPolicies map[string]DispatchPolicy

	NotifierAddr  string
	NotifierTopic string

	ListenAddr string

	// StoreConnectTimeout bounds how long the initial store.Open connection
	// attempt waits before main.go surfaces StoreUnavailable at startup.
	StoreConnectTimeout time.Duration
}

// BindFlags registers layoutapplyd's persistent flags on cmd and binds them
// through viper, following the teacher-pack's BindPFlag idiom.
func BindFlags(cmd *cobra.Command) error {
	flags := cmd.PersistentFlags()
	flags.String("store-dsn", "postgres://localhost:5432/layoutapply?sslmode=disable", "Postgres DSN for the apply-state store")
	flags.Int("pool-size", 0, "scheduler worker pool size (0 = GOMAXPROCS)")
	flags.String("hardware-base-url", "http://localhost:9001", "base URL of the hardware-control remote")
	flags.String("workflow-base-url", "http://localhost:9002", "base URL of the workflow-manager remote")
	flags.String("notifier-addr", "localhost:6379", "Redis address for completion notifications")
	flags.String("notifier-topic", "layoutapply.completions", "Redis pub/sub topic for completion notifications")
	flags.String("listen-addr", ":8080", "HTTP listen address")

	for _, name := range []string{
		"store-dsn", "pool-size", "hardware-base-url", "workflow-base-url",
		"notifier-addr", "notifier-topic", "listen-addr",
	} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	viper.SetEnvPrefix("layoutapply")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	return nil
}

// Load reads the bound viper state into a Config. Call after BindFlags and
// cmd.Execute (or cmd.ParseFlags) so flag/env precedence has resolved. No
// config file is read, and DispatchPolicies is always
// DefaultDispatchPolicies().
func Load() Config {
	return Config{
		StoreDSN:            viper.GetString("store-dsn"),
		PoolSize:            viper.GetInt("pool-size"),
		HardwareBaseURL:     viper.GetString("hardware-base-url"),
		WorkflowBaseURL:     viper.GetString("workflow-base-url"),
		DispatchPolicies:    DefaultDispatchPolicies(),
		NotifierAddr:        viper.GetString("notifier-addr"),
		NotifierTopic:       viper.GetString("notifier-topic"),
		ListenAddr:          viper.GetString("listen-addr"),
		StoreConnectTimeout: storeRetryWindow,
	}
}

// storeRetryWindow bounds how long Open's initial connection attempt waits
// before surfacing StoreUnavailable to main.go; kept here rather than in
// internal/store because it is a deployment-tunable, not a store invariant.
const storeRetryWindow = 10 * time.Second
