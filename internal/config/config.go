/*
Copyright 2025 The Nexus Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the scheduling fabric's tunables (spec.md §6)
// with precedence flags > env > YAML file > defaults, adapted from the
// retrieval pack's ConfigMap-backed loader to a standalone YAML source
// since Nexus has no Kubernetes API server to read a ConfigMap from.
package config

import (
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every tunable named in spec.md §6.
type Config struct {
	BeaconInterval      time.Duration
	EpochInterval       time.Duration
	MinEpochInterval    time.Duration
	AvgInterval         time.Duration
	EnableEpochSchedule bool

	NetworkLatencyBudget time.Duration

	OverloadThreshold float64
	ReleaseThreshold  float64
	GrowLowThreshold  float64
	GrowHighThreshold float64
	MinRateFloor      float64

	MetricsBindAddress string
	HealthBindAddress  string

	Verbosity int
}

// HistoryLen returns ceil(avg_interval*3 / beacon_interval), the bounded
// rps_history length spec.md §3 defines in terms of the other tunables.
func (c Config) HistoryLen() int {
	if c.BeaconInterval <= 0 {
		return 1
	}
	n := int((3*c.AvgInterval + c.BeaconInterval - 1) / c.BeaconInterval)
	if n < 1 {
		n = 1
	}
	return n
}

// defaults matches spec.md §6's literal tunable list.
func defaults() Config {
	return Config{
		BeaconInterval:       time.Second,
		EpochInterval:        30 * time.Second,
		MinEpochInterval:     10 * time.Second,
		AvgInterval:          10 * time.Second,
		EnableEpochSchedule:  true,
		NetworkLatencyBudget: 5 * time.Millisecond,
		OverloadThreshold:    1.05,
		ReleaseThreshold:     0.97,
		GrowLowThreshold:     0.8,
		GrowHighThreshold:    1.1,
		MinRateFloor:         0.1,
		MetricsBindAddress:   ":9090",
		HealthBindAddress:    ":9091",
		Verbosity:            0,
	}
}

// BindFlags registers the flags this loader will consult, in the
// teacher's pflag idiom.
func BindFlags(fs *flag.FlagSet) {
	d := defaults()
	fs.Duration("beacon-interval", d.BeaconInterval, "global scheduler beacon tick interval")
	fs.Duration("epoch-interval", d.EpochInterval, "unconditional epoch reallocation interval")
	fs.Duration("min-epoch-interval", d.MinEpochInterval, "minimum time between triggered epochs")
	fs.Duration("avg-interval", d.AvgInterval, "rate-history averaging window")
	fs.Bool("enable-epoch-schedule", d.EnableEpochSchedule, "run epoch reallocation")
	fs.Duration("network-latency-budget", d.NetworkLatencyBudget, "constant exec-time offset added by the dispatcher")
	fs.Float64("overload-threshold", d.OverloadThreshold, "loaded into Config only; backends spill above a fixed occupancy of 1.05 regardless of this value")
	fs.Float64("release-threshold", d.ReleaseThreshold, "estimate_rps/throughput ratio below which epoch releases capacity")
	fs.Float64("grow-low-threshold", d.GrowLowThreshold, "beacon trigger lower bound (estimate_rps/throughput)")
	fs.Float64("grow-high-threshold", d.GrowHighThreshold, "beacon trigger upper bound (estimate_rps/throughput)")
	fs.Float64("min-rate-floor", d.MinRateFloor, "loaded into Config only; rate estimates and DRR min_rate use a fixed floor of 0.1 regardless of this value")
	fs.String("metrics-bind-address", d.MetricsBindAddress, "address the Prometheus /metrics server listens on")
	fs.String("health-bind-address", d.HealthBindAddress, "loaded into Config only; nexus-scheduler's gRPC health service listens on --grpc-bind-address")
	fs.Int("v", d.Verbosity, "klog verbosity level")
}

// Load resolves the config with precedence flags > env > file > defaults.
// flagSet may be nil (e.g. in tests that don't set CLI flags). file may
// be empty to skip file loading entirely.
func Load(flagSet *flag.FlagSet, file string) (Config, error) {
	d := defaults()
	v := viper.New()

	v.SetDefault("beacon-interval", d.BeaconInterval)
	v.SetDefault("epoch-interval", d.EpochInterval)
	v.SetDefault("min-epoch-interval", d.MinEpochInterval)
	v.SetDefault("avg-interval", d.AvgInterval)
	v.SetDefault("enable-epoch-schedule", d.EnableEpochSchedule)
	v.SetDefault("network-latency-budget", d.NetworkLatencyBudget)
	v.SetDefault("overload-threshold", d.OverloadThreshold)
	v.SetDefault("release-threshold", d.ReleaseThreshold)
	v.SetDefault("grow-low-threshold", d.GrowLowThreshold)
	v.SetDefault("grow-high-threshold", d.GrowHighThreshold)
	v.SetDefault("min-rate-floor", d.MinRateFloor)
	v.SetDefault("metrics-bind-address", d.MetricsBindAddress)
	v.SetDefault("health-bind-address", d.HealthBindAddress)
	v.SetDefault("v", d.Verbosity)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("NEXUS")
	v.AutomaticEnv()

	if flagSet != nil {
		if err := v.BindPFlags(flagSet); err != nil {
			return Config{}, err
		}
	}

	return Config{
		BeaconInterval:       v.GetDuration("beacon-interval"),
		EpochInterval:        v.GetDuration("epoch-interval"),
		MinEpochInterval:     v.GetDuration("min-epoch-interval"),
		AvgInterval:          v.GetDuration("avg-interval"),
		EnableEpochSchedule:  v.GetBool("enable-epoch-schedule"),
		NetworkLatencyBudget: v.GetDuration("network-latency-budget"),
		OverloadThreshold:    v.GetFloat64("overload-threshold"),
		ReleaseThreshold:     v.GetFloat64("release-threshold"),
		GrowLowThreshold:     v.GetFloat64("grow-low-threshold"),
		GrowHighThreshold:    v.GetFloat64("grow-high-threshold"),
		MinRateFloor:         v.GetFloat64("min-rate-floor"),
		MetricsBindAddress:   v.GetString("metrics-bind-address"),
		HealthBindAddress:    v.GetString("health-bind-address"),
		Verbosity:            v.GetInt("v"),
	}, nil
}
