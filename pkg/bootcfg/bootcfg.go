// Package bootcfg loads the kernel core's boot-time configuration from a
// TOML file and reports what changed across a live reload as a JSON
// patch, for cmd/ksim and tests that want to drive the simulated kernel
// with something other than hardcoded constants.
package bootcfg

import (
	"encoding/json"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mattbaird/jsonpatch"

	"github.com/aejsmith/vireo/pkg/kernerr"
)

// Config is the set of boot parameters a real kernel would normally take
// from a bootloader command line or device tree: CPU topology, memory
// size, and the scheduler/handle-table tunables the core leaves as
// "configured" rather than fixed.
type Config struct {
	NumCPUs           int  `toml:"num_cpus" json:"num_cpus"`
	Uniprocessor      bool `toml:"uniprocessor" json:"uniprocessor"`
	MemoryBytes       uint64 `toml:"memory_bytes" json:"memory_bytes"`
	DefaultMaxHandles int  `toml:"default_max_handles" json:"default_max_handles"`
	DPCQueueCapacity  int  `toml:"dpc_queue_capacity" json:"dpc_queue_capacity"`
	QuantumMillis     int  `toml:"quantum_millis" json:"quantum_millis"`
}

// Quantum returns the configured scheduler timeslice as a time.Duration.
func (c *Config) Quantum() time.Duration {
	return time.Duration(c.QuantumMillis) * time.Millisecond
}

// Default returns the configuration a boot with no config file uses.
func Default() *Config {
	return &Config{
		NumCPUs:           1,
		MemoryBytes:       64 << 20,
		DefaultMaxHandles: 256,
		DPCQueueCapacity:  64,
		QuantumMillis:     3,
	}
}

// Load decodes a TOML config file over a copy of Default, so an omitted
// field keeps its default rather than zeroing out.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.NumCPUs < 1 {
		return kernerr.InvalidArg
	}
	if c.MemoryBytes == 0 {
		return kernerr.InvalidArg
	}
	if c.QuantumMillis <= 0 {
		return kernerr.InvalidArg
	}
	return nil
}

// Diff reports the fields a live reload changed, as an RFC 6902 JSON
// patch against the previous configuration — useful for logging exactly
// what a reload altered rather than just that one happened.
func Diff(old, new *Config) ([]jsonpatch.JsonPatchOperation, error) {
	oldJSON, err := json.Marshal(old)
	if err != nil {
		return nil, err
	}
	newJSON, err := json.Marshal(new)
	if err != nil {
		return nil, err
	}
	return jsonpatch.CreatePatch(oldJSON, newJSON)
}
