// Package bootcfg defines the boot protocol handed from the bootstrap to
// the core (spec §6) and loads the system's TOML configuration file
// (SPEC_FULL.md §0), the same BurntSushi/toml dependency containerdUtils
// pulls in transitively, given an actual home here.
package bootcfg

import (
	"io"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/AmbiML/sparrowos-core/pkg/sel4"
)

// BootInfo is the array-of-descriptors-plus-slot-range the bootstrap
// passes to the core (spec §6 "Boot protocol").
type BootInfo struct {
	Untyped       []sel4.UntypedDescriptor
	SlotBase      sel4.CapIndex
	SlotCount     uint
	TopLevelCNode sel4.CapIndex
	TopLevelDepth uint
}

// SystemConfig is the TOML-loaded system configuration: TCM geometry,
// the slot range size, stack page count, model-slot capacity, and the
// SDK opcode base (SPEC_FULL.md §0).
type SystemConfig struct {
	TCM struct {
		Base uint64 `toml:"base"`
		Size uint64 `toml:"size"`
	} `toml:"tcm"`

	Slots struct {
		Base  uint64 `toml:"base"`
		Count uint   `toml:"count"`
	} `toml:"slots"`

	StackPages    uint `toml:"stack_pages"`
	MaxModelSlots uint `toml:"max_model_slots"`
	SDKOpcodeBase uint `toml:"sdk_opcode_base"`

	LogLevel string `toml:"log_level"`
}

// DefaultConfig returns the configuration used when no file is supplied
// or a field is left unset at zero value, covering the values spec §4.E
// and §4.G name literally (4 stack pages, opcode base 64).
func DefaultConfig() SystemConfig {
	var c SystemConfig
	c.TCM.Base = 0x3000_0000
	c.TCM.Size = 1 << 20
	c.Slots.Base = 0x1000
	c.Slots.Count = 256
	c.StackPages = 4
	c.MaxModelSlots = 64
	c.SDKOpcodeBase = 64
	c.LogLevel = "info"
	return c
}

// Load parses a TOML system configuration from r on top of DefaultConfig,
// so an omitted section keeps its default rather than zeroing out.
func Load(r io.Reader) (SystemConfig, error) {
	cfg := DefaultConfig()
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return SystemConfig{}, errors.Wrap(err, "bootcfg: parse system config")
	}
	return cfg, nil
}

// Validate checks the loaded configuration against the invariants the
// components it feeds assume (non-zero geometry, opcode base that
// doesn't collide with kernel fault tags).
func (c SystemConfig) Validate() error {
	if c.TCM.Size == 0 {
		return errors.New("bootcfg: tcm.size must be nonzero")
	}
	if c.Slots.Count == 0 {
		return errors.New("bootcfg: slots.count must be nonzero")
	}
	if c.StackPages == 0 {
		return errors.New("bootcfg: stack_pages must be nonzero")
	}
	if c.MaxModelSlots == 0 {
		return errors.New("bootcfg: max_model_slots must be nonzero")
	}
	if c.SDKOpcodeBase < 16 {
		return errors.New("bootcfg: sdk_opcode_base too low to avoid fault-tag collision")
	}
	return nil
}
