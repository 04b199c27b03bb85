package jit

import (
	"fmt"
	"os"

	"github.com/colorfulnotion/dynarec/jiterrors"
	"github.com/colorfulnotion/dynarec/powerpc"
	"gopkg.in/yaml.v2"
)

const (
	DefaultStackSize            = 2 * 1024 * 1024
	DefaultICacheBits           = 16
	DefaultMaxBlocks            = 1 << 16
	DefaultMaxBlockInstructions = 64
	DefaultTagMSRMask           = powerpc.MSR_IR | powerpc.MSR_DR
)

var debugDispatcher = false
var debugCompiler = false

func SetDebugDispatcher(enabled bool) {
	debugDispatcher = enabled
}

func SetDebugCompiler(enabled bool) {
	debugCompiler = enabled
}

func DebugCompiler() bool {
	return debugCompiler
}

// Config is fixed for the lifetime of a dispatcher. Changing
// EnableDebugging requires building a new one.
type Config struct {
	EnableDebugging       bool   `yaml:"enable_debugging"`
	Fastmem               bool   `yaml:"fastmem"`
	MMU                   bool   `yaml:"mmu"`
	StackSize             int    `yaml:"stack_size"`
	ICacheBits            int    `yaml:"icache_bits"`
	MaxBlocks             int    `yaml:"max_blocks"`
	TagMSRMask            uint32 `yaml:"tag_msr_mask"`
	MaxBlockInstructions  int    `yaml:"max_block_instructions"`
	EnableBLROptimization bool   `yaml:"enable_blr_optimization"`
}

func DefaultConfig() Config {
	return Config{
		Fastmem:               true,
		StackSize:             DefaultStackSize,
		ICacheBits:            DefaultICacheBits,
		MaxBlocks:             DefaultMaxBlocks,
		TagMSRMask:            DefaultTagMSRMask,
		MaxBlockInstructions:  DefaultMaxBlockInstructions,
		EnableBLROptimization: true,
	}
}

// LoadConfig reads a yaml file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", jiterrors.ErrFConfigRead, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", jiterrors.ErrFConfigParse, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.ICacheBits < 4 || c.ICacheBits > 24 {
		return fmt.Errorf("icache_bits=%d: %w", c.ICacheBits, jiterrors.ErrCInvalidICacheBits)
	}
	if c.MaxBlocks < 2 {
		return fmt.Errorf("max_blocks=%d: %w", c.MaxBlocks, jiterrors.ErrCInvalidMaxBlocks)
	}
	if c.TagMSRMask == 0 {
		return jiterrors.ErrCInvalidTagMask
	}
	if c.MaxBlockInstructions <= 0 {
		return fmt.Errorf("max_block_instructions=%d: %w", c.MaxBlockInstructions, jiterrors.ErrFInvalidBlockLimit)
	}
	if c.StackSize < 0 || (c.StackSize > 0 && c.StackSize < MinStackSize) {
		return fmt.Errorf("stack_size=%d: %w", c.StackSize, jiterrors.ErrSStackRegionTooSmall)
	}
	return nil
}
