// Package manifest handles ember.toml runtime configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/chazu/ember/vm"
)

// FileName is the name of the configuration file.
const FileName = "ember.toml"

// Manifest represents an ember.toml runtime configuration.
type Manifest struct {
	Program   Program         `toml:"program"`
	Heap      HeapConfig      `toml:"heap"`
	GC        GCConfig        `toml:"gc"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Gateway   GatewayConfig   `toml:"gateway"`
	Store     StoreConfig     `toml:"store"`
	Log       LogConfig       `toml:"log"`

	// Dir is the directory containing the ember.toml file (set at load time).
	Dir string `toml:"-"`
}

// Program names the module to run.
type Program struct {
	Name   string `toml:"name"`
	Module string `toml:"module"` // module name in the store
	File   string `toml:"file"`   // encoded module file, relative to Dir
}

// HeapConfig sets the arena sizes, in words.
type HeapConfig struct {
	YoungWords int `toml:"young-words"`
	OldWords   int `toml:"old-words"`
	MaxWords   int `toml:"max-words"`
	CardWords  int `toml:"card-words"`
}

// GCConfig sets the collector policy.
type GCConfig struct {
	MajorThreshold float64 `toml:"major-threshold"`
	SafetyMargin   float64 `toml:"safety-margin"`
	GrowthFactor   float64 `toml:"growth-factor"`
}

// SchedulerConfig sets time slicing and quotas.
type SchedulerConfig struct {
	Slice         int    `toml:"slice"`
	Quota         int64  `toml:"quota"`
	MaxStack      int    `toml:"max-stack"`
	RootPrivilege string `toml:"root-privilege"`
}

// GatewayConfig configures the message gateway.
type GatewayConfig struct {
	Listen         string        `toml:"listen"`
	DeliverTimeout time.Duration `toml:"deliver-timeout"`
}

// StoreConfig locates the module store.
type StoreConfig struct {
	Path string `toml:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the manifest used when no ember.toml exists.
func Default() *Manifest {
	cfg := vm.DefaultConfig()
	m := &Manifest{
		Heap: HeapConfig{
			YoungWords: cfg.YoungWords,
			OldWords:   cfg.OldWords,
			MaxWords:   cfg.MaxWords,
			CardWords:  cfg.CardWords,
		},
		GC: GCConfig{
			MajorThreshold: cfg.MajorThreshold,
			SafetyMargin:   cfg.SafetyMargin,
			GrowthFactor:   cfg.GrowthFactor,
		},
		Scheduler: SchedulerConfig{
			Slice:         cfg.Slice,
			Quota:         cfg.DefaultQuota,
			MaxStack:      cfg.MaxStack,
			RootPrivilege: "system",
		},
		Gateway: GatewayConfig{DeliverTimeout: 5 * time.Second},
		Store:   StoreConfig{Path: ".ember/modules.db"},
	}
	m.Dir, _ = os.Getwd()
	return m
}

// Load parses an ember.toml file from the given directory. Settings the
// file leaves out keep their defaults.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Default()
	md, err := toml.Decode(string(data), m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	if _, err := ParsePrivilege(m.Scheduler.RootPrivilege); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find an ember.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// ParsePrivilege maps a privilege name to its level.
func ParsePrivilege(name string) (int, error) {
	switch strings.ToLower(name) {
	case "user":
		return vm.PrivilegeUser, nil
	case "trusted":
		return vm.PrivilegeTrusted, nil
	case "system", "":
		return vm.PrivilegeSystem, nil
	}
	return 0, fmt.Errorf("unknown privilege %q", name)
}

// Config converts the manifest to a runtime configuration.
func (m *Manifest) Config() vm.Config {
	priv, _ := ParsePrivilege(m.Scheduler.RootPrivilege)
	return vm.Config{
		YoungWords:     m.Heap.YoungWords,
		OldWords:       m.Heap.OldWords,
		MaxWords:       m.Heap.MaxWords,
		CardWords:      m.Heap.CardWords,
		MajorThreshold: m.GC.MajorThreshold,
		SafetyMargin:   m.GC.SafetyMargin,
		GrowthFactor:   m.GC.GrowthFactor,
		Slice:          m.Scheduler.Slice,
		DefaultQuota:   m.Scheduler.Quota,
		MaxStack:       m.Scheduler.MaxStack,
		RootPrivilege:  priv,
	}
}

// ModulePath returns the absolute path of the configured module file, or
// "" when none is set.
func (m *Manifest) ModulePath() string {
	if m.Program.File == "" {
		return ""
	}
	if filepath.IsAbs(m.Program.File) {
		return m.Program.File
	}
	return filepath.Join(m.Dir, m.Program.File)
}

// StorePath returns the absolute path of the module store.
func (m *Manifest) StorePath() string {
	if filepath.IsAbs(m.Store.Path) {
		return m.Store.Path
	}
	return filepath.Join(m.Dir, m.Store.Path)
}
