package vm

import (
	"io"
	"os"
)

// Config holds the tunables of a runtime instance. The zero value is not
// usable; start from DefaultConfig and override fields.
type Config struct {
	// Heap geometry, in 64-bit words.
	YoungWords int // creation space size
	OldWords   int // old generation size
	MaxWords   int // upper bound for young+old after growth; 0 means unbounded
	CardWords  int // words per card, rounded up to a power of two

	// Collector policy.
	MajorThreshold float64 // run a major collection when old occupancy exceeds this fraction
	SafetyMargin   float64 // fraction of the creation space that must stay free after a collection
	GrowthFactor   float64 // multiplier applied to both arenas when the heap grows

	// Scheduler.
	Slice         int   // instructions executed before a process is rotated
	DefaultQuota  int64 // clicks granted to the root process; 0 means unlimited
	MaxStack      int   // value stack depth limit per process
	RootPrivilege int   // privilege level of the root process

	Clock Clock     // defaults to the system clock
	Waker Waker     // defaults to NewWaker, created by NewVM
	Out   io.Writer // output of the print escape
}

// DefaultConfig returns the configuration used when nothing else is given.
func DefaultConfig() Config {
	return Config{
		YoungWords:     1 << 16,
		OldWords:       1 << 18,
		MaxWords:       1 << 28,
		CardWords:      64,
		MajorThreshold: 0.75,
		SafetyMargin:   0.25,
		GrowthFactor:   2,
		Slice:          200,
		DefaultQuota:   0,
		MaxStack:       1 << 20,
		RootPrivilege:  PrivilegeSystem,
	}
}

// normalize fills in zero fields with defaults.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.YoungWords <= 0 {
		c.YoungWords = d.YoungWords
	}
	if c.OldWords <= 0 {
		c.OldWords = d.OldWords
	}
	if c.OldWords < c.YoungWords {
		c.OldWords = c.YoungWords
	}
	if c.CardWords <= 0 {
		c.CardWords = d.CardWords
	}
	if c.MajorThreshold <= 0 || c.MajorThreshold > 1 {
		c.MajorThreshold = d.MajorThreshold
	}
	if c.SafetyMargin < 0 || c.SafetyMargin >= 1 {
		c.SafetyMargin = d.SafetyMargin
	}
	if c.GrowthFactor <= 1 {
		c.GrowthFactor = d.GrowthFactor
	}
	if c.Slice <= 0 {
		c.Slice = d.Slice
	}
	if c.MaxStack <= 0 {
		c.MaxStack = d.MaxStack
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Out == nil {
		c.Out = os.Stdout
	}
	return c
}
