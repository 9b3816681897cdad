package container

import "time"

const (
	defaultMemoryBytes   = 100 * 1000 * 1000
	defaultCPUCount      = 1
	defaultPidsLimit     = 64
	defaultMountPath     = "/app"
	defaultStatsInterval = 100 * time.Millisecond
	defaultPullTimeout   = 5 * time.Minute
	defaultRemoveTimeout = 10 * time.Second
)

// Config holds the limits applied to every submission container.
type Config struct {
	// Image is used when a language does not name one.
	Image         string        `yaml:"image"`
	MemoryBytes   int64         `yaml:"memoryBytes"`
	CPUCount      float64       `yaml:"cpuCount"`
	PidsLimit     int64         `yaml:"pidsLimit"`
	MountPath     string        `yaml:"mountPath"`
	StatsInterval time.Duration `yaml:"statsInterval"`
	PullTimeout   time.Duration `yaml:"pullTimeout"`
	RemoveTimeout time.Duration `yaml:"removeTimeout"`
}

func (c Config) withDefaults() Config {
	if c.MemoryBytes <= 0 {
		c.MemoryBytes = defaultMemoryBytes
	}
	if c.CPUCount <= 0 {
		c.CPUCount = defaultCPUCount
	}
	if c.PidsLimit <= 0 {
		c.PidsLimit = defaultPidsLimit
	}
	if c.MountPath == "" {
		c.MountPath = defaultMountPath
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = defaultStatsInterval
	}
	if c.PullTimeout <= 0 {
		c.PullTimeout = defaultPullTimeout
	}
	if c.RemoveTimeout <= 0 {
		c.RemoveTimeout = defaultRemoveTimeout
	}
	return c
}
