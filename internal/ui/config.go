package ui

import (
	"encoding/json"
	"os"
)

// Config contains window/input/audio related settings.
type Config struct {
	Title string // window title
	Scale int    // integer upscaling factor

	AudioStereo     bool // if true, output true stereo; if false, fold to mono
	AudioAdaptive   bool // adaptive target on underrun
	AudioBufferMs   int  // initial desired buffer in ms (approx)
	AudioLowLatency bool // hard-cap buffering for minimal latency

	ROMsDir string // directory to browse for ROMs
}

// Defaults fills missing fields with reasonable defaults.
func (c *Config) Defaults() {
	if c.Title == "" {
		c.Title = "gbemu"
	}
	if c.Scale <= 0 {
		c.Scale = 3
	}
	if c.AudioBufferMs <= 0 {
		c.AudioBufferMs = 60
	}
	if c.ROMsDir == "" {
		c.ROMsDir = "roms"
	}
}

const settingsPath = "gbemu_settings.json"

// LoadSettings overlays persisted settings from a previous run, if any exist.
func (c *Config) LoadSettings() {
	data, err := os.ReadFile(settingsPath)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, c)
}

// SaveSettings persists the current settings for the next run. Best-effort.
func (c *Config) SaveSettings() {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(settingsPath, data, 0644)
}
