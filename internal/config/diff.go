package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: the log level
// applies to the running process immediately, while the rest apply to
// sessions established after the reload.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	GreetingChanged     bool
	SystemPromptChanged bool
	BackchannelChanged  bool
}

// Any reports whether the diff carries at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.GreetingChanged || d.SystemPromptChanged || d.BackchannelChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart; provider,
// queue and transport changes require one.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.Greeting != new.Server.Greeting {
		d.GreetingChanged = true
	}
	if old.LLM.SystemPrompt != new.LLM.SystemPrompt {
		d.SystemPromptChanged = true
	}
	if !slices.Equal(old.Backchannel.Phrases, new.Backchannel.Phrases) {
		d.BackchannelChanged = true
	}

	return d
}
