// Package envconfig reads the engine's tunables from the environment,
// following the same closures-over-getters idiom the teacher uses: each
// exported var is a zero-arg function returning the current value, so
// call sites always see a live read rather than a value frozen at
// startup.
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Var returns an environment variable with surrounding quotes and
// whitespace trimmed.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// Uint returns a function reading an unsigned integer env var, falling
// back to defaultValue when unset or unparsable.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// Int returns a function reading a signed integer env var.
func Int(key string, defaultValue int) func() int {
	return func() int {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseInt(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return int(n)
			}
		}
		return defaultValue
	}
}

// Bool returns a function reading a boolean env var, defaulting to false.
func Bool(key string) func() bool {
	return func() bool {
		if s := Var(key); s != "" {
			if b, err := strconv.ParseBool(s); err == nil {
				return b
			}
		}
		return false
	}
}

// String returns a function reading a raw string env var.
func String(key string) func() string {
	return func() string {
		return Var(key)
	}
}

var (
	// PageLen is the number of token positions stored per KV page.
	PageLen = Uint("BATCHENGINE_PAGE_LEN", 16)

	// PoolPages is the total number of pages the page pool allocates at
	// startup.
	PoolPages = Uint("BATCHENGINE_POOL_PAGES", 4096)

	// AdapterCapacity is the user-set floor on resident LoRA adapters;
	// the registry may grow it transiently per §4.4's
	// max(user-set, in-use-this-step+2) rule.
	AdapterCapacity = Uint("BATCHENGINE_ADAPTER_CAPACITY", 8)

	// AdapterMinRank is r0, the minimum LoRA rank; adapters loaded below
	// it are padded to twice their own rank.
	AdapterMinRank = Uint("BATCHENGINE_ADAPTER_MIN_RANK", 8)

	// MaxParallel bounds concurrently admitted requests.
	MaxParallel = Uint("BATCHENGINE_MAX_PARALLEL", 64)

	// MaxSequenceLen is the longest tokenized prompt admission accepts.
	MaxSequenceLen = Uint("BATCHENGINE_MAX_SEQUENCE_LEN", 4096)

	// MaxBatchSlots is a configured cap on prefill+decode slots per step,
	// mirroring the teacher's per-sequence batchSize knob. The step loop
	// does not read it and applies no slot cap.
	MaxBatchSlots = Uint("BATCHENGINE_MAX_BATCH_SLOTS", 256)

	// Port is the control-surface HTTP port.
	Port = Int("BATCHENGINE_PORT", 8080)
)

// LogLevel reports the configured slog level.
// BATCHENGINE_DEBUG: unset/0/false = INFO, 1/true = DEBUG, 2 = TRACE-adjacent DEBUG.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("BATCHENGINE_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

// EnvVar pairs a config value with its description, for introspection.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap reports every tunable with its current value and a description.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"BATCHENGINE_PAGE_LEN":         {"BATCHENGINE_PAGE_LEN", PageLen(), "tokens per KV page"},
		"BATCHENGINE_POOL_PAGES":       {"BATCHENGINE_POOL_PAGES", PoolPages(), "total pages in the page pool"},
		"BATCHENGINE_ADAPTER_CAPACITY": {"BATCHENGINE_ADAPTER_CAPACITY", AdapterCapacity(), "resident LoRA adapter floor"},
		"BATCHENGINE_ADAPTER_MIN_RANK": {"BATCHENGINE_ADAPTER_MIN_RANK", AdapterMinRank(), "minimum LoRA rank r0"},
		"BATCHENGINE_MAX_PARALLEL":     {"BATCHENGINE_MAX_PARALLEL", MaxParallel(), "max concurrently admitted requests"},
		"BATCHENGINE_MAX_SEQUENCE_LEN": {"BATCHENGINE_MAX_SEQUENCE_LEN", MaxSequenceLen(), "max tokenized sequence length"},
		"BATCHENGINE_MAX_BATCH_SLOTS":  {"BATCHENGINE_MAX_BATCH_SLOTS", MaxBatchSlots(), "max prefill+decode slots per step"},
		"BATCHENGINE_PORT":             {"BATCHENGINE_PORT", Port(), "control surface HTTP port"},
		"BATCHENGINE_DEBUG":            {"BATCHENGINE_DEBUG", LogLevel(), "log level"},
	}
}
