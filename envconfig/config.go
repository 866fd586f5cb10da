package envconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jmorganca/shardconv/logutil"
)

var (
	// Set via SHARDCONV_DEBUG in the environment. 1 enables debug logging,
	// 2 enables trace logging.
	Debug int
	// Set via SHARDCONV_NUM_PARALLEL in the environment
	NumParallel int
	// Set via HF_HOME in the environment
	HFHome string
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"SHARDCONV_DEBUG":        {"SHARDCONV_DEBUG", Debug, "Show additional debug information (e.g. SHARDCONV_DEBUG=1, 2 for trace)"},
		"SHARDCONV_NUM_PARALLEL": {"SHARDCONV_NUM_PARALLEL", NumParallel, "Maximum number of ranks split and written concurrently (default 1)"},
		"HF_HOME":                {"HF_HOME", HFHome, "HuggingFace cache directory (default ~/.cache/huggingface)"},
	}
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug = 0
	if debug := clean("SHARDCONV_DEBUG"); debug != "" {
		if n, err := strconv.Atoi(debug); err == nil {
			Debug = max(n, 0)
		} else if b, err := strconv.ParseBool(debug); err == nil {
			if b {
				Debug = 1
			}
		} else {
			Debug = 1
		}
	}

	NumParallel = 1
	if onp := clean("SHARDCONV_NUM_PARALLEL"); onp != "" {
		val, err := strconv.Atoi(onp)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "SHARDCONV_NUM_PARALLEL", onp, "error", err)
		} else {
			NumParallel = val
		}
	}

	HFHome = clean("HF_HOME")
	if HFHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Error("failed to lookup home directory", "error", err)
		}
		HFHome = filepath.Join(home, ".cache", "huggingface")
	}
}

// LogLevel is the log level selected by SHARDCONV_DEBUG.
func LogLevel() slog.Level {
	switch {
	case Debug >= 2:
		return logutil.LevelTrace
	case Debug == 1:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
