package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/ollama/videoedit/latent"
	"github.com/ollama/videoedit/logutil"
)

var (
	// Set via VIDEOEDIT_ORIGINS in the environment
	AllowOrigins []string
	// Set via VIDEOEDIT_DEBUG in the environment. 2 and above enables trace
	// logging.
	Debug int
	// Set via VIDEOEDIT_DISK_STORE in the environment
	DiskStore bool
	// Set via VIDEOEDIT_DTYPE in the environment
	DType latent.DType
	// Set via VIDEOEDIT_HOST in the environment
	Host string
	// Set via VIDEOEDIT_MAX_QUEUE in the environment
	MaxQueuedRequests int
	// Set via VIDEOEDIT_TMPDIR in the environment
	TmpDir string
)

const (
	defaultHost     = "127.0.0.1:11535"
	defaultMaxQueue = 8
)

var defaultAllowOrigins = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"VIDEOEDIT_DEBUG":      {"VIDEOEDIT_DEBUG", Debug, "Show additional debug information (e.g. VIDEOEDIT_DEBUG=1, 2 for trace)"},
		"VIDEOEDIT_DISK_STORE": {"VIDEOEDIT_DISK_STORE", DiskStore, "Keep per-step attention maps on disk instead of in memory"},
		"VIDEOEDIT_DTYPE":      {"VIDEOEDIT_DTYPE", DType, "Working precision of latents: float32, float16 or bfloat16 (default float32)"},
		"VIDEOEDIT_HOST":       {"VIDEOEDIT_HOST", Host, "Address for the edit server (default 127.0.0.1:11535)"},
		"VIDEOEDIT_MAX_QUEUE":  {"VIDEOEDIT_MAX_QUEUE", MaxQueuedRequests, "Maximum number of queued edit requests (default 8)"},
		"VIDEOEDIT_ORIGINS":    {"VIDEOEDIT_ORIGINS", AllowOrigins, "A comma separated list of allowed origins"},
		"VIDEOEDIT_TMPDIR":     {"VIDEOEDIT_TMPDIR", TmpDir, "Location for the disk attention store"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// LogLevel is the slog level selected by VIDEOEDIT_DEBUG.
func LogLevel() slog.Level {
	switch {
	case Debug >= 2:
		return logutil.LevelTrace
	case Debug == 1:
		return slog.LevelDebug
	}
	return slog.LevelInfo
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
	if debug := clean("VIDEOEDIT_DEBUG"); debug != "" {
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

	DiskStore = false
	if ds := clean("VIDEOEDIT_DISK_STORE"); ds != "" {
		d, err := strconv.ParseBool(ds)
		if err != nil {
			slog.Error("invalid setting, ignoring", "VIDEOEDIT_DISK_STORE", ds, "error", err)
		} else {
			DiskStore = d
		}
	}

	DType = latent.Float32
	if dt := clean("VIDEOEDIT_DTYPE"); dt != "" {
		d, err := latent.ParseDType(dt)
		if err != nil {
			slog.Error("invalid setting, ignoring", "VIDEOEDIT_DTYPE", dt, "error", err)
		} else {
			DType = d
		}
	}

	Host = defaultHost
	if host := clean("VIDEOEDIT_HOST"); host != "" {
		Host = host
	}

	MaxQueuedRequests = defaultMaxQueue
	if mq := clean("VIDEOEDIT_MAX_QUEUE"); mq != "" {
		m, err := strconv.Atoi(mq)
		if err != nil || m <= 0 {
			slog.Error("invalid setting, ignoring", "VIDEOEDIT_MAX_QUEUE", mq, "error", err)
		} else {
			MaxQueuedRequests = m
		}
	}

	AllowOrigins = nil
	if origins := clean("VIDEOEDIT_ORIGINS"); origins != "" {
		AllowOrigins = strings.Split(origins, ",")
	}
	for _, allowOrigin := range defaultAllowOrigins {
		AllowOrigins = append(AllowOrigins,
			fmt.Sprintf("http://%s", allowOrigin),
			fmt.Sprintf("https://%s", allowOrigin),
			fmt.Sprintf("http://%s:*", allowOrigin),
			fmt.Sprintf("https://%s:*", allowOrigin),
		)
	}

	TmpDir = clean("VIDEOEDIT_TMPDIR")
}
