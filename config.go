package trail

import (
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultChunkFrames is the block size of range copies.
	DefaultChunkFrames = 8192

	// DefaultMaxCoarse is the number of fullrate frames a pyramid reduces
	// per block.
	DefaultMaxCoarse = 16384

	// MaxBlockFrames bounds the pyramid block size after MaxCoarse is rounded
	// up to the coarsest tier.
	MaxBlockFrames = 1 << 20

	// DefaultTiers is the number of pyramid tiers including fullrate.
	DefaultTiers = 5

	// DefaultMaxFileFrames is the number of frames allocated from one temp
	// file before another is created.
	DefaultMaxFileFrames = 1 << 22
)

var fallbackLogger = newLogger(logrus.WarnLevel)

func defaultLogger() logrus.FieldLogger {
	return fallbackLogger
}

func newLogger(level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// OptionsFromEnv builds StoreOptions from TRAIL_* environment variables.
// Unset or unparsable variables keep their defaults.
func OptionsFromEnv() StoreOptions {
	level, err := logrus.ParseLevel(envStr("TRAIL_LOG_LEVEL", "warn"))
	if err != nil {
		level = logrus.WarnLevel
	}
	model, err := ParseModel(envStr("TRAIL_MODEL", "halfwave"))
	if err != nil {
		model = HalfWave
	}
	return StoreOptions{
		TempDir:       envStr("TRAIL_TEMP_DIR", ""),
		ChunkFrames:   envInt("TRAIL_CHUNK_FRAMES", DefaultChunkFrames),
		MaxCoarse:     envInt("TRAIL_MAX_COARSE", DefaultMaxCoarse),
		Tiers:         envInt("TRAIL_TIERS", DefaultTiers),
		MaxFileFrames: int64(envInt("TRAIL_MAX_FILE_FRAMES", DefaultMaxFileFrames)),
		Model:         model,
		Async:         envBool("TRAIL_ASYNC", false),
		Logger:        newLogger(level),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}
