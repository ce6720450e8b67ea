package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPort           = "8080"
	DefaultModelPath      = "model/saved_model.onnx"
	DefaultMaxUploadBytes = 10 << 20
)

type Config struct {
	Port string
	// ResourceRoot is where relative model paths are resolved. It defaults to
	// the directory holding the executable, not the working directory.
	ResourceRoot   string
	ModelPath      string
	OrtLibPath     string
	UploadDir      string
	MaxUploadBytes int64
	EagerLoad      bool
	LogLevel       logrus.Level
	TelegramToken  string
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}

	cfg := &Config{
		Port:          getenv("PORT", DefaultPort),
		ResourceRoot:  os.Getenv("RESOURCE_ROOT"),
		ModelPath:     getenv("MODEL_PATH", DefaultModelPath),
		OrtLibPath:    os.Getenv("ONNXRUNTIME_LIB"),
		UploadDir:     getenv("UPLOAD_DIR", filepath.Join(os.TempDir(), "vehicle-damage-uploads")),
		TelegramToken: os.Getenv("TELEGRAM_TOKEN"),
	}

	if cfg.ResourceRoot == "" {
		root, err := ExecutableDir()
		if err != nil {
			return nil, err
		}
		cfg.ResourceRoot = root
	}

	maxUpload, err := strconv.ParseInt(getenv("MAX_UPLOAD_BYTES", strconv.Itoa(DefaultMaxUploadBytes)), 10, 64)
	if err != nil || maxUpload <= 0 {
		return nil, errors.Errorf("invalid MAX_UPLOAD_BYTES %q", os.Getenv("MAX_UPLOAD_BYTES"))
	}
	cfg.MaxUploadBytes = maxUpload

	eager, err := strconv.ParseBool(getenv("EAGER_LOAD", "true"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid EAGER_LOAD")
	}
	cfg.EagerLoad = eager

	level, err := logrus.ParseLevel(getenv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid LOG_LEVEL")
	}
	cfg.LogLevel = level

	return cfg, nil
}

// ResolvedModelPath returns ModelPath, joined to ResourceRoot when relative.
func (c *Config) ResolvedModelPath() string {
	if filepath.IsAbs(c.ModelPath) {
		return c.ModelPath
	}
	return filepath.Join(c.ResourceRoot, c.ModelPath)
}

// ExecutableDir is the directory of the running binary with symlinks resolved.
func ExecutableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", errors.Wrap(err, "locate executable")
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
