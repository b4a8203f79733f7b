package config

import (
	"os"
	"strconv"

	"mstat/internal/errors"
)

// Config represents the complete application configuration
type Config struct {
	Pipeline PipelineConfig
	Database DatabaseConfig
	Server   ServerConfig
	Paths    PathConfig
}

// PipelineConfig holds the statistical pipeline settings
type PipelineConfig struct {
	Estimator         string  // "DL" or "REML"
	Alpha             float64 // significance level, (0, 1]
	ConvergencePolicy string  // "exclude" or "abort"; no silent default
	REMLTol           float64 // REML convergence tolerance
	REMLMaxIter       int     // REML iteration cap
	Workers           int     // parallel variant fits; 0 = NumCPU
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port string
}

// PathConfig holds file system paths
type PathConfig struct {
	InputFile string
	OutputDir string
}

// Load reads configuration from environment variables and validates it
func Load() (*Config, error) {
	config := &Config{}

	pipeline, err := loadPipelineConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load pipeline configuration")
	}
	config.Pipeline = *pipeline

	config.Database = DatabaseConfig{URL: os.Getenv("DATABASE_URL")}
	config.Server = ServerConfig{Port: getEnv("PORT", "8080")}
	config.Paths = PathConfig{
		InputFile: os.Getenv("INPUT_FILE"),
		OutputDir: getEnv("OUTPUT_DIR", "."),
	}

	return config, nil
}

func loadPipelineConfig() (*PipelineConfig, error) {
	cfg := &PipelineConfig{
		Estimator:   getEnv("ESTIMATOR", "DL"),
		REMLTol:     1e-8,
		REMLMaxIter: 10000,
	}

	switch cfg.Estimator {
	case "DL", "REML":
	default:
		return nil, errors.ConfigInvalid("ESTIMATOR must be DL or REML, got " + cfg.Estimator)
	}

	alpha, err := getEnvFloat("ALPHA", 0.05)
	if err != nil {
		return nil, err
	}
	if !(alpha > 0 && alpha <= 1) {
		return nil, errors.ConfigInvalid("ALPHA must be in (0, 1]")
	}
	cfg.Alpha = alpha

	// The convergence policy decides what happens when REML hits its
	// iteration cap: drop the variant or abort the run. The caller must
	// choose; an unset value is a configuration error, not a default.
	policy := os.Getenv("CONVERGENCE_POLICY")
	switch policy {
	case "exclude", "abort":
		cfg.ConvergencePolicy = policy
	case "":
		return nil, errors.ConfigInvalid("CONVERGENCE_POLICY must be set to exclude or abort")
	default:
		return nil, errors.ConfigInvalid("CONVERGENCE_POLICY must be exclude or abort, got " + policy)
	}

	if tol, err := getEnvFloat("REML_TOL", cfg.REMLTol); err != nil {
		return nil, err
	} else if tol <= 0 {
		return nil, errors.ConfigInvalid("REML_TOL must be positive")
	} else {
		cfg.REMLTol = tol
	}

	if iter, err := getEnvInt("REML_MAX_ITER", cfg.REMLMaxIter); err != nil {
		return nil, err
	} else if iter < 1 {
		return nil, errors.ConfigInvalid("REML_MAX_ITER must be at least 1")
	} else {
		cfg.REMLMaxIter = iter
	}

	if workers, err := getEnvInt("WORKERS", 0); err != nil {
		return nil, err
	} else {
		cfg.Workers = workers
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.ConfigInvalid(key + " is not a number: " + v)
	}
	return f, nil
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.ConfigInvalid(key + " is not an integer: " + v)
	}
	return n, nil
}
