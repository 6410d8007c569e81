// Package pipeline binds every stage together, runs the bounded
// worker pool, and writes the run summary.
package pipeline

import (
	"os"
	"strings"
	"time"

	"github.com/goaudits/pipeline/config"
)

const DetailsConcurrency = config.MaxPoolConns

// Config is resolved once at run start from the environment variables.
type Config struct {
	SummaryURL  string
	DetailsURL  string
	BatchSize   int
	StartDate   *time.Time
	EndDate     *time.Time
	DryRun      bool
	ValidateKeys bool
	MaterialiseEmail bool
	MaterialiseScope string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		SummaryURL:       os.Getenv("SUMMARY_URL"),
		DetailsURL:       os.Getenv("DETAILS_URL"),
		BatchSize:        config.IntFromEnv("BATCH_SIZE", 50),
		DryRun:           envBool("DRYRUN"),
		ValidateKeys:     envBool("VALIDATE_KEYS"),
		MaterialiseEmail: envBool("MATERIALISE_EMAIL"),
		MaterialiseScope: "all",
	}

	if v := strings.TrimSpace(os.Getenv("MATERIALISE_SCOPE")); v != "" {
		cfg.MaterialiseScope = v
	}

	if v := strings.TrimSpace(os.Getenv("START_DATE")); v != "" {
		t, err := parseISOOverride(v, false)
		if err != nil {
			return Config{}, err
		}
		cfg.StartDate = &t
	}
	if v := strings.TrimSpace(os.Getenv("END_DATE")); v != "" {
		t, err := parseISOOverride(v, true)
		if err != nil {
			return Config{}, err
		}
		cfg.EndDate = &t
	}

	return cfg, nil
}

// parseISOOverride parses an ISO override; a date-only end override is
// pushed to end-of-day when endOfDayIfDateOnly is set.
func parseISOOverride(v string, endOfDayIfDateOnly bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDayIfDateOnly {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t.UTC(), nil
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes"
}
