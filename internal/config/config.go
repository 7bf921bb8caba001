package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/refpipe/backend/internal/ratelimit"
	"github.com/refpipe/backend/pkg/crossref"
	"github.com/refpipe/backend/pkg/libgen"
	"github.com/refpipe/backend/pkg/openalex"
	"github.com/refpipe/backend/pkg/scihub"
	"github.com/refpipe/backend/pkg/unpaywall"
)

type Config struct {
	Database  DatabaseConfig
	Download  DownloadConfig
	Matcher   MatcherConfig
	RateLimit map[string]ratelimit.Limits
}

type DatabaseConfig struct {
	Path string
}

type DownloadConfig struct {
	Dir           string
	SciHubMirrors []string
	LibGenBaseURL string
	Timeout       time.Duration
}

type MatcherConfig struct {
	// Mailto puts OpenAlex/Crossref requests in their polite pools.
	Mailto       string
	MaxCitations int
}

func Load() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: getEnv("REFPIPE_DB", "refpipe.db"),
		},
		Download: DownloadConfig{
			Dir:           getEnv("REFPIPE_DOWNLOAD_DIR", "downloads"),
			SciHubMirrors: getSliceEnv("REFPIPE_SCIHUB_MIRRORS", scihub.DefaultMirrors),
			LibGenBaseURL: getEnv("REFPIPE_LIBGEN_URL", libgen.DefaultBaseURL),
			Timeout:       getDurationEnv("REFPIPE_DOWNLOAD_TIMEOUT", 120*time.Second),
		},
		Matcher: MatcherConfig{
			Mailto:       getEnv("REFPIPE_MAILTO", ""),
			MaxCitations: getIntEnv("REFPIPE_MAX_CITATIONS", 200),
		},
		RateLimit: map[string]ratelimit.Limits{
			openalex.Service:  {RPS: getIntEnv("REFPIPE_OPENALEX_RPS", 10), RPD: getIntEnv("REFPIPE_OPENALEX_RPD", 100000)},
			crossref.Service:  {RPS: getIntEnv("REFPIPE_CROSSREF_RPS", 10), RPD: getIntEnv("REFPIPE_CROSSREF_RPD", 50000)},
			unpaywall.Service: {RPS: getIntEnv("REFPIPE_UNPAYWALL_RPS", 5), RPD: getIntEnv("REFPIPE_UNPAYWALL_RPD", 100000)},
			scihub.Service:    {RPS: 1, RPM: getIntEnv("REFPIPE_SCIHUB_RPM", 30)},
			libgen.Service:    {RPS: 1, RPM: getIntEnv("REFPIPE_LIBGEN_RPM", 20)},
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
