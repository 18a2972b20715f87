package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"
)

var environmentAliases = map[string]string{
	"prod":  environmentProduction,
	"stag":  environmentStaging,
	"stage": environmentStaging,
	"dev":   environmentDevelopment,
}

// AppEnvironment reads APP_ENV, resolves aliases and defaults to
// development.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// ResolveConfigPath prefers config.<env>.yml next to path when such a file
// exists for the current APP_ENV; otherwise path is returned unchanged.
func ResolveConfigPath(path string) string {
	ext := filepath.Ext(path)
	candidate := strings.TrimSuffix(path, ext) + "." + AppEnvironment() + ext
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return path
}

// IsProductionLike reports whether env must run with production guards.
func IsProductionLike(env string) bool {
	return env == environmentProduction || env == environmentStaging
}
