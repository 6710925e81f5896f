// Package config resolves CLI flags and their environment-variable
// overrides into the Options the daemon runs with, following the
// teacher's env-first-then-flag-default convention.
package config

import (
	"os"
	"strconv"
)

// Options holds the resolved daemon configuration (spec.md §6's CLI
// surface table).
type Options struct {
	Device   string
	Port     int
	FPS      int
	Listen   string
	Password string
	Verbose  bool
	DebugHTTP string
}

// Defaults returns Options seeded from environment variables, falling
// back to spec.md §6's documented defaults. Flag parsing in
// cmd/kmsvnc overrides these only when the user explicitly passes a
// flag, matching the teacher's "env var first, CLI flag wins" layering.
func Defaults() Options {
	return Options{
		Device:    envString("KMSVNC_DEVICE", ""),
		Port:      envInt("KMSVNC_PORT", 5900),
		FPS:       envInt("KMSVNC_FPS", 30),
		Listen:    envString("KMSVNC_LISTEN", "0.0.0.0"),
		Password:  envString("KMSVNC_PASSWORD", ""),
		Verbose:   envBool("KMSVNC_VERBOSE", false),
		DebugHTTP: envString("KMSVNC_DEBUG_HTTP", ""),
	}
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
