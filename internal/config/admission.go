package config

import (
	"os"
	"strconv"
	"time"
)

// Budget is the admission allowance of one endpoint category.
type Budget struct {
	Limit  int
	Window time.Duration
}

// AdmissionConfig controls the booking admission limiter.  Each category has
// its own budget, applied per holder and per session.
type AdmissionConfig struct {
	Enabled bool
	Prefix  string
	Booking Budget
	Cancel  Budget
	Query   Budget
}

// LoadAdmissionConfig reads ADMISSION_* variables, falling back to defaults
// for anything unset or unparsable.
func LoadAdmissionConfig() AdmissionConfig {
	cfg := AdmissionConfig{
		Enabled: envBool("ADMISSION_ENABLED", true),
		Prefix:  envStr("ADMISSION_PREFIX", "adm"),
		Booking: Budget{
			Limit:  envInt("ADMISSION_BOOKING_LIMIT", 5),
			Window: envDur("ADMISSION_BOOKING_WINDOW", time.Second),
		},
		Cancel: Budget{
			Limit:  envInt("ADMISSION_CANCEL_LIMIT", 10),
			Window: envDur("ADMISSION_CANCEL_WINDOW", time.Minute),
		},
		Query: Budget{
			Limit:  envInt("ADMISSION_QUERY_LIMIT", 120),
			Window: envDur("ADMISSION_QUERY_WINDOW", time.Minute),
		},
	}
	for _, b := range []*Budget{&cfg.Booking, &cfg.Cancel, &cfg.Query} {
		if b.Limit < 1 {
			b.Limit = 1
		}
		if b.Window < time.Millisecond {
			b.Window = time.Second
		}
	}
	return cfg
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "True", "yes", "YES", "on", "ON":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "off", "OFF":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	if n, err := strconv.Atoi(os.Getenv(k)); err == nil {
		return n
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	if dur, err := time.ParseDuration(os.Getenv(k)); err == nil {
		return dur
	}
	return d
}
