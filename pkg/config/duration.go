package config

import (
	"time"

	"github.com/mpapenbr/kartrace-service-manager-go/log"
)

// ParseDuration returns the parsed value or defaultVal if v is not a
// valid positive duration.
func ParseDuration(name, v string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Warn("Invalid duration value. Using default",
			log.String("name", name),
			log.String("value", v),
			log.Duration("default", defaultVal))
		return defaultVal
	}
	return d
}
