package config

import (
	"time"
)

type SessionConfig interface {
	GetAccessTokenTTL() time.Duration
	GetRefreshTokenTTL() time.Duration
	GetMultiSignIn() bool
	GetMultiSignOut() bool
}

type Session struct{}

var _ SessionConfig = Session{}

func (Session) GetAccessTokenTTL() time.Duration {
	return getDuration("ACCESS_TOKEN_TTL", 15*time.Minute)
}

func (Session) GetRefreshTokenTTL() time.Duration {
	return getDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour)
}

func (Session) GetMultiSignIn() bool {
	return getBool("MULTI_SIGN_IN", false)
}

func (Session) GetMultiSignOut() bool {
	return getBool("MULTI_SIGN_OUT", false)
}

func getDuration(envVar string, defaultValue time.Duration) time.Duration {
	value := GetEnv(envVar, "")
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func getBool(envVar string, defaultValue bool) bool {
	switch GetEnv(envVar, "") {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}
