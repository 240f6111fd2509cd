package config

type Config interface {
	EnvConfig
	TokenConfig
	SessionConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetEnv() string
	GetRedisAddr() string
}

type mainConfig struct {
	EnvVars
	Token
	Session
}

func New() Config {
	return mainConfig{}
}
