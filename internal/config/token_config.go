package config

type TokenConfig interface {
	GetTokenSecret() string
	GetTokenIssuer() string
	GetTokenAudience() string
}

type Token struct{}

var _ TokenConfig = Token{}

func (Token) GetTokenSecret() string {
	return GetEnv("TOKEN_SECRET", "")
}

func (Token) GetTokenIssuer() string {
	return GetEnv("TOKEN_ISSUER", "com.sessionservice")
}

func (Token) GetTokenAudience() string {
	return GetEnv("TOKEN_AUDIENCE", "api")
}
