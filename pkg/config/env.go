package config

const (
	EnvPrefix = "PACKFINDERZ"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv = "PACKFINDERZ_APP_ENV"
	EnvPort   = "PACKFINDERZ_APP_PORT"

	EnvDBDSN  = "PACKFINDERZ_DB_DSN"
	EnvDBHost = "PACKFINDERZ_DB_HOST"
	EnvDBUser = "PACKFINDERZ_DB_USER"
	EnvDBName = "PACKFINDERZ_DB_NAME"

	EnvRedisURL = "PACKFINDERZ_REDIS_URL"

	EnvUseSQLite = "PACKFINDERZ_USE_SQLITE"

	EnvPaymentsSigningSecret   = "PACKFINDERZ_PAYMENTS_SIGNING_SECRET"
	EnvPaymentsDefaultCurrency = "PACKFINDERZ_PAYMENTS_DEFAULT_CURRENCY"
	EnvPaymentsProviderTimeout = "PACKFINDERZ_PAYMENTS_PROVIDER_TIMEOUT"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
