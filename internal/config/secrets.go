package config

import (
	"maps"
	"slices"
)

const redacted = "***"

// RedactedConfig returns a copy of cfg that is safe to log: every credential
// is masked, and the maps and slices are cloned so the copy shares no
// mutable state with cfg.
func RedactedConfig(cfg *Config) Config {
	out := *cfg
	out.Venues = maps.Clone(cfg.Venues)
	for name, v := range out.Venues {
		mask(&v.APIKey, &v.APISecret)
		out.Venues[name] = v
	}
	out.Simulation.InitialBalances = maps.Clone(cfg.Simulation.InitialBalances)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)

	mask(
		&out.OnChain.PrivateKey,
		&out.OnChain.KeyPassword,
		&out.OnChain.RPCURL, // provider URLs embed an API key
		&out.Transfer.PrivateKey,
		&out.Postgres.DSN,
		&out.Postgres.Password,
		&out.Redis.Password,
		&out.S3.AccessKey,
		&out.S3.SecretKey,
		&out.Server.APIKey,
		&out.Notify.TelegramToken,
		&out.Notify.DiscordWebhookURL,
	)
	return out
}

// mask replaces every non-empty value with the placeholder.
func mask(fields ...*string) {
	for _, f := range fields {
		if *f != "" {
			*f = redacted
		}
	}
}
