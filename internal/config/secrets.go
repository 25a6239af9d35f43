package config

// RedactedConfig returns a copy of cfg with secret fields masked, suitable for
// logging at startup.
func RedactedConfig(cfg Config) Config {
	out := cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.TelegramChatID)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices and maps so the redacted view never aliases the original.
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	if cfg.Strategy.Params != nil {
		params := make(map[string]any, len(cfg.Strategy.Params))
		for k, v := range cfg.Strategy.Params {
			params[k] = v
		}
		out.Strategy.Params = params
	}

	return out
}

// redact masks a non-empty string in place.
func redact(s *string) {
	if *s != "" {
		*s = "***"
	}
}
