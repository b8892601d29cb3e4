package config

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			Path:                "/ws",
			MaxFrameBytes:       16 << 10,
			WriteTimeoutSeconds: 10,
			PongTimeoutSeconds:  60,
			PingIntervalSeconds: 50,
		},
		Auth: AuthConfig{
			LeewaySeconds: 30,
		},
		Store: StoreConfig{
			DBPath:         "~/.marketchat/chat.db",
			TimeoutSeconds: 5,
		},
		Chat: ChatConfig{
			MaxContentLength:   4000,
			FramesPerMinute:    120,
			FrameBurst:         20,
			CacheConversations: true,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Template is the config written by init. The secret is read from the environment.
func Template() *Config {
	cfg := Defaults()
	cfg.Auth.JWTSecret = "${" + EnvJWTSecret + "}"
	return cfg
}
