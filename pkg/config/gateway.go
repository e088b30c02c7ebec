package config

import (
	"time"
)

// GatewayConfig groups the ingress-side settings: HTTP port, CORS allow-list,
// proxy timeout, JWT secrets, and the realtime connection policy.
type GatewayConfig struct {
	Port        string
	CORSOrigins []string

	// ProxyTimeout bounds each proxied request. It must stay below the edge
	// load-balancer's client timeout so the gateway answers first.
	ProxyTimeout time.Duration

	JWTSecret        string
	JWTRefreshSecret string

	// Realtime plane.
	InstanceID       string
	MaxWSConnections int
	RegistryTTL      time.Duration
	WSWriteTimeout   time.Duration
	ShutdownGrace    time.Duration
	DevErrorHints    bool
}

// LoadGateway reads the gateway environment.
func LoadGateway() GatewayConfig {
	return GatewayConfig{
		Port:             getEnv("HTTP_PORT", "8080"),
		CORSOrigins:      splitList(getEnv("CORS_ORIGIN", "http://localhost:3000")),
		ProxyTimeout:     getEnvMillis("PROXY_TIMEOUT_MS", 55*time.Second),
		JWTSecret:        getEnv("JWT_SECRET", ""),
		JWTRefreshSecret: getEnv("JWT_REFRESH_SECRET", ""),
		InstanceID:       InstanceID(),
		MaxWSConnections: getEnvInt("WS_MAX_CONNECTIONS_PER_INSTANCE", 1000),
		RegistryTTL:      getEnvMillis("WS_REGISTRY_TTL_MS", time.Hour),
		WSWriteTimeout:   getEnvMillis("WS_WRITE_TIMEOUT_MS", 10*time.Second),
		ShutdownGrace:    getEnvMillis("SHUTDOWN_GRACE_MS", 30*time.Second),
		DevErrorHints:    getEnv("APP_ENV", "development") != "production",
	}
}

// WorkerConfig groups the pipeline-side settings.
type WorkerConfig struct {
	// HandlerTimeout is the soft deadline for processing one record; beyond
	// it the handler is cancelled and the attempt counted.
	HandlerTimeout time.Duration

	ShutdownGrace time.Duration
}

// LoadWorker reads the worker environment.
func LoadWorker() WorkerConfig {
	return WorkerConfig{
		HandlerTimeout: getEnvMillis("WORKER_HANDLER_TIMEOUT_MS", 30*time.Second),
		ShutdownGrace:  getEnvMillis("SHUTDOWN_GRACE_MS", 30*time.Second),
	}
}
