package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Route maps one incoming path prefix to a downstream service.
type Route struct {
	// Prefix is the incoming path prefix, e.g. "/api/v1/students".
	Prefix string `yaml:"prefix"`
	// Service is the downstream service name used for discovery and for the
	// {SERVICE}_SERVICE_URL override, e.g. "student".
	Service string `yaml:"service"`
	// Port is the local-fallback port for the service.
	Port int `yaml:"port"`
	// Rewrite, when set, replaces the matched prefix on the proxied path.
	Rewrite string `yaml:"rewrite,omitempty"`
}

// RoutesConfig is the declarative routing table plus resolution state.
type RoutesConfig struct {
	Routes []Route `yaml:"routes"`
}

// builtinRoutes is the default routing table. Order here is irrelevant:
// resolution sorts most-specific (longest) prefix first.
func builtinRoutes() []Route {
	return []Route{
		{Prefix: "/api/v1/auth", Service: "auth", Port: 4001},
		{Prefix: "/api/v1/students", Service: "student", Port: 4002},
		{Prefix: "/api/v1/trainers", Service: "trainer", Port: 4003},
		{Prefix: "/api/v1/courses", Service: "course", Port: 4004},
		{Prefix: "/api/v1/booking", Service: "booking", Port: 4005},
		{Prefix: "/api/v1/payments", Service: "payment", Port: 4006},
		{Prefix: "/api/v1/notifications", Service: "notification", Port: 4007},
		{Prefix: "/api/v1/chat", Service: "chat", Port: 4008},
		{Prefix: "/api/v1/analytics", Service: "analytics", Port: 4009},
		{Prefix: "/api/v1/admin", Service: "admin", Port: 4010},
	}
}

// LoadRoutes builds the routing table: built-in defaults, optionally merged
// with a YAML file named by GATEWAY_ROUTES_FILE. File entries override
// built-ins with the same prefix; new prefixes are appended. The result is
// sorted most-specific-first.
func LoadRoutes() ([]Route, error) {
	routes := builtinRoutes()

	if path := os.Getenv("GATEWAY_ROUTES_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read routes file %s: %w", path, err)
		}
		var user RoutesConfig
		if err := yaml.Unmarshal(data, &user); err != nil {
			return nil, fmt.Errorf("parse routes file %s: %w", path, err)
		}
		routes = mergeRoutes(routes, user.Routes)
	}

	sort.SliceStable(routes, func(i, j int) bool {
		return len(routes[i].Prefix) > len(routes[j].Prefix)
	})
	return routes, nil
}

// mergeRoutes overlays user routes onto the built-ins, keyed by prefix.
// Unset fields of a user route inherit the built-in values.
func mergeRoutes(builtin, user []Route) []Route {
	byPrefix := make(map[string]int, len(builtin))
	for i, r := range builtin {
		byPrefix[r.Prefix] = i
	}

	for _, u := range user {
		if i, ok := byPrefix[u.Prefix]; ok {
			merged := u
			if err := mergo.Merge(&merged, builtin[i]); err == nil {
				builtin[i] = merged
			}
			continue
		}
		builtin = append(builtin, u)
	}
	return builtin
}

// TargetURL resolves the downstream base URL for a route.
// Priority: explicit {SERVICE}_SERVICE_URL override > discovery host
// (http://{service}-service:{port}) > local fallback.
func (r Route) TargetURL() string {
	envKey := strings.ToUpper(r.Service) + "_SERVICE_URL"
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if host := os.Getenv("SERVICE_DISCOVERY_DOMAIN"); host != "" {
		return fmt.Sprintf("http://%s-service.%s:%d", r.Service, host, r.Port)
	}
	return fmt.Sprintf("http://localhost:%d", r.Port)
}
