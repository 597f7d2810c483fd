// Package config defines the parsed Config value the gateway façade is
// built from: platform policies, the route/service
// table, and the auth secret. Loaded once via go-zero's core/conf, the same
// pattern as services/gateway/growth/internal/config and
// services/gateway/api/internal/config, which both embed rest.RestConf.
package config

import (
	"github.com/zeromicro/go-zero/rest"

	"github.com/suleymanmyradov/im-gateway/internal/platform"
)

// PlatformPolicyConfig is the YAML-friendly mirror of platform.Policy.
type PlatformPolicyConfig struct {
	Platform              string
	AccessTTLSeconds      uint32
	RefreshTTLSeconds     uint32
	AllowMultiDevice      bool
	RefreshWindowFraction float64
	AutoRefreshEnabled    bool
	MaxRefreshRetries     uint32
}

// RouteConfig is one (method, path) -> (cmd_id, service) entry.
type RouteConfig struct {
	Method      string
	Path        string
	CmdID       uint32
	ServiceName string
}

// ServiceConfig describes a backend microservice's dispatch coordinates.
type ServiceConfig struct {
	Name           string
	Endpoint       string
	TimeoutMs      int64
	MaxConnections int
	CmdRangeLo     uint32
	CmdRangeHi     uint32
}

// Config is the root value conf.MustLoad populates. RestConf configures the
// request/response listener exactly as in goctl-scaffolded
// api configs; StreamingPort is this core's addition for the framed
// transport endpoint.
type Config struct {
	rest.RestConf

	StreamingPort int

	Redis struct {
		Host     string
		Port     int
		Password string
		DB       int
	}

	Auth struct {
		Secret string
	}

	APIPrefix        string
	PlatformPolicies []PlatformPolicyConfig
	Routes           []RouteConfig
	Services         []ServiceConfig
}

// PolicyTable converts the loaded config rows into a platform.PolicyTable.
func (c Config) PolicyTable() platform.PolicyTable {
	table := make(platform.PolicyTable, len(c.PlatformPolicies))
	for _, p := range c.PlatformPolicies {
		table[platform.Parse(p.Platform)] = platform.Policy{
			AccessTTLSeconds:      p.AccessTTLSeconds,
			RefreshTTLSeconds:     p.RefreshTTLSeconds,
			AllowMultiDevice:      p.AllowMultiDevice,
			RefreshWindowFraction: p.RefreshWindowFraction,
			AutoRefreshEnabled:    p.AutoRefreshEnabled,
			MaxRefreshRetries:     p.MaxRefreshRetries,
		}
	}
	return table
}
