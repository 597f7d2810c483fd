package config

import (
	"strings"

	"github.com/suleymanmyradov/im-gateway/internal/router"
)

// RouterConfig converts the loaded route/service rows into a router.Config
// ready for router.New/Reload.
func (c Config) RouterConfig() router.Config {
	prefix := c.APIPrefix
	if prefix == "" {
		prefix = "/api/v1"
	}

	routes := make(map[router.RouteKey]router.Route, len(c.Routes))
	for _, r := range c.Routes {
		routes[router.RouteKey{Method: strings.ToUpper(r.Method), Path: r.Path}] = router.Route{
			CmdID:       r.CmdID,
			ServiceName: r.ServiceName,
		}
	}

	services := make(map[string]router.Service, len(c.Services))
	for _, s := range c.Services {
		services[s.Name] = router.Service{
			Name:           s.Name,
			Endpoint:       s.Endpoint,
			TimeoutMs:      s.TimeoutMs,
			MaxConnections: s.MaxConnections,
			CmdRangeLo:     s.CmdRangeLo,
			CmdRangeHi:     s.CmdRangeHi,
		}
	}

	return router.Config{APIPrefix: prefix, Routes: routes, Services: services}
}
