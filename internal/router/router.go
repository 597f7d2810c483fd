// Package router implements the static route table:
// pure (method, path) -> (cmd_id, service_name) resolution and cmd_id ->
// service lookup, immutable at runtime except through an explicit Reload
// that swaps the whole table in one atomic step. Grounded on the
// config.Config / zrpc.RpcClientConf pattern (services/gateway/api/internal/config)
// for how a service's endpoint/timeout/connection limits are described.
package router

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// RouteKey is the exact-match key for the request/response route table.
type RouteKey struct {
	Method string
	Path   string
}

// Route is what a RouteKey resolves to.
type Route struct {
	CmdID       uint32
	ServiceName string
}

// Service describes a backend microservice the router can resolve a cmd_id
// to, mirroring zrpc.RpcClientConf fields (Endpoint, Timeout)
// generalized with a cmd_id range instead of a single RPC method set.
type Service struct {
	Name           string
	Endpoint       string
	TimeoutMs      int64
	MaxConnections int
	CmdRangeLo     uint32
	CmdRangeHi     uint32
}

func (s Service) contains(cmdID uint32) bool {
	return cmdID >= s.CmdRangeLo && cmdID <= s.CmdRangeHi
}

// Config is the immutable-after-load input to New/Reload.
type Config struct {
	APIPrefix string
	Routes    map[RouteKey]Route
	Services  map[string]Service
}

type snapshot struct {
	apiPrefix string
	routes    map[RouteKey]Route
	services  map[string]Service
}

// Router is a plain value; readers always see a consistent snapshot because
// Reload swaps an atomic.Pointer rather than mutating shared maps in place.
type Router struct {
	current atomic.Pointer[snapshot]
}

func New(cfg Config) *Router {
	r := &Router{}
	r.Reload(cfg)
	return r
}

// Reload replaces the route and service tables in one step.
func (r *Router) Reload(cfg Config) {
	snap := &snapshot{
		apiPrefix: cfg.APIPrefix,
		routes:    cloneRoutes(cfg.Routes),
		services:  cloneServices(cfg.Services),
	}
	r.current.Store(snap)
}

func cloneRoutes(in map[RouteKey]Route) map[RouteKey]Route {
	out := make(map[RouteKey]Route, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneServices(in map[string]Service) map[string]Service {
	out := make(map[string]Service, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ResolveReqResp strips the configured api_prefix from path and looks up the
// remainder. Method comparison is case-insensitive.
func (r *Router) ResolveReqResp(method, path string) (Route, bool) {
	snap := r.current.Load()
	trimmed := strings.TrimPrefix(path, snap.apiPrefix)
	if trimmed == path && snap.apiPrefix != "" {
		// path did not actually carry the configured prefix.
		return Route{}, false
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	route, ok := snap.routes[RouteKey{Method: strings.ToUpper(method), Path: trimmed}]
	return route, ok
}

// ResolveServiceByName looks up a service by its configured name.
func (r *Router) ResolveServiceByName(name string) (Service, bool) {
	snap := r.current.Load()
	s, ok := snap.services[name]
	return s, ok
}

// ResolveServiceByCmd finds the unique service whose cmd_range contains
// cmdID. Ties (should never happen in a well-formed config) break on the
// lexicographically first service name for determinism.
func (r *Router) ResolveServiceByCmd(cmdID uint32) (Service, bool) {
	snap := r.current.Load()
	var candidates []Service
	for _, s := range snap.services {
		if s.contains(cmdID) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return Service{}, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	return candidates[0], true
}

// Snapshot exposes the loaded config for diagnostics; callers must not
// mutate the returned maps.
func (r *Router) Snapshot() Config {
	snap := r.current.Load()
	return Config{APIPrefix: snap.apiPrefix, Routes: snap.routes, Services: snap.services}
}

// ErrNoServiceForCmd is a sentinel for callers reporting that no service
// configuration covers a cmd_id at all. Processor registration reports the
// same condition as RegisterNoSuchService rather than this error.
var ErrNoServiceForCmd = fmt.Errorf("router: no service configured for cmd_id")
