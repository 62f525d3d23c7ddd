package seomatic

import "strings"

// RouteRemap points metadata lookups for Path at the CMS entry addressed by GetFrom.
type RouteRemap struct {
	Path    string `json:"path" yaml:"path"`
	GetFrom string `json:"getFrom" yaml:"getFrom"`
}

// Config is the per-deployment resolver configuration. It is treated as immutable once handed to New.
type Config struct {
	Debug        bool
	RouteRemap   []RouteRemap
	BackendURL   string
	GraphQLPath  string
	GraphQLToken string
}

// Endpoint is the GraphQL URL: BackendURL and GraphQLPath joined verbatim.
func (c Config) Endpoint() string {
	return c.BackendURL + c.GraphQLPath
}

// EffectiveRoute returns the lookup key for route and whether a remap entry supplied it.
// The first entry whose Path equals route exactly wins; an empty GetFrom on that entry disables the remap.
func (c Config) EffectiveRoute(route string) (string, bool) {
	for _, remap := range c.RouteRemap {
		if remap.Path != route {
			continue
		}
		if remap.GetFrom == "" {
			return route, false
		}
		return remap.GetFrom, true
	}
	return route, false
}

func (c Config) clone() Config {
	out := c
	if c.RouteRemap != nil {
		out.RouteRemap = make([]RouteRemap, len(c.RouteRemap))
		copy(out.RouteRemap, c.RouteRemap)
	}
	out.BackendURL = strings.TrimSpace(c.BackendURL)
	out.GraphQLPath = strings.TrimSpace(c.GraphQLPath)
	out.GraphQLToken = strings.TrimSpace(c.GraphQLToken)
	return out
}
