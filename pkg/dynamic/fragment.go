package dynamic

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Fragment is the per-agent slice of routing configuration. It uses the same
// section shapes as the merged document; merging is a keyed union.
type Fragment struct {
	HTTP HTTPSection `yaml:"http"`
	TCP  TCPSection  `yaml:"tcp"`
}

// NewFragment returns an empty fragment with all maps initialized.
func NewFragment() *Fragment {
	return &Fragment{
		HTTP: HTTPSection{
			Routers:     make(map[string]*HTTPRouter),
			Services:    make(map[string]*HTTPService),
			Middlewares: make(map[string]Middleware),
		},
		TCP: TCPSection{
			Routers:  make(map[string]*TCPRouter),
			Services: make(map[string]*TCPService),
		},
	}
}

// init ensures all maps are non-nil after YAML decoding.
func (f *Fragment) init() {
	if f.HTTP.Routers == nil {
		f.HTTP.Routers = make(map[string]*HTTPRouter)
	}
	if f.HTTP.Services == nil {
		f.HTTP.Services = make(map[string]*HTTPService)
	}
	if f.HTTP.Middlewares == nil {
		f.HTTP.Middlewares = make(map[string]Middleware)
	}
	if f.TCP.Routers == nil {
		f.TCP.Routers = make(map[string]*TCPRouter)
	}
	if f.TCP.Services == nil {
		f.TCP.Services = make(map[string]*TCPService)
	}
}

// Namespaced resource names. Every name embeds the agent identifier, which
// is what keeps fragments collision-free in the merged document.

// MongoRouterName returns the L4 router name for an agent's MongoDB route.
func MongoRouterName(agentID string) string {
	return fmt.Sprintf("%s-mongodb", strings.ToLower(agentID))
}

// MongoServiceName returns the L4 service name for an agent's MongoDB route.
func MongoServiceName(agentID string) string {
	return fmt.Sprintf("%s-mongodb-service", strings.ToLower(agentID))
}

// AppRouterName returns the L7 router name for a subdomain app route.
func AppRouterName(agentID, subdomain string) string {
	return fmt.Sprintf("%s-app-%s", strings.ToLower(agentID), subdomain)
}

// AppServiceName returns the L7 service name for a subdomain app route.
func AppServiceName(agentID, subdomain string) string {
	return fmt.Sprintf("%s-app-%s-service", strings.ToLower(agentID), subdomain)
}

// HostRewriteMiddlewareName returns the per-route middleware that rewrites
// the Host header to the backend's own host.
func HostRewriteMiddlewareName(agentID, subdomain string) string {
	return fmt.Sprintf("%s-app-%s-hostrewrite", strings.ToLower(agentID), subdomain)
}

// SetMongoRoute installs or replaces the agent's MongoDB SNI route in the
// fragment: an L4 router matching HostSNI(<agent>.<mongoDomain>) and the
// service pointing at targetIP:targetPort. TLS passthrough is enabled when
// the backend requires (or may require) TLS, and omitted for plaintext
// backends so the proxy terminates with the agent's certificate.
func (f *Fragment) SetMongoRoute(agentID, mongoDomain, targetIP string, targetPort int, passthrough bool) {
	f.init()

	router := &TCPRouter{
		Rule:        fmt.Sprintf("HostSNI(`%s.%s`)", strings.ToLower(agentID), mongoDomain),
		Service:     MongoServiceName(agentID),
		EntryPoints: []string{EntryPointMongo},
	}
	if passthrough {
		router.TLS = &TCPTLS{Passthrough: true}
	}

	f.TCP.Routers[MongoRouterName(agentID)] = router
	f.TCP.Services[MongoServiceName(agentID)] = &TCPService{
		LoadBalancer: TCPLoadBalancer{
			Servers: []TCPServer{{Address: net.JoinHostPort(targetIP, fmt.Sprintf("%d", targetPort))}},
		},
	}
}

// RemoveMongoRoute removes the agent's MongoDB route from the fragment.
func (f *Fragment) RemoveMongoRoute(agentID string) {
	f.init()
	delete(f.TCP.Routers, MongoRouterName(agentID))
	delete(f.TCP.Services, MongoServiceName(agentID))
}

// SetAppRoute installs or replaces an HTTP app route in the fragment:
// an L7 router for <subdomain>.<appDomain> on both entrypoints, the service
// pointing at targetURL, the HTTP→HTTPS redirect, and a host-rewrite
// middleware carrying the backend's own Host header.
func (f *Fragment) SetAppRoute(agentID, subdomain, appDomain, targetURL string) error {
	f.init()

	u, err := url.Parse(targetURL)
	if err != nil {
		return fmt.Errorf("invalid target URL %q: %w", targetURL, err)
	}

	rewriteName := HostRewriteMiddlewareName(agentID, subdomain)
	f.HTTP.Middlewares[rewriteName] = Middleware{
		"headers": {
			"customRequestHeaders": map[string]any{
				"Host": u.Host,
			},
		},
	}

	passHost := false
	f.HTTP.Routers[AppRouterName(agentID, subdomain)] = &HTTPRouter{
		Rule:        fmt.Sprintf("Host(`%s.%s`)", subdomain, appDomain),
		Service:     AppServiceName(agentID, subdomain),
		EntryPoints: []string{EntryPointWeb, EntryPointWebSecure},
		Middlewares: []string{RedirectMiddlewareName, rewriteName},
		TLS:         &HTTPRouterTLS{},
	}
	f.HTTP.Services[AppServiceName(agentID, subdomain)] = &HTTPService{
		LoadBalancer: HTTPLoadBalancer{
			Servers:        []HTTPServer{{URL: targetURL}},
			PassHostHeader: &passHost,
		},
	}
	return nil
}

// RemoveAppRoute removes a subdomain app route from the fragment.
func (f *Fragment) RemoveAppRoute(agentID, subdomain string) {
	f.init()
	delete(f.HTTP.Routers, AppRouterName(agentID, subdomain))
	delete(f.HTTP.Services, AppServiceName(agentID, subdomain))
	delete(f.HTTP.Middlewares, HostRewriteMiddlewareName(agentID, subdomain))
}

// Empty reports whether the fragment carries no routes at all.
func (f *Fragment) Empty() bool {
	return len(f.HTTP.Routers) == 0 && len(f.HTTP.Services) == 0 &&
		len(f.HTTP.Middlewares) == 0 && len(f.TCP.Routers) == 0 &&
		len(f.TCP.Services) == 0
}

// MergeInto applies the fragment onto a document. Keys collide
// last-writer-wins; agent namespacing guarantees cross-agent keys never
// collide in practice.
func (f *Fragment) MergeInto(d *Document) {
	d.init()
	for name, r := range f.HTTP.Routers {
		d.HTTP.Routers[name] = r
	}
	for name, s := range f.HTTP.Services {
		d.HTTP.Services[name] = s
	}
	for name, m := range f.HTTP.Middlewares {
		d.HTTP.Middlewares[name] = m
	}
	for name, r := range f.TCP.Routers {
		d.TCP.Routers[name] = r
	}
	for name, s := range f.TCP.Services {
		d.TCP.Services[name] = s
	}
}
