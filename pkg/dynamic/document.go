package dynamic

import (
	"fmt"
	"sort"
	"strings"
)

// Entry point names the proxy is provisioned with. The front door writes
// routers against these names; the proxy's static configuration defines them.
const (
	EntryPointWeb       = "web"
	EntryPointWebSecure = "websecure"
	EntryPointMongo     = "mongodb"
)

// Well-known scaffolding names present in every merged document.
const (
	// CatchallRouterName is the L4 router that matches *.<mongo-domain>
	// with TLS passthrough and an empty server pool, so the MongoDB
	// entrypoint always has a default route.
	CatchallRouterName = "mongodb-catchall"

	// CatchallServiceName is the empty service behind the catchall router.
	CatchallServiceName = "mongodb-catchall-service"

	// RedirectMiddlewareName is the HTTP→HTTPS redirect middleware attached
	// to app routers on the web entrypoint.
	RedirectMiddlewareName = "redirect-to-https"
)

// Document is the canonical merged dynamic configuration consumed by the
// proxy. Field names follow the proxy's file-provider schema.
type Document struct {
	HTTP HTTPSection `yaml:"http"`
	TCP  TCPSection  `yaml:"tcp"`
}

// HTTPSection holds the L7 routers, services, and middlewares.
type HTTPSection struct {
	Routers     map[string]*HTTPRouter  `yaml:"routers"`
	Services    map[string]*HTTPService `yaml:"services"`
	Middlewares map[string]Middleware   `yaml:"middlewares"`
}

// TCPSection holds the L4 routers and services.
type TCPSection struct {
	Routers  map[string]*TCPRouter  `yaml:"routers"`
	Services map[string]*TCPService `yaml:"services"`
}

// HTTPRouter routes L7 requests matching Rule to Service.
type HTTPRouter struct {
	Rule        string         `yaml:"rule"`
	Service     string         `yaml:"service"`
	EntryPoints []string       `yaml:"entryPoints"`
	Middlewares []string       `yaml:"middlewares,omitempty"`
	TLS         *HTTPRouterTLS `yaml:"tls,omitempty"`
}

// HTTPRouterTLS enables TLS termination on an L7 router.
type HTTPRouterTLS struct {
	CertResolver string `yaml:"certResolver,omitempty"`
}

// HTTPService is a load-balanced set of upstream URLs.
type HTTPService struct {
	LoadBalancer HTTPLoadBalancer `yaml:"loadBalancer"`
}

// HTTPLoadBalancer holds the upstream servers of an HTTP service.
type HTTPLoadBalancer struct {
	Servers        []HTTPServer `yaml:"servers"`
	PassHostHeader *bool        `yaml:"passHostHeader,omitempty"`
}

// HTTPServer is a single upstream URL.
type HTTPServer struct {
	URL string `yaml:"url"`
}

// Middleware is a middleware definition: kind → parameters. The shape is
// intentionally loose; the proxy validates the parameters.
type Middleware map[string]map[string]any

// TCPRouter routes L4 connections whose SNI matches Rule to Service.
type TCPRouter struct {
	Rule        string   `yaml:"rule"`
	Service     string   `yaml:"service"`
	EntryPoints []string `yaml:"entryPoints"`
	TLS         *TCPTLS  `yaml:"tls,omitempty"`
}

// TCPTLS configures TLS handling on an L4 router.
type TCPTLS struct {
	Passthrough bool `yaml:"passthrough"`
}

// TCPService is a load-balanced set of upstream address:port pairs.
type TCPService struct {
	LoadBalancer TCPLoadBalancer `yaml:"loadBalancer"`
}

// TCPLoadBalancer holds the upstream servers of a TCP service.
type TCPLoadBalancer struct {
	Servers []TCPServer `yaml:"servers"`
}

// TCPServer is a single upstream address:port.
type TCPServer struct {
	Address string `yaml:"address"`
}

// NewDocument returns an empty document with all maps initialized.
func NewDocument() *Document {
	return &Document{
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

// NewDefaultDocument returns the default document shape for the given
// MongoDB parent domain: empty agent sections plus the global scaffolding.
func NewDefaultDocument(mongoDomain string) *Document {
	d := NewDocument()
	d.EnsureScaffolding(mongoDomain)
	return d
}

// init ensures all maps are non-nil; documents loaded from YAML may have
// nil maps for absent sections.
func (d *Document) init() {
	if d.HTTP.Routers == nil {
		d.HTTP.Routers = make(map[string]*HTTPRouter)
	}
	if d.HTTP.Services == nil {
		d.HTTP.Services = make(map[string]*HTTPService)
	}
	if d.HTTP.Middlewares == nil {
		d.HTTP.Middlewares = make(map[string]Middleware)
	}
	if d.TCP.Routers == nil {
		d.TCP.Routers = make(map[string]*TCPRouter)
	}
	if d.TCP.Services == nil {
		d.TCP.Services = make(map[string]*TCPService)
	}
}

// EnsureScaffolding synthesizes the global pieces every merged document must
// carry: the MongoDB catchall router and the HTTP→HTTPS redirect middleware.
// Existing entries are left untouched.
func (d *Document) EnsureScaffolding(mongoDomain string) {
	d.init()

	if _, ok := d.TCP.Routers[CatchallRouterName]; !ok {
		d.TCP.Routers[CatchallRouterName] = &TCPRouter{
			Rule:        fmt.Sprintf("HostSNI(`*.%s`)", mongoDomain),
			Service:     CatchallServiceName,
			EntryPoints: []string{EntryPointMongo},
			TLS:         &TCPTLS{Passthrough: true},
		}
	}
	if _, ok := d.TCP.Services[CatchallServiceName]; !ok {
		d.TCP.Services[CatchallServiceName] = &TCPService{
			LoadBalancer: TCPLoadBalancer{Servers: []TCPServer{}},
		}
	}
	if _, ok := d.HTTP.Middlewares[RedirectMiddlewareName]; !ok {
		d.HTTP.Middlewares[RedirectMiddlewareName] = Middleware{
			"redirectScheme": {
				"scheme":    "https",
				"permanent": true,
			},
		}
	}
}

// Validate checks structural integrity: every router's service must resolve
// and every referenced middleware must exist. Returns an error naming each
// dangling reference.
func (d *Document) Validate() error {
	var problems []string

	for name, r := range d.HTTP.Routers {
		if r == nil {
			problems = append(problems, fmt.Sprintf("http router %q is null", name))
			continue
		}
		if _, ok := d.HTTP.Services[r.Service]; !ok {
			problems = append(problems, fmt.Sprintf("http router %q references missing service %q", name, r.Service))
		}
		for _, mw := range r.Middlewares {
			if _, ok := d.HTTP.Middlewares[mw]; !ok {
				problems = append(problems, fmt.Sprintf("http router %q references missing middleware %q", name, mw))
			}
		}
	}

	for name, r := range d.TCP.Routers {
		if r == nil {
			problems = append(problems, fmt.Sprintf("tcp router %q is null", name))
			continue
		}
		if _, ok := d.TCP.Services[r.Service]; !ok {
			problems = append(problems, fmt.Sprintf("tcp router %q references missing service %q", name, r.Service))
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid dynamic document: %s", strings.Join(problems, "; "))
	}
	return nil
}

// HasCatchall reports whether the MongoDB catchall router is present.
func (d *Document) HasCatchall() bool {
	_, ok := d.TCP.Routers[CatchallRouterName]
	return ok
}
