// Package resolve defines the DNS lookup interface consumed by STUN
// bootstrap and extended (TXT) discovery. It is an external collaborator
// per the core's scope; a stdlib-backed default implementation is provided
// so the node works out of the box.
package resolve

import (
	"context"
	"net"
	"time"

	"github.com/overlaynet/overlaynode/errs"
)

// Resolver looks up the records the overlay needs: A/AAAA for domain
// bootstrap peers and STUN servers, TXT for extended peer discovery.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]net.IP, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Config controls the default resolver's retry behavior.
type Config struct {
	Servers []string // "host:port"; empty means the system resolver
	Timeout time.Duration
	Retries int
}

// DefaultConfig matches the per-query timeout and retry count named for DNS.
func DefaultConfig() Config {
	return Config{Timeout: 3 * time.Second, Retries: 3}
}

// StdResolver resolves through net.Resolver, optionally pointed at an
// explicit, ordered list of DNS servers with per-server retry and
// fall-through to the next server in the list.
type StdResolver struct {
	cfg Config
}

// New builds a StdResolver. An empty Servers list uses the system resolver.
func New(cfg Config) *StdResolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	return &StdResolver{cfg: cfg}
}

func (r *StdResolver) resolverFor(server string) *net.Resolver {
	if server == "" {
		return net.DefaultResolver
	}
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, server)
		},
	}
}

func (r *StdResolver) servers() []string {
	if len(r.cfg.Servers) == 0 {
		return []string{""}
	}
	return r.cfg.Servers
}

// LookupHost resolves A/AAAA records, retrying each configured server up to
// Retries times before falling through to the next.
func (r *StdResolver) LookupHost(ctx context.Context, host string) ([]net.IP, error) {
	for _, server := range r.servers() {
		res := r.resolverFor(server)
		for attempt := 0; attempt < r.cfg.Retries; attempt++ {
			qCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
			ips, err := res.LookupIP(qCtx, "ip", host)
			cancel()
			if err == nil {
				return ips, nil
			}
		}
	}
	return nil, errs.Wrap(errs.ErrResolveFailed)
}

// LookupTXT resolves TXT records with the same retry/fall-through policy.
func (r *StdResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	for _, server := range r.servers() {
		res := r.resolverFor(server)
		for attempt := 0; attempt < r.cfg.Retries; attempt++ {
			qCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
			txt, err := res.LookupTXT(qCtx, name)
			cancel()
			if err == nil {
				return txt, nil
			}
		}
	}
	return nil, errs.Wrap(errs.ErrResolveFailed)
}
