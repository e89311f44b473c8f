// Package resolve pins the target hostname to one IPv4 address, looked up through configurable DNS servers, so
// that browsers can be pointed at it with a host resolver rule.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var ErrResolution = errors.New("host resolution failed")

type Resolver struct {
	resolver *net.Resolver
	timeout  time.Duration
	log      *zap.SugaredLogger
}

// New creates a Resolver that queries servers (host or host:port) in turn. With no servers the system resolver is
// used.
func New(servers []string, timeout time.Duration, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.L()
	}
	r := &Resolver{
		resolver: net.DefaultResolver,
		timeout:  timeout,
		log:      logger.Named("resolve").Sugar(),
	}
	if len(servers) > 0 {
		addrs := make([]string, 0, len(servers))
		for _, server := range servers {
			if _, _, err := net.SplitHostPort(server); err != nil {
				server = net.JoinHostPort(server, "53")
			}
			addrs = append(addrs, server)
		}
		var next atomic.Uint32
		r.resolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				addr := addrs[int(next.Add(1)-1)%len(addrs)]
				d := net.Dialer{Timeout: timeout}
				return d.DialContext(ctx, network, addr)
			},
		}
	}
	return r
}

// Resolve returns the first IPv4 address of host.
func (r *Resolver) Resolve(ctx context.Context, host string) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	ips, err := r.resolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return "", fmt.Errorf("%w: %v: %v", ErrResolution, host, err)
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("%w: %v: no IPv4 address", ErrResolution, host)
	}
	ip := ips[0].String()
	r.log.Infof("resolved %v to %v", host, ip)
	return ip, nil
}

// HostResolverRule maps host to ip in the format of Chromium's --host-resolver-rules switch.
func HostResolverRule(host string, ip string) string {
	return fmt.Sprintf("MAP %s %s", host, ip)
}
