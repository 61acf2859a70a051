package sock

import (
	"context"
	"net"
	"time"

	"github.com/fzft/go-proactor/deadline"
	"github.com/fzft/go-proactor/ioerr"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Resolver turns host/service pairs into candidate addresses, optionally
// caching the answers.
type Resolver struct {
	net   *net.Resolver
	cache *expirable.LRU[string, []net.Addr]
}

// DefaultResolver does not cache.
var DefaultResolver = NewResolver(0, 0)

// NewResolver returns a resolver caching up to size answers for ttl. size <= 0
// disables the cache.
func NewResolver(size int, ttl time.Duration) *Resolver {
	r := &Resolver{net: net.DefaultResolver}
	if size > 0 {
		r.cache = expirable.NewLRU[string, []net.Addr](size, nil, ttl)
	}
	return r
}

// ResolveWithin resolves under the countdown's remaining budget.
func (r *Resolver) ResolveWithin(cd *deadline.Countdown, network, host, service string) ([]net.Addr, error) {
	ctx := context.Background()
	if !cd.IsInfinite() {
		wait, err := cd.Next()
		if err != nil {
			return nil, err
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	addrs, err := r.Resolve(ctx, network, host, service)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return nil, ioerr.ErrTimeout
	}
	return addrs, err
}

// Resolve returns every candidate address for host and service. For the unix
// network host is the socket path and service is ignored.
func (r *Resolver) Resolve(ctx context.Context, network, host, service string) ([]net.Addr, error) {
	if network == "unix" {
		return []net.Addr{&net.UnixAddr{Name: host, Net: "unix"}}, nil
	}
	key := network + "|" + net.JoinHostPort(host, service)
	if r.cache != nil {
		if addrs, ok := r.cache.Get(key); ok {
			return addrs, nil
		}
	}

	port, err := r.net.LookupPort(ctx, network, service)
	if err != nil {
		return nil, err
	}
	if host == "" {
		host = "localhost"
	}
	ips, err := r.net.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	addrs := make([]net.Addr, 0, len(ips))
	for _, ip := range ips {
		is4 := ip.IP.To4() != nil
		if (network == "tcp4" && !is4) || (network == "tcp6" && is4) {
			continue
		}
		addrs = append(addrs, &net.TCPAddr{IP: ip.IP, Port: port, Zone: ip.Zone})
	}
	if len(addrs) == 0 {
		return nil, &net.AddrError{Err: "no suitable address", Addr: host}
	}
	if r.cache != nil {
		r.cache.Add(key, addrs)
	}
	return addrs, nil
}
