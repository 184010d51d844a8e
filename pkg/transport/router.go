package transport

import (
	"golang.org/x/time/rate"
)

// Route classifies an operation for transport selection.
type Route int

const (
	// RouteLocal operations carry credentials, signing or node-local
	// state and never leave the trusted local endpoint.
	RouteLocal Route = iota
	// RouteRemoteEligible operations are read-only and may be served by a
	// remote endpoint when one is usable.
	RouteRemoteEligible
)

// Router picks the transport a request is written to.
type Router interface {
	Select(route Route) Transport
	// Transports lists every transport the router may return, local first.
	Transports() []Transport
}

// NewLocalRouter sends everything to local.
func NewLocalRouter(local Transport) Router {
	return localRouter{local: local}
}

type localRouter struct {
	local Transport
}

func (r localRouter) Select(Route) Transport  { return r.local }
func (r localRouter) Transports() []Transport { return []Transport{r.local} }

// NewThinRouter offloads remote-eligible operations to remote while it is
// writable and the limiter has budget; anything else stays on local. A nil
// limiter means no limit.
func NewThinRouter(local, remote Transport, limiter *rate.Limiter) Router {
	return &thinRouter{local: local, remote: remote, limiter: limiter}
}

// NewRateLimiter converts a per-second budget into a limiter. A
// non-positive rate disables limiting.
func NewRateLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

type thinRouter struct {
	local   Transport
	remote  Transport
	limiter *rate.Limiter
}

func (r *thinRouter) Select(route Route) Transport {
	if route != RouteRemoteEligible || r.remote == nil || !r.remote.Writable() {
		return r.local
	}
	if r.limiter != nil && !r.limiter.Allow() {
		return r.local
	}
	return r.remote
}

func (r *thinRouter) Transports() []Transport {
	if r.remote == nil {
		return []Transport{r.local}
	}
	return []Transport{r.local, r.remote}
}
