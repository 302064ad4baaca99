// Package dns defines the provider-neutral DNS Driver interface and the
// propagation waiters shared by every concrete driver.
package dns

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"
)

// Driver is implemented by internal/dns/cloudflare and internal/dns/route53.
// The Phase Orchestrator depends only on this interface; the Certificate
// Pipeline additionally depends on its TXT methods to publish and retract
// the _acme-challenge record a DNS-01 issuance needs.
type Driver interface {
	UpsertARecord(ctx context.Context, zone, name, ipv4 string, ttl int) error
	DeleteARecord(ctx context.Context, zone, name string) error
	UpsertTXTRecord(ctx context.Context, zone, name, value string, ttl int) error
	DeleteTXTRecord(ctx context.Context, zone, name, value string) error
}

// Resolver is the subset of net.Resolver WaitForGlobalResolution needs,
// narrowed so tests can substitute a fake without a real network.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// TXTResolver is the subset of net.Resolver WaitForTXTPropagation needs.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// publicResolverAddrs are independent, well-known public resolvers every
// propagation check polls in addition to the authoritative ones, so a
// single resolver's stale cache can't mask a real misconfiguration.
var publicResolverAddrs = []string{"1.1.1.1:53", "8.8.8.8:53"}

func publicNetResolver(addr string) *net.Resolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
}

// netResolvers returns the public resolvers plus one resolver per
// authoritative nameserver for host's zone (best-effort: a failed NS lookup
// just means the authoritative set is empty, not an error), so propagation
// checks see the record landing at its source, not only at a recursive
// resolver that may cache it later than expected.
func netResolvers(ctx context.Context, host string) []*net.Resolver {
	out := make([]*net.Resolver, 0, len(publicResolverAddrs)+2)
	for _, addr := range publicResolverAddrs {
		out = append(out, publicNetResolver(addr))
	}
	if nss, err := net.DefaultResolver.LookupNS(ctx, apex(host)); err == nil {
		for _, ns := range nss {
			out = append(out, publicNetResolver(net.JoinHostPort(strings.TrimSuffix(ns.Host, "."), "53")))
		}
	}
	return out
}

// apex trims one leading wildcard or challenge label so an NS lookup of
// "_acme-challenge.example.com" or "*.example.com" still resolves against
// "example.com" rather than a name with no NS records of its own.
func apex(host string) string {
	host = strings.TrimPrefix(host, "*.")
	host = strings.TrimPrefix(host, "_acme-challenge.")
	return host
}

func buildResolvers(ctx context.Context, host string) []Resolver {
	out := make([]Resolver, 0)
	for _, r := range netResolvers(ctx, host) {
		out = append(out, r)
	}
	return out
}

func buildTXTResolvers(ctx context.Context, host string) []TXTResolver {
	out := make([]TXTResolver, 0)
	for _, r := range netResolvers(ctx, host) {
		out = append(out, r)
	}
	return out
}

// WaitForGlobalResolution polls until two consecutive observations across
// all configured resolvers return the expected IP, at least
// convergenceGap apart, or until deadline elapses, treating a single
// lucky poll as insufficient evidence of real propagation.
func WaitForGlobalResolution(ctx context.Context, host, expectedIP string, deadline time.Duration) error {
	return waitForGlobalResolution(ctx, buildResolvers(ctx, host), host, expectedIP, deadline, 30*time.Second, 10*time.Second)
}

func waitForGlobalResolution(ctx context.Context, resolvers []Resolver, host, expectedIP string, deadline, convergenceGap, pollInterval time.Duration) error {
	end := time.Now().Add(deadline)
	var firstMatchAt time.Time

	for {
		if allResolversAgree(ctx, resolvers, host, expectedIP) {
			now := time.Now()
			if firstMatchAt.IsZero() {
				firstMatchAt = now
			} else if now.Sub(firstMatchAt) >= convergenceGap {
				return nil
			}
		} else {
			firstMatchAt = time.Time{}
		}

		if time.Now().After(end) {
			return &PropagationTimeoutError{Host: host, ExpectedIP: expectedIP, Waited: deadline}
		}

		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// allResolversAgree queries every resolver concurrently: a propagation
// check that ran them one at a time would let an early timeout on one slow
// resolver inflate the whole poll interval.
func allResolversAgree(ctx context.Context, resolvers []Resolver, host, expectedIP string) bool {
	if len(resolvers) == 0 {
		return false
	}
	var wg sync.WaitGroup
	agree := make([]bool, len(resolvers))
	for i, r := range resolvers {
		wg.Add(1)
		go func(i int, r Resolver) {
			defer wg.Done()
			addrs, err := r.LookupHost(ctx, host)
			if err != nil {
				return
			}
			for _, a := range addrs {
				if a == expectedIP {
					agree[i] = true
					return
				}
			}
		}(i, r)
	}
	wg.Wait()
	for _, ok := range agree {
		if !ok {
			return false
		}
	}
	return true
}

// WaitForTXTPropagation polls until every configured resolver reports
// expectedValue among a TXT name's values, or until deadline elapses. Unlike
// WaitForGlobalResolution it does not require two consecutive observations:
// an ACME validation server will itself re-query before accepting the
// challenge, so a single converged poll is sufficient evidence here.
func WaitForTXTPropagation(ctx context.Context, fqdn, expectedValue string, deadline time.Duration) error {
	return waitForTXTPropagation(ctx, buildTXTResolvers(ctx, fqdn), fqdn, expectedValue, deadline, 10*time.Second)
}

func waitForTXTPropagation(ctx context.Context, resolvers []TXTResolver, fqdn, expectedValue string, deadline, pollInterval time.Duration) error {
	end := time.Now().Add(deadline)
	for {
		if allTXTResolversAgree(ctx, resolvers, fqdn, expectedValue) {
			return nil
		}
		if time.Now().After(end) {
			return &TXTPropagationTimeoutError{Host: fqdn, ExpectedValue: expectedValue, Waited: deadline}
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func allTXTResolversAgree(ctx context.Context, resolvers []TXTResolver, fqdn, expectedValue string) bool {
	if len(resolvers) == 0 {
		return false
	}
	var wg sync.WaitGroup
	agree := make([]bool, len(resolvers))
	for i, r := range resolvers {
		wg.Add(1)
		go func(i int, r TXTResolver) {
			defer wg.Done()
			values, err := r.LookupTXT(ctx, fqdn)
			if err != nil {
				return
			}
			for _, v := range values {
				if v == expectedValue {
					agree[i] = true
					return
				}
			}
		}(i, r)
	}
	wg.Wait()
	for _, ok := range agree {
		if !ok {
			return false
		}
	}
	return true
}

// PropagationTimeoutError reports that a DNS record did not converge to the
// expected value within the allotted deadline.
type PropagationTimeoutError struct {
	Host       string
	ExpectedIP string
	Waited     time.Duration
}

func (e *PropagationTimeoutError) Error() string {
	return "dns: " + e.Host + " did not resolve to " + e.ExpectedIP + " within " + e.Waited.String()
}

// TXTPropagationTimeoutError reports that a TXT record did not converge to
// the expected value within the allotted deadline.
type TXTPropagationTimeoutError struct {
	Host          string
	ExpectedValue string
	Waited        time.Duration
}

func (e *TXTPropagationTimeoutError) Error() string {
	return "dns: " + e.Host + " TXT record did not converge to the expected value within " + e.Waited.String()
}
