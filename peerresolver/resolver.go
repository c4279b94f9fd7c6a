// Package peerresolver discovers the paired KME node's endpoints through
// DNS SRV records, for deployments where the peer address is not pinned in
// configuration.
package peerresolver

import (
	"fmt"

	"github.com/miekg/dns"
)

// DefaultResolverAddr is the local stub resolver.
const DefaultResolverAddr = "127.0.0.53:53"

// Resolver looks up peer endpoints via SRV records.
type Resolver struct {
	// ResolverAddr is the DNS server to query. Defaults to the local stub
	// resolver when empty.
	ResolverAddr string
}

// Resolve queries the SRV record for the given service name and returns
// host:port endpoints in answer order.
func (r *Resolver) Resolve(name string) ([]string, error) {
	server := r.ResolverAddr
	if server == "" {
		server = DefaultResolverAddr
	}

	m := new(dns.Msg)
	m.Id = dns.Id()
	m.RecursionDesired = true
	m.Question = []dns.Question{{
		Name:   dns.Fqdn(name),
		Qtype:  dns.TypeSRV,
		Qclass: dns.ClassINET,
	}}

	c := new(dns.Client)
	in, _, err := c.Exchange(m, server)
	if err != nil {
		return nil, fmt.Errorf("SRV lookup for %s failed: %w", name, err)
	}

	endpoints := make([]string, 0, len(in.Answer))
	for _, ans := range in.Answer {
		srv, ok := ans.(*dns.SRV)
		if !ok {
			continue
		}
		target := srv.Target
		if dns.IsFqdn(target) {
			target = target[:len(target)-1]
		}
		endpoints = append(endpoints, fmt.Sprintf("%s:%d", target, srv.Port))
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no SRV records for %s", name)
	}
	return endpoints, nil
}
