// Package dnsauthority implements the DNS backend: authoritative
// answers for the one zone this service owns (TXT records publishing
// each account's DID under _did.<username>.<origin>, plus SOA), and a
// forwarding path that resolves every other name against upstream
// resolvers the way a normal recursive-aware stub would.
package dnsauthority

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/miekg/dns"
)

// Forwarder exchanges queries with a configured set of upstream
// resolvers on behalf of names outside this service's zone.
type Forwarder struct {
	Client  *dns.Client
	Servers []string
}

// NewForwarder constructs a Forwarder that dials servers with the
// given per-query timeout.
func NewForwarder(dialTimeout time.Duration, servers []string) *Forwarder {
	client := new(dns.Client)
	client.DialTimeout = dialTimeout
	return &Forwarder{Client: client, Servers: servers}
}

// Exchange forwards m to a randomly chosen configured server and
// returns its response. DNSSEC OK is set so validation isn't silently
// dropped by an intermediate resolver.
func (f *Forwarder) Exchange(m *dns.Msg) (*dns.Msg, time.Duration, error) {
	if len(f.Servers) < 1 {
		return nil, 0, fmt.Errorf("dnsauthority: forwarder has no upstream servers configured")
	}
	m.SetEdns0(4096, true)
	chosen := f.Servers[rand.Intn(len(f.Servers))]
	return f.Client.Exchange(m, chosen)
}

// ExchangeOne builds and forwards a single-question query for
// hostname/qtype, the shape most callers want.
func (f *Forwarder) ExchangeOne(hostname string, qtype uint16) (*dns.Msg, time.Duration, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(hostname), qtype)
	return f.Exchange(m)
}
