package dnsauthority

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/fission-codes/account-service/internal/blog"
	"github.com/fission-codes/account-service/internal/identity"
)

// AccountDirectory resolves a username to the DID it should publish
// under _did.<username>.<origin>. cmd/account-server passes its
// *account.Engine, whose LookupDID wraps GetByUsername and translates
// its NotFound apierror into found=false.
type AccountDirectory interface {
	LookupDID(ctx context.Context, username string) (did identity.DID, found bool, err error)
}

// Config describes the one zone this server answers authoritatively
// for. The upstream servers everything else is forwarded to belong to
// the Forwarder passed to NewServer.
type Config struct {
	// Origin is the zone this server is authoritative for, e.g.
	// "fission.name.". Queries for names inside it are answered from
	// the account directory; everything else is forwarded.
	Origin string
	// SOAMailbox and TTL populate the SOA record served for the zone
	// apex; its serial is the current Unix time and its
	// refresh/retry/expire values are fixed in soaRecord. TTL is also
	// the TTL of every TXT answer.
	SOAMailbox string
	TTL        uint32
}

// Server answers _did.<username>.<origin> TXT queries authoritatively
// from accounts and forwards every other query upstream.
type Server struct {
	cfg       Config
	accounts  AccountDirectory
	forwarder *Forwarder
	log       blog.Logger
}

// NewServer returns a Server ready to be handed to a *dns.Server via
// its Handler method, or served directly with ListenAndServe.
func NewServer(cfg Config, accounts AccountDirectory, forwarder *Forwarder, log blog.Logger) *Server {
	if !strings.HasSuffix(cfg.Origin, ".") {
		cfg.Origin += "."
	}
	return &Server{cfg: cfg, accounts: accounts, forwarder: forwarder, log: log}
}

// ServeDNS implements dns.Handler, the entry point miekg/dns calls for
// every received query.
func (s *Server) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(req)
	m.Authoritative = false

	if len(req.Question) != 1 {
		m.SetRcode(req, dns.RcodeFormatError)
		_ = w.WriteMsg(m)
		return
	}
	q := req.Question[0]

	if dns.IsSubDomain(s.cfg.Origin, q.Name) {
		s.answerAuthoritative(context.Background(), m, q)
		_ = w.WriteMsg(m)
		return
	}

	resp, _, err := s.forwarder.Exchange(req)
	if err != nil {
		s.log.Warning(fmt.Sprintf("dnsauthority: forwarding %s: %s", q.Name, err))
		m.SetRcode(req, dns.RcodeServerFailure)
		_ = w.WriteMsg(m)
		return
	}
	resp.Id = req.Id
	_ = w.WriteMsg(resp)
}

// answerAuthoritative fills m with the service's own answer for a
// query inside its zone: TXT records for a _did.<username> lookup,
// SOA for the bare apex, and NXDOMAIN otherwise.
func (s *Server) answerAuthoritative(ctx context.Context, m *dns.Msg, q dns.Question) {
	m.Authoritative = true

	if q.Name == s.cfg.Origin && q.Qtype == dns.TypeSOA {
		m.Answer = append(m.Answer, s.soaRecord())
		return
	}

	username, ok := usernameFromDIDQuery(q.Name, s.cfg.Origin)
	if !ok || q.Qtype != dns.TypeTXT {
		m.Ns = append(m.Ns, s.soaRecord())
		m.SetRcode(m, dns.RcodeNameError)
		return
	}

	did, found, err := s.accounts.LookupDID(ctx, username)
	if err != nil {
		s.log.Warning(fmt.Sprintf("dnsauthority: looking up %q: %s", username, err))
	}
	if err != nil || !found {
		m.Ns = append(m.Ns, s.soaRecord())
		m.SetRcode(m, dns.RcodeNameError)
		return
	}

	rr := &dns.TXT{
		Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: s.cfg.TTL},
		Txt: []string{did.String()},
	}
	m.Answer = append(m.Answer, rr)
}

// usernameFromDIDQuery extracts "alice" out of a query name of the
// form "_did.alice.fission.name.", scoped to origin.
func usernameFromDIDQuery(name, origin string) (string, bool) {
	if !strings.HasSuffix(name, "."+origin) && name != origin {
		return "", false
	}
	prefix := strings.TrimSuffix(name, origin)
	labels := dns.SplitDomainName(prefix)
	if len(labels) != 2 || labels[0] != "_did" {
		return "", false
	}
	return labels[1], true
}

func (s *Server) soaRecord() *dns.SOA {
	return &dns.SOA{
		Hdr:     dns.RR_Header{Name: s.cfg.Origin, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: s.cfg.TTL},
		Ns:      s.cfg.Origin,
		Mbox:    s.cfg.SOAMailbox,
		Serial:  uint32(time.Now().Unix()),
		Refresh: 3600,
		Retry:   600,
		Expire:  604800,
		Minttl:  s.cfg.TTL,
	}
}

// ListenAndServe starts both a UDP and TCP authoritative listener on
// addr, returning once either fails to start.
func (s *Server) ListenAndServe(addr string) error {
	errCh := make(chan error, 2)
	udp := &dns.Server{Addr: addr, Net: "udp", Handler: s}
	tcp := &dns.Server{Addr: addr, Net: "tcp", Handler: s}
	go func() { errCh <- udp.ListenAndServe() }()
	go func() { errCh <- tcp.ListenAndServe() }()
	return <-errCh
}
