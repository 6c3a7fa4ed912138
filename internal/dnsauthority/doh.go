package dnsauthority

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/miekg/dns"
)

// DoHHandler serves DNS-over-HTTPS per RFC 8484 -- both the wire-format
// GET (?dns=<base64url>) and POST (application/dns-message body)
// variants -- plus the common Google-JSON variant (?name=&type=) that
// predates RFC 8484 and is still widely used by client libraries that
// never adopted the binary form.
type DoHHandler struct {
	server *Server
}

// NewDoHHandler wraps server for HTTP serving.
func NewDoHHandler(server *Server) *DoHHandler {
	return &DoHHandler{server: server}
}

func (h *DoHHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("name") != "" {
		h.serveJSON(w, r)
		return
	}
	h.serveWire(w, r)
}

// serveWire implements RFC 8484: the query is a raw DNS message,
// either base64url-encoded in the "dns" query parameter (GET) or sent
// as the request body with content-type application/dns-message
// (POST); the response is the raw wire-format answer.
func (h *DoHHandler) serveWire(w http.ResponseWriter, r *http.Request) {
	var raw []byte
	var err error

	switch r.Method {
	case http.MethodGet:
		encoded := r.URL.Query().Get("dns")
		if encoded == "" {
			http.Error(w, "missing dns parameter", http.StatusBadRequest)
			return
		}
		raw, err = base64.RawURLEncoding.DecodeString(encoded)
	case http.MethodPost:
		raw, err = io.ReadAll(io.LimitReader(r.Body, 64*1024))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		http.Error(w, "malformed DNS query", http.StatusBadRequest)
		return
	}

	req := new(dns.Msg)
	if err := req.Unpack(raw); err != nil {
		http.Error(w, "malformed DNS query", http.StatusBadRequest)
		return
	}

	resp := h.exchange(r, req)

	packed, err := resp.Pack()
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/dns-message")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(packed)
}

// jsonAnswer is one entry in the Google-JSON "Answer" array.
type jsonAnswer struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	TTL  uint32 `json:"TTL"`
	Data string `json:"data"`
}

// jsonResponse mirrors Google's dns-json response shape closely
// enough for the client libraries that target it.
type jsonResponse struct {
	Status   int          `json:"Status"`
	TC       bool         `json:"TC"`
	RD       bool         `json:"RD"`
	RA       bool         `json:"RA"`
	AD       bool         `json:"AD"`
	CD       bool         `json:"CD"`
	Question []jsonQ      `json:"Question"`
	Answer   []jsonAnswer `json:"Answer,omitempty"`
}

type jsonQ struct {
	Name string `json:"name"`
	Type int    `json:"type"`
}

func (h *DoHHandler) serveJSON(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	qtypeStr := r.URL.Query().Get("type")
	if qtypeStr == "" {
		qtypeStr = "A"
	}
	qtype, ok := qtypeFromString(qtypeStr)
	if !ok {
		http.Error(w, "unsupported type", http.StatusBadRequest)
		return
	}

	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), qtype)
	req.RecursionDesired = true

	resp := h.exchange(r, req)

	out := jsonResponse{
		Status:   resp.Rcode,
		TC:       resp.Truncated,
		RD:       resp.RecursionDesired,
		RA:       resp.RecursionAvailable,
		AD:       resp.AuthenticatedData,
		CD:       resp.CheckingDisabled,
		Question: []jsonQ{{Name: dns.Fqdn(name), Type: int(qtype)}},
	}
	for _, rr := range resp.Answer {
		out.Answer = append(out.Answer, jsonAnswer{
			Name: rr.Header().Name,
			Type: int(rr.Header().Rrtype),
			TTL:  rr.Header().Ttl,
			Data: rrData(rr),
		})
	}

	w.Header().Set("Content-Type", "application/dns-json")
	_ = json.NewEncoder(w).Encode(out)
}

// exchange routes req through the same authoritative-or-forward logic
// ServeDNS uses, without requiring a real dns.ResponseWriter.
func (h *DoHHandler) exchange(r *http.Request, req *dns.Msg) *dns.Msg {
	rw := &bufferedResponseWriter{}
	h.server.ServeDNS(rw, req)
	if rw.msg == nil {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeServerFailure)
		return m
	}
	return rw.msg
}

func rrData(rr dns.RR) string {
	switch v := rr.(type) {
	case *dns.TXT:
		s := ""
		for _, t := range v.Txt {
			s += t
		}
		return s
	case *dns.A:
		return v.A.String()
	default:
		return rr.String()
	}
}

func qtypeFromString(s string) (uint16, bool) {
	if t, ok := dns.StringToType[s]; ok {
		return t, true
	}
	if n, err := strconv.Atoi(s); err == nil {
		return uint16(n), true
	}
	return 0, false
}

// bufferedResponseWriter captures the message ServeDNS would have
// written over the wire, so DoH can re-render it as wire bytes or JSON
// without standing up a real network listener.
type bufferedResponseWriter struct {
	msg *dns.Msg
}

func (b *bufferedResponseWriter) LocalAddr() net.Addr  { return nil }
func (b *bufferedResponseWriter) RemoteAddr() net.Addr { return nil }
func (b *bufferedResponseWriter) WriteMsg(m *dns.Msg) error {
	b.msg = m
	return nil
}
func (b *bufferedResponseWriter) Write(p []byte) (int, error) { return len(p), nil }
func (b *bufferedResponseWriter) Close() error                { return nil }
func (b *bufferedResponseWriter) TsigStatus() error           { return nil }
func (b *bufferedResponseWriter) TsigTimersOnly(bool)         {}
func (b *bufferedResponseWriter) Hijack()                     {}
