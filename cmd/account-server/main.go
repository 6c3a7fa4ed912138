// account-server runs the account/capability HTTP API and the
// authoritative DNS backend from one process, the way boulder's
// per-role binaries each wrap one of the ACME CA's services in a
// config-driven main().
package main

import (
	"flag"
	"net/http"
	"time"

	"github.com/jmhodges/clock"

	"github.com/fission-codes/account-service/cmd"
	"github.com/fission-codes/account-service/internal/account"
	"github.com/fission-codes/account-service/internal/authority"
	"github.com/fission-codes/account-service/internal/blog"
	"github.com/fission-codes/account-service/internal/db"
	"github.com/fission-codes/account-service/internal/delegation"
	"github.com/fission-codes/account-service/internal/dnsauthority"
	"github.com/fission-codes/account-service/internal/emailverify"
	"github.com/fission-codes/account-service/internal/identity"
	"github.com/fission-codes/account-service/internal/revocation"
	"github.com/fission-codes/account-service/internal/tokenstore"
	"github.com/fission-codes/account-service/internal/web"
	"github.com/fission-codes/account-service/metrics/measured_http"
)

type config struct {
	AccountServer struct {
		cmd.ServiceConfig

		ListenAddress string
		DNSAddress    string

		DBConnect cmd.ConfigSecret
		DBDriver  string

		KeyFile string
		GenKey  bool

		// Relay turns on the development-mode websocket fan-out
		// (GET /api/v0/relay/{topic}) that email-code delivery uses
		// in place of a real mail transport.
		Relay bool

		Zone struct {
			Origin     string
			SOAMailbox string
			TTL        uint32
		}

		UpstreamDNS     []string
		DNSDialTimeout  cmd.ConfigDuration
		RootKeyLifetime cmd.ConfigDuration

		// RequestTimeout bounds every HTTP request; exceeding it answers
		// RequestTimeout instead of leaving the client to hang on a
		// stuck database or upstream call.
		RequestTimeout cmd.ConfigDuration
	}

	Syslog cmd.SyslogConfig
}

func main() {
	configFile := flag.String("config", "", "Path to the account-server JSON config file")
	env := flag.String("env", "prod", "Deployment environment: \"local\" (enables the websocket relay for email-code delivery) or \"prod\"")
	flag.Parse()

	var c config
	err := cmd.ReadConfigFile(*configFile, &c)
	cmd.FailOnError(err, "Reading config file")
	err = cmd.LoadEnvOverrides("FISSION_SERVER_", &c)
	cmd.FailOnError(err, "Applying environment overrides")

	_, logger := cmd.StatsAndLogging(c.Syslog)

	driver := c.AccountServer.DBDriver
	if driver == "" {
		driver = "mysql"
	}
	dbMap, err := db.NewDbMap(driver, string(c.AccountServer.DBConnect), logger)
	cmd.FailOnError(err, "Connecting to database")

	clk := clock.New()

	service, err := identity.LoadOrGenerateKeyFile(c.AccountServer.KeyFile, c.AccountServer.GenKey)
	cmd.FailOnError(err, "Loading service key file")

	tok := tokenstore.New(dbMap, clk, logger)
	revoke := revocation.New(dbMap, clk, tok)
	accounts := account.New(dbMap, tok, clk, logger, service, c.AccountServer.RootKeyLifetime.Duration)

	var relay *emailverify.Hub
	if c.AccountServer.Relay || *env == "local" {
		relay = emailverify.NewHub(logger)
	}
	emails := emailverify.New(dbMap, clk, relay)

	checker := delegation.New(tok, revoke, clk.Now)
	auth := authority.New(checker)

	mux := http.NewServeMux()
	registerRoutes(mux, auth, accounts, emails, tok, revoke, relay, logger)

	requestTimeout := c.AccountServer.RequestTimeout.Duration
	if requestTimeout == 0 {
		requestTimeout = 30 * time.Second
	}

	dialTimeout := c.AccountServer.DNSDialTimeout.Duration
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}
	forwarder := dnsauthority.NewForwarder(dialTimeout, c.AccountServer.UpstreamDNS)
	dnsServer := dnsauthority.NewServer(dnsauthority.Config{
		Origin:     c.AccountServer.Zone.Origin,
		SOAMailbox: c.AccountServer.Zone.SOAMailbox,
		TTL:        c.AccountServer.Zone.TTL,
	}, accounts, forwarder, logger)
	mux.Handle("/dns-query", dnsauthority.NewDoHHandler(dnsServer))

	go func() {
		cmd.FailOnError(dnsServer.ListenAndServe(c.AccountServer.DNSAddress), "Running DNS server")
	}()

	if c.AccountServer.DebugAddr != "" {
		go cmd.DebugServer(c.AccountServer.DebugAddr)
	}

	go cmd.CatchSignals(logger, nil)

	logger.Info("account-server listening on " + c.AccountServer.ListenAddress + " (service DID " + service.DID.String() + ")")
	measured := measured_http.New(mux, clk)
	handler := web.Timeout(measured, requestTimeout, logger)
	cmd.FailOnError(http.ListenAndServe(c.AccountServer.ListenAddress, handler), "Running HTTP server")
}
