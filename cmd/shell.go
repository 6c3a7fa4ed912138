// This package provides utilities that underlie the specific commands.
// The idea is to make the specific command files very small, e.g.:
//
//    func main() {
//      var c config
//      err := cmd.ReadConfigFile(*configFile, &c)
//      cmd.FailOnError(err, "Reading config file")
//      // command logic
//    }
//
// All commands share the same invocation pattern. They take a single
// parameter "-config", which is the name of a JSON file containing
// the configuration for the app. This JSON file is unmarshalled into
// a config struct local to the command, which embeds ServiceConfig.

package cmd

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"log/syslog"
	"net"
	"net/http"
	_ "net/http/pprof" // HTTP performance profiling, added transparently to HTTP APIs
	"os"
	"os/signal"
	"path"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fission-codes/account-service/internal/blog"
	"github.com/fission-codes/account-service/metrics"
)

// buildVersion is overridden at link time with -ldflags "-X ...".
var buildVersion = "dev"

// Because we don't know when this init will be called with respect to
// flag.Parse() and other flag definitions, we can't rely on the regular
// flag mechanism. But this one is fine.
func init() {
	for _, v := range os.Args {
		if v == "--version" || v == "-version" {
			fmt.Println(VersionString())
			os.Exit(0)
		}
	}
}

// StatsAndLogging constructs a metrics.Scope and a blog.Logger based on
// its config parameters, and returns them both. Crashes if any setup
// fails. Also sets the constructed Logger as the package default.
func StatsAndLogging(logConf SyslogConfig) (metrics.Scope, blog.Logger) {
	scope := metrics.NewPromScope(prometheus.DefaultRegisterer)

	tag := path.Base(os.Args[0])
	syslogger, err := syslog.Dial("", "", syslog.LOG_INFO, tag)
	FailOnError(err, "Could not connect to Syslog")
	syslogLevel := int(syslog.LOG_INFO)
	if logConf.SyslogLevel != 0 {
		syslogLevel = logConf.SyslogLevel
	}
	stdoutLevel := 7
	if logConf.StdoutLevel != nil {
		stdoutLevel = *logConf.StdoutLevel
	}
	logger, err := blog.New(syslogger, stdoutLevel, syslogLevel)
	FailOnError(err, "Could not connect to Syslog")

	_ = blog.Set(logger)

	return scope, logger
}

// FailOnError exits and prints an error message if we encountered a problem.
func FailOnError(err error, msg string) {
	if err != nil {
		logger := blog.Get()
		logger.AuditErr(fmt.Sprintf("%s: %s", msg, err))
		fmt.Fprintf(os.Stderr, "%s: %s\n", msg, err)
		os.Exit(1)
	}
}

// DebugServer starts a server exposing /metrics and pprof's handlers.
// Typical usage is to start it in a goroutine, configured with an
// address from the appropriate configuration object:
//
//   go cmd.DebugServer(c.DebugAddr)
func DebugServer(addr string) {
	if addr == "" {
		blog.Get().Err("unable to boot debug server because no address was given for it. Set debugAddr.")
		return
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		blog.Get().AuditErr(fmt.Sprintf("unable to boot debug server on %#v: %s", addr, err))
		return
	}
	http.Handle("/metrics", promhttp.Handler())
	if err := http.Serve(ln, nil); err != nil {
		blog.Get().AuditErr(fmt.Sprintf("debug server exited: %s", err))
	}
}

// ReadConfigFile takes a file path as an argument and attempts to
// unmarshal the content of the file into a struct containing the
// configuration of a service.
func ReadConfigFile(filename string, out interface{}) error {
	configData, err := ioutil.ReadFile(filename)
	if err != nil {
		return err
	}
	return json.Unmarshal(configData, out)
}

// VersionString produces a friendly application version string.
func VersionString() string {
	name := path.Base(os.Args[0])
	return fmt.Sprintf("Versions: %s=(%s) Golang=(%s)", name, buildVersion, runtime.Version())
}

var signalToName = map[os.Signal]string{
	syscall.SIGTERM: "SIGTERM",
	syscall.SIGINT:  "SIGINT",
	syscall.SIGHUP:  "SIGHUP",
}

// CatchSignals catches SIGTERM, SIGINT, SIGHUP and executes a callback
// before exiting.
func CatchSignals(logger blog.Logger, callback func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)
	signal.Notify(sigChan, syscall.SIGHUP)

	sig := <-sigChan
	logger.Info(fmt.Sprintf("Caught %s", signalToName[sig]))

	if callback != nil {
		callback()
	}

	logger.Info("Exiting")
	os.Exit(0)
}
