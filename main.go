package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/socksbridge/internal/access"
	"github.com/die-net/socksbridge/internal/dialer"
	"github.com/die-net/socksbridge/internal/metrics"
	"github.com/die-net/socksbridge/internal/proxy"
	"github.com/die-net/socksbridge/internal/socks5"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		httpListen = pflag.String("http-listen", "0.0.0.0:8080", "HTTP proxy listen address")
		reusePort  = pflag.Bool("reuse-port", false, "Set SO_REUSEPORT on the HTTP proxy listener")

		upstream      = pflag.String("upstream", defaultUpstream(), "Upstream SOCKS5 proxy URL: socks5://[user:pass@]host[:port]")
		socksUser     = pflag.String("socks-user", "", "SOCKS5 username (overrides credentials in --upstream)")
		socksPassword = pflag.String("socks-password", "", "SOCKS5 password")
		dnsServer     = pflag.String("dns-server", "", "Resolve target names locally through this DNS server (host[:port]) instead of at the SOCKS5 proxy. Empty disables.")

		proxyAuth        = pflag.String("proxy-auth", "", "Require clients to send Proxy-Authorization Basic user:pass. Empty disables.")
		allowedDomains   = pflag.StringSlice("allowed-domains", nil, "Comma-separated destination allowlist; a leading dot also allows subdomains (e.g. example.org,.example.net). Empty allows all.")
		upstreamHTTPAuth = pflag.String("upstream-http-auth", "", "Send Authorization Basic user:pass on forwarded plain HTTP requests. Empty disables.")

		debugListen        = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for TCP connect to the SOCKS5 proxy")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for the SOCKS5 handshake and for reading a request head")
		httpIdleTimeout    = pflag.Duration("http-idle-timeout", 4*time.Minute, "Timeout for idle HTTP proxy connections")
		maxConns           = pflag.Int("max-conns", 0, "Maximum concurrent client connections (0 means unlimited)")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")

		logLevel   = pflag.String("log-level", "info", "Log level: trace|debug|info|warn|error")
		logNoColor = pflag.Bool("log-no-color", false, "Disable colored log output")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if err := setupLogging(*logLevel, *logNoColor); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	cfg := proxy.Config{
		NegotiationTimeout: *negotiationTimeout,
		HTTPIdleTimeout:    *httpIdleTimeout,
		MaxConns:           *maxConns,
		Log:                log.StandardLogger(),
	}

	gateCfg := access.Config{Allowlist: *allowedDomains, Log: cfg.Log}
	if *proxyAuth != "" {
		gateCfg.Credential, err = access.ParseCredential(*proxyAuth)
		if err != nil {
			return fmt.Errorf("invalid --proxy-auth: %w", err)
		}
	}
	cfg.Gate = access.New(gateCfg)

	if *upstreamHTTPAuth != "" {
		cred, err := access.ParseCredential(*upstreamHTTPAuth)
		if err != nil {
			return fmt.Errorf("invalid --upstream-http-auth: %w", err)
		}
		cfg.UpstreamAuthorization = "Basic " + cred.BasicToken()
	}

	var auth *socks5.Auth
	if *socksUser != "" || *socksPassword != "" {
		auth = &socks5.Auth{Username: *socksUser, Password: *socksPassword}
	}

	dialCfg := dialer.Config{
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		KeepAlive:          ka,
		DNSServer:          *dnsServer,
	}

	cfg.Dialer, err = dialer.New(dialCfg, *upstream, auth)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *debugListen != "" {
		http.Handle("/metrics", metrics.Handler())
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Infof("debug listening on %s", *debugListen)
	}

	ln, err := proxy.ListenTCP("tcp", *httpListen, ka, *reusePort)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	srv := proxy.NewHTTPProxyServer(ctx, cfg)
	context.AfterFunc(ctx, func() {
		_ = srv.Close()
		_ = ln.Close()
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil {
			return fmt.Errorf("http proxy serve: %w", err)
		}
		return nil
	})
	log.WithField("upstream", redactUpstream(*upstream)).Infof("http proxy listening on %s", *httpListen)

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Info("shutting down")
	return err
}

func setupLogging(level string, noColor bool) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	log.SetFormatter(&nested.Formatter{
		NoColors:        noColor,
		TimestampFormat: time.RFC3339,
		FieldsOrder:     []string{"client", "target", "reason"},
	})
	return nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "socks5://127.0.0.1:1080"
}

// redactUpstream hides the password of an upstream URL for logging.
func redactUpstream(upstream string) string {
	scheme, rest, ok := strings.Cut(upstream, "://")
	if !ok {
		return upstream
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return upstream
	}
	user, _, hasPass := strings.Cut(userinfo, ":")
	if hasPass {
		userinfo = user + ":xxxxx"
	}
	return scheme + "://" + userinfo + "@" + host
}
