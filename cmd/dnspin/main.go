// Command dnspin keeps a DNS hostname pointed at this machine's public
// IP addresses. It runs once and exits, suitable for cron, or stays
// resident with -interval.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"github.com/dnspin/dnspin"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "dnspin:", err)
		os.Exit(1)
	}
}

func run() error {
	// .env must load before flag definitions read the environment.
	if err := loadDotenv(); err != nil {
		return err
	}

	var (
		configPath    = flag.String("config", envOr("DNSPIN_CONFIG", ""), "path to a YAML config file")
		hostname      = flag.String("hostname", envOr("TARGET_HOSTNAME", ""), "DNS hostname to keep updated")
		zone          = flag.String("zone", envOr("ZONE_ID", ""), "provider zone ID, discovered from the hostname when empty")
		tokenFile     = flag.String("token-file", envOr("PROVIDER_TOKEN_FILE", ""), "file holding the provider API token, used instead of PROVIDER_TOKEN")
		ipv4          = flag.Bool("ipv4", false, "update only the A record")
		ipv6          = flag.Bool("ipv6", false, "update only the AAAA record")
		ttl           = flag.Int("ttl", envOrInt("DNSPIN_TTL", defaultTTL), "TTL in seconds for newly created records, 1 means automatic")
		proxied       = flag.Bool("proxied", envOrBool("DNSPIN_PROXIED", false), "create new records with the provider proxy enabled")
		echoIPv4      = flag.String("echo-ipv4", envOr("DNSPIN_ECHO_IPV4", ""), "IPv4 echo service URL")
		echoIPv6      = flag.String("echo-ipv6", envOr("DNSPIN_ECHO_IPV6", ""), "IPv6 echo service URL")
		interval      = flag.Duration("interval", envOrDuration("DNSPIN_INTERVAL", 0), "keep running, reconciling at this interval; 0 runs once and exits")
		listen        = flag.String("listen", envOr("DNSPIN_LISTEN", ""), "address for health and metrics endpoints in interval mode, e.g. :9120")
		retryAttempts = flag.Int("retry-attempts", envOrInt("DNSPIN_RETRY_ATTEMPTS", defaultRetryAttempts), "maximum tries per provider call for transient failures")
		retryDelay    = flag.Duration("retry-delay", envOrDuration("DNSPIN_RETRY_DELAY", defaultRetryDelay), "base delay between provider retries")
		dryRun        = flag.Bool("dry-run", envOrBool("DNSPIN_DRY_RUN", false), "report what would change without writing records")
		setup         = flag.Bool("setup", false, "prompt for a provider API token, verify it, and store it")
		show          = flag.Bool("show", false, "print the current records for the hostname and exit")
		check         = flag.Bool("check", false, "after the run, ask a DNS resolver whether the new address is visible")
		checkServer   = flag.String("check-server", envOr("DNSPIN_CHECK_SERVER", ""), "DNS server for -check as host:port, defaults to the system resolver")
		logLevel      = flag.String("log-level", envOr("DNSPIN_LOG_LEVEL", defaultLogLevel), "debug, info, warn, or error")
		logFormat     = flag.String("log-format", envOr("DNSPIN_LOG_FORMAT", defaultLogFormat), "console or json")
		logDir        = flag.String("log-dir", envOr("DNSPIN_LOG_DIR", ""), "also write logs to a dated file in this directory")
		verbose       = flag.Bool("v", false, "shorthand for -log-level debug")
		showVersion   = flag.Bool("version", false, "print the version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("dnspin", version)
		return nil
	}

	cfg := settings{
		Hostname:      *hostname,
		ZoneID:        *zone,
		TokenFile:     *tokenFile,
		TTL:           *ttl,
		Proxied:       *proxied,
		EchoIPv4:      *echoIPv4,
		EchoIPv6:      *echoIPv6,
		Interval:      duration(*interval),
		Listen:        *listen,
		RetryAttempts: *retryAttempts,
		RetryDelay:    duration(*retryDelay),
		CheckServer:   *checkServer,
		LogLevel:      *logLevel,
		LogFormat:     *logFormat,
		LogDir:        *logDir,
	}
	if *configPath != "" {
		file, err := loadConfigFile(*configPath)
		if err != nil {
			return err
		}
		cfg.merge(file)
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}

	log, closeLogs, err := buildLogger(cfg, time.Now())
	if err != nil {
		return err
	}
	defer closeLogs()

	tokenPath := cfg.TokenFile
	if tokenPath == "" {
		tokenPath = filepath.Join(os.Getenv("HOME"), ".dnspin-token")
	}
	if *setup {
		return runSetup(tokenPath, log)
	}

	if err := cfg.validate(); err != nil {
		return err
	}
	if *check && cfg.Interval > 0 {
		return errors.New("-check applies to single runs, drop it or drop -interval")
	}

	token, err := loadToken(tokenPath, cfg.TokenFile != "")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	if *show {
		provider, err := dnspin.NewCloudflare(token)
		if err != nil {
			return err
		}
		return showRecords(ctx, provider, cfg.ZoneID, cfg.Hostname)
	}

	opts := []dnspin.Option{
		dnspin.UsingCloudflare(token),
		dnspin.UsingEchoServices(cfg.EchoIPv4, cfg.EchoIPv6),
		dnspin.WithLogger(log),
		dnspin.WithFamilies(selectFamilies(*ipv4, *ipv6)...),
		dnspin.WithTTL(cfg.TTL),
		dnspin.WithProxied(cfg.Proxied),
		dnspin.WithRetry(cfg.RetryAttempts, time.Duration(cfg.RetryDelay), maxRetryDelay),
		dnspin.WithDryRun(*dryRun),
	}
	if cfg.ZoneID != "" {
		opts = append(opts, dnspin.WithZone(cfg.ZoneID))
	}
	client, err := dnspin.New(cfg.Hostname, opts...)
	if err != nil {
		return err
	}

	log.V(1).Info("starting dnspin", "version", version, "host", cfg.Hostname, "dry_run", *dryRun)

	if cfg.Interval > 0 {
		startObserveServer(ctx, cfg.Listen, client, log)
		if err := dnspin.RunEvery(ctx, client, time.Duration(cfg.Interval), log); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	outcomes, err := client.Run(ctx)
	if *check {
		runCheck(ctx, dnspin.NewChecker(cfg.CheckServer), cfg.Hostname, outcomes, log)
	}
	if err != nil {
		return fmt.Errorf("reconciliation failed: %w", err)
	}
	return nil
}

// selectFamilies maps the -ipv4 and -ipv6 flags onto the address
// families to manage. Neither flag set means both.
func selectFamilies(ipv4, ipv6 bool) []dnspin.Family {
	switch {
	case ipv4 && !ipv6:
		return []dnspin.Family{dnspin.IPv4}
	case ipv6 && !ipv4:
		return []dnspin.Family{dnspin.IPv6}
	}
	return []dnspin.Family{dnspin.IPv4, dnspin.IPv6}
}

// runSetup interactively collects a provider API token, verifies it
// against the provider, and stores it in a file only the current user
// can read. The token is read without terminal echo and never logged.
func runSetup(path string, log logr.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("token file %s already exists, remove it to run setup again", path)
	}

	fmt.Print("Enter provider API token: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("reading token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return errors.New("no token entered")
	}

	provider, err := dnspin.NewCloudflare(token)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := provider.VerifyToken(ctx); err != nil {
		return fmt.Errorf("token verification failed: %w", err)
	}
	log.Info("token verified")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("creating token file: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, token); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	log.Info("token stored", "path", path)
	return nil
}

// loadToken finds the provider credential. An explicitly configured
// token file wins, then the PROVIDER_TOKEN environment variable, then
// the default token file written by -setup.
func loadToken(path string, explicit bool) (string, error) {
	if explicit {
		return readTokenFile(path)
	}
	if t := strings.TrimSpace(os.Getenv("PROVIDER_TOKEN")); t != "" {
		return t, nil
	}
	if _, err := os.Stat(path); err == nil {
		return readTokenFile(path)
	}
	return "", errors.New("no credential found: set PROVIDER_TOKEN, pass -token-file, or run -setup first")
}

func readTokenFile(path string) (string, error) {
	if err := verifyPermissions(path); err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening token file: %w", err)
	}
	defer f.Close()
	line, _, err := bufio.NewReader(f).ReadLine()
	if err != nil {
		return "", fmt.Errorf("reading token file %s: %w", path, err)
	}
	token := strings.TrimSpace(string(line))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	return token, nil
}

// verifyPermissions refuses group or world readable token files.
// 0400 is accepted because secret mounts are often read-only.
func verifyPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("checking token file: %w", err)
	}
	perms := info.Mode().Perm()
	if perms != 0600 && perms != 0400 {
		return fmt.Errorf("refusing to read %s: permissions are %v, expected -rw------- or -r--------", path, fs.FileMode(perms))
	}
	return nil
}

// showRecords prints the A and AAAA records the provider currently
// holds for the hostname.
func showRecords(ctx context.Context, provider *dnspin.Cloudflare, zoneID, hostname string) error {
	if zoneID == "" {
		var err error
		zoneID, err = provider.ZoneIDForHost(ctx, hostname)
		if err != nil {
			return fmt.Errorf("discovering zone: %w", err)
		}
	}

	var rows []dnspin.Record
	for _, rtype := range []string{"A", "AAAA"} {
		records, err := provider.Records(ctx, zoneID, hostname, rtype)
		if err != nil {
			return fmt.Errorf("listing %s records: %w", rtype, err)
		}
		rows = append(rows, records...)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Type", "Name", "Content", "TTL", "Proxied", "ID"})
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_CENTER, tablewriter.ALIGN_LEFT,
	})
	table.SetAutoWrapText(false)
	for _, r := range rows {
		ttl := strconv.Itoa(r.TTL)
		if r.TTL == 1 {
			ttl = "auto"
		}
		table.Append([]string{r.Type, r.Name, r.Content, ttl, strconv.FormatBool(r.Proxied), r.ID})
	}
	table.Render()
	return nil
}

// runCheck reports whether a resolver already serves the reconciled
// addresses. Propagation lag is normal, so a miss is informational and
// never changes the exit status.
func runCheck(ctx context.Context, checker *dnspin.Checker, hostname string, outcomes []dnspin.Outcome, log logr.Logger) {
	for _, out := range outcomes {
		if out.Failed() {
			continue
		}
		addr, err := netip.ParseAddr(out.Content)
		if err != nil {
			continue
		}
		served, err := checker.Serves(ctx, hostname, addr)
		if err != nil {
			log.Error(err, "propagation check failed", "family", out.Family.String())
			continue
		}
		if served {
			log.Info("resolver serves the address", "family", out.Family.String(), "address", out.Content)
		} else {
			log.Info("resolver does not serve the address yet", "family", out.Family.String(), "address", out.Content)
		}
	}
}

// startObserveServer exposes /healthz, /readyz, and /metrics while the
// process runs in interval mode. Readiness reflects the most recent
// reconciliation pass.
func startObserveServer(ctx context.Context, addr string, client *dnspin.Client, log logr.Logger) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !client.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "not ready")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error(err, "observe server shutdown")
		}
	}()
	go func() {
		log.Info("observe server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "observe server failed")
		}
	}()
}
