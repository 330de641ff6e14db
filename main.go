package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
)

const serviceName = "amp-pool-proxy"

type config struct {
	listenPort       int
	upstreamBase     *url.URL
	ampAPIKey        string
	credentialsPath  string
	debug            bool
	logFile          string
	codexFingerprint bool
	enabledPools     map[pool]bool
	modelMap         map[string]string
}

func defaultCredentialsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".amp-pool-proxy", "credentials.db")
	}
	return filepath.Join(home, ".amp-pool-proxy", "credentials.db")
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		log.Fatalf("invalid URL %q: %v", raw, err)
	}
	return u
}

func buildConfig() config {
	configFile, err := loadConfigFile("config.toml")
	if err != nil {
		log.Fatalf("load config.toml: %v", err)
	}
	var fileCfg ConfigFile
	if configFile != nil {
		fileCfg = *configFile
	}

	cfg := config{}
	cfg.listenPort = getConfigInt("PROXY_LISTEN_PORT", fileCfg.ListenPort, 10987)
	cfg.upstreamBase = mustParseURL(getConfigString("AMP_UPSTREAM_BASE", fileCfg.UpstreamBase, "https://ampcode.com"))
	cfg.ampAPIKey = getConfigString("AMP_API_KEY", fileCfg.AmpAPIKey, "")
	cfg.credentialsPath = getConfigString("PROXY_CREDENTIALS_PATH", fileCfg.CredentialsPath, defaultCredentialsPath())
	cfg.debug = getConfigBool("PROXY_DEBUG", fileCfg.Debug, false)
	cfg.logFile = getConfigString("PROXY_LOG_FILE", fileCfg.LogFile, "")
	cfg.codexFingerprint = getConfigBool("PROXY_CODEX_FINGERPRINT", fileCfg.CodexFingerprint, false)
	cfg.enabledPools = map[pool]bool{
		poolAnthropic:   !getConfigBool("PROXY_DISABLE_ANTHROPIC", fileCfg.DisableAnthropic, false),
		poolCodex:       !getConfigBool("PROXY_DISABLE_CODEX", fileCfg.DisableCodex, false),
		poolGemini:      !getConfigBool("PROXY_DISABLE_GOOGLE", fileCfg.DisableGoogle, false),
		poolAntigravity: !getConfigBool("PROXY_DISABLE_GOOGLE", fileCfg.DisableGoogle, false),
	}
	cfg.modelMap = fileCfg.ModelMap

	flag.IntVar(&cfg.listenPort, "port", cfg.listenPort, "listen port")
	flag.BoolVar(&cfg.debug, "debug", cfg.debug, "debug logging")
	flag.Parse()
	return cfg
}

// proxyHandler wires the request pipeline together. Everything it holds is
// constructed once at startup and passed down explicitly.
type proxyHandler struct {
	cfg            config
	store          *credStore
	engine         *oauthEngine
	cooldown       *cooldownTracker
	affinity       *affinityMap
	router         *router
	stats          *statsRing
	metrics        *metrics
	recent         *recentErrors
	upstreamClient *http.Client
}

func newTransport() *http.Transport {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
	}
	_ = http2.ConfigureTransport(transport)
	return transport
}

func newProxyHandler(cfg config) (*proxyHandler, error) {
	store, err := newCredStore(cfg.credentialsPath)
	if err != nil {
		return nil, err
	}

	transport := newTransport()
	providerClient := &http.Client{Transport: transport}
	codexClient := providerClient
	if cfg.codexFingerprint {
		codexClient = &http.Client{Transport: newRustlsHybridTransport(transport)}
	}

	engine := newOAuthEngine(store, providerClient)
	cooldown := newCooldownTracker()
	affinity := newAffinityMap()
	adapters := []adapter{
		newAnthropicAdapter(engine, providerClient),
		newCodexAdapter(engine, codexClient),
		newGeminiAdapter(engine, providerClient),
		newAntigravityAdapter(engine, providerClient),
	}

	return &proxyHandler{
		cfg:      cfg,
		store:    store,
		engine:   engine,
		cooldown: cooldown,
		affinity: affinity,
		router:   newRouter(store, cooldown, affinity, adapters, cfg.enabledPools),
		stats:    newStatsRing(),
		metrics:  newMetrics(),
		recent:   newRecentErrors(50),
		upstreamClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

func main() {
	if code, handled := runCLI(os.Args[1:]); handled {
		os.Exit(code)
	}

	cfg := buildConfig()
	initLogging(cfg.debug, cfg.logFile)

	h, err := newProxyHandler(cfg)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer h.store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	h.startBackground(ctx)

	srv := &http.Server{
		Addr:              net.JoinHostPort("localhost", strconv.Itoa(cfg.listenPort)),
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       5 * time.Minute,
	}
	http2Srv := &http2.Server{
		MaxConcurrentStreams: 250,
		IdleTimeout:          5 * time.Minute,
	}
	if err := http2.ConfigureServer(srv, http2Srv); err != nil {
		log.Warnf("configure HTTP/2 server: %v", err)
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("%s listening on localhost:%d (upstream=%s, anthropic=%v, codex=%v, google=%v)",
		serviceName, cfg.listenPort, cfg.upstreamBase,
		h.engine.ready(anthropicOAuth), h.engine.ready(codexOAuth), h.engine.ready(googleOAuth))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}
