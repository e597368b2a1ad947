package main

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/allproxy/internal/api"
	"github.com/dgnsrekt/allproxy/internal/browser"
	"github.com/dgnsrekt/allproxy/internal/certs"
	"github.com/dgnsrekt/allproxy/internal/config"
	"github.com/dgnsrekt/allproxy/internal/controller"
	"github.com/dgnsrekt/allproxy/internal/dispatch"
	"github.com/dgnsrekt/allproxy/internal/grpcproxy"
	"github.com/dgnsrekt/allproxy/internal/httpproxy"
	"github.com/dgnsrekt/allproxy/internal/message"
	"github.com/dgnsrekt/allproxy/internal/mitm"
	"github.com/dgnsrekt/allproxy/internal/netutil"
	"github.com/dgnsrekt/allproxy/internal/observer"
	"github.com/dgnsrekt/allproxy/internal/proxyconfig"
	"github.com/dgnsrekt/allproxy/internal/relay"
	"github.com/dgnsrekt/allproxy/internal/storage"
	"github.com/dgnsrekt/allproxy/internal/tcpproxy"
)

const caValidity = 10 * 365 * 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("allproxy config loaded",
		"listen_port", cfg.ListenPort,
		"grpc_port", cfg.GRPCPort,
		"grpc_secure_port", cfg.GRPCSecurePort,
		"console_addr", cfg.ConsoleAddr,
		"blocking", cfg.Blocking(),
		"http2", cfg.HTTP2,
		"data_dir", cfg.DataDir,
		"config_file", cfg.ConfigFile,
		"archive", cfg.Archive,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("allproxy failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	ca, caKey, err := loadOrCreateCA(cfg.CACert, cfg.CAKey)
	if err != nil {
		return err
	}
	certStore, err := certs.NewStore(cfg.CertDir)
	if err != nil {
		return err
	}
	certManager := certs.NewManager(ca, caKey, certStore)

	files, err := storage.NewDataDir(cfg.FilesDir())
	if err != nil {
		return err
	}
	archive, err := storage.Open(cfg.Archive, cfg.ArchiveDir(), cfg.MaxBodyBytes)
	if err != nil {
		return err
	}
	if archive != nil {
		defer func() {
			if err := archive.Close(); err != nil {
				slog.Error("archive close failed", "error", err)
			}
		}()
	}

	seq := message.NewSequencer()
	builder := message.NewBuilder(seq)
	resolver := netutil.NewHostResolver()
	peers := &netutil.PeerMap{}

	store := proxyconfig.NewStore()

	var browsers observer.Browsers
	if !cfg.Docker {
		launcher := browser.NewLauncher(browser.Config{ProxyPort: cfg.ListenPort, ProfileDir: cfg.BrowserProfileDir()})
		defer launcher.Close()
		browsers = launcher
	}

	observers := observer.NewManager(observer.Options{
		Store:      store,
		Sequencer:  seq,
		ConfigPath: cfg.ConfigFile,
		DataDir:    files,
		Browsers:   browsers,
	})
	defer observers.Close()

	tcp := tcpproxy.New(tcpproxy.Options{
		Builder:      builder,
		Emitter:      observers,
		Resolver:     resolver,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	store.SetActivator(tcp)

	relayCfg, err := relay.LoadConfig(cfg.RelayConfig)
	if err != nil {
		return err
	}
	broker := relay.NewBroker()
	feeds := relay.NewRelay(relayCfg, broker)
	observers.AddSink(feeds)
	if archive != nil {
		observers.AddSink(observer.SinkFunc(archive.Record))
	}

	rules, err := proxyconfig.Load(cfg.ConfigFile)
	if err != nil {
		return err
	}
	store.SeedPending(rules)
	slog.Info("proxy rules loaded", "file", cfg.ConfigFile, "rules", len(rules))

	consoleAddr, err := netutil.SelectBindAddr(cfg.ConsoleAddr, cfg.ConsoleFallbacks, true)
	if err != nil {
		return fmt.Errorf("select console address: %w", err)
	}
	consoleURL := "http://" + consoleHost(consoleAddr) + "/docs"

	replacements := storage.NewReplacements(cfg.ReplaceDir)
	transport := httpproxy.NewOriginTransport(cfg.HTTP2)
	handlerFor := func(protocol proxyconfig.Protocol, dir httpproxy.Direction, partial bool) http.Handler {
		return httpproxy.NewHandler(httpproxy.Options{
			Protocol:     protocol,
			Direction:    dir,
			Store:        store,
			Builder:      builder,
			Emitter:      observers,
			Breakpoints:  observers,
			Transport:    transport,
			Replacements: replacements,
			Resolver:     resolver,
			Peers:        peers,
			ConsoleURL:   consoleURL,
			Blocking:     cfg.Blocking(),
			EmitPartial:  partial,
			MaxBodyBytes: cfg.MaxBodyBytes,
		})
	}

	plain := httpproxy.NewServer(handlerFor(proxyconfig.HTTP, httpproxy.Auto, false))
	if err := plain.Start(ctx, ""); err != nil {
		return err
	}

	registry := mitm.NewRegistry(certManager, func(key mitm.ServerKey) http.Handler {
		return handlerFor(proxyconfig.HTTPS, key.Direction, true)
	}, cfg.HTTP2)
	defer registry.Close()

	mainLn, err := netutil.ListenWithRetry(ctx, cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr(), err)
	}
	dispatcher := dispatch.New(registry, plain.Addr(), peers)
	go func() {
		slog.Info("proxy listening", "addr", mainLn.Addr().String())
		if err := dispatcher.Serve(ctx, mainLn); err != nil {
			slog.Error("dispatcher stopped", "error", err)
		}
	}()

	grpcPlain, grpcSecure := cfg.GRPCAddrs()
	var grpc *grpcproxy.Proxy
	if grpcPlain != "" || grpcSecure != "" {
		grpc = grpcproxy.New(grpcproxy.Options{
			Store:          store,
			Builder:        builder,
			Emitter:        observers,
			Resolver:       resolver,
			GetCertificate: certManager.GetCertificate("localhost"),
			MaxBodyBytes:   cfg.MaxBodyBytes,
		})
		if err := grpc.Start(ctx, grpcPlain, grpcSecure); err != nil {
			return err
		}
	}

	resender := httpproxy.NewResender(net.JoinHostPort("127.0.0.1", strconv.Itoa(netutil.Port(mainLn.Addr()))))
	observers.SetResender(resender)
	observers.SetPorts(observer.PortConfig{
		HTTPPort:       netutil.Port(mainLn.Addr()),
		GRPCPort:       cfg.GRPCPort,
		GRPCSecurePort: cfg.GRPCSecurePort,
		ConsolePort:    portOf(consoleAddr),
	})

	svc := controller.NewService(controller.Options{
		Store:      store,
		Observers:  observers,
		Sequencer:  seq,
		Resender:   resender,
		Archive:    archive,
		ConfigPath: cfg.ConfigFile,
	})
	h := api.NewServer(svc, api.Streams{
		Observers: http.HandlerFunc(observers.ServeWS),
		Events:    relay.SSEHandler(broker),
		FeedNames: feeds.FeedNames,
	})
	console := &http.Server{Addr: consoleAddr, Handler: h, ReadHeaderTimeout: 30 * time.Second}
	go func() {
		slog.Info("console listening", "addr", consoleAddr, "docs", consoleURL)
		if err := console.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("console server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := console.Shutdown(shutdownCtx); err != nil {
		slog.Error("console shutdown failed", "error", err)
	}
	if grpc != nil {
		if err := grpc.Shutdown(shutdownCtx); err != nil {
			slog.Error("gRPC proxy shutdown failed", "error", err)
		}
	}
	if err := plain.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP proxy shutdown failed", "error", err)
	}
	for _, c := range store.All() {
		if c.Protocol.IsTCPFamily() {
			tcp.Deactivate(c)
		}
	}
	return nil
}

// loadOrCreateCA reads the CA pair, generating one on first run. The generated
// certificate still has to be trusted by clients.
func loadOrCreateCA(certPath, keyPath string) (*x509.Certificate, crypto.Signer, error) {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	if errors.Is(certErr, os.ErrNotExist) && errors.Is(keyErr, os.ErrNotExist) {
		certPEM, keyPEM, err := certs.GenerateCA("allproxy CA", caValidity)
		if err != nil {
			return nil, nil, err
		}
		if err := os.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
			return nil, nil, err
		}
		if err := os.MkdirAll(filepath.Dir(keyPath), 0o755); err != nil {
			return nil, nil, err
		}
		if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
			return nil, nil, err
		}
		if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
			return nil, nil, err
		}
		slog.Warn("generated a new CA; add it to the client trust store", "cert", certPath)
		return certs.ParseCA(certPEM, keyPEM)
	}
	return certs.LoadCA(certPath, keyPath)
}

func consoleHost(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

func portOf(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
