package main

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/oschwald/geoip2-golang"
	_ "go.uber.org/automaxprocs"

	"github.com/mozilla-services/channelserver/internal/abuse"
	"github.com/mozilla-services/channelserver/internal/broker"
	"github.com/mozilla-services/channelserver/internal/logging"
	"github.com/mozilla-services/channelserver/internal/meta"
	"github.com/mozilla-services/channelserver/internal/metrics"
	"github.com/mozilla-services/channelserver/internal/session"
	"github.com/mozilla-services/channelserver/internal/settings"
	"github.com/mozilla-services/channelserver/internal/transport"
)

func main() {
	_ = godotenv.Load()

	versionJSON, err := os.ReadFile("version.json")
	if err != nil {
		versionJSON = []byte(`{"version":"dev"}`)
	}
	pkgVersion := parsePkgVersion(versionJSON)

	runMode := os.Getenv("RUN_MODE")
	cfg, err := settings.Load(runMode)
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New(cfg.HumanLogs, cfg.LogLevel)
	logger.Info().Str("run_mode", runMode).Msg("starting channelserver")

	var geoReader meta.GeoReader
	if cfg.MmdbLoc != "" {
		db, err := geoip2.Open(cfg.MmdbLoc)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.MmdbLoc).Msg("could not open GeoIP database")
		}
		defer db.Close()
		geoReader = db
	}

	m, err := metrics.New(cfg.StatsdHost, "channelserver")
	if err != nil {
		logger.Fatal().Err(err).Msg("could not build metrics client")
	}
	defer m.Close()

	trustedProxies, err := buildTrustedProxyList(cfg.TrustedProxyList)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid trusted_proxy_list")
	}

	reputation := abuse.NewReputation(cfg.IPReputationServer, cfg.IPRepMin, cfg.IPViolation)
	rateLimiter := abuse.NewConnectionRateLimiter(abuse.ConnectionRateLimiterConfig{
		IPBurst:     cfg.ConnRateIPBurst,
		IPRate:      cfg.ConnRateIPPerSec,
		GlobalBurst: cfg.ConnRateGlobalBurst,
		GlobalRate:  cfg.ConnRateGlobalPerSec,
		Metrics:     m,
		Logger:      logger,
	})
	defer rateLimiter.Stop()

	brk := broker.New(broker.Config{
		MaxChannelConnections: cfg.MaxChannelConnections,
		MaxExchanges:          cfg.MaxExchanges,
		MaxData:               cfg.MaxData,
	}, m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go brk.Run(ctx)

	mux := transport.NewMux(transport.Deps{
		Broker:         brk,
		Metrics:        m,
		Logger:         logger,
		GeoReader:      geoReader,
		TrustedProxies: trustedProxies,
		Reputation:     reputation,
		RateLimiter:    rateLimiter,
		SessionCfg: session.Config{
			Heartbeat:     cfg.Heartbeat,
			ClientTimeout: cfg.ClientTimeout,
			ConnLifespan:  cfg.ConnLifespan,
		},
		Version:     pkgVersion,
		VersionJSON: string(versionJSON),
	})

	addr := cfg.Hostname + ":" + strconv.Itoa(cfg.Port)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("addr", addr).Msg("listening")
	if err := transport.Serve(sigCtx, addr, mux, logger); err != nil {
		logger.Error().Err(err).Msg("http server exited with error")
		os.Exit(1)
	}
}

// buildTrustedProxyList unions the configured CIDR list with the three
// RFC1918 private ranges, matching the policy §4.2 requires.
func buildTrustedProxyList(csv string) ([]*net.IPNet, error) {
	ranges := []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}
	for _, entry := range strings.Split(csv, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			ranges = append(ranges, entry)
		}
	}

	nets := make([]*net.IPNet, 0, len(ranges))
	for _, cidr := range ranges {
		if !strings.Contains(cidr, "/") {
			if ip := net.ParseIP(cidr); ip != nil {
				if ip.To4() != nil {
					cidr += "/32"
				} else {
					cidr += "/128"
				}
			}
		}
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func parsePkgVersion(raw []byte) string {
	var doc struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil || doc.Version == "" {
		return "unknown"
	}
	return doc.Version
}
