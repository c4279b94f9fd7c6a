// Package flags holds the CLI flags and setup helpers shared by the KME
// server and admin commands.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/omkar-sarwat/Qumail-sub003/common"
	"github.com/omkar-sarwat/Qumail-sub003/httpserver"
)

func SetupLogger(cCtx *cli.Context) *slog.Logger {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJsonFlag.Name),
		Service: cCtx.String(LogServiceFlag.Name),
		Version: common.Version,
	})

	if cCtx.Bool(LogUidFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *httpserver.HTTPServerConfig {
	return &httpserver.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "127.0.0.1:8080",
	Usage:   "address to listen on for the Key Delivery API",
	EnvVars: []string{"KME_LISTEN_ADDR"},
}

var StoreDSNFlag = &cli.StringFlag{
	Name:    "store-dsn",
	Value:   "memory://",
	Usage:   "key pool store URI: postgres://... or memory://",
	EnvVars: []string{"KME_STORE_DSN"},
}

var PeerAddrFlag = &cli.StringFlag{
	Name:    "peer-addr",
	Usage:   "base URL of the paired KME node, e.g. http://kme-b:8080",
	EnvVars: []string{"KME_PEER_ADDR"},
}

var PeerSRVFlag = &cli.StringFlag{
	Name:    "peer-srv",
	Usage:   "DNS SRV name to discover the paired node when peer-addr is unset",
	EnvVars: []string{"KME_PEER_SRV"},
}

var SourceSeedFlag = &cli.StringFlag{
	Name:    "source-seed",
	Usage:   "hex-encoded 32-byte seed for a deterministic key source; empty uses the system CSPRNG",
	EnvVars: []string{"KME_SOURCE_SEED"},
}

var VaultAddrFlag = &cli.StringFlag{
	Name:    "vault-addr",
	Usage:   "Vault address for key material escrow; empty disables escrow",
	EnvVars: []string{"KME_VAULT_ADDR", "VAULT_ADDR"},
}

var VaultTokenFlag = &cli.StringFlag{
	Name:    "vault-token",
	Usage:   "Vault token for the escrow client",
	EnvVars: []string{"KME_VAULT_TOKEN", "VAULT_TOKEN"},
}

var VaultMountFlag = &cli.StringFlag{
	Name:    "vault-mount",
	Value:   "secret",
	Usage:   "Vault KV v2 mount used for escrow",
	EnvVars: []string{"KME_VAULT_MOUNT"},
}

var PoolTargetFlag = &cli.IntFlag{
	Name:    "pool-target",
	Value:   100,
	Usage:   "default pool target size for new principals",
	EnvVars: []string{"KME_POOL_TARGET"},
}

var PoolMaxFlag = &cli.IntFlag{
	Name:    "pool-max",
	Value:   1000,
	Usage:   "default pool hard capacity for new principals",
	EnvVars: []string{"KME_POOL_MAX"},
}

var KeySizeFlag = &cli.IntFlag{
	Name:    "key-size",
	Value:   32,
	Usage:   "default key material size in bytes for new pools",
	EnvVars: []string{"KME_KEY_SIZE"},
}

var LowWatermarkFlag = &cli.Float64Flag{
	Name:    "low-watermark",
	Value:   0.2,
	Usage:   "available fraction below which a threshold sync triggers",
	EnvVars: []string{"KME_LOW_WATERMARK"},
}

var EmergencyWatermarkFlag = &cli.Float64Flag{
	Name:    "emergency-watermark",
	Value:   0.05,
	Usage:   "available fraction below which an emergency sync triggers",
	EnvVars: []string{"KME_EMERGENCY_WATERMARK"},
}

var SyncIntervalFlag = &cli.DurationFlag{
	Name:    "sync-interval",
	Value:   24 * time.Hour,
	Usage:   "how stale a pool may get before a scheduled sync runs",
	EnvVars: []string{"KME_SYNC_INTERVAL"},
}

var PollIntervalFlag = &cli.DurationFlag{
	Name:    "poll-interval",
	Value:   15 * time.Second,
	Usage:   "sync worker housekeeping tick",
	EnvVars: []string{"KME_POLL_INTERVAL"},
}

var ReserveTTLFlag = &cli.DurationFlag{
	Name:    "reserve-ttl",
	Value:   10 * time.Minute,
	Usage:   "how long a reserved key may sit before it expires",
	EnvVars: []string{"KME_RESERVE_TTL"},
}

var TicketRetentionFlag = &cli.DurationFlag{
	Name:    "ticket-retention",
	Value:   72 * time.Hour,
	Usage:   "how long finished sync tickets are kept",
	EnvVars: []string{"KME_TICKET_RETENTION"},
}

var ServerAddrFlag = &cli.StringFlag{
	Name:    "server-addr",
	Value:   "http://127.0.0.1:8080",
	Usage:   "base URL of the KME node to administer",
	EnvVars: []string{"KME_SERVER_ADDR"},
}

var LogJsonFlag = &cli.BoolFlag{
	Name:    "log-json",
	Value:   false,
	Usage:   "log in JSON format",
	EnvVars: []string{"KME_LOG_JSON"},
}
var LogDebugFlag = &cli.BoolFlag{
	Name:    "log-debug",
	Value:   false,
	Usage:   "log debug messages",
	EnvVars: []string{"KME_LOG_DEBUG"},
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:    "log-service",
	Value:   common.PackageName,
	Usage:   "add 'service' tag to logs",
	EnvVars: []string{"KME_LOG_SERVICE"},
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
}
