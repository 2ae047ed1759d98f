package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/kelseyhightower/envconfig"
	"github.com/libp2p/go-libp2p/core/crypto"
	"go.sia.tech/jape"
	"go.sia.tech/raids/config"
	rhttp "go.sia.tech/raids/http"
	"go.sia.tech/raids/raids"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
	"lukechampine.com/frand"
)

var (
	dir = "."
	cfg = config.Config{
		Username: "raids",
		P2P: config.P2P{
			ListenAddresses: []string{"/ip4/0.0.0.0/tcp/0"},
		},
		Raids: config.Raids{
			Nodes:                 5,
			Replicas:              3,
			HeartbeatInterval:     raids.DefaultHeartbeatInterval,
			InitialHeartbeatDelay: raids.DefaultInitialHeartbeatDelay,
			HeartbeatTimeout:      raids.DefaultHeartbeatTimeout,
			DiscoveryTimeout:      raids.DefaultDiscoveryTimeout,
			DiscoveryRetries:      3,
			TransferTimeout:       raids.DefaultTransferTimeout,
			StoreTimeout:          raids.DefaultStoreTimeout,
		},
		API: config.API{
			Address: ":8081",
		},
		Log: config.Log{
			Level: "info",
		},
	}
)

// mustLoadConfig loads the config file and applies environment overrides.
func mustLoadConfig(dir string, log *zap.Logger) {
	configPath := filepath.Join(dir, "raidsd.yml")

	if _, err := os.Stat(configPath); err == nil {
		f, err := os.Open(configPath)
		if err != nil {
			log.Fatal("failed to open config file", zap.Error(err))
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)

		if err := dec.Decode(&cfg); err != nil {
			log.Fatal("failed to decode config file", zap.Error(err))
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Fatal("failed to stat config file", zap.Error(err))
	}

	if err := envconfig.Process("RAIDS", &cfg); err != nil {
		log.Fatal("failed to load environment config", zap.Error(err))
	}
}

// parsePrivateKey decodes an "ed25519:" prefixed hex key.
func parsePrivateKey(s string) (crypto.PrivKey, error) {
	buf, err := hex.DecodeString(strings.TrimPrefix(s, "ed25519:"))
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	} else if len(buf) != 64 {
		return nil, errors.New("private key must be 64 bytes")
	}
	return crypto.UnmarshalEd25519PrivateKey(buf)
}

func formatPrivateKey(sk crypto.PrivKey) (string, error) {
	buf, err := sk.Raw()
	if err != nil {
		return "", err
	}
	return "ed25519:" + hex.EncodeToString(buf), nil
}

func main() {
	consoleCfg := zap.NewProductionEncoderConfig()
	consoleCfg.TimeKey = "" // prevent duplicate timestamps
	consoleCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	consoleCfg.EncodeDuration = zapcore.StringDurationEncoder
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleCfg.StacktraceKey = ""
	consoleCfg.CallerKey = ""
	consoleEncoder := zapcore.NewConsoleEncoder(consoleCfg)

	consoleCore := zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), zap.NewAtomicLevelAt(zap.InfoLevel))
	log := zap.New(consoleCore, zap.AddCaller())
	defer log.Sync()
	// redirect stdlib log to zap
	zap.RedirectStdLog(log.Named("stdlib"))

	var nodes int
	flag.StringVar(&dir, "dir", dir, "directory to use for data")
	flag.IntVar(&nodes, "nodes", 0, "number of local nodes to start, overrides the config file")
	flag.Parse()

	mustLoadConfig(dir, log)
	if nodes > 0 {
		cfg.Raids.Nodes = nodes
	}
	if cfg.Raids.Nodes <= 0 {
		log.Fatal("at least one node must be started", zap.Int("nodes", cfg.Raids.Nodes))
	} else if cfg.Username == "" {
		log.Fatal("username must be set")
	}

	var level zap.AtomicLevel
	switch cfg.Log.Level {
	case "debug":
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		log.Fatal("invalid log level", zap.String("level", cfg.Log.Level))
	}

	log = log.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), level)
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var privateKey crypto.PrivKey
	var err error
	if cfg.P2P.PrivateKey != "" {
		privateKey, err = parsePrivateKey(cfg.P2P.PrivateKey)
		if err != nil {
			log.Fatal("failed to parse private key", zap.Error(err))
		}
	} else {
		privateKey, _, err = crypto.GenerateEd25519Key(frand.Reader)
		if err != nil {
			log.Fatal("failed to generate private key", zap.Error(err))
		}
	}

	c := &cluster{log: log.Named("cluster")}
	defer c.close()

	for i := 0; i < cfg.Raids.Nodes; i++ {
		nodeCfg := cfg
		sk := privateKey
		if i > 0 {
			// additional nodes listen on loopback with a fresh identity
			// and reach the network through the first node
			sk, _, err = crypto.GenerateEd25519Key(frand.Reader)
			if err != nil {
				log.Fatal("failed to generate private key", zap.Error(err))
			}
			nodeCfg.P2P = config.P2P{
				ListenAddresses: []string{"/ip4/127.0.0.1/tcp/0"},
			}
		}

		nodeLog := log.Named(fmt.Sprintf("node%d", i))
		ln, err := startNode(ctx, filepath.Join(dir, fmt.Sprintf("node-%d", i)), sk, nodeCfg, nodeLog)
		if err != nil {
			log.Fatal("failed to start node", zap.Int("index", i), zap.Error(err))
		}
		c.add(ctx, ln)

		var addrs []string
		for _, addr := range ln.host.AddrInfo().Addrs {
			addrs = append(addrs, addr.String())
		}
		nodeLog.Info("node started", zap.Stringer("peerID", ln.node.ID()), zap.Strings("addresses", addrs))
	}

	apiListener, err := net.Listen("tcp", cfg.API.Address)
	if err != nil {
		log.Fatal("failed to listen", zap.Error(err))
	}
	defer apiListener.Close()

	apiServer := &http.Server{
		Handler: jape.BasicAuth(cfg.API.Password)(rhttp.NewAPIHandler(c, log.Named("api"))),
	}
	defer apiServer.Close()

	go func() {
		if err := apiServer.Serve(apiListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed to serve api", zap.Error(err))
		}
	}()

	prettyKey, err := formatPrivateKey(privateKey)
	if err != nil {
		log.Fatal("failed to marshal private key", zap.Error(err))
	}

	log.Info("raidsd started",
		zap.Stringer("peerID", c.activeNode().ID()),
		zap.String("privateKey", prettyKey),
		zap.String("username", cfg.Username),
		zap.Int("nodes", cfg.Raids.Nodes),
		zap.String("apiAddress", apiListener.Addr().String()))

	if err := runTerminal(ctx, newTerminal(c), os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("terminal failed", zap.Error(err))
	}
}
