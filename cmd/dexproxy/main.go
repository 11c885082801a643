// Copyright 2025 The dexproxy Authors
// This file is part of dexproxy.
//
// dexproxy is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// dexproxy is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with dexproxy. If not, see <http://www.gnu.org/licenses/>.

// dexproxy is the standalone exchange proxy daemon.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
	"gopkg.in/natefinch/lumberjack.v2"

	dexproxy "github.com/meridianxyz/dexproxy"
	"github.com/meridianxyz/dexproxy/adapters"
	"github.com/meridianxyz/dexproxy/adapters/evm"
	_ "github.com/meridianxyz/dexproxy/adapters/simulated"
	"github.com/meridianxyz/dexproxy/core/rawdb"
	"github.com/meridianxyz/dexproxy/dex"
	"github.com/meridianxyz/dexproxy/params"
	"github.com/meridianxyz/dexproxy/rpc"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	envFileFlag = &cli.StringFlag{
		Name:  "envfile",
		Usage: "Env file with secrets (JWT secret, redis password, signer key)",
		Value: ".env",
	}
	adapterFlag = &cli.StringFlag{
		Name:  "adapter",
		Usage: "Exchange adapter to run",
	}
	listenAddrFlag = &cli.StringFlag{
		Name:  "http.addr",
		Usage: "HTTP and websocket listening address",
	}
	corsFlag = &cli.StringFlag{
		Name:  "http.corsdomain",
		Usage: "Comma separated list of origins to accept cross-origin requests from",
	}
	chainRPCFlag = &cli.StringFlag{
		Name:  "chain.rpcurl",
		Usage: "EVM node endpoint for nonce syncing (adapters without an own chain view)",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Directory for the leveldb request store (empty disables persistence)",
	}
	redisURLFlag = &cli.StringFlag{
		Name:  "redis.url",
		Usage: "Redis URL for the request store, takes precedence over --datadir",
	}
	gasCapFlag = &cli.StringFlag{
		Name:  "gascap",
		Usage: "Upper bound on client proposed gas prices in wei (0 or unset disables)",
	}
	metricsFlag = &cli.BoolFlag{
		Name:  "metrics",
		Usage: "Enable metrics collection and the prometheus endpoint",
	}
	shutdownTimeoutFlag = &cli.DurationFlag{
		Name:  "shutdown.timeout",
		Usage: "Drain window between SIGTERM and process exit",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	logJSONFlag = &cli.BoolFlag{
		Name:  "log.json",
		Usage: "Format logs with JSON",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "Write logs to a file with rotation",
	}
)

func main() {
	app := &cli.App{
		Name:    "dexproxy",
		Usage:   "exchange proxy daemon",
		Version: params.VersionWithMeta,
		Flags: []cli.Flag{
			configFlag, envFileFlag, adapterFlag, listenAddrFlag, corsFlag,
			chainRPCFlag, dataDirFlag, redisURLFlag, gasCapFlag, metricsFlag,
			shutdownTimeoutFlag, verbosityFlag, logJSONFlag, logFileFlag,
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "dumpconfig",
				Usage:  "Print the effective configuration as TOML",
				Flags:  []cli.Flag{configFlag, adapterFlag, listenAddrFlag, corsFlag, chainRPCFlag, dataDirFlag, redisURLFlag, gasCapFlag, metricsFlag, shutdownTimeoutFlag},
				Action: dumpConfig,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		Fatalf("%v", err)
	}
}

// Fatalf formats a message to standard error and exits the program.
func Fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Fatal: "+format+"\n", args...)
	os.Exit(1)
}

func run(ctx *cli.Context) error {
	setupLogging(ctx)
	logger := log.Root()

	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	secrets, err := loadSecrets(ctx.String(envFileFlag.Name))
	if err != nil {
		return err
	}
	if cfg.Dex.Metrics {
		metrics.Enabled = true
	}

	adapter, err := adapters.New(cfg.Dex.Adapter, logger)
	if err != nil {
		return err
	}
	nonceSource, closeNonceSource, err := makeNonceSource(adapter, cfg.Dex.ChainRPCURL, logger)
	if err != nil {
		return err
	}
	if closeNonceSource != nil {
		defer closeNonceSource()
	}

	store, err := rawdb.Open(storageConfig(cfg.Dex, secrets), logger)
	if err != nil {
		return err
	}

	backend := dex.New(cfg.Dex, adapter, nonceSource, store, logger)
	hook, _ := adapter.(dexproxy.MessageHook)
	server := rpc.NewServer(rpc.ServerConfig{
		ListenAddr:  cfg.Dex.ListenAddr,
		CORSOrigins: cfg.Dex.CORSOrigins,
		JWTSecret:   []byte(secrets.JWTSecret),
		Metrics:     cfg.Dex.Metrics,
	}, backend.Registry(), hook, logger)
	backend.RegisterAPI(server)

	if err := backend.Start(); err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		backend.Stop()
		return err
	}
	logger.Info("dexproxy started", "version", params.VersionWithMeta, "adapter", adapter.Name(), "endpoint", server.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", "signal", sig)

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Dex.ShutdownTimeout)
	defer cancel()
	if err := server.Stop(drainCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", "err", err)
	}
	backend.Stop()
	logger.Info("dexproxy stopped")
	return nil
}

// makeNonceSource resolves where the nonce manager reads chain nonces from.
// An adapter that can read nonces itself is preferred; otherwise a chain RPC
// endpoint is dialed for nonce-bound adapters. Adapters that consume no
// proxy-managed nonces need neither.
func makeNonceSource(adapter dexproxy.Adapter, rpcURL string, logger log.Logger) (dexproxy.NonceSource, func(), error) {
	if source, ok := adapter.(dexproxy.NonceSource); ok {
		return source, nil, nil
	}
	if _, bound := adapter.(dexproxy.NonceBound); !bound {
		return nil, nil, nil
	}
	if rpcURL == "" {
		return nil, nil, fmt.Errorf("adapter %s needs a nonce source, set --%s", adapter.Name(), chainRPCFlag.Name)
	}
	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := evm.Dial(dialCtx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	logger.Info("Connected chain nonce source", "url", rpcURL)
	return client, client.Close, nil
}

func setupLogging(ctx *cli.Context) {
	var output io.Writer = os.Stderr
	if file := ctx.String(logFileFlag.Name); file != "" {
		output = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // megabytes
			MaxBackups: 10,
		}
	}
	level := log.FromLegacyLevel(ctx.Int(verbosityFlag.Name))

	var handler slog.Handler
	if ctx.Bool(logJSONFlag.Name) {
		handler = log.JSONHandlerWithLevel(output, level)
	} else {
		usecolor := output == os.Stderr && isatty.IsTerminal(os.Stderr.Fd())
		handler = log.NewTerminalHandlerWithLevel(output, level, usecolor)
	}
	log.SetDefault(log.NewLogger(handler))
}
