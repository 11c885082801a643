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

package main

import (
	"fmt"
	"math/big"
	"os"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/meridianxyz/dexproxy/core/rawdb"
	"github.com/meridianxyz/dexproxy/dex/dexconfig"
)

// proxyConfig is the TOML layout of the configuration file.
type proxyConfig struct {
	Dex dexconfig.Config
}

// tomlSettings mirrors how the file is decoded: keys match field names
// exactly and unknown keys error out naming the offending field.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		id := fmt.Sprintf("%s.%s", rt.String(), field)
		if !unicode.IsUpper(rune(field[0])) {
			return fmt.Errorf("field '%s' is unexported and cannot be set", id)
		}
		return fmt.Errorf("field '%s' is not defined", id)
	},
}

func loadConfigFile(path string, cfg *proxyConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(f).Decode(cfg)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// makeConfig assembles the effective configuration: defaults, then the
// config file, then flag overrides.
func makeConfig(ctx *cli.Context) (proxyConfig, error) {
	cfg := proxyConfig{Dex: dexconfig.Defaults}
	if path := ctx.String(configFlag.Name); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyFlags(ctx, &cfg.Dex)
	return cfg, nil
}

func applyFlags(ctx *cli.Context, cfg *dexconfig.Config) {
	if ctx.IsSet(adapterFlag.Name) {
		cfg.Adapter = ctx.String(adapterFlag.Name)
	}
	if ctx.IsSet(listenAddrFlag.Name) {
		cfg.ListenAddr = ctx.String(listenAddrFlag.Name)
	}
	if ctx.IsSet(corsFlag.Name) {
		cfg.CORSOrigins = splitAndTrim(ctx.String(corsFlag.Name))
	}
	if ctx.IsSet(chainRPCFlag.Name) {
		cfg.ChainRPCURL = ctx.String(chainRPCFlag.Name)
	}
	if ctx.IsSet(dataDirFlag.Name) {
		cfg.Storage.DataDir = ctx.String(dataDirFlag.Name)
	}
	if ctx.IsSet(redisURLFlag.Name) {
		cfg.Storage.RedisURL = ctx.String(redisURLFlag.Name)
	}
	if ctx.IsSet(gasCapFlag.Name) {
		cap, ok := new(big.Int).SetString(ctx.String(gasCapFlag.Name), 10)
		if !ok {
			Fatalf("--%s: %q is not a decimal wei amount", gasCapFlag.Name, ctx.String(gasCapFlag.Name))
		}
		cfg.GasCapWei = cap
	}
	if ctx.IsSet(metricsFlag.Name) {
		cfg.Metrics = ctx.Bool(metricsFlag.Name)
	}
	if ctx.IsSet(shutdownTimeoutFlag.Name) {
		cfg.ShutdownTimeout = ctx.Duration(shutdownTimeoutFlag.Name)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
}

// storageConfig folds the redis password secret into the storage settings.
// The password never appears in the config file.
func storageConfig(cfg dexconfig.Config, secrets Secrets) rawdb.Config {
	storage := cfg.Storage
	if storage.RedisURL != "" && secrets.RedisPassword != "" {
		storage.RedisURL = injectRedisPassword(storage.RedisURL, secrets.RedisPassword)
	}
	return storage
}

// injectRedisPassword splices a password into a redis:// URL that carries
// none.
func injectRedisPassword(url, password string) string {
	rest, found := strings.CutPrefix(url, "redis://")
	if !found || strings.Contains(rest, "@") {
		return url
	}
	return "redis://:" + password + "@" + rest
}

func splitAndTrim(input string) []string {
	var out []string
	for _, part := range strings.Split(input, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// dumpConfig writes the effective configuration as TOML to stdout.
func dumpConfig(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	out, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
