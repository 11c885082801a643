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
	"errors"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Secrets are credentials sourced from the environment only. They never
// appear in the config file or on the command line, and they are consumed
// once at startup.
type Secrets struct {
	// JWTSecret is the HMAC key of the bearer auth on /private/*. Empty
	// disables auth.
	JWTSecret string `env:"DEXPROXY_JWT_SECRET"`

	// RedisPassword is spliced into the redis URL when the URL carries no
	// credentials of its own.
	RedisPassword string `env:"DEXPROXY_REDIS_PASSWORD"`

	// SignerKey is the hex-encoded private key handed to adapters that
	// sign transactions locally.
	SignerKey string `env:"DEXPROXY_SIGNER_KEY"`

	// APIKey and APISecret are exchange credentials for adapters that
	// authenticate against an off-proxy venue.
	APIKey    string `env:"DEXPROXY_API_KEY"`
	APISecret string `env:"DEXPROXY_API_SECRET"`
}

// loadSecrets reads a .env file when present and then the process
// environment. A missing .env file is not an error; a malformed one is.
func loadSecrets(envFile string) (Secrets, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Secrets{}, err
		}
	}
	var secrets Secrets
	if err := env.Parse(&secrets); err != nil {
		return Secrets{}, err
	}
	return secrets, nil
}
