// Dvmagent is a paid Nostr data vending machine agent.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"dvmagent/internal/advertise"
	"dvmagent/internal/config"
	"dvmagent/internal/logging"
	"dvmagent/internal/relay"
)

var advertiseCmd = &cobra.Command{
	Use:   "advertise",
	Short: "Publish the NIP-89 capability advertisement once and exit",
	RunE:  runAdvertise,
}

func runAdvertise(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(globalFlags.EnvFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if globalFlags.LogLevel != "" {
		cfg.LogLevel = globalFlags.LogLevel
	}

	log, err := logging.New(cfg.LogLevel, globalFlags.Dev)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	secretKey, err := resolveSecretKey(cfg)
	if err != nil {
		return fmt.Errorf("resolve nostr private key: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	gw, err := relay.New(cfg.RelayURLs, secretKey, log.Named("relay"))
	if err != nil {
		return fmt.Errorf("build relay gateway: %w", err)
	}
	if err := gw.Connect(ctx); err != nil {
		return fmt.Errorf("connect to relays: %w", err)
	}
	defer gw.Close()

	reg := buildRegistry(cfg, log)

	return advertise.PublishHandlerInfo(ctx, gw, reg, cfg.AgentIdentifier, advertise.Metadata{
		Name:        cfg.AgentName,
		DisplayName: cfg.AgentName,
		About:       cfg.AgentAbout,
		Picture:     cfg.AgentPicture,
		Lud16:       cfg.LightningAddress,
	})
}
