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

// Package cli builds the dvmagent command tree with cobra, in the shape of
// the pack's dir2mcp root command: a persistent set of flags plus one
// subcommand per operator action.
package cli

import (
	"github.com/spf13/cobra"
)

// GlobalFlags holds flags shared across every subcommand.
type GlobalFlags struct {
	EnvFile  string
	LogLevel string
	Dev      bool
}

var globalFlags GlobalFlags

var rootCmd = &cobra.Command{
	Use:   "dvmagent",
	Short: "A paid NIP-90 data vending machine agent",
	Long: "dvmagent listens on Nostr relays for NIP-90 job requests, mediates a " +
		"Lightning payment exchange, invokes an inference backend, and publishes " +
		"the result back to the network.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalFlags.EnvFile, "env-file", "", "path to a .env file (optional)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.Dev, "dev", false, "use human-readable console logging instead of JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(advertiseCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
