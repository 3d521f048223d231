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
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/spf13/cobra"

	"dvmagent/internal/crypto"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Key management helpers",
}

var keysGenerateFlags struct {
	Passphrase string
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new Nostr keypair for the agent",
	Long: "Generates a fresh secp256k1 keypair and prints the hex and bech32 " +
		"encodings. With --passphrase the private key is printed sealed with " +
		"AES-256-GCM, ready for NOSTR_PRIVATE_KEY with NOSTR_KEY_ENCRYPTED=true.",
	RunE: runKeysGenerate,
}

func runKeysGenerate(cmd *cobra.Command, args []string) error {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return fmt.Errorf("derive public key: %w", err)
	}

	npub, err := nip19.EncodePublicKey(pk)
	if err != nil {
		return fmt.Errorf("encode npub: %w", err)
	}

	fmt.Println("public key (hex): ", pk)
	fmt.Println("public key (npub):", npub)

	if keysGenerateFlags.Passphrase != "" {
		box, err := crypto.NewSecretBox(keysGenerateFlags.Passphrase)
		if err != nil {
			return fmt.Errorf("build secret box: %w", err)
		}
		sealed, err := box.Seal(sk)
		if err != nil {
			return fmt.Errorf("seal private key: %w", err)
		}
		fmt.Println("private key (sealed):", sealed)
		fmt.Println("set NOSTR_KEY_ENCRYPTED=true and DVMAGENT_KEY_PASSPHRASE to use it")
		return nil
	}

	nsec, err := nip19.EncodePrivateKey(sk)
	if err != nil {
		return fmt.Errorf("encode nsec: %w", err)
	}
	fmt.Println("private key (hex): ", sk)
	fmt.Println("private key (nsec):", nsec)
	return nil
}

var keysHashTokenCmd = &cobra.Command{
	Use:   "hash-token <token>",
	Short: "Hash an admin bearer token for ADMIN_TOKEN_HASH",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := crypto.HashToken(args[0])
		if err != nil {
			return fmt.Errorf("hash token: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	keysGenerateCmd.Flags().StringVar(&keysGenerateFlags.Passphrase, "passphrase", "", "seal the generated private key with this passphrase")
	keysCmd.AddCommand(keysGenerateCmd)
	keysCmd.AddCommand(keysHashTokenCmd)
}
