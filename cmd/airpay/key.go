package main

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/and161185/airchainpay/internal/chain"
	"github.com/and161185/airchainpay/internal/crypto"
)

func keyCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "key", Short: "Offline signing key helpers"}
	cmd.AddCommand(keyWrapCmd(c))
	return cmd
}

func keyWrapCmd(c *cli) *cobra.Command {
	var key, passphrase string
	cmd := &cobra.Command{
		Use:   "wrap",
		Short: "Encrypt a signing key under a passphrase for AIRPAY_SIGNER_KEY",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if key == "" {
				key = c.cfg.Offline.SignerKey
			}
			if passphrase == "" {
				passphrase = c.cfg.Offline.SignerPassphrase
			}
			if key == "" || passphrase == "" {
				return errors.New("key and passphrase are required")
			}
			signer, err := chain.NewSigner(key)
			if err != nil {
				return err
			}
			raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(key), "0x"))
			if err != nil {
				return err
			}
			defer crypto.Zero(raw)
			wrapped, err := crypto.WrapKey([]byte(passphrase), raw)
			if err != nil {
				return err
			}
			return printJSON(c.out, map[string]string{"address": signer.Address(), "wrapped": wrapped})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "hex signing key (default AIRPAY_SIGNER_KEY)")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "passphrase (default AIRPAY_SIGNER_PASSPHRASE)")
	return cmd
}
