package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_push/internal/auth"
	"github.com/austindbirch/harbor_push/internal/config"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
	tokenScopes  []string
	printPublic  bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin token from JWT_PRIVATE_KEY",
	Long: `Mint an RS256 admin token signed with the PKCS1 key in JWT_PRIVATE_KEY.
Without a key a throwaway pair is generated; use --public-key to print the
matching JWT_PUBLIC_KEY value.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		signer, err := auth.NewSigner(os.Getenv("JWT_PRIVATE_KEY"), cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if printPublic {
			pub, err := signer.PublicKeyPEM()
			if err != nil {
				return err
			}
			fmt.Fprint(out, pub)
		}

		token, err := signer.Sign(tokenSubject, tokenTTL, tokenScopes...)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", nil, "token scopes (default push:admin)")
	tokenCmd.Flags().BoolVar(&printPublic, "public-key", false, "print the public key PEM before the token")

	rootCmd.AddCommand(tokenCmd)
}
