package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/auth"
)

const envJWTSecret = "JWT_SECRET"

func newRootCmd(now func() time.Time) *cobra.Command {
	root := &cobra.Command{
		Use:           "callrelay-token",
		Short:         "Mint and verify signaling tokens",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().String("secret", "", "HS256 secret (defaults to $"+envJWTSecret+")")

	root.AddCommand(newMintCmd(now), newVerifyCmd())
	return root
}

func secretFlag(cmd *cobra.Command) (string, error) {
	secret, err := cmd.Flags().GetString("secret")
	if err != nil {
		return "", err
	}
	if secret == "" {
		secret = os.Getenv(envJWTSecret)
	}
	if secret == "" {
		return "", fmt.Errorf("--secret or %s is required", envJWTSecret)
	}
	return secret, nil
}

func newMintCmd(now func() time.Time) *cobra.Command {
	var (
		userName string
		role     string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Print a token for --username with --role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret, err := secretFlag(cmd)
			if err != nil {
				return err
			}
			userName = strings.TrimSpace(userName)
			if userName == "" {
				return errors.New("--username is required")
			}
			if ttl < 0 {
				return errors.New("--ttl must be >= 0")
			}

			issued := now()
			claims := auth.Claims{UserName: userName, Role: role, IssuedAt: issued.Unix()}
			if ttl > 0 {
				claims.ExpiresAt = issued.Add(ttl).Unix()
			}
			token, err := auth.Sign(secret, claims)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userName, "username", "", "identity carried in the username claim")
	cmd.Flags().StringVar(&role, "role", "", "role claim, e.g. Doctor or Patient")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime; 0 omits exp")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify TOKEN",
		Short: "Check a token and print the identity it carries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := secretFlag(cmd)
			if err != nil {
				return err
			}
			id, err := auth.NewJWTVerifier(secret).Verify(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("token rejected: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "username=%s role=%s\n", id.UserName, id.Role)
			return nil
		},
	}
}
