package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/iliyamo/cinema-seat-realtime/internal/utils"
)

var (
	tokenUser   uint64
	tokenRole   string
	tokenSecret string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development access token",
	Long:  `Sign an HS256 access token with JWT_SECRET for talking to a local server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenSecret == "" {
			tokenSecret = os.Getenv("JWT_SECRET")
		}
		if tokenSecret == "" {
			return errors.New("--secret or JWT_SECRET is required")
		}
		if tokenUser == 0 {
			return errors.New("--user is required")
		}
		tok, err := utils.NewAccessToken(tokenSecret, tokenUser, tokenRole, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(tok.Token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Uint64Var(&tokenUser, "user", 0, "user id placed in the sub claim")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "CUSTOMER", "CUSTOMER or OWNER")
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "HMAC signing secret, defaults to JWT_SECRET")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
}
