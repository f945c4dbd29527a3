package main

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server  string
	Session string
	JSON    bool
	Quiet   bool
	Timeout time.Duration
}

// NewRootCommand creates the root command for cartctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "cartctl",
		Short: "Drive a storefront cart server",
		Long: "cartctl sends cart, checkout and navigation requests to a running storefront server.\n" +
			"Commands act on the session given by --session; add creates one when none is given.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			u, err := url.Parse(opts.Server)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("invalid --server %q: want an absolute URL", opts.Server)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", envOr("CARTCTL_SERVER", "http://localhost:8080"), "storefront server base URL")
	cmd.PersistentFlags().StringVar(&opts.Session, "session", os.Getenv("CARTCTL_SESSION"), "cart session id (UUID)")
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "print raw JSON responses")
	cmd.PersistentFlags().BoolVarP(&opts.Quiet, "quiet", "q", false, "print only the session id (add) or checkout URL (checkout)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "request timeout")

	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newAddCommand(opts))
	cmd.AddCommand(newQtyCommand(opts))
	cmd.AddCommand(newRemoveCommand(opts))
	cmd.AddCommand(newClearCommand(opts))
	cmd.AddCommand(newCheckoutCommand(opts))
	cmd.AddCommand(newNavCommand(opts))

	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
