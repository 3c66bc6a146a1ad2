// Command airpay is the AirChainPay command line: it scans for payees, sends
// payments over the radio link and administers a daemon's offline queue.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/airchainpay/internal/app"
	"github.com/and161185/airchainpay/internal/config"
	"github.com/and161185/airchainpay/internal/logging"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// cli carries state shared by every subcommand.
type cli struct {
	cfg *config.Config
	log *zap.Logger
	rt  *app.Runtime
	out io.Writer

	addr     string
	caPath   string
	useTLS   bool
	insecure bool
	token    string
	timeout  time.Duration
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	root := &cobra.Command{
		Use:           "airpay",
		Short:         "Offline-first crypto payments over a short-range radio link",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("store") {
				cfg.Store.Driver, _ = cmd.Flags().GetString("store")
			}
			if cmd.Flags().Changed("dsn") {
				cfg.Store.DSN, _ = cmd.Flags().GetString("dsn")
			}
			if cmd.Flags().Changed("verbose") {
				cfg.Log.Level = "debug"
				cfg.Log.Dev = true
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			log, err := logging.New(cfg.Log.Level, cfg.Log.Dev)
			if err != nil {
				return err
			}
			c.cfg, c.log = cfg, log
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if c.rt != nil {
				return c.rt.Close()
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.addr, "addr", "localhost:9090", "daemon admin address")
	pf.StringVar(&c.caPath, "cacert", "", "CA cert (PEM) for the admin connection")
	pf.BoolVar(&c.useTLS, "tls", false, "use TLS for the admin connection")
	pf.BoolVar(&c.insecure, "insecure", false, "skip cert verify (dev)")
	pf.StringVar(&c.token, "token", "", "operator token (default: saved token)")
	pf.DurationVar(&c.timeout, "timeout", 30*time.Second, "overall command timeout")
	pf.String("store", "", "local queue store: memory, sqlite or postgres")
	pf.String("dsn", "", "local store path or DSN")
	pf.BoolP("verbose", "v", false, "debug logging to stderr")

	root.AddCommand(
		versionCmd(c),
		scanCmd(c),
		sendCmd(c),
		syncCmd(c),
		queueCmd(c),
		ledgerCmd(c),
		tokenCmd(c),
		keyCmd(c),
	)
	return root
}

func versionCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			_, err := fmt.Fprintf(c.out, "airpay %s (%s)\n", version, buildDate)
			return err
		},
	}
}

// runtime builds the local components on first use.
func (c *cli) runtime(ctx context.Context) (*app.Runtime, error) {
	if c.rt != nil {
		return c.rt, nil
	}
	rt, err := app.Build(ctx, c.cfg, c.log)
	if err != nil {
		return nil, err
	}
	c.rt = rt
	return rt, nil
}

func (c *cli) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), c.timeout)
}
