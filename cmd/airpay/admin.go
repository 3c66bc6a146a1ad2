package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/airchainpay/internal/convert"
	"github.com/and161185/airchainpay/internal/model"
	grpcserver "github.com/and161185/airchainpay/internal/server/grpc"
	"github.com/and161185/airchainpay/internal/service"
)

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

// dial connects to the daemon's admin API with the operator token.
func (c *cli) dial() (*grpc.ClientConn, *grpcserver.QueueAdminClient, error) {
	token := c.token
	if token == "" {
		t, err := loadToken()
		if err != nil {
			return nil, nil, err
		}
		token = t
	}
	secure := c.useTLS || c.caPath != "" || c.insecure
	creds := insecure.NewCredentials()
	if secure {
		tc, err := loadTLS(c.caPath, c.insecure)
		if err != nil {
			return nil, nil, err
		}
		creds = tc
	}
	cc, err := grpc.NewClient(c.addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(bearerCreds{token: token, secure: secure}),
	)
	if err != nil {
		return nil, nil, err
	}
	return cc, grpcserver.NewQueueAdminClient(cc), nil
}

// ---- queue ----

func queueCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Inspect and drain the offline queue"}
	cmd.AddCommand(queueListCmd(c), queueDrainCmd(c))
	return cmd
}

func queueListCmd(c *cli) *cobra.Command {
	var (
		status string
		limit  int
		local  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()

			var items []model.QueuedTransaction
			if local {
				rt, err := c.runtime(ctx)
				if err != nil {
					return err
				}
				if items, err = rt.Offline.List(ctx, model.TxStatus(status), limit); err != nil {
					return err
				}
			} else {
				cc, admin, err := c.dial()
				if err != nil {
					return err
				}
				defer cc.Close()
				req, err := structpb.NewStruct(map[string]any{"status": status, "limit": float64(limit)})
				if err != nil {
					return err
				}
				resp, err := admin.ListQueued(ctx, req)
				if err != nil {
					return err
				}
				if items, err = convert.QueueFromStruct(resp); err != nil {
					return err
				}
			}
			return printJSON(c.out, queueRows(items))
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter: pending, confirmed or failed")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	cmd.Flags().BoolVar(&local, "local", false, "read the local store instead of the daemon")
	return cmd
}

type queueRow struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Chain     string `json:"chain"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	Nonce     uint64 `json:"nonce"`
	TxHash    string `json:"txHash,omitempty"`
	Reference string `json:"reference,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Queued    string `json:"queued"`
}

func queueRows(items []model.QueuedTransaction) []queueRow {
	rows := make([]queueRow, 0, len(items))
	for _, q := range items {
		rows = append(rows, queueRow{
			ID:        q.ID.String(),
			Status:    string(q.Status),
			Chain:     q.ChainID,
			To:        q.To,
			Amount:    q.Amount,
			Token:     q.TokenSymbol,
			Nonce:     q.Nonce,
			TxHash:    q.TxHash,
			Reference: q.PaymentReference,
			Reason:    q.FailureReason,
			Queued:    q.Timestamp.Local().Format(time.RFC3339),
		})
	}
	return rows
}

func queueDrainCmd(c *cli) *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Broadcast pending transactions now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()

			if local {
				rt, err := c.runtime(ctx)
				if err != nil {
					return err
				}
				d, err := rt.Drainer()
				if err != nil {
					return err
				}
				rep, err := d.DrainOnce(ctx)
				if err != nil {
					return err
				}
				return printJSON(c.out, drainRow(rep))
			}

			cc, admin, err := c.dial()
			if err != nil {
				return err
			}
			defer cc.Close()
			resp, err := admin.Drain(ctx, &structpb.Struct{})
			if err != nil {
				return err
			}
			return printJSON(c.out, resp.AsMap())
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "drain the local store through the configured relay")
	return cmd
}

func drainRow(rep service.DrainReport) map[string]int {
	return map[string]int{"confirmed": rep.Confirmed, "failed": rep.Failed, "deferred": rep.Deferred}
}

// ---- ledger ----

func ledgerCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "Record observed balances and nonces"}
	cmd.AddCommand(ledgerBalanceCmd(c), ledgerNonceCmd(c))
	return cmd
}

func ledgerBalanceCmd(c *cli) *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "balance <chain> <token> <balance>",
		Short: "Record the on-chain balance of a token",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()

			if local {
				rt, err := c.runtime(ctx)
				if err != nil {
					return err
				}
				b, err := rt.Offline.RecordBalance(ctx, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				s, err := convert.BalanceToStruct(b)
				if err != nil {
					return err
				}
				return printJSON(c.out, s.AsMap())
			}

			cc, admin, err := c.dial()
			if err != nil {
				return err
			}
			defer cc.Close()
			req, err := structpb.NewStruct(map[string]any{"chainId": args[0], "token": args[1], "balance": args[2]})
			if err != nil {
				return err
			}
			resp, err := admin.RecordBalance(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(c.out, resp.AsMap())
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "write the local store instead of the daemon")
	return cmd
}

func ledgerNonceCmd(c *cli) *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "nonce <chain> <address> <next-nonce>",
		Short: "Record the next pending nonce of an address",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			nonce, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("nonce: %w", err)
			}
			ctx, cancel := c.context(cmd)
			defer cancel()

			if local {
				rt, err := c.runtime(ctx)
				if err != nil {
					return err
				}
				next, err := rt.Offline.RecordNonce(ctx, args[0], args[1], nonce)
				if err != nil {
					return err
				}
				return printJSON(c.out, map[string]any{"chainId": args[0], "address": args[1], "nextNonce": next})
			}

			cc, admin, err := c.dial()
			if err != nil {
				return err
			}
			defer cc.Close()
			req, err := structpb.NewStruct(map[string]any{"chainId": args[0], "address": args[1], "nonce": float64(nonce)})
			if err != nil {
				return err
			}
			resp, err := admin.RecordNonce(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(c.out, resp.AsMap())
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "write the local store instead of the daemon")
	return cmd
}

// ---- operator tokens ----

func tokenCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Operator tokens for the admin API"}
	cmd.AddCommand(tokenIssueCmd(c))
	return cmd
}

func tokenIssueCmd(c *cli) *cobra.Command {
	var (
		subject string
		save    bool
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign an operator token with AIRPAY_OPERATOR_KEY",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if c.cfg.Admin.OperatorKey == "" {
				return errors.New("AIRPAY_OPERATOR_KEY is not set")
			}
			auth := service.NewOperatorAuth([]byte(c.cfg.Admin.OperatorKey), c.cfg.Admin.TokenTTL, nil)
			tok, exp, err := auth.Issue(subject)
			if err != nil {
				return err
			}
			if save {
				if err := saveToken(tok, exp); err != nil {
					return err
				}
				_, err = fmt.Fprintf(c.out, "saved to %s, expires %s\n", tokenPath(), exp.Local().Format(time.RFC3339))
				return err
			}
			_, err = fmt.Fprintln(c.out, tok)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().BoolVar(&save, "save", false, "store the token for later commands")
	return cmd
}
