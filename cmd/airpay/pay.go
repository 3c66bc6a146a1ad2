package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/airchainpay/internal/app"
	"github.com/and161185/airchainpay/internal/model"
	"github.com/and161185/airchainpay/internal/radio"
)

// ---- scan ----

func scanCmd(c *cli) *cobra.Command {
	var dur time.Duration
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Discover nearby payees",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			rt, err := c.runtime(ctx)
			if err != nil {
				return err
			}
			rm, err := rt.Radio()
			if err != nil {
				return err
			}
			devices, err := scanFor(ctx, rm, dur, "")
			if err != nil {
				return err
			}
			return printJSON(c.out, devices)
		},
	}
	cmd.Flags().DurationVar(&dur, "duration", 5*time.Second, "how long to scan")
	return cmd
}

// scanFor scans until dur elapses or, when want is set, that device shows up.
func scanFor(ctx context.Context, rm *radio.Manager, dur time.Duration, want string) ([]model.Device, error) {
	sub := rm.Subscribe(16, radio.DeviceDiscovered)
	defer sub.Unsubscribe()
	if err := rm.StartScan(ctx); err != nil {
		return nil, err
	}
	defer func() { _ = rm.StopScan() }()

	t := time.NewTimer(dur)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
			return rm.Devices(), nil
		case ev := <-sub.C:
			if want != "" && ev.DeviceID == want {
				return rm.Devices(), nil
			}
		}
	}
}

// ---- send ----

type sendFlags struct {
	to           string
	amount       string
	chain        string
	token        string
	tokenAddress string
	decimals     int
	reference    string
	merchant     string
	location     string
	expiry       time.Duration
	scan         time.Duration
	presign      bool
}

func sendCmd(c *cli) *cobra.Command {
	var f sendFlags
	cmd := &cobra.Command{
		Use:   "send <device-id>",
		Short: "Pay a nearby device; queues offline when the chain is unreachable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			rt, err := c.runtime(ctx)
			if err != nil {
				return err
			}
			rm, err := rt.Radio()
			if err != nil {
				return err
			}

			deviceID := args[0]
			devices, err := scanFor(ctx, rm, f.scan, deviceID)
			if err != nil {
				return err
			}
			dev, ok := findDevice(devices, deviceID)
			if !ok {
				return fmt.Errorf("device %s not found", deviceID)
			}
			if f.to == "" && dev.Payment != nil {
				f.to = dev.Payment.WalletAddress
				if f.token == "" {
					f.token = dev.Payment.Token
				}
			}

			req, err := buildRequest(f, time.Now())
			if err != nil {
				return err
			}
			if f.presign {
				presign(ctx, rt, &req)
			}

			orch := rt.Orchestrator(rm, func(id string, s model.FlowState) {
				c.log.Debug("flow", zap.String("device", id), zap.String("state", string(s)))
			})
			res, err := orch.Pay(ctx, deviceID, req)
			if perr := printJSON(c.out, res); perr != nil {
				return perr
			}
			return err
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.to, "to", "", "recipient address (default: from the device advertisement)")
	fl.StringVar(&f.amount, "amount", "", "amount in token units")
	fl.StringVar(&f.chain, "chain", "", "chain key, e.g. core_testnet or base_sepolia")
	fl.StringVar(&f.token, "token", "", "token symbol (default: native)")
	fl.StringVar(&f.tokenAddress, "token-address", "", "ERC-20 contract address")
	fl.IntVar(&f.decimals, "decimals", 0, "token decimals when not registered")
	fl.StringVar(&f.reference, "ref", "", "payment reference (default: random)")
	fl.StringVar(&f.merchant, "merchant", "", "merchant name")
	fl.StringVar(&f.location, "location", "", "merchant location")
	fl.DurationVar(&f.expiry, "expires-in", 0, "payment expiry from now")
	fl.DurationVar(&f.scan, "scan", 5*time.Second, "how long to look for the device")
	fl.BoolVar(&f.presign, "presign", true, "sign the transfer locally for the payee to broadcast")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("chain")
	return cmd
}

func findDevice(devices []model.Device, id string) (model.Device, bool) {
	for _, d := range devices {
		if d.ID == id {
			return d, true
		}
	}
	return model.Device{}, false
}

// buildRequest turns send flags into a payment request.
func buildRequest(f sendFlags, now time.Time) (model.PaymentRequest, error) {
	if !model.IsAddress(f.to) {
		return model.PaymentRequest{}, fmt.Errorf("recipient %q is not an address", f.to)
	}
	req := model.PaymentRequest{
		To:               f.to,
		Amount:           strings.TrimSpace(f.amount),
		ChainID:          strings.TrimSpace(f.chain),
		PaymentReference: f.reference,
	}
	autoReference(&req.PaymentReference)
	if f.token != "" || f.tokenAddress != "" {
		if f.tokenAddress != "" && !model.IsAddress(f.tokenAddress) {
			return model.PaymentRequest{}, fmt.Errorf("token address %q is not an address", f.tokenAddress)
		}
		req.Token = &model.Token{Symbol: strings.ToUpper(f.token), Address: f.tokenAddress, Decimals: f.decimals}
	}
	if f.merchant != "" || f.location != "" || f.expiry > 0 {
		md := &model.Metadata{Merchant: f.merchant, Location: f.location, Timestamp: now.Unix()}
		if f.expiry > 0 {
			md.Expiry = now.Add(f.expiry).Unix()
		}
		req.Metadata = md
	}
	return req, nil
}

func autoReference(ref *string) {
	if *ref == "" {
		v, _ := uuid.NewV4()
		*ref = v.String()
	}
}

// presign signs req with the live pending nonce. Without a key or a reachable node
// the request goes out unsigned and the offline branch signs it if needed.
func presign(ctx context.Context, rt *app.Runtime, req *model.PaymentRequest) {
	if rt.Signer == nil {
		return
	}
	c, err := rt.Chains.Lookup(req.ChainID)
	if err != nil {
		return
	}
	nonce, err := rt.RPC.PendingNonce(ctx, c.Key, rt.Signer.Address())
	if err != nil {
		rt.Log.Info("not pre-signing", zap.Error(err))
		return
	}
	stx, err := rt.Signer.Sign(c, *req, nonce)
	if err != nil {
		rt.Log.Warn("pre-sign", zap.Error(err))
		return
	}
	req.SignedTx = stx.Raw
}

// ---- sync ----

func syncCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [chain...]",
		Short: "Record live balances and nonces for offline use",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			rt, err := c.runtime(ctx)
			if err != nil {
				return err
			}
			if rt.Signer == nil {
				return errors.New("AIRPAY_SIGNER_KEY is not set")
			}
			chains := args
			if len(chains) == 0 {
				chains = rt.Chains.Keys()
			}
			var errs []error
			for _, key := range chains {
				if err := rt.Offline.Sync(ctx, rt.RPC, key); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", key, err))
					continue
				}
				fmt.Fprintf(c.out, "%s synced\n", key)
			}
			return errors.Join(errs...)
		},
	}
	return cmd
}
