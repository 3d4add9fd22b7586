package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"BananaPay/internal/app"
	"BananaPay/internal/config"
	"BananaPay/internal/signature"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "payctl",
		Short:        "Operator tools for BananaPay orders",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $CONFIG_PATH or configs/config.yaml)")

	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(keygenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

func orderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "order [orderId]",
		Short: "Show an order and its notification log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			order, err := a.Store.Get(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "order    %s\n", order.OrderID)
			fmt.Fprintf(out, "state    %s\n", order.State)
			fmt.Fprintf(out, "plan     %s\n", order.Plan)
			fmt.Fprintf(out, "amount   %s\n", order.Amount.StringFixed(2))
			fmt.Fprintf(out, "payer    %s\n", order.PayerAccount)
			if order.GatewayTradeNo != nil {
				fmt.Fprintf(out, "trade no %s\n", *order.GatewayTradeNo)
			}
			fmt.Fprintf(out, "created  %s\n", order.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "updated  %s\n\n", order.UpdatedAt.Format(time.RFC3339))

			log, err := a.Store.ListNotifications(ctx, order.OrderID)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RECEIVED\tSOURCE\tTRADE NO\tSTATUS\tAMOUNT\tOUTCOME\tAPPLIED")
			for _, rec := range log {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
					rec.ReceivedAt.Format(time.RFC3339), rec.Source, rec.TradeNo, rec.TradeStatus,
					rec.TotalAmount, rec.Outcome, rec.AppliedStateChange)
			}
			return tw.Flush()
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [orderId...]",
		Short: "Query the gateway now for orders awaiting notification",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			a.Fulfillment.Start(context.Background())
			defer a.Fulfillment.Close()

			var failed int
			for _, id := range args {
				res, err := a.Reconciler.ReconcileNow(ctx, id)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
					continue
				}
				if res.Skipped {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (skipped)\n", id, res.Order.State)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", id, res.Order.State, res.Outcome)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d orders failed", failed, len(args))
			}
			return nil
		},
	}
}

func reviewCmd() *cobra.Command {
	var since time.Duration
	var limit int
	cmd := &cobra.Command{
		Use:   "review",
		Short: "List notifications flagged for manual review",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			flagged, err := a.Store.ListFlagged(ctx, time.Now().UTC().Add(-since), limit)
			if err != nil {
				return err
			}
			if len(flagged) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to review")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RECEIVED\tORDER\tSOURCE\tTRADE NO\tSTATUS\tREPORTED")
			for _, rec := range flagged {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					rec.ReceivedAt.Format(time.RFC3339), rec.OrderID, rec.Source, rec.TradeNo,
					rec.TradeStatus, rec.TotalAmount)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&since, "since", 7*24*time.Hour, "how far back to look")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum records (0 for all)")
	return cmd
}

func keygenCmd() *cobra.Command {
	var bits int
	var dir string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a merchant RSA2 key pair",
		Long: `Generate a merchant RSA key pair. Upload the public key to the gateway
console and point gateway.private_key_file at the private key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			privPEM, pubPEM, err := signature.GenerateKeyPair(bits)
			if err != nil {
				return err
			}
			if dir == "" {
				fmt.Fprint(cmd.OutOrStdout(), privPEM, pubPEM)
				return nil
			}
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return err
			}
			privPath := filepath.Join(dir, "merchant_private.pem")
			pubPath := filepath.Join(dir, "merchant_public.pem")
			if err := os.WriteFile(privPath, []byte(privPEM), 0o600); err != nil {
				return err
			}
			if err := os.WriteFile(pubPath, []byte(pubPEM), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\nwrote %s\n", privPath, pubPath)
			return nil
		},
	}
	cmd.Flags().IntVar(&bits, "bits", 2048, "key size")
	cmd.Flags().StringVarP(&dir, "out", "o", "", "directory to write PEM files to (prints when empty)")
	return cmd
}
