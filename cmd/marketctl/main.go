// Command marketctl drives a running nft-market server over its REST API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	account   string
	timeout   time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "marketctl",
	Short:        "Command-line client for the nft-market ledger",
	SilenceUsage: true,
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("MARKET_SERVER", "http://localhost:8080"), "server base URL (or MARKET_SERVER env)")
	rootCmd.PersistentFlags().StringVarP(&account, "account", "a", os.Getenv("MARKET_ACCOUNT"), "acting account (or MARKET_ACCOUNT env)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	rootCmd.AddCommand(newCommands()...)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}

func newClient() *apiClient {
	return &apiClient{base: serverURL, account: account, http: &http.Client{Timeout: timeout}}
}

func requireAccount() error {
	if account == "" {
		return fmt.Errorf("--account is required for this command")
	}
	return nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	return d, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newCommands() []*cobra.Command {
	var collection string

	listCmd := &cobra.Command{
		Use:   "list <collection> <item-id> <price>",
		Short: "List an item for sale",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAccount(); err != nil {
				return err
			}
			price, err := parseAmount(args[2])
			if err != nil {
				return err
			}
			listing, err := newClient().List(cmd.Context(), args[0], args[1], price)
			if err != nil {
				return err
			}
			return printJSON(cmd, listing)
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <collection> <item-id>",
		Short: "Show the active listing for an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			listing, err := newClient().Get(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, listing)
		},
	}

	updateCmd := &cobra.Command{
		Use:   "update-price <collection> <item-id> <price>",
		Short: "Change the asking price of your listing",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAccount(); err != nil {
				return err
			}
			price, err := parseAmount(args[2])
			if err != nil {
				return err
			}
			listing, err := newClient().UpdatePrice(cmd.Context(), args[0], args[1], price)
			if err != nil {
				return err
			}
			return printJSON(cmd, listing)
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <collection> <item-id>",
		Short: "Cancel your listing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAccount(); err != nil {
				return err
			}
			if err := newClient().Cancel(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s/%s\n", args[0], args[1])
			return nil
		},
	}

	buyCmd := &cobra.Command{
		Use:   "buy <collection> <item-id> <payment>",
		Short: "Buy a listed item",
		Long: `Buys a listed item. The full payment is credited to the seller;
anything above the asking price is not refunded.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAccount(); err != nil {
				return err
			}
			payment, err := parseAmount(args[2])
			if err != nil {
				return err
			}
			sale, err := newClient().Buy(cmd.Context(), args[0], args[1], payment)
			if err != nil {
				return err
			}
			return printJSON(cmd, sale)
		},
	}

	proceedsCmd := &cobra.Command{
		Use:   "proceeds [seller]",
		Short: "Show a seller's withdrawable balance (defaults to --account)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seller := account
			if len(args) == 1 {
				seller = args[0]
			}
			if seller == "" {
				return fmt.Errorf("seller argument or --account is required")
			}
			proceeds, err := newClient().Proceeds(cmd.Context(), seller)
			if err != nil {
				return err
			}
			return printJSON(cmd, proceeds)
		},
	}

	withdrawCmd := &cobra.Command{
		Use:   "withdraw",
		Short: "Withdraw all proceeds owed to --account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAccount(); err != nil {
				return err
			}
			proceeds, err := newClient().Withdraw(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, proceeds)
		},
	}

	listingsCmd := &cobra.Command{
		Use:   "listings",
		Short: "Browse active listings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			listings, err := newClient().Listings(cmd.Context(), collection)
			if err != nil {
				return err
			}
			return printJSON(cmd, listings)
		},
	}
	listingsCmd.Flags().StringVar(&collection, "collection", "", "only show this collection")

	salesCmd := &cobra.Command{
		Use:   "sales",
		Short: "Show completed sales",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sales, err := newClient().Sales(cmd.Context(), collection)
			if err != nil {
				return err
			}
			return printJSON(cmd, sales)
		},
	}
	salesCmd.Flags().StringVar(&collection, "collection", "", "only show this collection")

	return []*cobra.Command{listCmd, getCmd, updateCmd, cancelCmd, buyCmd, proceedsCmd, withdrawCmd, listingsCmd, salesCmd}
}
