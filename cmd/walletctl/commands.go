package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/boleia/backend/internal/auth"
	"github.com/boleia/backend/internal/client"
	"github.com/boleia/backend/internal/config"
	"github.com/boleia/backend/internal/models"
	"github.com/boleia/backend/internal/payments"
	"github.com/boleia/backend/internal/realtime"
	"github.com/boleia/backend/internal/walletview"
)

type globals struct {
	apiURL string
	token  string
	role   string
}

func (g *globals) client() (*client.Client, error) {
	if g.token == "" {
		return nil, errors.New("no token: pass --token or set WALLET_TOKEN (see `walletctl token`)")
	}
	return client.New(g.apiURL, g.token), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func rootCmd() *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:           "walletctl",
		Short:         "Inspect and top up ride-hailing wallets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&g.apiURL, "api", envOr("WALLET_API_URL", "http://localhost:8080"), "API base URL")
	cmd.PersistentFlags().StringVar(&g.token, "token", os.Getenv("WALLET_TOKEN"), "Bearer token")
	cmd.PersistentFlags().StringVar(&g.role, "role", "", "Wallet role (driver or passenger); defaults to the token's first role")

	cmd.AddCommand(
		balanceCmd(g),
		historyCmd(g),
		topUpCmd(g),
		watchCmd(g),
		prefsCmd(g),
		earningsCmd(g),
		tokenCmd(),
	)
	return cmd
}

func balanceCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the wallet balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			view := walletview.New(c, models.Role(g.role), 0)
			if err := view.Refresh(cmd.Context()); err != nil {
				return err
			}
			printWallet(cmd.OutOrStdout(), view.Snapshot())
			return nil
		},
	}
}

func historyCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent wallet transactions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			view := walletview.New(c, models.Role(g.role), limit)
			if err := view.Refresh(cmd.Context()); err != nil {
				return err
			}
			printTransactions(cmd.OutOrStdout(), view.Snapshot().Transactions)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of transactions")
	return cmd
}

func topUpCmd(g *globals) *cobra.Command {
	var (
		req       client.TopUpRequest
		method    string
		attemptID string
	)
	cmd := &cobra.Command{
		Use:   "topup",
		Short: "Add funds through M-Pesa, eMola or card",
		Example: `  walletctl topup --method mpesa --amount 100 --phone 841112233
  walletctl topup --role driver --method card --amount 450,00 \
      --card-number "4242 4242 4242 4242" --expiry 12/29 --cvc 123 --holder "A Motorista"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			req.Method = payments.Method(method)
			req.Role = models.Role(g.role)
			if attemptID == "" {
				attemptID = ulid.Make().String()
			}
			out := cmd.OutOrStdout()

			view := walletview.New(c, req.Role, 5)
			_ = view.Refresh(cmd.Context())

			resp, err := c.TopUp(cmd.Context(), req, attemptID)
			if err != nil {
				var apiErr *client.APIError
				if errors.As(err, &apiErr) && apiErr.Code == "ledger_desync" {
					fmt.Fprintf(out, "Payment taken but wallet not yet credited. Reconciliation is running for attempt %s.\n", apiErr.AttemptID)
				}
				return err
			}
			if resp.Pending() {
				fmt.Fprintf(out, "Waiting for the provider to confirm attempt %s. Run `walletctl watch` to see the credit land.\n", resp.AttemptID)
				return nil
			}
			fmt.Fprintf(out, "Credited %s (attempt %s)\n", money(resp.Amount), resp.AttemptID)
			view.ApplyOptimisticCredit(resp.Amount)
			if err := view.Refresh(cmd.Context()); err != nil {
				fmt.Fprintf(out, "(showing unconfirmed balance: %v)\n", err)
			}
			printWallet(out, view.Snapshot())
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&method, "method", "mpesa", "Payment method: mpesa, emola or card")
	f.StringVar(&req.Amount, "amount", "", "Amount in meticais, e.g. 100 or 450,00")
	f.StringVar(&req.Phone, "phone", "", "Mobile money number")
	f.StringVar(&req.CardNumber, "card-number", "", "Card number")
	f.StringVar(&req.Expiry, "expiry", "", "Card expiry MM/YY")
	f.StringVar(&req.CVC, "cvc", "", "Card security code")
	f.StringVar(&req.Holder, "holder", "", "Name on card")
	f.StringVar(&req.CardToken, "card-token", "", "Saved card token instead of card fields")
	f.BoolVar(&req.RememberCard, "remember", false, "Save the card for later top-ups")
	f.StringVar(&attemptID, "attempt-id", "", "Reuse to retry an attempt without double-crediting")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func watchCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow wallet and trip events; refresh the balance on every change",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()

			view := walletview.New(c, models.Role(g.role), 5)
			if err := view.Refresh(ctx); err != nil {
				return err
			}
			printWallet(out, view.Snapshot())

			err = c.Watch(ctx, func(e realtime.Event) {
				switch e.Type {
				case realtime.EventWalletUpdated:
					if err := view.Refresh(ctx); err != nil {
						fmt.Fprintf(out, "refresh failed: %v\n", err)
						return
					}
					printWallet(out, view.Snapshot())
				case realtime.EventTripUpdated:
					fmt.Fprintf(out, "trip %s is now %s\n", e.TripID, e.TripStatus)
				default:
					fmt.Fprintf(out, "%s\n", e.Type)
				}
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func prefsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Show or change payment preferences",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			p, err := c.Preferences(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			def := string(p.DefaultMethod)
			if def == "" {
				def = "(none)"
			}
			fmt.Fprintf(out, "Default method: %s\n", def)
			for _, card := range p.Cards {
				fmt.Fprintf(out, "  %s  %s •••• %s  %s\n", card.ID, card.Brand, card.Last4, card.Expiry)
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set-default <method>",
		Short: "Set the preselected payment method",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			if _, err := c.SetDefaultMethod(cmd.Context(), payments.Method(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default method set to %s\n", args[0])
			return nil
		},
	}, &cobra.Command{
		Use:   "forget-card <id>",
		Short: "Remove a saved card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			if _, err := c.ForgetCard(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Card %s removed\n", args[0])
			return nil
		},
	})
	return cmd
}

func earningsCmd(g *globals) *cobra.Command {
	var period string
	cmd := &cobra.Command{
		Use:   "earnings",
		Short: "Driver earnings for today, this week or this month",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			e, err := c.Earnings(cmd.Context(), period)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintf(w, "Since\t%s\n", e.Since.Format("2006-01-02"))
			fmt.Fprintf(w, "Trips\t%d\n", e.Trips)
			fmt.Fprintf(w, "Gross\t%s\n", money(e.Gross))
			fmt.Fprintf(w, "Commission\t%s\n", money(e.Commission))
			fmt.Fprintf(w, "Net\t%s\n", money(e.Net))
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&period, "period", "today", "today, week or month")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		userID string
		roles  []string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development token signed with the server's JWT secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
			if err != nil {
				return err
			}
			id := uuid.New()
			if userID != "" {
				if id, err = uuid.Parse(userID); err != nil {
					return fmt.Errorf("--user: %w", err)
				}
			}
			var rs []models.Role
			for _, r := range roles {
				role := models.Role(strings.TrimSpace(r))
				if !role.Valid() {
					return fmt.Errorf("unknown role %q", r)
				}
				rs = append(rs, role)
			}
			tok, err := auth.NewService(cfg.Auth.JWTSecret).IssueToken(id, rs, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id (random when empty)")
	cmd.Flags().StringSliceVar(&roles, "roles", []string{"passenger"}, "Roles to grant")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "Token lifetime")
	return cmd
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2) + " MT"
}

func printWallet(w io.Writer, s walletview.Snapshot) {
	if s.Wallet == nil {
		fmt.Fprintln(w, "No wallet yet")
		return
	}
	fmt.Fprintf(w, "%s wallet: %s\n", s.Wallet.Role, money(s.Wallet.Balance))
	if s.InDebt {
		fmt.Fprintln(w, "You owe commission to the platform. Top up to keep receiving trips.")
	}
	if s.Stale {
		fmt.Fprintln(w, "(balance not yet confirmed by the server)")
	}
}

func printTransactions(w io.Writer, txs []*models.Transaction) {
	if len(txs) == 0 {
		fmt.Fprintln(w, "No transactions")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tTYPE\tAMOUNT\tDESCRIPTION")
	for _, t := range txs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.CreatedAt.Local().Format("2006-01-02 15:04"), t.Type, money(t.Amount), t.Description)
	}
	_ = tw.Flush()
}
