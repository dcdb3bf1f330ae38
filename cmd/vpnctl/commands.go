package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"regionvpn-bot/internal/models"
	"regionvpn-bot/internal/provisioning"
)

func expireCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "expire [subscription-id]",
		Short: "Force-expire a subscription and revoke its regions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return end(cmd, e, args[0], models.SubscriptionExpired)
		},
	}
}

func revokeCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke [subscription-id]",
		Short: "Revoke every region of a subscription and cancel it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return end(cmd, e, args[0], models.SubscriptionCancelled)
		},
	}
}

func end(cmd *cobra.Command, e *env, rawID string, final models.SubscriptionStatus) error {
	id, err := parseID(rawID)
	if err != nil {
		return err
	}
	rep, err := e.app.Sweeper(e.notifier).Expire(cmd.Context(), id, final)
	if err != nil {
		return fmt.Errorf("subscription %d: %w", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Subscription %d is %s\n", id, final)
	printRevokeReport(cmd.OutOrStdout(), rep)
	return nil
}

func sweepCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiration sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := e.app.Sweeper(e.notifier).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Expired:      %d\n", rep.Expired)
			fmt.Fprintf(out, "Interrupted:  %d\n", rep.Interrupted)
			fmt.Fprintf(out, "Abandoned:    %d payment(s)\n", rep.Abandoned)
			printRevokeReport(out, rep.Revokes)
			fmt.Fprintf(out, "Lagging:      revoked %d, failed %d\n", rep.Lagging.Revoked, rep.Lagging.Failed)
			return nil
		},
	}
}

func retryRegionCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-region [subscription-id] [region]",
		Short: "Re-issue a failed region of a subscription",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			res, err := e.app.Coordinator.RetryRegion(cmd.Context(), id, strings.ToLower(args[1]))
			if err != nil {
				return fmt.Errorf("retry %s on subscription %d: %w", args[1], id, err)
			}
			printSubscription(cmd.OutOrStdout(), res.Subscription)
			return nil
		},
	}
}

func showCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "show [subscription-id]",
		Short: "Show a subscription with its region grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			sub, err := e.app.Repo.Subscription(cmd.Context(), id)
			if err != nil {
				return err
			}
			printSubscription(cmd.OutOrStdout(), sub)
			return nil
		},
	}
}

func userCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user [telegram-id]",
		Short: "List the subscriptions of a Telegram user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			telegramID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid telegram id %q", args[0])
			}
			limit, _ := cmd.Flags().GetInt("limit")

			user, err := e.app.Repo.UserByTelegramID(cmd.Context(), telegramID)
			if err != nil {
				return err
			}
			subs, err := e.app.Repo.SubscriptionsByUser(cmd.Context(), user.ID, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "User %d (@%s), %d subscription(s)\n", user.TelegramID, valueOrDefault(user.Username, "-"), len(subs))
			for _, s := range subs {
				s.User = user
				fmt.Fprintln(out)
				printSubscription(out, s)
			}
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "Maximum subscriptions")
	return cmd
}

func plansCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "List duration plans and prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			plans, err := e.app.Repo.Plans(cmd.Context())
			if err != nil {
				return err
			}
			printPlans(cmd.OutOrStdout(), plans)
			return nil
		},
	}
}

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid subscription id %q", s)
	}
	return uint(id), nil
}

func printRevokeReport(w io.Writer, rep provisioning.RevokeReport) {
	fmt.Fprintf(w, "Revocations:  revoked %d, failed %d, skipped %d\n", rep.Revoked, rep.Failed, rep.Skipped)
}

func printSubscription(w io.Writer, sub models.Subscription) {
	fmt.Fprintf(w, "Subscription %d\n", sub.ID)
	fmt.Fprintf(w, "  User:     %d\n", sub.User.TelegramID)
	fmt.Fprintf(w, "  Plan:     %s\n", sub.PlanID)
	fmt.Fprintf(w, "  Package:  %s\n", valueOrDefault(sub.PackageID, "-"))
	fmt.Fprintf(w, "  Status:   %s\n", sub.Status)
	fmt.Fprintf(w, "  Period:   %s .. %s\n", sub.StartAt.UTC().Format(time.RFC3339), sub.EndAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "  Payment:  %d\n", sub.PaymentRecordID)

	if len(sub.Grants) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REGION\tSTATUS\tATTEMPTS\tCREDENTIAL\tLAST ERROR")
	for _, g := range sub.Grants {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", g.Region, g.Status, g.Attempts, valueOrDefault(g.CredentialID, "-"), valueOrDefault(g.LastError, "-"))
	}
	_ = tw.Flush()
}

func printPlans(w io.Writer, plans []models.DurationPlan) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tLENGTH\tCRYPTO\tCARD")
	for _, p := range plans {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%g %s\t%g %s\n", p.ID, p.Name, p.Length, p.PriceCrypto, p.CryptoAsset, p.PriceCard, p.CardCurrency)
	}
	_ = tw.Flush()
}

func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
