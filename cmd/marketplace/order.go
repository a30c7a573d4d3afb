package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marketplace/pkg/auth"
	"marketplace/pkg/httpx"
	"marketplace/pkg/orders"
	"marketplace/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newOrderCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Client commands for the order API",
	}
	cmd.AddCommand(newOrderSubmitCommand(v))
	return cmd
}

type submitOptions struct {
	server     string
	key        string
	user       string
	token      string
	items      []string
	retries    int
	retryDelay time.Duration
	timeout    time.Duration
}

func newOrderSubmitCommand(v *viper.Viper) *cobra.Command {
	var opts submitOptions
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Place an order, retrying safely with one idempotency key",
		Example: `  marketplace order submit --item A:2:500 --item B:1:99
  marketplace order submit --key 5f1c... --item A:1:100 --retries 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.server = v.GetString("server")
			return runOrderSubmit(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.String("server", "http://localhost:8080", "marketplace base URL")
	if err := v.BindPFlag("server", flags.Lookup("server")); err != nil {
		panic(err)
	}
	flags.StringVar(&opts.key, "key", "", "idempotency key (a random UUID when empty)")
	flags.StringVar(&opts.user, "user", "", "caller subject sent in "+auth.DefaultSubjectHeader)
	flags.StringVar(&opts.token, "token", "", "bearer token for oidc_hs256 servers")
	flags.StringArrayVar(&opts.items, "item", nil, "order line as SKU:QUANTITY:UNIT_PRICE_CENTS (repeatable)")
	flags.IntVar(&opts.retries, "retries", 3, "retries on transport errors, 5xx and in-progress conflicts")
	flags.DurationVar(&opts.retryDelay, "retry-delay", 200*time.Millisecond, "minimum delay between attempts")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-attempt HTTP timeout")
	return cmd
}

func runOrderSubmit(cmd *cobra.Command, opts submitOptions) error {
	items, err := parseItems(opts.items)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string][]orders.Item{"items": items})
	if err != nil {
		return err
	}
	key := strings.TrimSpace(opts.key)
	if key == "" {
		key = uuid.NewString()
	}
	headers := map[string]string{}
	if opts.user != "" {
		headers[auth.DefaultSubjectHeader] = opts.user
	}
	if opts.token != "" {
		headers["Authorization"] = "Bearer " + opts.token
	}
	client := telemetry.InstrumentClient(&http.Client{Timeout: opts.timeout})
	url := strings.TrimRight(opts.server, "/") + "/orders"
	resp, err := httpx.SubmitIdempotent(cmd.Context(), client, http.MethodPost, url, key, body, headers, opts.retries, opts.retryDelay)
	if err != nil {
		return fmt.Errorf("submit order (key %s): %w", key, err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "key=%s status=%d attempts=%d replayed=%t\n", key, resp.Status, resp.Attempts, resp.Replayed())
	fmt.Fprintf(out, "%s\n", strings.TrimSpace(string(resp.Body)))
	if resp.Status >= 400 {
		return fmt.Errorf("order rejected with status %d", resp.Status)
	}
	return nil
}

func parseItems(raw []string) ([]orders.Item, error) {
	items := make([]orders.Item, 0, len(raw))
	for _, entry := range raw {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid --item %q (want SKU:QUANTITY:UNIT_PRICE_CENTS)", entry)
		}
		qty, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid quantity in --item %q: %w", entry, err)
		}
		price, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid price in --item %q: %w", entry, err)
		}
		items = append(items, orders.Item{SKU: strings.TrimSpace(parts[0]), Quantity: qty, UnitPriceCents: price})
	}
	if err := orders.ValidateItems(items); err != nil {
		return nil, err
	}
	return items, nil
}
