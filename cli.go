package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"transitbd/tracker/internal/audit"
	"transitbd/tracker/internal/auth"
	"transitbd/tracker/internal/config"
	"transitbd/tracker/internal/dispatch"
	"transitbd/tracker/internal/logging"
)

const (
	commandName = "tracker"
	commandDesc = `The tracker ingests live vehicle positions from publishers, MQTT, Kafka and
GTFS-realtime feeds and fans them out to websocket and gRPC subscribers per route.`
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           commandName,
		Short:         "Real-time transit vehicle tracker",
		Long:          commandDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	config.BindFlags(root.PersistentFlags())
	root.AddCommand(newServeCommand(), newInspectCommand(), newTokenCommand(), newAuditCommand())
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.LoadWithFlags(cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the tracker service (default)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	logging.ReplaceGlobals(logger)
	logging.RedirectGRPC(logger)
	defer func() { _ = logger.Sync() }()

	t, err := newTracker(cmd.Context(), cfg, logger)
	if err != nil {
		logger.Error("tracker failed to start", logging.Error(err))
		return err
	}
	return t.Run(cmd.Context())
}

func newInspectCommand() *cobra.Command {
	var (
		server  string
		routeID string
		asJSON  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the vehicles a running tracker currently knows about",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			vehicles, err := fetchVehicles(ctx, http.DefaultClient, server, routeID)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(vehicles)
			}
			renderVehicles(cmd.OutOrStdout(), vehicles)
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&server, "server", "http://localhost:8080", "base URL of the tracker REST API")
	fs.StringVar(&routeID, "route", "", "only show vehicles on this route")
	fs.BoolVar(&asJSON, "json", false, "emit JSON instead of a table")
	fs.DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}

// fetchVehicles reads the vehicle list from a running tracker.
func fetchVehicles(ctx context.Context, client *http.Client, server, routeID string) ([]dispatch.Payload, error) {
	endpoint, err := url.Parse(strings.TrimRight(server, "/") + "/api/vehicles")
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if routeID != "" {
		endpoint.RawQuery = url.Values{"routeId": {routeID}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tracker answered %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var vehicles []dispatch.Payload
	if err := json.NewDecoder(resp.Body).Decode(&vehicles); err != nil {
		return nil, fmt.Errorf("decode vehicles: %w", err)
	}
	return vehicles, nil
}

func renderVehicles(w io.Writer, vehicles []dispatch.Payload) {
	table := uitable.New()
	table.MaxColWidth = 40
	table.AddRow("VEHICLE", "ROUTE", "STATUS", "SPEED", "OCCUPANCY", "DELAY", "ETA", "UPDATED")
	for _, v := range vehicles {
		eta := "-"
		if v.ETAMinutes != nil {
			eta = fmt.Sprintf("%d min", *v.ETAMinutes)
		}
		table.AddRow(v.VehicleID, v.RouteID, v.Status, fmt.Sprintf("%.1f km/h", v.SpeedKmh), v.Occupancy,
			fmt.Sprintf("%d min", v.DelayMinutes), eta, v.LastUpdatedAt.Format(time.RFC3339))
	}
	fmt.Fprintln(w, table)
}

func newTokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a publisher token signed with the configured publish secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.PublishSecret) == "" {
				return fmt.Errorf("%s_PUBLISH_SECRET is not set; publishing is open", config.EnvPrefix)
			}
			verifier, err := auth.NewHMACTokenVerifier(cfg.PublishSecret, 0)
			if err != nil {
				return err
			}
			token, err := verifier.Issue(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "publisher identity carried in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log of accepted position updates",
	}
	var (
		dir    string
		asJSON bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List audit segments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, err := auditDir(cmd, dir)
			if err != nil {
				return err
			}
			entries, err := audit.List(root)
			if err != nil {
				return err
			}
			if asJSON {
				payload, err := audit.MarshalEntries(entries)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(payload))
				return nil
			}
			table := uitable.New()
			table.AddRow("OPENED", "SEGMENT")
			for _, entry := range entries {
				table.AddRow(entry.Manifest.OpenedAt, entry.Dir)
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
	list.Flags().StringVar(&dir, "dir", "", "audit directory (defaults to the configured one)")
	list.Flags().BoolVar(&asJSON, "json", false, "emit JSON instead of a table")

	var vehicleID string
	events := &cobra.Command{
		Use:   "events <segment-dir>",
		Short: "Print the events recorded in one segment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recorded, err := audit.ReadEvents(args[0])
			if err != nil {
				return err
			}
			table := uitable.New()
			table.AddRow("SEQ", "RECORDED", "VEHICLE", "ROUTE", "LAT", "LNG", "SPEED")
			for _, event := range recorded {
				if vehicleID != "" && event.State.VehicleID != vehicleID {
					continue
				}
				table.AddRow(event.Seq, event.RecordedAt.Format(time.RFC3339), event.State.VehicleID, event.State.RouteID,
					fmt.Sprintf("%.5f", event.State.Location.Lat), fmt.Sprintf("%.5f", event.State.Location.Lng), fmt.Sprintf("%.1f", event.State.SpeedKmh))
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
	events.Flags().StringVar(&vehicleID, "vehicle", "", "only show events for this vehicle")

	cmd.AddCommand(list, events)
	return cmd
}

func auditDir(cmd *cobra.Command, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	if cfg.Audit.Dir == "" {
		return "", fmt.Errorf("no audit directory configured; pass --dir or set %s_AUDIT_DIR", config.EnvPrefix)
	}
	return cfg.Audit.Dir, nil
}
