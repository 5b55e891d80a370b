// routerctl — operator CLI for the router abstraction layer. It drives
// the same dispatcher the MCP server uses, so every command lands in the
// same audit trail.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerv-lab/tachikoma/internal/audit"
	"github.com/nerv-lab/tachikoma/internal/config"
	"github.com/nerv-lab/tachikoma/internal/credentials"
	"github.com/nerv-lab/tachikoma/internal/detect"
	"github.com/nerv-lab/tachikoma/internal/dispatch"
	"github.com/nerv-lab/tachikoma/internal/ratelimit"
	"github.com/nerv-lab/tachikoma/internal/router"
	"github.com/nerv-lab/tachikoma/internal/snapshot"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const actorCLI = "cli"

type app struct {
	cfg        config.Config
	detector   *detect.Detector
	dispatcher *dispatch.Dispatcher
	snapshots  *snapshot.Store
	auditSink  audit.Sink
}

func main() {
	var (
		configPath string
		vendorHint string
		jsonOut    bool
	)

	var a *app
	root := &cobra.Command{
		Use:           "routerctl",
		Short:         "Manage heterogeneous home routers through one normalized surface",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			built, err := buildApp(configPath)
			if err != nil {
				return err
			}
			a = built
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("TACHIKOMA_CONFIG"), "path to YAML config file")
	root.PersistentFlags().StringVar(&vendorHint, "vendor", "", "vendor hint, skips detection (unifi, asus, netgear, pfsense, openwrt, tplink)")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "emit raw JSON")

	emit := func(v any) error {
		if jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		}
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	run := func(cmd *cobra.Command, address string, c router.Command) error {
		hint, err := router.ParseVendor(vendorHint)
		if err != nil {
			return err
		}
		c.Actor = actorCLI
		res := a.dispatcher.Dispatch(cmd.Context(), address, hint, c)
		if !res.OK {
			return fmt.Errorf("%s: %s", res.Err.Kind, res.Err.Msg)
		}
		return emit(res.Payload)
	}

	detectCmd := &cobra.Command{
		Use:   "detect <address>",
		Short: "Identify the router vendor at an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			target, err := a.detector.Detect(cmd.Context(), args[0], router.VendorUnknown, force)
			if err != nil {
				return err
			}
			return emit(map[string]any{"address": target.Address, "vendor": target.Vendor})
		},
	}
	detectCmd.Flags().Bool("force", false, "bypass the detection cache")
	root.AddCommand(detectCmd)

	root.AddCommand(&cobra.Command{
		Use:   "status <address>",
		Short: "Show model, firmware, WAN state, and uptime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], router.Command{Kind: router.GetStatus})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "bandwidth <address>",
		Short: "Show WAN traffic counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], router.Command{Kind: router.GetBandwidth})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "reservations <address>",
		Short: "List DHCP reservations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], router.Command{Kind: router.ListReservations})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "forwards <address>",
		Short: "List port forwarding rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], router.Command{Kind: router.ListPortForwards})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "backup <address>",
		Short: "Capture the router configuration as a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], router.Command{Kind: router.BackupConfig})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "restore <address> <snapshot-id>",
		Short: "Restore a configuration snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], router.Command{
				Kind:   router.RestoreConfig,
				Params: map[string]any{router.ParamSnapshotID: args[1]},
			})
		},
	})

	backups := &cobra.Command{
		Use:   "backups",
		Short: "Manage stored configuration snapshots",
	}
	backups.AddCommand(&cobra.Command{
		Use:   "list [address]",
		Short: "List stored snapshots (all targets when no address given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			list, err := a.snapshots.ListFor(target)
			if err != nil {
				return err
			}
			return emit(list)
		},
	})
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete snapshots past the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")
			if days <= 0 {
				days = a.cfg.Backup.RetentionDays
			}
			removed, err := a.snapshots.Prune(time.Duration(days) * 24 * time.Hour)
			if err != nil {
				return err
			}
			return emit(map[string]any{"removed": removed})
		},
	}
	pruneCmd.Flags().Int("days", 0, "retention in days (default from config)")
	backups.AddCommand(pruneCmd)
	root.AddCommand(backups)

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Search the command audit trail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetString("target")
			kind, _ := cmd.Flags().GetString("kind")
			limit, _ := cmd.Flags().GetInt("limit")
			var entries []audit.Entry
			for e := range a.auditSink.Query(audit.Filter{
				Target: target,
				Kind:   router.CommandKind(kind),
				Limit:  limit,
			}) {
				entries = append(entries, e)
			}
			return emit(entries)
		},
	}
	auditCmd.Flags().String("target", "", "filter by router address")
	auditCmd.Flags().String("kind", "", "filter by command kind")
	auditCmd.Flags().Int("limit", 50, "maximum entries")
	root.AddCommand(auditCmd)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("routerctl %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func buildApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	registry := detect.DefaultRegistry(cfg.Timeouts.Command, cfg.SNMPCommunity)
	detector := detect.New(registry, detect.Options{
		ProbeTimeout: cfg.Timeouts.Probe,
		TotalTimeout: cfg.Timeouts.DetectTotal,
		Logger:       log,
	})

	creds := make(map[router.Vendor]router.Credentials)
	for name := range cfg.Credentials {
		vendor, err := router.ParseVendor(name)
		if err != nil || !vendor.Known() {
			continue
		}
		if c, ok := cfg.CredentialsFor(vendor); ok {
			creds[vendor] = c
		}
	}

	keyHex := ""
	if cfg.Backup.Encrypt {
		keyHex = cfg.Backup.KeyHex
	}
	store, err := snapshot.NewStore(cfg.Backup.Dir, keyHex)
	if err != nil {
		return nil, err
	}

	var sink audit.Sink
	if cfg.Audit.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Audit.DBPath), 0o750); err == nil {
			if s, err := audit.NewStore(cfg.Audit.DBPath); err == nil {
				sink = s
			}
		}
	}
	if sink == nil {
		sink = audit.NewLog(0)
	}

	dispatcher := dispatch.New(dispatch.Options{
		Registry:    registry,
		Detector:    detector,
		Credentials: credentials.NewStatic(creds),
		Limiter:     ratelimit.New(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
		Snapshots:   store,
		Audit:       sink,
		Retry:       cfg.Retry,
		Logger:      log,
	})

	return &app{
		cfg:        cfg,
		detector:   detector,
		dispatcher: dispatcher,
		snapshots:  store,
		auditSink:  sink,
	}, nil
}
