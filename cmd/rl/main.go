package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"rerouteline/internal/app"
	"rerouteline/internal/config"
	"rerouteline/internal/db"
	"rerouteline/internal/eventlog"
	"rerouteline/internal/logging"
	"rerouteline/internal/migrate"
	"rerouteline/internal/server"
	reroutelinesdk "rerouteline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Rerouteline CLI",
	Long: `Rerouteline moves stock between warehouses through a reroute lifecycle.
- Warehouses: each one runs its own node with a local store.
- Reroutes: a proposal to move a quantity of one product from a source to a destination warehouse.
  Statuses go pending -> transit_prep -> in_transit -> delivered -> completed (rejected is the exit).
- The destination approves, rejects and confirms delivery; the source starts transit.
- Notifications: every transition tells the other warehouse through the shared event log.
- Transit: progress is simulated from the transit start time and delivered automatically.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REROUTELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("server", "http://127.0.0.1:8080", "API server url")
	flags.String("as", "", "warehouse to act as")
	flags.String("token", "", "bearer token (overrides --as for identity)")
	flags.String("log-level", "info", "log level: trace, debug, info, warn, error, disabled")
	flags.String("log-format", "console", "log format: console or json")
	for _, name := range []string{"workspace", "json", "server", "as", "token", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(warehouseCmd())
	rootCmd.AddCommand(rerouteCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(authCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var nodes []string
	var manualTransit, devTokens bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run warehouse nodes and the HTTP API",
		Long:  "Starts one node per hosted warehouse (see nodes in rerouteline.yml or --node), their log bridges and transit simulators, and serves the API for all of them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOrDefault(workspace)
			if err != nil {
				return err
			}
			if len(nodes) > 0 {
				cfg.Nodes = nodes
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			if secret := jwtSecret(cmd); secret != "" {
				cfg.Server.JWTSecret = secret
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cluster, err := app.Open(cfg, app.Options{Workspace: workspace, Logger: logger})
			if err != nil {
				return err
			}
			defer cluster.Close()
			if err := cluster.Start(ctx, manualTransit); err != nil {
				return err
			}

			authCfg := server.AuthConfig{
				JWTSecret:            cfg.Server.JWTSecret,
				AllowWarehouseHeader: cfg.Server.JWTSecret == "",
				DevTokens:            devTokens,
				Logger:               logger,
			}
			if authCfg.AllowWarehouseHeader {
				logger.Warn().Msg("no jwt secret configured; trusting X-Warehouse-Id headers")
			}
			if devTokens {
				logger.Warn().Msg("dev token endpoint enabled; anyone can mint a warehouse token")
			}
			handler, err := server.New(server.Config{
				Nodes:    cluster.Engines(),
				Registry: cfg,
				BasePath: cfg.Server.BasePath,
				Auth:     authCfg,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				err := cluster.Wait()
				if gctx.Err() != nil {
					return nil
				}
				if err == nil {
					err = errors.New("background work stopped")
				}
				return fmt.Errorf("cluster: %w", err)
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			logger.Info().Strs("nodes", cfg.Nodes).Str("addr", cfg.Server.Addr).Msg("serving")
			fmt.Printf("Serving Rerouteline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().StringSliceVar(&nodes, "node", nil, "warehouse to host; repeatable (default from config)")
	cmd.Flags().BoolVar(&manualTransit, "manual-transit", false, "do not run the transit simulators")
	cmd.Flags().BoolVar(&devTokens, "dev-tokens", false, "serve POST <base>/auth/dev/token for local testing")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (or REROUTELINE_JWT_SECRET)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage rerouteline.yml",
		Long:  "The config lists the warehouse registry, which of them this process hosts, where the others live, and the store, event log and transit settings.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default rerouteline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			b, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(b))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func warehouseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "warehouse", Short: "Warehouse registry"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered warehouses",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Warehouses)
			}
			hosted := map[string]bool{}
			for _, n := range cfg.Nodes {
				hosted[n] = true
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "Name", "Hosted", "Peer URL"})
			for _, w := range cfg.Warehouses {
				tw.AppendRow(table.Row{w.ID, w.Name, hosted[w.ID], cfg.Peers[w.ID]})
			}
			tw.Render()
			return nil
		},
	})
	return cmd
}

func rerouteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reroute",
		Short: "Propose and move reroutes",
		Long:  "Reroute commands call the API as the --as warehouse. The source creates and starts transit; the destination approves, rejects and confirms delivery.",
	}
	cmd.AddCommand(rerouteCreateCmd())
	for _, act := range []struct {
		use, short string
		run        func(*reroutelinesdk.Client, context.Context, string) (reroutelinesdk.Reroute, error)
	}{
		{"approve", "Approve a pending reroute (destination)", (*reroutelinesdk.Client).Approve},
		{"reject", "Reject a pending reroute (destination)", (*reroutelinesdk.Client).Reject},
		{"start-transit", "Dispatch an approved reroute (source)", (*reroutelinesdk.Client).StartTransit},
		{"confirm", "Confirm receipt of a delivered reroute (destination)", (*reroutelinesdk.Client).ConfirmDelivery},
	} {
		act := act
		cmd.AddCommand(&cobra.Command{
			Use:   act.use + " <id>",
			Short: act.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := apiClient()
				if err != nil {
					return err
				}
				r, err := act.run(c, cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printReroutes(r)
			},
		})
	}
	cmd.AddCommand(rerouteListCmd())
	cmd.AddCommand(rerouteShowCmd())
	return cmd
}

func rerouteCreateCmd() *cobra.Command {
	var in reroutelinesdk.CreateReroute
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Propose moving stock from the --as warehouse",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			r, err := c.CreateReroute(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printReroutes(r)
		},
	}
	cmd.Flags().StringVar(&in.ProductID, "product", "", "product id")
	cmd.Flags().StringVar(&in.ProductName, "name", "", "product name")
	cmd.Flags().StringVar(&in.To, "to", "", "destination warehouse")
	cmd.Flags().IntVar(&in.Quantity, "qty", 0, "quantity to move")
	cmd.Flags().StringVar(&in.Reason, "reason", "", "why the stock is moving")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("qty")
	return cmd
}

func rerouteListCmd() *cobra.Command {
	var involving string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reroutes in the --as node's store",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			items, err := c.ListReroutes(cmd.Context(), involving)
			if err != nil {
				return err
			}
			return printReroutes(items...)
		},
	}
	cmd.Flags().StringVar(&involving, "involving", "", "only reroutes involving this warehouse")
	return cmd
}

func rerouteShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one reroute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			r, err := c.GetReroute(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printReroutes(r)
		},
	}
}

func notifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Warehouse inbox",
		Long:  "Each warehouse keeps its own notifications; read state never leaves the node.",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List notifications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			inbox, err := c.Notifications(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(inbox)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "Kind", "Reroute", "Title", "Read", "Created"})
			for _, n := range inbox.Items {
				tw.AppendRow(table.Row{n.ID, n.Kind, n.RerouteID, n.Title, n.Read, n.CreatedAt.Local().Format(time.DateTime)})
			}
			tw.AppendFooter(table.Row{"", "", "", "unread", inbox.Unread, ""})
			tw.Render()
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "unread",
		Short: "Count unread notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			n, err := c.UnreadCount(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]int{"unread": n})
			}
			fmt.Println(n)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "read <id>",
		Short: "Mark one notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			return c.MarkRead(cmd.Context(), args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "read-all",
		Short: "Mark every notification read",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			n, err := c.MarkAllRead(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]int64{"updated": n})
			}
			fmt.Printf("marked %d read\n", n)
			return nil
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Shared event log",
		Long:  "Every notification travels through the event log. Tail reads the sql backend directly from the workspace.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var target string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOrDefault(workspace)
			if err != nil {
				return err
			}
			if cfg.EventLog.Driver != "sql" {
				return fmt.Errorf("log tail needs the sql event log, config uses %s", cfg.EventLog.Driver)
			}
			conn, err := db.Open(db.Config{Driver: cfg.EventLog.SQL.Driver, Workspace: workspace, Name: "eventlog", DSN: cfg.EventLog.SQL.DSN})
			if err != nil {
				return err
			}
			if err := migrate.Migrate(conn); err != nil {
				conn.Close()
				return err
			}
			log := &eventlog.SQL{DB: conn}
			defer log.Close()
			entries, err := log.Tail(cmd.Context(), n, target)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(entries)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Seq", "Origin", "Target", "Kind", "Reroute", "Created"})
			for _, e := range entries {
				tw.AppendRow(table.Row{e.Seq, e.Origin, e.Target(), e.Notification.Kind, e.Notification.RerouteID, e.Notification.CreatedAt.Local().Format(time.DateTime)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&target, "target", "", "only entries for this warehouse")
	return cmd
}

func authCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "auth", Short: "Bearer tokens"}
	var warehouse string
	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token",
		Short: "Mint a warehouse token with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := jwtSecret(cmd)
			if secret == "" {
				secret = cfg.Server.JWTSecret
			}
			if warehouse == "" {
				warehouse = viper.GetString("as")
			}
			if !cfg.Known(warehouse) {
				return fmt.Errorf("unknown warehouse %q", warehouse)
			}
			tok, err := server.IssueToken(secret, warehouse, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": tok})
			}
			fmt.Println(tok)
			return nil
		},
	}
	token.Flags().StringVar(&warehouse, "warehouse", "", "warehouse the token acts as (default --as)")
	token.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	token.Flags().String("jwt-secret", "", "HS256 secret (default from config)")
	cmd.AddCommand(token)
	return cmd
}

// --- helpers ---

func newLogger() (zerolog.Logger, error) {
	return logging.New(os.Stderr, viper.GetString("log-level"), viper.GetString("log-format"))
}

// jwtSecret reads the command's --jwt-secret flag, falling back to REROUTELINE_JWT_SECRET.
func jwtSecret(cmd *cobra.Command) string {
	if secret, _ := cmd.Flags().GetString("jwt-secret"); secret != "" {
		return secret
	}
	return viper.GetString("jwt-secret")
}

func apiClient() (*reroutelinesdk.Client, error) {
	as := strings.TrimSpace(viper.GetString("as"))
	if as == "" {
		return nil, errors.New("--as is required (or set REROUTELINE_AS)")
	}
	c := reroutelinesdk.New(viper.GetString("server"), as)
	c.BearerToken = viper.GetString("token")
	c.BasePath = apiBasePath()
	return c, nil
}

// apiBasePath reads REROUTELINE_BASE_PATH, then the workspace config.
func apiBasePath() string {
	if p := strings.TrimSpace(viper.GetString("base-path")); p != "" {
		return p
	}
	if cfg, err := config.LoadOrDefault(viper.GetString("workspace")); err == nil {
		return cfg.Server.BasePath
	}
	return reroutelinesdk.DefaultBasePath
}

func printReroutes(items ...reroutelinesdk.Reroute) error {
	if viper.GetBool("json") {
		if len(items) == 1 {
			return printJSON(items[0])
		}
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Product", "From", "To", "Qty", "Status", "Progress", "Updated"})
	for _, r := range items {
		product := r.ProductID
		if r.ProductName != "" {
			product = fmt.Sprintf("%s (%s)", r.ProductName, r.ProductID)
		}
		tw.AppendRow(table.Row{r.ID, product, r.From, r.To, r.Quantity, r.Status, fmt.Sprintf("%d%%", r.Progress), r.UpdatedAt.Local().Format(time.DateTime)})
	}
	tw.Render()
	return nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
