package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"scorebook/internal/app"
	"scorebook/internal/config"
	"scorebook/internal/db"
	"scorebook/internal/domain"
	"scorebook/internal/engine"
	"scorebook/internal/engine/auth"
	"scorebook/internal/export"
	"scorebook/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sb",
	Short: "Scorebook CLI",
	Long: `Scorebook keeps a live cricket scorecard as an append-only log of operations per match.
- Operations: start_innings, deliver_ball, select_batter, change_bowler, swap_strike, retire_batter, end_innings, undo.
- Versions: every accepted operation takes the next sequence; proposals name the version they were built on.
- Retries: a client operation id is admitted once, retries get the original result back.
- State: the scorecard is replayed from the log; undo removes the latest operation still in effect.`,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SCOREBOOK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-scorer", "actor identifier")
	rootCmd.PersistentFlags().StringP("match", "m", "", "match id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("match", rootCmd.PersistentFlags().Lookup("match"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(proposeCmd())
	rootCmd.AddCommand(opsCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(matchesCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default scorebook.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			logger := log.New(os.Stderr, "", log.LstdFlags)
			a, err := app.Open(cmd.Context(), viper.GetString("workspace"), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("SCOREBOOK_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:       a.Engine,
				Hub:          a.Hub,
				BasePath:     cfg.Server.BasePath,
				Auth:         authCfg,
				PublicExport: a.PublicExport,
				Logger:       logger,
			})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go server.NewWebhookDispatcher(a.Engine, cfg.Webhooks, logger).Run(ctx)

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Scorebook API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func proposeCmd() *cobra.Command {
	var kind, payload, clientOpID string
	var expected int64
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Append an operation to a match log",
		Example: `  sb propose -m m1 --kind start_innings --payload '{"innings":1,"striker_id":"a1","non_striker_id":"a2","bowler_id":"b1"}'
  sb propose -m m1 --kind deliver_ball --payload '{"runs":4,"boundary":true}'
  sb propose -m m1 --kind undo`,
		RunE: func(cmd *cobra.Command, args []string) error {
			matchID, err := requireMatch()
			if err != nil {
				return err
			}
			if clientOpID == "" {
				clientOpID = uuid.NewString()
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !cmd.Flags().Changed("expected-version") {
					v, err := a.Engine.Version(ctx, matchID)
					if err != nil {
						return err
					}
					expected = v
				}
				res, err := a.Engine.Propose(ctx, engine.ProposeRequest{
					MatchID:           matchID,
					ActorID:           viper.GetString("actor-id"),
					ClientOperationID: clientOpID,
					ExpectedVersion:   expected,
					Kind:              domain.Kind(kind),
					Payload:           json.RawMessage(payload),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				switch res.Outcome {
				case engine.OutcomeAccepted:
					fmt.Printf("accepted %s as #%d (client id %s)\n", kind, res.Sequence, clientOpID)
				case engine.OutcomeIdempotentReplay:
					fmt.Printf("already recorded as #%d\n", res.Sequence)
				case engine.OutcomeVersionConflict:
					return fmt.Errorf("version conflict: match %s is at version %d", matchID, res.CurrentVersion)
				case engine.OutcomeRateLimited:
					return fmt.Errorf("rate limited, retry in %s", res.RetryAfter.Round(time.Second))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "operation kind")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().StringVar(&clientOpID, "client-op-id", "", "client operation id (default: random)")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "version the operation was built on (default: current)")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func opsCmd() *cobra.Command {
	var since int64
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "List operations of a match",
		RunE: func(cmd *cobra.Command, args []string) error {
			matchID, err := requireMatch()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ops, err := a.Engine.ListSince(ctx, matchID, since)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ops)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Kind", "Payload", "Actor", "Client ID", "Recorded"})
				for _, op := range ops {
					tw.AppendRow(table.Row{op.Sequence, op.Kind, string(op.Payload), op.ActorID, op.ClientOperationID, op.RecordedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "only operations after this sequence")
	return cmd
}

func stateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Replay a match into its scorecard",
		RunE: func(cmd *cobra.Command, args []string) error {
			matchID, err := requireMatch()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				state, err := a.Engine.State(ctx, matchID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(state)
				}
				printScorecard(os.Stdout, state)
				return nil
			})
		},
	}
	return cmd
}

func printScorecard(w io.Writer, s domain.MatchState) {
	fmt.Fprintf(w, "%s v%d  %s  innings %d\n", s.MatchID, s.Version, s.Status, s.Innings)
	fmt.Fprintf(w, "%s %d/%d (%s ov)", s.BattingTeamID, s.Runs, s.Wickets, s.Overs())
	if s.Target > 0 {
		fmt.Fprintf(w, "  target %d", s.Target)
	}
	if s.FreeHit {
		fmt.Fprint(w, "  FREE HIT")
	}
	fmt.Fprintf(w, "\nextras %d (w %d, nb %d, b %d, lb %d)  recent: %s\n",
		s.Extras.Total(), s.Extras.Wides, s.Extras.NoBalls, s.Extras.Byes, s.Extras.LegByes, strings.Join(s.RecentBalls, " "))

	bt := table.NewWriter()
	bt.SetOutputMirror(w)
	bt.AppendHeader(table.Row{"Batter", "R", "B", "4s", "6s", ""})
	for _, id := range sortedKeys(s.Batters) {
		b := s.Batters[id]
		note := b.Dismissal
		switch {
		case id == s.Striker:
			note = "*"
		case id == s.NonStriker:
			note = "not out"
		}
		bt.AppendRow(table.Row{id, b.Runs, b.Balls, b.Fours, b.Sixes, note})
	}
	bt.Render()

	wt := table.NewWriter()
	wt.SetOutputMirror(w)
	wt.AppendHeader(table.Row{"Bowler", "O", "R", "W", "Wd", "Nb"})
	for _, id := range sortedKeys(s.Bowlers) {
		b := s.Bowlers[id]
		name := id
		if id == s.Bowler {
			name += " *"
		}
		wt.AppendRow(table.Row{name, b.Overs(), b.Runs, b.Wickets, b.Wides, b.NoBalls})
	}
	wt.Render()
	if len(s.Skipped) > 0 {
		fmt.Fprintf(w, "skipped operations: %v\n", s.Skipped)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func matchesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "matches",
		Short: "List matches in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListMatches(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Match", "Version", "Updated"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.MatchID, m.Version, m.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func exportCmd() *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a match log archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			matchID, err := requireMatch()
			if err != nil {
				return err
			}
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				archive, err := a.Engine.Export(ctx, matchID)
				if err != nil {
					return err
				}
				var w io.Writer = os.Stdout
				if out != "" && out != "-" {
					file, err := os.Create(out)
					if err != nil {
						return err
					}
					defer file.Close()
					w = file
				}
				return export.Encode(w, archive, f)
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "json or msgpack")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file")
	return cmd
}

func importCmd() *cobra.Command {
	var format, in string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Restore a match log archive into an empty match",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			var r io.Reader = os.Stdin
			if in != "" && in != "-" {
				file, err := os.Open(in)
				if err != nil {
					return err
				}
				defer file.Close()
				r = file
			}
			archive, err := export.Decode(r, f)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := a.Engine.Import(ctx, archive)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"match_id": archive.MatchID, "version": v})
				}
				fmt.Printf("imported %s at version %d\n", archive.MatchID, v)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "json or msgpack")
	cmd.Flags().StringVarP(&in, "in", "i", "-", "input file")
	return cmd
}

func tokenCmd() *cobra.Command {
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:     "token",
		Short:   "Mint a bearer token for local testing",
		Example: `  SCOREBOOK_JWT_SECRET=dev sb token --actor-id cap --role m1=captain --role '*=viewer'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			matches := map[string]auth.Role{}
			for _, r := range roles {
				id, role, ok := strings.Cut(r, "=")
				if !ok || id == "" || role == "" {
					return fmt.Errorf("invalid --role %q, want match=role", r)
				}
				matches[id] = auth.Role(role)
			}
			token, err := server.SignToken(viper.GetString("jwt-secret"), viper.GetString("actor-id"), matches, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&roles, "role", nil, "match=role grant, repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func requireMatch() (string, error) {
	matchID := strings.TrimSpace(viper.GetString("match"))
	if matchID == "" {
		return "", fmt.Errorf("--match required")
	}
	return matchID, nil
}

func loadConfig() (*config.Config, error) {
	return config.LoadOrDefault(viper.GetString("workspace"))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, viper.GetString("workspace"), cfg, log.New(os.Stderr, "", log.LstdFlags))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
