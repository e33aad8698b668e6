package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"coachline/internal/config"
	"coachline/internal/db"
	"coachline/internal/engine"
	"coachline/internal/generate"
	"coachline/internal/lock"
	"coachline/internal/migrate"
	"coachline/internal/oracle"
	"coachline/internal/repo"
	"coachline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Coachline CLI",
	Long: `Coachline turns a finished chess game into a reflective coaching session.
Core concepts:
- Workspace: your .coachline directory holding the database; coachline.yml beside it configures everything.
- Game: a played game you register with its PGN and your notes (annotations).
- Submit: freezes your notes and starts the coaching pipeline.
- Key positions: the 3-5 moments of the game most worth thinking about.
- Questions: one per position; answer or skip, then get a closing reflection.
- Approvals: the ADVANCED tier needs a guardian's sign-off before submission.
- Event log: diary of everything that happened, view with 'cl log tail'.`,
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
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("COACHLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "acting user identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(gameCmd())
	rootCmd.AddCommand(questionCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", cfgPath)
			}
			fmt.Println("workspace ready:", db.Path(workspace))
			return nil
		},
	}
}

func gameCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "game", Short: "Manage games"}
	cmd.AddCommand(gameCreateCmd())
	cmd.AddCommand(gameListCmd())
	cmd.AddCommand(gameShowCmd())
	cmd.AddCommand(gameSubmitCmd())
	cmd.AddCommand(gameAnnotateCmd())
	cmd.AddCommand(gameReflectionCmd())
	return cmd
}

func gameCreateCmd() *cobra.Command {
	var pgnFile, color, opponent, event, timeControl, tier string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a played game",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pgnFile == "" {
				return fmt.Errorf("--pgn is required")
			}
			data, err := os.ReadFile(pgnFile)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.CreateGame(ctx, engine.GameCreateOptions{
					OwnerID:     viper.GetString("user-id"),
					PlayerColor: strings.ToUpper(color),
					Opponent:    opponent,
					Event:       event,
					TimeControl: timeControl,
					PGN:         string(data),
					Tier:        strings.ToUpper(tier),
					ActorID:     viper.GetString("user-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(g)
			})
		},
	}
	cmd.Flags().StringVar(&pgnFile, "pgn", "", "path to the PGN file")
	cmd.Flags().StringVar(&color, "color", "white", "side you played (white|black)")
	cmd.Flags().StringVar(&opponent, "opponent", "", "opponent name")
	cmd.Flags().StringVar(&event, "event", "", "event name")
	cmd.Flags().StringVar(&timeControl, "time-control", "", "time control")
	cmd.Flags().StringVar(&tier, "tier", "standard", "coaching tier (standard|advanced)")
	return cmd
}

func gameListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List games",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				games, err := r.ListGames(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(games)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "State", "Color", "Opponent", "Tier", "Created"})
				for _, g := range games {
					t.AppendRow(table.Row{g.ID, g.State, g.PlayerColor, g.Opponent, g.Tier, g.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
}

func gameShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <game-id>",
		Short: "Show a game with its positions and questions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				g, err := r.GetGame(ctx, args[0])
				if err != nil {
					return err
				}
				positions, err := r.ListKeyPositions(ctx, g.ID)
				if err != nil {
					return err
				}
				questions, err := r.ListQuestions(ctx, g.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"game":      g,
					"positions": positions,
					"questions": questions,
				})
			})
		},
	}
}

func gameSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <game-id>",
		Short: "Submit a game for coaching and run the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("game id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				userID := viper.GetString("user-id")
				g, run, started, err := e.SubmitGame(ctx, args[0], userID)
				if err != nil {
					return err
				}
				if !started {
					fmt.Println("already submitted; state:", g.State)
					return nil
				}
				// Run inline: the CLI has no server to hand off to.
				if err := e.RunPipeline(ctx, g.ID, run.ID, userID); err != nil {
					return err
				}
				fmt.Println("coaching ready; ask for the next question with: cl question next", g.ID)
				return nil
			})
		},
	}
}

func gameAnnotateCmd() *cobra.Command {
	var ply int
	var content string
	cmd := &cobra.Command{
		Use:   "annotate <game-id>",
		Short: "Save a note at a ply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AddAnnotation(ctx, args[0], ply, content, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().IntVar(&ply, "ply", 0, "half-move index the note belongs to")
	cmd.Flags().StringVar(&content, "text", "", "note text")
	return cmd
}

func gameReflectionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reflection <game-id>",
		Short: "Show the closing reflection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.GetReflection(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(r)
			})
		},
	}
}

func questionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "question", Short: "Coaching questions"}
	cmd.AddCommand(questionNextCmd())
	cmd.AddCommand(questionAnswerCmd())
	return cmd
}

func questionNextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next <game-id>",
		Short: "Show the next unanswered question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, kp, err := e.NextQuestion(ctx, args[0])
				if errors.Is(err, engine.ErrNoQuestions) {
					fmt.Println("all questions answered")
					return nil
				}
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"question": q, "position": kp})
			})
		},
	}
}

func questionAnswerCmd() *cobra.Command {
	var text string
	var skip bool
	cmd := &cobra.Command{
		Use:   "answer <game-id> <question-id>",
		Short: "Answer or skip a question",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var answer *string
				if !skip {
					answer = &text
				}
				done, err := e.AnswerQuestion(ctx, args[0], args[1], answer, skip, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				if done {
					fmt.Println("session complete; see: cl game reflection", args[0])
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "answer text")
	cmd.Flags().BoolVar(&skip, "skip", false, "skip the question")
	return cmd
}

func approvalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "approval", Short: "Guardian approvals"}
	cmd.AddCommand(approvalRequestCmd())
	cmd.AddCommand(approvalDecideCmd())
	return cmd
}

func approvalRequestCmd() *cobra.Command {
	var tier string
	var hours int
	cmd := &cobra.Command{
		Use:   "request <game-id>",
		Short: "Request a guardian approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RequestApproval(ctx, args[0], strings.ToUpper(tier), time.Duration(hours)*time.Hour, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&tier, "tier", "advanced", "coaching tier")
	cmd.Flags().IntVar(&hours, "hours", 72, "validity window in hours")
	return cmd
}

func approvalDecideCmd() *cobra.Command {
	var deny bool
	cmd := &cobra.Command{
		Use:   "decide <approval-id>",
		Short: "Approve or deny a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.DecideApproval(ctx, args[0], !deny, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().BoolVar(&deny, "deny", false, "deny instead of approve")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var gameID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, gameID, 0, 0)
				if err != nil {
					return err
				}
				if len(events) > n {
					events = events[len(events)-n:]
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "TS", "Type", "Game", "Actor"})
				for _, e := range events {
					t.AppendRow(table.Row{e.ID, e.TS, e.Type, e.GameID, e.ActorID})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&gameID, "game", "", "game id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()

			jwtSecret := cfg.Auth.JWTSecret
			if env := os.Getenv("COACHLINE_JWT_SECRET"); env != "" {
				jwtSecret = env
			}
			if jwtSecret == "" {
				return fmt.Errorf("jwt secret required: set auth.jwt_secret or COACHLINE_JWT_SECRET")
			}

			e := buildEngine(conn, cfg, log)
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:     jwtSecret,
					AllowDevLogin: cfg.Auth.AllowDevLogin,
					Logger:        log,
				},
				Log: log,
			})
			if err != nil {
				return err
			}

			dispatcher := server.NewWebhookDispatcher(e.Repo, cfg.Webhooks, log)
			go dispatcher.Run(cmd.Context())

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info("serving", zap.String("addr", cfg.Server.Addr), zap.String("base_path", cfg.Server.BasePath))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

// --- helpers ---

func buildEngine(conn *sql.DB, cfg *config.Config, log *zap.Logger) engine.Engine {
	locker := buildLocker(cfg.Lock)
	oc := oracle.NewHTTPClient(cfg.Oracle.URL, cfg.Oracle.Depth, cfg.Oracle.Timeout, cfg.Oracle.MaxElapsed)
	provider := buildProvider(cfg.Generate, log)
	return engine.New(conn, cfg, locker, oc, provider, log)
}

func buildLocker(cfg config.LockConfig) lock.Locker {
	if cfg.RedisAddr == "" {
		return lock.NewMemoryLocker(cfg.AcquireWait)
	}
	return lock.NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.AcquireWait)
}

func buildProvider(cfg config.GenerateConfig, log *zap.Logger) generate.Provider {
	var providers []generate.Provider
	for _, name := range cfg.Providers {
		switch name {
		case "anthropic":
			key := cfg.AnthropicAPIKey
			if env := os.Getenv("ANTHROPIC_API_KEY"); env != "" {
				key = env
			}
			p, err := generate.NewAnthropicProvider(key, cfg.AnthropicModel)
			if err != nil {
				log.Warn("skipping anthropic provider", zap.Error(err))
				continue
			}
			providers = append(providers, p)
		case "openai":
			key := cfg.OpenAIAPIKey
			if env := os.Getenv("OPENAI_API_KEY"); env != "" {
				key = env
			}
			p, err := generate.NewOpenAIProvider(key, cfg.OpenAIModel, cfg.OpenAIBaseURL)
			if err != nil {
				log.Warn("skipping openai provider", zap.Error(err))
				continue
			}
			providers = append(providers, p)
		case "template":
			providers = append(providers, generate.NewTemplateProvider())
		}
	}
	if len(providers) == 0 {
		providers = append(providers, generate.NewTemplateProvider())
	}
	return generate.NewChain(log, providers...)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	log := zap.NewNop()
	return fn(ctx, buildEngine(conn, cfg, log))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
