package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Vovarama1992/dashboard-chat/internal/ai"
	"github.com/Vovarama1992/dashboard-chat/internal/chat"
	"github.com/Vovarama1992/dashboard-chat/internal/clock"
	"github.com/Vovarama1992/dashboard-chat/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:   "dashboard-chat",
		Short: "Chat engine relaying dashboard conversations to chatbot webhooks",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, _ := cmd.Flags().GetString("log-level")
			level, err := zerolog.ParseLevel(lvl)
			if err != nil {
				return errors.Wrapf(err, "invalid log level %q", lvl)
			}
			zerolog.SetGlobalLevel(level)
			if pretty, _ := cmd.Flags().GetBool("pretty-logs"); pretty {
				log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("pretty-logs", false, "human readable console logs")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("dashboard-chat exited")
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	clk := clock.Real{}

	// --- stores ---
	var (
		primary   chat.ConversationStore
		directory chat.ChatbotDirectory
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return errors.Wrap(err, "db open")
		}
		defer db.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return errors.Wrap(err, "db ping")
		}

		pg := chat.NewPostgresStore(db, clk)
		if err := pg.Migrate(ctx); err != nil {
			return errors.Wrap(err, "db migrate")
		}
		primary = pg
		directory = chat.NewPostgresDirectory(db)
	} else {
		log.Warn().Msg("DATABASE_URL is not set, conversations are kept in memory")
		primary = chat.NewMemoryStore(clk)
		static := chat.NewStaticDirectory()
		if cfg.ChatbotID != "" {
			static.Put(chat.ChatbotDescriptor{
				ID:            cfg.ChatbotID,
				WebhookURL:    cfg.ChatbotWebhookURL,
				Active:        true,
				AcceptsImages: cfg.ChatbotAcceptsImages,
			})
		}
		directory = static
	}

	local, err := chat.OpenLocalStore(cfg.SnapshotPath, clk)
	if err != nil {
		return errors.Wrap(err, "open local store")
	}
	defer local.Close()

	sessions := chat.NewSessions(directory, chat.NewFallbackStore(primary, local), chat.SessionOptions{
		Webhook: chat.WebhookOptions{
			Cache:       chat.NewResponseCache(cfg.ResponseCacheSize),
			Clock:       clk,
			Timeout:     cfg.WebhookTimeout,
			MaxAttempts: cfg.WebhookMaxAttempts,
			Backoff:     cfg.WebhookBackoff,
		},
		Clock:         clk,
		IdleTTL:       cfg.SessionIdleTTL,
		ImageCapacity: cfg.SessionImageCapacity,
	})

	var transcriber ai.Transcriber
	if cfg.OpenAIAPIKey != "" {
		transcriber = ai.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAITranscribeModel)
	} else {
		log.Info().Msg("OPENAI_API_KEY is not set, voice input disabled")
	}

	// --- router ---
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", chat.UserIDHeader},
	}))

	chat.RegisterRoutes(r, chat.NewHandler(sessions, transcriber))

	// --- health ---
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	})

	// no WriteTimeout: a webhook exchange may legitimately take minutes
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sessions.Run(gctx, time.Minute)
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server error")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		log.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
