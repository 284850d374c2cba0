package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	Event "zuum/Events"
	Jobs "zuum/Events/Jobs"
	Payments "zuum/Events/Payments"
	Auth "zuum/Services/Auth"
	Bus "zuum/Services/Bus"
	Cache "zuum/Services/Cache"
	ES "zuum/Services/Elasticsearch"
	Gateway "zuum/Services/Gateway"
	Mail "zuum/Services/Mail"
	Mdb "zuum/Services/Mdb"
	OAuth "zuum/Services/OAuth"
	Storage "zuum/Services/Storage"
	Utils "zuum/Utils"
)

var Version = "dev"

const shutdownTimeout = 15 * time.Second

// loadEnv reads .env when present. Deployed instances get their
// environment from the platform instead.
func loadEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("Error loading .env file: %v", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	origin := Utils.GetEnvAsString("CORS_ALLOWED_ORIGIN", "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		if origin != "*" {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		log.Printf("[%s] %s %s %d %s", middleware.GetReqID(r.Context()), r.Method, r.URL.Path,
			ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}

func initServices() {
	Mdb.InitPostgres()
	Auth.Initauth()
	Cache.InitCache()
	Mail.InitMail()
	Storage.InitStorage()
	ES.InitElasticsearch()
	Gateway.InitGateway()
	OAuth.InitOAuth()
}

func newRouter() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	mux.Use(corsMiddleware, loggingMiddleware)
	Event.Handler(mux)
	return mux
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server with the reconciliation scheduler",
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "listen address (default :$GO_SERVER_PORT)")
	cmd.Flags().Bool("no-cron", false, "do not schedule reconciliation jobs in this instance")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = ":" + Utils.GetEnvAsString("GO_SERVER_PORT", "8080")
	}
	noCron, _ := cmd.Flags().GetBool("no-cron")

	initServices()
	if Utils.GetEnvAsBool("RUN_MIGRATIONS", false) {
		if err := migrate(cmd.Context()); err != nil {
			return err
		}
	}
	Event.Init()
	defer Bus.CloseBus()

	if !noCron {
		scheduler, err := Jobs.Start()
		if err != nil {
			return err
		}
		defer func() { <-scheduler.Stop().Done() }()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              addr,
		Handler:           newRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server started at %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		log.Println("Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func migrate(ctx context.Context) error {
	log.Println("Running database migrations...")
	if err := Mdb.RunMigrations(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	seeded, err := Payments.SeedPlans(ctx)
	if err != nil {
		return fmt.Errorf("seeding plans failed: %w", err)
	}
	log.Printf("Migrations completed successfully, %d plans seeded", seeded)
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply DB/migrations and seed the payment plan catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			Mdb.InitPostgres()
			return migrate(cmd.Context())
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [job]",
		Short: "Run a reconciliation job once",
		Long: `Run one reconciliation job and exit.

Jobs: ` + strings.Join(Jobs.Names(), ", ") + `, all (default)`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "all"
			if len(args) == 1 {
				name = args[0]
			}
			initServices()

			results, err := Jobs.RunJob(cmd.Context(), name)
			for job, changed := range results {
				fmt.Printf("%s: %d rows changed\n", job, changed)
			}
			return err
		},
	}
}

func main() {
	loadEnv()

	rootCmd := &cobra.Command{
		Use:          "zuum",
		Short:        "zuum - music social network backend",
		Version:      Version,
		SilenceUsage: true,
		RunE:         runServe,
	}
	rootCmd.Flags().AddFlagSet(serveCmd().Flags())

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
