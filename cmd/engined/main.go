package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "github.com/mind-engage/attempt-engine/internal/api/http"
	"github.com/mind-engage/attempt-engine/internal/attempt"
	auth "github.com/mind-engage/attempt-engine/internal/auth/middleware"
	"github.com/mind-engage/attempt-engine/internal/config"
	"github.com/mind-engage/attempt-engine/internal/content"
	"github.com/mind-engage/attempt-engine/internal/db"
	"github.com/mind-engage/attempt-engine/internal/grading"
	"github.com/mind-engage/attempt-engine/internal/rbac"
	syncx "github.com/mind-engage/attempt-engine/internal/sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func main() {
	cfg := config.FromEnv()

	// --- DB ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	cancel()
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}
	store := attempt.NewSQLStore(dbh, cfg.DBDriver)

	// --- Content gateway (scores flow back into the attempt store) ---
	gw := content.NewLocalGateway(grading.NewDefaultGrader(), store)
	if cfg.QuestionSetsPath != "" {
		if err := gw.LoadFile(cfg.QuestionSetsPath); err != nil {
			log.Fatalf("load question sets: %v", err)
		}
	}

	// --- Engine + expiry scheduler ---
	// FireFunc closes over the engine pointer; the scheduler is built first so
	// the engine can register deadlines on it.
	var eng *attempt.Engine
	sched := attempt.NewScheduler(func(ctx context.Context, attemptID string) error {
		_, err := eng.ExpireAttempt(ctx, attemptID)
		return err
	})
	eng = attempt.NewEngine(store, gw, sched,
		attempt.WithEvents(syncx.NewEventRepo(dbh, cfg.SiteID)))

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Resume(runCtx, store); err != nil {
		log.Fatalf("scheduler resume: %v", err)
	}
	go sched.Run(runCtx)

	// --- Auth ---
	authSvc := auth.NewAuthService(cfg.AuthHMACSecret, cfg.OperatorUser, cfg.OperatorHash)

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	origins := cfg.CORSOriginsOffline
	if cfg.Mode == config.ModeOnline {
		origins = cfg.CORSOriginsOnline
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Post("/auth/login", auth.LoginHandler(authSvc))

	// Protected API (JWT → role in context → RBAC)
	r.Group(func(pr chi.Router) {
		pr.Use(auth.JWTMiddleware(authSvc))

		pr.With(rbac.Require("attempt:create")).
			Post("/attempts", api.StartAttemptHandler(eng))
		pr.With(rbac.Require("attempt:answer")).
			Post("/attempts/{attemptID}/answers", api.AnswerHandler(eng, store))
		pr.With(rbac.RequireAny("attempt:view-own", "attempt:view-all")).
			Get("/attempts/{attemptID}/resync", api.ResyncHandler(eng, store))
		pr.With(rbac.Require("attempt:finish")).
			Post("/attempts/{attemptID}/finish", api.FinishHandler(eng, store))
		pr.With(rbac.RequireAny("attempt:view-own", "attempt:view-all")).
			Get("/attempts/{attemptID}", api.GetAttemptHandler(store))
		pr.With(rbac.RequireAny("attempt:view-own", "attempt:view-all")).
			Get("/attempts", api.ListAttemptsHandler(store))
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := dbh.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(200)
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		<-runCtx.Done()
		shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shCancel()
		_ = srv.Shutdown(shCtx)
	}()

	log.Printf("listening on %s (mode=%s, db=%s)", cfg.HTTPAddr, cfg.Mode, cfg.DBDriver)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
