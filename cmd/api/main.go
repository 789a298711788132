package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/paycore/internal/api"
	"github.com/punchamoorthee/paycore/internal/config"
	"github.com/punchamoorthee/paycore/internal/executor"
	"github.com/punchamoorthee/paycore/internal/idempotency"
	"github.com/punchamoorthee/paycore/internal/ledger"
	"github.com/punchamoorthee/paycore/internal/limits"
	"github.com/punchamoorthee/paycore/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	db, err := store.NewPostgres(cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		log.Fatal(err)
	}

	// Initialize Layers
	idem := idempotency.New(db, cfg.IdempotencyTTL, logger)
	enforcer, err := limits.NewEnforcer(limits.DefaultPolicy(), db, db, loc)
	if err != nil {
		log.Fatal(err)
	}
	mutator := ledger.NewMutator(db)
	exec := executor.New(idem, enforcer, mutator, logger)
	handler := api.NewHandler(db, exec, enforcer)

	// Background sweep of expired idempotency records.
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for range ticker.C {
			n, err := idem.SweepExpired(context.Background())
			if err != nil {
				logger.Error("idempotency sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				logger.Info("swept expired idempotency records", slog.Int64("deleted", n))
			}
		}
	}()

	// Router
	r := mux.NewRouter()
	r.Use(api.RequestLogger(logger))
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthCheckHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/accounts", handler.CreateAccountHandler).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}", handler.GetAccountHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/transactions", handler.GetTransactionsHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/limits", handler.GetLimitsHandler).Methods("GET")
	apiV1.HandleFunc("/transfers", handler.CreateTransferHandler).Methods("POST")
	apiV1.HandleFunc("/purchases", handler.CreatePurchaseHandler).Methods("POST")
	apiV1.HandleFunc("/withdrawals", handler.CreateWithdrawalHandler).Methods("POST")
	apiV1.HandleFunc("/reversals", handler.CreateReversalHandler).Methods("POST")
	apiV1.HandleFunc("/adjustments", handler.CreateAdjustmentHandler).Methods("POST")

	log.Printf("Server starting on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal(err)
	}
}
