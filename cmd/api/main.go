package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLotLedger/internal/config"
	"github.com/nemonet1337/zaiLotLedger/pkg/ledger"
	"github.com/nemonet1337/zaiLotLedger/pkg/ledger/storage"
)

func main() {
	// ログ設定
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer logger.Sync()

	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("設定読み込みに失敗しました", zap.Error(err))
	}

	// データベース接続
	store, err := storage.NewPostgreSQLStorage(cfg.DSN(), logger)
	if err != nil {
		logger.Fatal("データベース接続に失敗しました", zap.Error(err))
	}
	defer store.Close()

	// メトリクス登録
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := ledger.NewMetrics(registry)

	// コアサービス初期化
	lotLedger := ledger.NewLedger(store, nil, logger, metrics)
	transfers := ledger.NewTransferService(store, logger, metrics)
	workflows := ledger.NewWorkflowService(store, lotLedger, transfers, nil, logger, metrics)

	// HTTPハンドラー設定
	handlers := NewHandlers(lotLedger, transfers, workflows, store, logger)
	router := setupRouter(handlers, cfg, registry)

	// HTTPサーバー設定
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	// グレースフルシャットダウン設定
	go func() {
		logger.Info("台帳APIサーバーを開始します", zap.Int("port", cfg.API.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("サーバー開始に失敗しました", zap.Error(err))
		}
	}()

	// シャットダウンシグナル待機
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("サーバーをシャットダウンしています...")

	// グレースフルシャットダウン
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("サーバーシャットダウンに失敗しました", zap.Error(err))
	}

	logger.Info("サーバーが正常に停止しました")
}

// setupRouter sets up HTTP routes
// HTTPルートを設定
func setupRouter(handlers *Handlers, cfg *config.Config, registry *prometheus.Registry) *mux.Router {
	router := mux.NewRouter()

	// ヘルスチェックとメトリクス
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	if cfg.API.EnableMetrics {
		router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	// API v1ルート
	api := router.PathPrefix("/api/v1").Subrouter()

	// 台帳操作
	api.HandleFunc("/ledger/entries", handlers.RecordEntry).Methods("POST")
	api.HandleFunc("/ledger/entries/{entryId}", handlers.GetEntry).Methods("GET")
	api.HandleFunc("/ledger/entries/{entryId}", handlers.DeleteEntry).Methods("DELETE")
	api.HandleFunc("/ledger/entries/{entryId}/consumptions", handlers.ListConsumptions).Methods("GET")

	// 在庫照会
	api.HandleFunc("/ledger/{locationId}/{itemId}/available", handlers.AvailableQuantity).Methods("GET")
	api.HandleFunc("/ledger/{locationId}/{itemId}/available-at", handlers.AvailableQuantityAt).Methods("GET")
	api.HandleFunc("/ledger/{locationId}/{itemId}/entries", handlers.ListEntries).Methods("GET")
	api.HandleFunc("/ledger/{locationId}/{itemId}/events", handlers.ListEvents).Methods("GET")

	// 移動完了
	api.HandleFunc("/transfers/{outEntryId}/complete", handlers.CompleteTransfer).Methods("POST")
	api.HandleFunc("/transfers/{batchId}", handlers.GetOperation).Methods("GET")

	// 承認ワークフロー
	api.HandleFunc("/workflows", handlers.CreateWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{workflowId}", handlers.GetWorkflow).Methods("GET")
	api.HandleFunc("/workflows/{workflowId}/submit", handlers.SubmitWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{workflowId}/start-review", handlers.StartReview).Methods("POST")
	api.HandleFunc("/workflows/{workflowId}/items/{itemId}", handlers.EditWorkflowItem).Methods("PUT")
	api.HandleFunc("/workflows/{workflowId}/confirm-receiving", handlers.ConfirmReceiving).Methods("POST")
	api.HandleFunc("/workflows/{workflowId}/confirm-sending", handlers.ConfirmSending).Methods("POST")
	api.HandleFunc("/workflows/{workflowId}/execute", handlers.ExecuteWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{workflowId}/reject", handlers.RejectWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{workflowId}/cancel", handlers.CancelWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{workflowId}/items", handlers.ListWorkflowItems).Methods("GET")
	api.HandleFunc("/workflows/{workflowId}/edits", handlers.ListWorkflowEdits).Methods("GET")
	api.HandleFunc("/workflows/{workflowId}/history", handlers.ListWorkflowHistory).Methods("GET")

	// CORS設定（開発用）
	if cfg.API.EnableCORS {
		router.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Access-Control-Allow-Origin", "*")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Actor")

				if r.Method == "OPTIONS" {
					w.WriteHeader(http.StatusOK)
					return
				}

				next.ServeHTTP(w, r)
			})
		})
	}

	// ログ機能
	router.Use(loggingMiddleware(handlers.logger))

	return router
}

// loggingMiddleware logs HTTP requests
// HTTPリクエストをログ出力するミドルウェア
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// リクエスト処理
			next.ServeHTTP(w, r)

			// ログ出力
			logger.Info("HTTPリクエスト",
				zap.String("method", r.Method),
				zap.String("url", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
