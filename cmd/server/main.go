package main

import (
	"dify-gateway/internal/api/handlers"
	"dify-gateway/internal/app"
	"dify-gateway/internal/config"
	"dify-gateway/internal/logger"
	"dify-gateway/internal/repository/db"
	"dify-gateway/internal/repository/postgres"
	"net/http"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// demoUserID is a seeded account for local development and demos.
const demoUserID = "11111111-1111-1111-1111-111111111111"

func main() {
	if err := godotenv.Load(); err != nil {
		logger.Log.Debug("No .env file found, using environment variables")
	}

	appConfig, err := config.LoadConfig()
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load configuration")
	}

	logger.Log.Info("Initializing database...")
	database, err := postgres.NewPostgresDB(appConfig.Database)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to initialize database")
	}
	defer database.Close()

	if err := seedDemoUser(database, appConfig.Billing.GuestSeedCredits); err != nil {
		logger.Log.WithError(err).Fatal("Failed to seed demo user")
	}

	appCfg := app.NewConfig(database, appConfig)

	chatHandlers := handlers.NewChatHandlers(appCfg)
	billingHandlers := handlers.NewBillingHandlers(appCfg)
	contextHandlers := handlers.NewContextHandlers(appCfg)

	// Go 1.22+ method routing with native path parameters
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", chatHandlers.ChatHandler)
	mux.HandleFunc("POST /api/chat/stream", chatHandlers.ChatStreamHandler)
	mux.HandleFunc("GET /api/conversations", chatHandlers.GetConversationsHandler)
	mux.HandleFunc("GET /api/conversations/{id}/messages", chatHandlers.GetConversationMessagesHandler)
	mux.HandleFunc("GET /api/billing/stats", billingHandlers.StatsHandler)
	mux.HandleFunc("GET /api/context-status/{conversationId}", contextHandlers.ContextStatusHandler)
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(mux)

	port := appConfig.Server.Port
	logger.Log.WithField("port", port).Info("Server starting")
	logger.Log.Infof("Health check: http://localhost:%s/api/health", port)
	logger.Log.Infof("Chat endpoint: http://localhost:%s/api/chat", port)
	logger.Log.Infof("Billing stats: http://localhost:%s/api/billing/stats", port)

	if err := http.ListenAndServe(":"+port, handler); err != nil {
		logger.Log.WithError(err).Fatal("Server failed to start")
	}
}

// seedDemoUser ensures the demo account exists with a starting balance.
func seedDemoUser(database db.Database, balance int) error {
	exists, err := database.UserExists(demoUserID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if _, err := database.CreateUser(demoUserID, balance); err != nil {
		return err
	}
	logger.Log.WithField("user_id", demoUserID).Info("Seeded demo user")
	return nil
}
