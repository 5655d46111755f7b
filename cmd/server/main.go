package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/tutorhive/backend/docs"
	"github.com/tutorhive/backend/internal/config"
	"github.com/tutorhive/backend/internal/database"
	"github.com/tutorhive/backend/internal/handlers"
	mW "github.com/tutorhive/backend/internal/middleware"
	"github.com/tutorhive/backend/internal/services"
)

// @title TutorHive Credits API
// @version 1.0
// @description Credit ledger and family-sharing backend for the TutorHive tutoring platform
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("webhook.secret_key", "WEBHOOK_SECRET_KEY")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "TutorHive Credits API"
	docs.SwaggerInfo.Description = "Credit ledger and family-sharing backend for the TutorHive tutoring platform"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	creditsCfg := config.LoadCreditsConfig()

	db := database.InitDatabase()
	defer db.Close()

	if err := database.RunMigrations("migrations"); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	ledgerService := services.NewCreditLedgerService(db, creditsCfg)
	reservationService := services.NewReservationService(db, ledgerService)
	familyService := services.NewFamilyService(db, redisClient, creditsCfg)
	orderService := services.NewOrderService(db, ledgerService, reservationService, familyService, creditsCfg)
	settlementService := services.NewSettlementService(db, ledgerService, orderService)
	authService := services.NewAuthService(db, redisClient)
	voiceService := services.NewVoiceNotesService(db)
	defer voiceService.Close()

	creditHandler := handlers.NewCreditHandler(ledgerService)
	orderHandler := handlers.NewOrderHandler(orderService)
	familyHandler := handlers.NewFamilyHandler(familyService)
	webhookHandler := handlers.NewWebhookHandler(settlementService)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Sweeper expires stale orders in the background.
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	services.NewSweeper(orderService, creditsCfg.SweepInterval).Start(sweepCtx)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// Payment webhooks are signature-verified, not JWT-authenticated.
	r.Post("/webhooks/payment", webhookHandler.PaymentEvent)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/auth/account", authService.GetUserAccount)

			// Credit ledger endpoints
			r.Get("/credits/balance", creditHandler.Balance)
			r.Get("/credits/entries", creditHandler.Entries)
			r.Post("/credits/transfer", creditHandler.Transfer)
			r.Post("/credits/topup", creditHandler.Topup)

			// Task reward endpoint
			r.Post("/tasks/complete", creditHandler.CompleteTask)

			// Order endpoints
			r.Get("/orders", orderHandler.List)
			r.Post("/orders/purchase", orderHandler.Purchase)
			r.Get("/orders/{orderId}", orderHandler.Get)
			r.Post("/orders/{orderId}/approve", orderHandler.Approve)
			r.Post("/orders/{orderId}/cancel", orderHandler.Cancel)

			// Family group endpoints
			r.Post("/family/groups", familyHandler.CreateGroup)
			r.Post("/family/groups/{groupId}/invite", familyHandler.Invite)
			r.Post("/family/join", familyHandler.Join)
			r.Get("/family/groups/{groupId}/members", familyHandler.Members)
			r.Delete("/family/groups/{groupId}/members/{accountId}", familyHandler.Remove)

			// Voice note endpoints
			r.Post("/sessions/voice-note", voiceService.CreateVoiceNote)
			r.Get("/sessions/voice-notes", voiceService.ListVoiceNotes)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stopSweeper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
