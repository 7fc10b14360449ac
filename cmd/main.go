package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/umbra-msg/umbra-core/internal/auth"
	"github.com/umbra-msg/umbra-core/internal/callsignaling"
	"github.com/umbra-msg/umbra-core/internal/db"
	"github.com/umbra-msg/umbra-core/internal/handlers"
	"github.com/umbra-msg/umbra-core/internal/keyservice"
	"github.com/umbra-msg/umbra-core/internal/logger"
	"github.com/umbra-msg/umbra-core/internal/messaging"
	"github.com/umbra-msg/umbra-core/internal/middleware"
	"github.com/umbra-msg/umbra-core/internal/push"
	"github.com/umbra-msg/umbra-core/internal/scheduler"
	"github.com/umbra-msg/umbra-core/internal/session"
	"github.com/umbra-msg/umbra-core/internal/topicbus"
)

func main() {
	// Configuration from environment
	port := getEnv("API_PORT", "8000")
	tlsCertFile := os.Getenv("TLS_CERT_FILE")           // Path to TLS certificate file (PEM format)
	tlsKeyFile := os.Getenv("TLS_KEY_FILE")             // Path to TLS private key file (PEM format)
	agentCACertFile := os.Getenv("AGENT_CA_CERT_FILE")  // Path to CA cert for validating node client certs (enables mTLS between relay nodes)
	requireClientCert := getEnv("REQUIRE_CLIENT_CERT", "false") == "true"
	rateLimitEnabled := getEnv("RATE_LIMIT_ENABLED", "true") == "true"
	rateLimitRPM := getEnvInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 600)
	auditLogEnabled := getEnv("AUDIT_LOG_ENABLED", "true") == "true"
	auditLogBodies := getEnv("AUDIT_LOG_BODIES", "false") == "true" // Log request bodies (default: false for privacy)

	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbUser := getEnv("DB_USER", "umbra")
	dbPassword := getEnv("DB_PASSWORD", "umbra")
	dbName := getEnv("DB_NAME", "umbra")
	dbSSLMode := getEnv("DB_SSL_MODE", "disable") // SECURITY: should be "require" in production

	logLevel := getEnv("LOG_LEVEL", "info")
	logPretty := getEnv("LOG_PRETTY", "false") == "true"
	logger.Initialize(logLevel, logPretty)

	jwtSecret := os.Getenv("JWT_SECRET")
	if len(jwtSecret) < 32 {
		log.Fatal("JWT_SECRET must be set and at least 32 characters")
	}

	pushWorkers := getEnvInt("PUSH_WORKERS", 10)
	fcmServerKey := os.Getenv("FCM_SERVER_KEY")
	apnsAuthToken := os.Getenv("APNS_AUTH_TOKEN")
	apnsTopic := getEnv("APNS_TOPIC", "")

	natsEnabled := getEnv("NATS_RELAY_ENABLED", "false") == "true"
	natsURL := getEnv("NATS_URL", "nats://localhost:4222")
	natsUser := os.Getenv("NATS_USER")
	natsPassword := os.Getenv("NATS_PASSWORD")
	natsSecret := os.Getenv("NATS_RELAY_SECRET") // 32 raw bytes, base64 not accepted here: operator supplies exactly 32 bytes
	nodeID := getEnv("NODE_ID", "node-1")

	database, err := db.NewDatabase(db.Config{
		Host:     dbHost,
		Port:     dbPort,
		User:     dbUser,
		Password: dbPassword,
		DBName:   dbName,
		SSLMode:  dbSSLMode,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	sqlDB := database.DB()

	userDB := db.NewUserDB(sqlDB)
	tokenDB := db.NewTokenDB(sqlDB)
	convDB := db.NewConversationDB(sqlDB)
	messageDB := db.NewMessageDB(sqlDB)
	keyDB := db.NewKeyDB(sqlDB)
	securityDB := db.NewSecurityDB(sqlDB)
	callDB := db.NewCallDB(sqlDB)
	deviceDB := db.NewDeviceDB(sqlDB)

	jwtManager := auth.NewJWTManager(&auth.JWTConfig{
		SecretKey:     jwtSecret,
		Issuer:        "umbra-core",
		TokenDuration: 24 * time.Hour,
	})
	authHandler := auth.NewAuthHandler(userDB, tokenDB, jwtManager)

	bus := topicbus.NewBus(nil)
	var natsRelay *topicbus.NATSRelay
	if natsEnabled {
		if len(natsSecret) != 32 {
			log.Fatal("NATS_RELAY_SECRET must be exactly 32 bytes when NATS_RELAY_ENABLED=true")
		}
		var secretKey [32]byte
		copy(secretKey[:], natsSecret)
		natsRelay, err = topicbus.NewNATSRelay(topicbus.NATSRelayConfig{
			URL:       natsURL,
			User:      natsUser,
			Password:  natsPassword,
			SecretKey: secretKey,
			NodeID:    nodeID,
		}, bus)
		if err != nil {
			log.Printf("WARNING: NATS relay unavailable, running single-node: %v", err)
		} else {
			bus.SetRelay(natsRelay)
		}
	}

	if fcmServerKey == "" {
		log.Println("WARNING: FCM_SERVER_KEY not set, Android push delivery will fail vendor calls")
	}
	if apnsAuthToken == "" {
		log.Println("WARNING: APNS_AUTH_TOKEN not set, iOS push delivery will fail vendor calls")
	}
	_ = apnsTopic
	vendor := push.NewDualVendor(
		push.NewFCMVendor(push.FCMConfig{ServerKey: fcmServerKey}),
		push.NewAPNsVendor(push.APNsConfig{AuthToken: apnsAuthToken}),
	)
	pushDispatcher := push.NewDispatcher(deviceDB, vendor)
	pushDispatcher.SetWorkers(pushWorkers)
	pushDispatcher.Start()
	defer pushDispatcher.Stop()

	pipeline := messaging.NewPipeline(messageDB, convDB, userDB, bus, pushDispatcher)
	callHandler := callsignaling.NewHandler(callDB, convDB, bus, pushDispatcher)
	router := session.NewRouter(bus, userDB, convDB, jwtManager, pipeline, callHandler)
	keyHandler := keyservice.NewHandler(keyDB, securityDB)

	conversationHandler := handlers.NewConversationHandler(convDB, userDB, pipeline)
	messageHandler := handlers.NewMessageHandler(messageDB, convDB)
	pushHandler := handlers.NewPushHandler(deviceDB)

	maintenance := scheduler.New(callDB, keyDB, securityDB, deviceDB, pushDispatcher)
	if err := maintenance.Start(); err != nil {
		log.Fatalf("Failed to start maintenance scheduler: %v", err)
	}

	ginRouter := gin.New()
	ginRouter.Use(middleware.RequestID())
	ginRouter.Use(gin.Recovery())
	ginRouter.Use(middleware.StructuredLoggerWithConfigFunc(middleware.DefaultStructuredLoggerConfig()))
	ginRouter.Use(middleware.Timeout(middleware.DefaultTimeoutConfig()))
	ginRouter.Use(middleware.AllowedHTTPMethods())
	ginRouter.Use(corsMiddleware())
	ginRouter.Use(middleware.SecurityHeaders())

	validator := middleware.NewInputValidator()
	ginRouter.Use(validator.Middleware())
	ginRouter.Use(validator.SanitizeJSONMiddleware())
	ginRouter.Use(middleware.RequestSizeLimiter(middleware.MaxRequestBodySize))

	if auditLogEnabled {
		ginRouter.Use(middleware.NewAuditLogger(sqlDB, auditLogBodies).Middleware())
	}
	ginRouter.Use(middleware.GzipWithExclusions(middleware.BestSpeed, []string{"/api/v1/ws"}))

	if rateLimitEnabled {
		ginRouter.Use(middleware.NewRateLimiter(float64(rateLimitRPM)/60.0, rateLimitRPM/4).Middleware())
	}

	api := ginRouter.Group("/api/v1")

	// Login and verify-email are unauthenticated and guessable (password,
	// email code), so they get their own tight per-IP attempt budget on
	// top of the global rate limiter.
	credentialAttemptLimiter := middleware.NewRateLimiter(
		float64(middleware.DefaultMaxAttempts)/middleware.DefaultRateLimitWindow.Seconds(),
		middleware.DefaultMaxAttempts,
	)
	api.Use(func(c *gin.Context) {
		if c.Request.Method == http.MethodPost &&
			(c.Request.URL.Path == "/api/v1/login" || c.Request.URL.Path == "/api/v1/verify-email") {
			credentialAttemptLimiter.Middleware()(c)
			return
		}
		c.Next()
	})

	authHandler.RegisterRoutes(api)

	authed := api.Group("")
	authed.Use(auth.Middleware(jwtManager, userDB))

	// Conversation creation gets its own per-user quota on top of the global
	// rate limiter, since it is the one authed write endpoint cheap enough to
	// spam into a large fan-out of idle conversations.
	convCreateLimiter := middleware.NewEndpointRateLimiter(20, 5)
	authed.Use(func(c *gin.Context) {
		if c.Request.Method == http.MethodPost && c.Request.URL.Path == "/api/v1/chat/conversations/create" {
			convCreateLimiter.Middleware("conversation_create")(c)
			return
		}
		c.Next()
	})

	conversationHandler.RegisterRoutes(authed)
	messageHandler.RegisterRoutes(authed)
	pushHandler.RegisterRoutes(authed)
	keyHandler.RegisterRoutes(authed)

	ginRouter.GET("/api/v1/ws", func(c *gin.Context) {
		router.ServeWS(c.Writer, c.Request, c.Query("token"))
	})

	ginRouter.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// SECURITY: Configure mTLS for inter-node relay authentication (optional)
	var tlsConfig *tls.Config
	if agentCACertFile != "" {
		log.Println("Configuring mTLS for node authentication...")

		caCert, err := ioutil.ReadFile(agentCACertFile)
		if err != nil {
			log.Fatalf("Failed to read CA certificate: %v", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			log.Fatalf("Failed to parse CA certificate")
		}

		tlsConfig = &tls.Config{
			ClientCAs:  caCertPool,
			ClientAuth: tls.VerifyClientCertIfGiven,
			MinVersion: tls.VersionTLS12,
		}

		if requireClientCert {
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
			log.Println("mTLS: client certificates REQUIRED")
		} else {
			log.Println("mTLS: client certificates OPTIONAL")
		}
	}

	// Create HTTP server with security timeouts
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: ginRouter,

		// SECURITY: prevent slow loris attacks and resource exhaustion
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,

		MaxHeaderBytes: 1 << 20, // 1 MB

		TLSConfig: tlsConfig,
	}

	go func() {
		if tlsCertFile != "" && tlsKeyFile != "" {
			log.Printf("API server listening on port %s (HTTPS/TLS enabled)", port)
			if err := srv.ListenAndServeTLS(tlsCertFile, tlsKeyFile); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Failed to start HTTPS server: %v", err)
			}
		} else {
			log.Printf("API server listening on port %s (HTTP - TLS not configured)", port)
			log.Println("WARNING: running without TLS/HTTPS. This is insecure for production!")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Failed to start HTTP server: %v", err)
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Printf("Received shutdown signal: %v", sig)
	log.Println("Starting graceful shutdown...")

	shutdownTimeout := 30 * time.Second
	if timeoutEnv := os.Getenv("SHUTDOWN_TIMEOUT"); timeoutEnv != "" {
		if duration, err := time.ParseDuration(timeoutEnv); err == nil {
			shutdownTimeout = duration
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("HTTP server forced to shutdown: %v", err)
	} else {
		log.Println("HTTP server stopped gracefully")
	}

	stopCtx := maintenance.Stop()
	<-stopCtx.Done()

	if natsRelay != nil {
		natsRelay.Close()
	}
}

func corsMiddleware() gin.HandlerFunc {
	// SECURITY: get allowed origins from environment
	allowedOriginsEnv := getEnv("CORS_ALLOWED_ORIGINS", "")
	var allowedOrigins []string

	if allowedOriginsEnv != "" {
		for _, origin := range strings.Split(allowedOriginsEnv, ",") {
			allowedOrigins = append(allowedOrigins, strings.TrimSpace(origin))
		}
	}

	if len(allowedOrigins) == 0 {
		log.Println("WARNING: no CORS_ALLOWED_ORIGINS set, defaulting to localhost only")
		allowedOrigins = []string{"http://localhost:3000", "http://localhost:8000"}
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range allowedOrigins {
			if origin == allowedOrigin {
				allowed = true
				break
			}
		}

		if allowed {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		// Allow standard HTTP headers plus WebSocket upgrade headers
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Extensions, Sec-WebSocket-Protocol")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, PATCH, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
