package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"nutristudio_platform/studio/aigen"
	"nutristudio_platform/studio/auth"
	"nutristudio_platform/studio/schema"
	"nutristudio_platform/studio/services"
	"nutristudio_platform/studio/storage"
	"nutristudio_platform/utils/logging"

	"github.com/caarlos0/env/v10"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type keycloakEnv struct {
	ServerUrl     string `env:"KEYCLOAK_SERVER_URL"`
	AdminUsername string `env:"KEYCLOAK_ADMIN_USER"`
	AdminPassword string `env:"KEYCLOAK_ADMIN_PASSWORD"`
	UseSslInLogin bool   `env:"USE_SSL_IN_LOGIN"`
	CertFile      string `env:"SSL_CERT_FILE"`
	KeyFile       string `env:"SSL_KEY_FILE"`
}

type llmEnv struct {
	Provider       string `env:"LLM_PROVIDER"`
	GenAiKey       string `env:"GENAI_KEY"`
	Model          string `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	OnPremEndpoint string `env:"ON_PREM_LLM_ENDPOINT"`
}

/**
 * ==========================================================================
 * ==== All variables used by the studio portal must be loaded here.     ====
 * ==== This is to make the data flow clear so that a user can see what  ====
 * ==== variables are exposed, and how the values are propagated through ====
 * ==== the system.                                                      ====
 * ==========================================================================
 */
type studioPortalEnv struct {
	PublicHostname string `env:"PUBLIC_HOSTNAME,required"`
	DatabaseUri    string `env:"DATABASE_URI,required"`
	ShareDir       string `env:"SHARE_DIR,required"`
	JwtSecret      string `env:"JWT_SECRET,required"`

	OwnerName     string `env:"OWNER_NAME,required"`
	OwnerEmail    string `env:"OWNER_EMAIL,required"`
	OwnerPassword string `env:"OWNER_PASSWORD,required"`

	IdentityProvider string `env:"IDENTITY_PROVIDER" envDefault:"basic"`
	Keycloak         keycloakEnv

	WebhookSecret string `env:"WEBHOOK_SECRET,required"`
	PlanTiersPath string `env:"PLAN_TIERS_PATH,required"`

	Llm llmEnv
}

func loadEnvFile(envFile string) {
	slog.Info(fmt.Sprintf("loading env from file %v", envFile))
	err := godotenv.Load(envFile)
	if err != nil {
		log.Fatalf("error loading .env file '%v': %v", envFile, err)
	}
}

func loadEnv() studioPortalEnv {
	cfg := studioPortalEnv{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error loading env variables: %v", err)
	}

	if cfg.IdentityProvider == "keycloak" && cfg.Keycloak.ServerUrl == "" {
		log.Fatal("KEYCLOAK_SERVER_URL must be specified when IDENTITY_PROVIDER is keycloak")
	}

	return cfg
}

func (e *studioPortalEnv) postgresDsn() string {
	parts, err := url.Parse(e.DatabaseUri)
	if err != nil {
		log.Fatalf("error parsing db uri: %v", err)
	}
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, parts.Port())
}

func initDb(dsn string) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	if err := db.AutoMigrate(schema.AllModels()...); err != nil {
		log.Fatalf("error migrating db schema: %v", err)
	}

	return db
}

func initIdentityProvider(db *gorm.DB, auditLog *os.File, cfg *studioPortalEnv) auth.IdentityProvider {
	if cfg.IdentityProvider == "keycloak" {
		provider, err := auth.NewKeycloakIdentityProvider(
			db,
			auth.NewAuditLogger(auditLog),
			auth.KeycloakArgs{
				KeycloakServerUrl:     cfg.Keycloak.ServerUrl,
				KeycloakAdminUsername: cfg.Keycloak.AdminUsername,
				KeycloakAdminPassword: cfg.Keycloak.AdminPassword,
				OwnerName:             cfg.OwnerName,
				OwnerEmail:            cfg.OwnerEmail,
				OwnerPassword:         cfg.OwnerPassword,
				SslLogin:              cfg.Keycloak.UseSslInLogin,
				CertFile:              cfg.Keycloak.CertFile,
				KeyFile:               cfg.Keycloak.KeyFile,
			},
		)
		if err != nil {
			log.Fatalf("error creating keycloak identity provider: %v", err)
		}
		return provider
	}

	provider, err := auth.NewBasicIdentityProvider(
		db,
		auth.NewAuditLogger(auditLog),
		auth.BasicProviderArgs{
			Secret:        []byte(cfg.JwtSecret),
			OwnerName:     cfg.OwnerName,
			OwnerEmail:    cfg.OwnerEmail,
			OwnerPassword: cfg.OwnerPassword,
		},
	)
	if err != nil {
		log.Fatalf("error creating basic identity provider: %v", err)
	}
	return provider
}

// The reason we have a separate runApp function is because the defer calls don't
// run if we exit with log.Fatalf, so instead we return an err here and fail outside
func runApp() error {
	envFile := flag.String("env", "", "File to load env variables from. If not specified will just load them from the environment variables already defined.")
	port := flag.Int("port", 8000, "Port to run server on")
	flag.Parse()

	if *envFile != "" {
		loadEnvFile(*envFile)
	}
	cfg := loadEnv()

	if err := os.MkdirAll(filepath.Join(cfg.ShareDir, "logs/"), 0777); err != nil {
		return fmt.Errorf("error creating log dir: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(cfg.ShareDir, "logs/studio_portal.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		return fmt.Errorf("error opening log file: %w", err)
	}
	defer logFile.Close()

	auditLog, err := os.OpenFile(filepath.Join(cfg.ShareDir, "logs/audit.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		return fmt.Errorf("error opening audit log file: %w", err)
	}
	defer auditLog.Close()

	logging.SetupWithFile(logFile, true)

	db := initDb(cfg.postgresDsn())

	sharedStorage := storage.NewSharedDisk(cfg.ShareDir)

	identityProvider := initIdentityProvider(db, auditLog, &cfg)

	planTiers, err := services.LoadPlanTierMapping(cfg.PlanTiersPath)
	if err != nil {
		return fmt.Errorf("error loading plan tier mapping: %w", err)
	}

	var llmProvider aigen.LLMProvider
	if cfg.Llm.Provider != "" {
		llmProvider, err = aigen.NewLLMProvider(cfg.Llm.Provider, cfg.Llm.GenAiKey, cfg.Llm.OnPremEndpoint)
		if err != nil {
			return fmt.Errorf("error creating llm provider: %w", err)
		}
	} else {
		slog.Warn("LLM_PROVIDER is not set, ai generation endpoints will be unavailable")
	}

	platform := services.NewStudioPlatform(db, sharedStorage, identityProvider, services.PlatformArgs{
		WebhookSecret:   []byte(cfg.WebhookSecret),
		PlanTiers:       planTiers,
		LLMProvider:     llmProvider,
		LLMProviderName: cfg.Llm.Provider,
		LLMModel:        cfg.Llm.Model,
	})

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.PublicHostname},                        // Allow public ingress origin
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}, // Allow all HTTP methods
		AllowedHeaders:   []string{"*"},                                       // Allow all headers
		ExposedHeaders:   []string{"*"},                                       // Expose all headers
		AllowCredentials: true,                                                // Allow cookies/auth headers
		MaxAge:           300,                                                 // Cache preflight response for 5 minutes
	}))
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/api/v1", platform.Routes())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: r,
	}

	/* srv.Shutdown stops accepting new connections without interrupting active
	ones, so in flight diary writes and plan publishes complete before exit.
	https://pkg.go.dev/net/http#Server.Shutdown */
	idleConnsClosed := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutdown signal received")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("HTTP server Shutdown", "err", err)
		}
		close(idleConnsClosed)
	}()

	slog.Info("starting server", "code", logging.SYSTEM, "port", *port)
	err = srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve returned error: %w", err)
	}

	<-idleConnsClosed
	return nil
}

func main() {
	if err := runApp(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}
