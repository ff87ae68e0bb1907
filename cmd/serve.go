package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"quest-progress-service/config"
	"quest-progress-service/handlers"
	"quest-progress-service/middleware"
	"quest-progress-service/services"
	"quest-progress-service/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the student sync worker and the audit scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

// app bundles the wired services behind the HTTP surface.
type app struct {
	cfg         *config.Config
	clock       clockwork.Clock
	ledger      *services.LedgerService
	coordinator *services.CompletionCoordinator
	progress    *services.ProgressService
	adjustments *services.AdjustmentService
	audit       *services.AuditService
}

func newApp(cfg *config.Config, db *gorm.DB, clock clockwork.Clock, uploader services.ReportUploader) *app {
	ledger := services.NewLedgerService(db)
	return &app{
		cfg:    cfg,
		clock:  clock,
		ledger: ledger,
		coordinator: services.NewCompletionCoordinator(db, ledger, services.CompletionOptions{
			Clock:          clock,
			CooldownWindow: cfg.AttemptCooldown,
			RewardCeiling:  cfg.RewardSafetyCeiling,
			Location:       cfg.StreakLocation,
		}),
		progress:    services.NewProgressService(db),
		adjustments: services.NewAdjustmentService(db, ledger, clock),
		audit:       services.NewAuditService(db, uploader, clock),
	}
}

// router builds the fiber app. Every request must come from the Gateway.
func (a *app) router() *fiber.App {
	f := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024,
	})

	f.Use(recover.New())
	f.Use(logger.New())
	f.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(a.cfg.AllowedOrigins, ","),
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, Idempotency-Key",
		ExposeHeaders:    "Content-Length, Content-Type, Retry-After, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))
	f.Use(middleware.GatewayAuthMiddleware(a.cfg.GatewayToken))

	f.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	secured := f.Group("/s", middleware.UserContextMiddleware())
	handlers.SetupCompletionRoutes(secured, a.coordinator, a.clock)
	handlers.SetupProgressionRoutes(secured, a.progress, a.ledger, a.adjustments, a.clock)

	if a.cfg.AuthServiceURL != "" {
		handlers.SetupSSERoutes(f, services.NewAuthServiceClient(a.cfg.AuthServiceURL, a.cfg.AuthServiceToken), a.ledger)
	}
	return f
}

func runServe(cmd *cobra.Command) error {
	cfg := loadConfig(cmd)
	if cfg.GatewayToken == "" {
		log.Fatal("❌ GATEWAY_SERVICE_TOKEN is not set, service cannot authenticate Gateway")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}

	a := newApp(cfg, db, clockwork.NewRealClock(), reportUploader(ctx, cfg))
	server := a.router()

	if cfg.SyncServiceURL != "" {
		syncWorker := workers.NewStudentSyncWorker(a.progress, cfg.SyncServiceURL, "/api/v1/public/profiles", cfg.GatewayToken, cfg.SyncInterval)
		syncWorker.Start(ctx)
	} else {
		log.Println("⚠️  SYNC_SERVICE_URL not set, student sync worker disabled")
	}

	if cfg.AuditInterval > 0 {
		if _, err := a.audit.StartAuditScheduler(ctx, cfg.AuditInterval); err != nil {
			return err
		}
	}

	go func() {
		if err := server.Listen(":" + cfg.Port); err != nil {
			log.Printf("Server error: %v", err)
			stop()
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s", cfg.Port)
	log.Println("✅ GatewayAuthMiddleware enforced globally, all requests must come from Gateway")
	log.Printf("✅ CORS configured for origins: %s", strings.Join(cfg.AllowedOrigins, ","))

	<-ctx.Done()
	log.Println("Shutting down server...")
	return server.ShutdownWithTimeout(10 * time.Second)
}
