package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"voice-bridge/backend/internal/constants"
	"voice-bridge/backend/internal/graph"
	"voice-bridge/backend/pkg/config"
	"voice-bridge/backend/pkg/errors"
	"voice-bridge/backend/pkg/logger"
)

// defaultPresets are the voice presets every installation starts with
var defaultPresets = []graph.VoicePreset{
	{Name: constants.DefaultVoicePreset, Voice: "onyx", Speed: 1.0},
	{Name: "SwissFriendlyDE", Voice: "nova", Speed: 1.05},
	{Name: "SwissCalmDE", Voice: "shimmer", Speed: 0.95},
	{Name: "SwissProfessionalFR", Voice: "alloy", Speed: 1.0},
}

func main() {
	tenantID := flag.String("tenant-id", "demo", "Tenant ID to create")
	name := flag.String("name", "Demo Praxis", "Tenant display name")
	numbers := flag.String("numbers", "+41440000000", "Comma-separated dialed numbers routed to the tenant")
	agentID := flag.String("agent-id", "", "Speech-engine agent ID")
	preset := flag.String("voice-preset", constants.DefaultVoicePreset, "Voice preset name")
	force := flag.Bool("force", false, "Overwrite the tenant if it exists")
	flag.Parse()

	// Initialize logger
	if err := logger.Init("development"); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting database seeding...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize Neo4j driver
	driver, err := neo4j.NewDriverWithContext(
		cfg.Neo4jURI,
		neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""),
	)
	if err != nil {
		log.Fatal("Failed to create Neo4j driver", zap.Error(err))
	}
	defer driver.Close(context.Background())

	// Verify connection
	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		log.Fatal("Failed to verify Neo4j connectivity", zap.Error(err))
	}

	repo := graph.NewRepository(driver, log)

	log.Info("Creating constraints...")
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Warn("Failed to create some constraints (may already exist)", zap.Error(err))
	}

	for _, p := range defaultPresets {
		if err := repo.UpsertVoicePreset(ctx, p); err != nil {
			log.Fatal("Failed to create voice preset", zap.String("preset", p.Name), zap.Error(err))
		}
	}
	log.Info("Voice presets ready", zap.Int("count", len(defaultPresets)))

	// Check if tenant already exists
	existing, err := repo.GetTenantProfile(ctx, *tenantID)
	if err == nil && !*force {
		log.Info("Tenant already exists, skipping creation (use -force to overwrite)",
			zap.String("tenant_id", existing.ID),
			zap.String("name", existing.Name),
		)
		os.Exit(0)
	}
	if err != nil && err != errors.ErrNotFound {
		log.Fatal("Failed to look up tenant", zap.Error(err))
	}

	profile := graph.TenantProfile{
		ID:            *tenantID,
		Name:          *name,
		EngineAgentID: *agentID,
		VoicePreset:   *preset,
		Greeting:      fmt.Sprintf("Grüezi, hier ist %s. Wie kann ich Ihnen helfen?", *name),
		Language:      constants.DefaultLanguage,
	}
	if err := repo.UpsertTenant(ctx, profile, strings.Split(*numbers, ",")); err != nil {
		log.Fatal("Failed to create tenant", zap.Error(err))
	}

	if *agentID == "" {
		log.Warn("Tenant has no engine agent; streaming calls to it will be rejected",
			zap.String("tenant_id", *tenantID))
	}

	log.Info("Database seeding completed successfully",
		zap.String("tenant_id", *tenantID),
		zap.String("numbers", *numbers),
	)
}
