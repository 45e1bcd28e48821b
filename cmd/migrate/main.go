package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"agentflow/internal/config"
	"agentflow/internal/models"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	err = db.AutoMigrate(
		&models.Automation{},
		&models.ProcessedItem{},
		&models.AutomationRun{},
		&models.BoardTask{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	log.Println("Creating additional indexes...")

	db.Exec("CREATE INDEX IF NOT EXISTS idx_runs_automation_started ON automation_runs(automation_id, started_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_processed_items_automation ON processed_items(automation_id)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_automations_enabled ON automations(enabled)")

	log.Println("Additional indexes created successfully!")

	if len(os.Args) > 1 && os.Args[1] == "--seed" {
		log.Println("Seeding sample data...")
		seedSampleData(db)
		log.Println("Sample data seeded successfully!")
	}

	log.Println("Migration process completed!")
}

func seedSampleData(db *gorm.DB) {
	var existing models.Automation
	if err := db.Where("name = ?", "sample-pr-review").First(&existing).Error; err == nil {
		return
	}

	source, _ := json.Marshal(models.SourceConfig{
		Type:    models.SourceGitHub,
		Repos:   []string{"acme/widgets"},
		PollFor: []string{models.ItemTypePullRequest},
	})
	trigger, _ := json.Marshal(models.TriggerConfig{OnNewItem: true})
	outputs, _ := json.Marshal([]models.OutputConfig{
		{Type: models.OutputSlack, Enabled: true},
	})

	automation := models.Automation{
		ID:              uuid.NewString(),
		Name:            "sample-pr-review",
		Description:     "Notify on new pull requests in acme/widgets",
		Enabled:         false,
		IntervalMinutes: 30,
		Source:          string(source),
		Trigger:         string(trigger),
		Outputs:         string(outputs),
	}
	if err := db.Create(&automation).Error; err != nil {
		log.Printf("seed automation: %v", err)
		return
	}
	log.Println("Created sample automation (disabled)")
}
