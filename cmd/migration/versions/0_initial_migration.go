package versions

import (
	"nutristudio_platform/studio/schema"

	"gorm.io/gorm"
)

// Migration_0_initial_migration creates the full schema for a new deployment.
// Later migrations build on this baseline, so it must stay stable once shipped.
func Migration_0_initial_migration(txn *gorm.DB) error {
	return txn.AutoMigrate(schema.AllModels()...)
}
