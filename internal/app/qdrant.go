// Package app wires application components and startup helpers.
package app

import (
	"log/slog"

	qdrantcli "github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// equipmentVectorSize matches the admin-tier ModelClient's embedding
// dimension and internal/adapter/vector/qdrant.equipmentVectorSize.
const equipmentVectorSize = 1536

// EnsureDefaultCollections ensures the equipment-script collection exists.
// Seeding its contents is cmd/equipmentseed's job, not startup's.
func EnsureDefaultCollections(ctx domain.Context, qcli *qdrantcli.Client) {
	if qcli == nil {
		return
	}
	if err := qcli.EnsureCollection(ctx, "equipment_scripts", equipmentVectorSize, "Cosine"); err != nil {
		slog.Warn("qdrant ensure equipment_scripts failed", slog.Any("error", err))
	}
}
