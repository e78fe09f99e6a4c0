package qdrant

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// equipmentCollection is the Qdrant collection equipment scripts are seeded
// into and matched against.
const equipmentCollection = "equipment_scripts"

// equipmentVectorSize matches the embedding dimension produced by the
// admin-tier ModelClient's Embed method.
const equipmentVectorSize = 1536

// EquipmentIndex implements domain.EquipmentIndex over a Qdrant collection.
type EquipmentIndex struct {
	client *Client
}

// NewEquipmentIndex wraps client as a domain.EquipmentIndex.
func NewEquipmentIndex(client *Client) *EquipmentIndex {
	return &EquipmentIndex{client: client}
}

// Match searches equipmentCollection for the nearest script to embedding and
// reports it only if the similarity score clears threshold.
func (i *EquipmentIndex) Match(ctx domain.Context, embedding []float32, threshold float32) (domain.EquipmentScript, bool, error) {
	results, err := i.client.Search(ctx, equipmentCollection, embedding, 1)
	if err != nil {
		return domain.EquipmentScript{}, false, fmt.Errorf("op=qdrant.equipment_index.match: %w", err)
	}
	if len(results) == 0 {
		return domain.EquipmentScript{}, false, nil
	}

	score, _ := results[0]["score"].(float64)
	if float32(score) < threshold {
		return domain.EquipmentScript{}, false, nil
	}

	payload, ok := results[0]["payload"].(map[string]any)
	if !ok {
		return domain.EquipmentScript{}, false, nil
	}
	return scriptFromPayload(payload), true, nil
}

// Seed upserts scripts into equipmentCollection, creating it first if
// necessary. Point IDs are derived deterministically from the script name so
// re-seeding the same script updates it in place instead of duplicating it.
func (i *EquipmentIndex) Seed(ctx domain.Context, scripts []domain.EquipmentScript) error {
	if len(scripts) == 0 {
		return nil
	}
	if err := i.client.EnsureCollection(ctx, equipmentCollection, equipmentVectorSize, "Cosine"); err != nil {
		return fmt.Errorf("op=qdrant.equipment_index.seed.ensure_collection: %w", err)
	}

	vectors := make([][]float32, len(scripts))
	payloads := make([]map[string]any, len(scripts))
	ids := make([]any, len(scripts))
	for idx, s := range scripts {
		vectors[idx] = s.Embedding
		payloads[idx] = map[string]any{
			"name":        s.Name,
			"description": s.Description,
			"keywords":    s.Keywords,
		}
		ids[idx] = pointID(s.Name)
	}

	if err := i.client.UpsertPoints(ctx, equipmentCollection, vectors, payloads, ids); err != nil {
		return fmt.Errorf("op=qdrant.equipment_index.seed.upsert: %w", err)
	}
	return nil
}

func scriptFromPayload(payload map[string]any) domain.EquipmentScript {
	script := domain.EquipmentScript{}
	if v, ok := payload["name"].(string); ok {
		script.Name = v
	}
	if v, ok := payload["description"].(string); ok {
		script.Description = v
	}
	if v, ok := payload["keywords"].([]any); ok {
		keywords := make([]string, 0, len(v))
		for _, k := range v {
			if s, ok := k.(string); ok {
				keywords = append(keywords, s)
			}
		}
		script.Keywords = keywords
	}
	return script
}

// pointID hashes name into a stable hex string Qdrant accepts as a point ID.
func pointID(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:16])
}
