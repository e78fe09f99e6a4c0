// Package main provides the equipmentseed application entry point.
// equipmentseed is a one-shot tool that embeds the registered deterministic
// equipment scripts and upserts them into the vector index so the Admin
// classifier can match incoming messages against them.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/ai/real"
	qdrantcli "github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/config"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx := context.Background()

	entries, err := config.LoadEquipmentScripts(cfg.EquipmentScriptsPath)
	if err != nil {
		slog.Error("load equipment scripts failed", slog.Any("error", err))
		os.Exit(1)
	}
	if len(entries) == 0 {
		slog.Warn("no equipment scripts registered, nothing to seed", slog.String("path", cfg.EquipmentScriptsPath))
		return
	}

	modelClient := real.New(cfg)
	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.Description
	}
	embeddings, err := modelClient.Embed(ctx, texts)
	if err != nil {
		slog.Error("embed equipment scripts failed", slog.Any("error", err))
		os.Exit(1)
	}
	if len(embeddings) != len(entries) {
		slog.Error("embedding count mismatch", slog.Int("want", len(entries)), slog.Int("got", len(embeddings)))
		os.Exit(1)
	}

	scripts := make([]domain.EquipmentScript, len(entries))
	for i, e := range entries {
		scripts[i] = domain.EquipmentScript{
			Name:        e.Name,
			Description: e.Description,
			Keywords:    e.Keywords,
			Embedding:   embeddings[i],
		}
	}

	qclient := qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey)
	index := qdrantcli.NewEquipmentIndex(qclient)
	if err := index.Seed(ctx, scripts); err != nil {
		slog.Error("seed equipment index failed", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("equipment scripts seeded", slog.Int("count", len(scripts)))
}
