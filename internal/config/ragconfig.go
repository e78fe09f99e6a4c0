// Package config provides configuration loading utilities for the
// declarative tier-model table and QA validation spec.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// TierModelEntry describes one tier's routing target.
type TierModelEntry struct {
	Model              string  `yaml:"model"`
	Provider           string  `yaml:"provider"`
	InputPricePerMTok  float64 `yaml:"input_price_per_mtok"`
	OutputPricePerMTok float64 `yaml:"output_price_per_mtok"`
	TimeoutS           int     `yaml:"timeout_s"`
	MaxTokens          int     `yaml:"max_tokens"`
}

// TierModelTable is the `{tier: {model, provider, ...}}` mapping the
// dispatcher reads at startup and reloads on configuration change.
type TierModelTable map[string]TierModelEntry

// LoadTierModelTable reads the tier-to-model mapping from a YAML file.
func LoadTierModelTable(path string) (TierModelTable, error) {
	content, err := readConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadTierModelTable: %w", err)
	}

	var table TierModelTable
	if err := yaml.Unmarshal(content, &table); err != nil {
		return nil, fmt.Errorf("op=config.LoadTierModelTable: parse %s: %w", path, err)
	}
	return table, nil
}

// QASpec is the declarative quality-gate definition validated against a
// WorkOrder's result. Sections run in the order listed; security is
// always forced first and always terminal regardless of position here.
type QASpec struct {
	Format         QASpecFormat         `yaml:"format"`
	Completeness   QASpecCompleteness   `yaml:"completeness"`
	Security       QASpecSecurity       `yaml:"security"`
	CodeExecution  QASpecCodeExecution  `yaml:"code_execution"`
	Command        QASpecCommand        `yaml:"command"`
}

// QASpecFormat validates the shape of a result. Type selects which check
// runs: "json" validates parseability (and RequiredKeys/SchemaPath if
// set), "regex" validates Pattern matches, "text" skips shape checks.
type QASpecFormat struct {
	Enabled      bool     `yaml:"enabled"`
	Type         string   `yaml:"type"`
	RequiredKeys []string `yaml:"required_keys"`
	Pattern      string   `yaml:"pattern"`
	SchemaPath   string   `yaml:"schema_path"`
}

// QASpecCompleteness validates required content is present and forbidden
// content is absent.
type QASpecCompleteness struct {
	Enabled             bool     `yaml:"enabled"`
	RequiredSubstrings  []string `yaml:"required_substrings"`
	ForbiddenSubstrings []string `yaml:"forbidden_substrings"`
	MinLength           int      `yaml:"min_length"`
	MaxLength           int      `yaml:"max_length"`
}

// QASpecSecurity scans for disallowed content (secrets, banned patterns,
// unfilled templating). Always evaluated first, and any failure here is
// always terminal.
type QASpecSecurity struct {
	Enabled           bool     `yaml:"enabled"`
	CheckPlaceholders bool     `yaml:"check_placeholders"`
	ForbiddenPatterns []string `yaml:"forbidden_patterns"`
	DenySecretsLike   bool     `yaml:"deny_secrets_like"`
}

// QASpecCodeExecution runs a result's embedded code and checks its
// syntax or, if SyntaxOnly is false, its sandboxed execution output
// against expectations.
type QASpecCodeExecution struct {
	Enabled        bool   `yaml:"enabled"`
	Language       string `yaml:"language"`
	SyntaxOnly     bool   `yaml:"syntax_only"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	ExpectExitCode int    `yaml:"expect_exit_code"`
	ExpectOutput   string `yaml:"expect_output_contains"`
}

// QASpecCommand runs an operator-supplied shell command against the result,
// gated behind Config.AllowCommandExec and an explicit allowlist.
type QASpecCommand struct {
	Enabled   bool     `yaml:"enabled"`
	Allowlist []string `yaml:"allowlist"`
}

// LoadQASpec reads the declarative QA validation spec from a YAML file.
func LoadQASpec(path string) (*QASpec, error) {
	content, err := readConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadQASpec: %w", err)
	}

	spec := &QASpec{}
	if err := yaml.Unmarshal(content, spec); err != nil {
		return nil, fmt.Errorf("op=config.LoadQASpec: parse %s: %w", path, err)
	}
	return spec, nil
}

// EquipmentScriptEntry is one registered deterministic equipment script,
// as read from EquipmentScriptsPath before embedding and seeding.
type EquipmentScriptEntry struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`
}

// LoadEquipmentScripts reads the registered equipment script list from a
// YAML file.
func LoadEquipmentScripts(path string) ([]EquipmentScriptEntry, error) {
	content, err := readConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadEquipmentScripts: %w", err)
	}

	var entries []EquipmentScriptEntry
	if err := yaml.Unmarshal(content, &entries); err != nil {
		return nil, fmt.Errorf("op=config.LoadEquipmentScripts: parse %s: %w", path, err)
	}
	return entries, nil
}

func readConfigFile(path string) ([]byte, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", absPath)
	}
	// #nosec G304 -- configuration files are operator-controlled, not user input
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return content, nil
}
