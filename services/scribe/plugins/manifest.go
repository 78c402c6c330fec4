// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plugins

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/AleutianAI/scribe/services/scribe/boundary"
	"github.com/AleutianAI/scribe/services/scribe/datatypes"
)

// Manifest constants.
const (
	ManifestFileName   = "manifest.json"
	HMAVersion         = "2.2"
	Product            = "scribe"
	DefaultEntryPoint  = "Actions"
	manifestVersionTag = `^2\.2(\.\d+)?$`
)

//go:embed manifest.schema.json
var manifestSchemaJSON []byte

var manifestVersionPattern = regexp.MustCompile(manifestVersionTag)

var manifestSchema = func() *boundary.Schema {
	s, err := boundary.CompileSchema(manifestSchemaJSON)
	if err != nil {
		panic(fmt.Sprintf("manifest schema: %v", err))
	}
	return s
}()

// Manifest is an HMA v2.2 plugin manifest.
type Manifest struct {
	ManifestVersion     string              `json:"manifest_version" validate:"required"`
	PluginMetadata      PluginMetadata      `json:"plugin_metadata"`
	HMACompliance       HMACompliance       `json:"hma_compliance"`
	RuntimeRequirements RuntimeRequirements `json:"runtime_requirements"`
	InterfaceContracts  InterfaceContracts  `json:"interface_contracts"`
}

// PluginMetadata identifies the plugin.
type PluginMetadata struct {
	Name        string `json:"name" validate:"required"`
	Version     string `json:"version" validate:"required"`
	Description string `json:"description"`
	Author      string `json:"author"`
	Product     string `json:"product"`
}

// HMACompliance declares architectural conformance.
type HMACompliance struct {
	HMAVersion         string              `json:"hma_version"`
	TierClassification TierClassification  `json:"tier_classification"`
	BoundaryInterfaces []BoundaryInterface `json:"boundary_interfaces" validate:"dive"`
}

// TierClassification groups the plugin's dependencies by tier.
type TierClassification struct {
	Mandatory   []string `json:"mandatory"`
	Recommended []string `json:"recommended"`
	Alternative []string `json:"alternative"`
}

// BoundaryInterface is one boundary the plugin crosses.
type BoundaryInterface struct {
	Type             string `json:"type" validate:"required"`
	Protocol         string `json:"protocol" validate:"required"`
	Endpoint         string `json:"endpoint"`
	TelemetryEnabled bool   `json:"telemetry_enabled"`
}

// RuntimeRequirements states what the plugin needs to run.
type RuntimeRequirements struct {
	LanguageVersion string   `json:"language_version" validate:"required"`
	Dependencies    []string `json:"dependencies"`
}

// InterfaceContracts holds the action contract.
type InterfaceContracts struct {
	ActionInterface ActionInterface `json:"action_interface"`
}

// ActionInterface names the entry point and its parameter schema.
type ActionInterface struct {
	EntryPoint          string         `json:"entry_point" validate:"required"`
	ConfigurationSchema map[string]any `json:"configuration_schema"`
}

// ParseManifest validates raw against the manifest schema and decodes it.
//
// # Outputs
//
//   - *Manifest: Decoded manifest.
//   - *boundary.Schema: Compiled configuration_schema, nil when empty.
//   - error: Wraps ErrInvalidManifest on any missing or mismatched field.
func ParseManifest(raw []byte) (*Manifest, *boundary.Schema, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if errs := manifestSchema.Validate(generic); len(errs) > 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidManifest, strings.Join(errs, "; "))
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := datatypes.Validator().Struct(&m); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := checkCompatibility(&m); err != nil {
		return nil, nil, err
	}

	var params *boundary.Schema
	if cs := m.InterfaceContracts.ActionInterface.ConfigurationSchema; len(cs) > 0 {
		schemaRaw, err := json.Marshal(cs)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: configuration_schema: %v", ErrInvalidManifest, err)
		}
		if params, err = boundary.CompileSchema(schemaRaw); err != nil {
			return nil, nil, fmt.Errorf("%w: configuration_schema: %v", ErrInvalidManifest, err)
		}
	}
	return &m, params, nil
}

// checkCompatibility pins the manifest to the version, HMA level and product
// this loader understands.
func checkCompatibility(m *Manifest) error {
	if !manifestVersionPattern.MatchString(m.ManifestVersion) {
		return fmt.Errorf("%w: manifest_version %q is not %s.x", ErrInvalidManifest, m.ManifestVersion, HMAVersion)
	}
	if m.HMACompliance.HMAVersion != HMAVersion {
		return fmt.Errorf("%w: hma_version %q, want %q", ErrInvalidManifest, m.HMACompliance.HMAVersion, HMAVersion)
	}
	if m.PluginMetadata.Product != Product {
		return fmt.Errorf("%w: product %q, want %q", ErrInvalidManifest, m.PluginMetadata.Product, Product)
	}
	return nil
}

// ManifestPath returns <dir>/<stem>/manifest.json.
func ManifestPath(dir, stem string) string {
	return filepath.Join(dir, stem, ManifestFileName)
}

// loadManifestFile reads and parses the manifest at path. A missing file
// yields (nil, nil, nil).
func loadManifestFile(path string) (*Manifest, *boundary.Schema, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(raw)
}
