package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	OutputFormatStandard   = "standard"
	OutputFormatGitHub     = "github"
	OutputFormatCommonMark = "commonmark"

	ExtractionMethodAuto     = "auto"
	ExtractionMethodOCR      = "ocr"
	ExtractionMethodTextOnly = "text-only"
)

type Settings struct {
	OutputFormat       string `json:"outputFormat"`
	PreserveFormatting bool   `json:"preserveFormatting"`
	ExtractImages      bool   `json:"extractImages"`
	ExtractionMethod   string `json:"extractionMethod"`
	IncludeMetadata    bool   `json:"includeMetadata"`
}

func DefaultSettings() Settings {
	return Settings{
		OutputFormat:       OutputFormatStandard,
		PreserveFormatting: true,
		ExtractImages:      false,
		ExtractionMethod:   ExtractionMethodAuto,
		IncludeMetadata:    false,
	}
}

const settingsSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "outputFormat": {"type": "string", "enum": ["standard", "github", "commonmark"]},
    "preserveFormatting": {"type": "boolean"},
    "extractImages": {"type": "boolean"},
    "extractionMethod": {"type": "string", "enum": ["auto", "ocr", "text-only"]},
    "includeMetadata": {"type": "boolean"}
  }
}`

var settingsSchema = jsonschema.MustCompileString("settings.json", settingsSchemaJSON)

// ParseSettings validates raw against the settings schema and fills defaults for
// absent fields. Empty input yields DefaultSettings.
func ParseSettings(raw []byte) (Settings, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return DefaultSettings(), nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Settings{}, &ValidationError{Field: "settings", Message: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if err := settingsSchema.Validate(doc); err != nil {
		return Settings{}, &ValidationError{Field: "settings", Message: schemaMessage(err)}
	}

	settings := DefaultSettings()
	if err := json.Unmarshal(raw, &settings); err != nil {
		return Settings{}, &ValidationError{Field: "settings", Message: err.Error()}
	}
	return settings, nil
}

func (s Settings) Validate() error {
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = ParseSettings(doc)
	return err
}

func schemaMessage(err error) string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	location := strings.TrimPrefix(leaf.InstanceLocation, "/")
	if location == "" {
		return leaf.Message
	}
	return location + ": " + leaf.Message
}
