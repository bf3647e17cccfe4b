package batchload

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/watchconfig.schema.json
var watchConfigSchemaJSON []byte

const watchConfigSchemaURL = "https://batchloader.dev/schemas/watchconfig.schema.json"

var watchConfigSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(watchConfigSchemaJSON))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(watchConfigSchemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(watchConfigSchemaURL)
})

// ParseWatchConfigDocument validates a configuration document against the
// schema and the semantic checks of WatchConfig.Validate.
func ParseWatchConfigDocument(raw []byte) (WatchConfig, error) {
	schema, err := watchConfigSchema()
	if err != nil {
		return WatchConfig{}, fmt.Errorf("compile watch config schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return WatchConfig{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(inst); err != nil {
		return WatchConfig{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var cfg WatchConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return WatchConfig{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := cfg.Validate(); err != nil {
		return WatchConfig{}, err
	}
	return cfg, nil
}
