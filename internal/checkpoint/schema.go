package checkpoint

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schemas returns the JSON Schema of each state file keyed by file name.
// Tracking entries are documented in their object form only.
func Schemas() map[string]*jsonschema.Schema {
	reflector := jsonschema.Reflector{
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	return map[string]*jsonschema.Schema{
		TrackingFile:     reflector.Reflect(trackingFile{}),
		ProcessedFile:    reflector.Reflect(&processedFile{}),
		MigrationLogFile: reflector.Reflect(&MigrationLog{}),
	}
}

// SchemaJSON renders Schemas as one indented document.
func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(Schemas(), "", "  ")
}
