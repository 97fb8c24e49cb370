// Command protoschema emits JSON Schema documents for the wire protocol so
// client implementations in other languages can validate their codecs.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"path/filepath"
	"reflect"

	"github.com/invopop/jsonschema"

	"relic-rush/server/internal/proto"
	"relic-rush/server/internal/snapshot"
)

type schemaTarget struct {
	name        string
	title       string
	description string
	value       any
}

func main() {
	var outDir string
	flag.StringVar(&outDir, "out", "schemas", "output directory for JSON schema files")
	flag.Parse()

	targets := []schemaTarget{
		{
			name:        "client_message",
			title:       "Client Message",
			description: "Any frame a client sends: hello, input, heartbeat, or leave.",
			value:       proto.ClientMessage{},
		},
		{
			name:        "welcome",
			title:       "Welcome",
			description: "Handshake response carrying identity, sticky token, and negotiated transport.",
			value:       proto.Welcome{},
		},
		{
			name:        "snapshot",
			title:       "Snapshot",
			description: "Per-client keyframe or delta payload with quantized entity state.",
			value:       snapshot.Snapshot{},
		},
		{
			name:        "error",
			title:       "Error",
			description: "Protocol, validation, or terminal failure notification.",
			value:       proto.Error{},
		},
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		log.Fatalf("protoschema: create output dir: %v", err)
	}

	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}
	for _, target := range targets {
		schema := reflector.ReflectFromType(reflect.TypeOf(target.value))
		if schema == nil {
			log.Fatalf("protoschema: failed to reflect %s", target.name)
		}
		schema.Title = target.title
		schema.Description = target.description

		data, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			log.Fatalf("protoschema: marshal %s: %v", target.name, err)
		}
		data = append(data, '\n')

		outPath := filepath.Join(outDir, target.name+".schema.json")
		if err := os.WriteFile(outPath, data, 0o644); err != nil {
			log.Fatalf("protoschema: write %s: %v", outPath, err)
		}
		log.Printf("wrote %s", outPath)
	}
}
