package classifier

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var resultSchemas = map[Kind]string{
	KindLabel: `{
		"type": "object",
		"required": ["label"],
		"properties": {
			"label": {"type": "string", "minLength": 1},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1}
		}
	}`,
	KindYesNo: `{
		"type": "object",
		"required": ["same"],
		"properties": {
			"same": {"type": "boolean"},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1}
		}
	}`,
	KindBox: `{
		"type": "object",
		"required": ["found"],
		"properties": {
			"found": {"type": "boolean"},
			"box": {
				"type": "object",
				"required": ["x", "y", "width", "height"],
				"properties": {
					"x": {"type": "number", "minimum": 0, "maximum": 100},
					"y": {"type": "number", "minimum": 0, "maximum": 100},
					"width": {"type": "number", "minimum": 0, "maximum": 100},
					"height": {"type": "number", "minimum": 0, "maximum": 100}
				}
			}
		}
	}`,
	KindArtifact: `{
		"type": "object",
		"required": ["artifact_ref"],
		"properties": {
			"artifact_ref": {"type": "string", "minLength": 1}
		}
	}`,
}

var (
	compileOnce sync.Once
	compiled    map[Kind]*jsonschema.Schema
	compileErr  error
)

func schemaFor(kind Kind) (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled = make(map[Kind]*jsonschema.Schema, len(resultSchemas))
		for k, src := range resultSchemas {
			url := "mem://classifier/" + string(k) + ".json"
			c := jsonschema.NewCompiler()
			if err := c.AddResource(url, strings.NewReader(src)); err != nil {
				compileErr = fmt.Errorf("add schema %s: %w", k, err)
				return
			}
			s, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", k, err)
				return
			}
			compiled[k] = s
		}
	})
	if compileErr != nil {
		return nil, compileErr
	}
	s, ok := compiled[kind]
	if !ok {
		return nil, fmt.Errorf("no result schema for kind %q", kind)
	}
	return s, nil
}
