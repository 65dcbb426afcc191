package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrInvalidShape is returned when a module export matches neither the plain
// descriptor shape nor the builder shape.
var ErrInvalidShape = errors.New("invalid plugin shape")

const optionsSchemaJSON = `{
  "type": "array",
  "maxItems": 25,
  "items": {
    "type": "object",
    "required": ["name", "type"],
    "properties": {
      "name": {"type": "string", "pattern": "^[a-z0-9_-]{1,32}$"},
      "description": {"type": "string", "maxLength": 100},
      "type": {"enum": ["string", "integer", "number", "boolean", "user", "channel", "role"]},
      "required": {"type": "boolean"}
    }
  }
}`

var optionsSchema = mustCompile(optionsSchemaJSON)

func mustCompile(src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("options schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("options.json", doc); err != nil {
		panic(fmt.Sprintf("options schema: %v", err))
	}
	s, err := c.Compile("options.json")
	if err != nil {
		panic(fmt.Sprintf("options schema: %v", err))
	}
	return s
}

// NormalizeCommand resolves a loaded export into a command descriptor tagged
// with file. A builder must yield the plain shape; nesting is rejected.
func NormalizeCommand(file string, export any) (*Command, error) {
	var cmd *Command
	switch v := export.(type) {
	case *Command:
		cmd = v
	case CommandBuilder:
		built, err := v.BuildCommand()
		if err != nil {
			return nil, fmt.Errorf("%s: build: %w", file, err)
		}
		cmd = built
	default:
		return nil, fmt.Errorf("%w: %s: export is neither a command descriptor nor a builder", ErrInvalidShape, file)
	}
	if cmd == nil {
		return nil, fmt.Errorf("%w: %s: builder returned nothing", ErrInvalidShape, file)
	}
	cmd.Name = strings.ToLower(strings.TrimSpace(cmd.Name))
	if cmd.Name == "" {
		return nil, fmt.Errorf("%w: %s: missing name", ErrInvalidShape, file)
	}
	if cmd.Execute == nil {
		return nil, fmt.Errorf("%w: %s: command %q has no execute", ErrInvalidShape, file, cmd.Name)
	}
	for i, a := range cmd.Aliases {
		cmd.Aliases[i] = strings.ToLower(strings.TrimSpace(a))
	}
	if err := validateOptions(cmd.Options); err != nil {
		return nil, fmt.Errorf("%w: %s: command %q options: %v", ErrInvalidShape, file, cmd.Name, err)
	}
	if cmd.Cooldown < 0 {
		cmd.Cooldown = 0
	}
	cmd.File = file
	return cmd, nil
}

// NormalizeEvent is the event counterpart of NormalizeCommand.
func NormalizeEvent(file string, export any) (*Event, error) {
	var ev *Event
	switch v := export.(type) {
	case *Event:
		ev = v
	case EventBuilder:
		built, err := v.BuildEvent()
		if err != nil {
			return nil, fmt.Errorf("%s: build: %w", file, err)
		}
		ev = built
	default:
		return nil, fmt.Errorf("%w: %s: export is neither an event descriptor nor a builder", ErrInvalidShape, file)
	}
	if ev == nil {
		return nil, fmt.Errorf("%w: %s: builder returned nothing", ErrInvalidShape, file)
	}
	ev.Name = strings.TrimSpace(ev.Name)
	if ev.Name == "" {
		return nil, fmt.Errorf("%w: %s: missing name", ErrInvalidShape, file)
	}
	if ev.Execute == nil {
		return nil, fmt.Errorf("%w: %s: event %q has no execute", ErrInvalidShape, file, ev.Name)
	}
	ev.File = file
	return ev, nil
}

func validateOptions(opts any) error {
	raw, err := json.Marshal(opts)
	if err != nil {
		return err
	}
	if string(raw) == "null" {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return err
	}
	return optionsSchema.Validate(doc)
}
