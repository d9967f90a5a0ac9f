package capability

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Descriptor is an operation as reported by the provider. It is untrusted:
// providers return heterogeneous and sometimes malformed entries, so it is
// converted through Validate before anything else sees it.
type Descriptor struct {
	Slug            string          `json:"slug"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Toolkit         string          `json:"toolkit"`
	InputParameters json.RawMessage `json:"input_parameters"`
}

// Operation is a validated, invocable operation exposed to the reasoning step.
type Operation struct {
	Slug        string
	Group       string
	Name        string
	Description string
	Parameters  map[string]any
}

// ErrMalformedDescriptor is returned by Validate for descriptors that cannot
// be exposed as callable operations.
var ErrMalformedDescriptor = errors.New("malformed operation descriptor")

var (
	slugRe     = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	propertyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]{0,63}$`)
)

// maxDescriptionLen keeps oversized provider descriptions out of the prompt.
const maxDescriptionLen = 1024

// Validate converts a provider descriptor into an Operation owned by group.
func Validate(group string, d Descriptor) (Operation, error) {
	slug := strings.TrimSpace(d.Slug)
	if !slugRe.MatchString(slug) {
		return Operation{}, fmt.Errorf("%w: invalid slug %q", ErrMalformedDescriptor, d.Slug)
	}

	params, err := decodeParameters(slug, d.InputParameters)
	if err != nil {
		return Operation{}, fmt.Errorf("%w: %s: %v", ErrMalformedDescriptor, slug, err)
	}

	desc := strings.TrimSpace(d.Description)
	if desc == "" {
		desc = d.Name
	}
	if len(desc) > maxDescriptionLen {
		n := maxDescriptionLen
		for n > 0 && !utf8.RuneStart(desc[n]) {
			n--
		}
		desc = desc[:n]
	}

	return Operation{
		Slug:        slug,
		Group:       group,
		Name:        d.Name,
		Description: desc,
		Parameters:  params,
	}, nil
}

// decodeParameters parses and compiles the parameter schema. A missing schema
// becomes an empty object schema.
func decodeParameters(slug string, raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{"type": "object", "properties": map[string]any{}}, nil
	}

	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("parameters are not a JSON object: %w", err)
	}
	if t, ok := params["type"]; ok && t != "object" {
		return nil, fmt.Errorf("parameters type is %v, want object", t)
	}
	params["type"] = "object"

	if props, ok := params["properties"]; ok {
		m, ok := props.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("properties is %T, want object", props)
		}
		for name := range m {
			if !propertyRe.MatchString(name) {
				return nil, fmt.Errorf("invalid property name %q", name)
			}
		}
	} else {
		params["properties"] = map[string]any{}
	}

	if err := compileSchema(slug, params); err != nil {
		return nil, err
	}
	return params, nil
}

func compileSchema(slug string, params map[string]any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://pocketclaw.local/operations/%s.schema.json", slug)
	if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("loading schema: %w", err)
	}
	if _, err := c.Compile(url); err != nil {
		return fmt.Errorf("compiling schema: %w", err)
	}
	return nil
}
