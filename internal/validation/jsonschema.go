package validation

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/invoiceflow/pkg/schema"
)

// Built-in schemas live in schemas/<name>.json; each declares
// schemaBase+<name>.json as its $id.
const schemaBase = "https://invoiceflow.dev/schemas/"

const (
	workflowSchema = "workflow"
	runInputSchema = "run-input"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

// JSONSchemaValidator checks documents against JSON Schema draft 2020-12:
// the built-in workflow and run input schemas, and ad hoc schemas supplied
// by workflows. Safe for concurrent use.
type JSONSchemaValidator struct {
	builtin map[string]*jsonschema.Schema
	// compiled ad hoc schemas by sha256 of their source
	adhoc sync.Map
}

// NewJSONSchemaValidator compiles the built-in schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	entries, err := fs.ReadDir(schemaFiles, "schemas")
	if err != nil {
		return nil, err
	}

	c := newCompiler()
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		raw, err := schemaFiles.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", e.Name(), err)
		}
		if err := c.AddResource(schemaBase+e.Name(), doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", e.Name(), err)
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}

	v := &JSONSchemaValidator{builtin: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		compiled, err := c.Compile(schemaBase + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.builtin[name] = compiled
	}
	for _, name := range []string{workflowSchema, runInputSchema} {
		if v.builtin[name] == nil {
			return nil, fmt.Errorf("schema %s missing", name)
		}
	}
	return v, nil
}

// ValidateWorkflow checks the shape of a workflow definition.
func (v *JSONSchemaValidator) ValidateWorkflow(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	return v.check(v.builtin[workflowSchema], wf, "workflow")
}

// ValidateRunInput accepts nil, an object or an array of objects.
func (v *JSONSchemaValidator) ValidateRunInput(input any) error {
	if input == nil {
		return nil
	}
	return v.check(v.builtin[runInputSchema], input, "run input")
}

// ValidateAgainst checks doc against the JSON Schema in rawSchema. An empty
// schema accepts everything. Compiled schemas are kept for reuse.
func (v *JSONSchemaValidator) ValidateAgainst(doc any, rawSchema []byte) error {
	if len(rawSchema) == 0 {
		return nil
	}
	compiled, err := v.compiled(rawSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid schema").WithCause(err)
	}
	return v.check(compiled, doc, "document")
}

// cached is the number of ad hoc schemas kept.
func (v *JSONSchemaValidator) cached() int {
	n := 0
	v.adhoc.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (v *JSONSchemaValidator) compiled(raw []byte) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])
	if s, ok := v.adhoc.Load(key); ok {
		return s.(*jsonschema.Schema), nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	url := "invoiceflow://schema/" + key
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, err
	}
	s, _ := v.adhoc.LoadOrStore(key, compiled)
	return s.(*jsonschema.Schema), nil
}

func (v *JSONSchemaValidator) check(s *jsonschema.Schema, doc any, what string) error {
	// The library expects decoded JSON, with json.Number for numbers.
	b, err := json.Marshal(doc)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "encode %s", what).WithCause(err)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "decode %s", what).WithCause(err)
	}
	if err := s.Validate(value); err != nil {
		return violationError(err)
	}
	return nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// violation is one failed leaf of a validation error tree.
type violation struct {
	at      string
	message string
}

func (v violation) String() string { return v.at + ": " + v.message }

// violationError flattens a schema validation error into a VALIDATION_ERROR
// listing every violation under details.violations.
func violationError(err error) *schema.FlowError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	var found []violation
	walkViolations(verr, &found)
	msgs := make([]string, len(found))
	for i, v := range found {
		msgs[i] = v.String()
	}

	var msg string
	switch len(msgs) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		msg = msgs[0]
	default:
		msg = fmt.Sprintf("validation failed with %d errors", len(msgs))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": msgs})
}

func walkViolations(verr *jsonschema.ValidationError, out *[]violation) {
	if len(verr.Causes) > 0 {
		for _, cause := range verr.Causes {
			walkViolations(cause, out)
		}
		return
	}
	*out = append(*out, violation{
		at:      "/" + strings.Join(verr.InstanceLocation, "/"),
		message: verr.Error(),
	})
}
