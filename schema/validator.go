package schema

import (
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"strings"
	"sync"
)

// Built-in schema names, pre-registered on every validator.
const (
	SchemaGameEvent        = "game_event"
	SchemaErrorReport      = "error_report"
	SchemaSimulationResult = "simulation_result"
)

// ValidationResult represents the result of payload validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a single validation error.
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface for ValidationError.
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", ve.Field, ve.Message)
}

// Schema defines the expected structure of a payload.
type Schema struct {
	Name       string                  `json:"name"`
	Version    string                  `json:"version,omitempty"`
	Properties map[string]*PropertyDef `json:"properties,omitempty"`
	Required   []string                `json:"required,omitempty"`
}

// PropertyDef defines validation constraints for a payload field.
type PropertyDef struct {
	Type       string                  `json:"type"`
	Format     string                  `json:"format,omitempty"`
	Pattern    string                  `json:"pattern,omitempty"`
	MinLength  *int                    `json:"minLength,omitempty"`
	MaxLength  *int                    `json:"maxLength,omitempty"`
	Minimum    *float64                `json:"minimum,omitempty"`
	Maximum    *float64                `json:"maximum,omitempty"`
	Enum       []interface{}           `json:"enum,omitempty"`
	Items      *PropertyDef            `json:"items,omitempty"`
	Properties map[string]*PropertyDef `json:"properties,omitempty"`
	Required   []string                `json:"required,omitempty"`
}

// UnknownSchemaError is returned when validation is requested against a
// schema name that was never registered.
type UnknownSchemaError struct {
	Name string
}

func (e *UnknownSchemaError) Error() string {
	return fmt.Sprintf("schema %q not found", e.Name)
}

// IsRetryable marks unknown-schema failures as not retryable: re-sending the
// same payload against the same missing schema cannot succeed.
func (e *UnknownSchemaError) IsRetryable() bool {
	return false
}

// InvalidPayloadError is returned when a payload fails schema validation.
type InvalidPayloadError struct {
	Schema string
	Result *ValidationResult
}

func (e *InvalidPayloadError) Error() string {
	if len(e.Result.Errors) == 0 {
		return fmt.Sprintf("payload failed validation against schema %q", e.Schema)
	}
	first := e.Result.Errors[0]
	return fmt.Sprintf("payload failed validation against schema %q: %s (%d error(s) total)",
		e.Schema, first.Error(), len(e.Result.Errors))
}

// IsRetryable marks validation failures as not retryable.
func (e *InvalidPayloadError) IsRetryable() bool {
	return false
}

// MessageValidator validates opaque payload maps against named, registered
// schemas. It ships with built-in schemas for game events, error reports and
// simulation results. Safe for concurrent use.
type MessageValidator struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
	logger  *slog.Logger
}

// ValidatorOption configures the message validator.
type ValidatorOption func(*MessageValidator)

// WithValidatorLogger sets the logger.
func WithValidatorLogger(logger *slog.Logger) ValidatorOption {
	return func(v *MessageValidator) {
		v.logger = logger
	}
}

// NewMessageValidator creates a validator pre-seeded with the built-in
// schemas.
func NewMessageValidator(opts ...ValidatorOption) *MessageValidator {
	v := &MessageValidator{
		schemas: make(map[string]*Schema),
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(v)
	}

	v.registerDefaultSchemas()

	return v
}

// RegisterSchema registers a schema under a name, replacing any previous
// registration.
func (v *MessageValidator) RegisterSchema(name string, schema *Schema) error {
	if name == "" {
		return fmt.Errorf("schema name cannot be empty")
	}
	if schema == nil {
		return fmt.Errorf("schema cannot be nil")
	}

	v.mu.Lock()
	v.schemas[name] = schema
	v.mu.Unlock()

	v.logger.Info("registered schema", "schema", name)
	return nil
}

// GetSchema retrieves a registered schema by name.
func (v *MessageValidator) GetSchema(name string) (*Schema, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	schema, ok := v.schemas[name]
	if !ok {
		return nil, &UnknownSchemaError{Name: name}
	}
	return schema, nil
}

// SchemaNames returns the names of all registered schemas.
func (v *MessageValidator) SchemaNames() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	names := make([]string, 0, len(v.schemas))
	for name := range v.schemas {
		names = append(names, name)
	}
	return names
}

// Validate checks a payload against a named schema. It returns an
// *UnknownSchemaError for unregistered names and an *InvalidPayloadError
// carrying the per-field errors when the payload does not conform. A nil
// return means the payload is valid.
func (v *MessageValidator) Validate(payload map[string]interface{}, schemaName string) error {
	schema, err := v.GetSchema(schemaName)
	if err != nil {
		return err
	}

	result := v.ValidateWithSchema(payload, schema)
	if !result.Valid {
		return &InvalidPayloadError{Schema: schemaName, Result: result}
	}
	return nil
}

// ValidateWithSchema validates a payload against a specific schema and
// returns the full result, valid or not.
func (v *MessageValidator) ValidateWithSchema(payload map[string]interface{}, schema *Schema) *ValidationResult {
	result := &ValidationResult{
		Valid:  true,
		Errors: make([]ValidationError, 0),
	}

	v.validateObject("", payload, schema.Properties, schema.Required, result)
	return result
}

func (v *MessageValidator) validateObject(fieldPath string, data map[string]interface{}, properties map[string]*PropertyDef, required []string, result *ValidationResult) {
	for _, name := range required {
		if _, exists := data[name]; !exists {
			result.Valid = false
			result.Errors = append(result.Errors, ValidationError{
				Field:   joinFieldPath(fieldPath, name),
				Message: "required field is missing",
				Code:    "REQUIRED_FIELD_MISSING",
			})
		}
	}

	for name, value := range data {
		if propDef, exists := properties[name]; exists {
			v.validateProperty(joinFieldPath(fieldPath, name), value, propDef, result)
		}
	}
}

func (v *MessageValidator) validateProperty(fieldPath string, value interface{}, propDef *PropertyDef, result *ValidationResult) {
	if value == nil {
		return
	}

	if propDef.Type != "" && !matchesType(value, propDef.Type) {
		result.Valid = false
		result.Errors = append(result.Errors, ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("expected type %s, got %T", propDef.Type, value),
			Code:    "TYPE_MISMATCH",
			Value:   value,
		})
		return
	}

	if str, ok := value.(string); ok {
		v.validateString(fieldPath, str, propDef, result)
	}

	if num, ok := toFloat(value); ok {
		v.validateNumber(fieldPath, num, propDef, result)
	}

	if arr, ok := value.([]interface{}); ok && propDef.Items != nil {
		for i, item := range arr {
			v.validateProperty(fmt.Sprintf("%s[%d]", fieldPath, i), item, propDef.Items, result)
		}
	}

	if obj, ok := value.(map[string]interface{}); ok && propDef.Properties != nil {
		v.validateObject(fieldPath, obj, propDef.Properties, propDef.Required, result)
	}

	if len(propDef.Enum) > 0 {
		v.validateEnum(fieldPath, value, propDef.Enum, result)
	}

	if propDef.Format != "" {
		v.validateFormat(fieldPath, value, propDef.Format, result)
	}

	if propDef.Pattern != "" {
		v.validatePattern(fieldPath, value, propDef.Pattern, result)
	}
}

func (v *MessageValidator) validateString(fieldPath, value string, propDef *PropertyDef, result *ValidationResult) {
	if propDef.MinLength != nil && len(value) < *propDef.MinLength {
		result.Valid = false
		result.Errors = append(result.Errors, ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("string length %d is less than minimum %d", len(value), *propDef.MinLength),
			Code:    "MIN_LENGTH_VIOLATION",
			Value:   value,
		})
	}

	if propDef.MaxLength != nil && len(value) > *propDef.MaxLength {
		result.Valid = false
		result.Errors = append(result.Errors, ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("string length %d exceeds maximum %d", len(value), *propDef.MaxLength),
			Code:    "MAX_LENGTH_VIOLATION",
			Value:   value,
		})
	}
}

func (v *MessageValidator) validateNumber(fieldPath string, value float64, propDef *PropertyDef, result *ValidationResult) {
	if propDef.Minimum != nil && value < *propDef.Minimum {
		result.Valid = false
		result.Errors = append(result.Errors, ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("value %v is less than minimum %v", value, *propDef.Minimum),
			Code:    "MINIMUM_VIOLATION",
			Value:   value,
		})
	}

	if propDef.Maximum != nil && value > *propDef.Maximum {
		result.Valid = false
		result.Errors = append(result.Errors, ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("value %v exceeds maximum %v", value, *propDef.Maximum),
			Code:    "MAXIMUM_VIOLATION",
			Value:   value,
		})
	}
}

func (v *MessageValidator) validateEnum(fieldPath string, value interface{}, enum []interface{}, result *ValidationResult) {
	for _, allowed := range enum {
		if reflect.DeepEqual(value, allowed) {
			return
		}
	}

	result.Valid = false
	result.Errors = append(result.Errors, ValidationError{
		Field:   fieldPath,
		Message: fmt.Sprintf("value is not in allowed enum values: %v", enum),
		Code:    "ENUM_VIOLATION",
		Value:   value,
	})
}

var (
	emailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	uuidRegex     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	dateRegex     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dateTimeRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?$`)
)

func (v *MessageValidator) validateFormat(fieldPath string, value interface{}, format string, result *ValidationResult) {
	str, ok := value.(string)
	if !ok {
		return
	}

	var valid bool
	var message string

	switch format {
	case "email":
		valid, message = emailRegex.MatchString(str), "invalid email format"
	case "uri":
		valid, message = strings.Contains(str, "://"), "invalid URI format"
	case "uuid":
		valid, message = uuidRegex.MatchString(strings.ToLower(str)), "invalid UUID format"
	case "date":
		valid, message = dateRegex.MatchString(str), "invalid date format (expected YYYY-MM-DD)"
	case "date-time":
		valid, message = dateTimeRegex.MatchString(str), "invalid date-time format (expected ISO 8601)"
	default:
		// Unknown format, skip validation
		return
	}

	if !valid {
		result.Valid = false
		result.Errors = append(result.Errors, ValidationError{
			Field:   fieldPath,
			Message: message,
			Code:    "FORMAT_VIOLATION",
			Value:   value,
		})
	}
}

func (v *MessageValidator) validatePattern(fieldPath string, value interface{}, pattern string, result *ValidationResult) {
	str, ok := value.(string)
	if !ok {
		return
	}

	regex, err := regexp.Compile(pattern)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("invalid regex pattern: %s", pattern),
			Code:    "INVALID_PATTERN",
			Value:   value,
		})
		return
	}

	if !regex.MatchString(str) {
		result.Valid = false
		result.Errors = append(result.Errors, ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("value does not match pattern: %s", pattern),
			Code:    "PATTERN_VIOLATION",
			Value:   value,
		})
	}
}

// matchesType checks a runtime value against a schema type name. Numeric
// payload values may arrive as either Go ints or JSON-decoded float64s.
func matchesType(value interface{}, expectedType string) bool {
	switch expectedType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := toFloat(value)
		return ok
	case "integer":
		switch n := value.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	default:
		// Unknown types pass validation
		return true
	}
}

func toFloat(value interface{}) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func joinFieldPath(parent, field string) string {
	if parent == "" {
		return field
	}
	return parent + "." + field
}

// registerDefaultSchemas seeds the schemas every deployment relies on: the
// play-by-play event stream, error reporting and simulation result shapes.
func (v *MessageValidator) registerDefaultSchemas() {
	v.schemas[SchemaGameEvent] = &Schema{
		Name:     SchemaGameEvent,
		Required: []string{"event_type", "timestamp", "game_id"},
		Properties: map[string]*PropertyDef{
			"event_type": {Type: "string"},
			"timestamp":  {Type: "number"},
			"game_id":    {Type: "string"},
			"play_id":    {Type: "string"},
			"team":       {Type: "string"},
			"data":       {Type: "object"},
		},
	}

	v.schemas[SchemaErrorReport] = &Schema{
		Name:     SchemaErrorReport,
		Required: []string{"error_type", "message", "timestamp"},
		Properties: map[string]*PropertyDef{
			"error_type": {Type: "string"},
			"message":    {Type: "string"},
			"timestamp":  {Type: "number"},
			"severity": {
				Type: "string",
				Enum: []interface{}{"low", "medium", "high", "critical"},
			},
			"context": {Type: "object"},
		},
	}

	v.schemas[SchemaSimulationResult] = &Schema{
		Name:     SchemaSimulationResult,
		Required: []string{"simulation_id", "timestamp", "result"},
		Properties: map[string]*PropertyDef{
			"simulation_id": {Type: "string"},
			"timestamp":     {Type: "number"},
			"result":        {Type: "object"},
			"metrics":       {Type: "object"},
			"metadata":      {Type: "object"},
		},
	}
}
