package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validGameEvent() map[string]interface{} {
	return map[string]interface{}{
		"event_type": "touchdown",
		"timestamp":  float64(time.Now().Unix()),
		"game_id":    "game-001",
		"team":       "home",
	}
}

func TestValidatorDefaults(t *testing.T) {
	v := NewMessageValidator()

	t.Run("built-in schemas are registered", func(t *testing.T) {
		for _, name := range []string{SchemaGameEvent, SchemaErrorReport, SchemaSimulationResult} {
			schema, err := v.GetSchema(name)
			require.NoError(t, err)
			assert.Equal(t, name, schema.Name)
		}
		assert.Len(t, v.SchemaNames(), 3)
	})

	t.Run("valid game event passes", func(t *testing.T) {
		assert.NoError(t, v.Validate(validGameEvent(), SchemaGameEvent))
	})

	t.Run("valid error report passes", func(t *testing.T) {
		payload := map[string]interface{}{
			"error_type": "simulation_crash",
			"message":    "play selector returned no play",
			"timestamp":  float64(time.Now().Unix()),
			"severity":   "high",
		}
		assert.NoError(t, v.Validate(payload, SchemaErrorReport))
	})

	t.Run("valid simulation result passes", func(t *testing.T) {
		payload := map[string]interface{}{
			"simulation_id": "sim-42",
			"timestamp":     float64(time.Now().Unix()),
			"result":        map[string]interface{}{"home": 24, "away": 17},
		}
		assert.NoError(t, v.Validate(payload, SchemaSimulationResult))
	})
}

func TestValidateFailures(t *testing.T) {
	v := NewMessageValidator()

	t.Run("unknown schema returns descriptive error", func(t *testing.T) {
		err := v.Validate(validGameEvent(), "no_such_schema")
		var unknownErr *UnknownSchemaError
		require.ErrorAs(t, err, &unknownErr)
		assert.Equal(t, "no_such_schema", unknownErr.Name)
		assert.Contains(t, err.Error(), "no_such_schema")
		assert.False(t, unknownErr.IsRetryable())
	})

	t.Run("missing required field", func(t *testing.T) {
		payload := validGameEvent()
		delete(payload, "game_id")

		err := v.Validate(payload, SchemaGameEvent)
		var invalidErr *InvalidPayloadError
		require.ErrorAs(t, err, &invalidErr)
		assert.False(t, invalidErr.IsRetryable())
		require.NotEmpty(t, invalidErr.Result.Errors)
		assert.Equal(t, "REQUIRED_FIELD_MISSING", invalidErr.Result.Errors[0].Code)
		assert.Equal(t, "game_id", invalidErr.Result.Errors[0].Field)
	})

	t.Run("type mismatch", func(t *testing.T) {
		payload := validGameEvent()
		payload["timestamp"] = "not-a-number"

		err := v.Validate(payload, SchemaGameEvent)
		var invalidErr *InvalidPayloadError
		require.ErrorAs(t, err, &invalidErr)
		assert.Equal(t, "TYPE_MISMATCH", invalidErr.Result.Errors[0].Code)
	})

	t.Run("enum violation", func(t *testing.T) {
		payload := map[string]interface{}{
			"error_type": "crash",
			"message":    "boom",
			"timestamp":  float64(1),
			"severity":   "catastrophic",
		}

		err := v.Validate(payload, SchemaErrorReport)
		var invalidErr *InvalidPayloadError
		require.ErrorAs(t, err, &invalidErr)
		assert.Equal(t, "ENUM_VIOLATION", invalidErr.Result.Errors[0].Code)
	})
}

func TestRegisterSchema(t *testing.T) {
	v := NewMessageValidator()

	t.Run("rejects empty name and nil schema", func(t *testing.T) {
		assert.Error(t, v.RegisterSchema("", &Schema{}))
		assert.Error(t, v.RegisterSchema("x", nil))
	})

	t.Run("registered schema is used for validation", func(t *testing.T) {
		minLen := 3
		require.NoError(t, v.RegisterSchema("roster_update", &Schema{
			Name:     "roster_update",
			Required: []string{"player"},
			Properties: map[string]*PropertyDef{
				"player": {Type: "string", MinLength: &minLen},
				"number": {Type: "integer", Minimum: floatPtr(0), Maximum: floatPtr(99)},
			},
		}))

		assert.NoError(t, v.Validate(map[string]interface{}{
			"player": "Smith",
			"number": 12,
		}, "roster_update"))

		err := v.Validate(map[string]interface{}{
			"player": "ab",
			"number": 120,
		}, "roster_update")
		var invalidErr *InvalidPayloadError
		require.ErrorAs(t, err, &invalidErr)
		assert.Len(t, invalidErr.Result.Errors, 2)
	})
}

func TestValidateWithSchema(t *testing.T) {
	v := NewMessageValidator()

	t.Run("nested objects", func(t *testing.T) {
		schema := &Schema{
			Name:     "nested",
			Required: []string{"meta"},
			Properties: map[string]*PropertyDef{
				"meta": {
					Type:     "object",
					Required: []string{"source"},
					Properties: map[string]*PropertyDef{
						"source": {Type: "string"},
					},
				},
			},
		}

		result := v.ValidateWithSchema(map[string]interface{}{
			"meta": map[string]interface{}{"other": 1},
		}, schema)

		assert.False(t, result.Valid)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, "meta.source", result.Errors[0].Field)
	})

	t.Run("array items", func(t *testing.T) {
		schema := &Schema{
			Name: "scores",
			Properties: map[string]*PropertyDef{
				"points": {Type: "array", Items: &PropertyDef{Type: "number"}},
			},
		}

		result := v.ValidateWithSchema(map[string]interface{}{
			"points": []interface{}{float64(3), "seven"},
		}, schema)

		assert.False(t, result.Valid)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, "points[1]", result.Errors[0].Field)
	})

	t.Run("format rules", func(t *testing.T) {
		schema := &Schema{
			Name: "formats",
			Properties: map[string]*PropertyDef{
				"contact":    {Type: "string", Format: "email"},
				"trace_id":   {Type: "string", Format: "uuid"},
				"occurred":   {Type: "string", Format: "date-time"},
				"source_url": {Type: "string", Format: "uri"},
			},
		}

		result := v.ValidateWithSchema(map[string]interface{}{
			"contact":    "ops@fieldsim.dev",
			"trace_id":   "7c9e6679-7425-40de-944b-e07fc1f90ae7",
			"occurred":   "2024-11-03T14:05:00Z",
			"source_url": "https://fieldsim.dev",
		}, schema)
		assert.True(t, result.Valid)

		result = v.ValidateWithSchema(map[string]interface{}{
			"contact":  "not-an-email",
			"trace_id": "nope",
			"occurred": "yesterday",
		}, schema)
		assert.False(t, result.Valid)
		assert.Len(t, result.Errors, 3)
	})

	t.Run("pattern rules", func(t *testing.T) {
		schema := &Schema{
			Name: "patterns",
			Properties: map[string]*PropertyDef{
				"game_id": {Type: "string", Pattern: `^game-\d+$`},
			},
		}

		assert.True(t, v.ValidateWithSchema(map[string]interface{}{"game_id": "game-42"}, schema).Valid)
		assert.False(t, v.ValidateWithSchema(map[string]interface{}{"game_id": "match-42"}, schema).Valid)
	})

	t.Run("integer accepts whole floats from JSON decoding", func(t *testing.T) {
		schema := &Schema{
			Name: "ints",
			Properties: map[string]*PropertyDef{
				"count": {Type: "integer"},
			},
		}

		assert.True(t, v.ValidateWithSchema(map[string]interface{}{"count": float64(4)}, schema).Valid)
		assert.False(t, v.ValidateWithSchema(map[string]interface{}{"count": 4.5}, schema).Valid)
	})
}

func floatPtr(f float64) *float64 {
	return &f
}
