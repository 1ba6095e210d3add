// Package schema provides structural validation of outbound message
// payloads against named, registered schemas.
//
// Payloads are opaque maps; a schema describes required fields, types, enum
// constraints, string/number bounds and format rules. Validators ship
// pre-seeded with the built-in game_event, error_report and
// simulation_result schemas and accept additional registrations at runtime.
//
// Validation is a quality gate, not a safety gate: the sender only consults
// it when a schema name is attached to a message, and failures surface
// synchronously to the caller before any envelope is created.
package schema
