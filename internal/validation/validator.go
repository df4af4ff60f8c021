package validation

// Validator checks persisted and imported documents against their
// registered JSON Schema (Draft 2020-12) before they are decoded.
type Validator interface {
	// Validate checks raw JSON against the schema registered under name.
	Validate(name string, raw []byte) error
	// Has reports whether a schema is registered under name.
	Has(name string) bool
}

// Schema names registered by NewJSONSchemaValidator.
const (
	SchemaAdminSessionV1 = "admin_session.v1"
	SchemaAdminSessionV2 = "admin_session.v2"
	SchemaAuthAttemptsV1 = "auth_attempts.v1"
	SchemaAuthAttemptsV2 = "auth_attempts.v2"
	SchemaBackupLegacy   = "backup.legacy"
	SchemaBackupV3       = "backup.v3"
	SchemaEnrollment     = "enrollment.v1"
)
