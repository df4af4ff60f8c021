package validation

const schemaBase = "https://pairvault.dev/schemas/"

// builtinSchemas maps schema names to their documents. Embedded as constants
// to avoid filesystem dependencies.
var builtinSchemas = map[string]string{
	SchemaAdminSessionV1: adminSessionV1,
	SchemaAdminSessionV2: adminSessionV2,
	SchemaAuthAttemptsV1: authAttemptsV1,
	SchemaAuthAttemptsV2: authAttemptsV2,
	SchemaBackupLegacy:   backupLegacy,
	SchemaBackupV3:       backupV3,
	SchemaEnrollment:     enrollmentV1,
}

// v1 snapshots use millisecond epochs and camelCase keys.
const adminSessionV1 = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["authenticated"],
  "properties": {
    "authenticated": { "type": "boolean" },
    "adminKey": { "type": ["string", "null"] },
    "sessionStart": { "type": ["integer", "null"], "minimum": 0 },
    "lastActivity": { "type": ["integer", "null"], "minimum": 0 }
  }
}`

const adminSessionV2 = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["authenticated"],
  "properties": {
    "authenticated": { "type": "boolean" },
    "admin_credential_id": { "type": "string" },
    "session_start": { "type": "string", "format": "date-time" },
    "last_activity": { "type": "string", "format": "date-time" }
  },
  "additionalProperties": false
}`

const authAttemptsV1 = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["count"],
  "properties": {
    "count": { "type": "integer", "minimum": 0 },
    "lastAttempt": { "type": ["integer", "null"], "minimum": 0 },
    "lockedUntil": { "type": ["integer", "null"], "minimum": 0 }
  }
}`

const authAttemptsV2 = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["count"],
  "properties": {
    "count": { "type": "integer", "minimum": 0 },
    "last_attempt_at": { "type": "string", "format": "date-time" },
    "locked_until": { "type": "string", "format": "date-time" }
  },
  "additionalProperties": false
}`

// Legacy bundles store maps as [key, value] entry arrays and binary fields
// as base64 text.
const backupLegacy = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "keys", "vaults"],
  "properties": {
    "version": { "type": "string" },
    "createdAt": { "type": ["string", "null"] },
    "keys": {
      "type": "array",
      "items": {
        "type": "array",
        "prefixItems": [ { "type": "string" }, { "$ref": "#/$defs/key" } ],
        "minItems": 2,
        "maxItems": 2
      }
    },
    "vaults": {
      "type": "array",
      "items": {
        "type": "array",
        "prefixItems": [ { "type": "string" }, { "$ref": "#/$defs/vault" } ],
        "minItems": 2,
        "maxItems": 2
      }
    }
  },
  "$defs": {
    "key": {
      "type": "object",
      "required": ["id", "name", "credentialId"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "description": { "type": ["string", "null"] },
        "credentialId": { "type": "string", "minLength": 1 },
        "enrolledAt": { "type": ["string", "null"] },
        "active": { "type": ["boolean", "null"] },
        "lastUsed": { "type": ["string", "null"] }
      }
    },
    "pair": {
      "type": "array",
      "items": { "type": "string" },
      "minItems": 2,
      "maxItems": 2
    },
    "vault": {
      "type": "object",
      "required": ["id", "encryptedData", "iv", "salt", "keyPairs"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": ["string", "null"] },
        "encryptedData": { "type": "string" },
        "iv": { "type": "string" },
        "salt": { "type": "string" },
        "createdAt": { "type": ["string", "null"] },
        "keyPairs": { "type": "array", "items": { "$ref": "#/$defs/pair" } },
        "encryptionKeyPair": { "$ref": "#/$defs/pair" }
      }
    }
  }
}`

const backupV3 = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "created_at", "credentials", "vaults"],
  "properties": {
    "version": { "const": 3 },
    "id": { "type": "string" },
    "created_at": { "type": "string", "format": "date-time" },
    "credentials": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "name", "public_id", "enrolled_at", "active"],
        "properties": {
          "id": { "type": "string", "minLength": 1 },
          "name": { "type": "string", "minLength": 1 },
          "description": { "type": "string" },
          "public_id": { "type": "string", "minLength": 1 },
          "enrolled_at": { "type": "string", "format": "date-time" },
          "active": { "type": "boolean" },
          "last_used_at": { "type": "string", "format": "date-time" }
        }
      }
    },
    "vaults": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "name", "ciphertext", "iv", "salt", "created_at", "access_pairs", "derivation_pair"],
        "properties": {
          "id": { "type": "string", "minLength": 1 },
          "name": { "type": "string" },
          "mode": { "enum": ["pair", "shared"] },
          "ciphertext": { "type": "string" },
          "iv": { "type": "string", "minLength": 1 },
          "salt": { "type": "string", "minLength": 1 },
          "created_at": { "type": "string", "format": "date-time" },
          "access_pairs": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["a", "b"],
              "properties": { "a": { "type": "string" }, "b": { "type": "string" } }
            }
          },
          "derivation_pair": {
            "type": "object",
            "required": ["first", "second"],
            "properties": { "first": { "type": "string" }, "second": { "type": "string" } }
          },
          "wraps": { "type": "array" }
        }
      }
    }
  }
}`

const enrollmentV1 = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "name", "public_id", "enrolled_at"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "public_id": { "type": "string", "minLength": 1 },
    "enrolled_at": { "type": "string", "format": "date-time" },
    "active": { "type": "boolean" }
  }
}`
