package schema

// Security event kinds recorded by the audit log.
const (
	EventAdminLogin         = "admin_login"
	EventAdminLogout        = "admin_logout"
	EventAuthFailed         = "auth_failed"
	EventAccountLocked      = "account_locked"
	EventReauthConfirmed    = "reauth_confirmed"
	EventReauthCancelled    = "reauth_cancelled"
	EventCredentialEnrolled = "credential_enrolled"
	EventCredentialDeleted  = "credential_deleted"
	EventVaultCreated       = "vault_created"
	EventVaultOpened        = "vault_opened"
	EventVaultDeleted       = "vault_deleted"
	EventSystemReset        = "system_reset"
	EventBackupRestored     = "backup_restored"
)

// Logout reasons carried in admin_logout event details.
const (
	LogoutManual            = "manual"
	LogoutExpired           = "expired"
	// LogoutCredentialRemoved ends a session whose admin key was deleted.
	LogoutCredentialRemoved = "credential_removed"
)

// GateState is the lifecycle state of the admin gate.
type GateState string

const (
	GateLoggedOut         GateState = "logged_out"
	GateAwaitingChallenge GateState = "awaiting_challenge"
	GateAuthenticated     GateState = "authenticated"
	GateLocked            GateState = "locked"
)

// ReauthOutcome is the result of a re-authentication prompt for a sensitive
// operation. Cancellation is an outcome, not an error.
type ReauthOutcome string

const (
	ReauthNotRequired ReauthOutcome = "not_required"
	ReauthConfirmed   ReauthOutcome = "confirmed"
	ReauthCancelled   ReauthOutcome = "cancelled"
)

// Proceed reports whether the guarded operation may run.
func (o ReauthOutcome) Proceed() bool {
	return o == ReauthNotRequired || o == ReauthConfirmed
}

// VaultMode selects how a vault's content key is reachable.
type VaultMode string

const (
	// VaultModePair derives the content key from the creating pair only.
	VaultModePair VaultMode = "pair"
	// VaultModeShared wraps a random content key under every access pair.
	VaultModeShared VaultMode = "shared"
)

// Valid reports whether m is a known vault mode.
func (m VaultMode) Valid() bool {
	return m == VaultModePair || m == VaultModeShared
}
