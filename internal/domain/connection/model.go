// Package connection models the long-lived association between an internal
// user and one EHR vendor tenant, along with its encrypted OAuth state.
package connection

import (
	"time"

	"github.com/google/uuid"
)

// Vendor identifies one of the supported EHR vendor families.
type Vendor string

const (
	VendorEpic           Vendor = "epic"
	VendorCerner         Vendor = "cerner"
	VendorAllscripts     Vendor = "allscripts"
	VendorAthena         Vendor = "athena"
	VendorEClinicalWorks Vendor = "eclinicalworks"
	VendorNextGen        Vendor = "nextgen"
	VendorMeditech       Vendor = "meditech"
)

// ValidVendors lists every vendor tag the adapter layer can resolve.
var ValidVendors = map[Vendor]bool{
	VendorEpic: true, VendorCerner: true, VendorAllscripts: true,
	VendorAthena: true, VendorEClinicalWorks: true, VendorNextGen: true,
	VendorMeditech: true,
}

// Status is the connection's authorization lifecycle state.
type Status string

const (
	StatusPendingAuth  Status = "PENDING_AUTH"
	StatusActive       Status = "ACTIVE"
	StatusTokenExpired Status = "TOKEN_EXPIRED"
	StatusRevoked      Status = "REVOKED"
	StatusError        Status = "ERROR"
)

// Connection is a credentialed link between one internal user and one EHR
// tenant. AccessToken and RefreshToken are always sealed ciphertexts
// (internal/platform/crypto.Sealer) — plaintext tokens never reach this
// struct's persisted fields.
type Connection struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	UserID             string     `db:"user_id" json:"userId"`
	Vendor             Vendor     `db:"vendor" json:"vendor"`
	VendorPatientID    *string    `db:"vendor_patient_id" json:"vendorPatientId,omitempty"`
	FHIRBaseURL        string     `db:"fhir_base_url" json:"fhirBaseUrl"`
	AuthorizationURL   string     `db:"authorization_url" json:"authorizationUrl"`
	TokenURL           string     `db:"token_url" json:"tokenUrl"`
	ClientID           string     `db:"client_id" json:"clientId"`
	SealedClientSecret *string    `db:"sealed_client_secret" json:"-"`
	RedirectURI        string     `db:"redirect_uri" json:"redirectUri"`
	SealedAccessToken  *string    `db:"sealed_access_token" json:"-"`
	SealedRefreshToken *string    `db:"sealed_refresh_token" json:"-"`
	AccessTokenExpiry  *time.Time `db:"access_token_expiry" json:"accessTokenExpiry,omitempty"`
	LastSyncAt         *time.Time `db:"last_sync_at" json:"lastSyncAt,omitempty"`
	NextSyncAt         *time.Time `db:"next_sync_at" json:"nextSyncAt,omitempty"`
	SyncFrequencyHours int        `db:"sync_frequency_hours" json:"syncFrequencyHours"`
	AutoSync           bool       `db:"auto_sync" json:"autoSync"`
	Status             Status     `db:"status" json:"status"`
	CreatedAt          time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updatedAt"`
}

// HasLiveCredential reports whether the connection still holds a token that
// could plausibly authenticate a request — either an unexpired access token
// or any refresh token to exchange for one. An ACTIVE connection must
// satisfy this invariant.
func (c *Connection) HasLiveCredential(now time.Time) bool {
	if c.SealedRefreshToken != nil && *c.SealedRefreshToken != "" {
		return true
	}
	if c.SealedAccessToken != nil && c.AccessTokenExpiry != nil && now.Before(*c.AccessTokenExpiry) {
		return true
	}
	return false
}

// CanTransitionTo reports whether the status transition is legal. REVOKED is
// terminal; every other transition is permitted because recoverable auth
// failures (TOKEN_EXPIRED, ERROR) must be able to return to ACTIVE once the
// auth manager repairs the credential.
func (c *Connection) CanTransitionTo(next Status) bool {
	if c.Status == StatusRevoked {
		return false
	}
	return true
}
