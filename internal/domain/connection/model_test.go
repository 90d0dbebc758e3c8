package connection

import (
	"testing"
	"time"
)

func TestHasLiveCredential(t *testing.T) {
	now := time.Now().UTC()
	refresh := "sealed-refresh"
	access := "sealed-access"
	futureExpiry := now.Add(10 * time.Minute)
	pastExpiry := now.Add(-10 * time.Minute)

	cases := []struct {
		name string
		conn Connection
		want bool
	}{
		{"has refresh token", Connection{SealedRefreshToken: &refresh}, true},
		{"unexpired access token, no refresh", Connection{SealedAccessToken: &access, AccessTokenExpiry: &futureExpiry}, true},
		{"expired access token, no refresh", Connection{SealedAccessToken: &access, AccessTokenExpiry: &pastExpiry}, false},
		{"nothing", Connection{}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.conn.HasLiveCredential(now); got != tc.want {
				t.Errorf("HasLiveCredential() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCanTransitionTo(t *testing.T) {
	revoked := Connection{Status: StatusRevoked}
	if revoked.CanTransitionTo(StatusActive) {
		t.Error("REVOKED must be a terminal state")
	}

	active := Connection{Status: StatusActive}
	if !active.CanTransitionTo(StatusTokenExpired) {
		t.Error("ACTIVE should be able to transition to TOKEN_EXPIRED")
	}
}

func TestValidVendors(t *testing.T) {
	for _, v := range []Vendor{VendorEpic, VendorCerner, VendorAllscripts, VendorAthena, VendorEClinicalWorks, VendorNextGen, VendorMeditech} {
		if !ValidVendors[v] {
			t.Errorf("expected %q to be a valid vendor", v)
		}
	}
	if ValidVendors[Vendor("unknown-vendor")] {
		t.Error("unknown vendor should not be valid")
	}
}
