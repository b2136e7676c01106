package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const secret = "test-secret"

func TestTokenRoundTrip(t *testing.T) {
	raw, err := MakeToken("patient-1", RolePatient, secret, time.Minute)
	if err != nil {
		t.Fatalf("make: %v", err)
	}
	c, err := ParseToken(raw, secret)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.UserID != "patient-1" || c.Role != RolePatient {
		t.Fatalf("claims: %+v", c)
	}
	if !c.Allows("nutri-1", "patient-1") || c.Allows("patient-2") {
		t.Fatal("ownership check wrong")
	}
}

func TestParseTokenRejects(t *testing.T) {
	expired, _ := MakeToken("p1", RolePatient, secret, -time.Minute)
	wrongKey, _ := MakeToken("p1", RolePatient, "other", time.Minute)
	noRole, _ := MakeToken("p1", Role("guest"), secret, time.Minute)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "p1", Role: RoleAdmin}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, raw := range map[string]string{
		"expired":   expired,
		"wrong key": wrongKey,
		"bad role":  noRole,
		"alg none":  none,
		"garbage":   "not.a.token",
	} {
		if _, err := ParseToken(raw, secret); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestAdminAllowsEverything(t *testing.T) {
	c := &Claims{UserID: "ops", Role: RoleAdmin}
	if !c.Allows("anyone") {
		t.Fatal("admin should be allowed")
	}
}
