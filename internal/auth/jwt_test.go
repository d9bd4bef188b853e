package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newPair(t *testing.T) (*Signer, *JWTValidator) {
	t.Helper()
	signer, err := NewSigner("", "harbor-push", "harbor-push-admin")
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	pub, err := signer.PublicKeyPEM()
	if err != nil {
		t.Fatalf("PublicKeyPEM() error = %v", err)
	}
	validator, err := NewJWTValidator(pub, "harbor-push", "harbor-push-admin")
	if err != nil {
		t.Fatalf("NewJWTValidator() error = %v", err)
	}
	return signer, validator
}

func TestNewJWTValidator(t *testing.T) {
	tests := []struct {
		name    string
		pem     string
		wantErr bool
	}{
		{name: "empty PEM", pem: "", wantErr: true},
		{name: "garbage", pem: "not a key", wantErr: true},
		{name: "bad block", pem: "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewJWTValidator(tt.pem, "iss", "aud")
			if (err != nil) != tt.wantErr {
				t.Errorf("NewJWTValidator() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJWTValidator_ValidateToken(t *testing.T) {
	signer, validator := newPair(t)

	token, err := signer.Sign("ops@example.com", time.Minute)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	subject, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if subject != "ops@example.com" {
		t.Errorf("subject = %q, want ops@example.com", subject)
	}
}

func TestJWTValidator_Rejects(t *testing.T) {
	signer, validator := newPair(t)
	other, _ := newPair(t)

	wrongScope, _ := signer.Sign("ops", time.Minute, "push:read")
	foreign, _ := other.Sign("ops", time.Minute)

	expiredSigner := *signer
	expiredSigner.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _ := expiredSigner.Sign("ops", time.Minute)

	wrongIss := *signer
	wrongIss.issuer = "someone-else"
	badIssuer, _ := wrongIss.Sign("ops", time.Minute)

	wrongAud := *signer
	wrongAud.audience = "other-api"
	badAudience, _ := wrongAud.Sign("ops", time.Minute)

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Scope: AdminScope})
	hmacToken, _ := hs.SignedString([]byte("shared"))

	tests := []struct {
		name  string
		token string
	}{
		{name: "missing scope", token: wrongScope},
		{name: "signed by another key", token: foreign},
		{name: "expired", token: expired},
		{name: "wrong issuer", token: badIssuer},
		{name: "wrong audience", token: badAudience},
		{name: "hmac signed", token: hmacToken},
		{name: "garbage", token: "a.b.c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := validator.ValidateToken(tt.token); err == nil {
				t.Error("ValidateToken() expected error")
			}
		})
	}
}

func TestJWTValidator_HTTPMiddleware(t *testing.T) {
	signer, validator := newPair(t)
	admin, _ := signer.Sign("ops", time.Minute)
	reader, _ := signer.Sign("ops", time.Minute, "push:read")

	var gotSubject string
	handler := validator.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject, _ = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{name: "valid admin token", header: "Bearer " + admin, wantStatus: http.StatusOK},
		{name: "missing header", header: "", wantStatus: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "invalid token", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "insufficient scope", header: "Bearer " + reader, wantStatus: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSubject = ""
			req := httptest.NewRequest(http.MethodGet, "/admin/push-switch", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, strings.TrimSpace(rec.Body.String()))
			}
			if tt.wantStatus == http.StatusOK && gotSubject != "ops" {
				t.Errorf("subject = %q, want ops", gotSubject)
			}
		})
	}
}

func TestClaims_HasScope(t *testing.T) {
	c := Claims{Scope: "push:read  push:admin"}
	if !c.HasScope(AdminScope) {
		t.Error("HasScope(push:admin) = false")
	}
	if c.HasScope("push") {
		t.Error("HasScope must match whole scopes")
	}
}

func TestSubjectFromContext_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := SubjectFromContext(req.Context()); ok {
		t.Error("SubjectFromContext() ok on bare context")
	}
}
