package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAuthenticator_IssueAndValidate(t *testing.T) {
	a, err := NewAuthenticator("top-secret")
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}

	token, err := a.IssueToken("ops", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	claims, err := a.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if claims.Subject != "ops" || claims.Scope != ScopeAdmin || claims.ID == "" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestAuthenticator_Expired(t *testing.T) {
	a, _ := NewAuthenticator("top-secret")
	a.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	token, err := a.IssueToken("ops", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := a.Validate(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Validate() error = %v, want ErrTokenExpired", err)
	}
}

func TestAuthenticator_WrongSecret(t *testing.T) {
	issuer, _ := NewAuthenticator("secret-a")
	verifier, _ := NewAuthenticator("secret-b")

	token, _ := issuer.IssueToken("ops", time.Minute)
	if _, err := verifier.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticator_Garbage(t *testing.T) {
	a, _ := NewAuthenticator("top-secret")
	for _, tok := range []string{"", "abc", "a.b.c"} {
		if _, err := a.Validate(tok); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Validate(%q) error = %v, want ErrInvalidToken", tok, err)
		}
	}
}

func TestNewAuthenticator_EmptySecret(t *testing.T) {
	if _, err := NewAuthenticator(""); err == nil {
		t.Error("NewAuthenticator(\"\") error = nil")
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"bearer", "Bearer abc", "abc", false},
		{"lowercase scheme", "bearer abc", "abc", false},
		{"missing", "", "", true},
		{"no scheme", "abc", "", true},
		{"basic", "Basic abc", "", true},
		{"empty token", "Bearer  ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/admin/stats", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractBearerToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ExtractBearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}
