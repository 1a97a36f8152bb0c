package session

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	if tok, _ := s.Get(); tok != "" {
		t.Fatalf("new store has token %q", tok)
	}
	s.Set(" abc ")
	if tok, _ := s.Get(); tok != "abc" {
		t.Fatalf("token = %q", tok)
	}
	s.Clear()
	if tok, _ := s.Get(); tok != "" {
		t.Fatalf("cleared store has token %q", tok)
	}
}

func TestFileStoreRoundTripAndPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "admin_token")
	s := NewFileStore(path)

	if tok, err := s.Get(); err != nil || tok != "" {
		t.Fatalf("missing file: %q, %v", tok, err)
	}
	if err := s.Set("secret-token\n"); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("token file mode = %o", perm)
	}
	if tok, _ := NewFileStore(path).Get(); tok != "secret-token" {
		t.Fatalf("token = %q", tok)
	}

	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("token file survived Clear")
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
}

func TestFileStoreEmptyTokenClears(t *testing.T) {
	path := filepath.Join(t.TempDir(), "admin_token")
	s := NewFileStore(path)
	s.Set("x")
	if err := s.Set("  "); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("blank token should remove the file")
	}
}

func TestCookies(t *testing.T) {
	c := Cookie("tok", true)
	if c.Name != "admin_token" || c.Value != "tok" || c.Path != "/" || c.MaxAge != 86400 {
		t.Errorf("cookie = %+v", c)
	}
	if !c.Secure || c.SameSite != http.SameSiteLaxMode || !c.HttpOnly {
		t.Errorf("cookie attributes = %+v", c)
	}

	expired := ExpiredCookie(false)
	if expired.MaxAge >= 0 || expired.Value != "" || !expired.HttpOnly {
		t.Errorf("expired cookie = %+v", expired)
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/admin/config", nil)
	if tok := TokenFromRequest(r); tok != "" {
		t.Fatalf("empty request token = %q", tok)
	}

	r.AddCookie(&http.Cookie{Name: CookieName, Value: "from-cookie"})
	if tok := TokenFromRequest(r); tok != "from-cookie" {
		t.Fatalf("cookie token = %q", tok)
	}

	r.Header.Set("Authorization", BearerHeader("from-header"))
	if tok := TokenFromRequest(r); tok != "from-header" {
		t.Fatalf("header should win, got %q", tok)
	}

	r.Header.Set("Authorization", "Basic abc")
	if tok := TokenFromRequest(r); tok != "from-cookie" {
		t.Fatalf("non-bearer header should fall back to cookie, got %q", tok)
	}
}
