package downloader

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadCookieFile(t *testing.T) {
	tmpDir := t.TempDir()
	cookieFile := filepath.Join(tmpDir, "cookies.txt")

	// Browser exports mark HttpOnly cookies with a prefix that looks like a comment
	cookieContent := `# Netscape HTTP Cookie File
# This is a generated file!  Do not edit.

.instagram.com	TRUE	/	TRUE	1735689600	csrftoken	tok123
#HttpOnly_.instagram.com	TRUE	/	TRUE	1735689600	sessionid	1234%3Aabc%3A1
.instagram.com	TRUE	/	TRUE	0	ds_user_id	1234
.instagram.com	TRUE	/	TRUE	0	csrftoken	tok456
`
	if err := os.WriteFile(cookieFile, []byte(cookieContent), 0644); err != nil {
		t.Fatalf("Failed to create test cookie file: %v", err)
	}

	cookies, err := LoadCookieFile(cookieFile)
	if err != nil {
		t.Fatalf("LoadCookieFile failed: %v", err)
	}

	if len(cookies) != 3 {
		t.Fatalf("Expected 3 cookies, got %d", len(cookies))
	}

	session := findCookie(cookies, "sessionid")
	if session == nil {
		t.Fatal("sessionid cookie not found")
	}
	if session.Value != "1234%3Aabc%3A1" {
		t.Errorf("Unexpected sessionid value %q", session.Value)
	}
	if session.Domain != ".instagram.com" || session.Path != "/" || !session.Secure {
		t.Errorf("Unexpected sessionid attributes: %+v", session)
	}
	if !session.Expires.Equal(time.Unix(1735689600, 0)) {
		t.Errorf("Unexpected expiry %v", session.Expires)
	}

	if csrf := findCookie(cookies, "csrftoken"); csrf.Value != "tok456" {
		t.Errorf("Expected the later csrftoken line to win, got %q", csrf.Value)
	}
	if id := findCookie(cookies, "ds_user_id"); !id.Expires.IsZero() {
		t.Errorf("Expected session cookie without expiry, got %v", id.Expires)
	}
}

func TestLoadCookieFile_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"too few fields", ".instagram.com\tTRUE\t/\tTRUE\tsessionid\tabc\n"},
		{"bad expiry", ".instagram.com\tTRUE\t/\tTRUE\tsoon\tsessionid\tabc\n"},
		{"empty name", ".instagram.com\tTRUE\t/\tTRUE\t0\t\tabc\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tmpDir, strings.ReplaceAll(tt.name, " ", "_")+".txt")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadCookieFile(path); err == nil {
				t.Error("Expected an error")
			}
		})
	}

	if _, err := LoadCookieFile(filepath.Join(tmpDir, "missing.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected a not-exist error, got %v", err)
	}
}

func TestSaveCookieFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.txt")
	expires := time.Unix(1900000000, 0)

	in := []*http.Cookie{
		{Name: "sessionid", Value: "abc", Domain: ".instagram.com", Path: "/", Secure: true, Expires: expires},
		{Name: "csrftoken", Value: "tok"},
	}
	if err := SaveCookieFile(path, in, ".instagram.com"); err != nil {
		t.Fatalf("SaveCookieFile failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("Expected 0600 permissions, got %o", perm)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Temp file left behind")
	}

	out, err := LoadCookieFile(path)
	if err != nil {
		t.Fatalf("LoadCookieFile failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("Expected 2 cookies, got %d", len(out))
	}

	session := findCookie(out, "sessionid")
	if session.Value != "abc" || !session.Secure || !session.Expires.Equal(expires) {
		t.Errorf("sessionid did not survive: %+v", session)
	}
	csrf := findCookie(out, "csrftoken")
	if csrf.Domain != ".instagram.com" || csrf.Path != "/" {
		t.Errorf("Expected defaults for csrftoken, got domain %q path %q", csrf.Domain, csrf.Path)
	}
}

func TestLiveCookies(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cookies := []*http.Cookie{
		{Name: "fresh", Value: "1", Expires: now.Add(time.Hour)},
		{Name: "session", Value: "1"},
		{Name: "expired", Value: "1", Expires: now.Add(-time.Hour)},
		{Name: "deleted", Value: "1", MaxAge: -1},
		{Name: "empty", Value: `""`},
	}

	live := liveCookies(cookies, now)
	if len(live) != 2 {
		t.Fatalf("Expected 2 live cookies, got %d", len(live))
	}
	if live[0].Name != "fresh" || live[1].Name != "session" {
		t.Errorf("Unexpected live cookies: %s, %s", live[0].Name, live[1].Name)
	}
}

func TestSaveCookieFile_RoundTripsEmptyFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.txt")
	saved := []*http.Cookie{
		{Name: "sessionid", Value: "s-alice"},
		{Name: "rur", Value: "", Domain: ".instagram.com"},
	}
	if err := SaveCookieFile(path, saved, ""); err != nil {
		t.Fatalf("SaveCookieFile failed: %v", err)
	}

	cookies, err := LoadCookieFile(path)
	if err != nil {
		t.Fatalf("LoadCookieFile failed: %v", err)
	}
	if len(cookies) != 2 {
		t.Fatalf("Expected 2 cookies, got %d", len(cookies))
	}
	if c := findCookie(cookies, "sessionid"); c.Value != "s-alice" || c.Domain != "" {
		t.Errorf("Unexpected sessionid after reload: %+v", c)
	}
	if c := findCookie(cookies, "rur"); c.Value != "" || c.Domain != ".instagram.com" {
		t.Errorf("Unexpected rur after reload: %+v", c)
	}
}

func TestLoadCookieFile_WindowsLineEndings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.txt")
	content := "# Netscape HTTP Cookie File\r\n\r\n.instagram.com\tTRUE\t/\tTRUE\t0\tsessionid\tabc\r\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cookies, err := LoadCookieFile(path)
	if err != nil {
		t.Fatalf("LoadCookieFile failed: %v", err)
	}
	if len(cookies) != 1 || cookies[0].Value != "abc" {
		t.Errorf("Expected sessionid=abc without a trailing carriage return, got %+v", cookies)
	}
}
