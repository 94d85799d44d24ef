package downloader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"reelfetch/internal"
	"reelfetch/utils"
)

// fakeLoginServer mimics the web login endpoints
type fakeLoginServer struct {
	*httptest.Server
	password    string
	loginStatus int
	loginBody   map[string]interface{}
	noCSRF      bool
	lastForm    map[string]string
	lastCSRF    string
}

func newFakeLoginServer(t *testing.T, password string) *fakeLoginServer {
	f := &fakeLoginServer{password: password}
	mux := http.NewServeMux()

	mux.HandleFunc("/accounts/login/", func(w http.ResponseWriter, r *http.Request) {
		if !f.noCSRF {
			http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: "csrf-123", Path: "/"})
		}
		w.Write([]byte("<html>login</html>"))
	})

	mux.HandleFunc("/api/v1/web/accounts/login/ajax/", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("bad form: %v", err)
		}
		f.lastForm = map[string]string{}
		for k := range r.PostForm {
			f.lastForm[k] = r.PostForm.Get(k)
		}
		f.lastCSRF = r.Header.Get("X-CSRFToken")

		if f.loginStatus != 0 {
			w.WriteHeader(f.loginStatus)
			return
		}
		body := f.loginBody
		if body == nil {
			ok := strings.HasSuffix(r.PostForm.Get("enc_password"), ":"+f.password)
			body = map[string]interface{}{"authenticated": ok, "user": true, "status": "ok"}
			if ok {
				http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: "sess-abc", Path: "/"})
				http.SetCookie(w, &http.Cookie{Name: "ds_user_id", Value: "1234", Path: "/"})
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	})

	mux.HandleFunc("/api/v1/accounts/current_user/", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("sessionid")
		if err != nil || c.Value != "sess-abc" {
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html>please log in</html>"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","user":{"username":"alice"}}`))
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func newTestAuthenticator(t *testing.T, baseURL string) *InstagramAuthenticator {
	client, err := utils.NewHTTPClientWithConfig(&utils.HTTPClientConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	auth := NewInstagramAuthenticator(client, baseURL+"/")
	auth.now = func() time.Time { return time.Unix(1700000000, 0) }
	return auth
}

func TestInstagramAuthenticator_LoginAndVerify(t *testing.T) {
	server := newFakeLoginServer(t, "secret")
	auth := newTestAuthenticator(t, server.URL)

	cookies, err := auth.Login(context.Background(), internal.Credentials{Username: "alice", Password: "secret"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if c := findCookie(cookies, "sessionid"); c == nil || c.Value != "sess-abc" {
		t.Errorf("Expected sessionid cookie, got %v", cookies)
	}
	if c := findCookie(cookies, "csrftoken"); c == nil || c.Value != "csrf-123" {
		t.Errorf("Expected csrftoken carried over from the login page, got %v", cookies)
	}
	if userIDFromCookies(cookies) != 1234 {
		t.Errorf("Expected ds_user_id 1234, got %d", userIDFromCookies(cookies))
	}

	if server.lastCSRF != "csrf-123" {
		t.Errorf("Expected X-CSRFToken header, got %q", server.lastCSRF)
	}
	if got := server.lastForm["enc_password"]; got != "#PWD_INSTAGRAM_BROWSER:0:1700000000:secret" {
		t.Errorf("Unexpected enc_password %q", got)
	}
	if server.lastForm["username"] != "alice" {
		t.Errorf("Unexpected username %q", server.lastForm["username"])
	}

	if err := auth.Verify(context.Background(), cookies); err != nil {
		t.Errorf("Verify failed for fresh cookies: %v", err)
	}
}

func TestInstagramAuthenticator_LoginFailures(t *testing.T) {
	tests := []struct {
		name      string
		password  string
		status    int
		body      map[string]interface{}
		noCSRF    bool
		wantKind  internal.ErrorKind
		retryable bool
	}{
		{
			name:     "wrong password",
			password: "nope",
			wantKind: internal.KindBadCredentials,
		},
		{
			name:     "unknown user",
			body:     map[string]interface{}{"authenticated": false, "user": false},
			wantKind: internal.KindBadCredentials,
		},
		{
			name:     "checkpoint",
			body:     map[string]interface{}{"message": "checkpoint_required", "checkpoint_url": "/challenge/"},
			wantKind: internal.KindBadCredentials,
		},
		{
			name:     "two factor",
			body:     map[string]interface{}{"two_factor_required": true},
			wantKind: internal.KindBadCredentials,
		},
		{
			name:     "status 400",
			status:   http.StatusBadRequest,
			wantKind: internal.KindBadCredentials,
		},
		{
			name:      "throttled",
			body:      map[string]interface{}{"message": "Please wait a few minutes before you try again.", "status": "fail"},
			wantKind:  internal.KindAuthTransient,
			retryable: true,
		},
		{
			name:      "server error",
			status:    http.StatusBadGateway,
			wantKind:  internal.KindAuthTransient,
			retryable: true,
		},
		{
			name:      "no csrf cookie",
			noCSRF:    true,
			wantKind:  internal.KindAuthTransient,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newFakeLoginServer(t, "secret")
			server.loginStatus = tt.status
			server.loginBody = tt.body
			server.noCSRF = tt.noCSRF
			auth := newTestAuthenticator(t, server.URL)

			password := tt.password
			if password == "" {
				password = "secret"
			}
			_, err := auth.Login(context.Background(), internal.Credentials{Username: "alice", Password: password})
			if err == nil {
				t.Fatal("Expected login to fail")
			}

			kind, ok := internal.KindOf(err)
			if !ok || kind != tt.wantKind {
				t.Errorf("Expected kind %v, got %v (%v)", tt.wantKind, kind, err)
			}
			if internal.IsRetryable(err) != tt.retryable {
				t.Errorf("Expected retryable=%v for %v", tt.retryable, err)
			}
		})
	}
}

func TestInstagramAuthenticator_LoginWithoutCredentials(t *testing.T) {
	auth := newTestAuthenticator(t, "http://127.0.0.1:1")

	_, err := auth.Login(context.Background(), internal.Credentials{})
	if !internal.HasKind(err, internal.KindBadCredentials) {
		t.Errorf("Expected BadCredentials, got %v", err)
	}
}

func TestInstagramAuthenticator_VerifyRejected(t *testing.T) {
	server := newFakeLoginServer(t, "secret")
	auth := newTestAuthenticator(t, server.URL)

	tests := []struct {
		name    string
		cookies []*http.Cookie
	}{
		{"no sessionid", []*http.Cookie{{Name: "csrftoken", Value: "x"}}},
		{"expired sessionid", []*http.Cookie{{Name: "sessionid", Value: "old"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := auth.Verify(context.Background(), tt.cookies)
			if !internal.HasKind(err, internal.KindSessionRejected) {
				t.Errorf("Expected SessionRejected, got %v", err)
			}
		})
	}
}

func TestInstagramAuthenticator_VerifyUpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	auth := newTestAuthenticator(t, server.URL)
	err := auth.Verify(context.Background(), []*http.Cookie{{Name: "sessionid", Value: "x"}})
	if !internal.IsRetryable(err) {
		t.Errorf("Expected a retryable error for 503, got %v", err)
	}
}

func TestMergeCookies(t *testing.T) {
	base := []*http.Cookie{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}}
	update := []*http.Cookie{{Name: "b", Value: "3"}, {Name: "c", Value: "4"}}

	merged := mergeCookies(base, update)
	if len(merged) != 3 {
		t.Fatalf("Expected 3 cookies, got %d", len(merged))
	}
	want := map[string]string{"a": "1", "b": "3", "c": "4"}
	for _, c := range merged {
		if want[c.Name] != c.Value {
			t.Errorf("Cookie %s = %s, want %s", c.Name, c.Value, want[c.Name])
		}
	}
	if merged[1].Name != "b" {
		t.Errorf("Expected overlay to keep position, got %s", merged[1].Name)
	}
}
