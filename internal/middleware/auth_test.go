package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"agenthub/internal/auth"
)

func newAuthRouter(t *testing.T) (*gin.Engine, auth.TokenConfig) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	tokenCfg := auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	r := gin.New()
	r.GET("/protected", RequireAuth(AuthConfig{TokenConfig: tokenCfg, CLIToken: "cli-secret"}), func(c *gin.Context) {
		ns, _ := NamespaceFromContext(c)
		c.JSON(http.StatusOK, gin.H{"namespace": ns, "userId": UserIDFromContext(c)})
	})
	return r, tokenCfg
}

func TestRequireAuthWithJWT(t *testing.T) {
	r, tokenCfg := newAuthRouter(t)
	token, err := auth.CreateToken(7, "alpha", tokenCfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRequireAuthWithCLIToken(t *testing.T) {
	r, _ := newAuthRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer cli-secret.beta")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body := w.Body.String(); !strings.Contains(body, `"namespace":"beta"`) {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestRequireAuthRejectsBadToken(t *testing.T) {
	r, _ := newAuthRouter(t)

	for _, header := range []string{"", "Bearer nope", "Basic abc"} {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, w.Code)
		}
	}
}
