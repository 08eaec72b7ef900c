package middleware_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-crm/internal/middleware"
	"github.com/bitfantasy/nimo-crm/internal/testutil"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func setupRouter() *gin.Engine {
	r := testutil.SetupRouter()
	r.Use(middleware.RequestID())
	api := testutil.AuthGroup(r, "/api")
	api.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString("user_id")})
	})
	api.POST("/sweep", middleware.RequirePermission("crm:pipeline:sweep"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestJWTAuth(t *testing.T) {
	r := setupRouter()

	w := testutil.DoRequest(r, http.MethodGet, "/api/me", nil, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	w = testutil.DoRequest(r, http.MethodGet, "/api/me", nil, "not-a-jwt")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", w.Code)
	}

	w = testutil.DoRequest(r, http.MethodGet, "/api/me", nil, testutil.DefaultTestToken())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := testutil.ParseResponse(w)["user_id"]; got != "test-user-001" {
		t.Fatalf("expected user id from token, got %v", got)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}

	w = testutil.DoRequest(r, http.MethodGet, "/api/me?token="+testutil.DefaultTestToken(), nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected query token to be accepted, got %d", w.Code)
	}
}

func TestJWTAuthRejectsWrongIssuerAndExpired(t *testing.T) {
	r := setupRouter()
	sign := func(claims jwt.MapClaims) string {
		s, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testutil.JWTSecret))
		return s
	}
	now := time.Now()

	wrongIssuer := sign(jwt.MapClaims{"uid": "u1", "iss": "someone-else", "exp": now.Add(time.Hour).Unix()})
	if w := testutil.DoRequest(r, http.MethodGet, "/api/me", nil, wrongIssuer); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong issuer, got %d", w.Code)
	}

	expired := sign(jwt.MapClaims{"uid": "u1", "iss": testutil.JWTIssuer, "exp": now.Add(-time.Hour).Unix()})
	if w := testutil.DoRequest(r, http.MethodGet, "/api/me", nil, expired); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", w.Code)
	}
}

func TestRequirePermission(t *testing.T) {
	r := setupRouter()

	noPerm := testutil.GenerateTestToken("u2", "Viewer", []string{"viewer"}, []string{"crm:opportunity:read"})
	if w := testutil.DoRequest(r, http.MethodPost, "/api/sweep", nil, noPerm); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	exact := testutil.GenerateTestToken("u3", "Ops", nil, []string{"crm:pipeline:sweep"})
	if w := testutil.DoRequest(r, http.MethodPost, "/api/sweep", nil, exact); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for exact permission, got %d", w.Code)
	}

	admin := testutil.GenerateTestToken("u4", "Admin", []string{middleware.AdminRole}, nil)
	if w := testutil.DoRequest(r, http.MethodPost, "/api/sweep", nil, admin); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin role, got %d", w.Code)
	}
}

func TestHasPermission(t *testing.T) {
	cases := []struct {
		granted  []string
		required string
		want     bool
	}{
		{[]string{"*"}, "crm:pipeline:sweep", true},
		{[]string{"crm:*"}, "crm:pipeline:sweep", true},
		{[]string{"crm:pipeline:*"}, "crm:pipeline:sweep", true},
		{[]string{"srm:*"}, "crm:pipeline:sweep", false},
		{[]string{"crm:pipeline"}, "crm:pipeline:sweep", false},
		{nil, "crm:pipeline:sweep", false},
	}
	for _, tc := range cases {
		if got := middleware.HasPermission(tc.granted, tc.required); got != tc.want {
			t.Fatalf("HasPermission(%v, %s) = %v, want %v", tc.granted, tc.required, got, tc.want)
		}
	}
}
