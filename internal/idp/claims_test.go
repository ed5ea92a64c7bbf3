package idp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/eventide/eventide/backend/go-services/internal/models"
)

type fakeRealm struct {
	mu    sync.Mutex
	users map[string]map[string]interface{}
	puts  int
	auth  []string
}

func (f *fakeRealm) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const prefix = "/admin/realms/eventide/users/"
	id, ok := strings.CutPrefix(r.URL.Path, prefix)
	if !ok || id == "" {
		http.NotFound(w, r)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	rep, ok := f.users[id]
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rep)
	case http.MethodPut:
		var in map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.users[id] = in
		f.puts++
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func adminFor(url string) *KeycloakAdmin {
	return NewKeycloakAdminWithTokens(url, "eventide", oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "admin-token"}))
}

func TestKeycloakAdmin_SetRoleClaim(t *testing.T) {
	realm := &fakeRealm{users: map[string]map[string]interface{}{
		"kc-1": {
			"id":       "kc-1",
			"username": "ada",
			"attributes": map[string]interface{}{
				"locale": []string{"en"},
			},
		},
	}}
	srv := httptest.NewServer(realm)
	defer srv.Close()

	kc := adminFor(srv.URL + "/")
	require.NoError(t, kc.SetRoleClaim(context.Background(), "kc-1", models.RoleOrganizer))

	realm.mu.Lock()
	defer realm.mu.Unlock()
	require.Equal(t, 1, realm.puts)
	require.Equal(t, []string{"Bearer admin-token", "Bearer admin-token"}, realm.auth)
	got := realm.users["kc-1"]
	require.Equal(t, "ada", got["username"])
	attrs := got["attributes"].(map[string]interface{})
	require.Equal(t, []interface{}{"organizer"}, attrs["role"])
	require.Equal(t, []interface{}{"en"}, attrs["locale"])
}

func TestKeycloakAdmin_UnknownSubject(t *testing.T) {
	srv := httptest.NewServer(&fakeRealm{users: map[string]map[string]interface{}{}})
	defer srv.Close()

	kc := adminFor(srv.URL)
	require.ErrorIs(t, kc.SetRoleClaim(context.Background(), "missing", models.RoleAdmin), ErrUnknownSubject)
	require.ErrorIs(t, kc.SetRoleClaim(context.Background(), "", models.RoleAdmin), ErrUnknownSubject)
}

func TestKeycloakAdmin_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	kc := adminFor(srv.URL)
	err := kc.SetRoleClaim(context.Background(), "kc-1", models.RoleUser)
	require.Error(t, err)
	require.Contains(t, err.Error(), "500")
}

func TestKeycloakAdmin_TokenFailure(t *testing.T) {
	realm := &fakeRealm{users: map[string]map[string]interface{}{"kc-1": {"id": "kc-1"}}}
	srv := httptest.NewServer(realm)
	defer srv.Close()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unauthorized_client"}`, http.StatusUnauthorized)
	}))
	defer tokenSrv.Close()
	cc := clientcredentials.Config{ClientID: "admin", ClientSecret: "wrong", TokenURL: tokenSrv.URL}

	kc := NewKeycloakAdminWithTokens(srv.URL, "eventide", cc.TokenSource(context.Background()))
	err := kc.SetRoleClaim(context.Background(), "kc-1", models.RoleUser)
	require.ErrorContains(t, err, "admin token")
	require.Empty(t, realm.auth)
}

func TestNoop(t *testing.T) {
	var w ClaimWriter = Noop{}
	require.NoError(t, w.SetRoleClaim(context.Background(), "x", models.RoleAdmin))
}
