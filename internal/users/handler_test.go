package users

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"usergate/internal/auth"
	"usergate/internal/logging"
)

type fakeRepo struct {
	users   map[string]*auth.User
	filter  ListFilter
	listErr error
}

func (f *fakeRepo) GetByID(_ context.Context, id string) (*auth.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeRepo) List(_ context.Context, flt ListFilter) (*Page, error) {
	f.filter = flt
	if f.listErr != nil {
		return nil, f.listErr
	}
	page := &Page{Users: []auth.User{}}
	for _, u := range f.users {
		page.Users = append(page.Users, *u)
	}
	page.Total = len(page.Users)
	return page, nil
}

func (f *fakeRepo) UpdateRole(_ context.Context, id string, role auth.Role) error {
	u, ok := f.users[id]
	if !ok {
		return auth.ErrUserNotFound
	}
	u.Role = role
	return nil
}

func (f *fakeRepo) Delete(_ context.Context, id string) error {
	if _, ok := f.users[id]; !ok {
		return auth.ErrUserNotFound
	}
	delete(f.users, id)
	return nil
}

func newRepo() *fakeRepo {
	return &fakeRepo{users: map[string]*auth.User{
		"u1": {ID: "u1", Email: "u1@example.com", Role: auth.RoleUser},
		"a1": {ID: "a1", Email: "a1@example.com", Role: auth.RoleAdmin},
	}}
}

func withPrincipal(r *http.Request, id string, role auth.Role) *http.Request {
	return r.WithContext(auth.WithPrincipal(r.Context(), &auth.Principal{ID: id, Role: role}))
}

func detailMux(repo *fakeRepo) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/users/{id}", &DetailHandler{Store: repo, Logger: logging.Discard()})
	return mux
}

func TestMeHandler(t *testing.T) {
	h := &MeHandler{Store: newRepo(), Logger: logging.Discard()}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/users/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without principal, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/v1/users/me", nil), "u1", auth.RoleUser)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got["email"] != "u1@example.com" {
		t.Fatalf("unexpected body %v", got)
	}
	if _, leaked := got["password_hash"]; leaked {
		t.Fatalf("password hash must not be serialized")
	}
}

func TestListHandlerParsesQuery(t *testing.T) {
	repo := newRepo()
	h := &ListHandler{Store: repo, Logger: logging.Discard()}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/users?role=admin&limit=5&offset=10&email=ops", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	want := ListFilter{Role: auth.RoleAdmin, Email: "ops", Limit: 5, Offset: 10}
	if repo.filter != want {
		t.Fatalf("filter = %+v, want %+v", repo.filter, want)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/users?role=root", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown role, got %d", rec.Code)
	}

	repo.listErr = errors.New("connection refused")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/users", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on store failure, got %d", rec.Code)
	}
}

func TestDetailHandler(t *testing.T) {
	repo := newRepo()
	mux := detailMux(repo)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/users/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := withPrincipal(httptest.NewRequest(http.MethodPatch, "/api/v1/users/u1", strings.NewReader(`{"role":"ADMIN"}`)), "a1", auth.RoleAdmin)
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || repo.users["u1"].Role != auth.RoleAdmin {
		t.Fatalf("expected role change, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = withPrincipal(httptest.NewRequest(http.MethodPatch, "/api/v1/users/u1", strings.NewReader(`{"role":"GOD"}`)), "a1", auth.RoleAdmin)
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad role, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = withPrincipal(httptest.NewRequest(http.MethodPatch, "/api/v1/users/a1", strings.NewReader(`{"role":"USER"}`)), "a1", auth.RoleAdmin)
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on self demotion, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = withPrincipal(httptest.NewRequest(http.MethodDelete, "/api/v1/users/a1", nil), "a1", auth.RoleAdmin)
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on self delete, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = withPrincipal(httptest.NewRequest(http.MethodDelete, "/api/v1/users/u1", nil), "a1", auth.RoleAdmin)
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on delete, got %d", rec.Code)
	}
	if _, ok := repo.users["u1"]; ok {
		t.Fatalf("user not deleted")
	}
}
