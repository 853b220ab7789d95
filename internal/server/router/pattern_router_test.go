package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPatternRouter(t *testing.T) {
	pr := NewPatternRouter()
	var got string
	pr.HandleFunc(http.MethodGet, "/sessions/{id}/stats", func(w http.ResponseWriter, r *http.Request) {
		got = "stats:" + PathParam(r, "id")
	})
	pr.HandleFunc(http.MethodDelete, "/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		got = "delete:" + PathParam(r, "id")
	})
	pr.HandleFunc("", "/files/{path:.*}", func(w http.ResponseWriter, r *http.Request) {
		got = "file:" + PathParam(r, "path") + PathParam(r, "missing")
	})

	tests := []struct {
		method string
		path   string
		status int
		want   string
	}{
		{http.MethodGet, "/sessions/abc/stats", http.StatusOK, "stats:abc"},
		{http.MethodDelete, "/sessions/abc", http.StatusOK, "delete:abc"},
		{http.MethodPost, "/files/a/b.txt", http.StatusOK, "file:a/b.txt"},
		{http.MethodGet, "/sessions/abc", http.StatusMethodNotAllowed, ""},
		{http.MethodGet, "/sessions/abc/other", http.StatusNotFound, ""},
		{http.MethodGet, "/sessions/a/b/stats", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			got = ""
			rec := httptest.NewRecorder()
			pr.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.want, got)
			if tt.status == http.StatusMethodNotAllowed {
				assert.Equal(t, http.MethodDelete, rec.Header().Get("Allow"))
			}
		})
	}
}
