package dealerdesksdk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsCredentialsAndPaths(t *testing.T) {
	var gotPath, gotKey, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("X-Api-Key")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items":       []map[string]any{{"id": "t1", "title": "Проверить склад", "status": "pending"}},
			"next_cursor": "c2",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "dd_key"
	page, err := c.ListTasks(context.Background(), ListTasksOptions{Status: "pending", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, "/v1/tasks", gotPath)
	assert.Equal(t, "limit=10&status=pending", gotQuery)
	assert.Equal(t, "dd_key", gotKey)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "t1", page.Items[0].ID)
	assert.Equal(t, "c2", page.NextCursor)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"error":{"code":"state_conflict","message":"response is not pending review"}}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	_, err := c.Approve(context.Background(), "r1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "state_conflict", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "state_conflict")
}

func TestSubmitWithProofsSendsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "/v1/tasks/t1/status", r.URL.Path)
		assert.Equal(t, "pending_review", r.FormValue("status"))
		files := r.MultipartForm.File["proof_files"]
		require.Len(t, files, 1)
		assert.Equal(t, "photo.jpg", files[0].Filename)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "t1", "status": "pending_review"})
	}))
	defer srv.Close()

	task, err := New(srv.URL).SubmitWithProofs(context.Background(), "t1",
		StatusInput{Status: "pending_review"},
		[]File{{Name: "photo.jpg", Body: strings.NewReader("jpeg")}})
	require.NoError(t, err)
	assert.Equal(t, "pending_review", task.Status)
}
