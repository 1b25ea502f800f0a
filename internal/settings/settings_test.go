package settings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutGetList(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return at }

	_, err := store.Get(ctx, "risk.block_threshold")
	assert.ErrorIs(t, err, ErrSettingNotFound)

	_, err = store.Put(ctx, "risk.block_threshold", "70")
	require.NoError(t, err)
	_, err = store.Put(ctx, "captcha.default_type", "recaptcha_v2")
	require.NoError(t, err)

	at = at.Add(time.Hour)
	updated, err := store.Put(ctx, "risk.block_threshold", "80")
	require.NoError(t, err)
	assert.Equal(t, at, updated.UpdatedAt)

	got, err := store.Get(ctx, "risk.block_threshold")
	require.NoError(t, err)
	assert.Equal(t, "80", got.Value)

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "captcha.default_type", list[0].Key)
	assert.Equal(t, "risk.block_threshold", list[1].Key)
}

func setupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(NewMemoryStore()).RegisterRoutes(r.Group("/v1/validation"))
	return r
}

func serve(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_PutThenGet(t *testing.T) {
	r := setupRouter()

	w := serve(r, http.MethodPut, "/v1/validation/settings/feature.live_feed", `{"value":"on"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = serve(r, http.MethodGet, "/v1/validation/settings/feature.live_feed", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st Setting
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "on", st.Value)

	w = serve(r, http.MethodGet, "/v1/validation/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Settings []Setting `json:"settings"`
		Count    int       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
}

func TestHandler_Errors(t *testing.T) {
	r := setupRouter()

	w := serve(r, http.MethodGet, "/v1/validation/settings/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(r, http.MethodPut, "/v1/validation/settings/Bad%20Key", `{"value":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(r, http.MethodPut, "/v1/validation/settings/ok_key", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(r, http.MethodPut, "/v1/validation/settings/ok_key", `{"value":"`+strings.Repeat("a", 4097)+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(r, http.MethodPut, "/v1/validation/settings/ok_key", `{"value":""}`)
	assert.Equal(t, http.StatusOK, w.Code, "empty values are allowed")
}
