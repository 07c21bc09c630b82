package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestHTTP_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(HTTP)
	r.Post("/v1/sessions/{id}/choice", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	before := testutil.ToFloat64(httpReqs.WithLabelValues("POST", "/v1/sessions/{id}/choice", "202"))

	for _, id := range []string{"a", "b", "c"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/choice", nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	after := testutil.ToFloat64(httpReqs.WithLabelValues("POST", "/v1/sessions/{id}/choice", "202"))
	assert.Equal(t, 3.0, after-before)
}

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(Requeues.WithLabelValues(RequeueBlocked))
	Requeues.WithLabelValues(RequeueBlocked).Add(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(Requeues.WithLabelValues(RequeueBlocked))-before)
}
