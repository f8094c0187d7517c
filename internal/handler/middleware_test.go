package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutSetsDeadline(t *testing.T) {
	var deadline time.Time
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, ok := r.Context().Deadline()
		require.True(t, ok)
		deadline = d
	})

	rec := httptest.NewRecorder()
	Timeout(30*time.Second)(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.True(t, deadline.After(time.Now().Add(20*time.Second)))
}

// A non-positive duration would produce an already-expired context, killing
// every request before the handler runs. Such values are raised to the floor.
func TestTimeoutClampsNonPositiveDurations(t *testing.T) {
	for _, d := range []time.Duration{0, -time.Second, 500 * time.Millisecond} {
		called := false
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			assert.NoError(t, r.Context().Err(), d.String())
		})

		rec := httptest.NewRecorder()
		Timeout(d)(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.True(t, called, d.String())
	}
}

func TestRequestIDReusesIncomingHeader(t *testing.T) {
	var got string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = RequestIDFrom(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	RequestID(inner).ServeHTTP(rec, req)

	assert.Equal(t, "req-42", got)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestRequestIDGeneratesWhenMissing(t *testing.T) {
	rec := httptest.NewRecorder()
	RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
