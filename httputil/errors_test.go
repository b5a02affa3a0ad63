package httputil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseErrorResponse(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantErr    bool
		wantBody   string
		truncation bool
	}{
		{name: "ok", status: http.StatusOK, body: `{"id":"1"}`},
		{name: "not found", status: http.StatusNotFound, body: "ride not found", wantErr: true, wantBody: "ride not found"},
		{name: "server error without body", status: http.StatusBadGateway, wantErr: true},
		{name: "long body", status: http.StatusInternalServerError, body: strings.Repeat("x", 800), wantErr: true, truncation: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			resp, err := http.Get(srv.URL + "/rides/1")
			require.NoError(t, err)
			defer resp.Body.Close()

			err = ParseErrorResponse(resp)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.Equal(t, tt.status, StatusCode(err))

			httpErr := err.(*HTTPError)
			assert.Contains(t, httpErr.URL, "/rides/1")
			if tt.truncation {
				assert.Len(t, httpErr.Body, MaxErrorBodySize+3)
			} else {
				assert.Equal(t, tt.wantBody, httpErr.Body)
			}

			rest, readErr := io.ReadAll(resp.Body)
			require.NoError(t, readErr)
			assert.Equal(t, tt.body, string(rest), "body stays readable")
		})
	}
}

func TestStatusCodeOfOtherErrors(t *testing.T) {
	assert.Equal(t, 0, StatusCode(fmt.Errorf("dial tcp: refused")))
	assert.Equal(t, 404, StatusCode(fmt.Errorf("fetch: %w", &HTTPError{StatusCode: 404})))
}
