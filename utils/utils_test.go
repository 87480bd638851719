package utils

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func TestFetchURL(t *testing.T) {
	saved := retryWait
	retryWait = func(int) time.Duration { return time.Millisecond }
	defer func() { retryWait = saved }()

	tests := []struct {
		name         string
		statuses     []int
		retry        int
		wantBody     string
		wantCalls    int32
		wantErr      string
		wantNotFound bool
	}{
		{
			name:      "happy path",
			statuses:  []int{http.StatusOK},
			retry:     3,
			wantBody:  "ok",
			wantCalls: 1,
		},
		{
			name:      "5xx is retried",
			statuses:  []int{http.StatusServiceUnavailable, http.StatusOK},
			retry:     3,
			wantBody:  "ok",
			wantCalls: 2,
		},
		{
			name:      "retries exhausted",
			statuses:  []int{http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway},
			retry:     2,
			wantCalls: 3,
			wantErr:   "status code: 502",
		},
		{
			name:         "404 is final",
			statuses:     []int{http.StatusNotFound},
			retry:        3,
			wantCalls:    1,
			wantErr:      "status code: 404",
			wantNotFound: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&calls, 1)
				assert.Equal(t, "secret", r.Header.Get("apiKey"))
				status := tt.statuses[len(tt.statuses)-1]
				if int(n) <= len(tt.statuses) {
					status = tt.statuses[n-1]
				}
				w.WriteHeader(status)
				_, _ = w.Write([]byte("ok"))
			}))
			defer ts.Close()

			got, err := FetchURL(context.Background(), ts.URL, tt.retry, WithHeader("apiKey", "secret"))
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Equal(t, tt.wantNotFound, xerrors.Is(err, ErrNotFound))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBody, string(got))
		})
	}
}

func TestPostJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"package":{"ecosystem":"PyPI","name":"flask"}}`, string(b))
		_, _ = w.Write([]byte(`{"vulns":[]}`))
	}))
	defer ts.Close()

	payload := map[string]interface{}{
		"package": map[string]string{"ecosystem": "PyPI", "name": "flask"},
	}
	got, err := PostJSON(context.Background(), ts.URL, payload, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"vulns":[]}`, string(got))
}

func TestFetchURL_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := FetchURL(ctx, "http://127.0.0.1:0", 3)
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, context.Canceled))
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in      string
		want    sql.NullTime
		wantErr bool
	}{
		{in: "", want: sql.NullTime{}},
		{in: "2021-11-03", want: sql.NullTime{Time: time.Date(2021, 11, 3, 0, 0, 0, 0, time.UTC), Valid: true}},
		{in: "2024-01-15T10:15:08.123", want: sql.NullTime{Time: time.Date(2024, 1, 15, 10, 15, 8, 123000000, time.UTC), Valid: true}},
		{in: "2019-07-31T00:00:00Z", want: sql.NullTime{Time: time.Date(2019, 7, 31, 0, 0, 0, 0, time.UTC), Valid: true}},
		{in: "not a date", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTime(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Valid, got.Valid)
			assert.True(t, tt.want.Time.Equal(got.Time), "got %s", got.Time)
		})
	}
}

func TestParseScore(t *testing.T) {
	got, err := ParseScore("7.5")
	require.NoError(t, err)
	assert.Equal(t, sql.NullFloat64{Float64: 7.5, Valid: true}, got)

	got, err = ParseScore("")
	require.NoError(t, err)
	assert.False(t, got.Valid)

	_, err = ParseScore("high")
	assert.Error(t, err)
}
