package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListAndCreate(t *testing.T) {
	created := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodPost:
			buf := new(bytes.Buffer)
			_, _ = buf.ReadFrom(r.Body)
			created <- buf.String()
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"jobId":"j-42"}`))
		default:
			_, _ = w.Write([]byte(`{"jobs":[{"id":"j-42","type":"repose-batch","status":"RUNNING","progressTotal":3,"progressDone":1,"progressMessage":"Step 1/1: Generating poses (1/3)"}]}`))
		}
	}))
	defer srv.Close()

	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetArgs([]string{"--api", srv.URL, "create", "repose-batch", "--ctx", "pose=seated", "--ref", "s3://b/a.jpg", "--start"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "j-42\n", out.String())
	assert.JSONEq(t, `{"type":"repose-batch","context":{"pose":"seated"},"refs":["s3://b/a.jpg"],"start":true}`, <-created)

	out.Reset()
	rootCmd.SetArgs([]string{"--api", srv.URL, "list"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "j-42")
	assert.Contains(t, out.String(), "1/3")
}

func TestCreateRejectsMalformedContext(t *testing.T) {
	rootCmd.SetArgs([]string{"--api", "http://127.0.0.1:1", "create", "repose-batch", "--ctx", "pose"})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want key=value")
}
