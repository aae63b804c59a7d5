package utils

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFormatBytes(t *testing.T) {
	req := require.New(t)
	req.Equal("0 B", FormatBytes(0))
	req.Equal("1023 B", FormatBytes(1023))
	req.Equal("1.00 KB", FormatBytes(1024))
	req.Equal("1.50 MB", FormatBytes(1536*1024))
	req.Equal("2.00 GB", FormatBytes(2<<30))
}

func TestFormatSpeed(t *testing.T) {
	req := require.New(t)
	req.Equal("0 B/s", FormatSpeed(0))
	req.Equal("0 B/s", FormatSpeed(-3))
	req.Equal("1.00 MB/s", FormatSpeed(1024*1024))
}

func TestFormatDuration(t *testing.T) {
	req := require.New(t)
	req.Equal("0s", FormatDuration(0))
	req.Equal("5s", FormatDuration(5*time.Second+400*time.Millisecond))
	req.Equal("3m 4s", FormatDuration(3*time.Minute+4*time.Second))
	req.Equal("1h 2m 3s", FormatDuration(time.Hour+2*time.Minute+3*time.Second))
	req.Equal("0s", FormatDuration(-time.Second))
}

func TestRenewOutputPath(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "file.tar.gz")
	req.NoError(os.WriteFile(path, nil, 0644))
	req.Equal(filepath.Join(dir, "file.tar-(1).gz"), RenewOutputPath(path))

	req.NoError(os.WriteFile(filepath.Join(dir, "file.tar-(1).gz"), nil, 0644))
	req.Equal(filepath.Join(dir, "file.tar-(2).gz"), RenewOutputPath(path))
}

func TestParseHeaderArgs(t *testing.T) {
	got := ParseHeaderArgs([]string{"Authorization: Bearer x:y", "bad", " X-Test :  1 "})
	require.Equal(t, map[string]string{"Authorization": "Bearer x:y", "X-Test": "1"}, got)
}

func TestHTTPClientHeaders(t *testing.T) {
	req := require.New(t)
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPClientConfig{
		Headers: map[string]string{"X-Token": "abc", "X-Extra": "1"},
		Browser: true,
	})
	r, err := http.NewRequest(http.MethodGet, srv.URL+"/path", nil)
	req.NoError(err)
	resp, err := client.Do(r)
	req.NoError(err)
	resp.Body.Close()

	req.Equal(ToolUserAgent, got.Get("User-Agent"))
	req.Equal("abc", got.Get("X-Token"))
	req.Equal("1", got.Get("X-Extra"))
	req.Equal(srv.URL, got.Get("Origin"))
	req.Equal(srv.URL+"/path", got.Get("Referer"))
}

func TestHTTPClientCustomUserAgent(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.UserAgent()
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPClientConfig{UserAgent: "custom/1"})
	r, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := client.Do(r)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "custom/1", ua)
}

func TestHTTPClientInvalidProxyFallsBackToDirect(t *testing.T) {
	var logs bytes.Buffer
	SetLogOutput(&logs)
	defer SetLogOutput(os.Stderr)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	client := NewHTTPClient(HTTPClientConfig{ProxyURL: "://no-scheme"})
	r, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := client.Do(r)
	require.NoError(t, err)
	resp.Body.Close()
	require.Contains(t, logs.String(), "Invalid proxy URL")
}

func TestGetRandomUserAgent(t *testing.T) {
	require.Contains(t, userAgents, GetRandomUserAgent())
}

func TestSetLogOutput(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf)
	defer SetLogOutput(os.Stderr)
	log := GetLogger("test")
	log.Info().Str("k", "v").Msg("hello")
	out := buf.String()
	require.True(t, strings.Contains(out, "hello"))
	require.True(t, strings.Contains(out, "component=test"))

	var later bytes.Buffer
	SetLogOutput(&later)
	log.Info().Msg("redirected")
	require.Contains(t, later.String(), "redirected")
	require.NotContains(t, buf.String(), "redirected")
}
