package rhizome

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildPayloadRequest(t *testing.T) {
	got := buildPayloadRequest("ABCDEF")
	require.Equal(t, "GET /rhizome/file/abcdef HTTP/1.0\r\n\r\n", string(got))
}

func TestBuildManifestPrefixRequest(t *testing.T) {
	got := buildManifestPrefixRequest("AB12")
	require.Equal(t, "GET /rhizome/manifestbyprefix/ab12 HTTP/1.0\r\n\r\n", string(got))
}

// TestScanHeaders_HappyPath is scenario 3 from §8: a 200 response with a
// Content-Length header and no residual body bytes yet.
func TestScanHeaders_HappyPath(t *testing.T) {
	ph := scanHeaders([]byte("HTTP/1.0 200 OK\r\nContent-Length: 4\r\n\r\n"))
	require.True(t, ph.complete)
	require.NoError(t, ph.err)
	require.Equal(t, 200, ph.status)
	require.Equal(t, uint64(4), ph.contentLength)
	require.Empty(t, ph.residual)
}

func TestScanHeaders_WithResidualBody(t *testing.T) {
	ph := scanHeaders([]byte("HTTP/1.0 200 OK\r\nContent-Length: 4\r\n\r\nBODY"))
	require.True(t, ph.complete)
	require.NoError(t, ph.err)
	require.Equal(t, []byte("BODY"), ph.residual)
}

func TestScanHeaders_Incomplete(t *testing.T) {
	ph := scanHeaders([]byte("HTTP/1.0 200 OK\r\nContent-Le"))
	require.False(t, ph.complete)
}

func TestScanHeaders_BareNewlineTerminators(t *testing.T) {
	ph := scanHeaders([]byte("HTTP/1.0 200 OK\nContent-Length: 4\n\n"))
	require.True(t, ph.complete)
	require.NoError(t, ph.err)
	require.Equal(t, 200, ph.status)
	require.Equal(t, uint64(4), ph.contentLength)
}

func TestScanHeaders_NonOKStatus(t *testing.T) {
	ph := scanHeaders([]byte("HTTP/1.0 500 X\r\n\r\n"))
	require.True(t, ph.complete)
	require.Equal(t, 500, ph.status)
	// This response carries no Content-Length, so it is also a parse error.
	require.Error(t, ph.err)
}

func TestScanHeaders_MissingContentLength(t *testing.T) {
	ph := scanHeaders([]byte("HTTP/1.0 200 OK\r\n\r\n"))
	require.True(t, ph.complete)
	require.Error(t, ph.err)
}

func TestScanHeaders_MalformedContentLength(t *testing.T) {
	ph := scanHeaders([]byte("HTTP/1.0 200 OK\r\nContent-Length: notanumber\r\n\r\n"))
	require.True(t, ph.complete)
	require.Error(t, ph.err)
}

func TestScanHeaders_NotHTTP10(t *testing.T) {
	ph := scanHeaders([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	require.True(t, ph.complete)
	require.Error(t, ph.err)
}
