package temprepo

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var fixtureModTime = time.Unix(1600000000, 0)

type tarEntry struct {
	Name     string
	Body     string
	Mode     int64
	Type     byte
	Linkname string
	PAX      map[string]string
}

func dirEntry(name string) tarEntry {
	return tarEntry{Name: name, Type: tar.TypeDir}
}

func fileEntry(name, body string) tarEntry {
	return tarEntry{Name: name, Body: body}
}

// globalHeaderEntry is the pax_global_header that git archive puts first
func globalHeaderEntry(records map[string]string) tarEntry {
	return tarEntry{Name: "pax_global_header", Type: tar.TypeXGlobalHeader, PAX: records}
}

func symlinkEntry(name, target string) tarEntry {
	return tarEntry{Name: name, Type: tar.TypeSymlink, Linkname: target}
}

// buildTar writes entries into an uncompressed tar archive
func buildTar(t *testing.T, entries ...tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		if e.Type == tar.TypeXGlobalHeader {
			require.NoError(t, tw.WriteHeader(&tar.Header{Typeflag: e.Type, Name: e.Name, PAXRecords: e.PAX}))
			continue
		}
		hdr := &tar.Header{
			Name:     e.Name,
			Typeflag: e.Type,
			Linkname: e.Linkname,
			Mode:     e.Mode,
			ModTime:  fixtureModTime,
			Uid:      4242,
			Gid:      4242,
		}
		if hdr.Typeflag == 0 {
			hdr.Typeflag = tar.TypeReg
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0644
			if hdr.Typeflag == tar.TypeDir {
				hdr.Mode = 0755
			}
		}
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.Body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.Body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// buildTarball writes entries into a gzip compressed tar archive
func buildTarball(t *testing.T, entries ...tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(buildTar(t, entries...))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// serveTarball serves data at every path of a test server and returns the tarball URL
func serveTarball(t *testing.T, data []byte) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/gzip")
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/archive/abc123.tar.gz"
}

// assertEmptyDir fails when dir contains anything, used to detect leaked scratch directories
func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, entry := range entries {
		names[i] = entry.Name()
	}
	require.Empty(t, names, "expected %s to be empty", dir)
}

func cleanupTempDir(t *testing.T, path string) {
	t.Helper()
	if err := removeAll(path); err != nil {
		t.Fatalf("failed to remove temp dir: %v", err)
	}
}
