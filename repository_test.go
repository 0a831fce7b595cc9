package temprepo

import (
	"archive/tar"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_EndToEnd(t *testing.T) {
	parent := t.TempDir()
	url := serveTarball(t, buildTarball(t,
		dirEntry("proj-abc123/"),
		fileEntry("proj-abc123/README.md", "# proj\n"),
		dirEntry("proj-abc123/src/"),
		fileEntry("proj-abc123/src/main.txt", "main"),
	))

	repo := New(url, WithTempDir(parent))
	dir, err := repo.Open(context.Background())
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(dir))
	assert.Equal(t, dir, repo.Dir())

	readme, err := os.ReadFile(filepath.Join(dir, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "# proj\n", string(readme))

	mainTxt, err := os.ReadFile(filepath.Join(dir, "src", "main.txt"))
	require.NoError(t, err)
	assert.Equal(t, "main", string(mainTxt))

	assert.NoDirExists(t, filepath.Join(dir, "proj-abc123"))

	require.NoError(t, repo.Close())
	assert.NoDirExists(t, dir)
	assert.Empty(t, repo.Dir())
	assertEmptyDir(t, parent)
}

func TestOpen_FlattensWithoutDirectoryEntries(t *testing.T) {
	url := serveTarball(t, buildTarball(t,
		fileEntry("repo-v1.0/a.txt", "a"),
		fileEntry("repo-v1.0/b/c.txt", "c"),
	))

	repo := New(url, WithTempDir(t.TempDir()))
	dir, err := repo.Open(context.Background())
	require.NoError(t, err)
	defer repo.Close()

	assert.FileExists(t, filepath.Join(dir, "a.txt"))
	assert.FileExists(t, filepath.Join(dir, "b", "c.txt"))
	assert.NoDirExists(t, filepath.Join(dir, "repo-v1.0"))
}

func TestOpen_RemovesDownloadedTarball(t *testing.T) {
	url := serveTarball(t, buildTarball(t,
		fileEntry("repo/a.txt", "a"),
	))

	repo := New(url, WithTempDir(t.TempDir()))
	dir, err := repo.Open(context.Background())
	require.NoError(t, err)
	defer repo.Close()

	entries, err := ListFiles(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Path)

	matches, err := filepath.Glob(filepath.Join(dir, "temp_*.tar.gz"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestOpen_PlainTar(t *testing.T) {
	url := serveTarball(t, buildTar(t,
		dirEntry("repo/"),
		fileEntry("repo/plain.txt", "plain"),
	))

	err := Checkout(context.Background(), url, func(dir string) error {
		data, err := os.ReadFile(filepath.Join(dir, "plain.txt"))
		require.NoError(t, err)
		assert.Equal(t, "plain", string(data))
		return nil
	}, WithTempDir(t.TempDir()))
	require.NoError(t, err)
}

func TestOpen_PathTraversal(t *testing.T) {
	tests := []struct {
		name    string
		entries []tarEntry
		escaped string
	}{
		{
			name:    "parent directory",
			entries: []tarEntry{fileEntry("repo/a.txt", "a"), fileEntry("../escape.txt", "evil")},
			escaped: "escape.txt",
		},
		{
			name:    "nested parent directory",
			entries: []tarEntry{fileEntry("repo/../../escape.txt", "evil")},
			escaped: "escape.txt",
		},
		{
			name:    "deep parent directory",
			entries: []tarEntry{fileEntry("../../etc/passwd", "evil")},
		},
		{
			name:    "absolute path",
			entries: []tarEntry{fileEntry("/etc/passwd", "evil")},
		},
		{
			name:    "absolute symlink",
			entries: []tarEntry{dirEntry("repo/"), symlinkEntry("repo/etc", "/etc")},
		},
		{
			name:    "relative symlink outside",
			entries: []tarEntry{dirEntry("repo/"), symlinkEntry("repo/up", "../../")},
		},
		{
			name: "symlink chain escaping once flattened",
			entries: []tarEntry{
				dirEntry("repo/"),
				dirEntry("repo/a/"),
				symlinkEntry("repo/a/b", ".."),
				symlinkEntry("repo/a/b/c", ".."),
				fileEntry("repo/x.txt", "x"),
			},
		},
		{
			name:    "symlink to the wrapping directory parent",
			entries: []tarEntry{dirEntry("repo/"), symlinkEntry("repo/top", ".."), fileEntry("repo/x.txt", "x")},
		},
		{
			name: "symlink through an earlier symlink",
			entries: []tarEntry{
				dirEntry("repo/"),
				symlinkEntry("repo/up", ".."),
				symlinkEntry("repo/escape", "up/.."),
			},
		},
		{
			name:    "hardlink outside",
			entries: []tarEntry{dirEntry("repo/"), {Name: "repo/passwd", Type: tar.TypeLink, Linkname: "../passwd"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parent := t.TempDir()
			url := serveTarball(t, buildTarball(t, tt.entries...))

			repo := New(url, WithTempDir(parent))
			dir, err := repo.Open(context.Background())
			require.Error(t, err)
			assert.Empty(t, dir)
			assert.True(t, errors.Is(err, ErrPathTraversal), "unexpected error: %v", err)

			var unsafeErr *UnsafeArchiveError
			require.True(t, errors.As(err, &unsafeErr))
			assert.NotEmpty(t, unsafeErr.Member)

			assertEmptyDir(t, parent)
			if tt.escaped != "" {
				assert.NoFileExists(t, filepath.Join(parent, tt.escaped))
			}
			require.NoError(t, repo.Close())
		})
	}
}

func TestOpen_SymlinkWriteThrough(t *testing.T) {
	parent := t.TempDir()
	url := serveTarball(t, buildTarball(t,
		dirEntry("repo/"),
		symlinkEntry("repo/self", ".."),
		symlinkEntry("repo/out", "self/.."),
		fileEntry("repo/out/evil.txt", "evil"),
	))

	_, err := New(url, WithTempDir(parent)).Open(context.Background())
	require.ErrorIs(t, err, ErrPathTraversal)
	assertEmptyDir(t, parent)
	assert.NoFileExists(t, filepath.Join(parent, "evil.txt"))
}

func TestOpen_SymlinksInsideArchive(t *testing.T) {
	url := serveTarball(t, buildTarball(t,
		dirEntry("repo/"),
		fileEntry("repo/README.md", "readme"),
		dirEntry("repo/docs/"),
		symlinkEntry("repo/docs/README.md", "../README.md"),
		tarEntry{Name: "repo/COPY.md", Type: tar.TypeLink, Linkname: "repo/README.md"},
	))

	err := Checkout(context.Background(), url, func(dir string) error {
		data, err := os.ReadFile(filepath.Join(dir, "docs", "README.md"))
		require.NoError(t, err)
		assert.Equal(t, "readme", string(data))

		data, err = os.ReadFile(filepath.Join(dir, "COPY.md"))
		require.NoError(t, err)
		assert.Equal(t, "readme", string(data))
		return nil
	}, WithTempDir(t.TempDir()))
	require.NoError(t, err)
}

func TestOpen_TransportError(t *testing.T) {
	t.Run("unreachable host", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL + "/repo.tar.gz"
		srv.Close()

		parent := t.TempDir()
		_, err := New(url, WithTempDir(parent)).Open(context.Background())
		require.Error(t, err)

		var transportErr *TransportError
		require.True(t, errors.As(err, &transportErr))
		assert.Equal(t, url, transportErr.URL)
		assert.NotNil(t, transportErr.Unwrap())
		assertEmptyDir(t, parent)
	})

	t.Run("not found", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		t.Cleanup(srv.Close)

		parent := t.TempDir()
		_, err := New(srv.URL+"/missing.tar.gz", WithTempDir(parent)).Open(context.Background())
		var transportErr *TransportError
		require.True(t, errors.As(err, &transportErr), "unexpected error: %v", err)
		assertEmptyDir(t, parent)
	})

	t.Run("cancelled context", func(t *testing.T) {
		url := serveTarball(t, buildTarball(t, fileEntry("repo/a.txt", "a")))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		parent := t.TempDir()
		_, err := New(url, WithTempDir(parent)).Open(ctx)
		var transportErr *TransportError
		require.True(t, errors.As(err, &transportErr), "unexpected error: %v", err)
		assertEmptyDir(t, parent)
	})
}

func TestOpen_ArchiveFormatError(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "plain text", data: []byte("this is not a tarball")},
		{name: "corrupt gzip", data: append([]byte{0x1f, 0x8b}, []byte("garbage garbage garbage")...)},
		{name: "empty archive", data: buildTarball(t)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parent := t.TempDir()
			_, err := New(serveTarball(t, tt.data), WithTempDir(parent)).Open(context.Background())
			var formatErr *ArchiveFormatError
			require.True(t, errors.As(err, &formatErr), "unexpected error: %v", err)
			assertEmptyDir(t, parent)
		})
	}
}

func TestOpen_LayoutError(t *testing.T) {
	data := buildTarball(t,
		fileEntry("a.txt", "a"),
		fileEntry("b.txt", "b"),
	)

	t.Run("strict", func(t *testing.T) {
		parent := t.TempDir()
		_, err := New(serveTarball(t, data), WithTempDir(parent)).Open(context.Background())
		require.ErrorIs(t, err, ErrUnexpectedLayout)

		var layoutErr *LayoutError
		require.True(t, errors.As(err, &layoutErr))
		assert.Equal(t, []string{"a.txt", "b.txt"}, layoutErr.Entries)
		assertEmptyDir(t, parent)
	})

	t.Run("single file", func(t *testing.T) {
		parent := t.TempDir()
		url := serveTarball(t, buildTarball(t, fileEntry("only.txt", "x")))
		_, err := New(url, WithTempDir(parent)).Open(context.Background())
		require.ErrorIs(t, err, ErrUnexpectedLayout)
		assertEmptyDir(t, parent)
	})

	t.Run("lenient", func(t *testing.T) {
		repo := New(serveTarball(t, data), WithTempDir(t.TempDir()), WithStrictLayout(false))
		dir, err := repo.Open(context.Background())
		require.NoError(t, err)
		defer repo.Close()

		assert.FileExists(t, filepath.Join(dir, "a.txt"))
		assert.FileExists(t, filepath.Join(dir, "b.txt"))
	})
}

func TestOpen_WrapperNameCollision(t *testing.T) {
	url := serveTarball(t, buildTarball(t,
		dirEntry("repo/"),
		dirEntry("repo/repo/"),
		fileEntry("repo/repo/inner.txt", "inner"),
		fileEntry("repo/top.txt", "top"),
	))

	err := Checkout(context.Background(), url, func(dir string) error {
		assert.FileExists(t, filepath.Join(dir, "repo", "inner.txt"))
		assert.FileExists(t, filepath.Join(dir, "top.txt"))
		return nil
	}, WithTempDir(t.TempDir()))
	require.NoError(t, err)
}

func TestOpen_PreservesModes(t *testing.T) {
	parent := t.TempDir()
	url := serveTarball(t, buildTarball(t,
		dirEntry("repo/"),
		tarEntry{Name: "repo/run.sh", Body: "#!/bin/sh\n", Mode: 0755},
		tarEntry{Name: "repo/setuid", Body: "x", Mode: 04755},
		tarEntry{Name: "repo/locked/", Type: tar.TypeDir, Mode: 0555},
		tarEntry{Name: "repo/locked/file.txt", Body: "locked", Mode: 0444},
	))

	repo := New(url, WithTempDir(parent))
	dir, err := repo.Open(context.Background())
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
	assert.True(t, info.ModTime().Equal(fixtureModTime))

	info, err = os.Stat(filepath.Join(dir, "setuid"))
	require.NoError(t, err)
	assert.Zero(t, info.Mode()&os.ModeSetuid)

	info, err = os.Stat(filepath.Join(dir, "locked"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0555), info.Mode().Perm())

	require.NoError(t, repo.Close())
	assertEmptyDir(t, parent)
}

func TestOpen_MaxSize(t *testing.T) {
	url := serveTarball(t, buildTarball(t,
		fileEntry("repo/big.txt", strings.Repeat("x", 4096)),
	))

	parent := t.TempDir()
	_, err := New(url, WithTempDir(parent), WithMaxSize(1024)).Open(context.Background())
	require.Error(t, err)
	assertEmptyDir(t, parent)
}

func TestOpen_Concurrent(t *testing.T) {
	parent := t.TempDir()
	url := serveTarball(t, buildTarball(t,
		fileEntry("repo/shared.txt", "original"),
	))

	repos := []*TemporaryRepository{New(url, WithTempDir(parent)), New(url, WithTempDir(parent))}
	dirs := make([]string, len(repos))
	errs := make([]error, len(repos))

	var wg sync.WaitGroup
	for i, repo := range repos {
		wg.Add(1)
		go func(i int, repo *TemporaryRepository) {
			defer wg.Done()
			dirs[i], errs[i] = repo.Open(context.Background())
		}(i, repo)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.NotEqual(t, dirs[0], dirs[1])

	require.NoError(t, os.WriteFile(filepath.Join(dirs[0], "shared.txt"), []byte("changed"), 0644))
	data, err := os.ReadFile(filepath.Join(dirs[1], "shared.txt"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))

	require.NoError(t, repos[0].Close())
	assert.DirExists(t, dirs[1])
	require.NoError(t, repos[1].Close())
	assertEmptyDir(t, parent)
}

func TestClose_Idempotent(t *testing.T) {
	url := serveTarball(t, buildTarball(t, fileEntry("repo/a.txt", "a")))
	repo := New(url, WithTempDir(t.TempDir()))

	require.NoError(t, repo.Close())

	dir, err := repo.Open(context.Background())
	require.NoError(t, err)

	require.NoError(t, repo.Close())
	require.NoError(t, repo.Close())
	assert.NoDirExists(t, dir)
}

func TestOpen_Twice(t *testing.T) {
	url := serveTarball(t, buildTarball(t, fileEntry("repo/a.txt", "a")))
	repo := New(url, WithTempDir(t.TempDir()))
	defer repo.Close()

	_, err := repo.Open(context.Background())
	require.NoError(t, err)

	_, err = repo.Open(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestOpen_InvalidOption(t *testing.T) {
	parent := t.TempDir()
	_, err := New("http://example.invalid/repo.tar.gz", WithTempDir(parent), WithTimeout(-1)).Open(context.Background())
	require.Error(t, err)
	assertEmptyDir(t, parent)
}

func TestCheckout_ReturnsCallbackError(t *testing.T) {
	parent := t.TempDir()
	url := serveTarball(t, buildTarball(t, fileEntry("repo/a.txt", "a")))
	errBoom := errors.New("boom")

	var seen string
	err := Checkout(context.Background(), url, func(dir string) error {
		seen = dir
		assert.FileExists(t, filepath.Join(dir, "a.txt"))
		return errBoom
	}, WithTempDir(parent))

	assert.Same(t, errBoom, err)
	assert.NoDirExists(t, seen)
	assertEmptyDir(t, parent)
}

func TestCheckout_CleansUpOnPanic(t *testing.T) {
	parent := t.TempDir()
	url := serveTarball(t, buildTarball(t, fileEntry("repo/a.txt", "a")))

	assert.PanicsWithValue(t, "boom", func() {
		_ = Checkout(context.Background(), url, func(dir string) error {
			panic("boom")
		}, WithTempDir(parent))
	})
	assertEmptyDir(t, parent)
}

func TestOpen_LogsProgress(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	url := serveTarball(t, buildTarball(t, fileEntry("repo/a.txt", "a")))

	err := Checkout(context.Background(), url, func(string) error { return nil },
		WithTempDir(t.TempDir()), WithLogger(logger))
	require.NoError(t, err)

	var messages []string
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.InfoLevel {
			messages = append(messages, entry.Message)
		}
	}
	assert.Equal(t, []string{"retrieved tarball", "extracted tarball"}, messages)
}

func TestOpen_Metrics(t *testing.T) {
	successBefore := testutil.ToFloat64(checkoutsTotalMetric.WithLabelValues("success"))
	unsafeBefore := testutil.ToFloat64(errorsTotalMetric.WithLabelValues("unsafe_archive"))

	url := serveTarball(t, buildTarball(t, fileEntry("repo/a.txt", "a")))
	require.NoError(t, Checkout(context.Background(), url, func(string) error { return nil }, WithTempDir(t.TempDir())))

	badURL := serveTarball(t, buildTarball(t, fileEntry("../evil.txt", "evil")))
	_, err := New(badURL, WithTempDir(t.TempDir())).Open(context.Background())
	require.Error(t, err)

	assert.Equal(t, successBefore+1, testutil.ToFloat64(checkoutsTotalMetric.WithLabelValues("success")))
	assert.Equal(t, unsafeBefore+1, testutil.ToFloat64(errorsTotalMetric.WithLabelValues("unsafe_archive")))
}

func TestOpen_Credentials(t *testing.T) {
	data := buildTarball(t, fileEntry("repo/private.txt", "private"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "ci" || pass != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	url := srv.URL + "/private.tar.gz"

	parent := t.TempDir()
	_, err := New(url, WithTempDir(parent)).Open(context.Background())
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assertEmptyDir(t, parent)

	store := NewCredentialStore()
	store.Set("127.0.0.1", HostCredentials{Username: "ci", Password: "hunter2"})
	repo := New(url, WithTempDir(parent), WithCredentials(store))
	dir, err := repo.Open(context.Background())
	require.NoError(t, err)
	defer repo.Close()

	content, err := os.ReadFile(filepath.Join(dir, "private.txt"))
	require.NoError(t, err)
	assert.Equal(t, "private", string(content))
}

func TestOpen_ReportsProgress(t *testing.T) {
	data := buildTarball(t, fileEntry("repo/a.txt", strings.Repeat("a", 1024)))
	url := serveTarball(t, data)

	var (
		mu    sync.Mutex
		calls [][2]int64
	)
	repo := New(url, WithTempDir(t.TempDir()), WithProgress(func(complete, total int64) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, [2]int64{complete, total})
	}))
	_, err := repo.Open(context.Background())
	require.NoError(t, err)
	defer repo.Close()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, calls)
	last := calls[len(calls)-1]
	assert.Equal(t, int64(len(data)), last[0])
}

func TestOpen_GlobalPaxHeader(t *testing.T) {
	url := serveTarball(t, buildTarball(t,
		globalHeaderEntry(map[string]string{"comment": "4f1c2a7e9b"}),
		dirEntry("proj-4f1c2a7/"),
		fileEntry("proj-4f1c2a7/README.md", "readme"),
	))

	parent := t.TempDir()
	repo := New(url, WithTempDir(parent))
	dir, err := repo.Open(context.Background())
	require.NoError(t, err)
	defer repo.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "README.md", entries[0].Name())
	assert.NoFileExists(t, filepath.Join(dir, "pax_global_header"))
}
