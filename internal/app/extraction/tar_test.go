package extraction

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/filesift/internal/domain/triage"
)

type tarEntry struct {
	name string
	data string
	typ  byte
}

func buildTar(t *testing.T, entries ...tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		typ := e.typ
		if typ == 0 {
			typ = tar.TypeReg
		}
		hdr := &tar.Header{Name: e.name, Mode: 0o600, Typeflag: typ}
		if typ == tar.TypeReg {
			hdr.Size = int64(len(e.data))
		}
		if typ == tar.TypeSymlink {
			hdr.Linkname = "b.txt"
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if typ == tar.TypeReg {
			_, err := tw.Write([]byte(e.data))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestExtractTarRoundTrip(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultConfig())
	data := buildTar(t,
		tarEntry{name: "sub/", typ: tar.TypeDir},
		tarEntry{name: "sub/a.txt", data: "alpha"},
		tarEntry{name: "ln", typ: tar.TypeSymlink},
		tarEntry{name: "b.txt", data: "beta"},
	)
	task := env.submitContainer(t, "sample.tar", triage.ContainerTar, data)

	report, paths, err := runUnpack(t, env, task, data)
	require.NoError(t, err)
	require.Len(t, paths, 2)

	got := make(map[string]string, len(paths))
	for _, p := range paths {
		content, rerr := os.ReadFile(p)
		require.NoError(t, rerr)
		got[filepath.Base(p)] = string(content)
	}
	assert.Equal(t, map[string]string{"a.txt": "alpha", "b.txt": "beta"}, got)
	assert.Equal(t, triage.StatusRunning, report.Status())
}

func TestExtractTarCountBound(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.MaxFiles = 2
	env := newTestEnv(t, cfg)
	data := buildTar(t,
		tarEntry{name: "one.txt", data: "1"},
		tarEntry{name: "two.txt", data: "2"},
		tarEntry{name: "three.txt", data: "3"},
	)
	task := env.submitContainer(t, "sample.tar", triage.ContainerTar, data)

	report, paths, err := runUnpack(t, env, task, data)
	require.NoError(t, err)
	assert.Len(t, paths, 2)
	assert.Equal(t, triage.StatusAlert, report.Status())
	assert.Contains(t, detailMessages(report), "Too many files (2/2) in the archive")
}

func TestExtractTarSizeBound(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.MaxSizeBytes = 10
	env := newTestEnv(t, cfg)
	data := buildTar(t,
		tarEntry{name: "big.bin", data: "0123456789"},
		tarEntry{name: "ok.txt", data: "ninebytes"},
	)
	task := env.submitContainer(t, "sample.tar", triage.ContainerTar, data)

	report, paths, err := runUnpack(t, env, task, data)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, "ok.txt", filepath.Base(paths[0]))
	assert.Equal(t, triage.StatusAlert, report.Status())
	assert.Contains(t, detailMessages(report), "File sample.tar too big (10).")
}
