package extraction

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"

	"github.com/ahrav/filesift/internal/domain/triage"
)

// The canonical empty bzip2 stream. The standard library only ships a
// bzip2 reader, so the fixture is spelled out by hand.
var bzip2Fixture = []byte{
	0x42, 0x5a, 0x68, 0x39, 0x17, 0x72, 0x45, 0x38, 0x50, 0x90, 0x00, 0x00, 0x00, 0x00,
}

func buildGzip(t *testing.T, payload string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func buildXz(t *testing.T, payload string) []byte {
	t.Helper()
	var buf bytes.Buffer
	xw, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	_, err = xw.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, xw.Close())
	return buf.Bytes()
}

func buildLzma(t *testing.T, payload string) []byte {
	t.Helper()
	var buf bytes.Buffer
	lw, err := lzma.NewWriter(&buf)
	require.NoError(t, err)
	_, err = lw.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, lw.Close())
	return buf.Bytes()
}

func TestExtractStream(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name     string
		fileName string
		kind     triage.ContainerKind
		data     []byte
		wantName string
		wantBody string
	}{
		{
			name:     "gzip strips extension",
			fileName: "inner.txt.gz",
			kind:     triage.ContainerGzip,
			data:     buildGzip(t, "stream-payload"),
			wantName: "inner.txt",
			wantBody: "stream-payload",
		},
		{
			name:     "gzip keeps unrelated extension",
			fileName: "archive.tgz",
			kind:     triage.ContainerGzip,
			data:     buildGzip(t, "tarball-bytes"),
			wantName: "archive.tgz",
			wantBody: "tarball-bytes",
		},
		{
			name:     "bzip2",
			fileName: "notes.bz2",
			kind:     triage.ContainerBzip2,
			data:     bzip2Fixture,
			wantName: "notes",
			wantBody: "",
		},
		{
			name:     "xz",
			fileName: "data.txt.xz",
			kind:     triage.ContainerXz,
			data:     buildXz(t, "xz-payload"),
			wantName: "data.txt",
			wantBody: "xz-payload",
		},
		{
			name:     "legacy lzma",
			fileName: "legacy.lzma",
			kind:     triage.ContainerXz,
			data:     buildLzma(t, "lzma-payload"),
			wantName: "legacy",
			wantBody: "lzma-payload",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t, defaultConfig())
			task := env.submitContainer(t, tc.fileName, tc.kind, tc.data)

			report, paths, err := runUnpack(t, env, task, tc.data)
			require.NoError(t, err)
			require.Len(t, paths, 1)
			assert.Equal(t, tc.wantName, filepath.Base(paths[0]))

			content, rerr := os.ReadFile(paths[0])
			require.NoError(t, rerr)
			assert.Equal(t, tc.wantBody, string(content))
			assert.Equal(t, triage.StatusRunning, report.Status())
		})
	}
}

func TestExtractStreamTooBig(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.MaxSizeBytes = 4
	env := newTestEnv(t, cfg)
	data := buildGzip(t, "0123456789")
	task := env.submitContainer(t, "inner.txt.gz", triage.ContainerGzip, data)

	report, paths, err := runUnpack(t, env, task, data)
	require.NoError(t, err)
	assert.Empty(t, paths)
	assert.Equal(t, triage.StatusAlert, report.Status())

	// The read stops one byte past the ceiling, so that is the size the
	// detail reports.
	assert.Contains(t, detailMessages(report), "File inner.txt.gz too big (5).")
}

func TestExtractStreamCorrupt(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultConfig())
	data := []byte("not gzip at all")
	task := env.submitContainer(t, "inner.txt.gz", triage.ContainerGzip, data)

	_, _, err := runUnpack(t, env, task, data)
	require.Error(t, err)
}
