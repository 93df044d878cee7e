package mirror

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/labrun/internal/testutil"
)

func memFiles(t *testing.T) (*FileStore, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	return NewFileStoreFs(fsys, "/data"), fsys
}

func TestResolveContainment(t *testing.T) {
	files, _ := memFiles(t)

	tests := []struct {
		rel  string
		want string
		ok   bool
	}{
		{"raw/live/s1.json", "/data/raw/live/s1.json", true},
		{"/raw/x.csv", "/data/raw/x.csv", true},
		{"a/../b.json", "/data/b.json", true},
		{"../etc/passwd", "", false},
		{"a/../../x", "", false},
		{"..", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			got, err := files.Resolve(tt.rel)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrOutsideRoot)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := files.Resolve("")
	assert.Error(t, err)
}

func TestGetMissing(t *testing.T) {
	files, fsys := memFiles(t)

	_, err := files.Get("raw/live/_meta.json", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsNotExist(err))

	def := `{"a": 1}`
	v, err := files.Get("raw/live/_meta.json", &def)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": int64(1)}, v)

	raw, err := afero.ReadFile(fsys, "/data/raw/live/_meta.json")
	require.NoError(t, err)
	assert.Equal(t, def, string(raw), "default is written back verbatim")

	other := `{}`
	v, err = files.Get("raw/live/_meta.json", &other)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": int64(1)}, v, "existing file wins over the default")
}

func TestPutJSONAndRaw(t *testing.T) {
	files, fsys := memFiles(t)

	require.NoError(t, files.Put("deep/nested/doc.json", map[string]any{"x": []any{1, 2.5}}))
	v, err := files.Get("deep/nested/doc.json", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": []any{int64(1), 2.5}}, v)

	require.NoError(t, files.Put("notes.txt", "hello"))
	v, err = files.Get("notes.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	err = files.Put("notes.txt", map[string]any{"x": 1})
	assert.ErrorIs(t, err, ErrBadContent)

	err = files.Put("rows.csv", []any{"not", "objects"})
	assert.ErrorIs(t, err, ErrBadContent)

	err = files.Put("x.json", nil)
	assert.ErrorIs(t, err, ErrBadContent)

	entries, err := afero.ReadDir(fsys, "/data/deep/nested")
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
	assert.Equal(t, "doc.json", entries[0].Name())
}

func TestCSVGolden(t *testing.T) {
	rows := []map[string]any{
		{"time": int64(1), "epoch": "A", "eventType": "x", "data": map[string]any{"k": "v, w"}, "note": nil},
		{"time": int64(2), "epoch": "A-B[0]", "eventType": "y", "data": map[string]any{}, "note": "say \"hi\"\nthere"},
	}
	raw, err := EncodeCSV(rows)
	require.NoError(t, err)
	testutil.AssertGolden(t, "events_csv", raw)
}

func TestCSVRoundTrip(t *testing.T) {
	files, _ := memFiles(t)

	rows := []any{
		map[string]any{"id": "a", "data": map[string]any{"n": 1.0}, "list": []any{"x"}, "n": 3, "empty": nil},
		map[string]any{"id": "b", "data": "plain", "list": "[not json", "n": 4},
	}
	require.NoError(t, files.Put("out/rows.csv", rows))

	v, err := files.Get("out/rows.csv", nil)
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{
		{"id": "a", "data": map[string]any{"n": 1.0}, "list": []any{"x"}, "n": "3", "empty": ""},
		{"id": "b", "data": "plain", "list": "[not json", "n": "4", "empty": ""},
	}, v)
}

func TestDecodeCSVEmpty(t *testing.T) {
	rows, err := DecodeCSV(nil)
	require.NoError(t, err)
	assert.Empty(t, rows)

	raw, err := EncodeCSV(nil)
	require.NoError(t, err)
	assert.Empty(t, raw)
}
