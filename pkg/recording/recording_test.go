package recording

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRecording(t *testing.T, lines []string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "stream-out")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
	return path
}

func TestParseHeader(t *testing.T) {
	path := writeRecording(t, []string{
		`{"version":2,"width":80,"height":24,"timestamp":1700000000,"command":"bash"}`,
	})
	header, err := ParseHeader(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(80), header.Width)
	assert.Equal(t, "bash", header.Command)
}

func TestParseHeaderMissingFile(t *testing.T) {
	_, err := ParseHeader(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestLastEventNoEvents(t *testing.T) {
	path := writeRecording(t, []string{
		`{"version":2,"width":80,"height":24}`,
	})
	_, ok, err := LastEvent(path)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLastEventReturnsExit(t *testing.T) {
	path := writeRecording(t, []string{
		`{"version":2,"width":80,"height":24}`,
		`[0.1,"o","hi"]`,
		`["exit","2",""]`,
	})
	ev, ok, err := LastEvent(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "exit", ev.Kind)
	assert.JSONEq(t, `"2"`, string(ev.Data))
}

func TestDecodeEventRegularShape(t *testing.T) {
	ev, err := decodeEvent([]byte(`[1.5,"o","hello"]`))
	require.NoError(t, err)
	assert.Equal(t, 1.5, ev.Time)
	assert.Equal(t, "o", ev.Kind)
}

func TestDecodeEventExitShape(t *testing.T) {
	ev, err := decodeEvent([]byte(`["exit","0",""]`))
	require.NoError(t, err)
	assert.Equal(t, "exit", ev.Kind)
	assert.JSONEq(t, `"0"`, string(ev.Data))
}

func TestSnapshotReturnsFileContents(t *testing.T) {
	path := writeRecording(t, []string{
		`{"version":2,"width":80,"height":24}`,
		`[0.1,"o","hi"]`,
	})
	data, err := Snapshot(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"o"`)
}

func TestExportPreservesEventsAndSetsDuration(t *testing.T) {
	path := writeRecording(t, []string{
		`{"version":2,"width":80,"height":24,"command":"bash"}`,
		`[0.1,"o","hi"]`,
		`["exit","0",""]`,
	})
	data, err := Export(path, 3.5)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"duration":3.5`)
	assert.Contains(t, string(data), `[0.1,"o","hi"]`)
	assert.Contains(t, string(data), `["exit","0",""]`)
}
