package tools

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const customSchemas = `
tools:
  executePartialTakeProfit:
    description: custom
    version: 2
    schema:
      type: object
      required: [symbol, stage]
      properties:
        stage: {type: integer, minimum: 1, maximum: 2}
`

func TestBuiltinSchemasCoverEveryTool(t *testing.T) {
	s, err := LoadSchemas("", false)
	require.NoError(t, err)
	snap := s.Snapshot()
	assert.EqualValues(t, 1, snap.Version)
	for _, name := range []string{
		"calculateStopLoss", "checkOpenPosition", "checkPartialTakeProfitOpportunity",
		"executePartialTakeProfit", "updateTrailingStop", "updatePositionStopLoss",
		"openPosition", "closePosition", "listReconciliations",
	} {
		def, ok := snap.Definitions[name]
		require.True(t, ok, name)
		assert.NotNil(t, def.compiled, name)
		assert.NotEmpty(t, def.Description, name)
	}
}

func TestValidateAcceptsNumericStrings(t *testing.T) {
	s, err := LoadSchemas("", false)
	require.NoError(t, err)

	assert.NoError(t, s.Validate("openPosition", map[string]any{
		"symbol": "BTCUSDT", "side": "LONG", "marginAmount": "100", "leverage": "5",
	}))
	assert.Error(t, s.Validate("openPosition", map[string]any{
		"symbol": "BTCUSDT", "side": "long", "marginAmount": "-1",
	}))
	assert.Error(t, s.Validate("openPosition", map[string]any{
		"symbol": "BTCUSDT", "side": "sideways", "marginAmount": 10.0,
	}))
	assert.Error(t, s.Validate("updatePositionStopLoss", map[string]any{"symbol": "BTCUSDT"}))
	assert.NoError(t, s.Validate("unknownTool", map[string]any{"anything": true}))
}

func TestSanitizeParamsKeepsNonNumericStrings(t *testing.T) {
	out := sanitizeParams(map[string]any{
		"a": "+12.5",
		"b": "NaN",
		"c": "long",
		"d": []any{"3", "x"},
	}).(map[string]any)
	assert.Equal(t, json.Number("12.5"), out["a"])
	assert.Equal(t, "NaN", out["b"])
	assert.Equal(t, "long", out["c"])
	list := out["d"].([]any)
	assert.Equal(t, "x", list[1])
}

func TestLoadSchemasFromFileAndRejectBrokenReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(customSchemas), 0o644))

	s, err := LoadSchemas(path, false)
	require.NoError(t, err)
	def, ok := s.Definition("executePartialTakeProfit")
	require.True(t, ok)
	assert.Equal(t, 2, def.Version)
	assert.Error(t, s.Validate("executePartialTakeProfit", map[string]any{"symbol": "BTCUSDT", "stage": json.Number("3")}))

	require.NoError(t, os.WriteFile(path, []byte("tools:\n  bad:\n    schema:\n      type: 12\n"), 0o644))
	assert.Error(t, s.reload())
	snap := s.Snapshot()
	assert.EqualValues(t, 1, snap.Version)
	_, ok = snap.Definitions["executePartialTakeProfit"]
	assert.True(t, ok)
}

func TestParseSchemasRejectsUnknownFields(t *testing.T) {
	_, err := parseSchemas([]byte("tools:\n  x:\n    descripton: typo\n"))
	assert.Error(t, err)
}

func TestWatchReloadsAndNotifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(customSchemas), 0o644))
	s, err := LoadSchemas(path, true)
	require.NoError(t, err)

	changed := make(chan Snapshot, 4)
	s.OnChange(func(snap Snapshot) { changed <- snap })

	updated := []byte(customSchemas + `
  closePosition:
    description: reloaded
    schema:
      type: object
      required: [symbol]
`)
	require.NoError(t, os.WriteFile(path, updated, 0o644))

	assert.Eventually(t, func() bool {
		def, ok := s.Definition("closePosition")
		return ok && def.Description == "reloaded"
	}, 5*time.Second, 20*time.Millisecond)

	select {
	case snap := <-changed:
		assert.Greater(t, snap.Version, int64(1))
	case <-time.After(5 * time.Second):
		t.Fatal("change listener not notified")
	}
}
