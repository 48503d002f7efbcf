package credits_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/campfire-engine/credits"
)

func TestDefaultCatalog_Prices(t *testing.T) {
	cat := credits.DefaultCatalog()

	tests := []struct {
		category   string
		complexity string
		want       string
	}{
		{"banner", "", "15.00"},
		{"social-post", "standard", "7.50"},
		{"presentation", "", "37.50"},
		{"logo", "simple", "30.00"},
		{"brand-kit", "complex", "120.00"},
		{"unknown-category", "", "15.00"},
	}
	for _, tt := range tests {
		t.Run(tt.category+"/"+tt.complexity, func(t *testing.T) {
			got, err := cat.Price(tt.category, tt.complexity)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestCatalog_UnknownComplexity(t *testing.T) {
	_, err := credits.DefaultCatalog().Price("banner", "heroic")
	assert.ErrorIs(t, err, credits.ErrValidation)
}

func TestCatalog_Packs(t *testing.T) {
	cat := credits.DefaultCatalog()

	pack, err := cat.Pack("studio")
	require.NoError(t, err)
	assert.Equal(t, credits.Credits(150), pack.Credits)

	sorted := cat.SortedPacks()
	require.Len(t, sorted, 3)
	assert.Equal(t, "starter", sorted[0].ID)
	assert.Equal(t, "agency", sorted[2].ID)

	_, err = cat.Pack("nope")
	assert.ErrorIs(t, err, credits.ErrPackNotFound)
}

func TestParseCatalog_RejectsDuplicatePacks(t *testing.T) {
	_, err := credits.ParseCatalog(`
[[packs]]
id = "a"
name = "A"
credits = 10

[[packs]]
id = "a"
name = "A again"
credits = 20
`)
	assert.ErrorIs(t, err, credits.ErrValidation)
}

func TestLoadCatalog_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[packs]]
id = "mini"
name = "Mini"
credits = 12.5

[pricing]
default_base = 4

[pricing.complexity]
standard = 100
`), 0o644))

	cat, err := credits.LoadCatalog(path)
	require.NoError(t, err)

	pack, err := cat.Pack("mini")
	require.NoError(t, err)
	assert.Equal(t, "12.50", pack.Credits.String())

	price, err := cat.Price("anything", "")
	require.NoError(t, err)
	assert.Equal(t, "4.00", price.String())
}

func TestLoadCatalog_EmptyPathIsDefault(t *testing.T) {
	cat, err := credits.LoadCatalog("")
	require.NoError(t, err)
	assert.Len(t, cat.Packs, 3)
}
