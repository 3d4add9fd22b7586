package pricing

import (
	"testing"

	"BananaPay/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := NewCatalog(nil)
	require.NoError(t, err)

	p, err := c.Lookup("professional")
	require.NoError(t, err)
	assert.Equal(t, "29.00", p.Amount.StringFixed(2))
	assert.Equal(t, "professional", p.Level)

	byTitle, err := c.Lookup("企业版")
	require.NoError(t, err)
	assert.Equal(t, "enterprise", byTitle.Name)

	_, err = c.Lookup("normal")
	assert.ErrorIs(t, err, ErrUnknownPlan)

	offers := c.Offers()
	require.Len(t, offers, 3)
	assert.Equal(t, "basic", offers[0].Name)
	assert.Equal(t, "9.90", offers[0].Amount)
}

func TestCatalogRejectsBadAmounts(t *testing.T) {
	for _, amount := range []string{"abc", "0", "-1.00", "1.005"} {
		_, err := NewCatalog([]config.Plan{{Name: "x", Amount: amount}})
		assert.Error(t, err, amount)
	}
}

func TestCatalogFillsLevelAndTitle(t *testing.T) {
	c, err := NewCatalog([]config.Plan{{Name: "team", Amount: "49"}})
	require.NoError(t, err)
	p, err := c.Lookup("team")
	require.NoError(t, err)
	assert.Equal(t, "team", p.Level)
	assert.Equal(t, "team", p.Title)
	assert.Equal(t, "49.00", p.Amount.StringFixed(2))
}
