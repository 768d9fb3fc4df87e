package product

import (
	"testing"

	"github.com/smallbiznis/tally/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAllowlist(t *testing.T, products ...string) *Allowlist {
	t.Helper()
	cfg := config.DefaultTallyConfig()
	cfg.Products = products
	holder, err := config.NewStaticTallyConfigHolder(cfg)
	require.NoError(t, err)
	return NewAllowlist(holder, zap.NewNop())
}

func TestAllowlist_EmptyAllowsEverything(t *testing.T) {
	a := newAllowlist(t)
	assert.True(t, a.Allows("RHEL"))
	assert.True(t, a.Allows("anything"))
}

func TestAllowlist_OnlyListedProducts(t *testing.T) {
	a := newAllowlist(t, "RHEL", "OpenShift")

	assert.True(t, a.Allows("RHEL"))
	assert.True(t, a.Allows(" OpenShift "))
	assert.False(t, a.Allows("Satellite"))
}
