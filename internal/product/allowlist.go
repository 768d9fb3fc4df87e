// Package product decides which products take part in tallying.
package product

import (
	"strings"

	"github.com/smallbiznis/tally/internal/config"
	"go.uber.org/zap"
)

// Allowlist filters products against tally.products. An empty list allows
// every product. The list is read on each call so config reloads apply.
type Allowlist struct {
	config *config.TallyConfigHolder
	log    *zap.Logger
}

func NewAllowlist(cfg *config.TallyConfigHolder, log *zap.Logger) *Allowlist {
	return &Allowlist{config: cfg, log: log.Named("product.allowlist")}
}

func (a *Allowlist) Allows(productID string) bool {
	products := a.config.Get().Products
	if len(products) == 0 {
		return true
	}
	productID = strings.TrimSpace(productID)
	for _, p := range products {
		if p == productID {
			return true
		}
	}
	a.log.Debug("product not in allowlist", zap.String("product_id", productID))
	return false
}
