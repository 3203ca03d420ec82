/*
Package factory provides JSON to Go service catalog conversion.

PURPOSE:
  Converts the JSON service catalog into ledger.ServiceDescriptor values.
  The catalog is read-only configuration: which purchasable products exist,
  whether each is enabled, what cashback it earns and which upstream
  provider fulfils it.

JSON SCHEMA:
  {
    "services": [
      {
        "slug": "mtn-airtime",
        "name": "MTN Airtime",
        "category": "airtime",
        "enabled": true,
        "cashback_rate": "0.03",
        "provider": "vtpass"
      }
    ]
  }

DEFAULTS:
  - enabled omitted       -> true
  - cashback_rate omitted -> the configured default rate (CASHBACK_RATE)
  - provider omitted      -> settled locally, no upstream call

USAGE:
  catalog, err := factory.LoadCatalog("./catalog.json", defaultRate)
  svc, err := catalog.Service("mtn-airtime")

SEE ALSO:
  - ledger/guard.go: Catalog interface and the enabled gate
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/wallet-engine/ledger"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CatalogJSON is the JSON representation of the catalog.
type CatalogJSON struct {
	Services []ServiceJSON `json:"services"`
}

// ServiceJSON is the JSON representation of one service.
type ServiceJSON struct {
	Slug         string  `json:"slug"`
	Name         string  `json:"name"`
	Category     string  `json:"category"`
	Enabled      *bool   `json:"enabled,omitempty"`
	CashbackRate *string `json:"cashback_rate,omitempty"` // decimal string, e.g. "0.03"
	Provider     string  `json:"provider,omitempty"`
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is an immutable set of services keyed by slug.
type Catalog struct {
	order    []string
	services map[string]ledger.ServiceDescriptor
}

// ParseCatalog parses catalog JSON. Services without a cashback rate get
// defaultRate.
func ParseCatalog(data []byte, defaultRate decimal.Decimal) (*Catalog, error) {
	var cj CatalogJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}
	return FromJSON(cj, defaultRate)
}

// LoadCatalog reads and parses a catalog file.
func LoadCatalog(path string, defaultRate decimal.Decimal) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data, defaultRate)
}

// DefaultCatalog is the built-in catalog used when no file is configured.
func DefaultCatalog(defaultRate decimal.Decimal) *Catalog {
	c, err := ParseCatalog([]byte(DefaultCatalogJSON), defaultRate)
	if err != nil {
		panic(fmt.Sprintf("built-in catalog is invalid: %v", err))
	}
	return c
}

// FromJSON validates and converts a CatalogJSON.
func FromJSON(cj CatalogJSON, defaultRate decimal.Decimal) (*Catalog, error) {
	if err := ledger.ValidateRate(defaultRate); err != nil {
		return nil, err
	}

	c := &Catalog{services: make(map[string]ledger.ServiceDescriptor)}
	for i, sj := range cj.Services {
		svc, err := parseService(sj, defaultRate)
		if err != nil {
			return nil, fmt.Errorf("service %d: %w", i, err)
		}
		if _, dup := c.services[svc.Slug]; dup {
			return nil, fmt.Errorf("service %d: duplicate slug %q", i, svc.Slug)
		}
		c.services[svc.Slug] = svc
		c.order = append(c.order, svc.Slug)
	}
	return c, nil
}

func parseService(sj ServiceJSON, defaultRate decimal.Decimal) (ledger.ServiceDescriptor, error) {
	slug := strings.TrimSpace(sj.Slug)
	if slug == "" {
		return ledger.ServiceDescriptor{}, fmt.Errorf("slug is required")
	}
	category, err := ledger.ParseTxType(sj.Category)
	if err != nil {
		return ledger.ServiceDescriptor{}, err
	}
	if !category.IsPurchase() {
		return ledger.ServiceDescriptor{}, fmt.Errorf("category %q is not purchasable", category)
	}

	svc := ledger.ServiceDescriptor{
		Slug:         slug,
		Name:         sj.Name,
		Category:     category,
		Enabled:      true,
		CashbackRate: defaultRate,
		Provider:     sj.Provider,
	}
	if svc.Name == "" {
		svc.Name = slug
	}
	if sj.Enabled != nil {
		svc.Enabled = *sj.Enabled
	}
	if sj.CashbackRate != nil {
		rate, err := ledger.ParseRate(*sj.CashbackRate)
		if err != nil {
			return ledger.ServiceDescriptor{}, err
		}
		svc.CashbackRate = rate
	}
	return svc, nil
}

// Service returns the descriptor for slug.
func (c *Catalog) Service(slug string) (ledger.ServiceDescriptor, error) {
	svc, ok := c.services[slug]
	if !ok {
		return ledger.ServiceDescriptor{}, fmt.Errorf("%w: unknown service %q", ledger.ErrServiceUnavailable, slug)
	}
	return svc, nil
}

// IsServiceEnabled reports whether slug exists and is enabled.
func (c *Catalog) IsServiceEnabled(slug string) bool {
	svc, ok := c.services[slug]
	return ok && svc.Enabled
}

// Services lists all services in file order.
func (c *Catalog) Services() []ledger.ServiceDescriptor {
	out := make([]ledger.ServiceDescriptor, 0, len(c.order))
	for _, slug := range c.order {
		out = append(out, c.services[slug])
	}
	return out
}

// DefaultCatalogJSON covers each purchase category once or more.
const DefaultCatalogJSON = `{
  "services": [
    {"slug": "mtn-airtime",     "name": "MTN Airtime",        "category": "airtime",      "provider": "vtu"},
    {"slug": "glo-airtime",     "name": "Glo Airtime",        "category": "airtime",      "provider": "vtu"},
    {"slug": "mtn-data",        "name": "MTN Data",           "category": "data",         "provider": "vtu"},
    {"slug": "ikeja-electric",  "name": "Ikeja Electric",     "category": "electricity",  "provider": "vtu", "cashback_rate": "0.01"},
    {"slug": "dstv",            "name": "DStv",               "category": "cable",        "provider": "vtu", "cashback_rate": "0.015"},
    {"slug": "waec-pin",        "name": "WAEC Result Pin",    "category": "exam-voucher", "cashback_rate": "0"},
    {"slug": "startimes",       "name": "StarTimes",          "category": "cable",        "enabled": false}
  ]
}`
