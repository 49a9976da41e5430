package prodauth

import (
	"fmt"
	"net/url"
	"strings"
)

// productRoute forwards /<product>/... to the product's base URL.
type productRoute struct {
	prefix  string
	product Product
	base    *url.URL
}

type routeTable struct {
	entries []productRoute
}

func newRouteTable(cfg *Config) (*routeTable, error) {
	var entries []productRoute
	for _, product := range cfg.ProductList() {
		pc, _ := cfg.ProductConfig(product)
		if pc.BaseURL == "" {
			continue
		}
		parsed, err := url.Parse(pc.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse %s base url: %w", product, err)
		}
		entries = append(entries, productRoute{
			prefix:  product.prefix(),
			product: product,
			base:    parsed,
		})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no products with a base_url configured")
	}
	return &routeTable{entries: entries}, nil
}

func (r *routeTable) Resolve(path string) (productRoute, string, bool) {
	for _, entry := range r.entries {
		if trimmed, ok := trimPrefix(path, entry.prefix); ok {
			return entry, trimmed, true
		}
	}
	return productRoute{}, "", false
}

func (r *routeTable) products() []Product {
	products := make([]Product, len(r.entries))
	for i, entry := range r.entries {
		products[i] = entry.product
	}
	return products
}

func trimPrefix(path, prefix string) (string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	if len(path) > len(prefix) && path[len(prefix)] != '/' {
		return "", false
	}
	trimmed := strings.TrimPrefix(path, prefix)
	if trimmed == "" {
		return "/", true
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	return trimmed, true
}

func (r productRoute) buildURL(path, rawQuery string) string {
	u := *r.base
	u.Path = strings.TrimSuffix(r.base.Path, "/") + path
	u.RawQuery = rawQuery
	return u.String()
}
