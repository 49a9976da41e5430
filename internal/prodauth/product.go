package prodauth

import (
	"fmt"
	"strings"
)

// Product identifies a logical backend service that authenticates on its own.
type Product string

const (
	ProductOrchestration Product = "orchestration"
	ProductOperations    Product = "operations"
	ProductConsole       Product = "console"
	ProductTasklist      Product = "tasklist"
	ProductOptimize      Product = "optimize"
)

var defaultAudiences = map[Product]string{
	ProductOrchestration: "zeebe.camunda.io",
	ProductOperations:    "operate.camunda.io",
	ProductConsole:       "api.cloud.camunda.io",
	ProductTasklist:      "tasklist.camunda.io",
	ProductOptimize:      "optimize.camunda.io",
}

// Products returns every known product in a stable order.
func Products() []Product {
	return []Product{
		ProductOrchestration,
		ProductOperations,
		ProductConsole,
		ProductTasklist,
		ProductOptimize,
	}
}

func ParseProduct(name string) (Product, error) {
	p := Product(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := defaultAudiences[p]; !ok {
		return "", fmt.Errorf("unknown product: %q", name)
	}
	return p, nil
}

func (p Product) String() string { return string(p) }

// DefaultAudience is used when a product's configuration omits the audience.
func (p Product) DefaultAudience() string {
	return defaultAudiences[p]
}

func (p Product) prefix() string {
	return "/" + string(p)
}
