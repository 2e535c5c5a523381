package adapter

import (
	"fmt"
	"sort"
	"sync"

	"rallypoint/internal/fault"
)

// Catalog maps vendor names to implementations.
type Catalog struct {
	mu      sync.RWMutex
	vendors map[string]Vendor
}

func NewCatalog(vendors ...Vendor) *Catalog {
	c := &Catalog{vendors: make(map[string]Vendor)}
	for _, v := range vendors {
		c.Register(v)
	}
	return c
}

// Register adds or replaces a vendor.
func (c *Catalog) Register(v Vendor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vendors[v.Name()] = v
}

// Lookup returns the vendor registered under name.
func (c *Catalog) Lookup(name string) (Vendor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vendors[name]
	if !ok {
		return nil, fault.ValidationError{Field: "vendor", Reason: fmt.Sprintf("unknown vendor %q", name)}
	}
	return v, nil
}

// Names returns registered vendor names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.vendors))
	for name := range c.vendors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
