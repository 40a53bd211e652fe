package runbook

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog holds the loaded runbooks
type Catalog struct {
	runbooks []Runbook
}

// LoadCatalog reads a runbook catalog from a YAML file keyed by runbook ID.
// ${VAR} values in action params are substituted from the environment.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses catalog YAML
func ParseCatalog(data []byte) (*Catalog, error) {
	var byID map[string]Runbook
	if err := yaml.Unmarshal(data, &byID); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	catalog := &Catalog{}
	for id, rb := range byID {
		rb.ID = id
		rb.Action.Params = substituteEnv(rb.Action.Params)
		rb.Rollback.Params = substituteEnv(rb.Rollback.Params)
		if err := rb.Validate(); err != nil {
			return nil, err
		}
		catalog.runbooks = append(catalog.runbooks, rb)
	}

	// Stable iteration order
	sort.Slice(catalog.runbooks, func(i, j int) bool {
		return catalog.runbooks[i].ID < catalog.runbooks[j].ID
	})

	return catalog, nil
}

// substituteEnv replaces ${VAR} param values with environment values.
// Unset variables keep the literal placeholder so the gap is visible.
func substituteEnv(params map[string]string) map[string]string {
	if params == nil {
		return nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
			name := v[2 : len(v)-1]
			if env, ok := os.LookupEnv(name); ok {
				out[k] = env
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Runbooks returns all runbooks in stable order
func (c *Catalog) Runbooks() []Runbook {
	return c.runbooks
}

// Get looks up a runbook by ID
func (c *Catalog) Get(id string) (Runbook, bool) {
	for _, rb := range c.runbooks {
		if rb.ID == id {
			return rb, true
		}
	}
	return Runbook{}, false
}

// Len returns the number of loaded runbooks
func (c *Catalog) Len() int {
	return len(c.runbooks)
}
