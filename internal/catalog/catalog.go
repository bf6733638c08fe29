package catalog

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Catalog is the read-only view of the challenge table this service needs:
// which challenges exist and which container image, if any, backs them.
// Challenges without an image are solvable without a live environment.
type Catalog struct {
	mu     sync.RWMutex
	images map[string]string
}

type catalogFile struct {
	Challenges []struct {
		ID    string `yaml:"id"`
		Image string `yaml:"image"`
	} `yaml:"challenges"`
}

// Load reads the challenge catalog from a YAML file. A missing file yields
// an empty catalog, not an error, so the service can run before any
// challenges are registered.
func Load(path string) (*Catalog, error) {
	c := &Catalog{images: make(map[string]string)}

	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}

	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	for _, ch := range f.Challenges {
		if ch.ID == "" {
			continue
		}
		c.images[ch.ID] = ch.Image
	}

	return c, nil
}

// Image returns the container image backing a challenge. The empty string
// means the challenge has no live environment component.
func (c *Catalog) Image(challengeID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.images[challengeID]
}

// Set registers or replaces a challenge's image.
func (c *Catalog) Set(challengeID, image string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images[challengeID] = image
}

// Len reports how many challenges are registered.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.images)
}
