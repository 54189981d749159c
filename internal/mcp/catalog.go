package mcp

import "fmt"

// route identifies the owning server for a presented tool name.
type route struct {
	ServerID    string
	ToolName    string
	EndpointURL string
}

// Catalog is the per-turn function catalog: an ordered collection of
// descriptors plus a reverse map from presented name to the owning
// server. Catalogs are values; they carry no connections and are
// discarded at the end of the turn.
type Catalog struct {
	Tools  []ToolDescriptor
	routes map[string]route
}

// newCatalog returns an empty catalog.
func newCatalog() *Catalog {
	return &Catalog{routes: map[string]route{}}
}

// add registers a discovered tool, disambiguating name collisions.
// The first server to advertise a name keeps it; later duplicates are
// presented with a deterministic numeric suffix.
func (c *Catalog) add(serverID, endpointURL string, tool *Tool) {
	presented := tool.Name
	for n := 2; ; n++ {
		if _, taken := c.routes[presented]; !taken {
			break
		}
		presented = fmt.Sprintf("%s__%d", tool.Name, n)
	}

	c.routes[presented] = route{ServerID: serverID, ToolName: tool.Name, EndpointURL: endpointURL}
	c.Tools = append(c.Tools, ToolDescriptor{
		ServerID:    serverID,
		Name:        tool.Name,
		Presented:   presented,
		Description: tool.Description,
		Parameters:  tool.Parameters,
	})
}

// resolve maps a presented name back to its owning server.
func (c *Catalog) resolve(presented string) (route, bool) {
	r, ok := c.routes[presented]
	return r, ok
}

// Empty reports whether the catalog holds no tools.
func (c *Catalog) Empty() bool {
	return c == nil || len(c.Tools) == 0
}
