package registry

import "strings"

// SchemaFor resolves a display name ("server__tool") back to its live
// upstream client's cached schema, satisfying retrieval.SchemaResolver. The
// live connection is authoritative, matching the Executor's resolution rule:
// a display name with no connected server, or a server whose schema cache
// hasn't been populated yet by a ListTools call, yields ok=false.
func (r *Registry) SchemaFor(displayName string) (input, output map[string]any, ok bool) {
	serverName, toolName, found := strings.Cut(displayName, "__")
	if !found {
		return nil, nil, false
	}

	client, ok := r.LiveClient(serverName)
	if !ok {
		return nil, nil, false
	}

	tool, found := client.GetCachedSchema(toolName)
	if !found {
		return nil, nil, false
	}
	return tool.InputSchema, tool.OutputSchema, true
}
