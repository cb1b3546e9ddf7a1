package domain

import (
	"fmt"
	"path/filepath"
)

// DataType identifies a category of files a service manifest can reference
type DataType string

const (
	DataTypeManifest DataType = "manifest"
	DataTypeUI       DataType = "ui"
	DataTypeWorkflow DataType = "workflow"
	DataTypeHeat     DataType = "heat"
	DataTypeAgent    DataType = "agent"
	DataTypeScripts  DataType = "scripts"
)

// DataTypes lists every known data type in canonical order
var DataTypes = []DataType{
	DataTypeManifest,
	DataTypeUI,
	DataTypeWorkflow,
	DataTypeHeat,
	DataTypeAgent,
	DataTypeScripts,
}

// ParseDataType validates a data type name
func ParseDataType(name string) (DataType, error) {
	for _, dt := range DataTypes {
		if string(dt) == name {
			return dt, nil
		}
	}
	return "", fmt.Errorf("%w: unknown data type %q", ErrValidation, name)
}

// ClientType identifies a consumer of composed archives
type ClientType string

const (
	ClientUI        ClientType = "ui"
	ClientConductor ClientType = "conductor"
)

// ClientTypes maps each client type to the data types its archive carries
type ClientTypes map[ClientType][]DataType

// DefaultClientTypes returns the stock client type mapping
func DefaultClientTypes() ClientTypes {
	return ClientTypes{
		ClientUI:        {DataTypeUI},
		ClientConductor: {DataTypeWorkflow, DataTypeHeat, DataTypeAgent, DataTypeScripts},
	}
}

// Lookup returns the data types for a client type
func (c ClientTypes) Lookup(client ClientType) ([]DataType, error) {
	types, ok := c[client]
	if !ok {
		return nil, fmt.Errorf("%w: unknown client type %q", ErrValidation, client)
	}
	return types, nil
}

// Consumers returns the client types whose archives carry the given data type.
// Manifest changes affect every client.
func (c ClientTypes) Consumers(dt DataType) []ClientType {
	var clients []ClientType
	for client, types := range c {
		if dt == DataTypeManifest {
			clients = append(clients, client)
			continue
		}
		for _, t := range types {
			if t == dt {
				clients = append(clients, client)
				break
			}
		}
	}
	return clients
}

// Layout maps data types to directories relative to some base directory.
// The manifest data type always resolves to the base itself.
type Layout map[DataType]string

// DefaultSourceLayout returns the directory names used inside a manifest store
func DefaultSourceLayout() Layout {
	return Layout{
		DataTypeUI:       "ui",
		DataTypeWorkflow: "workflows",
		DataTypeHeat:     "heat",
		DataTypeAgent:    "agent",
		DataTypeScripts:  "scripts",
	}
}

// DefaultOutputLayout returns the directory names used inside client archives
func DefaultOutputLayout() Layout {
	return Layout{
		DataTypeUI:       "ui",
		DataTypeWorkflow: "workflows",
		DataTypeHeat:     "templates/cf",
		DataTypeAgent:    "templates/agent",
		DataTypeScripts:  "templates/agent/script",
	}
}

// BundleLayout names each directory after its data type. Exported service
// bundles use it and uploaded bundles are expected to follow it.
func BundleLayout() Layout {
	l := Layout{}
	for _, dt := range DataTypes {
		if dt != DataTypeManifest {
			l[dt] = string(dt)
		}
	}
	return l
}

// Dir resolves the directory of a data type under base
func (l Layout) Dir(base string, dt DataType) string {
	if dt == DataTypeManifest {
		return base
	}
	dir, ok := l[dt]
	if !ok || dir == "" {
		dir = string(dt)
	}
	return filepath.Join(base, filepath.FromSlash(dir))
}

// With returns a copy of the layout with the given overrides applied
func (l Layout) With(overrides map[DataType]string) Layout {
	out := make(Layout, len(l))
	for k, v := range l {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
