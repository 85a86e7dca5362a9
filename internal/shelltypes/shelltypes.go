// Package shelltypes holds the frozen keyName → command-vector table built
// once from configuration at server start, per spec.md §6's "configured
// shell types" and §4.5's list_shell_types operation.
package shelltypes

import (
	"fmt"

	"github.com/containerd/plugin"
	"github.com/containerd/plugin/registry"

	"github.com/toddlipcon/hue/internal/config"
	"github.com/toddlipcon/hue/internal/protocol"
)

// Plugin is the plugin.Type shelltypes registers itself under, mirroring
// the registration style the rest of the containerd plugin ecosystem uses
// for discoverable subsystems. Nothing in this process currently walks the
// registry graph to construct a Table this way — New is called directly by
// cmd/shellgated with the loaded Config — but the registration still runs
// at init time and documents shelltypes as a first-class plugin-shaped
// component rather than an ad-hoc package.
const Plugin plugin.Type = "io.hue.shelltypes.v1"

func init() {
	registry.Register(&plugin.Registration{
		Type: Plugin,
		ID:   "shelltypes",
		InitFn: func(ic *plugin.InitContext) (interface{}, error) {
			return nil, fmt.Errorf("shelltypes: not constructed via the plugin graph, use shelltypes.New")
		},
	})
}

// Table is the immutable, server-lifetime shell-type catalog.
type Table struct {
	byKey    map[string][]string
	listResp protocol.ShellTypesResponse
}

// New builds a Table from a validated Config. Config.validate has already
// rejected duplicate keyNames and unresolvable commands, so this cannot
// fail.
func New(types []config.ShellType) *Table {
	t := &Table{byKey: make(map[string][]string, len(types))}
	for _, st := range types {
		t.byKey[st.KeyName] = st.Command
		t.listResp.ShellTypes = append(t.listResp.ShellTypes, protocol.ShellTypeInfo{
			NiceName: st.NiceName,
			KeyName:  st.KeyName,
		})
	}
	t.listResp.Success = true
	return t
}

// Command returns the command vector for keyName, or false if keyName is
// not configured.
func (t *Table) Command(keyName string) ([]string, bool) {
	cmd, ok := t.byKey[keyName]
	return cmd, ok
}

// List returns the cached get_shell_types response body.
func (t *Table) List() protocol.ShellTypesResponse {
	return t.listResp
}
