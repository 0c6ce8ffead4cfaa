package hostsim

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/me/farmsync/pkg/model"
)

// Scenario is the on-disk description of a simulated host.
type Scenario struct {
	Nodes []NodeSpec `yaml:"nodes"`
}

// DefaultNodes is the built-in scenario: a regular chain, a late node, a
// single-invocation node and a server node.
func DefaultNodes() []NodeSpec {
	return []NodeSpec{
		{Name: "geometry", Items: 8},
		{Name: "render", Category: model.CategoryBatch, Items: 8, DependsOn: "geometry",
			EnvNames: []string{"RENDER_ENGINE"}, EnvValues: []string{"karma"}},
		{Name: "composite", Items: 8, DependsOn: "render", Late: true},
		{Name: "simulation", Kind: model.KindSingleInvocation, Items: 2},
		{Name: "licenser", Command: "hserver --server-mode", Items: 1},
	}
}

// LoadScenario reads a YAML scenario file.
func LoadScenario(path string) ([]NodeSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if len(sc.Nodes) == 0 {
		return nil, fmt.Errorf("scenario %s: no nodes", path)
	}
	return sc.Nodes, nil
}
