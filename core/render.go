package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/natefinch/atomic"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/model"
)

// Artifact file names inside an experiment work directory.
const (
	SimulationFile = "simulation.json"
	ScenarioFile   = "scenario.cc"
	RoutersFile    = "routers.json"
	RouterConfDir  = "routers"
)

var ns3Template = template.Must(template.New("scenario").Parse(`// Generated for experiment {{.Experiment}}. Do not edit.
#include "ns3/core-module.h"
#include "ns3/csma-module.h"
#include "ns3/network-module.h"
#include "ns3/tap-bridge-module.h"

using namespace ns3;

NS_LOG_COMPONENT_DEFINE("{{.Component}}");

int main(int argc, char* argv[])
{
    CommandLine cmd(__FILE__);
    cmd.Parse(argc, argv);

    GlobalValue::Bind("SimulatorImplementationType", StringValue("ns3::RealtimeSimulatorImpl"));
    GlobalValue::Bind("ChecksumEnabled", BooleanValue(true));

    NodeContainer n;
    n.Create({{len .Sim.Nodes}});
{{range .Sim.Links}}
    // {{.ID}}: {{.A}} <-> {{.B}} {{.Subnet}}
    CsmaHelper csma{{.Index}};
    csma{{.Index}}.SetChannelAttribute("DataRate", DataRateValue(DataRate({{.BandwidthBps}})));
    csma{{.Index}}.SetChannelAttribute("Delay", TimeValue(NanoSeconds({{.Latency.Nanoseconds}})));
    NetDeviceContainer d{{.Index}} = csma{{.Index}}.Install(NodeContainer(n.Get({{index $.NodeIndex .A}}), n.Get({{index $.NodeIndex .B}})));
{{end}}
    TapBridgeHelper tb;
    tb.SetAttribute("Mode", StringValue("UseBridge"));
{{range .Sim.Nodes}}{{$node := .}}
    // {{.ID}}
{{- range .Incidences}}
    tb.SetAttribute("DeviceName", StringValue("{{.TapName}}"));
    tb.Install(n.Get({{$node.Index}}), d{{.LinkIndex}}.Get({{if eq .Side "a"}}0{{else}}1{{end}}));
{{- end}}
{{end}}
    Simulator::Stop(NanoSeconds({{.Sim.StopTime.Nanoseconds}}));
    Simulator::Run();
    Simulator::Destroy();
    return 0;
}
`))

// RenderNs3Scenario renders the ns-3 program that realises sim: one CSMA
// channel per link and one UseBridge TapBridge per incidence.
func RenderNs3Scenario(experiment string, sim *model.SimulationDescription) ([]byte, error) {
	if sim == nil {
		return nil, fmt.Errorf("RenderNs3Scenario: nil description")
	}
	nodeIndex := make(map[string]int, len(sim.Nodes))
	for _, n := range sim.Nodes {
		nodeIndex[n.ID] = n.Index
		for _, inc := range n.Incidences {
			if inc.TapName == "" {
				return nil, fmt.Errorf("RenderNs3Scenario: node %q incidence %d has no tap device", n.ID, inc.Index)
			}
		}
	}
	var buf bytes.Buffer
	err := ns3Template.Execute(&buf, struct {
		Experiment string
		Component  string
		Sim        *model.SimulationDescription
		NodeIndex  map[string]int
	}{
		Experiment: experiment,
		Component:  "NetemuTopology",
		Sim:        sim,
		NodeIndex:  nodeIndex,
	})
	if err != nil {
		return nil, fmt.Errorf("RenderNs3Scenario: %w", err)
	}
	return buf.Bytes(), nil
}

type zenohEndpoints struct {
	Endpoints []string `json:"endpoints"`
}

type zenohScouting struct {
	Multicast struct {
		Enabled bool `json:"enabled"`
	} `json:"multicast"`
}

type zenohConfig struct {
	ID       string         `json:"id"`
	Mode     string         `json:"mode"`
	Listen   zenohEndpoints `json:"listen"`
	Connect  zenohEndpoints `json:"connect"`
	Scouting zenohScouting  `json:"scouting"`
}

// RenderRouterConfig renders the zenohd configuration for one node. The
// output is JSON, which zenohd reads as JSON5.
func RenderRouterConfig(node model.RouterNode) ([]byte, error) {
	mode := node.Role
	if mode != "router" && mode != "peer" && mode != "client" {
		mode = "router"
	}
	cfg := zenohConfig{
		ID:      node.ZID,
		Mode:    mode,
		Listen:  zenohEndpoints{Endpoints: make([]string, 0, len(node.Endpoints))},
		Connect: zenohEndpoints{Endpoints: append([]string{}, node.Connect...)},
	}
	for _, ep := range node.Endpoints {
		cfg.Listen.Endpoints = append(cfg.Listen.Endpoints, ep.Locator)
	}
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("RenderRouterConfig %q: %w", node.ID, err)
	}
	return append(out, '\n'), nil
}

// Artifacts lists the files WriteArtifacts produced.
type Artifacts struct {
	Dir           string
	Simulation    string
	Scenario      string
	Routers       string
	RouterConfigs map[string]string
}

// WriteArtifacts materialises every collaborator-facing artifact under dir.
// Files are replaced atomically so a concurrent reader never sees a torn
// description.
func WriteArtifacts(dir, experiment string, sim *model.SimulationDescription, router *model.RouterDescription) (*Artifacts, error) {
	if err := os.MkdirAll(filepath.Join(dir, RouterConfDir), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	a := &Artifacts{
		Dir:           dir,
		Simulation:    filepath.Join(dir, SimulationFile),
		Scenario:      filepath.Join(dir, ScenarioFile),
		Routers:       filepath.Join(dir, RoutersFile),
		RouterConfigs: make(map[string]string, len(router.Nodes)),
	}

	simJSON, err := MarshalDescription(sim)
	if err != nil {
		return nil, err
	}
	if err := writeFile(a.Simulation, simJSON); err != nil {
		return nil, err
	}
	routerJSON, err := MarshalDescription(router)
	if err != nil {
		return nil, err
	}
	if err := writeFile(a.Routers, routerJSON); err != nil {
		return nil, err
	}
	scenario, err := RenderNs3Scenario(experiment, sim)
	if err != nil {
		return nil, err
	}
	if err := writeFile(a.Scenario, scenario); err != nil {
		return nil, err
	}
	for _, n := range router.Nodes {
		if err := model.ValidateIdentifier(n.ID); err != nil {
			return nil, fmt.Errorf("router config for node #%d: %w", n.Index, err)
		}
		conf, err := RenderRouterConfig(n)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(dir, RouterConfDir, n.ID+".json5")
		if err := writeFile(path, conf); err != nil {
			return nil, err
		}
		a.RouterConfigs[n.ID] = path
	}
	return a, nil
}

// MarshalDescription encodes a description deterministically.
func MarshalDescription(v any) ([]byte, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal description: %w", err)
	}
	return append(out, '\n'), nil
}

func writeFile(path string, data []byte) error {
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
