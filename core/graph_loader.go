package core

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/model"
)

// graphDocument is the on-disk shape of a topology file. It is kept
// unexported so the file format can evolve independently of model.Graph.
type graphDocument struct {
	Nodes []nodeDocument `yaml:"nodes"`
	Links []linkDocument `yaml:"links"`
}

type nodeDocument struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Role string `yaml:"role"`
}

type linkDocument struct {
	ID     string `yaml:"id"`
	Source string `yaml:"source"`
	Target string `yaml:"target"`
	// Bandwidth accepts "bandwidth" or the ns-3 style "datarate".
	Bandwidth string `yaml:"bandwidth"`
	DataRate  string `yaml:"datarate"`
	// Latency accepts "latency" or the ns-3 style "delay".
	Latency string `yaml:"latency"`
	Delay   string `yaml:"delay"`
}

// LoadGraph decodes a YAML or JSON topology document. It fails only on
// syntax and shape errors; semantic validation is Compile's job.
func LoadGraph(r io.Reader) (*model.Graph, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("LoadGraph: read failed: %w", err)
	}

	var doc graphDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("LoadGraph: empty topology document")
		}
		return nil, fmt.Errorf("LoadGraph: decode failed: %w", err)
	}

	g := &model.Graph{
		Nodes: make([]model.Node, 0, len(doc.Nodes)),
		Links: make([]model.Link, 0, len(doc.Links)),
	}
	for _, n := range doc.Nodes {
		g.Nodes = append(g.Nodes, model.Node{
			ID:   strings.TrimSpace(n.ID),
			Name: n.Name,
			Role: n.Role,
		})
	}
	for _, l := range doc.Links {
		g.Links = append(g.Links, model.Link{
			ID:        strings.TrimSpace(l.ID),
			Source:    strings.TrimSpace(l.Source),
			Target:    strings.TrimSpace(l.Target),
			Bandwidth: firstNonEmpty(l.Bandwidth, l.DataRate),
			Latency:   firstNonEmpty(l.Latency, l.Delay),
		})
	}
	return g, nil
}

// LoadGraphFile reads a topology document from path.
func LoadGraphFile(path string) (*model.Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open topology %q: %w", path, err)
	}
	defer f.Close()
	return LoadGraph(f)
}

// DefaultExperimentName derives an experiment name from a topology path:
// the name of the directory holding the file, falling back to the file stem.
func DefaultExperimentName(topologyPath string) string {
	abs, err := filepath.Abs(topologyPath)
	if err != nil {
		abs = topologyPath
	}
	dir := filepath.Base(filepath.Dir(abs))
	if dir != "." && dir != string(filepath.Separator) && model.ValidateExperimentName(dir) == nil {
		return dir
	}
	base := filepath.Base(abs)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
