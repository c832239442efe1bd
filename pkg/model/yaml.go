package model

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type yamlModel struct {
	Name  string     `yaml:"name"`
	UUID  string     `yaml:"uuid"`
	Owner string     `yaml:"owner"`
	Nodes []yamlNode `yaml:"nodes"`
}

type yamlNode struct {
	ID           string      `yaml:"id"`
	Type         string      `yaml:"type"`
	Label        string      `yaml:"label"`
	Predecessors []string    `yaml:"predecessors"`
	Message      string      `yaml:"message"`
	Results      []ResultDef `yaml:"results"`
}

// LoadYAML reads a model definition and returns a builder for it.
//
//	name: loan
//	nodes:
//	  - id: start
//	    type: start
//	  - id: review
//	    type: activity
//	    predecessors: [start]
func LoadYAML(r io.Reader) (*Builder, error) {
	var def yamlModel
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to decode process model: %w", err)
	}
	if def.Name == "" {
		return nil, &ValidationError{Msg: "model without name"}
	}
	b := NewBuilder(def.Name).Owner(def.Owner)
	if def.UUID != "" {
		u, err := uuid.Parse(def.UUID)
		if err != nil {
			return nil, &ValidationError{Model: def.Name, Msg: fmt.Sprintf("invalid uuid %q", def.UUID)}
		}
		b.UUID(u)
	}
	for _, n := range def.Nodes {
		b.Add(NodeSpec{
			ID:           n.ID,
			Type:         NodeType(strings.ToUpper(n.Type)),
			Label:        n.Label,
			Predecessors: n.Predecessors,
			Message:      n.Message,
			Results:      n.Results,
		})
	}
	return b, nil
}
