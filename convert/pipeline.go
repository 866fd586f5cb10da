package convert

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/emirpasic/gods/v2/sets/treeset"
)

var layerPattern = regexp.MustCompile(`(?:^|\.)layers\.(\d+)(?:\.|$)`)

// LayerIndex returns the transformer layer index of a parameter name, e.g. 3
// for model.layers.3.mlp.down_proj.weight.
func LayerIndex(name string) (int, bool) {
	m := layerPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}

	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// PipelinePartition assigns transformer layers to pipeline stages. Layers are
// divided evenly over the stages in index order; the last stage also takes
// the remainder.
type PipelinePartition struct {
	// cuts holds the last layer index of every stage but the final one.
	cuts   []int
	stages int
	pp     int
}

// NewPipelinePartition partitions the layers named in names over pp*vpp
// stages. Names without a layer index are ignored.
func NewPipelinePartition(names []string, pp, vpp int) (*PipelinePartition, error) {
	if pp < 1 || vpp < 1 {
		return nil, fmt.Errorf("%w: pp size %d and virtual pp size %d must be positive", ErrTopologyMismatch, pp, vpp)
	}

	layers := treeset.New[int]()
	for _, name := range names {
		if n, ok := LayerIndex(name); ok {
			layers.Add(n)
		}
	}

	stages := pp * vpp
	if stages > 1 && layers.Size() < stages {
		return nil, fmt.Errorf("%w: %d layers cannot fill %d pipeline stages", ErrTopologyMismatch, layers.Size(), stages)
	}

	p := PipelinePartition{stages: stages, pp: pp}

	ordered := layers.Values()
	perStage := len(ordered) / stages
	for stage := range stages - 1 {
		p.cuts = append(p.cuts, ordered[(stage+1)*perStage-1])
	}

	return &p, nil
}

// Cuts returns the last layer index of every stage except the final one.
func (p *PipelinePartition) Cuts() []int {
	return append([]int(nil), p.cuts...)
}

// Stage returns the stage holding layer. The first cut at or above layer
// wins; layers beyond every cut belong to the final stage.
func (p *PipelinePartition) Stage(layer int) int {
	for stage, cut := range p.cuts {
		if layer <= cut {
			return stage
		}
	}
	return len(p.cuts)
}

// Rank returns the pipeline parallel rank holding layer. Virtual stages are
// assigned to ranks round robin.
func (p *PipelinePartition) Rank(layer int) int {
	return p.Stage(layer) % p.pp
}
