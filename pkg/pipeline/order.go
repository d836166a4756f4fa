package pipeline

import (
	"fmt"
	"strings"
)

// Order returns the execution order: declared order, except that a stage
// never runs before the stages it needs. Among ready stages the earliest
// declared one goes first, so a manifest without needs runs as written.
func (p *Pipeline) Order() ([]*Stage, error) {
	index := make(map[string]int, len(p.Stages))
	for i, s := range p.Stages {
		index[s.Name] = i
	}

	pending := make([]int, len(p.Stages))
	dependents := make([][]int, len(p.Stages))
	for i, s := range p.Stages {
		for _, need := range s.Needs {
			j, ok := index[need]
			if !ok {
				return nil, fmt.Errorf("stage %s needs unknown stage %s", s.Name, need)
			}
			pending[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	done := make([]bool, len(p.Stages))
	order := make([]*Stage, 0, len(p.Stages))
	for len(order) < len(p.Stages) {
		next := -1
		for i := range p.Stages {
			if !done[i] && pending[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var cycle []string
			for i, s := range p.Stages {
				if !done[i] {
					cycle = append(cycle, s.Name)
				}
			}
			return nil, fmt.Errorf("dependency cycle between stages: %s", strings.Join(cycle, ", "))
		}
		done[next] = true
		order = append(order, p.Stages[next])
		for _, d := range dependents[next] {
			pending[d]--
		}
	}
	return order, nil
}
