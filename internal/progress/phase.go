package progress

import "math"

type Phase int

const (
	PhaseDataPreparation Phase = iota
	PhaseOptimization
	PhaseValidation
	PhaseSave
)

// TotalSteps is the number of phases every job goes through.
const TotalSteps = 4

var phases = [TotalSteps]struct {
	name   string
	weight float64
}{
	{name: "data_preparation", weight: 25},
	{name: "optimization", weight: 50},
	{name: "validation", weight: 20},
	{name: "save", weight: 5},
}

func (p Phase) valid() bool {
	return p >= PhaseDataPreparation && p <= PhaseSave
}

func (p Phase) String() string {
	if !p.valid() {
		return "unknown"
	}
	return phases[p].name
}

func (p Phase) Weight() float64 {
	if !p.valid() {
		return 0
	}
	return phases[p].weight
}

// Index is the one-based step index of the phase.
func (p Phase) Index() int {
	return int(p) + 1
}

// Overall returns the job percentage for phase being percentage done: the
// weights of the previous phases plus the weighted share of the current one.
func Overall(phase Phase, percentage float64) float64 {
	if !phase.valid() {
		return 0
	}
	total := 0.0
	for i := PhaseDataPreparation; i < phase; i++ {
		total += i.Weight()
	}
	return total + phase.Weight()*clampPercentage(percentage)/100
}

func clampPercentage(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(100, math.Max(0, v))
}
