// Package queue implements the Input Queue (bounded per-input FIFO) and the
// pull-side Queue that drives every output's tick, selecting aligned video
// frames and audio batches from all registered inputs.
package queue

import "fmt"

// InputID identifies one registered input for the lifetime of a pipeline.
type InputID string

// OutputID identifies one registered output for the lifetime of a pipeline.
type OutputID string

// EndConditionKind discriminates the predicate families an output's
// EndCondition can express over observed per-input EOS.
type EndConditionKind int

const (
	// Never means the output is only ended by explicit unregistration.
	Never EndConditionKind = iota
	// AnyOf fires once any input in the set has reached EOS.
	AnyOf
	// AllOf fires once every input in the set has reached EOS.
	AllOf
	// AnyInput fires once any currently-registered input reaches EOS.
	AnyInput
	// AllInputs fires once every currently-registered input reaches EOS.
	AllInputs
)

// EndCondition is evaluated each tick against observed input EOS.
type EndCondition struct {
	Kind   EndConditionKind
	Inputs map[InputID]struct{}
}

func (e EndCondition) String() string {
	switch e.Kind {
	case Never:
		return "never"
	case AnyOf:
		return fmt.Sprintf("any_of(%d inputs)", len(e.Inputs))
	case AllOf:
		return fmt.Sprintf("all_of(%d inputs)", len(e.Inputs))
	case AnyInput:
		return "any_input"
	case AllInputs:
		return "all_inputs"
	default:
		return "unknown"
	}
}

// Satisfied evaluates the condition given the current EOS set (eos) and,
// for AnyInput/AllInputs, the full set of currently-registered input ids
// (registered).
func (e EndCondition) Satisfied(eos map[InputID]bool, registered map[InputID]struct{}) bool {
	switch e.Kind {
	case Never:
		return false
	case AnyOf:
		for id := range e.Inputs {
			if eos[id] {
				return true
			}
		}
		return false
	case AllOf:
		if len(e.Inputs) == 0 {
			return false
		}
		for id := range e.Inputs {
			if !eos[id] {
				return false
			}
		}
		return true
	case AnyInput:
		for id := range registered {
			if eos[id] {
				return true
			}
		}
		return false
	case AllInputs:
		if len(registered) == 0 {
			return false
		}
		for id := range registered {
			if !eos[id] {
				return false
			}
		}
		return true
	default:
		return false
	}
}
