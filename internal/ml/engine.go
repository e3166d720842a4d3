package ml

import (
	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/graphpipelines/internal/gpu"
)

// Operation is the kind of model the application prefers to run.
type Operation int

const (
	OperationNeural Operation = iota
	OperationBuiltin
)

func ParseOperation(s string) (Operation, error) {
	switch s {
	case "", "neural":
		return OperationNeural, nil
	case "builtin":
		return OperationBuiltin, nil
	}
	return 0, errors.Newf("unknown model operation %q", s)
}

func (o Operation) operationType() gpu.DataGraphOperationType {
	if o == OperationBuiltin {
		return gpu.OperationTypeBuiltinModel
	}
	return gpu.OperationTypeNeuralModel
}

func (o Operation) alternate() gpu.DataGraphOperationType {
	if o == OperationBuiltin {
		return gpu.OperationTypeNeuralModel
	}
	return gpu.OperationTypeBuiltinModel
}

// SelectEngine picks the engine/operation pair to build the graph pipeline for. The preferred
// operation is matched on the neural engine first, then the compute engine; if neither engine
// publishes it, the other model operation is accepted on either engine.
func SelectEngine(props []gpu.DataGraphProperties, preferred Operation) (gpu.DataGraphProperties, bool) {
	match := func(engine gpu.DataGraphEngineType, op gpu.DataGraphOperationType) (gpu.DataGraphProperties, bool) {
		for _, p := range props {
			if p.Engine.Type == engine && p.Operation.Type == op {
				return p, true
			}
		}
		return gpu.DataGraphProperties{}, false
	}

	want := preferred.operationType()
	if p, ok := match(gpu.EngineTypeNeural, want); ok {
		return p, true
	}
	if p, ok := match(gpu.EngineTypeCompute, want); ok {
		return p, true
	}

	alt := preferred.alternate()
	for _, p := range props {
		if (p.Engine.Type == gpu.EngineTypeNeural || p.Engine.Type == gpu.EngineTypeCompute) && p.Operation.Type == alt {
			return p, true
		}
	}
	return gpu.DataGraphProperties{}, false
}
