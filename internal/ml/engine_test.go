package ml

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vkngwrapper/graphpipelines/internal/gpu"
)

func prop(engine gpu.DataGraphEngineType, op gpu.DataGraphOperationType) gpu.DataGraphProperties {
	return gpu.DataGraphProperties{
		Engine:    gpu.DataGraphEngine{Type: engine},
		Operation: gpu.DataGraphOperation{Type: op},
	}
}

func TestSelectEngine(t *testing.T) {
	neuralOnNeural := prop(gpu.EngineTypeNeural, gpu.OperationTypeNeuralModel)
	neuralOnCompute := prop(gpu.EngineTypeCompute, gpu.OperationTypeNeuralModel)
	builtinOnCompute := prop(gpu.EngineTypeCompute, gpu.OperationTypeBuiltinModel)
	spirvOnDefault := prop(gpu.EngineTypeDefault, gpu.OperationTypeSPIRVExtendedInstructionSet)

	testCases := []struct {
		name      string
		props     []gpu.DataGraphProperties
		preferred Operation
		expected  gpu.DataGraphProperties
		ok        bool
	}{
		{"neural engine preferred", []gpu.DataGraphProperties{neuralOnCompute, neuralOnNeural}, OperationNeural, neuralOnNeural, true},
		{"compute engine fallback", []gpu.DataGraphProperties{builtinOnCompute, neuralOnCompute}, OperationNeural, neuralOnCompute, true},
		{"alternate operation", []gpu.DataGraphProperties{spirvOnDefault, builtinOnCompute}, OperationNeural, builtinOnCompute, true},
		{"builtin preferred", []gpu.DataGraphProperties{neuralOnNeural, builtinOnCompute}, OperationBuiltin, builtinOnCompute, true},
		{"only non-qcom engines", []gpu.DataGraphProperties{spirvOnDefault}, OperationNeural, gpu.DataGraphProperties{}, false},
		{"empty", nil, OperationBuiltin, gpu.DataGraphProperties{}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			selected, ok := SelectEngine(tc.props, tc.preferred)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.expected, selected)
		})
	}
}

func TestParseOperation(t *testing.T) {
	op, err := ParseOperation("builtin")
	assert.NoError(t, err)
	assert.Equal(t, OperationBuiltin, op)

	op, err = ParseOperation("")
	assert.NoError(t, err)
	assert.Equal(t, OperationNeural, op)

	_, err = ParseOperation("spirv")
	assert.Error(t, err)
}
