package client

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"labtasker/internal/doc"
)

func sampleArgs() doc.Doc {
	return doc.Doc{
		"model": map[string]any{"name": "resnet", "layers": 50.0},
		"lr":    0.1,
		"debug": true,
		"tag":   nil,
	}
}

func TestParamSpecsTemplate(t *testing.T) {
	specs := ParamSpecs{
		"model.name": {},
		"rate":       {Alias: "lr"},
	}
	require.Equal(t, doc.Doc{
		"lr":    nil,
		"model": map[string]any{"name": nil},
	}, specs.template())

	require.Nil(t, ParamSpecs{}.template())
}

func TestParamSpecsResolve(t *testing.T) {
	specs := ParamSpecs{
		"model.name": {},
		"rate":       {Alias: "lr"},
		"layers": {
			Alias: "model.layers",
			Resolver: func(v any) (any, error) {
				return int(v.(float64)), nil
			},
		},
	}
	params, err := specs.resolve(sampleArgs())
	require.NoError(t, err)
	require.Equal(t, "resnet", params["model.name"])
	require.Equal(t, 0.1, params["rate"])
	require.Equal(t, 50, params["layers"])
}

func TestParamSpecsResolveErrors(t *testing.T) {
	_, err := ParamSpecs{"missing.field": {}}.resolve(sampleArgs())
	require.ErrorContains(t, err, "missing.field")

	specs := ParamSpecs{
		"rate": {
			Alias: "lr",
			Resolver: func(any) (any, error) {
				return nil, fmt.Errorf("out of range")
			},
		},
	}
	_, err = specs.resolve(sampleArgs())
	require.ErrorContains(t, err, `resolve parameter "rate"`)
}

func TestInterpolateCmd(t *testing.T) {
	cmd, paths, err := InterpolateCmd(
		"python train.py --model {{ model.name }} --lr {{lr}} --debug {{ debug }}",
		sampleArgs())
	require.NoError(t, err)
	require.Equal(t, "python train.py --model resnet --lr 0.1 --debug true", cmd)
	require.Equal(t, []string{"model.name", "lr", "debug"}, paths)
}

func TestInterpolateCmdNoPlaceholders(t *testing.T) {
	cmd, paths, err := InterpolateCmd("echo done", sampleArgs())
	require.NoError(t, err)
	require.Equal(t, "echo done", cmd)
	require.Empty(t, paths)
}

func TestInterpolateCmdContainers(t *testing.T) {
	args := sampleArgs()
	args["seeds"] = []any{1.0, 2.0, 3.0}

	// Container values are substituted as JSON.
	cmd, _, err := InterpolateCmd("run --seeds {{ seeds }}", args)
	require.NoError(t, err)
	require.Equal(t, "run --seeds [1,2,3]", cmd)

	cmd, _, err = InterpolateCmd("run --model {{ model }}", args)
	require.NoError(t, err)
	require.Equal(t, `run --model {"layers":50,"name":"resnet"}`, cmd)
}

func TestInterpolateCmdErrors(t *testing.T) {
	_, _, err := InterpolateCmd("run {{ nope }}", sampleArgs())
	require.ErrorContains(t, err, `missing field "nope"`)

	_, _, err = InterpolateCmd("run {{ tag }}", sampleArgs())
	require.ErrorContains(t, err, "null")
}

func TestInterpolateCmdTokens(t *testing.T) {
	out, paths, err := InterpolateCmdTokens(
		[]string{"python", "train.py", "--model", "{{ model.name }}"},
		sampleArgs())
	require.NoError(t, err)
	require.Equal(t, []string{"python", "train.py", "--model", "resnet"}, out)
	require.Equal(t, []string{"model.name"}, paths)
}

func TestCmdString(t *testing.T) {
	s, ok := cmdString("echo hi")
	require.True(t, ok)
	require.Equal(t, "echo hi", s)

	s, ok = cmdString([]any{"echo", "hi"})
	require.True(t, ok)
	require.Equal(t, "echo hi", s)

	_, ok = cmdString([]any{"echo", 1})
	require.False(t, ok)

	_, ok = cmdString(42)
	require.False(t, ok)
}
