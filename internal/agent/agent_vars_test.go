package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/krakendeploy-com/kraken-agent/internal/protocol"
)

func textVar(value string) protocol.VariableValue {
	return protocol.VariableValue{Value: value, Type: protocol.VariableTypeText}
}

func TestResolveVariablesSimple(t *testing.T) {
	vars := map[string]protocol.VariableValue{
		"Step.ConnStr": textVar("server=db;port=5432"),
	}
	got := ResolveVariables("echo $Kraken.Step.ConnStr", vars)
	assert.Equal(t, "echo server=db;port=5432", got)
}

func TestResolveVariablesScopePrecedence(t *testing.T) {
	vars := map[string]protocol.VariableValue{
		"Environment.Region": textVar("env-region"),
		"Project.Region":     textVar("project-region"),
		"Step.Region":        textVar("step-region"),
	}
	got := ResolveVariables("deploy to $Kraken.Step.Region", vars)
	assert.Equal(t, "deploy to step-region", got)

	delete(vars, "Step.Region")
	got = ResolveVariables("deploy to $Kraken.Step.Region", vars)
	assert.Equal(t, "deploy to project-region", got, "Project outranks Environment for the same bare key")
}

func TestResolveVariablesUnknownKeyUnchanged(t *testing.T) {
	got := ResolveVariables("echo $Kraken.Step.Missing", map[string]protocol.VariableValue{
		"Step.Other": textVar("x"),
	})
	assert.Equal(t, "echo $Kraken.Step.Missing", got)
}

func TestResolveVariablesDottedArtifactKey(t *testing.T) {
	vars := map[string]protocol.VariableValue{
		"Kraken.Step.myapp.BasePath": textVar("/opt/kraken/Artifacts/a/myapp/1.2.3"),
	}
	got := ResolveVariables("cp $Kraken.Step.myapp.BasePath/app.tar.gz .", vars)
	assert.Equal(t, "cp /opt/kraken/Artifacts/a/myapp/1.2.3/app.tar.gz .", got)
}

func TestResolveVariablesTrimsTrailingSegments(t *testing.T) {
	vars := map[string]protocol.VariableValue{
		"Step.Port": textVar("8080"),
	}
	got := ResolveVariables("curl host:$Kraken.Step.Port.health", vars)
	assert.Equal(t, "curl host:8080.health", got)
}

func TestResolveVariablesValuesNotRescanned(t *testing.T) {
	vars := map[string]protocol.VariableValue{
		"Step.A": textVar("$Kraken.Step.B"),
		"Step.B": textVar("bombs away"),
	}
	got := ResolveVariables("echo $Kraken.Step.A", vars)
	assert.Equal(t, "echo $Kraken.Step.B", got, "substituted values must not be re-scanned")
}

func TestResolveVariablesIdempotent(t *testing.T) {
	vars := map[string]protocol.VariableValue{
		"Step.Name":    textVar("kraken"),
		"Project.Port": textVar("9000"),
	}
	script := "run $Kraken.Step.Name on $Kraken.Project.Port and keep $Kraken.Step.Unknown"
	once := ResolveVariables(script, vars)
	twice := ResolveVariables(once, vars)
	assert.Equal(t, once, twice)
}

func TestResolveVariablesMultipleOccurrences(t *testing.T) {
	vars := map[string]protocol.VariableValue{
		"Step.V": textVar("x"),
	}
	got := ResolveVariables("$Kraken.Step.V $Kraken.Step.V $Kraken.Step.V", vars)
	assert.Equal(t, "x x x", got)
}

func TestResolveVariablesEmptyMap(t *testing.T) {
	script := "echo $Kraken.Step.Anything"
	assert.Equal(t, script, ResolveVariables(script, nil))
}
