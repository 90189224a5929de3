package bundle

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/orchestrator-launcher/pkg/models"
)

func testInputs() Inputs {
	return Inputs{
		JobRunConfig: models.JobRunConfig{JobID: 42, AttemptID: 1},
		Input: models.NormalizationInput{
			DestinationConfiguration: json.RawMessage(`{"host":"db"}`),
			Catalog:                  json.RawMessage(`{"streams":[]}`),
		},
		DestinationLauncherConfig: models.IntegrationLauncherConfig{
			JobID:       42,
			AttemptID:   1,
			DockerImage: "destination-postgres:0.3.0",
		},
		Environ: []string{
			"WORKER_ENVIRONMENT=DOCKER",
			"LOG_LEVEL=INFO",
			"SECRET_TOKEN=hunter2",
			"WORKSPACE_ROOT=/tmp/workspace=1",
			"malformed",
		},
		AllowList: DefaultAllowList,
	}
}

func TestAssemble(t *testing.T) {
	b, err := Assemble(testInputs())
	require.NoError(t, err)

	assert.Equal(t, []string{
		FileApplication,
		FileDestinationLauncherConfig,
		FileEnvMap,
		FileInput,
		FileJobRunConfig,
	}, b.Names())

	app, ok := b.File(FileApplication)
	require.True(t, ok)
	assert.Equal(t, "normalization", string(app))

	jobRun, _ := b.File(FileJobRunConfig)
	assert.JSONEq(t, `{"jobId":42,"attemptId":1}`, string(jobRun))

	envMap, _ := b.File(FileEnvMap)
	assert.JSONEq(t, `{"WORKER_ENVIRONMENT":"DOCKER","LOG_LEVEL":"INFO","WORKSPACE_ROOT":"/tmp/workspace=1"}`, string(envMap))

	dest, _ := b.File(FileDestinationLauncherConfig)
	assert.Contains(t, string(dest), "destination-postgres:0.3.0")
}

func TestAssembleExcludesUnlistedVariables(t *testing.T) {
	b, err := Assemble(testInputs())
	require.NoError(t, err)

	_, leaked := b.Env()["SECRET_TOKEN"]
	assert.False(t, leaked)
	for _, data := range b.Files() {
		assert.NotContains(t, string(data), "hunter2")
	}
}

func TestAssembleSerializationError(t *testing.T) {
	in := testInputs()
	in.Input.Catalog = json.RawMessage(`{not json`)

	_, err := Assemble(in)
	require.Error(t, err)

	var serr *SerializationError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, FileInput, serr.File)
}

func TestBundleIsImmutable(t *testing.T) {
	b, err := Assemble(testInputs())
	require.NoError(t, err)

	files := b.Files()
	files[FileApplication][0] = 'X'
	delete(files, FileInput)
	b.Env()["LOG_LEVEL"] = "DEBUG"

	app, _ := b.File(FileApplication)
	assert.Equal(t, "normalization", string(app))
	_, ok := b.File(FileInput)
	assert.True(t, ok)
	assert.Equal(t, "INFO", b.Env()["LOG_LEVEL"])
}

func TestDefaultPorts(t *testing.T) {
	ports := DefaultPorts()
	assert.Len(t, ports, 5)
	for from, to := range ports {
		assert.Equal(t, from, to)
	}
	assert.Contains(t, ports, 9000)
	assert.Contains(t, ports, 9880)
}
