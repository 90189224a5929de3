// Package bundle assembles the files and environment handed to a remote
// worker at creation time.
package bundle

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/psantana5/orchestrator-launcher/pkg/models"
)

// File names inside the worker's working directory
const (
	FileApplication               = "application.txt"
	FileJobRunConfig              = "jobRunConfig.json"
	FileInput                     = "input.json"
	FileEnvMap                    = "envMap.json"
	FileDestinationLauncherConfig = "destinationLauncherConfig.json"
)

// ApplicationNormalization is the application tag of normalization workers
const ApplicationNormalization = "normalization"

// Ports exposed by the worker
const (
	HeartbeatPort = 9000
	Port1         = 9877
	Port2         = 9878
	Port3         = 9879
	Port4         = 9880
)

// DefaultAllowList holds the environment variables forwarded to workers.
// Anything else in the launcher's environment stays behind.
var DefaultAllowList = []string{
	"WORKER_ENVIRONMENT",
	"WORKSPACE_ROOT",
	"LOG_LEVEL",
	"JOB_MAIN_CONTAINER_CPU_REQUEST",
	"JOB_MAIN_CONTAINER_CPU_LIMIT",
	"JOB_MAIN_CONTAINER_MEMORY_REQUEST",
	"JOB_MAIN_CONTAINER_MEMORY_LIMIT",
	"S3_LOG_BUCKET",
	"S3_LOG_BUCKET_REGION",
	"S3_MINIO_ENDPOINT",
	"GCS_LOG_BUCKET",
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"GOOGLE_APPLICATION_CREDENTIALS",
}

// SerializationError reports a payload that could not be encoded
type SerializationError struct {
	File string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("failed to serialize %s: %v", e.File, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// Inputs are the values a bundle is built from
type Inputs struct {
	Application               string
	JobRunConfig              models.JobRunConfig
	Input                     models.NormalizationInput
	DestinationLauncherConfig models.IntegrationLauncherConfig

	// Environ has the shape of os.Environ()
	Environ   []string
	AllowList []string
}

// Bundle is the immutable set of payloads for one worker
type Bundle struct {
	files map[string][]byte
	env   map[string]string
}

// Assemble serializes the inputs. It fails only when a payload cannot be
// encoded.
func Assemble(in Inputs) (*Bundle, error) {
	application := in.Application
	if application == "" {
		application = ApplicationNormalization
	}

	env := FilterEnv(in.Environ, in.AllowList)

	files := map[string][]byte{
		FileApplication: []byte(application),
	}
	payloads := []struct {
		file  string
		value interface{}
	}{
		{FileJobRunConfig, in.JobRunConfig},
		{FileInput, in.Input},
		{FileEnvMap, env},
		{FileDestinationLauncherConfig, in.DestinationLauncherConfig},
	}
	for _, p := range payloads {
		data, err := json.Marshal(p.value)
		if err != nil {
			return nil, &SerializationError{File: p.file, Err: err}
		}
		files[p.file] = data
	}

	return &Bundle{files: files, env: env}, nil
}

// FilterEnv keeps the KEY=VALUE entries whose key is allow-listed. Values of
// other variables are never read.
func FilterEnv(environ []string, allowList []string) map[string]string {
	allowed := make(map[string]struct{}, len(allowList))
	for _, k := range allowList {
		allowed[k] = struct{}{}
	}

	env := make(map[string]string)
	for _, kv := range environ {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		key := kv[:i]
		if _, ok := allowed[key]; !ok {
			continue
		}
		env[key] = kv[i+1:]
	}
	return env
}

// Files returns a copy of the payloads keyed by file name
func (b *Bundle) Files() map[string][]byte {
	out := make(map[string][]byte, len(b.files))
	for name, data := range b.files {
		out[name] = append([]byte(nil), data...)
	}
	return out
}

// File returns one payload
func (b *Bundle) File(name string) ([]byte, bool) {
	data, ok := b.files[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Names returns the payload names in sorted order
func (b *Bundle) Names() []string {
	names := make([]string, 0, len(b.files))
	for name := range b.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Env returns a copy of the environment snapshot
func (b *Bundle) Env() map[string]string {
	out := make(map[string]string, len(b.env))
	for k, v := range b.env {
		out[k] = v
	}
	return out
}

// DefaultPorts maps the heartbeat and auxiliary ports to themselves
func DefaultPorts() map[int]int {
	return map[int]int{
		HeartbeatPort: HeartbeatPort,
		Port1:         Port1,
		Port2:         Port2,
		Port3:         Port3,
		Port4:         Port4,
	}
}
