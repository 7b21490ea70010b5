package descriptor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const stackYaml = `
kind: Stack
metadata:
  name: test-stack
spec:
  models:
    - name: counter_A
      uid: 42
      model:
        name: Counter
    - name: counter_B
      model:
        name: Counter
---
kind: Model
metadata:
  name: Counter
  annotations:
    path: lib/counter
spec:
  runtime:
    dynlib:
      - os: linux
        arch: amd64
        path: counter__linux_amd64.so
      - os: darwin
        arch: arm64
        path: counter__darwin_arm64.so
`

const gatewayYaml = `
kind: Model
metadata:
  name: Gateway
spec:
  runtime:
    gateway: {}
  channels:
    - name: data
      signals:
        - counter
`

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMultiDocument(t *testing.T) {
	docs, err := Load(writeFixture(t, "stack.yaml", stackYaml))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, KindStack, docs[0].Kind)
	require.Equal(t, KindModel, docs[1].Kind)
	require.Equal(t, "Counter", docs[1].Metadata.Name)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestFindStackModel(t *testing.T) {
	list, err := LoadAll([]string{writeFixture(t, "stack.yaml", stackYaml)})
	require.NoError(t, err)

	sm, err := list.FindStackModel("counter_A")
	require.NoError(t, err)
	require.EqualValues(t, 42, sm.UID)
	require.Equal(t, "Counter", sm.Model.Name)

	sm, err = list.FindStackModel("counter_B")
	require.NoError(t, err)
	require.Zero(t, sm.UID)

	_, err = list.FindStackModel("missing")
	require.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestFindModelDoc(t *testing.T) {
	list, err := LoadAll([]string{writeFixture(t, "stack.yaml", stackYaml)})
	require.NoError(t, err)

	doc, err := list.FindModelDoc("Counter")
	require.NoError(t, err)
	require.Equal(t, "lib/counter", doc.Metadata.Annotations[AnnotationPath])

	_, err = list.FindModelDoc("Unknown")
	require.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestDynlibSelection(t *testing.T) {
	list, err := LoadAll([]string{writeFixture(t, "stack.yaml", stackYaml)})
	require.NoError(t, err)
	doc, err := list.FindModelDoc("Counter")
	require.NoError(t, err)
	spec, err := doc.ModelSpec()
	require.NoError(t, err)

	d, ok := spec.Dynlib("linux", "amd64")
	require.True(t, ok)
	require.Equal(t, "counter__linux_amd64.so", d.Path)

	_, ok = spec.Dynlib("windows", "amd64")
	require.False(t, ok)
	require.False(t, spec.Runtime.HasGateway())
}

func TestGatewayDetection(t *testing.T) {
	list, err := LoadAll([]string{writeFixture(t, "gateway.yaml", gatewayYaml)})
	require.NoError(t, err)
	doc, err := list.FindModelDoc("Gateway")
	require.NoError(t, err)
	spec, err := doc.ModelSpec()
	require.NoError(t, err)

	require.True(t, spec.Runtime.HasGateway())
	require.Empty(t, spec.Runtime.Dynlib)
	require.Len(t, spec.Channels, 1)
	require.Equal(t, "data", spec.Channels[0].Name)
	require.Equal(t, []string{"counter"}, spec.Channels[0].Signals)
}

func TestMergeAppends(t *testing.T) {
	list, err := LoadAll([]string{writeFixture(t, "stack.yaml", stackYaml)})
	require.NoError(t, err)
	before := len(list.Documents())

	aux, err := Load(writeFixture(t, "gateway.yaml", gatewayYaml))
	require.NoError(t, err)
	list.Merge(aux)
	require.Len(t, list.Documents(), before+1)

	_, err = list.FindModelDoc("Gateway")
	require.NoError(t, err)
}

func TestWrongKindSpecDecode(t *testing.T) {
	list, err := LoadAll([]string{writeFixture(t, "stack.yaml", stackYaml)})
	require.NoError(t, err)
	doc, err := list.FindModelDoc("Counter")
	require.NoError(t, err)

	_, err = doc.StackSpec()
	require.Error(t, err)
}
