package yamlfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pms/pkg/schema"
)

const pipelineYAML = `
pipeline:
  identifier: build_and_deploy
  name: Build and deploy
  stages:
    - stage:
        identifier: build
        type: Custom
        spec:
          execution:
            steps:
              - step:
                  identifier: compile
                  type: Echo
                  spec:
                    output:
                      artifact: app.tar
    - parallel:
        - stage:
            identifier: qa
            type: Custom
`

func TestParse_InjectsUUIDs(t *testing.T) {
	root, err := Parse([]byte(pipelineYAML))
	require.NoError(t, err)

	p, ok := root.Child("pipeline")
	require.True(t, ok)
	assert.Equal(t, "pipeline", p.Path)
	assert.NotEmpty(t, p.UUID())
	assert.Equal(t, p.UUID(), p.UUID(), "uuid must be stable")
	assert.Equal(t, "build_and_deploy", p.Identifier())
	assert.Equal(t, "Build and deploy", p.DisplayName())

	seen := map[string]string{}
	root.Walk(func(f *Field) bool {
		if f.IsMapping() && f.Path != "" {
			prev, dup := seen[f.UUID()]
			assert.False(t, dup, "uuid of %s already used by %s", f.Path, prev)
			seen[f.UUID()] = f.Path
		}
		return true
	})
	assert.NotEmpty(t, seen)
}

func TestElements(t *testing.T) {
	root, err := Parse([]byte(pipelineYAML))
	require.NoError(t, err)
	p, _ := root.Child("pipeline")
	stages, ok := p.Child("stages")
	require.True(t, ok)
	require.True(t, stages.IsSequence())

	els := stages.Elements()
	require.Len(t, els, 2)
	assert.Equal(t, "stage", els[0].Name)
	assert.Equal(t, "pipeline.stages[0].stage", els[0].Path)
	assert.Equal(t, "Custom", els[0].Type())
	assert.Equal(t, "parallel", els[1].Name)
	assert.True(t, els[1].IsSequence())

	// sequences derive a stable uuid from their parent
	assert.Equal(t, els[1].UUID(), stages.Elements()[1].UUID())
	assert.NotEqual(t, els[1].UUID(), stages.UUID())
}

func TestToJSON_StripsUUIDs(t *testing.T) {
	root, err := Parse([]byte(pipelineYAML))
	require.NoError(t, err)

	var step *Field
	root.Walk(func(f *Field) bool {
		if f.Name == "step" {
			step = f
			return false
		}
		return true
	})
	require.NotNil(t, step)

	spec, ok := step.Child("spec")
	require.True(t, ok)
	raw, err := spec.ToJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"output":{"artifact":"app.tar"}}`, string(raw))
}

func TestDecode_Failure(t *testing.T) {
	root, err := Parse([]byte("pipeline:\n  stages: notalist\n"))
	require.NoError(t, err)
	p, _ := root.Child("pipeline")

	var out struct {
		Stages []string `yaml:"stages"`
	}
	err = p.Decode(&out)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeDeserialize))
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte("pipeline: [unclosed"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeDeserialize))

	_, err = Parse([]byte("- a\n- b\n"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeDeserialize))

	_, err = Parse([]byte(""))
	assert.True(t, schema.IsCode(err, schema.ErrCodeDeserialize))
}

func TestFromYAML_KeepsUUID(t *testing.T) {
	root, err := Parse([]byte(pipelineYAML))
	require.NoError(t, err)
	p, _ := root.Child("pipeline")

	ref := p.Ref()
	assert.Equal(t, "pipeline", ref.Name)

	back, err := FromYAML(ref.Name, ref.Path, ref.YAML)
	require.NoError(t, err)
	assert.Equal(t, p.UUID(), back.UUID())
	assert.Equal(t, "build_and_deploy", back.Identifier())
}
