package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ollama/videoedit/attention"
	"github.com/ollama/videoedit/latent"
)

func TestValidate(t *testing.T) {
	cases := map[string]func(*Options){
		"empty prompt":        func(o *Options) { o.Prompt = "" },
		"height":              func(o *Options) { o.Height = 500 },
		"width":               func(o *Options) { o.Width = 7 },
		"zero height":         func(o *Options) { o.Height = 0 },
		"negative width":      func(o *Options) { o.Width = -8 },
		"three thresholds":    func(o *Options) { o.BlendThreshold = []float64{0.3, 0.3, 0.3} },
		"callback steps":      func(o *Options) { o.CallbackSteps = 0 },
		"zero strength":       func(o *Options) { o.Strength = 0 },
		"large strength":      func(o *Options) { o.Strength = 1.5 },
		"steps":               func(o *Options) { o.NumInferenceSteps = 0 },
		"images":              func(o *Options) { o.NumImagesPerPrompt = 0 },
		"stages":              func(o *Options) { o.StageNum = 0 },
		"frames":              func(o *Options) { o.TotalFrameNum = -1 },
		"edit type":           func(o *Options) { o.EditType = EditType(7) },
		"swap without source": func(o *Options) { o.EditType = EditSwap },
		"blend threshold":     func(o *Options) { o.BlendThreshold = []float64{0.3, 1.2} },
		"cross steps":         func(o *Options) { o.CrossReplaceSteps = 2 },
		"self window":         func(o *Options) { o.SelfReplaceStart = 0.7 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.Prompt = "a cat"
			mutate(&opts)
			require.ErrorIs(t, opts.Validate(), ErrInvalidOptions)
		})
	}

	opts := DefaultOptions()
	opts.Prompt = "a cat"
	require.NoError(t, opts.Validate())
}

func TestFromMap(t *testing.T) {
	opts, err := FromMap(map[string]any{
		"prompt":              "a tiger walking",
		"source_prompt":       "a cat walking",
		"edit_type":           "swap",
		"num_inference_steps": "20",
		"guidance_scale":      5,
		"blend_th":            "0.2,0.4",
		"interpolation":       "slerp",
		"dtype":               "bf16",
		"output_type":         "latent",
		"blend_words":         map[string]any{"source": []string{"cat"}, "target": []string{"tiger"}},
		"cross_replace_words": map[string]any{"tiger": 0.4},
		"eq_params":           map[string]any{"words": []string{"tiger"}, "values": []float64{2}},
	})
	require.NoError(t, err)

	assert.Equal(t, EditSwap, opts.EditType)
	assert.Equal(t, 20, opts.NumInferenceSteps)
	assert.InDelta(t, 5, opts.GuidanceScale, 0)
	assert.Equal(t, []float64{0.2, 0.4}, opts.BlendThreshold)
	assert.Equal(t, latent.Spherical, opts.Interpolation)
	assert.Equal(t, latent.BFloat16, opts.DType)
	assert.Equal(t, OutputLatent, opts.OutputType)
	assert.Equal(t, &BlendWords{Source: []string{"cat"}, Target: []string{"tiger"}}, opts.BlendWords)
	assert.Equal(t, map[string]float64{"tiger": 0.4}, opts.CrossReplaceWords)
	require.NotNil(t, opts.Equalizer)
	assert.Equal(t, []string{"tiger"}, opts.Equalizer.Words)

	// untouched fields keep their defaults
	assert.InDelta(t, 0.8, opts.CrossReplaceSteps, 0)
	assert.Equal(t, 40, opts.InterpolationTimestep)
	require.NoError(t, opts.Validate())

	cfg := opts.editConfig(attention.StoreConfig{})
	assert.Equal(t, [2]float64{0.2, 0.4}, cfg.BlendThreshold)
	assert.Equal(t, [2][]string{{"cat"}, {"tiger"}}, cfg.BlendWords)
	assert.Equal(t, attention.Bounds{Start: 0, End: 0.6}, cfg.SelfReplace)
}

func TestBlendThreshold(t *testing.T) {
	cases := []struct {
		in   []float64
		want [2]float64
	}{
		{nil, [2]float64{0.3, 0.3}},
		{[]float64{0.5}, [2]float64{0.5, 0.5}},
		{[]float64{0.1, 0.6}, [2]float64{0.1, 0.6}},
	}

	for _, tt := range cases {
		opts := DefaultOptions()
		opts.BlendThreshold = tt.in
		assert.Equal(t, tt.want, opts.blendThreshold(), tt.in)
	}
}

func TestFromMapErrors(t *testing.T) {
	_, err := FromMap(map[string]any{"prompt": "x", "num_steps": 3})
	require.ErrorIs(t, err, ErrInvalidOptions)

	_, err = FromMap(map[string]any{"edit_type": "replace"})
	require.ErrorIs(t, err, ErrInvalidOptions)

	_, err = FromMap(map[string]any{"output_type": "gif"})
	require.ErrorIs(t, err, ErrInvalidOptions)
}

func TestOptionsYAML(t *testing.T) {
	src := `
prompt: a dog running
source_prompt: a cat running
edit_type: save
stage_num: 3
invert_stage: true
blend_th: [0.1, 0.2]
`
	var m map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(src), &m))

	opts, err := FromMap(m)
	require.NoError(t, err)
	assert.Equal(t, EditSave, opts.EditType)
	assert.Equal(t, 3, opts.StageNum)
	assert.True(t, opts.InvertStage)
	assert.Equal(t, []float64{0.1, 0.2}, opts.BlendThreshold)

	out, err := yaml.Marshal(opts)
	require.NoError(t, err)
	assert.Contains(t, string(out), "edit_type: save")
	assert.Contains(t, string(out), "interpolation: linear")
}

func TestParseEditType(t *testing.T) {
	for s, want := range map[string]EditType{"": EditNone, "None": EditNone, "save": EditSave, "swap": EditSwap} {
		got, err := ParseEditType(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseEditType("refine")
	require.ErrorIs(t, err, ErrInvalidOptions)
}
