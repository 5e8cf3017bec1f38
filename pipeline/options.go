package pipeline

import (
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/pdevine/tensor"

	"github.com/ollama/videoedit/attention"
	"github.com/ollama/videoedit/latent"
)

var (
	ErrInvalidOptions = errors.New("invalid options")
	ErrMissingSource  = errors.New("missing source latents")
)

// EditType selects how attention is controlled during generation.
type EditType int

const (
	EditNone EditType = iota
	EditSave
	EditSwap
)

func (e EditType) String() string {
	switch e {
	case EditSave:
		return "save"
	case EditSwap:
		return "swap"
	default:
		return "none"
	}
}

func ParseEditType(s string) (EditType, error) {
	switch s {
	case "", "none", "None":
		return EditNone, nil
	case "save":
		return EditSave, nil
	case "swap":
		return EditSwap, nil
	}
	return EditNone, fmt.Errorf("%w: unknown edit type %q", ErrInvalidOptions, s)
}

func (e *EditType) UnmarshalText(b []byte) error {
	v, err := ParseEditType(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

func (e EditType) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// OutputType selects whether generated latents are decoded.
type OutputType int

const (
	OutputPixels OutputType = iota
	OutputLatent
)

func (o *OutputType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "", "pixels", "pil", "numpy":
		*o = OutputPixels
	case "latent":
		*o = OutputLatent
	default:
		return fmt.Errorf("%w: unknown output type %q", ErrInvalidOptions, b)
	}
	return nil
}

func (o OutputType) MarshalText() ([]byte, error) {
	if o == OutputLatent {
		return []byte("latent"), nil
	}
	return []byte("pixels"), nil
}

// BlendWords names the words local blending follows in each prompt.
type BlendWords struct {
	Source []string `yaml:"source" mapstructure:"source"`
	Target []string `yaml:"target" mapstructure:"target"`
}

// Callback is invoked with the iteration index, its timestep and the working
// latent at the configured cadence.
type Callback func(step, timestep int, x *latent.Latent)

// Options configures one edit request.
type Options struct {
	Prompt         string   `yaml:"prompt" mapstructure:"prompt"`
	SourcePrompt   string   `yaml:"source_prompt" mapstructure:"source_prompt"`
	NegativePrompt string   `yaml:"negative_prompt" mapstructure:"negative_prompt"`
	EditType       EditType `yaml:"edit_type" mapstructure:"edit_type"`

	NumInferenceSteps  int     `yaml:"num_inference_steps" mapstructure:"num_inference_steps"`
	GuidanceScale      float64 `yaml:"guidance_scale" mapstructure:"guidance_scale"`
	Eta                float64 `yaml:"eta" mapstructure:"eta"`
	Seed               uint64  `yaml:"seed" mapstructure:"seed"`
	Strength           float64 `yaml:"strength" mapstructure:"strength"`
	Height             int     `yaml:"height" mapstructure:"height"`
	Width              int     `yaml:"width" mapstructure:"width"`
	NumImagesPerPrompt int     `yaml:"num_images_per_prompt" mapstructure:"num_images_per_prompt"`
	CallbackSteps      int     `yaml:"callback_steps" mapstructure:"callback_steps"`

	CrossReplaceSteps     float64               `yaml:"cross_replace_steps" mapstructure:"cross_replace_steps"`
	CrossReplaceWords     map[string]float64    `yaml:"cross_replace_words" mapstructure:"cross_replace_words"`
	SelfReplaceSteps      float64               `yaml:"self_replace_steps" mapstructure:"self_replace_steps"`
	SelfReplaceStart      float64               `yaml:"self_replace_start" mapstructure:"self_replace_start"`
	BlendWords            *BlendWords           `yaml:"blend_words" mapstructure:"blend_words"`
	BlendThreshold        []float64             `yaml:"blend_th" mapstructure:"blend_th"`
	Equalizer             *attention.Equalizer  `yaml:"eq_params" mapstructure:"eq_params"`
	IsReplaceController   bool                  `yaml:"is_replace_controller" mapstructure:"is_replace_controller"`
	UseInversionAttention bool                  `yaml:"use_inversion_attention" mapstructure:"use_inversion_attention"`
	DiskStore             bool                  `yaml:"disk_store" mapstructure:"disk_store"`
	SaveSelfAttention     bool                  `yaml:"save_self_attention" mapstructure:"save_self_attention"`
	Interpolation         latent.Interpolation  `yaml:"interpolation" mapstructure:"interpolation"`
	DType                 latent.DType          `yaml:"dtype" mapstructure:"dtype"`
	OutputType            OutputType            `yaml:"output_type" mapstructure:"output_type"`

	// TotalFrameNum is the number of frames each stage produces. Zero uses
	// the frame count of the start latent.
	TotalFrameNum int  `yaml:"total_frame_num" mapstructure:"total_frame_num"`
	StageNum      int  `yaml:"stage_num" mapstructure:"stage_num"`
	InvertStage   bool `yaml:"invert_stage" mapstructure:"invert_stage"`
	// InterpolationTimestep is the iteration at which source frames are
	// blended in. Negative disables blending.
	InterpolationTimestep int `yaml:"interpolation_timestep" mapstructure:"interpolation_timestep"`

	// ConditionImage replaces the text conditioning with image features when
	// an image encoder is configured.
	ConditionImage *tensor.Dense `yaml:"-" mapstructure:"-"`
	Callback       Callback      `yaml:"-" mapstructure:"-"`
	// Progress is called whenever a denoising step completes.
	Progress func(completed, total int) `yaml:"-" mapstructure:"-"`
}

// DefaultOptions returns the options used when a field is not set.
func DefaultOptions() Options {
	return Options{
		NumInferenceSteps:     50,
		GuidanceScale:         7.5,
		Strength:              1,
		Height:                512,
		Width:                 512,
		NumImagesPerPrompt:    1,
		CallbackSteps:         1,
		CrossReplaceSteps:     0.8,
		SelfReplaceSteps:      0.6,
		BlendThreshold:        []float64{0.3, 0.3},
		IsReplaceController:   true,
		SaveSelfAttention:     true,
		StageNum:              1,
		InterpolationTimestep: 40,
		Interpolation:         latent.Linear,
		DType:                 latent.Float32,
	}
}

// FromMap decodes m over DefaultOptions. Unknown keys are an error.
func FromMap(m map[string]any) (Options, error) {
	opts := DefaultOptions()
	if err := opts.FromMap(m); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// FromMap decodes m into opts, keeping fields m does not mention.
func (opts *Options) FromMap(m map[string]any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           opts,
	})
	if err != nil {
		return err
	}

	if err := dec.Decode(m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return nil
}

// Validate reports the first option that cannot be used.
func (opts *Options) Validate() error {
	switch {
	case opts.Prompt == "":
		return fmt.Errorf("%w: prompt must not be empty", ErrInvalidOptions)
	case opts.Height <= 0 || opts.Width <= 0:
		return fmt.Errorf("%w: height and width must be positive but are %d and %d", ErrInvalidOptions, opts.Height, opts.Width)
	case opts.Height%8 != 0 || opts.Width%8 != 0:
		return fmt.Errorf("%w: height and width have to be divisible by 8 but are %d and %d", ErrInvalidOptions, opts.Height, opts.Width)
	case opts.CallbackSteps <= 0:
		return fmt.Errorf("%w: callback_steps has to be a positive integer but is %d", ErrInvalidOptions, opts.CallbackSteps)
	case opts.Strength <= 0 || opts.Strength > 1:
		return fmt.Errorf("%w: strength should be in (0.0, 1.0] but is %g", ErrInvalidOptions, opts.Strength)
	case opts.NumInferenceSteps <= 0:
		return fmt.Errorf("%w: num_inference_steps must be positive, got %d", ErrInvalidOptions, opts.NumInferenceSteps)
	case opts.NumImagesPerPrompt <= 0:
		return fmt.Errorf("%w: num_images_per_prompt must be positive, got %d", ErrInvalidOptions, opts.NumImagesPerPrompt)
	case opts.StageNum <= 0:
		return fmt.Errorf("%w: stage_num must be positive, got %d", ErrInvalidOptions, opts.StageNum)
	case opts.TotalFrameNum < 0:
		return fmt.Errorf("%w: total_frame_num must not be negative, got %d", ErrInvalidOptions, opts.TotalFrameNum)
	case opts.EditType < EditNone || opts.EditType > EditSwap:
		return fmt.Errorf("%w: unknown edit type %d", ErrInvalidOptions, opts.EditType)
	case opts.EditType == EditSwap && opts.SourcePrompt == "":
		return fmt.Errorf("%w: swap edits need a source prompt", ErrInvalidOptions)
	}

	if len(opts.BlendThreshold) > 2 {
		return fmt.Errorf("%w: blend_th takes a source and a target threshold, got %v", ErrInvalidOptions, opts.BlendThreshold)
	}
	for _, th := range opts.BlendThreshold {
		if th < 0 || th > 1 {
			return fmt.Errorf("%w: blend_th values must be in [0, 1], got %v", ErrInvalidOptions, opts.BlendThreshold)
		}
	}
	for name, v := range map[string]float64{
		"cross_replace_steps": opts.CrossReplaceSteps,
		"self_replace_steps":  opts.SelfReplaceSteps,
		"self_replace_start":  opts.SelfReplaceStart,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s must be in [0, 1], got %g", ErrInvalidOptions, name, v)
		}
	}
	if opts.SelfReplaceStart > opts.SelfReplaceSteps {
		return fmt.Errorf("%w: self_replace_start %g is after self_replace_steps %g", ErrInvalidOptions, opts.SelfReplaceStart, opts.SelfReplaceSteps)
	}
	return nil
}

func (opts *Options) guided() bool {
	return opts.GuidanceScale > 1
}

// blendThreshold returns the source and target mask thresholds. A single
// value applies to both.
func (opts *Options) blendThreshold() [2]float64 {
	switch len(opts.BlendThreshold) {
	case 0:
		return [2]float64{0.3, 0.3}
	case 1:
		return [2]float64{opts.BlendThreshold[0], opts.BlendThreshold[0]}
	}
	return [2]float64{opts.BlendThreshold[0], opts.BlendThreshold[1]}
}

// editConfig translates opts into the edit controller's configuration.
func (opts *Options) editConfig(store attention.StoreConfig) attention.EditConfig {
	cfg := attention.EditConfig{
		Steps:                 opts.NumInferenceSteps,
		CrossReplace:          opts.CrossReplaceSteps,
		CrossReplaceWords:     opts.CrossReplaceWords,
		SelfReplace:           attention.Bounds{Start: opts.SelfReplaceStart, End: opts.SelfReplaceSteps},
		Replace:               opts.IsReplaceController,
		BlendThreshold:        opts.blendThreshold(),
		Equalizer:             opts.Equalizer,
		UseInversionAttention: opts.UseInversionAttention,
		Store:                 store,
	}
	if opts.BlendWords != nil {
		cfg.BlendWords = [2][]string{opts.BlendWords.Source, opts.BlendWords.Target}
	}
	return cfg
}
