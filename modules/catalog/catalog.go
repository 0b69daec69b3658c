// Package catalog holds the model, modifier, sampler and size tables used to
// gate premium features at admission and to translate a request into the
// shape the generation backend expects.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"quel-gen-server/modules/common/model"
)

//go:embed default.yaml
var defaultCatalog []byte

var (
	ErrUnknown         = errors.New("catalog: unknown identifier")
	ErrPremiumRequired = errors.New("catalog: premium feature")
	ErrInvalidSettings = errors.New("catalog: invalid settings")
)

// Model - 체크포인트 정보
type Model struct {
	ID             string `yaml:"id"`
	Filename       string `yaml:"filename"`
	NegativePrompt string `yaml:"negative_prompt"`
	Premium        bool   `yaml:"premium"`
}

// Modifier - LoRA 정보
type Modifier struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Premium bool   `yaml:"premium"`
}

// Size - 사이즈 클래스별 픽셀 크기
type Size struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// Limits - 요청 파라미터 상한
type Limits struct {
	MaxSteps        int     `yaml:"max_steps"`
	MaxCFGScale     float64 `yaml:"max_cfg_scale"`
	MaxPromptLength int     `yaml:"max_prompt_length"`
	MaxModifiers    int     `yaml:"max_modifiers"`
	MaxHiresScale   float64 `yaml:"max_hires_scale"`
}

type file struct {
	Models    []Model           `yaml:"models"`
	Modifiers []Modifier        `yaml:"modifiers"`
	Samplers  map[string]string `yaml:"samplers"`
	Sizes     map[string]Size   `yaml:"sizes"`
	Limits    Limits            `yaml:"limits"`
}

// Catalog - 읽기 전용 조회 테이블
type Catalog struct {
	models    map[string]Model
	modifiers map[string]Modifier
	samplers  map[string]string
	sizes     map[string]Size
	limits    Limits
}

// LoraWeight - 백엔드에 넘길 LoRA 이름 + 강도
type LoraWeight struct {
	Name   string
	Weight float64
}

// Resolved - 백엔드용으로 변환된 요청
type Resolved struct {
	Checkpoint     string
	Prompt         string
	NegativePrompt string
	Sampler        string
	Width          int
	Height         int
	Loras          []LoraWeight
}

// Load - path가 비어 있으면 내장 카탈로그 사용
func Load(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read catalog: %w", err)
		}
	}
	return Parse(data)
}

// Parse - YAML 파싱 + 인덱스 구성
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(f.Models) == 0 || len(f.Sizes) == 0 || len(f.Samplers) == 0 {
		return nil, fmt.Errorf("parse catalog: models, sizes and samplers are required")
	}

	c := &Catalog{
		models:    make(map[string]Model, len(f.Models)),
		modifiers: make(map[string]Modifier, len(f.Modifiers)),
		samplers:  f.Samplers,
		sizes:     f.Sizes,
		limits:    f.Limits,
	}
	for _, m := range f.Models {
		c.models[m.ID] = m
	}
	for _, m := range f.Modifiers {
		c.modifiers[m.ID] = m
	}
	if c.limits.MaxHiresScale == 0 {
		c.limits.MaxHiresScale = 2
	}
	return c, nil
}

// Validate - 승인 전 요청 검증. premium=false인 호출자가 프리미엄 모델/모디파이어를 쓰면 ErrPremiumRequired
func (c *Catalog) Validate(req model.GenerationRequest, premium bool) error {
	m, ok := c.models[req.Model]
	if !ok {
		return fmt.Errorf("%w: model %q", ErrUnknown, req.Model)
	}
	if m.Premium && !premium {
		return fmt.Errorf("%w: model %q", ErrPremiumRequired, req.Model)
	}
	if c.limits.MaxModifiers > 0 && len(req.Modifiers) > c.limits.MaxModifiers {
		return fmt.Errorf("%w: too many modifiers", ErrInvalidSettings)
	}
	for id := range req.Modifiers {
		mod, ok := c.modifiers[id]
		if !ok {
			return fmt.Errorf("%w: modifier %q", ErrUnknown, id)
		}
		if mod.Premium && !premium {
			return fmt.Errorf("%w: modifier %q", ErrPremiumRequired, id)
		}
	}

	s := req.Settings
	if _, ok := c.sizes[s.Size]; !ok {
		return fmt.Errorf("%w: size %q", ErrUnknown, s.Size)
	}
	if _, ok := c.samplers[s.Sampler]; !ok {
		return fmt.Errorf("%w: sampler %q", ErrUnknown, s.Sampler)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return fmt.Errorf("%w: empty prompt", ErrInvalidSettings)
	}
	if c.limits.MaxPromptLength > 0 && len(req.Prompt)+len(req.NegativePrompt) > c.limits.MaxPromptLength {
		return fmt.Errorf("%w: prompt too long", ErrInvalidSettings)
	}
	if s.Steps < 1 || (c.limits.MaxSteps > 0 && s.Steps > c.limits.MaxSteps) {
		return fmt.Errorf("%w: steps %d", ErrInvalidSettings, s.Steps)
	}
	if s.CFGScale <= 0 || (c.limits.MaxCFGScale > 0 && s.CFGScale > c.limits.MaxCFGScale) {
		return fmt.Errorf("%w: cfg scale %.1f", ErrInvalidSettings, s.CFGScale)
	}
	if s.Seed < -1 {
		return fmt.Errorf("%w: seed %d", ErrInvalidSettings, s.Seed)
	}
	if req.HiresEnabled() {
		if s.Hires.Scale < 1 || s.Hires.Scale > c.limits.MaxHiresScale {
			return fmt.Errorf("%w: hires scale %.2f", ErrInvalidSettings, s.Hires.Scale)
		}
		if s.Hires.Denoise < 0 || s.Hires.Denoise > 1 {
			return fmt.Errorf("%w: hires denoise %.2f", ErrInvalidSettings, s.Hires.Denoise)
		}
	}
	return nil
}

// Resolve - 모델 → 체크포인트 파일명 + 부속 negative prompt, 샘플러/사이즈 변환
func (c *Catalog) Resolve(req model.GenerationRequest) (Resolved, error) {
	m, ok := c.models[req.Model]
	if !ok {
		return Resolved{}, fmt.Errorf("%w: model %q", ErrUnknown, req.Model)
	}
	sampler, ok := c.samplers[req.Settings.Sampler]
	if !ok {
		return Resolved{}, fmt.Errorf("%w: sampler %q", ErrUnknown, req.Settings.Sampler)
	}
	size, ok := c.sizes[req.Settings.Size]
	if !ok {
		return Resolved{}, fmt.Errorf("%w: size %q", ErrUnknown, req.Settings.Size)
	}

	loras := make([]LoraWeight, 0, len(req.Modifiers))
	for id, weight := range req.Modifiers {
		mod, ok := c.modifiers[id]
		if !ok {
			return Resolved{}, fmt.Errorf("%w: modifier %q", ErrUnknown, id)
		}
		loras = append(loras, LoraWeight{Name: mod.Name, Weight: weight})
	}

	return Resolved{
		Checkpoint:     m.Filename,
		Prompt:         req.Prompt,
		NegativePrompt: joinPrompts(req.NegativePrompt, m.NegativePrompt),
		Sampler:        sampler,
		Width:          size.Width,
		Height:         size.Height,
		Loras:          sortLoras(loras),
	}, nil
}

// OutputSize - 최종 이미지 크기 (업스케일 배율 반영)
func (c *Catalog) OutputSize(req model.GenerationRequest) (int, int) {
	size, ok := c.sizes[req.Settings.Size]
	if !ok {
		return 0, 0
	}
	if req.HiresEnabled() && req.Settings.Hires.Scale > 1 {
		return int(float64(size.Width) * req.Settings.Hires.Scale), int(float64(size.Height) * req.Settings.Hires.Scale)
	}
	return size.Width, size.Height
}

func joinPrompts(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ", ")
}

// sortLoras - map 순회 순서와 무관하게 같은 요청은 같은 프롬프트가 되도록
func sortLoras(in []LoraWeight) []LoraWeight {
	slices.SortFunc(in, func(a, b LoraWeight) int { return strings.Compare(a.Name, b.Name) })
	return in
}
