package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

var ErrUnknownStrategy = errors.New("未注册的策略")

// Definition 描述一个已注册策略：元信息、参数 JSON Schema 与工厂。
type Definition struct {
	Meta   Meta
	Schema map[string]any
	New    func(params map[string]any) (Strategy, error)

	compiled *jsonschema.Schema
}

// Registry 按进程构造一次、显式注入引擎，不做包级可变状态。
type Registry struct {
	defs     map[string]Definition
	defaults map[string]map[string]any
}

func NewRegistry() *Registry {
	return &Registry{
		defs:     make(map[string]Definition),
		defaults: make(map[string]map[string]any),
	}
}

// Register 注册策略，schema 在注册时编译，编译失败立即报错。
func (r *Registry) Register(def Definition) error {
	name := strings.TrimSpace(def.Meta.Name)
	if name == "" {
		return fmt.Errorf("策略名不能为空")
	}
	if def.New == nil {
		return fmt.Errorf("策略 %s 缺少工厂函数", name)
	}
	if def.Schema != nil {
		compiled, err := compileSchema(def.Schema)
		if err != nil {
			return fmt.Errorf("策略 %s 参数 schema 编译失败: %w", name, err)
		}
		def.compiled = compiled
	}
	r.defs[name] = def
	return nil
}

// Names 返回已注册策略名（排序后）。
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe 返回策略元信息与参数 schema。
func (r *Registry) Describe(name string) (Meta, map[string]any, error) {
	def, ok := r.defs[name]
	if !ok {
		return Meta{}, nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return def.Meta, def.Schema, nil
}

// Create 校验参数并实例化策略；未知策略名与参数校验失败都在
// 模拟开始前让运行直接失败。
func (r *Registry) Create(name string, params map[string]any) (Strategy, Meta, error) {
	def, ok := r.defs[name]
	if !ok {
		return nil, Meta{}, fmt.Errorf("%w: %q（可用: %s）", ErrUnknownStrategy, name, strings.Join(r.Names(), ", "))
	}
	merged := mergeParams(r.defaults[name], params)
	if def.compiled != nil {
		if err := validateParams(def.compiled, merged); err != nil {
			return nil, Meta{}, fmt.Errorf("策略 %s 参数非法: %w", name, err)
		}
	}
	st, err := def.New(merged)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("策略 %s 实例化失败: %w", name, err)
	}
	return st, def.Meta, nil
}

// LoadDefaults 读取 YAML 的策略默认参数文件（策略名 → 参数表），
// 提交参数优先于默认值。
func (r *Registry) LoadDefaults(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取策略默认参数失败 %s: %w", path, err)
	}
	var parsed map[string]map[string]any
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("解析策略默认参数失败 %s: %w", path, err)
	}
	for name, params := range parsed {
		r.defaults[name] = params
	}
	return nil
}

func mergeParams(defaults, params map[string]any) map[string]any {
	if len(defaults) == 0 && len(params) == 0 {
		return map[string]any{}
	}
	merged := make(map[string]any, len(defaults)+len(params))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return merged
}

func compileSchema(data map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

func validateParams(schema *jsonschema.Schema, params map[string]any) error {
	// 经 JSON 往返归一化类型（数字统一为 float64），与 schema 语义对齐。
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	return schema.Validate(decoded)
}

// 参数提取辅助：经过 schema 校验后只需做弱类型折算。

func floatParam(params map[string]any, key string, fallback float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, err := v.Float64()
		if err == nil {
			return f
		}
	}
	return fallback
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		i, err := v.Int64()
		if err == nil {
			return int(i)
		}
	}
	return fallback
}
