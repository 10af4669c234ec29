package tools

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"riskguard/internal/logger"
)

//go:embed schemas.yaml
var builtinSchemas []byte

// Definition 描述单个工具的参数约束。
type Definition struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Version     int            `yaml:"version" json:"version"`
	Schema      map[string]any `yaml:"schema" json:"schema,omitempty"`

	compiled *jsonschema.Schema
}

// schemaFile 映射 schema 文件的顶层结构。
type schemaFile struct {
	Tools map[string]Definition `yaml:"tools"`
}

// Snapshot 是某一版本的全部工具定义。
type Snapshot struct {
	Version     int64
	LoadedAt    time.Time
	Definitions map[string]Definition
}

// ChangeListener 在 schema 重载后触发。
type ChangeListener func(Snapshot)

// Schemas 管理工具参数 schema。path 为空时使用内置定义。
type Schemas struct {
	path string
	log  *logger.Entry

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// LoadSchemas 读取 schema；watch 为 true 且指定了文件时监听文件变更并热加载。
func LoadSchemas(path string, watch bool) (*Schemas, error) {
	s := &Schemas{path: strings.TrimSpace(path), log: logger.With("tools")}
	if err := s.reload(); err != nil {
		return nil, err
	}
	if s.path == "" || !watch {
		return s, nil
	}
	v := viper.New()
	v.SetConfigFile(s.path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read tool schema file failed: %w", err)
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := s.reload(); err != nil {
			// 解析失败时保留上一版
			s.log.Errorf("tool schema reload failed (%s): %v", evt.Name, err)
			return
		}
		s.notifyListeners()
	})
	v.WatchConfig()
	return s, nil
}

func (s *Schemas) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSnapshot(s.snapshot)
}

func (s *Schemas) Definition(name string) (Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.snapshot.Definitions[strings.TrimSpace(name)]
	return def, ok
}

func (s *Schemas) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Validate 按工具 schema 校验参数；没有定义 schema 的工具直接放行。
func (s *Schemas) Validate(name string, params map[string]any) error {
	def, ok := s.Definition(name)
	if !ok || def.compiled == nil {
		return nil
	}
	return def.compiled.Validate(sanitizeParams(params))
}

func (s *Schemas) reload() error {
	raw := builtinSchemas
	source := "builtin"
	if s.path != "" {
		data, err := os.ReadFile(s.path)
		if err != nil {
			return fmt.Errorf("read tool schema file failed: %w", err)
		}
		raw, source = data, filepath.Base(s.path)
	}
	defs, err := parseSchemas(raw)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.snapshot = Snapshot{
		Version:     s.snapshot.Version + 1,
		LoadedAt:    time.Now(),
		Definitions: defs,
	}
	s.mu.Unlock()
	s.log.Infof("tool schemas loaded %d definitions from %s", len(defs), source)
	return nil
}

func (s *Schemas) notifyListeners() {
	s.mu.RLock()
	snap := cloneSnapshot(s.snapshot)
	listeners := append([]ChangeListener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					s.log.Errorf("tool schema listener panic: %v", r)
				}
			}()
			cb(snap)
		}(fn)
	}
}

// parseSchemas 解码并编译全部定义，任何一个 schema 编译失败都整体拒绝。
func parseSchemas(raw []byte) (map[string]Definition, error) {
	var file schemaFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse tool schema file failed: %w", err)
	}
	out := make(map[string]Definition, len(file.Tools))
	for name, def := range file.Tools {
		def.Name = strings.TrimSpace(def.Name)
		if def.Name == "" {
			def.Name = strings.TrimSpace(name)
		}
		if def.Version <= 0 {
			def.Version = 1
		}
		def.Description = strings.TrimSpace(def.Description)
		if len(def.Schema) > 0 {
			compiled, err := compileSchema(def.Name, def.Schema)
			if err != nil {
				return nil, fmt.Errorf("compile schema for %s: %w", def.Name, err)
			}
			def.compiled = compiled
		}
		out[def.Name] = def
	}
	return out, nil
}

func compileSchema(name string, data map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	url := name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:     src.Version,
		LoadedAt:    src.LoadedAt,
		Definitions: make(map[string]Definition, len(src.Definitions)),
	}
	for name, def := range src.Definitions {
		dst.Definitions[name] = def
	}
	return dst
}

// sanitizeParams 把数字形式的字符串转为 json.Number，兼容调用方传 "3000" 而非 3000 的情况。
func sanitizeParams(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = sanitizeParams(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = sanitizeParams(child)
		}
		return out
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return val
		}
		if !strings.ContainsAny(s[:1], "+-.0123456789") {
			return val
		}
		if _, err := strconv.ParseFloat(s, 64); err == nil {
			return json.Number(strings.TrimPrefix(s, "+"))
		}
		return val
	default:
		return val
	}
}
