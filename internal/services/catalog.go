package services

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/arc-reactor/internal/platform/envutil"
)

//go:embed catalog/pipelines.yaml
var embeddedCatalog []byte

type SamplesheetColumn struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Required    bool   `yaml:"required" json:"required"`
	Type        string `yaml:"type" json:"type"`
}

type PipelineParam struct {
	Name        string   `yaml:"name" json:"name"`
	Type        string   `yaml:"type" json:"type"`
	Description string   `yaml:"description" json:"description"`
	Default     any      `yaml:"default,omitempty" json:"default,omitempty"`
	Options     []string `yaml:"options,omitempty" json:"options,omitempty"`
}

type Pipeline struct {
	Name               string              `yaml:"name" json:"name"`
	DisplayName        string              `yaml:"display_name" json:"display_name"`
	Description        string              `yaml:"description" json:"description"`
	Repository         string              `yaml:"repository" json:"repository"`
	Versions           []string            `yaml:"versions" json:"versions"`
	DefaultVersion     string              `yaml:"default_version" json:"default_version"`
	SamplesheetColumns []SamplesheetColumn `yaml:"samplesheet_columns" json:"samplesheet_columns"`
	RequiredParams     []PipelineParam     `yaml:"required_params" json:"required_params"`
	OptionalParams     []PipelineParam     `yaml:"optional_params" json:"optional_params"`
}

// HasVersion reports whether v is a published version.
func (p *Pipeline) HasVersion(v string) bool {
	for _, known := range p.Versions {
		if known == v {
			return true
		}
	}
	return false
}

// Catalog is the registry of runnable pipelines, kept in declaration order.
type Catalog struct {
	pipelines []*Pipeline
	byName    map[string]*Pipeline
}

type catalogFile struct {
	Pipelines []*Pipeline `yaml:"pipelines"`
}

// LoadCatalog reads PIPELINE_CATALOG_PATH when set, otherwise the embedded
// registry.
func LoadCatalog() (*Catalog, error) {
	path := envutil.String("PIPELINE_CATALOG_PATH", "")
	if path == "" {
		return ParseCatalog(embeddedCatalog)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline catalog %s: %w", path, err)
	}
	return ParseCatalog(raw)
}

func ParseCatalog(raw []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse pipeline catalog: %w", err)
	}
	c := &Catalog{byName: map[string]*Pipeline{}}
	for _, p := range f.Pipelines {
		if p == nil || strings.TrimSpace(p.Name) == "" {
			return nil, fmt.Errorf("parse pipeline catalog: pipeline without name")
		}
		if _, dup := c.byName[p.Name]; dup {
			return nil, fmt.Errorf("parse pipeline catalog: duplicate pipeline %q", p.Name)
		}
		if p.DefaultVersion != "" && !p.HasVersion(p.DefaultVersion) {
			return nil, fmt.Errorf("parse pipeline catalog: %s default version %s is not listed", p.Name, p.DefaultVersion)
		}
		c.pipelines = append(c.pipelines, p)
		c.byName[p.Name] = p
	}
	return c, nil
}

func (c *Catalog) List() []*Pipeline {
	out := make([]*Pipeline, len(c.pipelines))
	copy(out, c.pipelines)
	return out
}

func (c *Catalog) Get(name string) (*Pipeline, bool) {
	p, ok := c.byName[strings.TrimSpace(name)]
	return p, ok
}

// ResolveVersion returns the version to run: the requested one, or the
// pipeline default when empty.
func (c *Catalog) ResolveVersion(name, version string) (string, error) {
	const op = "catalog.resolve_version"
	p, ok := c.Get(name)
	if !ok {
		return "", validationErr(op, "unknown pipeline: "+name)
	}
	version = strings.TrimSpace(version)
	if version == "" {
		version = p.DefaultVersion
	}
	if !p.HasVersion(version) {
		return "", validationErr(op, fmt.Sprintf("unsupported version %s for %s (available: %s)", version, p.Name, strings.Join(p.Versions, ", ")))
	}
	return version, nil
}

// Validate checks params against the pipeline's declared parameters. All
// problems are reported in one validation error.
func (c *Catalog) Validate(name, version string, params map[string]any) error {
	if _, err := c.ResolveVersion(name, version); err != nil {
		return err
	}
	p, _ := c.Get(name)
	problems := ParamProblems(p, params)
	if len(problems) == 0 {
		return nil
	}
	return validationErr("catalog.validate", strings.Join(problems, "; "))
}

// ParamProblems lists every parameter error. Unknown params are allowed.
func ParamProblems(p *Pipeline, params map[string]any) []string {
	var problems []string
	required := map[string]bool{}
	for _, param := range p.RequiredParams {
		required[param.Name] = true
		v, ok := params[param.Name]
		if !ok {
			problems = append(problems, "Missing required param: "+param.Name)
			continue
		}
		problems = append(problems, checkParam(param, v)...)
	}
	for _, param := range p.OptionalParams {
		if required[param.Name] {
			continue
		}
		if v, ok := params[param.Name]; ok {
			problems = append(problems, checkParam(param, v)...)
		}
	}
	return problems
}

func checkParam(param PipelineParam, v any) []string {
	switch param.Type {
	case "integer":
		if !isInteger(v) {
			return []string{fmt.Sprintf("Param %s must be an integer", param.Name)}
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return []string{fmt.Sprintf("Param %s must be a boolean", param.Name)}
		}
	case "string":
		if _, ok := v.(string); !ok {
			return []string{fmt.Sprintf("Param %s must be a string", param.Name)}
		}
	case "enum":
		if len(param.Options) == 0 {
			return nil
		}
		s := fmt.Sprint(v)
		for _, opt := range param.Options {
			if opt == s {
				return nil
			}
		}
		return []string{fmt.Sprintf("Param %s must be one of %s", param.Name, strings.Join(param.Options, ", "))}
	}
	return nil
}

func isInteger(v any) bool {
	switch t := v.(type) {
	case int, int32, int64:
		return true
	case float64:
		return t == math.Trunc(t) && !math.IsInf(t, 0)
	case json.Number:
		_, err := t.Int64()
		return err == nil
	default:
		return false
	}
}

// CountSamples returns the number of data rows in a samplesheet: non-blank
// lines minus the header.
func CountSamples(csv string) int {
	n := 0
	for _, line := range strings.Split(csv, "\n") {
		if strings.Trim(strings.TrimSpace(line), ",") != "" {
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return n - 1
}

// ExtractConfigParams reads the key = value pairs of a config's params block.
// Comment lines are ignored; values become bool, int or string.
func ExtractConfigParams(config string) map[string]any {
	params := map[string]any{}
	inParams := false
	for _, raw := range strings.Split(config, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "//") || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "params") {
			if strings.Contains(line, "{") {
				inParams = true
			}
			continue
		}
		if inParams && strings.HasPrefix(line, "}") {
			inParams = false
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !inParams || !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimRight(strings.TrimSpace(value), ",")
		params[key] = configValue(value)
	}
	return params
}

func configValue(v string) any {
	switch strings.ToLower(v) {
	case "true":
		return true
	case "false":
		return false
	}
	if len(v) >= 2 && strings.ContainsRune(`"'`, rune(v[0])) && strings.ContainsRune(`"'`, rune(v[len(v)-1])) {
		return v[1 : len(v)-1]
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	return v
}

// RenderParamsYAML writes params as a flat YAML mapping with sorted keys and
// double-quoted strings.
func RenderParamsYAML(params map[string]any) (string, error) {
	doc := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range sortedKeys(params) {
		var val yaml.Node
		if err := val.Encode(params[k]); err != nil {
			return "", fmt.Errorf("render param %s: %w", k, err)
		}
		if _, ok := params[k].(string); ok {
			val.Style = yaml.DoubleQuotedStyle
		}
		doc.Content = append(doc.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: k}, &val)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("render params: %w", err)
	}
	return string(out), nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
