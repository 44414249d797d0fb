package tool

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
)

var validate = validator.New()

// applySpec checks required params and declared types, and fills defaults for
// absent optional params. Undeclared arguments pass through.
func applySpec(spec contractx.CapabilitySpec, args map[string]any) error {
	for _, p := range spec.Params {
		v, present := args[p.Name]
		if present && isBlank(v) {
			delete(args, p.Name)
			present = false
		}
		if !present {
			if p.Required {
				return fmt.Errorf("missing required argument %q", p.Name)
			}
			if p.Default != nil {
				args[p.Name] = p.Default
			}
			continue
		}
		if !typeMatches(p.Type, v) {
			return fmt.Errorf("argument %q must be %s", p.Name, p.Type)
		}
		if len(p.Enum) > 0 && !inEnum(p.Enum, fmt.Sprint(v)) {
			return fmt.Errorf("argument %q must be one of %s", p.Name, strings.Join(p.Enum, ", "))
		}
	}
	return nil
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func typeMatches(t contractx.ParamType, v any) bool {
	switch t {
	case contractx.ParamString:
		_, ok := v.(string)
		return ok
	case contractx.ParamInteger:
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == math.Trunc(n)
		case json.Number:
			_, err := n.Int64()
			return err == nil
		case string:
			_, err := strconv.Atoi(strings.TrimSpace(n))
			return err == nil
		}
		return false
	case contractx.ParamObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}

func inEnum(enum []string, v string) bool {
	for _, e := range enum {
		if e == v {
			return true
		}
	}
	return false
}

// bind decodes args into a typed input struct and runs its validate tags.
func bind(args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	if err := dec.Decode(args); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// ToolInfos renders capability specs as chat-model tool definitions.
func ToolInfos(specs []contractx.CapabilitySpec) []*schema.ToolInfo {
	out := make([]*schema.ToolInfo, 0, len(specs))
	for _, spec := range specs {
		info := &schema.ToolInfo{Name: spec.Name, Desc: spec.Description}
		if len(spec.Params) > 0 {
			params := make(map[string]*schema.ParameterInfo, len(spec.Params))
			for _, p := range spec.Params {
				desc := p.Description
				if p.Default != nil {
					desc = fmt.Sprintf("%s (default %v)", desc, p.Default)
				}
				params[p.Name] = &schema.ParameterInfo{
					Type:     dataType(p.Type),
					Desc:     desc,
					Required: p.Required,
					Enum:     p.Enum,
				}
			}
			info.ParamsOneOf = schema.NewParamsOneOfByParams(params)
		}
		out = append(out, info)
	}
	return out
}

func dataType(t contractx.ParamType) schema.DataType {
	switch t {
	case contractx.ParamInteger:
		return schema.Integer
	case contractx.ParamObject:
		return schema.Object
	default:
		return schema.String
	}
}
