package provider

import (
	"fmt"

	"github.com/PaesslerAG/gval"

	"github.com/meshforge/orchestrator/internal/classify"
)

// OptionField is one declaratively-validated entry in a provider's extra
// options (A10). Expression is a gval boolean expression evaluated against
// the providerOptions map — e.g. "precision == 'standard' || precision ==
// 'high'" or "faceCount >= 40000 && faceCount <= 1500000". A field absent
// from providerOptions is treated as valid unless Required is set.
type OptionField struct {
	Name       string
	Expression string
	Required   bool
}

// OptionSchema is the full set of validated fields for one provider.
type OptionSchema struct {
	Fields []OptionField
}

// Validate checks options against every field's expression, returning an
// InvalidArgument classify.ServiceError naming the first violated field.
func (s OptionSchema) Validate(options map[string]interface{}) error {
	if options == nil {
		options = map[string]interface{}{}
	}
	for _, field := range s.Fields {
		val, present := options[field.Name]
		if !present {
			if field.Required {
				return classify.InvalidArgument(fmt.Sprintf("missing required option %q", field.Name)).WithDetails("field", field.Name)
			}
			continue
		}
		ok, err := evaluate(field.Expression, options)
		if err != nil {
			return classify.Internal("evaluate option schema", err)
		}
		if !ok {
			return classify.InvalidArgument(fmt.Sprintf("option %q has invalid value %v", field.Name, val)).WithDetails("field", field.Name)
		}
	}
	return nil
}

func evaluate(expression string, options map[string]interface{}) (bool, error) {
	result, err := gval.Evaluate(expression, options)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", expression, err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not evaluate to a bool", expression)
	}
	return b, nil
}
