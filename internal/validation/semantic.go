package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/invoiceflow/internal/expressions"
	"github.com/rendis/invoiceflow/pkg/schema"
)

// validateSemantic checks node config against what the engine understands.
// Only duplicate node ids are errors; everything else the engine degrades
// around at run time and is reported as a warning.
func validateSemantic(wf *schema.Workflow, exprs *expressionCheck) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]int, len(wf.Nodes))
	for i, n := range wf.Nodes {
		if first, dup := nodeIDs[n.ID]; dup {
			result.AddError(fmt.Sprintf("nodes[%d].id", i), schema.ErrCodeDuplicateNode,
				fmt.Sprintf("node id %q already used by nodes[%d]", n.ID, first))
			continue
		}
		nodeIDs[n.ID] = i
	}

	checkRef := func(path, target string) {
		if target == "" {
			return
		}
		if _, ok := nodeIDs[target]; !ok {
			result.AddWarning(path, schema.ErrCodeDanglingReference,
				fmt.Sprintf("references non-existent node %q", target))
		}
	}

	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)

		switch n.Type.Kind() {
		case schema.NodeTypeRule:
			checkConditions(n, path, "rules", false, result)
			checkRef(path+".config.trueNext", n.ConfigString("trueNext"))
			checkRef(path+".config.falseNext", n.ConfigString("falseNext"))
			if next := n.ConfigString("next"); next != "" {
				result.AddWarning(path+".config.next", schema.ErrCodeValidation,
					"rule nodes end their branch; next is ignored")
			}
			exprs.check(n, path, result)

		case schema.NodeTypeApproval:
			checkConditions(n, path, "rules", true, result)
			if n.AssigneeRules("rules") == nil && n.ConfigString("assignee") == "" {
				result.AddWarning(path+".config", schema.ErrCodeValidation,
					"approval node has neither rules nor an assignee")
			}
			checkRef(path+".config.next", n.ConfigString("next"))

		case schema.NodeTypeExport:
			kind := n.ConfigString("exportType", "type", "format")
			if strings.EqualFold(kind, "webhook") && n.ConfigString("target", "url", "destination") == "" {
				result.AddWarning(path+".config", schema.ErrCodeValidation,
					"webhook export has no target and will not notify")
			}

		default:
			checkRef(path+".config.next", n.ConfigString("next"))
		}

		if raw, ok := n.Config["set"]; ok {
			if _, isMap := raw.(map[string]any); !isMap {
				result.AddWarning(path+".config.set", schema.ErrCodeValidation, "set must be an object; it is ignored")
			}
		}
		exprs.checkMappings(n, path, result)
	}

	for i, e := range wf.Edges {
		checkRef(fmt.Sprintf("edges[%d].source", i), e.Source)
		checkRef(fmt.Sprintf("edges[%d].target", i), e.Target)
	}

	return result
}

// checkConditions warns about condition lists the evaluator will treat as
// never passing.
func checkConditions(n *schema.Node, path, key string, wantAssignee bool, result *schema.ValidationResult) {
	raw, present := n.Config[key]
	if !present || raw == nil {
		return
	}
	rules := n.AssigneeRules(key)
	if rules == nil {
		result.AddWarning(fmt.Sprintf("%s.config.%s", path, key), schema.ErrCodeValidation,
			"rules must be a list; it is ignored")
		return
	}
	for j, r := range rules {
		rp := fmt.Sprintf("%s.config.%s[%d]", path, key, j)
		if r.Field == "" {
			result.AddWarning(rp+".field", schema.ErrCodeValidation, "condition has no field and never passes")
		}
		if !r.Operator.IsKnown() {
			result.AddWarning(rp+".operator", schema.ErrCodeUnknownOperator,
				fmt.Sprintf("unknown operator %q never passes", r.Operator))
		}
		if wantAssignee && r.Assignee == "" {
			result.AddWarning(rp+".assignee", schema.ErrCodeValidation, "rule assigns nobody")
		}
	}
}

// expressionCheck compiles rule expressions so broken ones are reported at
// save time instead of silently evaluating to false.
type expressionCheck struct {
	expr *expressions.ExprEngine
	cel  *expressions.CELEngine
	jq   *expressions.GoJQEngine
}

func (c *expressionCheck) check(n *schema.Node, path string, result *schema.ValidationResult) {
	expression := strings.TrimSpace(n.ConfigString("expression"))
	if expression == "" || c == nil {
		return
	}
	language := n.ConfigString("expressionLanguage")

	var eng expressions.Engine
	switch strings.ToLower(language) {
	case "", expressions.LanguageExpr:
		eng = c.expr
	case expressions.LanguageCEL:
		eng = c.cel
	default:
		result.AddWarning(path+".config.expressionLanguage", schema.ErrCodeValidation,
			fmt.Sprintf("unknown expression language %q; expr is used", language))
		eng = c.expr
	}
	if eng == nil {
		return
	}

	if err := eng.Compile(expression); err != nil {
		result.AddWarning(path+".config.expression", schema.ErrCodeValidation,
			fmt.Sprintf("expression does not compile and evaluates to false: %v", err))
	}
}

// checkMappings compiles the "jq:" values of set and output mappings. A
// program that does not compile leaves every row unmodified at run time.
func (c *expressionCheck) checkMappings(n *schema.Node, path string, result *schema.ValidationResult) {
	if c == nil || c.jq == nil {
		return
	}
	for _, key := range []string{"set", "output"} {
		mapping, ok := n.Config[key].(map[string]any)
		if !ok {
			continue
		}
		for field, v := range mapping {
			s, ok := v.(string)
			if !ok || !strings.HasPrefix(s, "jq:") {
				continue
			}
			if err := c.jq.Compile(strings.TrimSpace(s[len("jq:"):])); err != nil {
				result.AddWarning(fmt.Sprintf("%s.config.%s.%s", path, key, field), schema.ErrCodeValidation,
					fmt.Sprintf("jq program does not compile; rows pass through unmodified: %v", err))
			}
		}
	}
}
