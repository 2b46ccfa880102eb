// Package hitl implements human-in-the-loop approval gates for tool calls.
// Risky tools block until an operator responds or a timeout policy decides.
package hitl

import (
	"strings"
	"time"

	"github.com/loopgate/loopgate/pkg/models"
)

// Default timeout per risk level when a rule does not set one. The
// matching timeout action defaults to reject.
const (
	DefaultHighTimeout     = 300 * time.Second
	DefaultCriticalTimeout = 600 * time.Second
)

// Policy resolves which approval rule applies to a tool call. Rules match
// by exact name or by "prefix*" pattern; exact matches win, then the
// longest prefix.
type Policy struct {
	rules []*models.ApprovalRule
}

// NewPolicy builds a policy from configured rules.
func NewPolicy(rules []*models.ApprovalRule) *Policy {
	return &Policy{rules: rules}
}

// RuleFor returns the best-matching rule for a tool, or nil when no rule
// applies.
func (p *Policy) RuleFor(toolName string) *models.ApprovalRule {
	var best *models.ApprovalRule
	bestLen := -1

	for _, rule := range p.rules {
		pattern := rule.ToolPattern
		if pattern == toolName {
			return rule
		}
		if strings.HasSuffix(pattern, "*") {
			prefix := strings.TrimSuffix(pattern, "*")
			if strings.HasPrefix(toolName, prefix) && len(prefix) > bestLen {
				best = rule
				bestLen = len(prefix)
			}
		}
	}
	return best
}

// baselineRisk assigns a default risk to built-in tools that have no
// configured rule. Tools absent from both the rules table and this map
// default to medium.
var baselineRisk = map[string]models.RiskLevel{
	"run_script":    models.RiskHigh,
	"suggest_skill": models.RiskHigh,
}

// Requirement is the resolved approval policy for one tool call.
type Requirement struct {
	Required      bool
	AutoApproved  bool
	Risk          models.RiskLevel
	Timeout       time.Duration
	TimeoutAction models.TimeoutAction
}

// Check resolves the requirement for a tool name: the matching rule
// decides, else the baseline tool mapping, else medium risk. High and
// critical risk require a human; a rule's require_human flag forces the
// gate at any risk, and its auto_approve flag waives it while marking
// the call for an audit record.
func (p *Policy) Check(toolName string) Requirement {
	rule := p.RuleFor(toolName)

	risk := models.RiskMedium
	if rule != nil {
		risk = rule.Risk
	} else if base, ok := baselineRisk[toolName]; ok {
		risk = base
	}

	req := Requirement{
		Risk:          risk,
		Timeout:       defaultTimeout(risk),
		TimeoutAction: models.TimeoutReject,
	}
	required := risk == models.RiskHigh || risk == models.RiskCritical
	if rule != nil {
		if rule.TimeoutSec > 0 {
			req.Timeout = time.Duration(rule.TimeoutSec) * time.Second
		}
		if rule.TimeoutAction == models.TimeoutApprove {
			req.TimeoutAction = models.TimeoutApprove
		}
		if rule.RequireHuman {
			required = true
		}
		if rule.AutoApprove {
			req.AutoApproved = true
			required = false
		}
	}
	req.Required = required
	return req
}

func defaultTimeout(risk models.RiskLevel) time.Duration {
	if risk == models.RiskCritical {
		return DefaultCriticalTimeout
	}
	return DefaultHighTimeout
}
