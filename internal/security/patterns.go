package security

import (
	"fmt"
	"regexp"
)

// Risk categories reported on pattern matches.
const (
	RiskInstructionOverride = "instruction_override"
	RiskRoleOverride        = "role_override"
	RiskPromptExfiltration  = "prompt_exfiltration"
	RiskTemplateInjection   = "template_injection"
	RiskCustom              = "custom"
)

// Rule is one deterministic stage-one pattern.
type Rule struct {
	Name     string
	Category string
	Reason   string
	re       *regexp.Regexp
}

// Match reports whether the rule matches text.
func (r Rule) Match(text string) bool {
	return r.re.MatchString(text)
}

type ruleDef struct {
	name, category, reason, pattern string
}

var defaultRuleDefs = []ruleDef{
	// Instruction override
	{"ignore_previous", RiskInstructionOverride, "attempt to override prior instructions",
		`(?i)ignore\s+(all\s+|any\s+)?(of\s+)?(the\s+|your\s+)?(previous|prior|above|earlier|preceding)\s+(instructions?|prompts?|rules|directions)`},
	{"disregard_previous", RiskInstructionOverride, "attempt to override prior instructions",
		`(?i)disregard\s+(all\s+|the\s+|your\s+)?(above|previous|prior|earlier)`},
	{"forget_instructions", RiskInstructionOverride, "attempt to override prior instructions",
		`(?i)forget\s+(all\s+)?(your|the|previous|prior)\s+(instructions|rules|programming|guidelines)`},
	{"override_instructions", RiskInstructionOverride, "attempt to override prior instructions",
		`(?i)override\s+(your\s+|the\s+)?(instructions?|rules|programming|guidelines)`},
	{"important_ignore", RiskInstructionOverride, "attempt to override prior instructions",
		`(?i)IMPORTANT\s*:\s*ignore`},

	// Role override
	{"you_are_now", RiskRoleOverride, "attempt to reassign the assistant role",
		`(?i)you\s+are\s+now\s+(a|an|the|in|my)\b`},
	{"from_now_on", RiskRoleOverride, "attempt to reassign the assistant role",
		`(?i)from\s+now\s+on\s*,?\s+you\s+(are|will|must|shall)`},
	{"pretend_system", RiskRoleOverride, "attempt to reassign the assistant role",
		`(?i)pretend\s+(to\s+be|you\s+are)\s+(an?\s+|the\s+)?(ai|assistant|system|developer|administrator|admin)\b`},
	{"jailbreak_mode", RiskRoleOverride, "attempt to unlock an unrestricted mode",
		`(?i)\b(DAN\s+mode|developer\s+mode\s+(enabled|on)|jailbreak(ed)?\s+mode|act\s+as\s+an?\s+unrestricted)`},

	// System prompt exfiltration
	{"reveal_prompt", RiskPromptExfiltration, "attempt to extract the system prompt",
		`(?i)(reveal|show|print|repeat|output|display|tell\s+me)\s+(me\s+)?(your|the)\s+(system\s+prompt|initial\s+(prompt|instructions)|hidden\s+instructions|original\s+instructions)`},
	{"what_is_prompt", RiskPromptExfiltration, "attempt to extract the system prompt",
		`(?i)what\s+(is|are|was|were)\s+your\s+(system\s+prompt|initial\s+instructions|original\s+instructions)`},
	{"new_system_prompt", RiskPromptExfiltration, "attempt to replace the system prompt",
		`(?i)new\s+system\s+prompt`},

	// Chat template tokens
	{"template_tokens", RiskTemplateInjection, "chat template control tokens in input",
		`(?i)(<\|im_(start|end)\|>|<\|(system|endoftext)\|>|\[/?INST\]|<</?SYS>>|</?system>)`},
}

func compileDefaults() []Rule {
	rules := make([]Rule, 0, len(defaultRuleDefs))
	for _, d := range defaultRuleDefs {
		rules = append(rules, Rule{
			Name:     d.name,
			Category: d.category,
			Reason:   d.reason,
			re:       regexp.MustCompile(d.pattern),
		})
	}
	return rules
}

// CompileRule builds a custom rule from a configured pattern.
func CompileRule(name, pattern string) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("compile pattern %q: %w", name, err)
	}
	return Rule{
		Name:     name,
		Category: RiskCustom,
		Reason:   "input matched blocked pattern " + name,
		re:       re,
	}, nil
}
