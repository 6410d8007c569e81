// Package rules implements the rule document loader and rule
// evaluator: plain structs decoded with encoding/json, matching
// versioned documents to their declared name and version at load
// time and failing loudly on a malformed document rather than
// silently degrading.
package rules

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

type AnswerNormalization struct {
	Trim            bool `json:"trim"`
	CaseInsensitive bool `json:"caseInsensitive"`
	EmptyIsNull     bool `json:"emptyIsNull"`
}

type NonCompliantWhen struct {
	Op              string   `json:"op"`
	Value           *string  `json:"value"`
	Values          []string `json:"values"`
	Trim            *bool    `json:"trim"`
	CaseInsensitive *bool    `json:"caseInsensitive"`
}

type FindingSpec struct {
	Severity              string  `json:"severity"`
	Code                  string  `json:"code"`
	Message               string  `json:"message"`
	MajorNonCompliantText *string `json:"majorNonCompliantText"`
	MinorNonCompliantText *string `json:"minorNonCompliantText"`
}

type Rule struct {
	RuleId           string           `json:"ruleId"`
	QuestionKey      string           `json:"questionKey"`
	Enabled          *bool            `json:"enabled"`
	QuestionKeysAny  []string         `json:"questionKeysAny"`
	NonCompliantWhen NonCompliantWhen `json:"nonCompliantWhen"`
	Finding          FindingSpec      `json:"finding"`
}

func (r Rule) isEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

type OutcomeWhen struct {
	Always        *bool `json:"always"`
	MajorCountGte *int  `json:"majorCountGte"`
	MinorCountGte *int  `json:"minorCountGte"`
}

type OutcomeRule struct {
	When    OutcomeWhen `json:"when"`
	Outcome string      `json:"outcome"`
}

type ScoreValueSpec struct {
	Type       string  `json:"type"`
	From       string  `json:"from"`
	FixedValue *string `json:"fixedValue"`
}

type Scoring struct {
	OutcomeRules []OutcomeRule  `json:"outcomeRules"`
	ScoreValue   ScoreValueSpec `json:"scoreValue"`
}

// Document is a parsed, validated, immutable rule set.
type Document struct {
	RuleSetName         string              `json:"ruleSetName"`
	RuleSetVersion      string              `json:"ruleSetVersion"`
	AnswerNormalization AnswerNormalization `json:"answerNormalization"`
	Rules               []Rule              `json:"rules"`
	Scoring             Scoring             `json:"scoring"`
	IgnoreQuestionKeys  []string            `json:"ignoreQuestionKeys"`

	// eligibilityKeys is derived once at load time: the union of every
	// rule's QuestionKeysAny plus IgnoreQuestionKeys, used by the
	// Ruleset Resolver's overlap heuristic.
	eligibilityKeys map[string]struct{}
}

// BadRuleError signals a malformed rule document or an unrecognised
// operator encountered during load or evaluation.
type BadRuleError struct {
	Reason string
}

func (e *BadRuleError) Error() string { return "bad rule: " + e.Reason }

// Parse validates and decodes raw rule-document JSON. name and version
// are the filename-derived identifiers the document's own fields must
// match.
func Parse(name, version string, raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &BadRuleError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	if !strings.EqualFold(doc.RuleSetName, name) {
		return nil, &BadRuleError{Reason: fmt.Sprintf("ruleSetName %q does not match filename %q", doc.RuleSetName, name)}
	}
	if doc.RuleSetVersion != version {
		return nil, &BadRuleError{Reason: fmt.Sprintf("ruleSetVersion %q does not match filename %q", doc.RuleSetVersion, version)}
	}
	if doc.Rules == nil {
		return nil, &BadRuleError{Reason: "rules must be an array"}
	}
	if len(doc.Scoring.OutcomeRules) == 0 {
		return nil, &BadRuleError{Reason: "scoring.outcomeRules must be non-empty"}
	}
	if doc.Scoring.ScoreValue.From == "" && doc.Scoring.ScoreValue.Type == "" && doc.Scoring.ScoreValue.FixedValue == nil {
		return nil, &BadRuleError{Reason: "scoring.scoreValue must be present"}
	}
	for _, r := range doc.Rules {
		switch r.NonCompliantWhen.Op {
		case "missing", "equals", "in":
		default:
			return nil, &BadRuleError{Reason: fmt.Sprintf("unrecognised operator %q on rule %q", r.NonCompliantWhen.Op, r.RuleId)}
		}
	}

	doc.eligibilityKeys = buildEligibilityKeys(&doc)
	return &doc, nil
}

func buildEligibilityKeys(doc *Document) map[string]struct{} {
	keys := make(map[string]struct{})
	for _, r := range doc.Rules {
		for _, k := range r.QuestionKeysAny {
			keys[k] = struct{}{}
		}
	}
	for _, k := range doc.IgnoreQuestionKeys {
		keys[k] = struct{}{}
	}
	return keys
}

// EligibilityKeys returns the question-key set used by the ruleset
// resolver's overlap heuristic. The returned map must not be
// mutated by callers.
func (d *Document) EligibilityKeys() map[string]struct{} {
	return d.eligibilityKeys
}

// Cache is a process-wide, read-mostly rule-document cache. Safe for
// concurrent readers; written once per (name, version) on first
// access.
type Cache struct {
	mu   sync.RWMutex
	docs map[string]*Document
	load func(name, version string) ([]byte, error)
}

func NewCache(load func(name, version string) ([]byte, error)) *Cache {
	return &Cache{docs: make(map[string]*Document), load: load}
}

func cacheKey(name, version string) string {
	return strings.ToLower(name) + "|" + version
}

// Get returns the cached Document for (name, version), loading and
// parsing it on first access.
func (c *Cache) Get(name, version string) (*Document, error) {
	key := cacheKey(name, version)

	c.mu.RLock()
	doc, ok := c.docs[key]
	c.mu.RUnlock()
	if ok {
		return doc, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if doc, ok := c.docs[key]; ok {
		return doc, nil
	}

	raw, err := c.load(strings.ToLower(name), version)
	if err != nil {
		return nil, err
	}
	doc, err = Parse(strings.ToLower(name), version, raw)
	if err != nil {
		return nil, err
	}
	c.docs[key] = doc
	return doc, nil
}
