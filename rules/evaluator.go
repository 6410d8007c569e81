package rules

import "strings"

// Finding is the evaluator's output for one non-compliant rule match.
// Callers translate this into a models.Finding row.
type Finding struct {
	RuleId                string
	QuestionKey           string
	AnswerValue           string
	Severity              string
	FindingCode           string
	MajorNonCompliantText *string
	MinorNonCompliantText *string
}

// Result is the full output of evaluating a Document against an
// answer map: the findings produced, their severity counts, the
// resolved outcome, and the derived score value.
type Result struct {
	Findings   []Finding
	MajorCount int
	MinorCount int
	Outcome    string
	ScoreValue *string
}

// Evaluate is a pure function: findings are exactly the rules whose
// operator-on-normalised-answer predicate is true, in declaration
// order; a disabled rule is skipped; outcome is the first matching
// outcomeRule or "Unknown".
func Evaluate(doc *Document, answers map[string]string) (Result, error) {
	var res Result

	for _, rule := range doc.Rules {
		if !rule.isEnabled() {
			continue
		}
		raw, present := answers[rule.QuestionKey]
		var answerPtr *string
		if present {
			answerPtr = &raw
		}

		nonCompliant, err := evaluateWhen(rule.NonCompliantWhen, answerPtr, doc.AnswerNormalization)
		if err != nil {
			return Result{}, err
		}
		if !nonCompliant {
			continue
		}

		f := Finding{
			RuleId:      rule.RuleId,
			QuestionKey: rule.QuestionKey,
			AnswerValue: raw,
			Severity:    rule.Finding.Severity,
			FindingCode: rule.Finding.Code,
		}
		switch rule.Finding.Severity {
		case "Major":
			f.MajorNonCompliantText = rule.Finding.MajorNonCompliantText
			res.MajorCount++
		case "Minor":
			f.MinorNonCompliantText = rule.Finding.MinorNonCompliantText
			res.MinorCount++
		}
		res.Findings = append(res.Findings, f)
	}

	res.Outcome = resolveOutcome(doc.Scoring.OutcomeRules, res.MajorCount, res.MinorCount)
	res.ScoreValue = deriveScoreValue(doc.Scoring.ScoreValue, res.Outcome)
	return res, nil
}

// normalize implements its five-step normalisation, with
// per-rule overrides of the document defaults.
func normalize(answer *string, defaults AnswerNormalization, trimOverride, caseOverride *bool) *string {
	if answer == nil {
		return nil
	}
	trim := defaults.Trim
	if trimOverride != nil {
		trim = *trimOverride
	}
	caseInsensitive := defaults.CaseInsensitive
	if caseOverride != nil {
		caseInsensitive = *caseOverride
	}

	v := *answer
	if trim {
		v = strings.TrimSpace(v)
	}
	if defaults.EmptyIsNull && v == "" {
		return nil
	}
	if caseInsensitive {
		v = strings.ToLower(v)
	}
	return &v
}

func evaluateWhen(when NonCompliantWhen, answer *string, defaults AnswerNormalization) (bool, error) {
	answerNorm := normalize(answer, defaults, when.Trim, when.CaseInsensitive)

	switch when.Op {
	case "missing":
		return answerNorm == nil || *answerNorm == "", nil
	case "equals":
		if when.Value == nil {
			return false, nil
		}
		valueNorm := normalize(when.Value, defaults, when.Trim, when.CaseInsensitive)
		return answerNorm != nil && valueNorm != nil && *answerNorm == *valueNorm, nil
	case "in":
		if answerNorm == nil {
			return false, nil
		}
		for _, v := range when.Values {
			vv := v
			valueNorm := normalize(&vv, defaults, when.Trim, when.CaseInsensitive)
			if valueNorm != nil && *answerNorm == *valueNorm {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, &BadRuleError{Reason: "unrecognised operator " + when.Op}
	}
}

func resolveOutcome(outcomeRules []OutcomeRule, majorCount, minorCount int) string {
	for _, r := range outcomeRules {
		w := r.When
		switch {
		case w.Always != nil && *w.Always:
			return r.Outcome
		case w.MajorCountGte != nil && majorCount >= *w.MajorCountGte:
			return r.Outcome
		case w.MinorCountGte != nil && minorCount >= *w.MinorCountGte:
			return r.Outcome
		}
	}
	return "Unknown"
}

// deriveScoreValue formats the score.scoreValue column. A "fixed"
// spec echoes the document's fixedValue; any "outcome" spec —
// including "numeric", whose outcome strings are pre-validated
// numeric-shaped at document-authoring time — echoes the resolved
// outcome string verbatim.
func deriveScoreValue(spec ScoreValueSpec, outcome string) *string {
	switch spec.From {
	case "fixed":
		return spec.FixedValue
	case "outcome":
		v := outcome
		return &v
	default:
		return nil
	}
}
