package evalgate

import (
	"encoding/json"
	"strings"
)

// maxJustification caps the justification carried out of an undecidable
// reply; the full raw text stays in transport logs.
const maxJustification = 500

type structuredResult struct {
	Result string `json:"result"`
	Reason string `json:"reason"`
}

// Normalize converts a raw backend reply into a verdict and justification.
// Tiers are tried strictly in order: fenced-JSON strip, structured parse,
// labeled-line extraction, keyword scoring. A reply no tier can decide
// becomes VerdictUncertain carrying the truncated raw text; unparseable
// input is never treated as agreement.
func Normalize(raw string) (Verdict, string) {
	text := StripFences(raw)
	if text == "" {
		return VerdictUncertain, ""
	}

	var sr structuredResult
	if err := json.Unmarshal([]byte(text), &sr); err == nil && sr.Result != "" {
		if v, ok := matchToken(sr.Result); ok {
			reason := strings.TrimSpace(sr.Reason)
			if reason == "" {
				reason = Truncate(text, maxJustification)
			}
			return v, reason
		}
	}

	if v, reason, ok := parseLabeledLines(text); ok {
		return v, reason
	}

	if v, ok := scoreKeywords(text); ok {
		return v, Truncate(text, maxJustification)
	}

	return VerdictUncertain, Truncate(text, maxJustification)
}

// StripFences removes a markdown code fence wrapping the whole reply. Models
// often wrap the requested JSON in ```json fences despite instructions.
// Unfenced input passes through unchanged.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "```json"):
		s = strings.TrimPrefix(s, "```json")
	case strings.HasPrefix(s, "```"):
		s = strings.TrimPrefix(s, "```")
	default:
		return s
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// matchToken maps a verdict token to a Verdict, tolerating case, quoting,
// brackets and mild wording drift. Negated forms are checked before the
// positives they contain.
func matchToken(token string) (Verdict, bool) {
	token = strings.ToLower(strings.TrimSpace(token))
	token = strings.Trim(token, `"'【】[]`)
	if token == "" {
		return 0, false
	}

	switch token {
	case "是", "yes", "consistent", "一致", "相符":
		return VerdictConsistent, true
	case "否", "no", "inconsistent", "不一致", "不相符":
		return VerdictInconsistent, true
	case "错误", "error":
		return VerdictError, true
	case "不确定", "uncertain", "无法判断", "无法确定":
		return VerdictUncertain, true
	}

	for _, kw := range []string{"不确定", "无法判断", "无法确定", "uncertain"} {
		if strings.Contains(token, kw) {
			return VerdictUncertain, true
		}
	}
	for _, kw := range []string{"错误", "error"} {
		if strings.Contains(token, kw) {
			return VerdictError, true
		}
	}
	for _, kw := range []string{"否", "不一致", "不相符", "不符合", "inconsistent", "not consistent", "no"} {
		if strings.Contains(token, kw) {
			return VerdictInconsistent, true
		}
	}
	for _, kw := range []string{"是", "一致", "相符", "符合", "consistent", "yes"} {
		if strings.Contains(token, kw) {
			return VerdictConsistent, true
		}
	}
	return 0, false
}

var verdictMarkers = []string{"判断结果：", "判断结果:", "verdict:"}
var reasonMarkers = []string{"判断依据：", "判断依据:", "reason:"}

// parseLabeledLines extracts a verdict from "判断结果：..." style replies,
// taking the justification from the same-line or following "判断依据：" text.
func parseLabeledLines(text string) (Verdict, string, bool) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		token, found := cutMarker(line, verdictMarkers)
		if !found {
			continue
		}
		// A trailing reason label on the same line belongs to the reason.
		if r, ok := cutMarker(token, reasonMarkers); ok {
			token = strings.TrimSpace(strings.TrimSuffix(token, r))
			for _, m := range reasonMarkers {
				token = strings.TrimSuffix(strings.TrimSpace(token), m)
			}
		}
		v, ok := matchToken(token)
		if !ok {
			continue
		}

		var parts []string
		if r, ok := cutMarker(line, reasonMarkers); ok && r != "" {
			parts = append(parts, r)
		}
		for _, rest := range lines[i+1:] {
			rest = strings.TrimSpace(rest)
			if rest == "" {
				continue
			}
			if r, ok := cutMarker(rest, reasonMarkers); ok {
				rest = r
			}
			if rest != "" {
				parts = append(parts, rest)
			}
		}
		reason := strings.TrimSpace(strings.Join(parts, " "))
		if reason == "" {
			reason = Truncate(text, maxJustification)
		}
		return v, Truncate(reason, maxJustification), true
	}
	return 0, "", false
}

// cutMarker returns the text after the first matching marker.
func cutMarker(line string, markers []string) (string, bool) {
	lower := strings.ToLower(line)
	for _, m := range markers {
		if idx := strings.Index(lower, m); idx >= 0 {
			return strings.TrimSpace(line[idx+len(m):]), true
		}
	}
	return "", false
}

var positiveKeywords = []string{"相符", "一致", "符合", "能够推断", "consistent"}
var negativeKeywords = []string{"不相符", "不一致", "不符合", "相悖", "无法推断", "inconsistent"}

// scoreKeywords decides from agreement/disagreement wording anywhere in the
// reply. Any negative keyword wins over positives, since every positive
// keyword also occurs inside its negation.
func scoreKeywords(text string) (Verdict, bool) {
	hasPos, hasNeg := false, false
	lower := strings.ToLower(text)
	for _, kw := range negativeKeywords {
		if strings.Contains(lower, kw) {
			hasNeg = true
			break
		}
	}
	for _, kw := range positiveKeywords {
		if strings.Contains(lower, kw) {
			hasPos = true
			break
		}
	}
	switch {
	case hasNeg:
		return VerdictInconsistent, true
	case hasPos:
		return VerdictConsistent, true
	}

	// Bare 是/否 answers with no further wording.
	yes, no := strings.Contains(text, "是"), strings.Contains(text, "否")
	switch {
	case no:
		return VerdictInconsistent, true
	case yes:
		return VerdictConsistent, true
	}
	return 0, false
}

// Truncate caps s at max runes, appending an ellipsis when cut.
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
