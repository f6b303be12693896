package ingest

import (
	"html"
	"regexp"
	"strings"
	"unicode"
)

// PII types reported on customer interactions.
const (
	PIIEmail      = "email"
	PIICPF        = "cpf"
	PIICreditCard = "credit_card"
	PIIPhone      = "phone"
)

var (
	userIDPattern    = regexp.MustCompile(`^[A-Za-z0-9._:@+-]{1,128}$`)
	companyIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)
	cpfPattern   = regexp.MustCompile(`\b\d{3}\.\d{3}\.\d{3}-\d{2}\b|\b\d{11}\b`)
	phonePattern = regexp.MustCompile(`(?:\+?55[\s-]?)?(?:\(\d{2}\)|\b\d{2})[\s-]?9?\d{4}[\s-]?\d{4}\b`)
)

// redaction is one PII detector. Patterns run in order; earlier ones
// consume digits that later, looser patterns would also match.
type redaction struct {
	kind    string
	pattern *regexp.Regexp
	valid   func(string) bool
}

var redactions = []redaction{
	{kind: PIIEmail, pattern: emailPattern},
	{kind: PIICreditCard, pattern: cardPattern, valid: luhnValid},
	{kind: PIICPF, pattern: cpfPattern, valid: cpfValid},
	{kind: PIIPhone, pattern: phonePattern},
}

// sanitized is a cleaned customer message.
// text is HTML-escaped; plain is the same text before escaping.
type sanitized struct {
	text     string
	plain    string
	piiTypes []string
}

const maxSubjectRunes = 80

// sanitizeMessage trims and caps text at maxRunes, redacts PII and escapes
// HTML.
func sanitizeMessage(text string, maxRunes int) sanitized {
	text = strings.TrimSpace(strings.ToValidUTF8(text, ""))
	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, text)
	if maxRunes > 0 {
		if r := []rune(text); len(r) > maxRunes {
			text = string(r[:maxRunes])
		}
	}

	text, types := redactPII(text)
	return sanitized{text: html.EscapeString(text), plain: text, piiTypes: types}
}

// redactPII replaces detected PII with a typed placeholder and returns the
// detected types in detection order.
func redactPII(text string) (string, []string) {
	var types []string
	for _, r := range redactions {
		found := false
		text = r.pattern.ReplaceAllStringFunc(text, func(m string) string {
			if r.valid != nil && !r.valid(m) {
				return m
			}
			found = true
			return "[" + strings.ToUpper(r.kind) + "]"
		})
		if found {
			types = append(types, r.kind)
		}
	}
	return text, types
}

func digitsOf(s string) []int {
	out := make([]int, 0, len(s))
	for _, c := range s {
		if c >= '0' && c <= '9' {
			out = append(out, int(c-'0'))
		}
	}
	return out
}

func luhnValid(s string) bool {
	d := digitsOf(s)
	if len(d) < 13 || len(d) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(d) - 1; i >= 0; i-- {
		v := d[i]
		if double {
			v *= 2
			if v > 9 {
				v -= 9
			}
		}
		sum += v
		double = !double
	}
	return sum%10 == 0
}

// cpfValid accepts formatted CPFs as-is and checks the verifier digits of
// bare 11-digit numbers.
func cpfValid(s string) bool {
	if strings.ContainsAny(s, ".-") {
		return true
	}
	d := digitsOf(s)
	if len(d) != 11 {
		return false
	}
	same := true
	for _, v := range d[1:] {
		if v != d[0] {
			same = false
			break
		}
	}
	if same {
		return false
	}
	check := func(n int) int {
		sum := 0
		for i := 0; i < n; i++ {
			sum += d[i] * (n + 1 - i)
		}
		r := (sum * 10) % 11
		if r == 10 {
			r = 0
		}
		return r
	}
	return check(9) == d[9] && check(10) == d[10]
}

// subjectFrom derives an escaped ticket subject from the first line of a
// redacted, unescaped message. The cap counts runes before escaping.
func subjectFrom(plain string) string {
	line, _, _ := strings.Cut(plain, "\n")
	line = strings.TrimSpace(line)
	if r := []rune(line); len(r) > maxSubjectRunes {
		line = string(r[:maxSubjectRunes])
	}
	return html.EscapeString(line)
}
