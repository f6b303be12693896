package agent

import (
	"slices"
	"strings"
	"unicode"

	"github.com/ashureev/triagedesk/internal/domain"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Keyword buckets are matched against accent-folded lowercase text.
// Single words match whole tokens; phrases match as substrings.
var (
	p1Keywords = []string{
		"urgente", "urgencia", "emergencia", "cancelar", "cancelamento",
		"hack", "hacker", "hackeado", "invadido", "invadida", "invasao", "fraude",
		"procon", "processo judicial", "fora do ar", "vazamento",
		"urgent", "emergency", "cancel", "hacked", "fraud", "lawsuit",
	}
	p2Keywords = []string{
		"problema", "erro", "falha", "lento", "lenta", "bug", "atraso", "atrasado",
		"reclamacao", "nao consigo", "nao funciona", "travando", "bloqueado",
		"problem", "error", "broken", "slow", "not working", "complaint",
	}
	categoryKeywords = []struct {
		category string
		keywords []string
	}{
		{"billing", []string{
			"cobranca", "cobrado", "cobraram", "fatura", "boleto", "pagamento", "pagar", "paguei",
			"reembolso", "estorno", "cartao", "preco", "valor", "pix", "mensalidade", "nota fiscal",
			"invoice", "billing", "refund", "payment", "charge", "charged",
		}},
		{"tech", []string{
			"erro", "bug", "app", "aplicativo", "login", "senha", "acesso", "site", "sistema",
			"instalar", "conexao", "internet", "travando", "travou", "crash", "wifi", "sinal",
			"password", "error", "website", "connection",
		}},
	}
	negativeWords = []string{
		"golpe", "pessimo", "pessima", "horrivel", "raiva", "absurdo", "ridiculo", "lixo",
		"odeio", "decepcionado", "decepcionada", "insatisfeito", "insatisfeita", "irritado",
		"irritada", "vergonha", "descaso", "palhacada", "nunca mais",
		"terrible", "awful", "angry", "hate", "worst", "scam", "useless",
	}
	positiveWords = []string{
		"obrigado", "obrigada", "otimo", "otima", "excelente", "bom", "boa", "adorei",
		"perfeito", "parabens", "feliz", "satisfeito", "satisfeita", "agradeco",
		"thanks", "thank", "great", "excellent", "love", "good", "perfect",
	}
)

var foldAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalizeText lowercases and strips diacritics.
func normalizeText(s string) string {
	folded, _, err := transform.String(foldAccents, strings.ToLower(s))
	if err != nil {
		return strings.ToLower(s)
	}
	return folded
}

type keywordText struct {
	tokens []string
	joined string
}

func newKeywordText(s string) keywordText {
	tokens := strings.FieldsFunc(normalizeText(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return keywordText{tokens: tokens, joined: " " + strings.Join(tokens, " ") + " "}
}

func (k keywordText) has(keyword string) bool {
	if strings.Contains(keyword, " ") {
		return strings.Contains(k.joined, " "+keyword+" ")
	}
	return slices.Contains(k.tokens, keyword)
}

func (k keywordText) matches(keywords []string) []string {
	var out []string
	for _, kw := range keywords {
		if k.has(kw) {
			out = append(out, kw)
		}
	}
	return out
}

func (k keywordText) count(keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(kw, " ") {
			n += strings.Count(k.joined, " "+kw+" ")
			continue
		}
		for _, tok := range k.tokens {
			if tok == kw {
				n++
			}
		}
	}
	return n
}

// keywordSentiment is a signed word-count score in [-1, 1].
func keywordSentiment(k keywordText) float64 {
	pos := k.count(positiveWords)
	neg := k.count(negativeWords)
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}

// fallbackTriage classifies text with keyword buckets only.
func fallbackTriage(text string) TriageDecision {
	k := newKeywordText(text)

	d := TriageDecision{Priority: domain.PriorityP3, Category: "general", Source: SourceFallback}
	var matched []string

	if hits := k.matches(p1Keywords); len(hits) > 0 {
		d.Priority = domain.PriorityP1
		matched = append(matched, hits...)
	} else if hits := k.matches(p2Keywords); len(hits) > 0 {
		d.Priority = domain.PriorityP2
		matched = append(matched, hits...)
	}

	for _, bucket := range categoryKeywords {
		if hits := k.matches(bucket.keywords); len(hits) > 0 {
			d.Category = bucket.category
			matched = append(matched, hits...)
			break
		}
	}

	d.Sentiment = keywordSentiment(k)
	d.Tags = sanitizeTags(matched)
	d.Confidence = fallbackTriageConfidence(text, d.Priority, d.Sentiment)
	d.Reasoning = "keyword match"
	return d
}

func fallbackTriageConfidence(text string, priority domain.Priority, sentiment float64) float64 {
	c := 0.75
	if len([]rune(text)) > 100 {
		c += 0.1
	}
	if priority == domain.PriorityP1 || priority == domain.PriorityP3 {
		c += 0.1
	}
	if sentiment > 0.5 || sentiment < -0.5 {
		c += 0.05
	}
	return clamp(c, 0, 1)
}

const maxTags = 5

// sanitizeTags lowercases, folds accents, maps everything outside
// [a-z0-9_] to underscores, dedupes and keeps at most five tags.
func sanitizeTags(raw []string) []string {
	tags := make([]string, 0, maxTags)
	for _, r := range raw {
		var b strings.Builder
		for _, c := range normalizeText(strings.TrimSpace(r)) {
			switch {
			case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
				b.WriteRune(c)
			case c == ' ' || c == '-':
				b.WriteByte('_')
			}
		}
		tag := strings.Trim(b.String(), "_")
		if tag == "" || slices.Contains(tags, tag) {
			continue
		}
		tags = append(tags, tag)
		if len(tags) == maxTags {
			break
		}
	}
	return tags
}
