package stats

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Error reasons repeat endlessly with only addresses and numbers varying.
// Compressing them into templates keeps the dashboard's error panel
// readable: every IP-like or numeric token becomes "#", and per position
// the aggregator remembers either the set of addresses seen or the numeric
// min/max range.

var (
	ipToken      = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(?::\d+)?\b`)
	numericToken = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
)

type slot struct {
	addresses map[string]struct{}
	min, max  float64
	numeric   bool
	seen      bool
}

type template struct {
	text  string
	count int64
	slots []*slot
}

// RenderedTemplate is one row of the dashboard's top-errors panel.
type RenderedTemplate struct {
	Template string `json:"template"`
	Count    int64  `json:"count"`
}

// ErrorAggregator compresses error reasons into templates with per-token
// summaries.
type ErrorAggregator struct {
	templates map[string]*template
}

// NewErrorAggregator creates an empty aggregator.
func NewErrorAggregator() *ErrorAggregator {
	return &ErrorAggregator{templates: make(map[string]*template)}
}

// Add folds one error reason in.
func (a *ErrorAggregator) Add(reason string) {
	key, tokens := normalize(reason)

	tmpl := a.templates[key]
	if tmpl == nil {
		tmpl = &template{text: key, slots: make([]*slot, len(tokens))}
		for i := range tmpl.slots {
			tmpl.slots[i] = &slot{addresses: make(map[string]struct{})}
		}
		a.templates[key] = tmpl
	}
	tmpl.count++

	for i, token := range tokens {
		if i >= len(tmpl.slots) {
			break
		}
		s := tmpl.slots[i]
		if value, err := strconv.ParseFloat(token, 64); err == nil {
			if !s.seen || value < s.min {
				s.min = value
			}
			if !s.seen || value > s.max {
				s.max = value
			}
			s.numeric = true
			s.seen = true
		} else {
			s.addresses[token] = struct{}{}
			s.seen = true
		}
	}
}

// normalize replaces variable tokens with "#" and returns them in the
// order they appear in the string.
func normalize(reason string) (string, []string) {
	var ips, nums []string

	// IPs first so their octets are not re-matched as bare numbers; the
	// distinct placeholders preserve which queue each position draws
	// from.
	masked := ipToken.ReplaceAllStringFunc(reason, func(m string) string {
		ips = append(ips, m)
		return "\x01"
	})
	masked = numericToken.ReplaceAllStringFunc(masked, func(m string) string {
		nums = append(nums, m)
		return "\x02"
	})

	var b strings.Builder
	var tokens []string
	for _, r := range masked {
		switch r {
		case '\x01':
			tokens = append(tokens, ips[0])
			ips = ips[1:]
			b.WriteRune('#')
		case '\x02':
			tokens = append(tokens, nums[0])
			nums = nums[1:]
			b.WriteRune('#')
		default:
			b.WriteRune(r)
		}
	}
	return b.String(), tokens
}

// Top renders the n most frequent templates, substituting each "#" with
// its per-position summary: a numeric range "(min..max)" or
// "[k unique addresses]".
func (a *ErrorAggregator) Top(n int) []RenderedTemplate {
	ordered := make([]*template, 0, len(a.templates))
	for _, tmpl := range a.templates {
		ordered = append(ordered, tmpl)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].count != ordered[j].count {
			return ordered[i].count > ordered[j].count
		}
		return ordered[i].text < ordered[j].text
	})
	if len(ordered) > n {
		ordered = ordered[:n]
	}

	out := make([]RenderedTemplate, 0, len(ordered))
	for _, tmpl := range ordered {
		out = append(out, RenderedTemplate{
			Template: renderTemplate(tmpl),
			Count:    tmpl.count,
		})
	}
	return out
}

func renderTemplate(tmpl *template) string {
	var b strings.Builder
	slotIdx := 0
	for _, r := range tmpl.text {
		if r != '#' {
			b.WriteRune(r)
			continue
		}
		if slotIdx < len(tmpl.slots) {
			b.WriteString(renderSlot(tmpl.slots[slotIdx]))
			slotIdx++
		} else {
			b.WriteRune('#')
		}
	}
	return b.String()
}

func renderSlot(s *slot) string {
	if !s.seen {
		return "#"
	}
	if s.numeric {
		return fmt.Sprintf("(%s..%s)", formatNumber(s.min), formatNumber(s.max))
	}
	return fmt.Sprintf("[%d unique addresses]", len(s.addresses))
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
