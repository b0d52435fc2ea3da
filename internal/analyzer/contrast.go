package analyzer

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/sitelens/sitelens/internal/audit"
)

// minContrastRatio is the WCAG AA threshold for normal text.
const minContrastRatio = 4.5

var (
	cssRuleRe  = regexp.MustCompile(`([^{}]+)\{([^{}]*)\}`)
	colorRe    = regexp.MustCompile(`(?i)(?:^|[\s;{])color\s*:\s*(#[0-9a-f]{3,8})`)
	bgColorRe  = regexp.MustCompile(`(?i)background(?:-color)?\s*:\s*(#[0-9a-f]{3,8})`)
	hexDigitRe = regexp.MustCompile(`(?i)^#(?:[0-9a-f]{3}|[0-9a-f]{6})$`)
)

// CheckContrast scans every CSS rule that declares both a text color and a
// background color in hex form and flags pairs below the AA ratio. Colors in
// other notations are skipped rather than guessed at.
func CheckContrast(_ context.Context, src *Source) ([]audit.Issue, error) {
	var issues []audit.Issue
	for _, css := range src.AllCSS() {
		for _, match := range cssRuleRe.FindAllStringSubmatch(css, -1) {
			selector := strings.TrimSpace(match[1])
			body := match[2]

			fg, fgOK := firstHex(colorRe, body)
			bg, bgOK := firstHex(bgColorRe, body)
			if !fgOK || !bgOK {
				continue
			}
			ratio, err := contrastRatio(fg, bg)
			if err != nil {
				continue
			}
			if ratio < minContrastRatio {
				issues = append(issues, audit.Issue{
					RuleKey:  "contrast.low-ratio",
					Module:   audit.ModuleContrast,
					Severity: audit.SeveritySerious,
					Message:  fmt.Sprintf("text contrast ratio %.2f:1 is below %.1f:1", ratio, minContrastRatio),
					Evidence: fmt.Sprintf("%s { color: %s; background: %s }", selector, fg, bg),
				})
			}
		}
	}
	return issues, nil
}

func firstHex(re *regexp.Regexp, body string) (string, bool) {
	m := re.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	hex := strings.ToLower(m[1])
	if !hexDigitRe.MatchString(hex) {
		return "", false
	}
	return hex, true
}

// contrastRatio implements the WCAG 2.x relative luminance formula.
func contrastRatio(fg, bg string) (float64, error) {
	lf, err := relativeLuminance(fg)
	if err != nil {
		return 0, err
	}
	lb, err := relativeLuminance(bg)
	if err != nil {
		return 0, err
	}
	lighter, darker := lf, lb
	if darker > lighter {
		lighter, darker = darker, lighter
	}
	return (lighter + 0.05) / (darker + 0.05), nil
}

func relativeLuminance(hex string) (float64, error) {
	r, g, b, err := parseHex(hex)
	if err != nil {
		return 0, err
	}
	return 0.2126*linearize(r) + 0.7152*linearize(g) + 0.0722*linearize(b), nil
}

func linearize(channel float64) float64 {
	c := channel / 255
	if c <= 0.04045 {
		return c / 12.92
	}
	return math.Pow((c+0.055)/1.055, 2.4)
}

func parseHex(hex string) (r, g, b float64, err error) {
	hex = strings.TrimPrefix(hex, "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return 0, 0, 0, fmt.Errorf("unsupported hex color length %d", len(hex))
	}
	val, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("parse hex color: %w", err)
	}
	return float64(val >> 16 & 0xff), float64(val >> 8 & 0xff), float64(val & 0xff), nil
}
