package analyzer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sitelens/sitelens/internal/audit"
)

// CheckStructure validates the document outline: title, heading hierarchy,
// and language declaration.
func CheckStructure(_ context.Context, src *Source) ([]audit.Issue, error) {
	var issues []audit.Issue

	title := strings.TrimSpace(src.Doc.Find("head title").First().Text())
	if title == "" {
		issues = append(issues, audit.Issue{
			RuleKey:  "structure.missing-title",
			Module:   audit.ModuleStructure,
			Severity: audit.SeveritySerious,
			Message:  "document has no title element",
		})
	}

	h1Count := src.Doc.Find("h1").Length()
	switch {
	case h1Count == 0:
		issues = append(issues, audit.Issue{
			RuleKey:  "structure.missing-h1",
			Module:   audit.ModuleStructure,
			Severity: audit.SeverityModerate,
			Message:  "document has no h1 heading",
		})
	case h1Count > 1:
		issues = append(issues, audit.Issue{
			RuleKey:  "structure.multiple-h1",
			Module:   audit.ModuleStructure,
			Severity: audit.SeverityMinor,
			Message:  fmt.Sprintf("document has %d h1 headings", h1Count),
		})
	}

	issues = append(issues, headingSkips(src.Doc)...)

	if lang, ok := src.Doc.Find("html").Attr("lang"); !ok || strings.TrimSpace(lang) == "" {
		issues = append(issues, audit.Issue{
			RuleKey:  "structure.missing-lang",
			Module:   audit.ModuleStructure,
			Severity: audit.SeverityModerate,
			Message:  "html element has no lang attribute",
		})
	}

	return issues, nil
}

// headingSkips flags outline jumps like h2 followed directly by h4.
func headingSkips(doc *goquery.Document) []audit.Issue {
	var issues []audit.Issue
	prev := 0
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, sel *goquery.Selection) {
		level, err := strconv.Atoi(strings.TrimPrefix(goquery.NodeName(sel), "h"))
		if err != nil {
			return
		}
		if prev > 0 && level > prev+1 {
			issues = append(issues, audit.Issue{
				RuleKey:  "structure.heading-skip",
				Module:   audit.ModuleStructure,
				Severity: audit.SeverityMinor,
				Message:  fmt.Sprintf("heading level jumps from h%d to h%d", prev, level),
				Evidence: strings.TrimSpace(sel.Text()),
			})
		}
		prev = level
	})
	return issues
}
