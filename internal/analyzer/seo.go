package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sitelens/sitelens/internal/audit"
)

const (
	minTitleLen = 10
	maxTitleLen = 60
	minDescLen  = 50
	maxDescLen  = 160
)

// genericLinkTexts are anchor labels that tell a crawler or screen reader
// nothing about the destination.
var genericLinkTexts = map[string]struct{}{
	"click here": {},
	"here":       {},
	"read more":  {},
	"more":       {},
	"learn more": {},
	"link":       {},
	"this":       {},
}

// CheckSEO covers the on-page signals: title and description lengths,
// canonical link, robots directives, and link text quality.
func CheckSEO(_ context.Context, src *Source) ([]audit.Issue, error) {
	var issues []audit.Issue

	title := strings.TrimSpace(src.Doc.Find("head title").First().Text())
	if title != "" && (len(title) < minTitleLen || len(title) > maxTitleLen) {
		issues = append(issues, audit.Issue{
			RuleKey:  "seo.title-length",
			Module:   audit.ModuleSEO,
			Severity: audit.SeverityMinor,
			Message:  fmt.Sprintf("title is %d characters, recommended %d-%d", len(title), minTitleLen, maxTitleLen),
			Evidence: title,
		})
	}

	desc, hasDesc := src.Doc.Find(`head meta[name="description"]`).Attr("content")
	desc = strings.TrimSpace(desc)
	switch {
	case !hasDesc || desc == "":
		issues = append(issues, audit.Issue{
			RuleKey:  "seo.missing-meta-description",
			Module:   audit.ModuleSEO,
			Severity: audit.SeverityModerate,
			Message:  "document has no meta description",
		})
	case len(desc) < minDescLen || len(desc) > maxDescLen:
		issues = append(issues, audit.Issue{
			RuleKey:  "seo.meta-description-length",
			Module:   audit.ModuleSEO,
			Severity: audit.SeverityMinor,
			Message:  fmt.Sprintf("meta description is %d characters, recommended %d-%d", len(desc), minDescLen, maxDescLen),
			Evidence: desc,
		})
	}

	if href, ok := src.Doc.Find(`head link[rel="canonical"]`).Attr("href"); !ok || strings.TrimSpace(href) == "" {
		issues = append(issues, audit.Issue{
			RuleKey:  "seo.missing-canonical",
			Module:   audit.ModuleSEO,
			Severity: audit.SeverityMinor,
			Message:  "document has no canonical link",
		})
	}

	if robots, ok := src.Doc.Find(`head meta[name="robots"]`).Attr("content"); ok {
		if strings.Contains(strings.ToLower(robots), "noindex") {
			issues = append(issues, audit.Issue{
				RuleKey:  "seo.noindex",
				Module:   audit.ModuleSEO,
				Severity: audit.SeveritySerious,
				Message:  "page is excluded from indexing by a robots noindex directive",
				Evidence: robots,
			})
		}
	}

	src.Doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		text := strings.ToLower(strings.TrimSpace(sel.Text()))
		if _, generic := genericLinkTexts[text]; !generic {
			return
		}
		href, _ := sel.Attr("href")
		issues = append(issues, audit.Issue{
			RuleKey:  "seo.generic-link-text",
			Module:   audit.ModuleSEO,
			Severity: audit.SeverityMinor,
			Message:  fmt.Sprintf("link text %q carries no destination context", text),
			Evidence: href,
		})
	})

	return issues, nil
}
