package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sitelens/sitelens/internal/audit"
)

// CheckForms inspects form markup for the labeling and safety problems that
// break screen readers and leak credentials.
func CheckForms(_ context.Context, src *Source) ([]audit.Issue, error) {
	var issues []audit.Issue

	labeledIDs := make(map[string]struct{})
	src.Doc.Find("label[for]").Each(func(_ int, sel *goquery.Selection) {
		if id, ok := sel.Attr("for"); ok && id != "" {
			labeledIDs[id] = struct{}{}
		}
	})

	src.Doc.Find("input, select, textarea").Each(func(_ int, sel *goquery.Selection) {
		inputType, _ := sel.Attr("type")
		switch strings.ToLower(inputType) {
		case "hidden", "submit", "button", "reset", "image":
			return
		}
		if hasAccessibleName(sel, labeledIDs) {
			return
		}
		issues = append(issues, audit.Issue{
			RuleKey:  "forms.input-missing-label",
			Module:   audit.ModuleForms,
			Severity: audit.SeveritySerious,
			Message:  "form control has no associated label",
			Evidence: elementSummary(sel),
		})
	})

	src.Doc.Find("form").Each(func(_ int, sel *goquery.Selection) {
		if sel.Find(`input[type="submit"], button[type="submit"], button:not([type])`).Length() == 0 {
			issues = append(issues, audit.Issue{
				RuleKey:  "forms.missing-submit",
				Module:   audit.ModuleForms,
				Severity: audit.SeverityModerate,
				Message:  "form has no submit control",
				Evidence: elementSummary(sel),
			})
		}
	})

	if !src.IsSecure() {
		src.Doc.Find(`input[type="password"]`).Each(func(_ int, sel *goquery.Selection) {
			issues = append(issues, audit.Issue{
				RuleKey:  "forms.password-insecure",
				Module:   audit.ModuleForms,
				Severity: audit.SeverityCritical,
				Message:  "password field served over plain HTTP",
				Evidence: elementSummary(sel),
			})
		})
	}

	return issues, nil
}

func hasAccessibleName(sel *goquery.Selection, labeledIDs map[string]struct{}) bool {
	if id, ok := sel.Attr("id"); ok {
		if _, labeled := labeledIDs[id]; labeled {
			return true
		}
	}
	if v, ok := sel.Attr("aria-label"); ok && strings.TrimSpace(v) != "" {
		return true
	}
	if v, ok := sel.Attr("aria-labelledby"); ok && strings.TrimSpace(v) != "" {
		return true
	}
	// A wrapping label names the control without a for attribute.
	return sel.ParentsFiltered("label").Length() > 0
}

func elementSummary(sel *goquery.Selection) string {
	tag := goquery.NodeName(sel)
	var attrs []string
	for _, name := range []string{"id", "name", "type", "action"} {
		if v, ok := sel.Attr(name); ok && v != "" {
			attrs = append(attrs, fmt.Sprintf("%s=%q", name, v))
		}
	}
	if len(attrs) == 0 {
		return fmt.Sprintf("<%s>", tag)
	}
	return fmt.Sprintf("<%s %s>", tag, strings.Join(attrs, " "))
}
