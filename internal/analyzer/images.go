package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sitelens/sitelens/internal/audit"
)

const (
	// oversizeFactor flags images whose natural area is this many times the
	// rendered area.
	oversizeFactor = 4
	// foldHeight approximates the first viewport; images below it are lazy
	// loading candidates.
	foldHeight = 900
)

// CheckImages combines DOM attributes with the rendered image metadata the
// fetcher captured in the browser. When metadata is missing the DOM-only
// checks still run.
func CheckImages(_ context.Context, src *Source) ([]audit.Issue, error) {
	var issues []audit.Issue

	src.Doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		if _, ok := sel.Attr("alt"); !ok {
			issues = append(issues, audit.Issue{
				RuleKey:  "images.missing-alt",
				Module:   audit.ModuleImages,
				Severity: audit.SeveritySerious,
				Message:  "image has no alt attribute",
				Evidence: imgSrc(sel),
			})
		}
		_, hasW := sel.Attr("width")
		_, hasH := sel.Attr("height")
		if !hasW || !hasH {
			issues = append(issues, audit.Issue{
				RuleKey:  "images.missing-dimensions",
				Module:   audit.ModuleImages,
				Severity: audit.SeverityMinor,
				Message:  "image has no explicit dimensions, causing layout shift",
				Evidence: imgSrc(sel),
			})
		}
	})

	for _, img := range src.Snapshot.Images {
		if img.RenderedW > 0 && img.RenderedH > 0 && img.NaturalW > 0 && img.NaturalH > 0 {
			naturalArea := img.NaturalW * img.NaturalH
			renderedArea := img.RenderedW * img.RenderedH
			if naturalArea >= renderedArea*oversizeFactor {
				issues = append(issues, audit.Issue{
					RuleKey:  "images.oversized",
					Module:   audit.ModuleImages,
					Severity: audit.SeverityModerate,
					Message: fmt.Sprintf("image is %dx%d but renders at %dx%d",
						img.NaturalW, img.NaturalH, img.RenderedW, img.RenderedH),
					Evidence: img.Src,
				})
			}
		}
		if img.Y > foldHeight && img.Loading == "" {
			issues = append(issues, audit.Issue{
				RuleKey:  "images.lazy-candidate",
				Module:   audit.ModuleImages,
				Severity: audit.SeverityMinor,
				Message:  "below-the-fold image loads eagerly",
				Evidence: img.Src,
			})
		}
	}

	return issues, nil
}

func imgSrc(sel *goquery.Selection) string {
	if src, ok := sel.Attr("src"); ok {
		return strings.TrimSpace(src)
	}
	return ""
}
