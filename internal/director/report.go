package director

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/weftlabs/weft/pkg/models"
)

var reportMarkdown = goldmark.New()

// RenderDesignLogHTML renders a run's design log as a single HTML
// fragment, one section per note in chronological order. It is the
// reference transport's optional rendered-markdown field on a run's
// detail payload, not something any dispatch-cycle operation depends
// on.
func RenderDesignLogHTML(notes []models.DesignNote) (string, error) {
	var md strings.Builder
	for _, n := range notes {
		fmt.Fprintf(&md, "### %s\n\n%s\n\n", n.CreatedAt.Format("2006-01-02 15:04:05"), n.Body)
	}
	return renderMarkdown(md.String())
}

// RenderAARHTML renders a single task's after-action report as an
// HTML fragment.
func RenderAARHTML(a *models.AAR) (string, error) {
	if a == nil {
		return "", nil
	}
	var md strings.Builder
	fmt.Fprintf(&md, "## Summary\n\n%s\n\n## Approach\n\n%s\n\n", a.Summary, a.Approach)
	if a.Challenges != "" {
		fmt.Fprintf(&md, "## Challenges\n\n%s\n\n", a.Challenges)
	}
	if len(a.DecisionsMade) > 0 {
		md.WriteString("## Decisions Made\n\n")
		for _, d := range a.DecisionsMade {
			fmt.Fprintf(&md, "- %s\n", d)
		}
		md.WriteString("\n")
	}
	if len(a.FilesModified) > 0 {
		md.WriteString("## Files Modified\n\n")
		for _, f := range a.FilesModified {
			fmt.Fprintf(&md, "- `%s`\n", f)
		}
		md.WriteString("\n")
	}
	return renderMarkdown(md.String())
}

func renderMarkdown(source string) (string, error) {
	var buf bytes.Buffer
	if err := reportMarkdown.Convert([]byte(source), &buf); err != nil {
		return "", fmt.Errorf("render markdown report: %w", err)
	}
	return buf.String(), nil
}
