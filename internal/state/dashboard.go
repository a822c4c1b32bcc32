package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/ashmere/renovateagent/internal/domain/model"
)

// sentinelOpen and sentinelClose delimit the hidden machine-readable block
// inside a dashboard issue body.
const (
	sentinelOpen  = "<!-- RENOVATE_AGENT_STATE"
	sentinelClose = "-->"
)

// hiddenBlock is the JSON payload persisted inside the dashboard issue's
// HTML comment. Field names are part of the externalized on-disk (well,
// on-issue) format and must stay stable across releases.
type hiddenBlock struct {
	PerPR   map[int]model.PRRecord `json:"per_pr"`
	Stats   model.Stats            `json:"stats"`
	Polling model.PollingMetadata  `json:"polling_metadata"`
}

// ParseDashboard locates the hidden block by sentinel and decodes it. A
// missing sentinel or unparseable JSON both yield a zero-value
// DashboardRecord with found=false: missing or unparseable means treat as
// empty. Callers distinguish "never had a dashboard" from "corrupted
// dashboard" only for metrics purposes (dashboard_rebuilt); recovery
// behavior is identical either way.
func ParseDashboard(repoFullName, body string) (rec model.DashboardRecord, found bool) {
	rec = model.NewDashboardRecord(repoFullName)

	start := strings.Index(body, sentinelOpen)
	if start == -1 {
		return rec, false
	}
	rest := body[start+len(sentinelOpen):]
	end := strings.Index(rest, sentinelClose)
	if end == -1 {
		return rec, false
	}
	raw := strings.TrimSpace(rest[:end])

	var hb hiddenBlock
	if err := json.Unmarshal([]byte(raw), &hb); err != nil {
		return rec, false
	}

	rec.PerPR = hb.PerPR
	if rec.PerPR == nil {
		rec.PerPR = make(map[int]model.PRRecord)
	}
	rec.Stats = hb.Stats
	rec.Polling = hb.Polling
	return rec, true
}

// plainTitle strips any Markdown formatting from a PR title before it is
// interpolated into the dashboard's own Markdown table, by parsing it with
// goldmark and re-emitting only its text nodes. PR titles come from
// untrusted, externally-authored content (the bot, or whoever named the
// branch); a raw title containing a "|" or an unbalanced "`"/"*" would
// otherwise corrupt the surrounding table or inject formatting the agent
// never intended to render.
func plainTitle(title string) string {
	if title == "" {
		return ""
	}

	src := []byte(title)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var sb strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			if t, ok := n.(*ast.Text); ok {
				sb.Write(t.Segment.Value(src))
			}
		}
		return ast.WalkContinue, nil
	})

	out := sb.String()
	if out == "" {
		out = title
	}
	return strings.ReplaceAll(out, "|", "\\|")
}

// humanBodyTemplate renders the visible Markdown portion of a dashboard
// issue body. It is regenerated wholesale from the hidden block on every
// write, never hand-edited.
var humanBodyTemplate = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"plainTitle": plainTitle,
}).Parse(
	`## Renovate Agent Dashboard

_Last cycle: {{.Polling.LastCycleAt.Format "2006-01-02 15:04:05 MST"}} · next poll ~{{.Polling.CurrentInterval}} · activity {{printf "%.2f" .Polling.ActivityScore}}_

| Metric | Count |
|---|---|
| Approved | {{.Stats.TotalApproved}} |
| Blocked | {{.Stats.TotalBlocked}} |
| Fixes applied | {{.Stats.TotalFixes}} |
| Ignored | {{.Stats.TotalIgnored}} |
| Vanished | {{.Stats.TotalVanished}} |

{{if .PerPR}}| PR | Title | Last action | When | Open conversations | Note |
|---|---|---|---|---|---|
{{range $n, $rec := .PerPR}}| #{{$n}} | {{plainTitle $rec.Title}} | {{$rec.LastAction}} | {{$rec.LastActionAt.Format "2006-01-02 15:04"}} | {{$rec.OpenConversations}} | {{if $rec.LastError}}{{$rec.LastError}}{{else if $rec.BlockReason}}{{$rec.BlockReason}}{{else}}—{{end}} |
{{end}}{{else}}_No tracked pull requests yet._
{{end}}`))

// RenderDashboard produces the full issue body: a human-readable Markdown
// report followed by the hidden JSON block.
func RenderDashboard(rec model.DashboardRecord) (string, error) {
	var human bytes.Buffer
	if err := humanBodyTemplate.Execute(&human, rec); err != nil {
		return "", fmt.Errorf("render dashboard body: %w", err)
	}

	hb := hiddenBlock{PerPR: rec.PerPR, Stats: rec.Stats, Polling: rec.Polling}
	raw, err := json.Marshal(hb)
	if err != nil {
		return "", fmt.Errorf("marshal hidden block: %w", err)
	}

	return fmt.Sprintf("%s\n%s\n%s\n%s\n", human.String(), sentinelOpen, raw, sentinelClose), nil
}
