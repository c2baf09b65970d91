package server

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/a-h/templ"
)

const statusStyle = `body{font-family:system-ui,-apple-system,sans-serif;margin:0;padding:20px;background:#f5f5f5;color:#222}
.container{max-width:960px;margin:0 auto;background:#fff;padding:20px;border-radius:8px;box-shadow:0 2px 10px rgba(0,0,0,.1)}
h1{border-bottom:2px solid #007acc;padding-bottom:10px}
table{border-collapse:collapse;width:100%;margin-bottom:20px}
th,td{text-align:left;padding:6px 8px;border-bottom:1px solid #eee}
.error{background:#fdecea;border-left:4px solid #d32f2f;padding:12px;white-space:pre-wrap;font-family:monospace}
.ok{color:#2e7d32}`

// StatusPage renders the session snapshot as a self-contained HTML page.
func StatusPage(st Status) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var b strings.Builder
		b.WriteString("<!DOCTYPE html><html><head><meta charset=\"utf-8\"><title>exthmr</title><style>")
		b.WriteString(statusStyle)
		b.WriteString("</style></head><body><div class=\"container\">")
		b.WriteString("<h1>exthmr dev server</h1>")

		writeTable(&b, "Session", [][2]string{
			{"Version", st.Version},
			{"Mode", string(st.Mode)},
			{"Origin", st.Origin},
			{"Output", st.OutDir},
			{"Uptime", st.Uptime},
			{"Build lane", st.BuildLane},
			{"Change lane", st.Change},
			{"Connected extensions", fmt.Sprint(st.Hub.Connected)},
			{"Browser launched", fmt.Sprint(st.Launched)},
		})

		writeTable(&b, "Builds", [][2]string{
			{"Full builds", fmt.Sprint(st.Build.FullBuilds)},
			{"Entry rebuilds", fmt.Sprint(st.Build.EntryRebuilds)},
			{"Failed", fmt.Sprint(st.Build.FailedBuilds)},
			{"Unchanged saves skipped", fmt.Sprint(st.Build.SuppressedHits)},
			{"Tracked files", fmt.Sprint(st.Build.TrackedFiles)},
		})

		b.WriteString("<h2>Entries</h2><table><tr><th>Name</th><th>Role</th><th>Source</th></tr>")
		for _, e := range st.Entries {
			fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td><td>%s</td></tr>",
				templ.EscapeString(e.Name), templ.EscapeString(string(e.Role)), templ.EscapeString(e.Source))
		}
		b.WriteString("</table>")

		if st.Error != nil {
			b.WriteString("<h2>Build error</h2><div class=\"error\">")
			b.WriteString(templ.EscapeString(st.Error.Message))
			if st.Error.Frame != "" {
				b.WriteString("\n\n")
				b.WriteString(templ.EscapeString(st.Error.Frame))
			}
			b.WriteString("</div>")
		} else {
			b.WriteString("<p class=\"ok\">No outstanding build error.</p>")
		}

		b.WriteString("</div></body></html>")

		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := io.WriteString(w, b.String())
		return err
	})
}

func writeTable(b *strings.Builder, title string, rows [][2]string) {
	fmt.Fprintf(b, "<h2>%s</h2><table>", templ.EscapeString(title))
	for _, row := range rows {
		fmt.Fprintf(b, "<tr><th>%s</th><td>%s</td></tr>", templ.EscapeString(row[0]), templ.EscapeString(row[1]))
	}
	b.WriteString("</table>")
}
