package diag

import (
	"fmt"
	"net/http"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
)

const statusCSSSrc = `
body { font: 13px monospace; background: #111; color: #ddd; margin: 1.5em; }
table { border-collapse: collapse; width: 100%; }
th, td { border-bottom: 1px solid #333; padding: 4px 8px; text-align: left; }
th { color: #888; text-transform: uppercase; font-size: 11px; }
.up { color: #6f6; }
.relaying { color: #fc6; }
.waiting { color: #f66; }
.none { color: #666; }
`

var statusCSS = mustMinifyCSS(statusCSSSrc)

func mustMinifyCSS(src string) string {
	m := minify.New()
	m.AddFunc("text/css", css.Minify)
	out, err := m.String("text/css", src)
	if err != nil {
		// Falls back to the unminified source; a malformed stylesheet
		// here is a build-time mistake, not a runtime condition worth
		// crashing a running node over.
		return src
	}
	return out
}

// ServeStatus is a documentation stub for GET /status — a minimal
// auto-refreshing HTML view over the same data as /api/peers and
// /api/queue, for a human glancing at a node without a log viewer.
//
//	@Summary	Minimal human-readable status page
//	@Tags		diag
//	@Produce	text/html
//	@Success	200	{string}	string	"HTML page"
//	@Router		/status [get]
func (s *Server) ServeStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	snap := s.src.snapshot(s.now())
	fmt.Fprintf(w, "<!doctype html><html><head><title>meshvpn status</title><meta http-equiv=\"refresh\" content=\"%d\"><style>%s</style>",
		int(broadcastInterval.Seconds()), statusCSS)
	fmt.Fprint(w, "</head><body><h1>peers</h1><table><tr><th>id</th><th>master</th><th>phase</th><th>link</th><th>relay</th></tr>")
	for _, p := range snap.Peers {
		fmt.Fprintf(w, "<tr><td>%d</td><td>%v</td><td>%s</td><td class=%q>%s</td><td>%d users</td></tr>",
			p.ID, p.IsMaster, p.Phase, linkClass(p.Link), p.Link, p.RelayUsers)
	}
	fmt.Fprint(w, "</table><h1>queue</h1><table><tr><th>peer</th><th>state</th><th>busy</th></tr>")
	for _, q := range snap.Queue {
		fmt.Fprintf(w, "<tr><td>%d</td><td>%s</td><td>%v</td></tr>", q.PeerID, q.State, q.Busy)
	}
	fmt.Fprint(w, "</table></body></html>")
}

func linkClass(link string) string {
	switch link {
	case "have_link":
		return "up"
	case "relaying_via":
		return "relaying"
	case "waiting_for_relay":
		return "waiting"
	default:
		return "none"
	}
}
