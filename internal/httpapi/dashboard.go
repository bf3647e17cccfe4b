package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Batch Loader</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body { margin: 0; font-family: "IBM Plex Sans", "Segoe UI", sans-serif; color: var(--ink); background: var(--paper); }
    header { display: flex; gap: 12px; align-items: center; padding: 16px 24px; border-bottom: 1px solid var(--line); }
    header h1 { font-size: 18px; margin: 0 auto 0 0; }
    input, select, button { font: inherit; padding: 6px 10px; border: 1px solid var(--line); border-radius: 6px; background: var(--card); }
    main { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; padding: 16px 24px; }
    section { background: var(--card); border: 1px solid var(--line); border-radius: 10px; padding: 12px; overflow: auto; }
    table { width: 100%; border-collapse: collapse; font-size: 13px; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); }
    .status-complete { color: var(--accent); }
    .status-error { color: var(--danger); }
    #feed { font-family: "IBM Plex Mono", monospace; font-size: 12px; white-space: pre-wrap; }
    #state { color: var(--muted); font-size: 13px; }
  </style>
</head>
<body>
  <header>
    <h1>Batch Loader</h1>
    <input id="token" type="password" placeholder="admin token" />
    <input id="prefix" placeholder="prefix filter" />
    <select id="status">
      <option value="">any status</option>
      <option>open</option><option>locked</option><option>complete</option>
      <option>error</option><option>reprocessing</option><option>reprocessed</option>
    </select>
    <button id="refresh">Refresh</button>
    <span id="state">enter token to start</span>
  </header>
  <main>
    <section>
      <table>
        <thead><tr><th>Prefix</th><th>Batch</th><th>Status</th><th>Files</th><th>Bytes</th><th>Updated</th></tr></thead>
        <tbody id="batches"></tbody>
      </table>
    </section>
    <section><div id="feed"></div></section>
  </main>
  <script>
    (() => {
      const dom = {
        token: document.getElementById("token"),
        prefix: document.getElementById("prefix"),
        status: document.getElementById("status"),
        refresh: document.getElementById("refresh"),
        state: document.getElementById("state"),
        batches: document.getElementById("batches"),
        feed: document.getElementById("feed"),
      };
      let socket = null;

      const setState = (text) => { dom.state.textContent = text; };

      async function refresh() {
        const token = dom.token.value.trim();
        if (!token) { setState("enter token to start"); return; }
        window.localStorage.setItem("batchloader_dashboard_token", token);
        const params = new URLSearchParams();
        if (dom.prefix.value.trim()) params.set("prefix", dom.prefix.value.trim());
        if (dom.status.value) params.set("status", dom.status.value);
        const resp = await fetch("/v1/admin/batches?" + params, {
          headers: { "Authorization": "Bearer " + token, "X-Correlation-Id": "dash_" + Date.now() },
        });
        const body = await resp.json();
        if (!resp.ok) { setState(body.message || resp.statusText); return; }
        dom.batches.replaceChildren(...body.batches.map((b) => {
          const row = document.createElement("tr");
          for (const value of [b.prefix, b.batchId, b.status || "", (b.entries || []).length, b.size, b.lastUpdate]) {
            const cell = document.createElement("td");
            cell.textContent = value;
            row.appendChild(cell);
          }
          row.children[2].className = "status-" + (b.status || "");
          return row;
        }));
        setState(body.total + " batches");
        connect(token);
      }

      function connect(token) {
        if (socket) return;
        const scheme = window.location.protocol === "https:" ? "wss://" : "ws://";
        socket = new WebSocket(scheme + window.location.host + "/v1/batches/stream?access_token=" + encodeURIComponent(token));
        socket.onmessage = (msg) => {
          const ev = JSON.parse(msg.data);
          dom.feed.textContent = [ev.at, ev.type, ev.prefix, ev.batchId, ev.file || ev.detail || ""].join(" ") + "\n" + dom.feed.textContent;
        };
        socket.onclose = () => { socket = null; };
      }

      dom.refresh.addEventListener("click", refresh);
      dom.token.value = window.localStorage.getItem("batchloader_dashboard_token") || "";
      if (dom.token.value) refresh();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
