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
  <title>PlanLoop Calendar Sync</title>
  <style>
    :root {
      --ink: #1c2430;
      --paper: #f6f7fb;
      --card: #ffffff;
      --line: #d9dfe9;
      --accent: #3564c4;
      --accent-2: #2a9d6f;
      --danger: #c2483f;
      --muted: #69758a;
      --shadow: 0 14px 30px rgba(28, 36, 48, 0.12);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Inter", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(150deg, #f9fbff 0%, #eef2f9 55%, #f6f7fb 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell {
      max-width: 1100px;
      margin: 0 auto;
      display: grid;
      gap: 14px;
    }

    .bar, .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 16px;
      box-shadow: var(--shadow);
    }

    h1 { margin: 0; font-size: 1.4rem; }
    h2 { margin: 0 0 10px; font-size: 1rem; color: var(--muted); text-transform: uppercase; letter-spacing: 0.06em; }

    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }

    .controls {
      display: grid;
      gap: 10px;
      grid-template-columns: 2fr auto auto auto;
      margin-top: 12px;
    }

    .controls input {
      width: 100%;
      border-radius: 8px;
      border: 1px solid var(--line);
      padding: 8px 10px;
      font: inherit;
    }

    button {
      border: 0;
      border-radius: 8px;
      padding: 8px 14px;
      font: inherit;
      color: #fff;
      background: var(--accent);
      cursor: pointer;
    }
    button.alt { background: var(--accent-2); }
    button.danger { background: var(--danger); }

    .grid { display: grid; gap: 14px; grid-template-columns: repeat(auto-fit, minmax(320px, 1fr)); }

    pre {
      margin: 0;
      background: var(--paper);
      border: 1px solid var(--line);
      border-radius: 8px;
      padding: 10px;
      font-size: 0.8rem;
      max-height: 360px;
      overflow: auto;
      white-space: pre-wrap;
      word-break: break-word;
    }

    .err { color: var(--danger); font-size: 0.85rem; min-height: 1.2em; margin-top: 8px; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>PlanLoop Calendar Sync</h1>
      <div class="sub">Mirror state, webhook channels, and cache health for one user.</div>
      <div class="controls">
        <input id="token" type="password" placeholder="Bearer token" />
        <button onclick="refreshAll()">Refresh</button>
        <button class="alt" onclick="fullSync()">Force full sync</button>
        <button class="danger" onclick="clearCache()">Clear cache</button>
      </div>
      <div class="err" id="error"></div>
    </div>
    <div class="grid">
      <div class="card"><h2>Events</h2><pre id="events">–</pre></div>
      <div class="card"><h2>Webhook channel</h2><pre id="webhook">–</pre></div>
      <div class="card"><h2>Cache stats</h2><pre id="cache">–</pre></div>
    </div>
  </div>
  <script>
    function authHeaders() {
      return { "Authorization": "Bearer " + document.getElementById("token").value };
    }

    async function call(method, path) {
      const resp = await fetch(path, { method: method, headers: authHeaders() });
      const body = await resp.json().catch(() => ({}));
      if (!resp.ok) {
        throw new Error(body.message || ("HTTP " + resp.status));
      }
      return body;
    }

    function render(id, data) {
      document.getElementById(id).textContent = JSON.stringify(data, null, 2);
    }

    async function refreshAll() {
      const errEl = document.getElementById("error");
      errEl.textContent = "";
      try {
        render("events", await call("GET", "/v1/calendar/events"));
        render("webhook", await call("GET", "/v1/webhook/status"));
        render("cache", await call("GET", "/v1/cache/stats"));
      } catch (err) {
        errEl.textContent = err.message;
      }
    }

    async function fullSync() {
      const errEl = document.getElementById("error");
      errEl.textContent = "";
      try {
        render("events", await call("GET", "/v1/calendar/events?forceFullSync=true&fullSnapshot=true"));
      } catch (err) {
        errEl.textContent = err.message;
      }
    }

    async function clearCache() {
      const errEl = document.getElementById("error");
      errEl.textContent = "";
      try {
        await call("DELETE", "/v1/cache");
        render("cache", await call("GET", "/v1/cache/stats"));
      } catch (err) {
        errEl.textContent = err.message;
      }
    }
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
