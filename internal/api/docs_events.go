package api

import "html/template"

var eventsDocsTmpl = template.Must(template.New("events").Parse(`<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Event Streams | allproxy</title>
  <style>
    body {
      margin: 0;
      font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
      font-size: 14px;
      line-height: 1.65;
      background: #0d1117;
      color: #c9d1d9;
    }
    a { color: #58a6ff; text-decoration: none; }
    nav {
      background: #161b22;
      border-bottom: 1px solid #30363d;
      padding: 0 24px;
      height: 48px;
      display: flex;
      align-items: center;
      gap: 24px;
    }
    nav .brand { font-weight: 600; font-size: 15px; color: #e6edf3; }
    main { max-width: 900px; margin: 0 auto; padding: 32px 16px 64px; }
    h1 { margin: 0 0 8px; font-size: 28px; font-weight: 600; color: #e6edf3; }
    h2 {
      margin: 40px 0 12px;
      font-size: 18px;
      color: #e6edf3;
      padding-bottom: 8px;
      border-bottom: 1px solid #21262d;
    }
    table { width: 100%; border-collapse: collapse; margin-bottom: 20px; font-size: 13px; }
    th { text-align: left; padding: 8px 12px; background: #161b22; color: #8b949e; border-bottom: 1px solid #30363d; }
    td { padding: 8px 12px; border-bottom: 1px solid #21262d; vertical-align: top; }
    code {
      font-family: "SFMono-Regular", Consolas, "Liberation Mono", Menlo, monospace;
      font-size: 12px;
      background: #161b22;
      border: 1px solid #30363d;
      border-radius: 3px;
      padding: 1px 5px;
      color: #e6edf3;
    }
    pre { background: #161b22; border: 1px solid #30363d; border-radius: 6px; padding: 16px; overflow-x: auto; }
    pre code { background: none; border: none; padding: 0; font-size: 13px; }
  </style>
</head>
<body>
<nav>
  <span class="brand">allproxy</span>
  <a href="/docs">REST API Docs</a>
</nav>
<main>
  <h1>Event Streams</h1>
  <p>Captured exchanges leave the proxy on two channels: the observer socket used by consoles,
  and a read-only server-sent event feed for scripts.</p>

  <h2 id="sse">GET /api/v1/events</h2>
  <p>Each event is one Message encoded as JSON. The SSE <code>event</code> field is the feed name.</p>
  <table>
    <tr><th>Parameter</th><th>Meaning</th></tr>
    <tr><td><code>feeds</code></td><td>Comma-separated feed names. Defaults to <code>messages</code>, which carries everything.</td></tr>
    <tr><td><code>protocols</code></td><td>Comma-separated protocols, with or without the trailing colon, e.g. <code>https,redis</code>.</td></tr>
  </table>
  <p>Configured feeds:</p>
  <ul>{{range .Feeds}}<li><code>{{.}}</code></li>{{end}}</ul>
  <pre><code>curl -N 'http://{{.Host}}/api/v1/events?protocols=https'</code></pre>

  <h2 id="ws">GET /ws</h2>
  <p>The observer socket exchanges JSON envelopes <code>{"event", "id", "ack", "data"}</code>.
  Message batches arrive as <code>reqResJson</code> and must be acknowledged with an <code>ack</code>
  envelope carrying the batch id; at most two batches are outstanding per observer.</p>
  <table>
    <tr><th>Server event</th><th>Data</th></tr>
    <tr><td><code>port config</code></td><td>Listener layout.</td></tr>
    <tr><td><code>proxy config</code></td><td>The observer's current rules.</td></tr>
    <tr><td><code>reqResJson</code></td><td>Array of Messages.</td></tr>
    <tr><td><code>breakpoint</code></td><td>A Message awaiting edits; reply with the edited Message.</td></tr>
    <tr><td><code>status dialog</code>, <code>error dialog</code></td><td>Text for the console.</td></tr>
  </table>
</main>
</body>
</html>`))

type eventsDocsData struct {
	Host  string
	Feeds []string
}
