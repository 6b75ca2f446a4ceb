package server

// DashboardHTML is the single-page status view. It reads the current mode
// and crawl over the API and follows live events on /ws.
const DashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Tapedeck</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, monospace;
    background: #0d1117; color: #c9d1d9; padding: 20px;
  }
  h1 { color: #58a6ff; margin-bottom: 16px; font-size: 1.5em; }
  .cards { display: grid; grid-template-columns: repeat(auto-fit, minmax(150px, 1fr)); gap: 12px; margin-bottom: 20px; }
  .card { background: #161b22; border: 1px solid #30363d; border-radius: 6px; padding: 16px; text-align: center; }
  .label { font-size: 0.75em; color: #8b949e; text-transform: uppercase; }
  .value { font-size: 1.6em; font-weight: 700; color: #d2a8ff; }
  #log { background: #161b22; border: 1px solid #30363d; border-radius: 6px; padding: 12px; height: 360px; overflow-y: auto; font-size: 0.85em; }
  #log div { padding: 2px 0; border-bottom: 1px solid #21262d; }
  .type { color: #3fb950; margin-right: 8px; }
</style>
</head>
<body>
<h1>Tapedeck</h1>
<div class="cards">
  <div class="card"><div class="label">Mode</div><div class="value" id="mode">-</div></div>
  <div class="card"><div class="label">Crawl</div><div class="value" id="state">-</div></div>
  <div class="card"><div class="label">Visited</div><div class="value" id="visited">0</div></div>
  <div class="card"><div class="label">Remaining</div><div class="value" id="remaining">0</div></div>
  <div class="card"><div class="label">PPM</div><div class="value" id="ppm">0</div></div>
</div>
<div id="log"></div>
<script>
function showStatus(s) {
  document.getElementById('state').textContent = s.state;
  document.getElementById('visited').textContent = s.pagesVisited;
  document.getElementById('remaining').textContent = s.pagesRemaining;
  document.getElementById('ppm').textContent = s.ppm.toFixed(1) + ' / ' + s.ppmLimit;
}
function append(ev) {
  const log = document.getElementById('log');
  const row = document.createElement('div');
  const type = document.createElement('span');
  type.className = 'type';
  type.textContent = ev.type;
  row.appendChild(type);
  row.appendChild(document.createTextNode(JSON.stringify(ev.payload)));
  log.prepend(row);
  while (log.children.length > 200) log.removeChild(log.lastChild);
}
fetch('/api/mode').then(r => r.json()).then(b => { document.getElementById('mode').textContent = b.mode; });
fetch('/api/scrape').then(r => r.ok ? r.json() : null).then(b => { if (b) showStatus(b.status); });
function connect() {
  const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
  ws.onmessage = (msg) => {
    const ev = JSON.parse(msg.data);
    if (ev.type === 'mode.changed') document.getElementById('mode').textContent = ev.payload;
    if (ev.type === 'scrape.status') showStatus(ev.payload);
    append(ev);
  };
  ws.onclose = () => setTimeout(connect, 2000);
}
connect();
</script>
</body>
</html>
`
