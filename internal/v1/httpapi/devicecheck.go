package httpapi

import (
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
)

const deviceCheckHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Serenada - Device Diagnostics</title>
<style>
  body { font-family: -apple-system, "Segoe UI", Roboto, sans-serif;
         background: #0f172a; color: #f8fafc; margin: 0; padding: 1rem; }
  .container { max-width: 720px; margin: 0 auto; }
  h1 { color: #38bdf8; text-align: center; }
  .card { background: #1e293b; border-radius: .75rem; padding: 1.25rem; margin-bottom: 1.25rem; }
  .card-title { font-weight: 600; border-bottom: 1px solid #334155;
                padding-bottom: .5rem; margin-bottom: .75rem; }
  .item { display: flex; justify-content: space-between; padding: .4rem 0; }
  .label { color: #94a3b8; }
  .value { font-family: monospace; }
  .ok { color: #22c55e; } .err { color: #ef4444; } .warn { color: #f59e0b; }
  .btn { background: #38bdf8; color: #0f172a; border: none; padding: .5rem 1rem;
         border-radius: .375rem; cursor: pointer; font-weight: 600; }
  #log { font-size: .75rem; color: #94a3b8; font-family: monospace;
         max-height: 160px; overflow-y: auto; margin-top: .75rem; }
</style>
</head>
<body>
<div class="container">
  <h1>Device Diagnostics</h1>

  <div class="card">
    <div class="card-title">Browser</div>
    <div class="item"><span class="label">Client IP</span><span class="value">{{.ClientIP}}</span></div>
    <div class="item"><span class="label">User Agent</span><span class="value" id="ua">-</span></div>
    <div class="item"><span class="label">RTCPeerConnection</span><span class="value" id="rtc">-</span></div>
    <div class="item"><span class="label">getUserMedia</span><span class="value" id="gum">-</span></div>
  </div>

  <div class="card">
    <div class="card-title">Relay Reachability
      <button class="btn" id="ice-btn" onclick="runIceTest()" style="float:right">Run Test</button>
    </div>
    <div class="item"><span class="label">STUN</span><span class="value" id="stun">NOT TESTED</span></div>
    <div class="item"><span class="label">TURN</span><span class="value" id="turn">NOT TESTED</span></div>
    <div id="log">The test fetches a diagnostic token, exchanges it for relay credentials, and gathers ICE candidates.</div>
  </div>
</div>

<script>
function set(id, cls, text) {
  var el = document.getElementById(id);
  el.className = 'value ' + cls;
  el.textContent = text;
}
function log(msg) {
  var el = document.getElementById('log');
  var div = document.createElement('div');
  div.textContent = '[' + new Date().toLocaleTimeString() + '] ' + msg;
  el.appendChild(div);
  el.scrollTop = el.scrollHeight;
}

document.getElementById('ua').textContent = navigator.userAgent;
set('rtc', window.RTCPeerConnection ? 'ok' : 'err', window.RTCPeerConnection ? 'OK' : 'MISSING');
var gum = !!(navigator.mediaDevices && navigator.mediaDevices.getUserMedia);
set('gum', gum ? 'ok' : 'err', gum ? 'OK' : 'MISSING');

function runIceTest() {
  document.getElementById('ice-btn').disabled = true;
  set('stun', 'warn', 'TESTING');
  set('turn', 'warn', 'TESTING');
  log('Requesting diagnostic token...');
  fetch('/api/diagnostic-token', { method: 'POST' })
    .then(function(res) {
      if (!res.ok) throw new Error('diagnostic token: HTTP ' + res.status);
      return res.json();
    })
    .then(function(data) {
      log('Token received, fetching relay credentials...');
      return fetch('/api/turn-credentials', { headers: { 'X-Turn-Token': data.token } });
    })
    .then(function(res) {
      if (!res.ok) throw new Error('turn credentials: HTTP ' + res.status);
      return res.json();
    })
    .then(gatherCandidates)
    .catch(function(err) {
      log('Error: ' + err.message);
      set('stun', 'err', 'FAILED');
      set('turn', 'err', 'FAILED');
      document.getElementById('ice-btn').disabled = false;
    });
}

function gatherCandidates(config) {
  log('ICE servers: ' + JSON.stringify(config.uris));
  var servers = config.uris.map(function(url) {
    var s = { urls: url };
    if (url.indexOf('stun:') !== 0) {
      s.username = config.username;
      s.credential = config.password;
    }
    return s;
  });

  var pc = new RTCPeerConnection({ iceServers: servers });
  var stun = false, turn = false;
  var timeout = setTimeout(finish, 10000);

  pc.onicecandidate = function(ev) {
    if (!ev.candidate) { finish(); return; }
    log('candidate: ' + ev.candidate.type + ' (' + ev.candidate.protocol + ')');
    if (ev.candidate.type === 'srflx') { stun = true; set('stun', 'ok', 'OK'); }
    if (ev.candidate.type === 'relay') { turn = true; set('turn', 'ok', 'OK'); }
  };

  pc.createDataChannel('probe');
  pc.createOffer()
    .then(function(offer) { return pc.setLocalDescription(offer); })
    .catch(function(err) { log('offer error: ' + err.message); finish(); });

  function finish() {
    clearTimeout(timeout);
    if (!stun) set('stun', 'err', 'FAILED');
    if (!turn) set('turn', 'err', 'FAILED');
    document.getElementById('ice-btn').disabled = false;
    try { pc.close(); } catch (e) {}
  }
}
</script>
</body>
</html>
`

var deviceCheckTmpl = template.Must(template.New("deviceCheck").Parse(deviceCheckHTML))

// DeviceCheck serves the diagnostic page.
func (h *Handlers) DeviceCheck(c *gin.Context) {
	clientIP := c.ClientIP()
	if clientIP == "" {
		clientIP = "Unknown"
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	_ = deviceCheckTmpl.Execute(c.Writer, struct{ ClientIP string }{ClientIP: clientIP})
}
