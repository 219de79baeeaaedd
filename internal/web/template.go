package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/floodgate/internal/logging"
	"github.com/sweeney/floodgate/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": formatUptime,
	"level": func(mm *float64) string {
		if mm == nil {
			return "-"
		}
		return fmt.Sprintf("%.3f m", *mm/1000)
	},
	"ago": func(now, t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return now.Sub(t).Truncate(time.Second).String() + " ago"
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Floodgate</title>
<style>
body { font-family: monospace; max-width: 50em; margin: 1.5em auto; padding: 0 1em; color: #222; }
h1 { font-size: 1.3em; }
h2 { font-size: 1.1em; margin-top: 1.5em; }
table { border-collapse: collapse; width: 100%; }
td, th { text-align: left; padding: 3px 8px; border-bottom: 1px solid #e4e4e4; }
.connected { color: green; }
.connecting, .reconnecting { color: orange; }
.disconnected { color: red; }
.dot { display: inline-block; width: 9px; height: 9px; border-radius: 50%; margin-left: 8px; }
.dot.ok { background: green; }
.dot.err { background: red; }
.dot.pending { background: orange; }
#events { max-height: 16em; overflow-y: auto; }
</style>
</head>
<body>
<h1>Floodgate<span id="live" class="dot pending" title="connecting"></span></h1>

<h2>Sensors</h2>
<table>
<tr><th>IP</th><th>Port</th><th>State</th><th>Retry</th><th>Level</th><th>Last data</th></tr>
{{range .Sensors}}<tr><td>{{.IP}}</td><td>{{.Port}}</td><td class="{{.State}}">{{.State}}</td><td>{{.Retry}}</td><td id="level-{{.IP}}">{{level .LatestMm}}</td><td>{{ago $.Now .LastData}}</td></tr>
{{else}}<tr><td colspan="6">no streaming sensors</td></tr>
{{end}}</table>

<h2>Detector</h2>
<table>
<tr><th>Exceedances</th><td>{{.Detector.Exceedances}}</td></tr>
<tr><th>Triggers</th><td>{{.Detector.Triggers}}</td></tr>
<tr><th>Resets</th><td>{{.Detector.Resets}}</td></tr>
<tr><th>Expired</th><td>{{.Detector.Expired}}</td></tr>
<tr><th>Window</th><td>{{.Config.WaitWindow}} / {{.Config.TriggerCount}} readings</td></tr>
</table>

{{if .Poll}}<h2>Polling</h2>
<table>
<tr><th>Last cycle</th><td>{{ago $.Now .Poll.At}}</td></tr>
<tr><th>Devices</th><td>{{.Poll.Devices}}</td></tr>
<tr><th>Ingested</th><td>{{.Poll.Ingested}}</td></tr>
<tr><th>Failed</th><td>{{.Poll.Failed}}</td></tr>
</table>
{{end}}
{{if .Breakers}}<h2>Breakers</h2>
<table>
{{range $name, $state := .Breakers}}<tr><th>{{$name}}</th><td>{{$state}}</td></tr>
{{end}}</table>
{{end}}
<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}{{if .Config.Broker}} ({{.Config.Broker}}){{end}}</td></tr>
<tr><th>Feed clients</th><td>{{.FeedClients}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<h2>Events</h2>
<div id="events"></div>

<p><a href="/index.json">JSON</a> | <a href="/metrics">metrics</a></p>
<script>
(function() {
  var dot = document.getElementById("live");
  var log = document.getElementById("events");

  function setDot(cls, title) {
    dot.className = "dot " + cls;
    dot.title = title;
  }

  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/ws");
    ws.onopen = function() { setDot("ok", "live"); };
    ws.onclose = function() {
      setDot("err", "offline");
      setTimeout(connect, 5000);
    };
    ws.onmessage = function(m) {
      try {
        var ev = JSON.parse(m.data);
        if (ev.type === "data" && ev.data) {
          var cell = document.getElementById("level-" + ev.data.device_ip);
          if (cell) { cell.textContent = ev.data.water_level + " m"; }
        }
        var row = document.createElement("div");
        row.textContent = ev.time + " " + ev.type + " " + JSON.stringify(ev.data);
        log.insertBefore(row, log.firstChild);
        while (log.childNodes.length > 50) { log.removeChild(log.lastChild); }
      } catch (e) {}
    };
  }
  connect();
})();
</script>
</body>
</html>
`

// formatUptime renders d as e.g. "2d 3h 4m 5s", omitting leading zero units.
func formatUptime(d time.Duration) string {
	secs := int64(d.Truncate(time.Second).Seconds())
	parts := []struct {
		n    int64
		unit string
	}{
		{secs / 86400, "d"},
		{secs % 86400 / 3600, "h"},
		{secs % 3600 / 60, "m"},
		{secs % 60, "s"},
	}
	out := ""
	for i, p := range parts {
		if out == "" && p.n == 0 && i < len(parts)-1 {
			continue
		}
		if out != "" {
			out += " "
		}
		out += fmt.Sprintf("%d%s", p.n, p.unit)
	}
	return out
}

func renderHTML(w io.Writer, snap status.Snapshot) {
	if err := indexTmpl.Execute(w, snap); err != nil {
		logging.Warn().Err(err).Msg("render status page")
	}
}
