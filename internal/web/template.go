package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/floor-sensor/internal/fall"
	"github.com/sweeney/floor-sensor/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"stateOrUnknown": func(s string) string {
		if s == "" {
			return "UNKNOWN"
		}
		return s
	},
	"stateClass": func(s string) string {
		switch s {
		case "IDLE", "BUFFERING":
			return "ok"
		case "CONFIRMING":
			return "warn"
		case "ALERTING":
			return "alarm"
		}
		return "unknown"
	},
	"pct": func(p float64) string {
		return fmt.Sprintf("%.0f%%", p*100)
	},
	"recent": func(alerts []fall.Alert) []fall.Alert {
		const n = 5
		out := make([]fall.Alert, 0, n)
		for i := len(alerts) - 1; i >= 0 && len(out) < n; i-- {
			out = append(out, alerts[i])
		}
		return out
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Floor Sensor</title>
<style>
body { font-family: monospace; max-width: 640px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.ok { color: green; font-weight: bold; }
.warn { color: orange; font-weight: bold; }
.alarm { color: red; font-weight: bold; }
.unknown { color: #888; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>Floor Sensor: {{.Pipeline.Zone}}{{if .Config.WSBroker}}<span id="live-dot" class="live-dot pending" title="connecting"></span>{{end}}</h1>

<h2>State</h2>
<table>
<tr><th>Fall</th><td id="fall-state" class="{{stateClass .Pipeline.FallState}}">{{stateOrUnknown .Pipeline.FallState}}</td></tr>
<tr><th>Probability</th><td id="fall-prob">{{pct .Pipeline.FallProbability}}</td></tr>
<tr><th>Occupants</th><td>{{len .Pipeline.Tracks}}</td></tr>
{{with .Pipeline.Latest}}<tr><th>Activity</th><td id="sts-state">{{.STSState}}</td></tr>
<tr><th>Stable</th><td>{{if .Stable}}yes{{else}}no{{end}}</td></tr>{{end}}
<tr><th>Ready</th><td>{{if .Ready}}yes{{else}}no{{end}}</td></tr>
</table>

<h2>Devices</h2>
<table>
{{range .Pipeline.Devices}}<tr><th>{{.ID}}</th><td class="{{if .Connected}}connected{{else}}disconnected{{end}}">{{if .Connected}}connected{{else}}stale{{end}}</td></tr>
{{else}}<tr><td>no frames yet</td></tr>
{{end}}</table>

<h2>Recent Alerts</h2>
<table>
{{range recent .Pipeline.Alerts}}<tr><th>{{.Timestamp.UTC.Format "2006-01-02T15:04:05Z"}}</th><td>{{pct .Confidence}}{{if .Forced}} (forced){{end}}</td></tr>
{{else}}<tr><td>none</td></tr>
{{end}}</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}} {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Frames</h2>
<table>
<tr><th>Cycles</th><td>{{.Pipeline.Stats.Cycles}}</td></tr>
<tr><th>Malformed</th><td>{{.Pipeline.Stats.Malformed}}</td></tr>
<tr><th>Dimension mismatch</th><td>{{.Pipeline.Stats.DimensionMismatch}}</td></tr>
<tr><th>Stale</th><td>{{.Pipeline.Stats.Stale}}</td></tr>
<tr><th>Dropped</th><td>{{.Dropped}}</td></tr>
<tr><th>Classifier faults</th><td>{{.Pipeline.Stats.ClassifierFaults}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Grid</th><td>{{.Config.Rows}}x{{.Config.Cols}}</td></tr>
<tr><th>Publish rate</th><td>{{.Config.PublishHz}} Hz</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>Classifier</th><td>{{if .Config.Classifier}}{{.Config.Classifier}}{{else}}none{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPPort}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> <a href="/alerts.json">alerts</a> <a href="/metrics.json">metrics</a></p>
{{if .Config.WSBroker}}
<script src="/mqtt.min.js"></script>
<script>
(function() {
  var broker = "{{.Config.WSBroker}}";
  var topic = "{{.Config.LiveTopic}}";
  var dot = document.getElementById("live-dot");
  var stateEl = document.getElementById("fall-state");
  var probEl = document.getElementById("fall-prob");
  var classes = { IDLE: "ok", BUFFERING: "ok", CONFIRMING: "warn", ALERTING: "alarm" };

  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }

  var client = mqtt.connect(broker, { reconnectPeriod: 5000 });

  client.on("connect", function() {
    setDot("ok", "live");
    client.subscribe(topic);
  });

  client.on("reconnect", function() {
    setDot("pending", "reconnecting");
  });

  client.on("offline", function() {
    setDot("err", "offline");
  });

  client.on("error", function() {
    setDot("err", "error");
  });

  client.on("message", function(t, payload) {
    try {
      var msg = JSON.parse(payload.toString());
      if (msg.fall_state) {
        stateEl.textContent = msg.fall_state;
        stateEl.className = classes[msg.fall_state] || "unknown";
        probEl.textContent = Math.round(msg.fall_probability * 100) + "%";
      }
    } catch (e) {}
  });
})();
</script>
{{end}}
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	indexTmpl.Execute(w, data)
}
