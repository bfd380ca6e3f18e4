package metrics

import (
	"net/http"
	"strconv"
	"strings"
)

// Handler serves the collector in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(c.Render()))
	})
}

// Render writes every counter and gauge in Prometheus text exposition format.
func (c *Collector) Render() string {
	var b strings.Builder
	b.Grow(2048)

	for _, def := range counterDefs {
		writeHeader(&b, def.Name, def.Help, "counter")
		writeSample(&b, def.Name, strconv.FormatUint(c.counters[def.ID].Load(), 10))
	}
	for _, g := range c.gaugeDefs() {
		writeHeader(&b, g.name, g.help, "gauge")
		writeSample(&b, g.name, strconv.FormatInt(g.fn(), 10))
	}
	return b.String()
}

func writeHeader(b *strings.Builder, name, help, kind string) {
	b.WriteString("# HELP ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(escapeHelp(help))
	b.WriteByte('\n')
	b.WriteString("# TYPE ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(kind)
	b.WriteByte('\n')
}

func writeSample(b *strings.Builder, name, value string) {
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(value)
	b.WriteByte('\n')
}

func escapeHelp(help string) string {
	help = strings.ReplaceAll(help, "\\", "\\\\")
	help = strings.ReplaceAll(help, "\n", "\\n")
	return help
}
