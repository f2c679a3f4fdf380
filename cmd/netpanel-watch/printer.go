package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gosuda/netpanel/internal/domain"
)

// printer writes each record once per state it reaches.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	asJSON bool
	seen   map[string]domain.State
}

func newPrinter(out io.Writer, asJSON bool) *printer {
	return &printer{out: out, asJSON: asJSON, seen: make(map[string]domain.State)}
}

func (p *printer) print(view []domain.CapturedCall) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, call := range view {
		if state, ok := p.seen[call.ID]; ok && state == call.State {
			continue
		}
		p.seen[call.ID] = call.State
		if p.asJSON {
			raw, err := json.Marshal(call)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintln(p.out, string(raw))
			continue
		}
		_, _ = fmt.Fprintln(p.out, formatLine(call))
	}
}

func formatLine(call domain.CapturedCall) string {
	ts := time.UnixMilli(call.Timestamp).Format("15:04:05.000")
	status := call.StatusString()
	if status == "" {
		status = "..."
	}
	line := fmt.Sprintf("%s %-6s %-7s %-4s %s", ts, call.Origin, call.Method, status, call.URL)
	if call.Duration != nil {
		line += fmt.Sprintf(" (%dms)", *call.Duration)
	}
	if call.Error != "" {
		line += " error: " + call.Error
	}
	return line
}
