package logger

import (
	"fmt"

	phlog "github.com/oarkflow/log"
)

// PhusluLogger writes structured entries through oarkflow/log. Component,
// when set, is added to every entry.
type PhusluLogger struct {
	Component string
}

func NewPhusluLogger() *PhusluLogger { return &PhusluLogger{} }

// Named returns a logger tagging entries with component.
func (p *PhusluLogger) Named(component string) *PhusluLogger {
	return &PhusluLogger{Component: component}
}

func (p *PhusluLogger) Debug(msg string, keyvals ...any) {
	p.fields(phlog.Debug(), keyvals).Msg(msg)
}

func (p *PhusluLogger) Info(msg string, keyvals ...any) {
	p.fields(phlog.Info(), keyvals).Msg(msg)
}

func (p *PhusluLogger) Error(msg string, keyvals ...any) {
	p.fields(phlog.Error(), keyvals).Msg(msg)
}

func (p *PhusluLogger) fields(b *phlog.Entry, keyvals []any) *phlog.Entry {
	if p.Component != "" {
		b = b.Str("component", p.Component)
	}
	for i := 0; i < len(keyvals)-1; i += 2 {
		ks := fmt.Sprint(keyvals[i])
		switch vv := keyvals[i+1].(type) {
		case string:
			b = b.Str(ks, vv)
		case bool:
			b = b.Bool(ks, vv)
		case int:
			b = b.Int(ks, vv)
		case error:
			b = b.Str(ks, vv.Error())
		case fmt.Stringer:
			b = b.Str(ks, vv.String())
		default:
			b = b.Any(ks, vv)
		}
	}
	return b
}
