package logging

import (
	"fmt"
	"log"
	"strings"
)

// Info logs a message with key/value fields under a component prefix.
func Info(component, msg string, kv ...interface{}) {
	log.Printf("[%s] %s%s", strings.ToUpper(component), msg, fields(kv...))
}

// Warn logs a warning with key/value fields under a component prefix.
func Warn(component, msg string, kv ...interface{}) {
	log.Printf("[%s] WARN %s%s", strings.ToUpper(component), msg, fields(kv...))
}

// Error logs an error with key/value fields under a component prefix.
func Error(component, msg string, kv ...interface{}) {
	log.Printf("[%s] ERROR %s%s", strings.ToUpper(component), msg, fields(kv...))
}

func fields(kv ...interface{}) string {
	if len(kv) == 0 {
		return ""
	}
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	var b strings.Builder
	for i := 0; i < len(kv); i += 2 {
		b.WriteString(" ")
		b.WriteString(strings.TrimSpace(stringify(kv[i])))
		b.WriteString("=")
		b.WriteString(stringify(kv[i+1]))
	}
	return b.String()
}

func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	out := strings.TrimSpace(fmt.Sprintf("%v", v))
	out = strings.ReplaceAll(out, "\n", " ")
	return strings.ReplaceAll(out, "\t", " ")
}
