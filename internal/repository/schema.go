package repository

import (
	_ "embed"
	"strings"
)

// Schema visits 与 trail_samples 建表语句（幂等）
//
//go:embed schema.sql
var Schema string

// SchemaStatements 按分号拆分，去掉空语句和纯注释
func SchemaStatements() []string {
	var out []string
	for _, stmt := range strings.Split(Schema, ";") {
		var lines []string
		for _, line := range strings.Split(stmt, "\n") {
			if t := strings.TrimSpace(line); t != "" && !strings.HasPrefix(t, "--") {
				lines = append(lines, line)
			}
		}
		if len(lines) > 0 {
			out = append(out, strings.TrimSpace(strings.Join(lines, "\n")))
		}
	}
	return out
}
