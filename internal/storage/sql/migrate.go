package sql

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
)

//go:embed migrations
var migrationFS embed.FS

// MigrationSQL 返回内置迁移脚本内容
//
// dialect: postgres、mysql、sqlite；action: up 或 down
func MigrationSQL(dialect, action string) (string, error) {
	if action != "up" && action != "down" {
		return "", fmt.Errorf("unsupported migration action: %s (supported: up, down)", action)
	}
	path := fmt.Sprintf("migrations/%s/001_initial_schema.%s.sql", dialect, action)
	content, err := migrationFS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("migration %s not found: %w", path, err)
	}
	return string(content), nil
}

// MigrationProgress 迁移进度回调
type MigrationProgress func(index, total int, stmt string)

// Migrate 执行内置迁移脚本
func Migrate(ctx context.Context, db *sql.DB, dialect, action string, progress MigrationProgress) error {
	content, err := MigrationSQL(dialect, action)
	if err != nil {
		return err
	}
	return ExecScript(ctx, db, content, progress)
}

// ExecScript 逐条执行 SQL 脚本
func ExecScript(ctx context.Context, db *sql.DB, script string, progress MigrationProgress) error {
	stmts := SplitStatements(script)
	for i, stmt := range stmts {
		if progress != nil {
			progress(i+1, len(stmts), stmt)
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute statement %d: %w", i+1, err)
		}
	}
	return nil
}

// SplitStatements 分割SQL语句（按分号分割，忽略字符串中的分号和注释行）
func SplitStatements(script string) []string {
	var statements []string
	var current strings.Builder
	var inString bool
	var stringChar rune

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		stmt = strings.TrimSuffix(stmt, ";")
		if strings.TrimSpace(stmt) != "" {
			statements = append(statements, strings.TrimSpace(stmt))
		}
		current.Reset()
	}

	for _, line := range strings.Split(script, "\n") {
		if !inString && strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		for _, r := range line {
			switch {
			case r == '\'' || r == '"' || r == '`':
				if !inString {
					inString = true
					stringChar = r
				} else if r == stringChar {
					inString = false
				}
				current.WriteRune(r)
			case r == ';' && !inString:
				current.WriteRune(r)
				flush()
			default:
				current.WriteRune(r)
			}
		}
		current.WriteRune('\n')
	}
	flush()

	return statements
}
