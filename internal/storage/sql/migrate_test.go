package sql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "多条语句",
			input:    "CREATE TABLE a (id INT);\nCREATE TABLE b (id INT);",
			expected: []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"},
		},
		{
			name:     "忽略注释行",
			input:    "-- header\nCREATE TABLE a (id INT);\n-- trailer\n",
			expected: []string{"CREATE TABLE a (id INT)"},
		},
		{
			name:     "字符串中的分号",
			input:    "INSERT INTO t VALUES ('a;b');SELECT 1",
			expected: []string{"INSERT INTO t VALUES ('a;b')", "SELECT 1"},
		},
		{
			name:     "空脚本",
			input:    "\n  \n",
			expected: nil,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, SplitStatements(tc.input))
		})
	}
}

func TestMigrationSQL(t *testing.T) {
	for _, dialect := range []string{"postgres", "mysql", "sqlite"} {
		t.Run(dialect, func(t *testing.T) {
			up, err := MigrationSQL(dialect, "up")
			require.NoError(t, err)
			assert.Contains(t, up, "scheduled_files")
			assert.Contains(t, up, "send_logs")
			assert.Len(t, SplitStatements(up), map[string]int{"postgres": 8, "mysql": 2, "sqlite": 8}[dialect])

			down, err := MigrationSQL(dialect, "down")
			require.NoError(t, err)
			assert.Len(t, SplitStatements(down), 2)
		})
	}

	_, err := MigrationSQL("oracle", "up")
	assert.Error(t, err)
	_, err = MigrationSQL("postgres", "sideways")
	assert.Error(t, err)
}
