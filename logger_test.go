package foodledger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileResolutionLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewFileResolutionLogger(&buf)

	require.NoError(t, logger.LogResolution(ResolutionLog{Username: "alice", Submission: "coffee", LoggedCount: 1}))
	require.NoError(t, logger.LogResolution(ResolutionLog{Username: "bob", Submission: "tea", Fallback: true, Error: "rate-limited"}))
	assert.Zero(t, buf.Len(), "records are buffered until Flush")

	require.NoError(t, logger.Flush())

	var doc struct {
		Session struct {
			Submissions []ResolutionLog `json:"submissions"`
		} `json:"resolution_session"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	require.Len(t, doc.Session.Submissions, 2)
	assert.Equal(t, "alice", doc.Session.Submissions[0].Username)
	assert.True(t, doc.Session.Submissions[1].Fallback)
}

func TestStdoutResolutionLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := &StdoutResolutionLogger{w: &buf}

	require.NoError(t, logger.LogResolution(ResolutionLog{Username: "alice"}))
	require.NoError(t, logger.LogResolution(ResolutionLog{Username: "bob"}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var rec ResolutionLog
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, "bob", rec.Username)
}

func TestNewResolutionLogFilePath(t *testing.T) {
	path := NewResolutionLogFilePath("us.anthropic.claude-3-7-sonnet-20250219-v1:0")
	assert.True(t, strings.HasPrefix(path, "./logs/"))
	assert.True(t, strings.HasSuffix(path, ".us.anthropic.claude-3-7-sonnet-20250219-v1_0.json"))
	assert.Contains(t, NewResolutionLogFilePath(""), ".default.json")
}

func TestFdump(t *testing.T) {
	var buf bytes.Buffer
	Fdump(&buf, Account{Username: "alice", CalorieHistory: map[string]float64{"2026-10-18": 1850, "2026-10-17": 2100}})

	out := buf.String()
	assert.Contains(t, out, `Username: (string) (len=5) "alice"`)
	assert.Less(t, strings.Index(out, "2026-10-17"), strings.Index(out, "2026-10-18"), "map keys are sorted")
}
