package engine

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskResultAsVar(t *testing.T) {
	res := &TaskResult{
		Status: TaskStatusIgnored,
		Failed: true,
		RC:     2,
		Stdout: "line one\r\nline two\n",
		Msg:    "non-zero exit",
		Data:   map[string]interface{}{"changed": "shadowed", "cmd": "lynis audit system"},
	}

	v := res.AsVar()
	assert.Equal(t, false, v["changed"], "data never shadows standard keys")
	assert.Equal(t, true, v["failed"])
	assert.Equal(t, false, v["skipped"])
	assert.Equal(t, "ignored", v["status"])
	assert.Equal(t, 2, v["rc"])
	assert.Equal(t, []interface{}{"line one", "line two"}, v["stdout_lines"])
	assert.Equal(t, []interface{}{}, v["stderr_lines"])
	assert.Equal(t, "lynis audit system", v["cmd"])
}

func TestSkippedResultAsVar(t *testing.T) {
	v := (&TaskResult{Status: TaskStatusSkipped}).AsVar()
	assert.Equal(t, true, v["skipped"])
	assert.Equal(t, false, v["changed"])
	assert.Equal(t, "", v["stdout"])
}

func TestRunRecap(t *testing.T) {
	run := &Run{}
	web1 := run.Recap("web1")
	web1.count(TaskStatusOK)
	web1.count(TaskStatusChanged)
	run.Recap("web2").count(TaskStatusIgnored)

	assert.Same(t, web1, run.Recap("web1"))
	require.Len(t, run.Hosts, 2)
	assert.Equal(t, "web2", run.Hosts[1].Host)
	assert.False(t, run.Failed())

	run.Recap("web2").Unreachable++
	assert.True(t, run.Failed())
}

func TestStatusJSON(t *testing.T) {
	data, err := json.Marshal(RunStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, `"cancelled"`, string(data))

	var rs RunStatus
	require.NoError(t, json.Unmarshal([]byte(`"succeeded"`), &rs))
	assert.True(t, rs.IsTerminal())
	assert.Error(t, json.Unmarshal([]byte(`"exploded"`), &rs))

	var ts TaskStatus
	require.NoError(t, json.Unmarshal([]byte(`"rescued"`), &ts))
	assert.False(t, ts.IsFatal())
	assert.True(t, TaskStatusFailed.IsFatal())
	assert.Error(t, json.Unmarshal([]byte(`"maybe"`), &ts))
}

func TestRenderRecap(t *testing.T) {
	run := &Run{Status: RunStatusFailed, Duration: 1500 * time.Millisecond}
	r := run.Recap("web1")
	r.OK, r.Changed, r.Failed, r.Rescued = 5, 2, 1, 1
	run.Recap("db1").Unreachable = 1

	out := RenderRecap(run)
	assert.Contains(t, strings.ToUpper(out), "PLAY RECAP (FAILED, 1.5S)")
	assert.Contains(t, out, "UNREACHABLE")

	lines := strings.Split(out, "\n")
	var web1, db1 string
	for _, l := range lines {
		switch {
		case strings.Contains(l, "web1"):
			web1 = l
		case strings.Contains(l, "db1"):
			db1 = l
		}
	}
	assert.Equal(t, []string{"web1", "5", "2", "0", "1", "0", "1", "0"}, strings.Fields(strings.ReplaceAll(web1, "|", " ")))
	assert.Equal(t, []string{"db1", "0", "0", "1", "0", "0", "0", "0"}, strings.Fields(strings.ReplaceAll(db1, "|", " ")))
}

func TestRenderResults(t *testing.T) {
	out := RenderResults([]*TaskResult{
		{Host: "web1", Task: "Install packages", Action: "apt", Status: TaskStatusChanged},
		{Host: "web1", Task: "restart nginx", Action: "service", Status: TaskStatusOK, Handler: true},
		{Host: "web1", Task: "scan", Action: "shell", Status: TaskStatusIgnored, RC: 2, Msg: strings.Repeat("x", 200)},
	})

	assert.Contains(t, out, "Install packages")
	assert.Contains(t, out, "handler: restart nginx")
	assert.Contains(t, out, strings.Repeat("x", 77)+"...")
	assert.NotContains(t, out, strings.Repeat("x", 81))
}
