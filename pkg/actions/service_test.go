package actions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServiceStartsInactiveUnit(t *testing.T) {
	tr := newFakeTransport().
		on("systemctl is-active", 3, "inactive\n").
		on("systemctl is-enabled", 1, "disabled\n")
	tr.onThen("systemctl start", 0, "", func(f *fakeTransport) {
		f.on("systemctl is-active", 0, "active\n")
	})
	tr.onThen("systemctl enable", 0, "", func(f *fakeTransport) {
		f.on("systemctl is-enabled", 0, "enabled\n")
	})
	actx := newTestContext(t, tr)

	res := runAction(t, actx, "service", map[string]interface{}{"name": "nginx", "state": "started", "enabled": true})
	assert.True(t, res.Changed)
	assert.Equal(t, []string{"start", "enable"}, res.Data["actions"])
	assert.Equal(t, "active", res.Data["status"])
	assert.Equal(t, true, res.Data["enabled"])
}

func TestServiceIdempotent(t *testing.T) {
	tr := newFakeTransport().
		on("systemctl is-active", 0, "active\n").
		on("systemctl is-enabled", 0, "enabled\n")
	actx := newTestContext(t, tr)

	res := runAction(t, actx, "service", map[string]interface{}{"name": "nginx", "state": "started", "enabled": "true"})
	assert.False(t, res.Changed)
	assert.Contains(t, res.Msg, "already in the desired state")
	assert.False(t, tr.ran("systemctl start"))
}

func TestServiceReloadStoppedUnitStarts(t *testing.T) {
	tr := newFakeTransport().
		on("systemctl is-active", 3, "inactive\n").
		on("systemctl is-enabled", 0, "enabled\n")
	actx := newTestContext(t, tr)

	res := runAction(t, actx, "service", map[string]interface{}{"name": "nginx", "state": "reloaded"})
	assert.True(t, res.Changed)
	assert.True(t, tr.ran("systemctl start nginx"))
	assert.False(t, tr.ran("systemctl reload"))
}

func TestServiceRestartCheckMode(t *testing.T) {
	tr := newFakeTransport().
		on("systemctl is-active", 0, "active\n").
		on("systemctl is-enabled", 0, "enabled\n")
	actx := newTestContext(t, tr)
	actx.Check = true

	res := runAction(t, actx, "service", map[string]interface{}{"name": "nginx", "state": "restarted", "daemon_reload": true})
	assert.True(t, res.Changed)
	assert.False(t, tr.ran("systemctl restart"))
	assert.False(t, tr.ran("systemctl daemon-reload"))
}

func TestServiceFailure(t *testing.T) {
	tr := newFakeTransport().
		on("systemctl is-active", 3, "inactive\n").
		on("systemctl is-enabled", 0, "enabled\n").
		on("systemctl start", 1, "Job for nginx.service failed")
	actx := newTestContext(t, tr)

	res := runAction(t, actx, "service", map[string]interface{}{"name": "nginx", "state": "started"})
	assert.True(t, res.Failed)
	assert.Contains(t, res.Msg, "failed to start service")
}

func TestServiceRequiresStateOrEnabled(t *testing.T) {
	_, err := DefaultRegistry().New("service", map[string]interface{}{"name": "nginx"})
	assert.Error(t, err)
}
