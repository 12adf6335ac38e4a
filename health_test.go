package efio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthOverallPrecedence(t *testing.T) {
	h := NewHealthRegistry()
	assert.Equal(t, HealthUnknown, h.Overall())

	h.Update("gpio", HealthHealthy, "ok", nil)
	h.Update("can", HealthHealthy, "ok", nil)
	assert.Equal(t, HealthHealthy, h.Overall())

	h.Update("can", HealthDegraded, "device timeout", nil)
	assert.Equal(t, HealthDegraded, h.Overall())

	h.Update("mqtt", HealthUnhealthy, "broker down", nil)
	assert.Equal(t, HealthUnhealthy, h.Overall())
}

func TestHealthLastWriterWins(t *testing.T) {
	h := NewHealthRegistry()
	h.Update("can", HealthUnhealthy, "down", map[string]any{"reason": "rx"})
	h.Update("can", HealthHealthy, "recovered", nil)
	c, ok := h.Get("can")
	assert.True(t, ok)
	assert.Equal(t, HealthHealthy, c.Status)
	assert.Equal(t, "recovered", c.Message)
	assert.Nil(t, c.Details)
}

func TestHealthSnapshotIsACopy(t *testing.T) {
	h := NewHealthRegistry()
	h.Update("gpio", HealthHealthy, "ok", nil)
	snap := h.Snapshot()
	snap["gpio"] = ComponentHealth{Status: HealthUnhealthy}
	c, _ := h.Get("gpio")
	assert.Equal(t, HealthHealthy, c.Status)
}
