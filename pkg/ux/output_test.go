package ux

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusIcon(t *testing.T) {
	tests := []struct {
		status string
		want   Icon
	}{
		{"passed", IconSuccess},
		{"Succeeded", IconSuccess},
		{"unstable", IconWarning},
		{"failed", IconError},
		{"skipped", IconSkipped},
		{"pending", IconPending},
		{"", IconPending},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusIcon(tt.status))
		})
	}
}

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconPending, IconSkipped} {
		assert.Contains(t, icon.Render(), string(icon))
	}
}

func TestPrinter_Machine(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeMachine)

	p.Title("ignored")
	p.Status(IconError, "health", "10 attempts")
	p.Warning("grafana unhealthy")
	p.Box(IconError, "Run 7", "failed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{
		"✗\thealth\t10 attempts",
		"WARN\tgrafana unhealthy",
		"Run 7: failed",
	}, lines)
}

func TestPrinter_PlainAndStyled(t *testing.T) {
	var plain bytes.Buffer
	NewPrinter(&plain, ModePlain).Status(IconSuccess, "build", "3s")
	assert.Equal(t, "✓ build       3s\n", plain.String())

	var styled bytes.Buffer
	p := NewPrinter(&styled, "")
	assert.Equal(t, ModeStyled, p.Mode())
	p.Box(IconWarning, "Run 3 unstable", "verify: 1 check failed")
	assert.Contains(t, styled.String(), "Run 3 unstable")
	assert.Contains(t, styled.String(), "verify: 1 check failed")
}
