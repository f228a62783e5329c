package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"leados-scheduler/internal/models"
)

func TestRender(t *testing.T) {
	r := models.Recipient{Name: "Maria Souza", Company: "Padaria Sol", City: "Recife"}

	cases := []struct {
		name     string
		template string
		want     string
	}{
		{"single braces", "Oi {first_name}, da {company}!", "Oi Maria, da Padaria Sol!"},
		{"double braces", "Olá {{name}} de {{city}}", "Olá Maria Souza de Recife"},
		{"unknown kept", "Oi {first_name} {unknown}", "Oi Maria {unknown}"},
		{"multiline", "Oi {first_name}\n\nTudo bem?", "Oi Maria\n\nTudo bem?"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Render(tc.template, r))
		})
	}
}

func TestRenderEmptyFieldsCollapse(t *testing.T) {
	got := Render("Oi {first_name} {company} tudo bem?", models.Recipient{Name: "Ana"})
	assert.Equal(t, "Oi Ana tudo bem?", got)

	got = Render("{name}", models.Recipient{})
	assert.Equal(t, "", got)
}
