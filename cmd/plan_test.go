package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cascade-orm/cascade/pkg/schema"
)

func TestBuildPlan(t *testing.T) {
	reg := schema.NewRegistry()
	a := reg.AddModel(&schema.Model{Name: "A"})
	b := reg.AddModel(&schema.Model{Name: "B"})
	c := reg.AddModel(&schema.Model{Name: "C"})
	reg.AddRelation(&schema.Relation{From: b, Field: "a_id", To: a, OnDelete: schema.Cascade})
	reg.AddRelation(&schema.Relation{From: c, Field: "a_id", To: a, OnDelete: schema.SetNull, Nullable: true})
	require.NoError(t, reg.Validate())

	plan := buildPlan(reg, a)
	out := plan.render()

	require.Contains(t, out, "deleting A\n")
	require.Contains(t, out, "cascade B via B.a_id")
	require.Contains(t, out, "update C.a_id (set_null)")
	require.Contains(t, out, "deletion order: B, A\n")
	require.NotContains(t, out, "warning")
}

func TestBuildPlanReportsCycle(t *testing.T) {
	reg := schema.NewRegistry()
	a := reg.AddModel(&schema.Model{Name: "A"})
	b := reg.AddModel(&schema.Model{Name: "B"})
	reg.AddRelation(&schema.Relation{From: b, Field: "a_id", To: a, OnDelete: schema.Cascade})
	reg.AddRelation(&schema.Relation{From: a, Field: "b_id", To: b, OnDelete: schema.Cascade})

	plan := buildPlan(reg, a)
	require.Contains(t, plan.render(), "warning: dependency cycle")
}

func TestPlanCommand(t *testing.T) {
	doc := `
models:
  - name: Author
  - name: Book
relations:
  - from: Book
    field: author_id
    to: Author
    on_delete: cascade
`
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cmd := NewPlanCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--schema", path, "--root", "Author"})

	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "deleting Author")
	require.Contains(t, out.String(), "cascade Book via Book.author_id")
	require.Contains(t, out.String(), "deletion order: Book, Author")
}

func TestPlanCommandUnknownModel(t *testing.T) {
	doc := "models:\n  - name: Author\n"
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cmd := NewPlanCommand()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"--schema", path, "--root", "Nope"})

	err := cmd.Execute()
	require.ErrorContains(t, err, `unknown model "Nope"`)
}
