package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cascade-orm/cascade/cmd/util"
	"github.com/cascade-orm/cascade/pkg/deletion"
	"github.com/cascade-orm/cascade/pkg/schema"
)

const (
	schemaFileFlag = "schema"
	rootModelFlag  = "root"
)

// NewPlanCommand prints the static cascade plan for deleting rows of one
// model: the models reached, the policy applied along each relation, and a
// best-effort deletion order.
func NewPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the cascade plan for deleting rows of a model",
		RunE:  runPlan,
		Args:  cobra.NoArgs,
	}

	flags := cmd.Flags()
	flags.String(schemaFileFlag, "", "(required) path to the YAML schema file")
	flags.String(rootModelFlag, "", "(required) the model whose deletion to plan")

	cmd.PreRun = bindPlanFlagsFunc(flags)

	return cmd
}

func bindPlanFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		util.MustBindPFlag(schemaFileFlag, flags.Lookup(schemaFileFlag))
		util.MustBindPFlag(rootModelFlag, flags.Lookup(rootModelFlag))
	}
}

func runPlan(cmd *cobra.Command, _ []string) error {
	schemaPath := viper.GetString(schemaFileFlag)
	rootName := viper.GetString(rootModelFlag)
	if schemaPath == "" || rootName == "" {
		return fmt.Errorf("both --%s and --%s are required", schemaFileFlag, rootModelFlag)
	}

	reg, err := schema.LoadFile(schemaPath)
	if err != nil {
		return err
	}
	root, ok := reg.Model(rootName)
	if !ok {
		return fmt.Errorf("unknown model %q", rootName)
	}

	plan := buildPlan(reg, root)
	fmt.Fprint(cmd.OutOrStdout(), plan.render())
	return nil
}

type staticPlan struct {
	root    *schema.Model
	order   []*schema.Model
	ordered bool
	actions []string
}

// buildPlan walks the relation graph from the root the same way the
// collector would, without touching a datastore: it records the action every
// relation implies and the dependency edges that constrain deletion order.
func buildPlan(reg *schema.Registry, root *schema.Model) *staticPlan {
	deps := deletion.NewDependencyGraph()
	deps.AddModel(root)

	seen := map[*schema.Model]bool{root: true}
	discovery := []*schema.Model{root}
	var actions []string

	queue := []*schema.Model{root}
	for len(queue) > 0 {
		model := queue[0]
		queue = queue[1:]

		for _, link := range reg.ParentLinks(model) {
			actions = append(actions, fmt.Sprintf("collect parent %s via %s", link.To.Label(), link.Label()))
			deps.AddDependency(link.To, model)
			if !seen[link.To] {
				seen[link.To] = true
				discovery = append(discovery, link.To)
			}
		}

		for _, rel := range reg.RelationsTargeting(model) {
			if rel.Virtual {
				actions = append(actions, fmt.Sprintf("cascade %s via virtual %s", rel.From.Label(), rel.Label()))
				if !seen[rel.From] {
					seen[rel.From] = true
					discovery = append(discovery, rel.From)
					queue = append(queue, rel.From)
				}
				continue
			}
			switch rel.OnDelete.(type) {
			case schema.DoNothingPolicy:
			case schema.CascadePolicy:
				actions = append(actions, fmt.Sprintf("cascade %s via %s", rel.From.Label(), rel.Label()))
				if !rel.Nullable {
					deps.AddDependency(model, rel.From)
				}
				if !seen[rel.From] {
					seen[rel.From] = true
					discovery = append(discovery, rel.From)
					queue = append(queue, rel.From)
				}
			case schema.ProtectPolicy:
				actions = append(actions, fmt.Sprintf("protected by %s", rel.Label()))
			case schema.RestrictPolicy:
				actions = append(actions, fmt.Sprintf("restricted by %s", rel.Label()))
			default:
				actions = append(actions, fmt.Sprintf("update %s.%s (%s)", rel.From.Label(), rel.Field, rel.OnDelete.String()))
			}
		}
	}

	for _, m := range discovery {
		deps.AddModel(m)
	}
	order, ok := deps.Sort(discovery)
	sort.SliceStable(actions, func(i, j int) bool { return actions[i] < actions[j] })

	return &staticPlan{root: root, order: order, ordered: ok, actions: actions}
}

func (p *staticPlan) render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "deleting %s\n", p.root.Label())
	for _, a := range p.actions {
		fmt.Fprintf(&b, "  %s\n", a)
	}
	labels := make([]string, 0, len(p.order))
	for _, m := range p.order {
		labels = append(labels, m.Label())
	}
	fmt.Fprintf(&b, "deletion order: %s\n", strings.Join(labels, ", "))
	if !p.ordered {
		fmt.Fprintln(&b, "warning: dependency cycle, order is best effort")
	}
	return b.String()
}
