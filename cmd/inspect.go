package cmd

import (
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"

	"github.com/jmorganca/shardconv/format"
	"github.com/jmorganca/shardconv/fs/checkpoint"
	"github.com/jmorganca/shardconv/ml"
)

var errCheckpointsDiffer = errors.New("checkpoints differ")

func cmdInspect() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect CHECKPOINT",
		Short: "List the tensors of a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectHandler,
	}

	cmd.Flags().String("model-key", "model", "Key holding the state dict inside a pickled checkpoint")
	return cmd
}

func cmdVerify() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify CHECKPOINT CHECKPOINT",
		Short: "Compare the tensors of two checkpoints",
		Args:  cobra.ExactArgs(2),
		RunE:  verifyHandler,
	}

	cmd.Flags().String("model-key", "model", "Key holding the state dict inside a pickled checkpoint")
	cmd.Flags().Float64("tolerance", 0, "Largest absolute difference accepted between values")
	return cmd
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func inspectHandler(cmd *cobra.Command, args []string) error {
	modelKey, err := cmd.Flags().GetString("model-key")
	if err != nil {
		return err
	}

	s, err := checkpoint.Load(args[0], modelKey)
	if err != nil {
		return err
	}

	writeInspect(cmd.OutOrStdout(), s)
	return nil
}

func writeInspect(w io.Writer, s ml.State) {
	var data [][]string
	for _, name := range s.Names() {
		t := s[name]
		data = append(data, []string{
			name,
			string(t.DType()),
			fmt.Sprint(t.Shape()),
			format.HumanNumber(uint64(t.Len())),
			format.HumanBytes(int64(t.Len() * t.DType().Size())),
			fmt.Sprintf("%016x", checkpoint.Fingerprint(t)),
		})
	}

	table := newTable(w, "NAME", "DTYPE", "SHAPE", "PARAMS", "SIZE", "XXHASH")
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintf(w, "\n%d tensors, %s\n", len(s), format.HumanBytes(s.Bytes()))
}

func verifyHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	modelKey, err := flags.GetString("model-key")
	if err != nil {
		return err
	}

	tolerance, err := flags.GetFloat64("tolerance")
	if err != nil {
		return err
	}

	a, err := checkpoint.Load(args[0], modelKey)
	if err != nil {
		return err
	}

	b, err := checkpoint.Load(args[1], modelKey)
	if err != nil {
		return err
	}

	return writeVerify(cmd.OutOrStdout(), a, b, tolerance)
}

// tensorDiff describes how a tensor differs between two states. Distance
// is the largest absolute difference between values of equal shape.
type tensorDiff struct {
	Name     string
	Status   string
	Distance float64
}

func diffStates(a, b ml.State, tolerance float64) []tensorDiff {
	names := a.Names()
	for _, name := range b.Names() {
		if _, ok := a[name]; !ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	var diffs []tensorDiff
	for _, name := range names {
		ta, oka := a[name]
		tb, okb := b[name]
		switch {
		case !oka:
			diffs = append(diffs, tensorDiff{Name: name, Status: "only in second"})
		case !okb:
			diffs = append(diffs, tensorDiff{Name: name, Status: "only in first"})
		case !slices.Equal(ta.Shape(), tb.Shape()):
			diffs = append(diffs, tensorDiff{Name: name, Status: fmt.Sprintf("shape %v != %v", ta.Shape(), tb.Shape())})
		default:
			if d := floats.Distance(ta.Float64s(), tb.Float64s(), math.Inf(1)); d > tolerance || math.IsNaN(d) {
				diffs = append(diffs, tensorDiff{Name: name, Status: "values differ", Distance: d})
			}
		}
	}

	return diffs
}

func writeVerify(w io.Writer, a, b ml.State, tolerance float64) error {
	diffs := diffStates(a, b, tolerance)
	if len(diffs) == 0 {
		fmt.Fprintf(w, "%d tensors match\n", len(a))
		return nil
	}

	var data [][]string
	for _, d := range diffs {
		distance := "-"
		if d.Status == "values differ" {
			distance = strconv.FormatFloat(d.Distance, 'g', 6, 64)
		}
		data = append(data, []string{d.Name, d.Status, distance})
	}

	table := newTable(w, "NAME", "STATUS", "MAX DIFF")
	table.AppendBulk(data)
	table.Render()

	return fmt.Errorf("%w: %d of %d tensors", errCheckpointsDiffer, len(diffs), len(a)+len(b)-commonTensors(a, b))
}

func commonTensors(a, b ml.State) int {
	var n int
	for name := range a {
		if _, ok := b[name]; ok {
			n++
		}
	}
	return n
}
