package cmd

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/jmorganca/shardconv/convert"
	"github.com/jmorganca/shardconv/envconfig"
	"github.com/jmorganca/shardconv/ml"
	"github.com/jmorganca/shardconv/progress"
)

func cmdConvert() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert a checkpoint between full, sharded and externalized states",
		Args:  cobra.NoArgs,
		RunE:  convertHandler,
	}

	flags := cmd.Flags()
	flags.Bool("convert-from-full-state", false, "Split a full state into sharded partial states")
	flags.Bool("convert-to-full-state", false, "Merge sharded partial states into a full state")
	flags.Bool("convert-from-externalized-storage", false, "Rewrite externalized partial states as plain checkpoints")
	flags.Bool("convert-to-externalized-storage", false, "Rewrite plain partial states as externalized checkpoints")
	cmd.MarkFlagsMutuallyExclusive(
		"convert-from-full-state",
		"convert-to-full-state",
		"convert-from-externalized-storage",
		"convert-to-externalized-storage",
	)

	flags.Int("tp-size", 1, "Tensor parallel size")
	flags.Int("pp-size", 1, "Pipeline parallel size")
	flags.Int("ep-size", 1, "Expert parallel size")
	flags.Int("virtual-pp-size", 1, "Virtual pipeline stages per pipeline rank")
	flags.Int("n-layers", 0, "Number of transformer layers, overriding the model config")

	flags.Bool("coalesce-qkv", false, "Pack query, key and value into qkv_proj per tensor parallel rank")
	flags.Bool("fuse-qkv", false, "Fuse query, key and value into one tensor in partial states")
	flags.Bool("qkv-linear", false, "Keys and values are replicated across tensor parallel ranks")
	flags.Int("kv-size-multiplier", 1, "Replication factor of key/value heads")
	flags.String("hw-backend", "trn1", "Hardware backend selecting the GQA head layout (trn1, trn2)")
	flags.String("model-style", string(convert.StyleHF), "Parameter naming style of partial states (hf, megatron)")

	flags.String("input-dir", "", "Full state file or sharded checkpoint directory")
	flags.String("hf-model-name", "", "HuggingFace model to load from the local cache instead of --input-dir")
	flags.String("output-dir", "", "Output directory")
	flags.String("config", "", "Model config.json")
	flags.String("nxdt-yaml-config", "", "Training YAML config, instead of --config")
	cmd.MarkFlagsMutuallyExclusive("config", "nxdt-yaml-config")
	flags.String("model-key", "model", "Key holding the state dict inside a pickled checkpoint")
	flags.Bool("load-externalized", false, "Partial states are read from externalized storage")
	flags.Bool("save-externalized", false, "Partial states are written to externalized storage")
	flags.Int("parallel", envconfig.NumParallel, "Ranks split and written concurrently")

	return cmd
}

// convertArgs maps command line flags onto conversion arguments.
func convertArgs(cmd *cobra.Command) (convert.Args, error) {
	flags := cmd.Flags()

	var errs []error
	getBool := func(name string) bool {
		v, err := flags.GetBool(name)
		errs = append(errs, err)
		return v
	}
	getInt := func(name string) int {
		v, err := flags.GetInt(name)
		errs = append(errs, err)
		return v
	}
	getString := func(name string) string {
		v, err := flags.GetString(name)
		errs = append(errs, err)
		return v
	}

	a := convert.Args{
		FromFull:         getBool("convert-from-full-state"),
		ToFull:           getBool("convert-to-full-state"),
		FromExternalized: getBool("convert-from-externalized-storage"),
		ToExternalized:   getBool("convert-to-externalized-storage"),
		InputDir:         getString("input-dir"),
		HFModelName:      getString("hf-model-name"),
		HFHome:           envconfig.HFHome,
		OutputDir:        getString("output-dir"),
		ConfigPath:       getString("config"),
		NumLayers:        getInt("n-layers"),
		ModelKey:         getString("model-key"),
		LoadExternalized: getBool("load-externalized"),
		SaveExternalized: getBool("save-externalized"),
		Parallel:         getInt("parallel"),
		Options: convert.Options{
			Topology: ml.Topology{
				TP: getInt("tp-size"),
				PP: getInt("pp-size"),
				EP: getInt("ep-size"),
			},
			VirtualPP:    getInt("virtual-pp-size"),
			CoalesceQKV:  getBool("coalesce-qkv"),
			FuseQKV:      getBool("fuse-qkv"),
			QKVLinear:    getBool("qkv-linear"),
			KVMultiplier: getInt("kv-size-multiplier"),
		},
	}

	if yamlConfig := getString("nxdt-yaml-config"); yamlConfig != "" {
		a.ConfigPath = yamlConfig
	}

	layout, err := convert.LayoutForBackend(getString("hw-backend"))
	errs = append(errs, err)
	a.Layout = layout

	style, err := convert.ParseStyle(getString("model-style"))
	errs = append(errs, err)
	a.Style = style

	if err := errors.Join(errs...); err != nil {
		return convert.Args{}, err
	}

	if a.InputDir != "" && a.HFModelName != "" {
		return convert.Args{}, fmt.Errorf("%w: --input-dir and --hf-model-name are mutually exclusive", convert.ErrInvalidMode)
	}

	return a, nil
}

func convertHandler(cmd *cobra.Command, args []string) error {
	a, err := convertArgs(cmd)
	if err != nil {
		return err
	}

	mode, err := a.Mode()
	if err != nil {
		return err
	}

	if err := a.Topology.Validate(); err != nil {
		return err
	}

	p := progress.NewProgress(os.Stderr)
	defer p.Stop()

	spinner := progress.NewSpinner("loading full state")
	if mode == convert.ModeFromFull {
		p.Add(spinner)
	} else {
		spinner.Stop()
	}

	bar := progress.NewStepBar(mode.String(), len(a.Topology.Ranks()))
	p.Add(bar)

	var once sync.Once
	a.OnRank = func(ml.Rank, ml.State) {
		once.Do(spinner.Stop)
		bar.Increment()
	}

	return convert.Run(cmd.Context(), a)
}
