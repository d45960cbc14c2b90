package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-vae/envconfig"
	"github.com/tsawler/go-vae/logutil"
	"github.com/tsawler/go-vae/nn"
	"github.com/tsawler/go-vae/tensor"
	"github.com/tsawler/go-vae/vae"
	"github.com/tsawler/go-vae/vision/dataloader"
	"github.com/tsawler/go-vae/vision/dataset"
	"github.com/tsawler/go-vae/vision/preprocessing"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
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

// loadConfig resolves the model configuration from --config, VAE_CONFIG or
// the defaults, then applies --seed / VAE_SEED.
func loadConfig(cmd *cobra.Command) (vae.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = envconfig.ConfigPath()
	}

	cfg := vae.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = vae.LoadConfig(path); err != nil {
			return vae.Config{}, err
		}
		slog.Debug("loaded config", "path", path)
	}

	seed, _ := cmd.Flags().GetUint64("seed")
	if seed == 0 {
		seed = envconfig.Seed()
	}
	if seed != 0 {
		cfg.Seed = seed
	}
	if cfg.Seed != 0 {
		nn.SetRandomSeed(cfg.Seed)
	}
	return cfg, nil
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q: %w", f, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func DimsHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	hidden := cfg.Encoder.HiddenDims
	if s, _ := cmd.Flags().GetString("hidden"); s != "" {
		if hidden, err = parseInts(s); err != nil {
			return err
		}
	}
	imDim := cfg.Encoder.ImDim
	if cmd.Flags().Changed("im-dim") {
		imDim, _ = cmd.Flags().GetInt("im-dim")
	}

	spatial, err := vae.SpatialDimAfter(imDim, len(hidden))
	if err != nil {
		return err
	}
	flat := vae.FlatDim(hidden[len(hidden)-1], spatial)
	decoderHidden := vae.Mirror(hidden)
	ff, err := vae.SuggestFeedforwardDim(decoderHidden, imDim)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	table := newTable(out, []string{"STAGE", "CHANNELS", "SPATIAL"})
	size := imDim
	for i, h := range hidden {
		size >>= 1
		table.Append([]string{fmt.Sprintf("encoder.%d", i), strconv.Itoa(h), fmt.Sprintf("%dx%d", size, size)})
	}
	size = spatial
	for i, h := range decoderHidden {
		size = vae.UpsampledDim(size, 1)
		table.Append([]string{fmt.Sprintf("decoder.%d", i), strconv.Itoa(h), fmt.Sprintf("%dx%d", size, size)})
	}
	table.Render()

	fmt.Fprintf(out, "\nspatial after encoder: %d\n", spatial)
	fmt.Fprintf(out, "encoder flatten width: %d\n", flat)
	fmt.Fprintf(out, "decoder feedforward_block_dim: %d\n", ff)
	return nil
}

func SummaryHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	model, err := vae.NewFromConfig(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(model.Summary())
	}

	table := newTable(out, []string{"BLOCK", "LAYER", "TYPE", "OUTPUT", "PARAMS"})
	for _, block := range model.Summary() {
		for _, l := range block.Spec.Layers {
			table.Append([]string{
				block.Name,
				l.Name,
				l.Type.String(),
				fmt.Sprint(l.OutputShape),
				strconv.FormatInt(l.ParameterCount, 10),
			})
		}
	}
	table.Render()
	fmt.Fprintf(out, "\ntotal parameters: %d (including log_scale)\n", model.NumParameters())
	return nil
}

// writePNGs writes every sample of batch, numbering files from start.
func writePNGs(p *preprocessing.ImageProcessor, batch *tensor.Tensor, dir, prefix string, start int) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var written []string
	for n := range batch.Shape[0] {
		img, err := p.ToImage(batch, n)
		if err != nil {
			return written, err
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_%03d.png", prefix, start+n))
		f, err := os.Create(path)
		if err != nil {
			return written, err
		}
		err = png.Encode(f, img)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return written, fmt.Errorf("failed to write %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}

func SampleHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	model, err := vae.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	model.Eval()

	n, _ := cmd.Flags().GetInt("num")
	if n <= 0 {
		return fmt.Errorf("--num must be positive, got %d", n)
	}

	var src rand.Source
	if cfg.Seed != 0 {
		src = tensor.NewLockedSource(cfg.Seed)
	}
	z, err := tensor.RandomNormal([]int{n, cfg.Decoder.LatentDim}, 0, 1, tensor.Float32, src)
	if err != nil {
		return err
	}
	images, err := model.Decoder().Decode(z)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "z %v: %s\n", z.Shape, z.Stats())
	fmt.Fprintf(out, "images %v: %s\n", images.Shape, images.Stats())

	if dir, _ := cmd.Flags().GetString("output"); dir != "" {
		p, err := preprocessing.NewImageProcessor(cfg.Decoder.ImDim, cfg.Decoder.OutChannels)
		if err != nil {
			return err
		}
		paths, err := writePNGs(p, images, dir, "sample", 0)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %d images to %s\n", len(paths), dir)
	}
	return nil
}

// imageSources expands directory arguments into the images they contain.
func imageSources(args []string) (*dataset.ImageFolder, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		folder, err := dataset.NewImageFolder(arg, nil)
		if err != nil {
			return nil, err
		}
		paths = append(paths, folder.Paths()...)
	}
	return dataset.FromPaths(paths), nil
}

func ReconstructHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	model, err := vae.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	model.Eval()

	sources, err := imageSources(args)
	if err != nil {
		return err
	}
	p, err := preprocessing.NewImageProcessor(cfg.Encoder.ImDim, cfg.Encoder.InChannels)
	if err != nil {
		return err
	}
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	loader, err := dataloader.NewDataLoader(sources, p, dataloader.Config{
		BatchSize:  batchSize,
		NumWorkers: runtime.GOMAXPROCS(0),
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	dir, _ := cmd.Flags().GetString("output")
	written := 0
	for {
		batch, err := loader.NextBatch()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		result, err := model.Forward(batch.Images)
		if err != nil {
			return err
		}
		slog.Debug("reconstructed batch", "first", batch.Paths[0], "size", len(batch.Paths))

		fmt.Fprintf(out, "input %v: %s\n", batch.Images.Shape, batch.Images.Stats())
		fmt.Fprintf(out, "mu %v: %s\n", result.Mu.Shape, result.Mu.Stats())
		fmt.Fprintf(out, "sigma %v: %s\n", result.Sigma.Shape, result.Sigma.Stats())
		fmt.Fprintf(out, "reconstruction %v: %s\n", result.Reconstruction.Shape, result.Reconstruction.Stats())

		paths, err := writePNGs(p, result.Reconstruction, dir, "reconstruction", written)
		if err != nil {
			return err
		}
		written += len(paths)
	}
	fmt.Fprintf(out, "wrote %d images to %s\n", written, dir)
	return nil
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vae",
		Short: "Convolutional variational autoencoder",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true

			level := envconfig.LogLevel()
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose && level > slog.LevelDebug {
				level = slog.LevelDebug
			}
			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), level))
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML model configuration (default $VAE_CONFIG)")
	rootCmd.PersistentFlags().Uint64("seed", 0, "Seed for weights and sampling noise (default $VAE_SEED)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log construction details")

	cobra.EnableCommandSorting = false

	dimsCmd := &cobra.Command{
		Use:   "dims",
		Short: "Show the spatial size of every stage",
		Args:  cobra.NoArgs,
		RunE:  DimsHandler,
	}
	dimsCmd.Flags().String("hidden", "", "Comma separated encoder stage widths (overrides config)")
	dimsCmd.Flags().Int("im-dim", 0, "Image side length (overrides config)")

	summaryCmd := &cobra.Command{
		Use:   "summary",
		Short: "Show the layer plan and parameter counts",
		Args:  cobra.NoArgs,
		RunE:  SummaryHandler,
	}
	summaryCmd.Flags().Bool("json", false, "Print the compiled plans as JSON")

	sampleCmd := &cobra.Command{
		Use:   "sample",
		Short: "Decode random latent vectors",
		Args:  cobra.NoArgs,
		RunE:  SampleHandler,
	}
	sampleCmd.Flags().IntP("num", "n", 4, "Number of samples")
	sampleCmd.Flags().StringP("output", "o", "", "Directory for PNG output")

	reconstructCmd := &cobra.Command{
		Use:   "reconstruct IMAGE|DIR [IMAGE|DIR...]",
		Short: "Encode and decode images",
		Args:  cobra.MinimumNArgs(1),
		RunE:  ReconstructHandler,
	}
	reconstructCmd.Flags().StringP("output", "o", "reconstructions", "Directory for PNG output")
	reconstructCmd.Flags().IntP("batch-size", "b", 16, "Images per forward pass")

	rootCmd.AddCommand(dimsCmd, summaryCmd, sampleCmd, reconstructCmd)
	return rootCmd
}

// IsConfigurationError reports whether err came from an invalid model
// configuration, for exit code selection.
func IsConfigurationError(err error) bool {
	return errors.Is(err, vae.ErrConfiguration)
}
