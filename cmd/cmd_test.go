package cmd

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tinyConfig = `
encoder:
  in_channels: 1
  latent_dim: 4
  hidden_dims: [2, 4]
  im_dim: 8
  feedforward_block_dim: 16
seed: 7
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := NewCLI()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), err
}

func TestDimsCommand(t *testing.T) {
	t.Setenv("VAE_CONFIG", "")
	t.Setenv("VAE_SEED", "")

	t.Run("Defaults", func(t *testing.T) {
		out, err := run(t, "dims")
		require.NoError(t, err)
		assert.Contains(t, out, "spatial after encoder: 2")
		assert.Contains(t, out, "encoder flatten width: 1024")
		assert.Contains(t, out, "decoder feedforward_block_dim: 1024")
	})

	t.Run("Overrides", func(t *testing.T) {
		out, err := run(t, "dims", "--hidden", "8,16,32", "--im-dim", "64")
		require.NoError(t, err)
		assert.Contains(t, out, "spatial after encoder: 8")
		assert.Contains(t, out, "encoder flatten width: 2048")
		assert.Contains(t, out, "decoder feedforward_block_dim: 2048")
	})

	t.Run("NonPowerOfTwo", func(t *testing.T) {
		_, err := run(t, "dims", "--im-dim", "30")
		require.Error(t, err)
		assert.True(t, IsConfigurationError(err))
		assert.Contains(t, err.Error(), "suggested im_dim: 32")
	})
}

func TestSummaryCommand(t *testing.T) {
	t.Setenv("VAE_SEED", "")
	path := writeConfig(t, tinyConfig)

	t.Run("Table", func(t *testing.T) {
		out, err := run(t, "summary", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "encoder.stage0.conv")
		assert.Contains(t, out, "decoder.final.tanh")
		assert.Contains(t, out, "total parameters:")
	})

	t.Run("JSON", func(t *testing.T) {
		out, err := run(t, "summary", "--config", path, "--json")
		require.NoError(t, err)

		var blocks []struct {
			Name string `json:"name"`
			Spec struct {
				OutputShape []int `json:"output_shape"`
			} `json:"spec"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &blocks))
		require.Len(t, blocks, 4)
		assert.Equal(t, "decoder", blocks[3].Name)
		assert.Equal(t, []int{-1, 1, 8, 8}, blocks[3].Spec.OutputShape)
		assert.Equal(t, []int{-1, 4}, blocks[1].Spec.OutputShape)
	})

	t.Run("EnvironmentConfig", func(t *testing.T) {
		t.Setenv("VAE_CONFIG", path)
		out, err := run(t, "summary")
		require.NoError(t, err)
		assert.Contains(t, out, "encoder.stage1.norm")
		assert.NotContains(t, out, "encoder.stage2")
	})
}

func TestSampleCommand(t *testing.T) {
	path := writeConfig(t, tinyConfig)
	dir := t.TempDir()

	out, err := run(t, "sample", "--config", path, "-n", "3", "-o", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "images [3 1 8 8]")
	assert.Contains(t, out, "wrote 3 images")

	matches, err := filepath.Glob(filepath.Join(dir, "sample_*.png"))
	require.NoError(t, err)
	assert.Len(t, matches, 3)

	_, err = run(t, "sample", "--config", path, "-n", "0")
	assert.Error(t, err)
}

func TestReconstructCommand(t *testing.T) {
	path := writeConfig(t, tinyConfig)
	inDir := t.TempDir()
	outDir := t.TempDir()

	var inputs []string
	for i, v := range []uint8{0, 128} {
		img := image.NewGray(image.Rect(0, 0, 16, 16))
		for y := 0; y < 16; y++ {
			for x := 0; x < 16; x++ {
				img.SetGray(x, y, color.Gray{Y: v})
			}
		}
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, img))
		p := filepath.Join(inDir, string(rune('a'+i))+".png")
		require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))
		inputs = append(inputs, p)
	}

	args := append([]string{"reconstruct", "--config", path, "-o", outDir}, inputs...)
	out, err := run(t, args...)
	require.NoError(t, err)
	assert.Contains(t, out, "reconstruction [2 1 8 8]")
	assert.Contains(t, out, "mu [2 4]")

	matches, err := filepath.Glob(filepath.Join(outDir, "reconstruction_*.png"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	t.Run("DirectoryInBatches", func(t *testing.T) {
		dirOut := t.TempDir()
		out, err := run(t, "reconstruct", "--config", path, "-o", dirOut, "-b", "1", inDir)
		require.NoError(t, err)
		assert.Equal(t, 2, strings.Count(out, "reconstruction [1 1 8 8]"))
		assert.Contains(t, out, "wrote 2 images")
		assert.FileExists(t, filepath.Join(dirOut, "reconstruction_000.png"))
		assert.FileExists(t, filepath.Join(dirOut, "reconstruction_001.png"))
	})

	t.Run("MissingInput", func(t *testing.T) {
		_, err := run(t, "reconstruct", "--config", path, "-o", outDir, filepath.Join(inDir, "nope.png"))
		assert.Error(t, err)
	})
}
