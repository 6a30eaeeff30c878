package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/karst-ml/karst/internal/checkpoint"
)

func inspectCmd() *cli.Command {
	var (
		jsonOut bool
		filter  string
		limit   int64
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect a llama2 checkpoint header and weight catalog",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to llama2 checkpoint (.bin)",
				Destination: &modelPath,
				Required:    true,
			},
			&cli.BoolFlag{Name: "json", Usage: "emit JSON instead of text", Destination: &jsonOut},
			&cli.StringFlag{Name: "filter", Usage: "substring filter for weight listing", Destination: &filter},
			&cli.Int64Flag{Name: "limit", Usage: "limit weight listing (0 = no limit)", Destination: &limit},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx

			f, err := checkpoint.Open(modelPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open checkpoint: %v", err), 1)
			}
			defer func() { _ = f.Close() }()

			if jsonOut {
				return printInspectJSON(f)
			}
			printInspectText(f, filter, int(limit))
			return nil
		},
	}
}

type inspectConfig struct {
	Dim              int  `json:"dim"`
	HiddenDim        int  `json:"hidden_dim"`
	NumLayers        int  `json:"n_layers"`
	NumHeads         int  `json:"n_heads"`
	NumKVHeads       int  `json:"n_kv_heads"`
	VocabSize        int  `json:"vocab_size"`
	SeqLen           int  `json:"seq_len"`
	SharedClassifier bool `json:"shared_classifier"`
}

type inspectWeight struct {
	Name     string `json:"name"`
	Shape    []int  `json:"shape"`
	Offset   int64  `json:"offset"`
	Elements int    `json:"elements"`
}

type inspectOutput struct {
	Path        string          `json:"path"`
	MappedBytes int             `json:"mapped_bytes"`
	Config      inspectConfig   `json:"config"`
	Weights     []inspectWeight `json:"weights"`
}

func printInspectJSON(f *checkpoint.File) error {
	cfg := f.Config()
	out := inspectOutput{
		Path:        f.Path(),
		MappedBytes: f.MappedBytes(),
		Config: inspectConfig{
			Dim:              cfg.Dim,
			HiddenDim:        cfg.HiddenDim,
			NumLayers:        cfg.NumLayers,
			NumHeads:         cfg.NumHeads,
			NumKVHeads:       cfg.NumKVHeads,
			VocabSize:        cfg.VocabSize,
			SeqLen:           cfg.SeqLen,
			SharedClassifier: cfg.SharedClassifier,
		},
	}
	for _, e := range f.Catalog().Entries() {
		out.Weights = append(out.Weights, inspectWeight{
			Name:     e.Name,
			Shape:    e.Shape,
			Offset:   e.Offset,
			Elements: e.Elements(),
		})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printInspectText(f *checkpoint.File, filter string, limit int) {
	cfg := f.Config()
	fmt.Printf("Checkpoint: %s\n", f.Path())
	fmt.Printf("Mapped:     %s\n", formatBytes(uint64(f.MappedBytes())))

	section("Model")
	rowInt("dim", cfg.Dim)
	rowInt("hidden_dim", cfg.HiddenDim)
	rowInt("n_layers", cfg.NumLayers)
	rowInt("n_heads", cfg.NumHeads)
	rowInt("n_kv_heads", cfg.NumKVHeads)
	rowInt("vocab_size", cfg.VocabSize)
	rowInt("seq_len", cfg.SeqLen)
	row("shared_classifier", fmt.Sprintf("%v", cfg.SharedClassifier))

	section("Weights")
	entries := f.Catalog().Entries()
	printed := 0
	for _, e := range entries {
		if filter != "" && !strings.Contains(e.Name, filter) {
			continue
		}
		fmt.Printf("  %-28s shape=%-14s off=%-12d %s\n",
			e.Name, formatShape(e.Shape), e.Offset, formatBytes(uint64(e.Elements())*4))
		printed++
		if limit > 0 && printed >= limit {
			break
		}
	}
	if limit > 0 && printed < len(entries) {
		fmt.Printf("  ... (%d shown of %d)\n", printed, len(entries))
	}
}

func section(title string) {
	fmt.Printf("\n%s\n%s\n", title, strings.Repeat("-", len(title)))
}

func row(label, value string) {
	fmt.Printf("  %-20s %s\n", label, value)
}

func rowInt(label string, v int) {
	row(label, strconv.Itoa(v))
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, v := range shape {
		parts[i] = strconv.Itoa(v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
