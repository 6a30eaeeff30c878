package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/karst-ml/karst/internal/device"
	"github.com/karst-ml/karst/internal/export"
	"github.com/karst-ml/karst/internal/model"
)

func embedCmd() *cli.Command {
	var (
		prompt     string
		jsonOut    bool
		flightAddr string
		dataset    string
	)

	return &cli.Command{
		Name:  "embed",
		Usage: "Embed a prompt with the checkpoint's token table",
		Flags: append(append(commonModelFlags(), loggingFlags()...),
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text (reads stdin when omitted)",
				Destination: &prompt,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the result as JSON",
				Destination: &jsonOut,
			},
			&cli.StringFlag{
				Name:        "flight",
				Usage:       "Arrow Flight address to publish the batch to",
				Destination: &flightAddr,
			},
			&cli.StringFlag{
				Name:        "dataset",
				Usage:       "Flight descriptor dataset name",
				Value:       "embeddings",
				Destination: &dataset,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := LoadConfig()
			applyCommonConfig(c, cfg)
			applyEmbedConfig(c, cfg, &flightAddr)
			log := buildLogger()

			if modelPath == "" || tokenizerPath == "" {
				return cli.Exit("error: --model and --tokenizer are required", 1)
			}
			dev, err := device.ParseType(deviceName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			if prompt == "" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: read stdin: %v", err), 1)
				}
				prompt = strings.TrimRight(string(data), "\n")
			}
			if prompt == "" {
				return cli.Exit("error: empty prompt", 1)
			}

			m := model.New(tokenizerPath, modelPath, model.WithLogger(log))
			if err := m.Init(dev); err != nil {
				return cli.Exit(fmt.Sprintf("error: init model: %v", err), 1)
			}
			defer func() { _ = m.Close() }()

			ids, err := m.Encode(prompt)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: encode prompt: %v", err), 1)
			}
			if err := m.Forward(ids, 0); err != nil {
				return cli.Exit(fmt.Sprintf("error: forward: %v", err), 1)
			}
			rows, err := m.Embeddings(len(ids))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: read embeddings: %v", err), 1)
			}

			if err := printEmbeddings(os.Stdout, ids, rows, jsonOut); err != nil {
				return err
			}

			if flightAddr != "" {
				sink, err := export.NewSink(flightAddr,
					export.WithSinkLogger(log), export.WithDataset(dataset))
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				defer func() { _ = sink.Close() }()
				if err := sink.Publish(ctx, export.Batch{Vectors: rows}); err != nil {
					return cli.Exit(fmt.Sprintf("error: publish batch: %v", err), 1)
				}
				log.Info("batch published", "address", flightAddr, "rows", len(rows))
			}
			return nil
		},
	}
}

type embedOutput struct {
	TokenIDs   []int32     `json:"token_ids"`
	Dim        int         `json:"dim"`
	Embeddings [][]float32 `json:"embeddings"`
}

func printEmbeddings(w io.Writer, ids []int32, rows [][]float32, asJSON bool) error {
	if asJSON {
		dim := 0
		if len(rows) > 0 {
			dim = len(rows[0])
		}
		out, err := json.MarshalIndent(embedOutput{TokenIDs: ids, Dim: dim, Embeddings: rows}, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(out))
		return err
	}
	for i, row := range rows {
		vals := make([]string, len(row))
		for j, v := range row {
			vals[j] = fmt.Sprintf("% .6f", v)
		}
		fmt.Fprintf(w, "%6d  [%s]\n", ids[i], strings.Join(vals, " "))
	}
	return nil
}
