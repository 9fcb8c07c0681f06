// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/kadirpekel/warder/pkg/config"
	"github.com/kadirpekel/warder/pkg/embedder"
	"github.com/kadirpekel/warder/pkg/rag"
	"github.com/kadirpekel/warder/pkg/server"
)

// IngestCmd runs a document through the ingestion pipeline without storing
// it, to preview how it will be chunked.
type IngestCmd struct {
	File     string `arg:"" help:"Document to ingest." type:"existingfile"`
	Strategy string `help:"Force a chunking strategy."`
	MimeType string `name:"mime-type" help:"Declared MIME type (detected when empty)."`
	Embedder string `help:"Override the embedder provider (hash needs no network)."`
	Format   string `short:"f" help:"Output format: table, json." default:"table" enum:"table,json"`
	Embed    bool   `help:"Include embeddings in json output."`
}

func (c *IngestCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, loader, err := loadConfig(ctx, cli)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}
	if c.Embedder != "" && c.Embedder != cfg.Embedder.Provider {
		cfg.Embedder = config.EmbedderConfig{Provider: c.Embedder}
		cfg.Embedder.SetDefaults()
		if err := cfg.Embedder.Validate(); err != nil {
			return fmt.Errorf("embedder: %w", err)
		}
	}

	data, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", c.File, err)
	}
	mimeType := c.MimeType
	if rag.IsGenericMimeType(mimeType) {
		mimeType = rag.DetectMimeType(c.File, data)
	}

	emb, err := embedder.NewFromConfig(&cfg.Embedder)
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	defer emb.Close()

	pipeline, err := server.NewPipeline(&cfg.RAG, emb)
	if err != nil {
		return err
	}
	chunks, err := pipeline.Ingest(ctx, data, mimeType, rag.Strategy(c.Strategy))
	if err != nil {
		return err
	}

	if c.Format == "json" {
		if !c.Embed {
			for i := range chunks {
				chunks[i].Embedding = nil
			}
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(chunks)
	}

	fmt.Fprintf(os.Stdout, "%s (%s): %d chunks, %s strategy, %s/%s\n\n",
		filepath.Base(c.File), mimeType, len(chunks), chunks[0].Strategy, emb.Model(), cfg.RAG.Tokenizer)
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tTOKENS\tSECTION\tPREVIEW")
	for _, ch := range chunks {
		fmt.Fprintf(tw, "%d\t%d-%d\t%s\t%s\n", ch.Index, ch.StartToken, ch.EndToken, ch.Section, preview(ch.Content, 60))
	}
	return tw.Flush()
}

func preview(s string, n int) string {
	r := []rune(s)
	for i, c := range r {
		if c == '\n' || c == '\t' {
			r[i] = ' '
		}
	}
	if len(r) > n {
		return string(r[:n]) + "..."
	}
	return string(r)
}
