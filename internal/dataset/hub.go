package dataset

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/cklxx/all4you/internal/writer"
)

// SourceConfig describes one remote dataset pull. Values are treated as
// immutable; WithOverrides returns a copy.
type SourceConfig struct {
	Name        string            `json:"name"`
	DatasetID   string            `json:"dataset_id"`
	Split       string            `json:"split"`
	Subset      string            `json:"subset,omitempty"`
	Fields      map[string]string `json:"fields"`
	Description string            `json:"description,omitempty"`
}

// WithOverrides merges non-empty overrides onto c. Fields merge shallowly,
// override keys win.
func (c SourceConfig) WithOverrides(split, subset string, fields map[string]string) SourceConfig {
	out := c
	if split != "" {
		out.Split = split
	}
	if subset != "" {
		out.Subset = subset
	}
	out.Fields = make(map[string]string, len(c.Fields)+len(fields))
	for k, v := range c.Fields {
		out.Fields[k] = v
	}
	for k, v := range fields {
		out.Fields[k] = v
	}
	return out
}

var identityAlpacaFields = map[string]string{
	"instruction": "instruction",
	"input":       "input",
	"output":      "output",
}

// PresetDatasets are the curated hub datasets addressable by short name
var PresetDatasets = map[string]SourceConfig{
	"alpaca_zh": {
		Name:        "alpaca_zh",
		DatasetID:   "AI-ModelScope/alpaca-gpt4-data-zh",
		Split:       "train",
		Fields:      identityAlpacaFields,
		Description: "Chinese Alpaca instructions generated with GPT-4",
	},
	"firefly": {
		Name:      "firefly",
		DatasetID: "wyj123456/firefly-train-1.1M",
		Split:     "train",
		Fields: map[string]string{
			"instruction": "{input}",
			"input":       "",
			"output":      "target",
		},
		Description: "Firefly Chinese dialogue corpus, 1.1M samples",
	},
	"belle": {
		Name:        "belle",
		DatasetID:   "AI-ModelScope/train_0.5M_CN",
		Split:       "train",
		Fields:      identityAlpacaFields,
		Description: "BELLE Chinese instruction data, 0.5M samples",
	},
}

// PresetNames returns the preset names in sorted order
func PresetNames() []string {
	names := make([]string, 0, len(PresetDatasets))
	for name := range PresetDatasets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fetcher streams raw records of a dataset. limit <= 0 means no limit.
type Fetcher interface {
	Fetch(ctx context.Context, cfg SourceConfig, limit int) ([]Record, error)
}

// Download is the outcome of pulling a dataset into the cache
type Download struct {
	Config           SourceConfig
	RawRecords       []Record
	FormattedRecords []Record
	RawPath          string
	FormattedPath    string
}

// DataPath is the file training should read: the field-mapped snapshot when
// one exists, otherwise the raw one
func (d *Download) DataPath() string {
	if d.FormattedPath != "" {
		return d.FormattedPath
	}
	return d.RawPath
}

// Hub downloads datasets and keeps raw and field-mapped snapshots in a cache
type Hub struct {
	cacheDir string
	fetcher  Fetcher
	logger   *slog.Logger
}

// NewHub creates the cache directory and returns a hub backed by fetcher
func NewHub(cacheDir string, fetcher Fetcher, logger *slog.Logger) (*Hub, error) {
	if cacheDir == "" {
		cacheDir = "datasets/modelscope"
	}
	abs, err := filepath.Abs(cacheDir)
	if err != nil {
		return nil, eris.Wrapf(err, "hub: resolve cache dir %s", cacheDir)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, eris.Wrapf(err, "hub: create cache dir %s", abs)
	}
	return &Hub{
		cacheDir: abs,
		fetcher:  fetcher,
		logger:   logger.With("component", "hub"),
	}, nil
}

// ResolveConfig looks up a preset by name, or treats nameOrID as a dataset id
func (h *Hub) ResolveConfig(nameOrID, split, subset string, fields map[string]string) SourceConfig {
	base, ok := PresetDatasets[nameOrID]
	if !ok {
		base = SourceConfig{Name: nameOrID, DatasetID: nameOrID, Split: "train"}
	}
	return base.WithOverrides(split, subset, fields)
}

// Download fetches the dataset, writes <split>.raw.json and, when the config
// has a field mapping, <split>.formatted.json next to it
func (h *Hub) Download(ctx context.Context, nameOrID, split, subset string, fields map[string]string, limit int) (*Download, error) {
	cfg := h.ResolveConfig(nameOrID, split, subset, fields)

	h.logger.Info("Downloading dataset",
		"dataset_id", cfg.DatasetID,
		"split", cfg.Split,
		"subset", cfg.Subset,
		"limit", limit)

	records, err := h.fetcher.Fetch(ctx, cfg, limit)
	if err != nil {
		return nil, eris.Wrapf(err, "hub: fetch %s", cfg.DatasetID)
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	saveDir := filepath.Join(h.cacheDir, strings.ReplaceAll(cfg.Name, "/", "_"))
	if err := os.MkdirAll(saveDir, 0755); err != nil {
		return nil, eris.Wrapf(err, "hub: create %s", saveDir)
	}

	rawPath := filepath.Join(saveDir, cfg.Split+".raw.json")
	if err := writer.WriteJSON(rawPath, records); err != nil {
		return nil, eris.Wrap(err, "hub: save raw snapshot")
	}
	h.logger.Info("Saved raw dataset snapshot", "path", rawPath, "samples", len(records))

	dl := &Download{Config: cfg, RawRecords: records, RawPath: rawPath}

	if formatted, mapped := Normalize(records, cfg.Fields); mapped {
		formattedPath := filepath.Join(saveDir, cfg.Split+".formatted.json")
		if err := writer.WriteJSON(formattedPath, formatted); err != nil {
			return nil, eris.Wrap(err, "hub: save formatted snapshot")
		}
		h.logger.Info("Saved formatted dataset snapshot", "path", formattedPath)
		dl.FormattedRecords = formatted
		dl.FormattedPath = formattedPath
	}

	return dl, nil
}

// PrepareForTraining downloads the dataset and fails when no usable file was produced
func (h *Hub) PrepareForTraining(ctx context.Context, nameOrID, split, subset string, fields map[string]string, limit int) (*Download, error) {
	dl, err := h.Download(ctx, nameOrID, split, subset, fields, limit)
	if err != nil {
		return nil, err
	}
	if dl.DataPath() == "" {
		return nil, eris.Errorf("hub: download of %s did not produce a usable file", dl.Config.DatasetID)
	}
	return dl, nil
}
