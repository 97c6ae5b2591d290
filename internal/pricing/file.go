package pricing

import (
	"errors"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type fileEntry struct {
	Provider   string `mapstructure:"provider"`
	Model      string `mapstructure:"model"`
	Operation  string `mapstructure:"operation"`
	InputRate  string `mapstructure:"input_rate"`
	OutputRate string `mapstructure:"output_rate"`
	FlatRate   string `mapstructure:"flat_rate"`
	UnitSize   int64  `mapstructure:"unit_size"`
}

type fileConfig struct {
	Version       string      `mapstructure:"version"`
	MinimumCharge string      `mapstructure:"minimum_charge"`
	Default       fileEntry   `mapstructure:"default"`
	Entries       []fileEntry `mapstructure:"entries"`
}

// FileSource loads a YAML price list into a Table and reloads it when the file changes.
//
//	pricing:
//	  version: "2025-06"
//	  minimum_charge: "0.01"
//	  default: { input_rate: "0.01", output_rate: "0.03" }
//	  entries:
//	    - { provider: openai, model: gpt-4, input_rate: "0.03", output_rate: "0.06" }
type FileSource struct {
	v              *viper.Viper
	table          *Table
	defaultMinimum decimal.Decimal
	logger         *zap.Logger
}

// NewFileSource reads path and installs its snapshot into table.
// defaultMinimum applies when the file omits minimum_charge.
func NewFileSource(path string, table *Table, defaultMinimum decimal.Decimal, logger *zap.Logger) (*FileSource, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}

	fs := &FileSource{
		v:              v,
		table:          table,
		defaultMinimum: defaultMinimum,
		logger:         logger.Named("pricing"),
	}

	snap, err := fs.load()
	if err != nil {
		return nil, err
	}
	table.Replace(snap)

	fs.logger.Info("pricing table loaded",
		zap.String("file", path),
		zap.String("version", snap.Version),
		zap.Int("entries", len(snap.entries)),
	)

	return fs, nil
}

// Watch starts hot reload. Invalid files are logged and the previous snapshot stays in effect.
func (fs *FileSource) Watch() {
	fs.v.OnConfigChange(func(e fsnotify.Event) {
		if err := fs.Reload(); err != nil {
			fs.logger.Error("pricing reload rejected, keeping previous table",
				zap.String("file", e.Name),
				zap.Error(err),
			)
			return
		}
		fs.logger.Info("pricing table reloaded",
			zap.String("file", e.Name),
			zap.String("version", fs.table.Snapshot().Version),
		)
	})
	fs.v.WatchConfig()
}

// Reload re-reads the file and installs it if valid.
func (fs *FileSource) Reload() error {
	if err := fs.v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read pricing file: %w", err)
	}
	snap, err := fs.load()
	if err != nil {
		return err
	}
	fs.table.Replace(snap)
	return nil
}

func (fs *FileSource) load() (*Snapshot, error) {
	var cfg fileConfig
	if err := fs.v.UnmarshalKey("pricing", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode pricing file: %w", err)
	}
	if len(cfg.Entries) == 0 && cfg.Default == (fileEntry{}) {
		return nil, errors.New("pricing file has no entries")
	}

	minimum := fs.defaultMinimum
	if cfg.MinimumCharge != "" {
		m, err := decimal.NewFromString(cfg.MinimumCharge)
		if err != nil {
			return nil, fmt.Errorf("invalid minimum_charge: %w", err)
		}
		minimum = m
	}

	def := BuiltinSnapshot(minimum).Default()
	if cfg.Default != (fileEntry{}) {
		var err error
		if def, err = cfg.Default.toEntry(); err != nil {
			return nil, fmt.Errorf("invalid default entry: %w", err)
		}
	}

	entries := make([]Entry, 0, len(cfg.Entries))
	for i, fe := range cfg.Entries {
		e, err := fe.toEntry()
		if err != nil {
			return nil, fmt.Errorf("invalid entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}

	version := cfg.Version
	if version == "" {
		version = "file"
	}

	return NewSnapshot(version, minimum, def, entries)
}

func (fe fileEntry) toEntry() (Entry, error) {
	in, err := parseRate(fe.InputRate)
	if err != nil {
		return Entry{}, fmt.Errorf("input_rate: %w", err)
	}
	out, err := parseRate(fe.OutputRate)
	if err != nil {
		return Entry{}, fmt.Errorf("output_rate: %w", err)
	}
	flat, err := parseRate(fe.FlatRate)
	if err != nil {
		return Entry{}, fmt.Errorf("flat_rate: %w", err)
	}

	return Entry{
		Key:        Key{Provider: fe.Provider, Model: fe.Model, Operation: fe.Operation},
		InputRate:  in,
		OutputRate: out,
		FlatRate:   flat,
		UnitSize:   fe.UnitSize,
	}, nil
}

func parseRate(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
