package lsmkv

// options_file.go implements reading and writing Options as YAML.
//
// Format (every field is optional; missing fields keep their defaults):
//
//	create_if_missing: true
//	paranoid_checks: false
//	write_buffer_size: 4194304
//	max_open_files: 1000
//	block_cache_size: 8388608
//	block_size: 4096
//	compression: snappy
//	bloom_bits_per_key: 10
//	l0_compaction_trigger: 4

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-yaml"

	"github.com/aalhour/lsmkv/db"
	"github.com/aalhour/lsmkv/internal/compression"
	"github.com/aalhour/lsmkv/internal/status"
)

// optionsFile is the YAML form of Options. Pointer fields distinguish an
// absent field from a zero value.
type optionsFile struct {
	CreateIfMissing         *bool   `yaml:"create_if_missing,omitempty"`
	ErrorIfExists           *bool   `yaml:"error_if_exists,omitempty"`
	ParanoidChecks          *bool   `yaml:"paranoid_checks,omitempty"`
	WriteBufferSize         *int    `yaml:"write_buffer_size,omitempty"`
	MaxOpenFiles            *int    `yaml:"max_open_files,omitempty"`
	BlockCacheSize          *int64  `yaml:"block_cache_size,omitempty"`
	BlockSize               *int    `yaml:"block_size,omitempty"`
	BlockRestartInterval    *int    `yaml:"block_restart_interval,omitempty"`
	MaxFileSize             *int    `yaml:"max_file_size,omitempty"`
	Compression             *string `yaml:"compression,omitempty"`
	ReuseLogs               *bool   `yaml:"reuse_logs,omitempty"`
	BloomBitsPerKey         *int    `yaml:"bloom_bits_per_key,omitempty"`
	UseDirectReads          *bool   `yaml:"use_direct_reads,omitempty"`
	L0CompactionTrigger     *int    `yaml:"l0_compaction_trigger,omitempty"`
	L0SlowdownWritesTrigger *int    `yaml:"l0_slowdown_writes_trigger,omitempty"`
	L0StopWritesTrigger     *int    `yaml:"l0_stop_writes_trigger,omitempty"`
	NumLevels               *int    `yaml:"num_levels,omitempty"`
	MaxMemCompactLevel      *int    `yaml:"max_mem_compact_level,omitempty"`
}

// LoadOptionsFile reads Options from the YAML file at path, starting from
// DefaultOptions. Unknown fields are an error.
func LoadOptionsFile(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read options file %s", path)
	}
	opts, err := ParseOptions(data)
	if err != nil {
		return nil, errors.Wrapf(err, "options file %s", path)
	}
	return opts, nil
}

// ParseOptions decodes YAML options over DefaultOptions.
func ParseOptions(data []byte) (*Options, error) {
	var f optionsFile
	if err := yaml.UnmarshalWithOptions(data, &f, yaml.DisallowUnknownField()); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "parse options"), status.ErrInvalidArgument)
	}
	opts := db.DefaultOptions()
	if err := f.apply(opts); err != nil {
		return nil, err
	}
	return opts, nil
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func (f *optionsFile) apply(opts *Options) error {
	setIf(&opts.CreateIfMissing, f.CreateIfMissing)
	setIf(&opts.ErrorIfExists, f.ErrorIfExists)
	setIf(&opts.ParanoidChecks, f.ParanoidChecks)
	setIf(&opts.WriteBufferSize, f.WriteBufferSize)
	setIf(&opts.MaxOpenFiles, f.MaxOpenFiles)
	setIf(&opts.BlockSize, f.BlockSize)
	setIf(&opts.BlockRestartInterval, f.BlockRestartInterval)
	setIf(&opts.MaxFileSize, f.MaxFileSize)
	setIf(&opts.ReuseLogs, f.ReuseLogs)
	setIf(&opts.UseDirectReads, f.UseDirectReads)
	setIf(&opts.L0CompactionTrigger, f.L0CompactionTrigger)
	setIf(&opts.L0SlowdownWritesTrigger, f.L0SlowdownWritesTrigger)
	setIf(&opts.L0StopWritesTrigger, f.L0StopWritesTrigger)
	setIf(&opts.NumLevels, f.NumLevels)
	setIf(&opts.MaxMemCompactLevel, f.MaxMemCompactLevel)

	if f.BlockCacheSize != nil {
		if *f.BlockCacheSize <= 0 {
			return status.InvalidArgumentf("block_cache_size must be positive, got %d", *f.BlockCacheSize)
		}
		opts.BlockCache = db.NewLRUCache(*f.BlockCacheSize)
	}
	if f.Compression != nil {
		c, err := compression.ParseType(*f.Compression)
		if err != nil {
			return err
		}
		opts.Compression = c
	}
	if f.BloomBitsPerKey != nil {
		if *f.BloomBitsPerKey <= 0 {
			return status.InvalidArgumentf("bloom_bits_per_key must be positive, got %d", *f.BloomBitsPerKey)
		}
		opts.FilterPolicy = db.NewBloomFilterPolicy(*f.BloomBitsPerKey)
	}
	return nil
}

// MarshalOptions encodes the file-representable fields of opts as YAML.
// The block cache, filter policy, comparator, file system, logger and
// metrics registry are not included.
func MarshalOptions(opts *Options) ([]byte, error) {
	c := opts.Compression.String()
	f := optionsFile{
		CreateIfMissing:         &opts.CreateIfMissing,
		ErrorIfExists:           &opts.ErrorIfExists,
		ParanoidChecks:          &opts.ParanoidChecks,
		WriteBufferSize:         &opts.WriteBufferSize,
		MaxOpenFiles:            &opts.MaxOpenFiles,
		BlockSize:               &opts.BlockSize,
		BlockRestartInterval:    &opts.BlockRestartInterval,
		MaxFileSize:             &opts.MaxFileSize,
		Compression:             &c,
		ReuseLogs:               &opts.ReuseLogs,
		UseDirectReads:          &opts.UseDirectReads,
		L0CompactionTrigger:     &opts.L0CompactionTrigger,
		L0SlowdownWritesTrigger: &opts.L0SlowdownWritesTrigger,
		L0StopWritesTrigger:     &opts.L0StopWritesTrigger,
		NumLevels:               &opts.NumLevels,
		MaxMemCompactLevel:      &opts.MaxMemCompactLevel,
	}
	return yaml.Marshal(&f)
}
