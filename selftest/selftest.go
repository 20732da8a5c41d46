// Package selftest exercises a whole memory with a write/verify round: a block
// of random bytes is written at a random address, read back and compared.
package selftest

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/sigurn/crc8"

	"github.com/mklimuk/i2cmem"
)

// DefaultSize is the length of the test block.
const DefaultSize = 1024

var table = crc8.MakeTable(crc8.CRC8_MAXIM)

// Checksum returns the CRC-8/MAXIM of data.
func Checksum(data []byte) byte {
	return crc8.Checksum(data, table)
}

type Opts struct {
	Size    int
	Seed    uint64
	Seeded  bool
	Address int
	Logger  *slog.Logger
}

type Opt func(*Opts)

func WithSize(n int) Opt {
	return func(o *Opts) {
		o.Size = n
	}
}

// WithSeed makes the pattern and the address reproducible.
func WithSeed(seed uint64) Opt {
	return func(o *Opts) {
		o.Seed = seed
		o.Seeded = true
	}
}

// WithAddress pins the test block to addr instead of a random address.
func WithAddress(addr uint16) Opt {
	return func(o *Opts) {
		o.Address = int(addr)
	}
}

func WithLogger(l *slog.Logger) Opt {
	return func(o *Opts) {
		o.Logger = l
	}
}

type Report struct {
	Address uint16 `yaml:"address"`
	Length  int    `yaml:"length"`
	Passed  bool   `yaml:"passed"`
	// FirstMismatch is the offset of the first differing byte, -1 when none.
	FirstMismatch int           `yaml:"first_mismatch"`
	Mismatches    int           `yaml:"mismatches"`
	WriteTime     time.Duration `yaml:"write_time"`
	ReadTime      time.Duration `yaml:"read_time"`
	Checksum      byte          `yaml:"checksum"`
	ReadChecksum  byte          `yaml:"read_checksum"`
}

func (r Report) String() string {
	result := "FAILED"
	if r.Passed {
		result = "PASSED"
	}
	return fmt.Sprintf("0x%04x - %5d %s", r.Address, r.Length, result)
}

// Run writes one random block to mem and verifies it. The returned report is
// filled as far as the round got, also when an error is returned.
func Run(ctx context.Context, mem i2cmem.Memory, opts ...Opt) (Report, error) {
	config := Opts{
		Size:    DefaultSize,
		Address: -1,
		Logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&config)
	}
	report := Report{Length: config.Size, FirstMismatch: -1}
	if config.Size <= 0 || config.Size > i2cmem.Capacity {
		return report, fmt.Errorf("%w: test size %d", i2cmem.ErrOutOfRange, config.Size)
	}
	if !config.Seeded {
		config.Seed = rand.Uint64()
	}
	r := rand.New(rand.NewPCG(config.Seed, config.Seed>>32|config.Seed<<32))
	pattern := make([]byte, config.Size)
	for i := range pattern {
		pattern[i] = byte(r.Uint32())
	}
	// the block must fit below the end of the array
	addr := r.IntN(i2cmem.Capacity - config.Size + 1)
	if config.Address >= 0 {
		addr = config.Address
	}
	if addr+config.Size > i2cmem.Capacity {
		return report, fmt.Errorf("%w: %d byte test block at 0x%04x", i2cmem.ErrOutOfRange, config.Size, addr)
	}
	report.Address = uint16(addr)
	report.Checksum = Checksum(pattern)

	logger := config.Logger.With("addr", fmt.Sprintf("0x%04x", report.Address), "len", config.Size)
	start := time.Now()
	if err := mem.Write(ctx, report.Address, pattern); err != nil {
		return report, fmt.Errorf("self-test write: %w", err)
	}
	report.WriteTime = time.Since(start)
	logger.Debug("test block written", "took", report.WriteTime)

	got := make([]byte, config.Size)
	start = time.Now()
	if err := mem.Read(ctx, report.Address, got); err != nil {
		return report, fmt.Errorf("self-test read: %w", err)
	}
	report.ReadTime = time.Since(start)
	report.ReadChecksum = Checksum(got)

	for i := range pattern {
		if pattern[i] == got[i] {
			continue
		}
		if report.FirstMismatch < 0 {
			report.FirstMismatch = i
		}
		report.Mismatches++
	}
	report.Passed = report.Mismatches == 0
	logger.Info("self-test finished", "passed", report.Passed, "mismatches", report.Mismatches, "read", report.ReadTime)
	return report, nil
}
