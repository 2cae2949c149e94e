// sieve-check verifies sieve-server journals and filter envelopes.
//
// It streams the SIV1 snapshot at the head of a journal, checking structure
// and the CRC-64 checksum, and decodes every stored envelope. Nothing is
// kept in memory beyond one envelope at a time.
//
// Usage:
//
//	sieve-check --file journal.aof          # structure and checksum
//	sieve-check --file journal.aof -v       # one line per filter
//	sieve-check --file journal.aof --dump   # full envelope headers
//	sieve-check --envelope filter.json      # a single JSON envelope
//
// The exit status is 0 for a valid input and 1 otherwise. A RESP text tail
// after the snapshot is reported but not parsed.

package main

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
	"io"
	"os"
	"sort"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/jessevdk/go-flags"

	"sieve.lopezb.com/internal/sieve/bloom"
)

const (
	snapshotMagic   = "SIV1"
	OpCodeShardData = 0xFE
	OpCodeEOF       = 0xFF

	maxValueLen = 1 << 31
)

type options struct {
	File     string `short:"f" long:"file" description:"Journal or snapshot file to check" default:"journal.aof"`
	Envelope string `long:"envelope" description:"Check a single JSON filter envelope instead of a journal"`
	Verbose  bool   `short:"v" long:"verbose" description:"Print one line per filter"`
	Dump     bool   `long:"dump" description:"Print every decoded envelope header"`
}

// CountReader tracks the byte offset for error messages.
type CountReader struct {
	r     io.Reader
	count int64
}

func (cr *CountReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.count += int64(n)
	return n, err
}

// checkError carries the offset at which a check failed.
type checkError struct {
	offset int64
	msg    string
	err    error
}

func (e *checkError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("[offset %d] %s: %v", e.offset, e.msg, e.err)
	}
	return fmt.Sprintf("[offset %d] %s", e.offset, e.msg)
}

func (e *checkError) Unwrap() error { return e.err }

// header is the envelope without its bit payload, for --dump.
type header struct {
	Key          string
	Version      int
	Hash         bloom.Family
	Digest       string
	ErrorRate    float64
	Capacity     uint64
	Count        uint64
	NumSlices    int
	BitsPerSlice uint64
	BitBytes     int
	FillRatio    float64
}

func newHeader(key string, f *bloom.Filter) header {
	env := f.Envelope()
	return header{
		Key:          key,
		Version:      env.Version,
		Hash:         env.Hash,
		Digest:       f.Scheme().DigestName(),
		ErrorRate:    env.ErrorRate,
		Capacity:     env.Capacity,
		Count:        env.Count,
		NumSlices:    env.NumSlices,
		BitsPerSlice: env.BitsPerSlice,
		BitBytes:     len(env.Bits),
		FillRatio:    f.FillRatio(),
	}
}

// report summarises a checked journal.
type report struct {
	Keys     int
	Shards   map[int]int
	Families map[bloom.Family]int
	Checksum uint64
	HasTail  bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag)
	if _, err := parser.ParseArgs(args); err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(stdout, err)
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 1
	}

	if opts.Envelope != "" {
		return runEnvelope(opts, stdout, stderr)
	}

	f, err := os.Open(opts.File)
	if err != nil {
		fmt.Fprintf(stderr, "[err] cannot open file: %v\n", err)
		return 1
	}
	defer func() { _ = f.Close() }()

	fmt.Fprintf(stdout, "[offset 0] checking %s\n", opts.File)
	start := time.Now()

	rep, err := checkJournal(f, opts, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "checksum OK (%016x)\n", rep.Checksum)
	if rep.HasTail {
		fmt.Fprintln(stdout, "found AOF text tail (not verified)")
	}

	fmt.Fprintln(stdout, "\nSummary:")
	fmt.Fprintf(stdout, "  Process Time: %v\n", time.Since(start))
	fmt.Fprintf(stdout, "  Total Keys:   %d\n", rep.Keys)
	fmt.Fprintf(stdout, "  Shards Used:  %d\n", len(rep.Shards))
	families := make([]string, 0, len(rep.Families))
	for fam := range rep.Families {
		families = append(families, string(fam))
	}
	sort.Strings(families)
	for _, fam := range families {
		fmt.Fprintf(stdout, "    %d\t%s\n", rep.Families[bloom.Family(fam)], fam)
	}
	return 0
}

func runEnvelope(opts options, stdout, stderr io.Writer) int {
	data, err := os.ReadFile(opts.Envelope)
	if err != nil {
		fmt.Fprintf(stderr, "[err] cannot read envelope: %v\n", err)
		return 1
	}
	f, err := bloom.Decode(data)
	if err != nil {
		fmt.Fprintf(stderr, "[err] invalid envelope: %v\n", err)
		return 1
	}
	h := newHeader(opts.Envelope, f)
	if opts.Dump {
		spew.Fdump(stdout, h)
	} else {
		fmt.Fprintln(stdout, summaryLine(h))
	}
	fmt.Fprintln(stdout, "envelope OK")
	return 0
}

func summaryLine(h header) string {
	return fmt.Sprintf("%q [%s/%s] capacity=%d error_rate=%g count=%d k=%d m=%d fill=%.4f",
		h.Key, h.Hash, h.Digest, h.Capacity, h.ErrorRate, h.Count, h.NumSlices, h.BitsPerSlice, h.FillRatio)
}

// checkJournal verifies the snapshot at the head of r.
func checkJournal(r io.Reader, opts options, out io.Writer) (report, error) {
	rep := report{Shards: make(map[int]int), Families: make(map[bloom.Family]int)}

	counter := &CountReader{r: r}
	reader := bufio.NewReader(counter)
	hasher := crc64.New(crc64.MakeTable(crc64.ISO))
	tr := io.TeeReader(reader, hasher)

	// The bufio.Reader reads ahead, so the offset it has consumed is the
	// counter minus what it still buffers.
	offset := func() int64 { return counter.count - int64(reader.Buffered()) }
	fail := func(msg string, err error) (report, error) {
		return rep, &checkError{offset: offset(), msg: msg, err: err}
	}

	head := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(tr, head); err != nil {
		return fail("failed to read header", err)
	}
	if string(head) != snapshotMagic {
		return fail(fmt.Sprintf("invalid magic header: expected %q, got %q", snapshotMagic, head), nil)
	}

	var one [1]byte
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(tr, one[:]); err != nil {
			return fail("failed reading opcode", err)
		}
		if one[0] == OpCodeEOF {
			break
		}
		if one[0] != OpCodeShardData {
			return fail(fmt.Sprintf("unexpected opcode %x", one[0]), nil)
		}

		if _, err := io.ReadFull(tr, one[:]); err != nil {
			return fail("failed reading shard id", err)
		}
		shard := int(one[0])

		if _, err := io.ReadFull(tr, lenBuf[:]); err != nil {
			return fail("failed reading key count", err)
		}
		count := binary.LittleEndian.Uint32(lenBuf[:])
		if opts.Verbose || opts.Dump {
			fmt.Fprintf(out, "[offset %d] shard %d: %d keys\n", offset(), shard, count)
		}

		for i := uint32(0); i < count; i++ {
			key, err := readField(tr)
			if err != nil {
				return fail("truncated key", err)
			}
			val, err := readField(tr)
			if err != nil {
				return fail("truncated envelope", err)
			}

			f, err := bloom.Decode(val)
			if err != nil {
				return fail(fmt.Sprintf("key %q", key), err)
			}

			rep.Keys++
			rep.Shards[shard]++
			rep.Families[f.HashFamily()]++

			h := newHeader(string(key), f)
			switch {
			case opts.Dump:
				spew.Fdump(out, h)
			case opts.Verbose:
				fmt.Fprintln(out, summaryLine(h))
			}
		}
	}

	want := hasher.Sum64()
	var stored [8]byte
	if _, err := io.ReadFull(reader, stored[:]); err != nil {
		return fail("failed to read checksum", err)
	}
	rep.Checksum = binary.LittleEndian.Uint64(stored[:])
	if rep.Checksum != want {
		return fail(fmt.Sprintf("checksum mismatch: file %016x, calculated %016x", rep.Checksum, want), nil)
	}

	if _, err := reader.Peek(1); err == nil {
		rep.HasTail = true
	} else if err != io.EOF {
		return fail("failed checking for a text tail", err)
	}
	return rep, nil
}

func readField(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxValueLen {
		return nil, fmt.Errorf("length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
