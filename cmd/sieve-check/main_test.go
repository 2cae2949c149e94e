package main

import (
	"bytes"
	"encoding/binary"
	"hash/crc64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"sieve.lopezb.com/internal/sieve/bloom"
)

const legacyEnvelope = `{"error_rate": 0.01, "num_slices": 7, "bits_per_slice": 137, "capacity": 100, "count": 3, "bits": "AAAAAAgAABAAAAAAAgAAAAAAAAAAAAAAAIBAAAAAACAAAAAAAgAAAABBAAAAAAAAAAAAAAABAAAAABBAAAAAAAAAAAAAAAAAAEAQAAAAAAAAIAAAAAAAAAAAAgIAAAAAIAAAAAAAAAAAACAAAAACAAAAABAAAAAA"}`

type entry struct {
	key string
	val []byte
}

// snapshot builds a SIV1 snapshot holding entries in a single shard block.
func snapshot(entries ...entry) []byte {
	var b bytes.Buffer
	b.WriteString(snapshotMagic)
	if len(entries) > 0 {
		b.WriteByte(OpCodeShardData)
		b.WriteByte(7)
		b.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(entries))))
		for _, e := range entries {
			b.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(e.key))))
			b.WriteString(e.key)
			b.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(e.val))))
			b.Write(e.val)
		}
	}
	b.WriteByte(OpCodeEOF)
	sum := crc64.Checksum(b.Bytes(), crc64.MakeTable(crc64.ISO))
	b.Write(binary.LittleEndian.AppendUint64(nil, sum))
	return b.Bytes()
}

func filterEntry(t *testing.T, key string, family bloom.Family, items ...string) entry {
	t.Helper()
	f, err := bloom.New(1000, 0.001, bloom.WithHashFamily(family))
	require.NoError(t, err)
	for _, item := range items {
		_, err := f.Add([]byte(item))
		require.NoError(t, err)
	}
	env, err := f.Encode()
	require.NoError(t, err)
	return entry{key: key, val: env}
}

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.aof")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func check(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestCheckJournal(t *testing.T) {
	data := snapshot(
		filterEntry(t, "k1", bloom.FamilyCrypto, "a", "b"),
		filterEntry(t, "k2", bloom.FamilyXXH3, "c"),
	)
	path := writeFile(t, data)

	t.Run("summary", func(t *testing.T) {
		code, out, errOut := check(t, "--file", path)
		require.Equal(t, 0, code, errOut)
		require.Contains(t, out, "checksum OK")
		require.Contains(t, out, "Total Keys:   2")
		require.Contains(t, out, "Shards Used:  1")
		require.Contains(t, out, "1\tcrypto")
		require.Contains(t, out, "1\txxh3")
		require.NotContains(t, out, "text tail")
	})

	t.Run("verbose", func(t *testing.T) {
		code, out, _ := check(t, "-f", path, "-v")
		require.Equal(t, 0, code)
		require.Contains(t, out, `"k1" [crypto/sha1] capacity=1000 error_rate=0.001 count=2 k=10 m=1438`)
		require.Contains(t, out, `"k2" [xxh3/xxh3-128]`)
	})

	t.Run("dump", func(t *testing.T) {
		code, out, _ := check(t, "--file", path, "--dump")
		require.Equal(t, 0, code)
		require.Contains(t, out, "(main.header)")
		require.Contains(t, out, "Digest: (string)")
		require.Contains(t, out, "BitBytes: (int) 1798")
	})
}

func TestCheckJournalTextTail(t *testing.T) {
	data := append(snapshot(filterEntry(t, "k", bloom.FamilyMetro, "x")), "*1\r\n$4\r\nPING\r\n"...)
	code, out, _ := check(t, "--file", writeFile(t, data))
	require.Equal(t, 0, code)
	require.Contains(t, out, "found AOF text tail")
}

func TestCheckJournalEmpty(t *testing.T) {
	code, out, _ := check(t, "--file", writeFile(t, snapshot()))
	require.Equal(t, 0, code)
	require.Contains(t, out, "Total Keys:   0")
}

func TestCheckJournalCorrupt(t *testing.T) {
	good := snapshot(filterEntry(t, "k", bloom.FamilyCrypto, "x"))

	tests := []struct {
		name   string
		data   []byte
		expect string
	}{
		{
			name:   "bad magic",
			data:   append([]byte("LIM1"), good[4:]...),
			expect: "invalid magic header",
		},
		{
			name: "flipped checksum",
			data: func() []byte {
				b := append([]byte(nil), good...)
				b[len(b)-1] ^= 0x01
				return b
			}(),
			expect: "checksum mismatch",
		},
		{
			name:   "truncated",
			data:   good[:len(good)/2],
			expect: "truncated envelope",
		},
		{
			name:   "unknown opcode",
			data:   append([]byte(snapshotMagic), 0x42),
			expect: "unexpected opcode 42",
		},
		{
			name:   "undecodable envelope",
			data:   snapshot(entry{key: "bad", val: []byte(`{"capacity": 1}`)}),
			expect: "corrupt data",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, errOut := check(t, "--file", writeFile(t, tt.data))
			require.Equal(t, 1, code)
			require.Contains(t, errOut, tt.expect)
			require.True(t, strings.HasPrefix(errOut, "[offset "), errOut)
		})
	}
}

func TestCheckEnvelope(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(legacyEnvelope), 0o600))

	code, out, _ := check(t, "--envelope", good)
	require.Equal(t, 0, code)
	require.Contains(t, out, "capacity=100 error_rate=0.01 count=3 k=7 m=137")
	require.Contains(t, out, "envelope OK")

	code, out, _ = check(t, "--envelope", good, "--dump")
	require.Equal(t, 0, code)
	require.Contains(t, out, "Hash: (bloom.Family) (len=6) \"crypto\"")

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"error_rate": 2}`), 0o600))
	code, _, errOut := check(t, "--envelope", bad)
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "invalid envelope")
}

func TestCheckArgs(t *testing.T) {
	code, out, _ := check(t, "--help")
	require.Equal(t, 0, code)
	require.Contains(t, out, "--envelope")

	code, _, errOut := check(t, "--file", filepath.Join(t.TempDir(), "missing.aof"))
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "cannot open file")

	code, _, _ = check(t, "--bogus")
	require.Equal(t, 1, code)
}
