package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"sieve.lopezb.com/internal/sieve/bloom"
)

// newPersistentApp returns an application journaling to path, with the
// journal already replayed.
func newPersistentApp(t *testing.T, path string) *application {
	t.Helper()
	app := newTestApp(t)
	app.config.NoPersistence = false
	app.config.AOFFilename = path
	if err := app.openPersistence(); err != nil {
		t.Fatalf("openPersistence: %v", err)
	}
	return app
}

// reopen closes app's journal and starts a fresh application on it.
func reopen(t *testing.T, app *application) *application {
	t.Helper()
	if err := app.aof.Close(); err != nil {
		t.Fatalf("closing AOF: %v", err)
	}
	return newPersistentApp(t, app.config.AOFFilename)
}

func requireSameFilters(t *testing.T, want, got *application, keys ...string) {
	t.Helper()
	for _, key := range keys {
		w, g := want.store.Snapshot(key), got.store.Snapshot(key)
		switch {
		case w == nil && g == nil:
		case w == nil || g == nil:
			t.Errorf("%s: present before reload %v, after %v", key, w != nil, g != nil)
		case !w.Equal(g):
			t.Errorf("%s: filter differs after reload", key)
		}
	}
	if want.store.Len() != got.store.Len() {
		t.Errorf("key count %d before reload, %d after", want.store.Len(), got.store.Len())
	}
}

func TestAOFLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.aof")
	aof, err := NewAOF(path)
	if err != nil {
		t.Fatalf("failed to create AOF: %v", err)
	}

	app := &application{aof: aof}
	app.logCommand("BF.ADD", []string{"mykey", "val"})
	_ = aof.Close()

	content, _ := os.ReadFile(path)
	want := "*3\r\n$6\r\nBF.ADD\r\n$5\r\nmykey\r\n$3\r\nval\r\n"
	if string(content) != want {
		t.Errorf("AOF content mismatch.\ngot:  %q\nwant: %q", content, want)
	}
}

func TestAOFReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.aof")
	app := newPersistentApp(t, path)

	cmds := [][]string{
		{"BF.RESERVE", "tiny", "0.5", "1"},
		{"BF.MADD", "tiny", "a", "b", "c"},
		{"BF.ADD", "plain", "x"},
		{"BF.ADD", "plain", "x"},
		{"BF.MADD", "plain", "x", "y", "z"},
		{"BF.FASTADD", "fast", "q", "q"},
		{"BF.RESERVE", "u1", "0.01", "100", "HASH", "murmur3"},
		{"BF.RESERVE", "u2", "0.01", "100", "HASH", "murmur3"},
		{"BF.MADD", "u1", "apple", "pear"},
		{"BF.MADD", "u2", "apple", "plum"},
		{"BF.UNION", "union", "u1", "u2"},
		{"BF.INTER", "inter", "u1", "u2"},
		{"BF.COPY", "u1", "u1copy"},
		{"BF.RESTORE", "leg", legacyEnvelope},
		{"BF.ADD", "doomed", "x"},
		{"DEL", "doomed"},
	}
	for _, cmd := range cmds {
		if got := exec(app, cmd...); strings.HasPrefix(got, "-ERR wrong") || strings.HasPrefix(got, "-ERR unknown") {
			t.Fatalf("%v: %q", cmd, got)
		}
	}

	// A union read from u1 and u2 at the time it ran; later changes to the
	// sources must not leak into the replayed result.
	exec(app, "BF.ADD", "u1", "late")

	reloaded := reopen(t, app)
	requireSameFilters(t, app, reloaded,
		"tiny", "plain", "fast", "u1", "u2", "union", "inter", "u1copy", "leg", "doomed")

	if got := exec(reloaded, "BF.EXISTS", "union", "late"); got != ":0\r\n" {
		t.Errorf("union picked up a later source change: %q", got)
	}
	if got := exec(reloaded, "BF.CARD", "fast"); got != ":2\r\n" {
		t.Errorf("fastadd count after replay: %q", got)
	}
}

func TestAOFReplay_ImplicitCreateKeepsParameters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.aof")
	app := newPersistentApp(t, path)
	app.config.BFCapacity = 50
	app.config.BFErrorRate = 0.02
	app.config.bfFamily = bloom.FamilyXXH3

	exec(app, "BF.ADD", "k", "a")
	exec(app, "BF.MADD", "k", "b", "c")
	_ = app.aof.Fsync()

	content, _ := os.ReadFile(path)
	reserve := string(encodeCommand("BF.RESERVE", []string{"k", "0.02", "50", "HASH", "xxh3"}))
	if !strings.HasPrefix(string(content), reserve) {
		t.Fatalf("journal does not start with the implicit BF.RESERVE:\n%q", content)
	}

	// The reloaded server runs with the stock defaults.
	reloaded := reopen(t, app)
	requireSameFilters(t, app, reloaded, "k")

	f := reloaded.store.Snapshot("k")
	if f.Capacity() != 50 || f.ErrorRate() != 0.02 || f.HashFamily() != bloom.FamilyXXH3 {
		t.Errorf("reloaded filter: capacity %d, error rate %g, family %s", f.Capacity(), f.ErrorRate(), f.HashFamily())
	}
}

func TestAOFReplay_ConcurrentImplicitCreates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.aof")
	app := newPersistentApp(t, path)
	app.config.BFCapacity = 50
	app.config.BFErrorRate = 0.02
	app.config.bfFamily = bloom.FamilyXXH3

	const (
		writers = 4
		keys    = 5000
	)
	var wg sync.WaitGroup
	for g := 0; g < writers; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < keys; i++ {
				// Every writer races to create each key.
				exec(app, "BF.ADD", fmt.Sprintf("k%d", i), fmt.Sprintf("item%d", g))
			}
		}()
	}
	wg.Wait()

	// The reloaded server runs with the stock defaults, so a key created
	// from them on replay shows up as a parameter mismatch.
	reloaded := reopen(t, app)
	names := make([]string, keys)
	for i := range names {
		names[i] = fmt.Sprintf("k%d", i)
	}
	requireSameFilters(t, app, reloaded, names...)

	for _, key := range names {
		f := reloaded.store.Snapshot(key)
		if f == nil || f.Capacity() != 50 || f.HashFamily() != bloom.FamilyXXH3 {
			t.Fatalf("%s replayed with the wrong parameters", key)
		}
	}
}

func TestAOFReplay_ConcurrentWritesAndReplace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.aof")
	app := newPersistentApp(t, path)

	exec(app, "BF.RESERVE", "src", "0.01", "1000", "HASH", "metro")
	exec(app, "BF.MADD", "src", "a", "b")

	const rounds = 300
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			exec(app, "BF.COPY", "src", "dst", "REPLACE")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			exec(app, "BF.FASTADD", "dst", fmt.Sprintf("x%d", i))
		}
	}()
	wg.Wait()

	reloaded := reopen(t, app)
	requireSameFilters(t, app, reloaded, "src", "dst")
}

func TestAOFReplay_OnlyChangesAreLogged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.aof")
	app := newPersistentApp(t, path)

	exec(app, "BF.RESERVE", "k", "0.01", "100")
	exec(app, "BF.ADD", "k", "a")
	exec(app, "BF.ADD", "k", "a")
	exec(app, "BF.MADD", "k", "a", "b")
	exec(app, "BF.EXISTS", "k", "a")
	exec(app, "DEL", "missing")
	_ = app.aof.Fsync()

	content, _ := os.ReadFile(path)
	want := string(encodeCommand("BF.RESERVE", []string{"k", "0.01", "100", "HASH", "crypto"})) +
		string(encodeCommand("BF.ADD", []string{"k", "a"})) +
		string(encodeCommand("BF.MADD", []string{"k", "b"}))
	if string(content) != want {
		t.Errorf("journal mismatch.\ngot:  %q\nwant: %q", content, want)
	}
}

func TestHybridAOFLoading(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.aof")
	app := newPersistentApp(t, path)

	for i := 0; i < 300; i++ {
		exec(app, "BF.ADD", fmt.Sprintf("key-%d", i%40), fmt.Sprintf("item-%d", i))
	}
	if err := app.CompactAOF(); err != nil {
		t.Fatalf("CompactAOF: %v", err)
	}
	exec(app, "BF.ADD", "key-1", "after-compaction")
	exec(app, "BF.ADD", "fresh", "after-compaction")
	_ = app.aof.Fsync()

	content, _ := os.ReadFile(path)
	if !bytes.HasPrefix(content, []byte(snapshotMagic)) {
		t.Fatal("compacted journal does not start with a snapshot")
	}
	if !bytes.HasSuffix(content, encodeCommand("BF.ADD", []string{"fresh", "after-compaction"})) {
		t.Error("commands after compaction were not appended as text")
	}

	keys := []string{"fresh"}
	for i := 0; i < 40; i++ {
		keys = append(keys, fmt.Sprintf("key-%d", i))
	}
	reloaded := reopen(t, app)
	requireSameFilters(t, app, reloaded, keys...)
}

func TestAOFCompactionKeepsConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.aof")
	app := newPersistentApp(t, path)

	const writes = 500
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < writes; i++ {
			// FASTADD counts every call, so a lost or repeated command
			// shows up in the count.
			exec(app, "BF.FASTADD", "hot", fmt.Sprintf("i%d", i))
		}
	}()

	for i := 0; i < 10; i++ {
		if err := app.CompactAOF(); err != nil {
			t.Fatalf("CompactAOF: %v", err)
		}
	}
	wg.Wait()

	reloaded := reopen(t, app)
	requireSameFilters(t, app, reloaded, "hot")
	if got := exec(reloaded, "BF.CARD", "hot"); got != fmt.Sprintf(":%d\r\n", writes) {
		t.Errorf("count after reload: %q", got)
	}
}

func TestAOFTruncatedTail(t *testing.T) {
	partial := "*3\r\n$6\r\nBF.ADD\r\n$1\r\nk\r\n$4\r\nhal"

	write := func(t *testing.T) string {
		path := filepath.Join(t.TempDir(), "journal.aof")
		app := newPersistentApp(t, path)
		exec(app, "BF.ADD", "k", "whole")
		_ = app.aof.Close()

		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o666)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = f.WriteString(partial)
		_ = f.Close()
		return path
	}

	t.Run("lenient", func(t *testing.T) {
		path := write(t)
		app := newPersistentApp(t, path)

		if got := exec(app, "BF.EXISTS", "k", "whole"); got != ":1\r\n" {
			t.Errorf("complete command lost: %q", got)
		}
		if app.needsCompaction {
			t.Error("needsCompaction still set after healing")
		}
		_ = app.aof.Fsync()
		content, _ := os.ReadFile(path)
		if !bytes.HasPrefix(content, []byte(snapshotMagic)) || bytes.Contains(content, []byte(partial)) {
			t.Error("journal was not healed")
		}
	})

	t.Run("strict", func(t *testing.T) {
		path := write(t)
		app := newTestApp(t)
		app.config.NoPersistence = false
		app.config.AOFFilename = path
		app.config.AOFStrict = true
		if err := app.loadAOF(); err == nil {
			t.Fatal("strict mode accepted a truncated journal")
		}
	})
}

func TestAOFCorruptPreamble(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.aof")
	app := newPersistentApp(t, path)
	exec(app, "BF.ADD", "k", "v")
	if err := app.CompactAOF(); err != nil {
		t.Fatal(err)
	}
	_ = app.aof.Close()

	data, _ := os.ReadFile(path)
	data[len(snapshotMagic)+10] ^= 0xFF
	_ = os.WriteFile(path, data, 0o666)

	fresh := newTestApp(t)
	fresh.config.AOFFilename = path
	if err := fresh.loadAOF(); err == nil {
		t.Fatal("loadAOF accepted a corrupt snapshot")
	}
	if fresh.store.Len() != 0 {
		t.Error("a corrupt snapshot left keys behind")
	}
}

func TestCompactCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.aof")
	app := newPersistentApp(t, path)

	exec(app, "BF.ADD", "k", "v")

	app.isRewriting.Store(true)
	want := "-ERR Background append only file rewriting already in progress\r\n"
	if got := exec(app, "COMPACT"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	app.isRewriting.Store(false)

	if got := exec(app, "COMPACT"); got != "+Background append only file rewriting started\r\n" {
		t.Fatalf("got %q", got)
	}
	for app.isRewriting.Load() {
		time.Sleep(5 * time.Millisecond)
	}
	if n := app.metrics.Rewrites.Load(); n != 1 {
		t.Errorf("rewrites = %d", n)
	}

	info := exec(app, "INFO", "persistence")
	if !strings.Contains(info, "aof_enabled:1\r\n") || !strings.Contains(info, "aof_rewrites:1\r\n") {
		t.Errorf("INFO persistence: %q", info)
	}
}

func TestShouldRewrite(t *testing.T) {
	app := newTestApp(t)
	app.config.AOFMinSize = 100
	app.config.AOFRewritePercent = 100
	app.aofBaseSize.Store(100)

	tests := []struct {
		size int64
		want bool
	}{
		{50, false},
		{150, false},
		{200, false},
		{201, true},
	}
	for _, tt := range tests {
		if got := app.shouldRewrite(tt.size); got != tt.want {
			t.Errorf("shouldRewrite(%d) = %v, want %v", tt.size, got, tt.want)
		}
	}

	app.aofBaseSize.Store(10)
	if app.shouldRewrite(99) {
		t.Error("rewrite below the minimum size")
	}
}
