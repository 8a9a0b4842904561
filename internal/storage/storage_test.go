package storage

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"

	logx "bettercal/pkg/logx"
)

func TestFileStoreDocuments(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "data")
	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	if _, err := st.ReadDocument(ctx, "events_home.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ReadDocument(missing) error = %v, want ErrNotFound", err)
	}
	if err := st.WriteDocument(ctx, "events_home.json", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("WriteDocument() error = %v", err)
	}
	if err := st.WriteDocument(ctx, "events_home.json", []byte(`{"a":2}`)); err != nil {
		t.Fatalf("WriteDocument() error = %v", err)
	}
	got, err := st.ReadDocument(ctx, "events_home.json")
	if err != nil || string(got) != `{"a":2}` {
		t.Fatalf("ReadDocument() = %q, %v", got, err)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
	if err := st.WriteDocument(ctx, "../escape.json", nil); err == nil {
		t.Fatalf("WriteDocument(../escape.json) error = nil")
	}
}

func TestFileStoreDispatchJournal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := Open(Config{Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	_ = st.AppendDispatch(ctx, DispatchRecord{At: at, NotificationID: "n1", EventID: "e1", Channel: "push", Target: "auto", OK: true})
	_ = st.AppendDispatch(ctx, DispatchRecord{At: at, NotificationID: "n2", EventID: "e1", Channel: "alexa", Target: "auto", Error: "no service"})
	if err := st.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := st.AppendDispatch(ctx, DispatchRecord{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("AppendDispatch after Close error = %v, want ErrClosed", err)
	}

	f, err := os.Open(filepath.Join(dir, dispatchJournal))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer f.Close()
	var recs []DispatchRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r DispatchRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		recs = append(recs, r)
	}
	if len(recs) != 2 || recs[1].NotificationID != "n2" || recs[1].OK {
		t.Fatalf("journal = %+v", recs)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "badger"}, logx.Nop()); err == nil {
		t.Fatalf("Open(badger) error = nil")
	}
}
