package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

// DirBridge stores every record as its own file:
//
//	<dir>/
//	├── head.json          # durable head snapshot {"seq": n, "element": ...}
//	└── links/
//	    └── <audit id>.json
//
// Records are created with O_EXCL, so a record file is never rewritten.
// Head updates are serialized within one process only; share a DirBridge
// between processes only when a single process appends.
type DirBridge struct {
	dir string
	mu  sync.Mutex // serializes head read-compare-write
}

type headFile struct {
	Seq     uint64 `json:"seq"`
	Element []byte `json:"element"`
}

// NewDirBridge creates the directory layout if needed.
func NewDirBridge(dir string) (*DirBridge, error) {
	if err := os.MkdirAll(filepath.Join(dir, "links"), 0o755); err != nil {
		return nil, fmt.Errorf("creating verification directory %s: %w", dir, err)
	}
	return &DirBridge{dir: dir}, nil
}

func (b *DirBridge) linkPath(auditID string) (string, error) {
	if auditID == "" || auditID == "." || auditID == ".." {
		return "", fmt.Errorf("invalid audit id %q", auditID)
	}
	return filepath.Join(b.dir, "links", url.PathEscape(auditID)+".json"), nil
}

func (b *DirBridge) PutVerificationElement(_ context.Context, auditID string, content []byte) error {
	path, err := b.linkPath(auditID)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrElementExists, auditID)
		}
		return fmt.Errorf("creating verification element %s: %w", auditID, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("writing verification element %s: %w", auditID, err)
	}
	// Records must survive crashes.
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing verification element %s: %w", auditID, err)
	}
	return f.Close()
}

func (b *DirBridge) GetVerificationElement(_ context.Context, auditID string) ([]byte, bool, error) {
	path, err := b.linkPath(auditID)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading verification element %s: %w", auditID, err)
	}
	return data, true, nil
}

func (b *DirBridge) GetHeadVerificationElement(_ context.Context) ([]byte, bool, error) {
	h, ok, err := b.readHead()
	if err != nil || !ok {
		return nil, false, err
	}
	return h.Element, true, nil
}

func (b *DirBridge) UpdateHeadVerificationElement(_ context.Context, seq uint64, content []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok, err := b.readHead()
	if err != nil {
		return err
	}
	if ok && seq <= cur.Seq {
		return nil
	}

	data, err := json.MarshalIndent(headFile{Seq: seq, Element: content}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling head: %w", err)
	}

	// Write-then-rename so readers never see a partial head.
	tmp := filepath.Join(b.dir, "head.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing head: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(b.dir, "head.json")); err != nil {
		return fmt.Errorf("replacing head: %w", err)
	}
	return nil
}

func (b *DirBridge) readHead() (headFile, bool, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, "head.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return headFile{}, false, nil
		}
		return headFile{}, false, fmt.Errorf("reading head: %w", err)
	}
	var h headFile
	if err := json.Unmarshal(data, &h); err != nil {
		return headFile{}, false, fmt.Errorf("parsing head: %w", err)
	}
	return h, true, nil
}
