package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/presbrey/ts6d/irc/access"
)

// document is the on-disk shape.
type document struct {
	KLines []access.Line `json:"klines"`
	DLines []access.Line `json:"dlines"`
	GLines []access.Line `json:"glines"`
	ILines []access.Line `json:"ilines"`
	OLines []access.Line `json:"olines"`
	ULines []access.Line `json:"ulines"`
	ALines []access.Line `json:"alines"`
}

func (d *document) list(kind access.Kind) *[]access.Line {
	switch kind {
	case access.KLine:
		return &d.KLines
	case access.DLine:
		return &d.DLines
	case access.GLine:
		return &d.GLines
	case access.ILine:
		return &d.ILines
	case access.OLine:
		return &d.OLines
	case access.ULine:
		return &d.ULines
	case access.ALine:
		return &d.ALines
	}
	return nil
}

// Document stores lines in a single JSON file, rewritten on every change.
type Document struct {
	mu   sync.Mutex
	path string
	doc  document
}

// OpenDocument reads path, creating an empty document when it is missing.
func OpenDocument(path string) (*Document, error) {
	d := &Document{path: path}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return d, nil
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &d.doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return d, nil
}

func (d *Document) Load(ctx context.Context) ([]access.Line, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []access.Line
	for _, kind := range access.Kinds {
		for _, l := range *d.doc.list(kind) {
			l.Kind = kind
			out = append(out, l)
		}
	}
	return out, ctx.Err()
}

func (d *Document) Save(ctx context.Context, l access.Line) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.doc.list(l.Kind)
	if list == nil {
		return fmt.Errorf("unknown line kind %q", l.Kind)
	}
	replaced := false
	for i, x := range *list {
		x.Kind = l.Kind
		if x.Key() == l.Key() {
			(*list)[i] = l
			replaced = true
			break
		}
	}
	if !replaced {
		*list = append(*list, l)
	}
	return d.flush()
}

func (d *Document) Delete(ctx context.Context, kind access.Kind, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.doc.list(kind)
	if list == nil {
		return fmt.Errorf("unknown line kind %q", kind)
	}
	for i, x := range *list {
		x.Kind = kind
		if x.Key() == key {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return d.flush()
		}
	}
	return ErrNotFound
}

func (d *Document) Close() error { return nil }

// flush writes the document through a temporary file and a rename.
func (d *Document) flush() error {
	data, err := json.MarshalIndent(&d.doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(d.path), ".lines-*.json")
	if err != nil {
		return fmt.Errorf("write %s: %w", d.path, err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", d.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), d.path)
}
