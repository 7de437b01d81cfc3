// Package export copies a session's labeled images into one folder per
// label and writes a spreadsheet manifest and a parquet training index
// alongside them.
package export

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/labeler/internal/model"
)

// ManifestName is the manifest file written at the export root.
const ManifestName = "manifest.xlsx"

// DefaultConcurrency is the number of parallel file copies.
const DefaultConcurrency = 8

// Store is the slice of the record store the exporter reads.
type Store interface {
	GetSession(ctx context.Context, sessionID int64) (*model.Session, error)
	LabeledImages(ctx context.Context, sessionID int64, onlyUnprocessed bool) ([]model.ImageRecord, error)
	ClassHistogram(ctx context.Context, sessionID int64) (model.Histogram, error)
}

// Pather resolves an image name to its path on disk.
type Pather interface {
	Path(name string) string
}

// Result summarizes one export.
type Result struct {
	SessionID int64  `json:"session_id"`
	OutDir    string `json:"out_dir"`
	Copied    int    `json:"copied"`
	Missing   int    `json:"missing"`
	Classes   int    `json:"classes"`
	Manifest  string `json:"manifest"`
	Dataset   string `json:"dataset"`
}

// Exporter copies labeled images out of the corpus.
type Exporter struct {
	store       Store
	source      Pather
	concurrency int
}

// New creates an Exporter. A non-positive concurrency uses DefaultConcurrency.
func New(store Store, source Pather, concurrency int) *Exporter {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Exporter{store: store, source: source, concurrency: concurrency}
}

// Export copies every labeled image of the session to outDir/<label>/<name>
// and writes outDir/manifest.xlsx and outDir/labels.parquet. Images no longer on disk are skipped and
// counted in Result.Missing.
func (e *Exporter) Export(ctx context.Context, sessionID int64, outDir string) (*Result, error) {
	if _, err := e.store.GetSession(ctx, sessionID); err != nil {
		return nil, eris.Wrapf(err, "export: session %d", sessionID)
	}
	images, err := e.store.LabeledImages(ctx, sessionID, false)
	if err != nil {
		return nil, eris.Wrapf(err, "export: labeled images %d", sessionID)
	}
	hist, err := e.store.ClassHistogram(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "export: histogram %d", sessionID)
	}

	for _, c := range hist.Classes {
		if err := os.MkdirAll(filepath.Join(outDir, DirName(c.Label)), 0o755); err != nil {
			return nil, eris.Wrapf(err, "export: create dir for %q", c.Label)
		}
	}

	log := zap.L().With(zap.Int64("session_id", sessionID), zap.String("out_dir", outDir))
	log.Info("export: copying images",
		zap.Int("images", len(images)),
		zap.Int("concurrency", e.concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	var copied, missing atomic.Int64
	rows := make([]DatasetRow, len(images))
	for i, img := range images {
		rel := filepath.Join(DirName(img.Label), filepath.Base(img.Name))
		rows[i] = DatasetRow{Name: img.Name, Label: img.Label, Processed: img.Processed}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			err := copyFile(e.source.Path(img.Name), filepath.Join(outDir, rel))
			if errors.Is(err, fs.ErrNotExist) {
				missing.Add(1)
				log.Warn("export: image missing from disk", zap.String("image", img.Name))
				return nil
			}
			if err != nil {
				return eris.Wrapf(err, "export: copy %s", img.Name)
			}
			rows[i].File = filepath.ToSlash(rel)
			copied.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	manifest := filepath.Join(outDir, ManifestName)
	if err := WriteManifest(manifest, images, hist); err != nil {
		return nil, err
	}
	dataset := filepath.Join(outDir, DatasetName)
	if err := WriteDataset(dataset, rows); err != nil {
		return nil, err
	}

	res := &Result{
		SessionID: sessionID,
		OutDir:    outDir,
		Copied:    int(copied.Load()),
		Missing:   int(missing.Load()),
		Classes:   len(hist.Classes),
		Manifest:  manifest,
		Dataset:   dataset,
	}
	log.Info("export: complete",
		zap.Int("copied", res.Copied),
		zap.Int("missing", res.Missing),
		zap.Int("classes", res.Classes),
	)
	return res, nil
}

// DirName turns a label into a single safe path element.
func DirName(label string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':' || r < 0x20:
			return '_'
		}
		return r
	}, strings.TrimSpace(label))
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	_, err = io.Copy(out, in)
	return err
}
