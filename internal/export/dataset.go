package export

import (
	"github.com/parquet-go/parquet-go"
	"github.com/rotisserie/eris"
)

// DatasetName is the parquet training index written at the export root.
const DatasetName = "labels.parquet"

// DatasetRow is one labeled image in the training index. File is relative
// to the export root and empty when the image was missing from disk.
type DatasetRow struct {
	Name      string `parquet:"name"`
	Label     string `parquet:"label,dict"`
	File      string `parquet:"file"`
	Processed bool   `parquet:"processed"`
}

// WriteDataset writes rows to a parquet file at path.
func WriteDataset(path string, rows []DatasetRow) error {
	if err := parquet.WriteFile(path, rows); err != nil {
		return eris.Wrapf(err, "parquet: write %s", path)
	}
	return nil
}

// ReadDataset reads a training index written by WriteDataset.
func ReadDataset(path string) ([]DatasetRow, error) {
	rows, err := parquet.ReadFile[DatasetRow](path)
	if err != nil {
		return nil, eris.Wrapf(err, "parquet: read %s", path)
	}
	return rows, nil
}
