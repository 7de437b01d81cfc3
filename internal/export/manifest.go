package export

import (
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/labeler/internal/model"
)

// Manifest sheet names.
const (
	SheetLabels  = "labels"
	SheetClasses = "classes"
)

// WriteManifest writes an xlsx workbook with one row per labeled image and
// one row per class.
func WriteManifest(path string, images []model.ImageRecord, hist model.Histogram) error {
	f := xlsx.NewFile()

	labels, err := f.AddSheet(SheetLabels)
	if err != nil {
		return eris.Wrap(err, "xlsx: add labels sheet")
	}
	addRow(labels, "name", "label", "processed")
	for _, img := range images {
		addRow(labels, img.Name, img.Label, strconv.FormatBool(img.Processed))
	}

	classes, err := f.AddSheet(SheetClasses)
	if err != nil {
		return eris.Wrap(err, "xlsx: add classes sheet")
	}
	addRow(classes, "label", "count")
	for _, c := range hist.Classes {
		addRow(classes, c.Label, strconv.Itoa(c.Count))
	}

	if err := f.Save(path); err != nil {
		return eris.Wrap(err, "xlsx: save manifest")
	}
	return nil
}

// ReadManifest returns the rows of one manifest sheet, header included.
func ReadManifest(path, sheetName string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}
	sheet, ok := f.Sheet[sheetName]
	if !ok {
		return nil, eris.Errorf("xlsx: sheet %q not found", sheetName)
	}

	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

func addRow(sheet *xlsx.Sheet, values ...string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}
