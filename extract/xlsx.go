package extract

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

func fromXLSX(path string) (*Result, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	sheets := 0

	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}

		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(sheet + "\n")
		for _, row := range rows {
			sb.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}
		sheets++
	}

	if sheets == 0 {
		return nil, fmt.Errorf("no data found in XLSX")
	}

	return &Result{
		Text: strings.TrimSpace(sb.String()),
		Metadata: map[string]string{
			"source": "xlsx",
			"sheets": strconv.Itoa(sheets),
		},
	}, nil
}
