package export

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"semaphore/messaging/internal/model"
)

const transcriptSheet = "Transcript"

var transcriptHeader = []string{"Sent at", "From", "To", "Kind", "Message", "Attachment", "Read at"}

// Transcript is one conversation thread ready to be written as a workbook.
type Transcript struct {
	Conversation model.Conversation
	Messages     []model.Message
	// Names maps lower-cased user ids to display names. Unknown ids are written as is.
	Names    map[string]string
	Location *time.Location
}

func (t Transcript) name(id string) string {
	if name, ok := t.Names[strings.ToLower(strings.TrimSpace(id))]; ok && name != "" {
		return name
	}
	return id
}

// Build lays the thread out oldest first on a single sheet.
func (t Transcript) Build() (*excelize.File, error) {
	loc := t.Location
	if loc == nil {
		loc = time.UTC
	}
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", transcriptSheet); err != nil {
		_ = f.Close()
		return nil, err
	}
	for i, title := range transcriptHeader {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(transcriptSheet, cell, title); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	for i, msg := range t.Messages {
		row := i + 2
		attachment := ""
		if msg.File != nil {
			attachment = msg.File.Name
		}
		readAt := ""
		if msg.ReadAt != nil {
			readAt = msg.ReadAt.In(loc).Format("2006-01-02 15:04")
		}
		values := []any{
			msg.CreatedAt.In(loc).Format("2006-01-02 15:04"),
			t.name(msg.SenderID),
			t.name(msg.ReceiverID),
			string(msg.Kind),
			msg.Content,
			attachment,
			readAt,
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(transcriptSheet, cell, &values); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("write row %d: %w", row, err)
		}
	}
	if err := applyDefaultFormatting(f, transcriptSheet); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

// Write streams the workbook to w.
func (t Transcript) Write(w io.Writer) error {
	f, err := t.Build()
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.WriteTo(w)
	return err
}

// Filename is the attachment name offered to the browser.
func (t Transcript) Filename() string {
	stamp := time.Now().UTC().Format("20060102")
	if n := len(t.Messages); n > 0 {
		stamp = t.Messages[n-1].CreatedAt.UTC().Format("20060102")
	}
	return sanitizeFileName(fmt.Sprintf("conversation-%s-%s.xlsx", shortID(t.Conversation.ID), stamp))
}

// applyDefaultFormatting bolds the header row, enables a filter on it and approximates column widths.
func applyDefaultFormatting(f *excelize.File, sheet string) error {
	rows, err := f.GetRows(sheet)
	if err != nil {
		return err
	}
	cols := 0
	for _, r := range rows {
		if len(r) > cols {
			cols = len(r)
		}
	}
	if cols == 0 {
		return nil
	}
	last, _ := excelize.ColumnNumberToName(cols)

	if style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		_ = f.SetCellStyle(sheet, "A1", last+"1", style)
	}
	_ = f.AutoFilter(sheet, "A1:"+last+"1", nil)

	widths := make([]float64, cols)
	for c := range widths {
		widths[c] = 10
	}
	for rIdx, row := range rows {
		for cIdx, v := range row {
			w := float64(len([]rune(v))) * 1.1
			if rIdx == 0 {
				w += 1.5
			}
			if w > 60 {
				w = 60
			}
			if w > widths[cIdx] {
				widths[cIdx] = w
			}
		}
	}
	for i, w := range widths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		_ = f.SetColWidth(sheet, col, col, w)
	}
	return nil
}

var invalidFileRe = regexp.MustCompile(`[\\/:*?"<>|]+`)

func sanitizeFileName(s string) string {
	s = strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
	return invalidFileRe.ReplaceAllString(s, "_")
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "thread"
	}
	return id
}
