package export

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"semaphore/messaging/internal/model"
)

func TestTranscriptWritesThreadOldestFirst(t *testing.T) {
	sent := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	read := sent.Add(time.Hour)
	tr := Transcript{
		Conversation: model.Conversation{ID: "4f1c2b7e-0000-4000-8000-000000000001"},
		Messages: []model.Message{
			{SenderID: "T1", ReceiverID: "p1", Kind: model.MessageText, Content: "Hello", CreatedAt: sent, ReadAt: &read},
			{SenderID: "p1", ReceiverID: "t1", Kind: model.MessageFile, Content: "note", CreatedAt: sent.Add(2 * time.Hour),
				File: &model.FileRef{Name: "absence.pdf"}},
		},
		Names: map[string]string{"t1": "Terry Teacher"},
	}

	var buf bytes.Buffer
	if err := tr.Write(&buf); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(transcriptSheet)
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header and two rows, got %d", len(rows))
	}
	if rows[0][0] != "Sent at" || rows[1][1] != "Terry Teacher" || rows[1][6] != "2026-03-02 09:30" {
		t.Fatalf("unexpected first rows %v", rows[:2])
	}
	if rows[2][1] != "p1" || rows[2][2] != "Terry Teacher" || rows[2][5] != "absence.pdf" {
		t.Fatalf("unexpected attachment row %v", rows[2])
	}
}

func TestTranscriptFilename(t *testing.T) {
	tr := Transcript{
		Conversation: model.Conversation{ID: "4f1c2b7e-0000-4000-8000-000000000001"},
		Messages:     []model.Message{{CreatedAt: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}},
	}
	name := tr.Filename()
	if name != "conversation-4f1c2b7e-20260302.xlsx" {
		t.Fatalf("unexpected filename %s", name)
	}
	if strings.ContainsAny(sanitizeFileName(`a/b:c`), `/:`) {
		t.Fatalf("expected invalid characters to be replaced")
	}
}
