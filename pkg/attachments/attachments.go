// Package attachments turns user-uploaded files into citable context
// fragments for a run.
package attachments

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"

	"github.com/kadirpekel/vesper/pkg/run"
)

// Attachment is one uploaded file, already read into memory by the
// transport layer.
type Attachment struct {
	ID       string
	FileName string
	Data     []byte
}

// Result is the extraction outcome for a batch of attachments.
type Result struct {
	Fragments []*run.Fragment
	Images    []*run.ImageReference
}

const (
	// maxChunkChars bounds fragment size so a single large document does
	// not crowd out the rest of the evidence pool.
	maxChunkChars = 1600

	// maxCellsPerSheet caps spreadsheet extraction.
	maxCellsPerSheet = 1000

	attachmentConfidence = 1.0
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

// Extract parses every attachment into fragments and image references.
// Image files become user-attachment image references; documents are
// parsed by format and chunked. Files that fail to parse yield an error
// fragment so the model can acknowledge the failure instead of silently
// losing the upload.
func Extract(ctx context.Context, turn int, atts []*Attachment) (*Result, error) {
	res := &Result{}
	for _, att := range atts {
		if att == nil || len(att.Data) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ext := strings.ToLower(filepath.Ext(att.FileName))
		if imageExtensions[ext] {
			res.Images = append(res.Images, &run.ImageReference{
				FileName:         att.FileName,
				AddedAtTurn:      turn,
				IsUserAttachment: true,
			})
			continue
		}

		text, err := extractText(att, ext)
		if err != nil {
			text = fmt.Sprintf("Failed to extract content from %q: %v", att.FileName, err)
		}
		for i, chunk := range chunkText(text) {
			res.Fragments = append(res.Fragments, &run.Fragment{
				ID:      fmt.Sprintf("%s_%d", att.ID, i),
				Content: chunk,
				Source: run.Source{
					DocumentID: att.ID,
					Title:      att.FileName,
					App:        "attachment",
				},
				Confidence: attachmentConfidence,
				ChunkIndex: i,
			})
		}
	}
	return res, nil
}

func extractText(att *Attachment, ext string) (string, error) {
	switch ext {
	case ".pdf":
		return extractPDF(att.Data)
	case ".docx":
		return extractDocx(att.Data)
	case ".xlsx":
		return extractXlsx(att.Data)
	default:
		return string(att.Data), nil
	}
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to parse PDF: %w", err)
	}

	var parts []string
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			parts = append(parts, fmt.Sprintf("--- Page %d (extraction failed: %v) ---", pageNum, err))
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, fmt.Sprintf("--- Page %d ---\n%s", pageNum, text))
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func extractDocx(data []byte) (string, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to parse DOCX: %w", err)
	}
	defer doc.Close()
	return doc.Editable().GetContent(), nil
}

func extractXlsx(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to parse XLSX: %w", err)
	}
	defer f.Close()

	var parts []string
	for _, sheetName := range f.GetSheetList() {
		var sheetText strings.Builder
		sheetText.WriteString(fmt.Sprintf("--- Sheet: %s ---\n", sheetName))

		rows, err := f.GetRows(sheetName)
		if err != nil {
			sheetText.WriteString(fmt.Sprintf("Error reading sheet: %v\n", err))
			parts = append(parts, sheetText.String())
			continue
		}

		cellCount := 0
	rowLoop:
		for rowIndex, row := range rows {
			for colIndex, cell := range row {
				if cellCount >= maxCellsPerSheet {
					sheetText.WriteString("... (truncated)\n")
					break rowLoop
				}
				if text := strings.TrimSpace(cell); text != "" {
					cellRef := fmt.Sprintf("%s%d", columnName(colIndex), rowIndex+1)
					sheetText.WriteString(fmt.Sprintf("%s: %s\n", cellRef, text))
					cellCount++
				}
			}
		}
		parts = append(parts, strings.TrimSpace(sheetText.String()))
	}
	return strings.Join(parts, "\n\n"), nil
}

func columnName(index int) string {
	name := ""
	for index >= 0 {
		name = string(rune('A'+index%26)) + name
		index = index/26 - 1
	}
	return name
}

// chunkText splits text into fragments on paragraph boundaries, packing
// paragraphs until the chunk limit is reached. Oversized paragraphs are
// split hard.
func chunkText(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= maxChunkChars {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		for len(para) > maxChunkChars {
			flush()
			chunks = append(chunks, strings.TrimSpace(para[:maxChunkChars]))
			para = para[maxChunkChars:]
		}
		if current.Len() > 0 && current.Len()+len(para)+2 > maxChunkChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()
	return chunks
}
