package parsers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/models"
)

// CollectionPages names the nested page objects of a PDF record
const CollectionPages = "pages"

// PDFParser extracts per-page content streams and embedded images with
// pdfcpu. pdfcpu works on files, so each parse uses a scratch directory.
type PDFParser struct {
	tempDir string
	logger  arbor.ILogger
}

// NewPDFParser creates the PDF parser. tempDir defaults to the OS temp dir.
func NewPDFParser(tempDir string, logger arbor.ILogger) *PDFParser {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &PDFParser{tempDir: tempDir, logger: logger}
}

func (p *PDFParser) Name() string { return "pdf" }

func (p *PDFParser) MimeTypes() []string {
	return []string{"application/pdf"}
}

func (p *PDFParser) ParseFile(ctx context.Context, params models.ParseFileParams) (*models.ParseResult, error) {
	workDir, err := os.MkdirTemp(p.tempDir, "corpus-pdf-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	inFile := filepath.Join(workDir, "in.pdf")
	if err := os.WriteFile(inFile, params.File, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write scratch pdf: %w", err)
	}

	pdfCtx, err := api.ReadContextFile(inFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read pdf: %w", err)
	}
	conf := model.NewDefaultConfiguration()

	contentDir := filepath.Join(workDir, "content")
	pageTexts := make(map[int]string)
	if err := os.MkdirAll(contentDir, 0o700); err == nil {
		if err := api.ExtractContentFile(inFile, contentDir, nil, conf); err != nil {
			p.logger.Warn().Err(err).Str("filename", params.Filename).Msg("Failed to extract pdf content")
		} else {
			pageTexts = readPageFiles(contentDir)
		}
	}

	var attachments []models.RemoteFile
	imageDir := filepath.Join(workDir, "images")
	if err := os.MkdirAll(imageDir, 0o700); err == nil {
		if err := api.ExtractImagesFile(inFile, imageDir, nil, conf); err != nil {
			p.logger.Warn().Err(err).Str("filename", params.Filename).Msg("Failed to extract pdf images")
		} else {
			attachments = readImageFiles(imageDir)
		}
	}

	pages := make([]interface{}, 0, pdfCtx.PageCount)
	var fullText strings.Builder
	for n := 1; n <= pdfCtx.PageCount; n++ {
		text := pageTexts[n]
		pages = append(pages, map[string]interface{}{
			models.CollectionKey: CollectionPages,
			"number":             n,
			"text":               text,
		})
		if text != "" {
			if fullText.Len() > 0 {
				fullText.WriteString("\n\n")
			}
			fullText.WriteString(text)
		}
	}

	record := map[string]interface{}{
		"title":      strings.TrimSuffix(params.Filename, filepath.Ext(params.Filename)),
		"page_count": pdfCtx.PageCount,
		"encrypted":  pdfCtx.Encrypt != nil,
		"text":       fullText.String(),
		"pages":      pages,
	}
	return &models.ParseResult{Record: record, Attachments: attachments}, nil
}

func (p *PDFParser) ProcessFileRecord(ctx context.Context, params models.ProcessFileParams) (map[string]interface{}, error) {
	return foldAttachments(params.Record, params.Attachments), nil
}

// readPageFiles maps page numbers to extracted content. pdfcpu names
// content files "<base>_Content_page_<n>.txt" or "Content_page_<n>".
func readPageFiles(dir string) map[int]string {
	out := make(map[int]string)
	entries, _ := os.ReadDir(dir)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		n := pageNumber(entry.Name())
		if n == 0 {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		out[n] = showText(string(data))
	}
	return out
}

var (
	tjPattern      = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)\s*Tj`)
	tjArrayPattern = regexp.MustCompile(`\[((?:\\.|[^\]])*)\]\s*TJ`)
	literalPattern = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)`)
	unescapePDF    = strings.NewReplacer(`\(`, "(", `\)`, ")", `\\`, `\`, `\n`, "\n", `\r`, "", `\t`, "\t")
)

// showText collects the string operands of the Tj and TJ operators of a
// page content stream, one line per text block
func showText(content string) string {
	var lines []string
	for _, block := range strings.Split(content, "BT") {
		var line strings.Builder
		matches := tjPattern.FindAllStringSubmatchIndex(block, -1)
		arrays := tjArrayPattern.FindAllStringSubmatchIndex(block, -1)
		matches = append(matches, arrays...)
		sort.Slice(matches, func(i, j int) bool { return matches[i][0] < matches[j][0] })
		for _, m := range matches {
			operand := block[m[2]:m[3]]
			if block[m[1]-2:m[1]] == "TJ" {
				for _, lit := range literalPattern.FindAllStringSubmatch(operand, -1) {
					line.WriteString(unescapePDF.Replace(lit[1]))
				}
				continue
			}
			line.WriteString(unescapePDF.Replace(operand))
		}
		if text := strings.TrimSpace(line.String()); text != "" {
			lines = append(lines, text)
		}
	}
	return strings.Join(lines, "\n")
}

func pageNumber(name string) int {
	i := strings.LastIndex(name, "page_")
	if i < 0 {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(name[i:], "page_%d", &n); err != nil {
		return 0
	}
	return n
}

func readImageFiles(dir string) []models.RemoteFile {
	entries, _ := os.ReadDir(dir)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	files := make([]models.RemoteFile, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		files = append(files, models.RemoteFile{
			Filename: name,
			MimeType: mimetype.Detect(data).String(),
			Data:     data,
		})
	}
	return files
}
