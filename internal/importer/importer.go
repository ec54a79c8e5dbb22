// Package importer bulk-loads feedback documents from files into the
// retrieval index.
package importer

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/transform"

	"github.com/soulstay/feedbackrag/internal/retrieval"
)

// ImportUserID is the user id recorded on imported documents.
const ImportUserID = 0

// ErrUnsupported is returned for files with an unknown extension.
var ErrUnsupported = errors.New("unsupported file type")

// Adder adds one document to the index.
type Adder interface {
	AddFeedback(ctx context.Context, userID int64, text string, meta retrieval.Metadata) retrieval.AddOutcome
}

// Resetter clears the index before a full reload.
type Resetter interface {
	DeleteAll(ctx context.Context) error
}

// Report counts what an import did.
type Report struct {
	Files      int `json:"files"`
	Documents  int `json:"documents"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

func (r *Report) add(o Report) {
	r.Files += o.Files
	r.Documents += o.Documents
	r.Inserted += o.Inserted
	r.Duplicates += o.Duplicates
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

// Importer reads csv, pdf and txt files and adds their documents.
type Importer struct {
	adder    Adder
	resetter Resetter
	logger   *slog.Logger
}

// New creates an Importer. resetter may be nil when resets are not needed.
func New(adder Adder, resetter Resetter, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{adder: adder, resetter: resetter, logger: logger}
}

// Supported reports whether path has an extension the importer reads.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".pdf", ".txt":
		return true
	}
	return false
}

// ImportDir imports every supported file directly under dir, in name
// order. With reset set the index is cleared first. A file that cannot be
// read is logged and counted as failed; the rest still load.
func (im *Importer) ImportDir(ctx context.Context, dir string, reset bool) (Report, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Report{}, fmt.Errorf("reading import dir: %w", err)
	}

	if reset {
		if im.resetter == nil {
			return Report{}, errors.New("reset requested but no resetter configured")
		}
		if err := im.resetter.DeleteAll(ctx); err != nil {
			return Report{}, fmt.Errorf("resetting index: %w", err)
		}
		im.logger.Info("index cleared before import", "dir", dir)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && Supported(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var total Report
	for _, name := range names {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		rep, err := im.ImportFile(ctx, filepath.Join(dir, name))
		if err != nil {
			im.logger.Error("import failed", "file", name, "error", err)
			total.Files++
			total.Failed++
			continue
		}
		total.add(rep)
	}
	im.logger.Info("import finished", "dir", dir, "files", total.Files, "inserted", total.Inserted,
		"duplicates", total.Duplicates, "failed", total.Failed)
	return total, nil
}

// ImportFile adds the documents of one file, tagged with the file name as
// source.
func (im *Importer) ImportFile(ctx context.Context, path string) (Report, error) {
	docs, err := ReadDocuments(path)
	if err != nil {
		return Report{}, err
	}

	rep := Report{Files: 1, Documents: len(docs)}
	source := filepath.Base(path)
	for _, doc := range docs {
		out := im.adder.AddFeedback(ctx, ImportUserID, doc, retrieval.Metadata{retrieval.MetaSource: source})
		switch out.Status {
		case retrieval.AddInserted:
			rep.Inserted++
		case retrieval.AddDuplicate:
			rep.Duplicates++
		case retrieval.AddSkipped:
			rep.Skipped++
		default:
			rep.Failed++
		}
	}
	im.logger.Info("file imported", "file", source, "documents", rep.Documents, "inserted", rep.Inserted)
	return rep, nil
}

// ReadDocuments extracts the documents of a file: one per csv row, one per
// pdf or txt file.
func ReadDocuments(path string) ([]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return ReadCSV(bytes.NewReader(decodeText(b)))
	case ".txt":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return nonEmpty(string(decodeText(b))), nil
	case ".pdf":
		text, err := readPDF(path)
		if err != nil {
			return nil, err
		}
		return nonEmpty(text), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, filepath.Ext(path))
	}
}

func nonEmpty(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return []string{text}
}

// decodeText returns b unchanged when it is valid UTF-8 and otherwise
// decodes it as CP949, the usual encoding of Korean spreadsheets.
func decodeText(b []byte) []byte {
	b = bytes.TrimPrefix(b, []byte("\xef\xbb\xbf"))
	if utf8.Valid(b) {
		return b
	}
	out, _, err := transform.Bytes(korean.EUCKR.NewDecoder(), b)
	if err != nil {
		return b
	}
	return out
}

// Header names recognised as the feedback text column, lowercased.
var textColumns = []string{"text", "feedback", "content", "review", "comment", "내용", "피드백", "리뷰", "후기", "의견"}

// ReadCSV returns the feedback text of each row. The text column is found
// by header name; without a known header, the column holding the most
// text is used and the first row is treated as data.
func ReadCSV(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	col := headerColumn(rows[0])
	data := rows[1:]
	if col < 0 {
		col = longestColumn(rows)
		data = rows
	}

	var docs []string
	for _, row := range data {
		if col >= len(row) {
			continue
		}
		if text := strings.TrimSpace(row[col]); text != "" {
			docs = append(docs, text)
		}
	}
	return docs, nil
}

func headerColumn(header []string) int {
	for _, want := range textColumns {
		for i, h := range header {
			if strings.ToLower(strings.TrimSpace(h)) == want {
				return i
			}
		}
	}
	return -1
}

func longestColumn(rows [][]string) int {
	var totals []int
	for _, row := range rows {
		for i, v := range row {
			for len(totals) <= i {
				totals = append(totals, 0)
			}
			totals[i] += utf8.RuneCountInString(v)
		}
	}
	best := 0
	for i, n := range totals {
		if n > totals[best] {
			best = i
		}
	}
	return best
}

// readPDF returns the plain text of every page.
func readPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return buf.String(), nil
}
