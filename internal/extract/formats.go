package extract

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/crawlerr"
)

type format int

const (
	formatUnknown format = iota
	formatZip
	formatSpreadsheet
	formatText
	formatDocument
)

const (
	maxArchiveDepth = 3
	maxUnpacked     = 500 << 20
	maxTextBytes    = 64 << 10
)

var byExtension = map[string]struct {
	format      format
	contentType string
}{
	".zip":  {formatZip, "application/zip"},
	".xlsx": {formatSpreadsheet, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
	".txt":  {formatText, "text/plain"},
	".csv":  {formatText, "text/csv"},
	".pdf":  {formatDocument, "application/pdf"},
	".doc":  {formatDocument, "application/msword"},
	".docx": {formatDocument, "application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
	".xls":  {formatDocument, "application/vnd.ms-excel"},
	".rtf":  {formatDocument, "application/rtf"},
	".html": {formatDocument, "text/html"},
	".htm":  {formatDocument, "text/html"},
}

// detect types a file by extension, falling back to content sniffing.
func detect(p, name string) (format, string) {
	if t, ok := byExtension[strings.ToLower(filepath.Ext(name))]; ok {
		return t.format, t.contentType
	}

	f, err := os.Open(p)
	if err != nil {
		return formatUnknown, ""
	}
	defer f.Close()
	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	ct := http.DetectContentType(head[:n])

	switch {
	case ct == "application/zip":
		return formatZip, ct
	case ct == "application/pdf":
		return formatDocument, ct
	case strings.HasPrefix(ct, "text/html"):
		return formatDocument, "text/html"
	case strings.HasPrefix(ct, "text/plain"):
		return formatText, "text/plain"
	}
	return formatUnknown, ct
}

// classify turns the file at p into extracted files. Archives expand into
// dir; nested archives expand into sibling directories of their own.
func classify(p, name, dir string, depth int) ([]ExtractedFile, error) {
	fmtKind, ct := detect(p, name)
	switch fmtKind {
	case formatZip:
		if depth >= maxArchiveDepth {
			return nil, crawlerr.New(crawlerr.KindCorruptArchive, "unzip",
				fmt.Errorf("%w: nested deeper than %d", ErrCorruptArchive, maxArchiveDepth))
		}
		return unzip(p, name, dir, depth)
	case formatSpreadsheet:
		text, err := sheetText(p)
		if err != nil {
			return nil, crawlerr.New(crawlerr.KindCorruptArchive, "read spreadsheet",
				fmt.Errorf("%w: %w", ErrCorruptArchive, err))
		}
		return single(p, name, ct, text)
	case formatText:
		text, err := readText(p)
		if err != nil {
			return nil, crawlerr.New(crawlerr.KindExtraction, "read text", err)
		}
		return single(p, name, ct, text)
	case formatDocument:
		return single(p, name, ct, "")
	}
	return nil, crawlerr.New(crawlerr.KindUnsupportedFormat, "classify",
		fmt.Errorf("%w: %s (%s)", ErrUnsupportedFormat, name, ct))
}

func single(p, name, ct, text string) ([]ExtractedFile, error) {
	sum, size, err := hashFile(p)
	if err != nil {
		return nil, crawlerr.New(crawlerr.KindInternal, "hash", err)
	}
	return []ExtractedFile{{
		Name:        name,
		Path:        p,
		Size:        size,
		SHA256:      sum,
		ContentType: ct,
		Text:        text,
	}}, nil
}

// unzip expands archive p into dir. Unsupported members are skipped, as are
// corrupt nested archives. An archive without any regular entry is corrupt.
func unzip(p, name, dir string, depth int) ([]ExtractedFile, error) {
	corrupt := func(err error) error {
		return crawlerr.New(crawlerr.KindCorruptArchive, "unzip "+name, fmt.Errorf("%w: %w", ErrCorruptArchive, err))
	}

	r, err := zip.OpenReader(p)
	if err != nil {
		return nil, corrupt(err)
	}
	defer r.Close()

	var (
		out     []ExtractedFile
		entries int
		total   uint64
	)
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		entries++
		total += f.UncompressedSize64
		if total > maxUnpacked {
			return nil, corrupt(fmt.Errorf("expands beyond %d bytes", maxUnpacked))
		}

		target, err := safeJoin(dir, f.Name)
		if err != nil {
			return nil, corrupt(err)
		}
		if err := writeEntry(f, target); err != nil {
			return nil, corrupt(err)
		}

		inner, err := classify(target, path.Join(name, filepath.ToSlash(f.Name)), target+"_extracted", depth+1)
		if err != nil {
			switch crawlerr.KindOf(err) {
			case crawlerr.KindUnsupportedFormat, crawlerr.KindCorruptArchive:
				continue
			}
			return nil, err
		}
		out = append(out, inner...)
	}

	if entries == 0 {
		return nil, corrupt(errors.New("archive is empty"))
	}
	if len(out) == 0 {
		return nil, crawlerr.New(crawlerr.KindUnsupportedFormat, "unzip "+name,
			fmt.Errorf("%w: no supported files in archive", ErrUnsupportedFormat))
	}
	return out, nil
}

func writeEntry(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	// Reading to EOF verifies the entry checksum.
	_, err = io.Copy(out, io.LimitReader(rc, int64(f.UncompressedSize64)+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

// safeJoin resolves an archive member name under root, rejecting names that
// would escape it.
func safeJoin(root, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if path.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("absolute member path %q", name)
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("member path %q escapes archive", name)
	}
	return target, nil
}

// sheetText flattens every sheet into tab-separated lines.
func sheetText(p string) (string, error) {
	f, err := excelize.OpenFile(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("sheet %s: %w", sheet, err)
		}
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteByte('\n')
			if b.Len() >= maxTextBytes {
				return b.String(), nil
			}
		}
	}
	return b.String(), nil
}

func readText(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, maxTextBytes))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
