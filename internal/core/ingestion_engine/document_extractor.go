package ingestion_engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"sort"
	"strings"
	"unicode/utf8"

	"code.sajari.com/docconv"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/markdave123-py/ragvault/internal/core"
)

const (
	ContentTypePlain    = "text/plain"
	ContentTypeMarkdown = "text/markdown"
	ContentTypeHTML     = "text/html"
	ContentTypePDF      = "application/pdf"
	ContentTypeDoc      = "application/msword"
	ContentTypeDocx     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// passthroughTypes are taken verbatim as a single segment.
var passthroughTypes = map[string]bool{
	ContentTypePlain:    true,
	ContentTypeMarkdown: true,
	"text/x-markdown":   true,
}

var _ core.DocumentParser = (*Parser)(nil)

// Parser dispatches raw bytes to a format specific extractor.
type Parser struct {
	extractors map[string]core.DocumentExtractor
	log        *slog.Logger
}

// NewParser registers the docconv backed extractors for PDF, DOC, DOCX and HTML.
func NewParser(log *slog.Logger, useReadability bool) *Parser {
	if log == nil {
		log = slog.Default()
	}
	p := &Parser{extractors: map[string]core.DocumentExtractor{}, log: log}
	html := &HTMLExtractor{useReadability: useReadability}
	p.Register(ContentTypePDF, NewPDFExtractor())
	p.Register(ContentTypeDoc, &docconvExtractor{format: "doc", convert: docconv.ConvertDoc})
	p.Register(ContentTypeDocx, &docconvExtractor{format: "docx", convert: docconv.ConvertDocx})
	p.Register(ContentTypeHTML, html)
	p.Register("application/xhtml+xml", html)
	return p
}

// Register installs or replaces the extractor for a content type.
func (p *Parser) Register(contentType string, e core.DocumentExtractor) {
	p.extractors[NormalizeContentType(contentType)] = e
}

// Supported lists every accepted content type, sorted.
func (p *Parser) Supported() []string {
	out := make([]string, 0, len(p.extractors)+len(passthroughTypes))
	for ct := range passthroughTypes {
		out = append(out, ct)
	}
	for ct := range p.extractors {
		out = append(out, ct)
	}
	sort.Strings(out)
	return out
}

// NormalizeContentType lowercases a media type and strips its parameters.
func NormalizeContentType(ct string) string {
	ct = strings.TrimSpace(ct)
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// Parse returns the text segments of data. An empty result with a nil error
// means the document had no extractable text.
func (p *Parser) Parse(ctx context.Context, data []byte, contentType, filename string) ([]core.Segment, error) {
	ct := NormalizeContentType(contentType)

	if passthroughTypes[ct] {
		if !utf8.Valid(data) {
			return nil, fmt.Errorf("%w: %s is not valid UTF-8", core.ErrParse, filename)
		}
		if strings.TrimSpace(string(data)) == "" {
			return nil, nil
		}
		return []core.Segment{{Text: string(data), Metadata: map[string]any{"source": filename}}}, nil
	}

	ext, ok := p.extractors[ct]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnsupportedFormat, contentType)
	}

	segs, err := p.extractAsync(ctx, ext, data, filename)
	if err != nil {
		return nil, err
	}

	out := segs[:0]
	for _, s := range segs {
		if strings.TrimSpace(s.Text) == "" {
			continue
		}
		if s.Metadata == nil {
			s.Metadata = map[string]any{}
		}
		if _, ok := s.Metadata["source"]; !ok {
			s.Metadata["source"] = filename
		}
		out = append(out, s)
	}
	p.log.Debug("document extracted", "filename", filename, "content_type", ct, "segments", len(out))
	return out, nil
}

type extractResult struct {
	segs []core.Segment
	err  error
}

// extractAsync runs the extractor on its own goroutine so a slow conversion
// never pins the caller past ctx.
func (p *Parser) extractAsync(ctx context.Context, ext core.DocumentExtractor, data []byte, filename string) ([]core.Segment, error) {
	done := make(chan extractResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- extractResult{err: fmt.Errorf("%w: extractor panic: %v", core.ErrParse, r)}
			}
		}()
		segs, err := ext.Extract(ctx, data, filename)
		done <- extractResult{segs: segs, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			if isParseClass(res.err) {
				return nil, res.err
			}
			return nil, fmt.Errorf("%w: %s: %w", core.ErrParse, filename, res.err)
		}
		return res.segs, nil
	}
}

func isParseClass(err error) bool {
	return errors.Is(err, core.ErrParse) || errors.Is(err, core.ErrUnsupportedFormat)
}

// docconvExtractor wraps one of docconv's single format converters.
type docconvExtractor struct {
	format  string
	convert func(io.Reader) (string, map[string]string, error)
}

func (e *docconvExtractor) Extract(_ context.Context, data []byte, filename string) ([]core.Segment, error) {
	text, meta, err := e.convert(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: docconv %s: %w", core.ErrParse, e.format, err)
	}
	md := docconvMeta(meta)
	md["source"] = filename
	return []core.Segment{{Text: text, Metadata: md}}, nil
}

// HTMLExtractor converts markup to text without shelling out to tidy.
type HTMLExtractor struct {
	useReadability bool
}

func (e *HTMLExtractor) Extract(_ context.Context, data []byte, filename string) ([]core.Segment, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: %s is not valid UTF-8", core.ErrParse, filename)
	}
	src := data
	if e.useReadability {
		if main := docconv.HTMLReadability(bytes.NewReader(data)); len(bytes.TrimSpace(main)) > 0 {
			src = main
		}
	}
	text := docconv.HTMLToText(bytes.NewReader(src))
	return []core.Segment{{Text: text, Metadata: map[string]any{"source": filename}}}, nil
}

// PDFExtractor validates the document with pdfcpu, then converts it with
// docconv and splits the output into one segment per page.
type PDFExtractor struct {
	conf *model.Configuration
}

func NewPDFExtractor() *PDFExtractor {
	api.DisableConfigDir()
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &PDFExtractor{conf: conf}
}

func (e *PDFExtractor) Extract(_ context.Context, data []byte, filename string) ([]core.Segment, error) {
	pages, err := api.PageCount(bytes.NewReader(data), e.conf)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid pdf %s: %w", core.ErrParse, filename, err)
	}

	text, meta, err := docconv.ConvertPDF(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: docconv pdf: %w", core.ErrParse, err)
	}
	return splitPages(text, pages, docconvMeta(meta), filename), nil
}

// splitPages cuts pdftotext output on form feeds. Each page becomes a segment
// tagged with its 1-based page number.
func splitPages(text string, pages int, meta map[string]any, filename string) []core.Segment {
	parts := strings.Split(text, "\f")
	out := make([]core.Segment, 0, len(parts))
	for i, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		md := make(map[string]any, len(meta)+3)
		for k, v := range meta {
			md[k] = v
		}
		md["source"] = filename
		md["page"] = i + 1
		md["total_pages"] = pages
		out = append(out, core.Segment{Text: part, Metadata: md})
	}
	return out
}

func docconvMeta(meta map[string]string) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		if v == "" {
			continue
		}
		out[strings.ToLower(k)] = v
	}
	return out
}
