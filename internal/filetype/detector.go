package filetype

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// PDFMime is the only input type the scanner accepts.
const PDFMime = "application/pdf"

// ErrNotPDF is returned for inputs whose content is not a PDF.
var ErrNotPDF = errors.New("input is not a PDF document")

// FileTypeInfo contains detected file type information
type FileTypeInfo struct {
	MIMEType    string
	Extension   string
	Supported   bool
	Description string
}

// Detector handles file type detection using magic bytes
type Detector struct{}

// New creates a new file type detector
func New() *Detector {
	return &Detector{}
}

// Detect detects the actual file type using magic bytes, not filename
func (d *Detector) Detect(filePath string) (*FileTypeInfo, error) {
	mtype, err := mimetype.DetectFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to detect file type: %w", err)
	}
	info := d.classify(mtype)
	log.Debug().Str("mime", info.MIMEType).Str("ext", info.Extension).Str("file", filePath).Msg("detected file type")

	// A PDF renamed to something else still works, but note it.
	if info.Supported && !strings.EqualFold(filepath.Ext(filePath), ".pdf") {
		log.Warn().Str("file", filePath).Msg("PDF content without .pdf extension")
	}
	return info, nil
}

// DetectReader detects the type of an upload stream.
func (d *Detector) DetectReader(r io.Reader) (*FileTypeInfo, error) {
	mtype, err := mimetype.DetectReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to detect file type: %w", err)
	}
	return d.classify(mtype), nil
}

// RequirePDF returns ErrNotPDF unless filePath holds PDF content.
func (d *Detector) RequirePDF(filePath string) error {
	info, err := d.Detect(filePath)
	if err != nil {
		return err
	}
	if !info.Supported {
		return fmt.Errorf("%w: %s", ErrNotPDF, info.Description)
	}
	return nil
}

func (d *Detector) classify(mtype *mimetype.MIME) *FileTypeInfo {
	info := &FileTypeInfo{MIMEType: mtype.String(), Extension: mtype.Extension()}
	if mtype.Is(PDFMime) {
		info.Supported = true
		info.Description = "PDF document"
		return info
	}
	info.Description = fmt.Sprintf("Unsupported file type: %s", info.MIMEType)
	return info
}
